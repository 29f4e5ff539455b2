// Package hsm is the thin capability layer over the attached hardware
// security module: import an RSA key, sign opaque octets with it, and
// read back the device's own monotonic audit log. It never parses PGP
// or any other wire format — callers assemble whatever bytes need
// signing and hand them over verbatim, per spec.md §4.1.
package hsm

import (
	"context"
	"time"
)

// Command identifies the HSM operation an hsm_logs row records.
type Command int64

const (
	CmdOpenSession Command = iota + 1
	CmdCloseSession
	CmdImportRSA
	CmdSign
)

// LogEntry is a single device-emitted audit record, mirrored verbatim
// into the hsm_logs table by internal/audit.
type LogEntry struct {
	Index      int64
	Command    Command
	DataLength int64
	SessionKey int64
	TargetKey  int64
	SecondKey  int64
	Result     int64
	Systick    int64
	Hash       []byte
}

// ErrKind enumerates the HSM failure taxonomy of spec.md §4.1.
type ErrKind int

const (
	_ ErrKind = iota
	Transport
	Busy
	AuthFailure
	InvalidHandle
	LogExhausted
)

func (k ErrKind) String() string {
	switch k {
	case Transport:
		return "transport error"
	case Busy:
		return "device busy"
	case AuthFailure:
		return "authentication failure"
	case InvalidHandle:
		return "invalid handle"
	case LogExhausted:
		return "device log exhausted"
	default:
		return "unknown hsm error"
	}
}

// Error is returned by every Gateway method on failure.
type Error struct {
	Kind ErrKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return k2s(e.Kind) + ": " + e.Err.Error()
	}
	return k2s(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func k2s(k ErrKind) string { return k.String() }

// Credential authenticates a session against the HSM's application
// partition, per spec.md §6's open_session(handle, password).
type Credential struct {
	Handle   string
	Password string
}

// Gateway is the HSM capability interface. Implementations are
// PKCS11Gateway (real hardware/softhsm over github.com/miekg/pkcs11)
// and SimGateway (an in-process software simulator for development and
// tests).
type Gateway interface {
	// OpenSession authenticates with the device's application
	// credential. It is a process-singleton resource per spec.md §9.
	OpenSession(ctx context.Context, cred Credential) error

	// CloseSession releases the session.
	CloseSession(ctx context.Context) error

	// ImportRSA imports an RSA private key and returns its
	// device-assigned handle.
	ImportRSA(ctx context.Context, keyMaterial []byte) (handle int64, err error)

	// Sign performs a PKCS#1 v1.5 RSA signature over octets using the
	// key at handle. The Gateway never inspects the meaning of octets.
	Sign(ctx context.Context, handle int64, octets []byte) ([]byte, error)

	// FetchLog returns device log entries with Index > sinceIndex, in
	// ascending order.
	FetchLog(ctx context.Context, sinceIndex int64) ([]LogEntry, error)
}

// DefaultTimeout is a five-second default for Gateway calls. Nothing in
// this repository applies it: the Dispatcher sets no deadline, and
// neither SimGateway nor PKCS11Gateway consults its ctx argument, so a
// Gateway call is not bounded in time.
const DefaultTimeout = 5 * time.Second
