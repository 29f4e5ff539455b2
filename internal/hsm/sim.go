package hsm

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// SimGateway is an in-process software HSM used for local development
// and the end-to-end scenarios of spec.md §8. It reproduces the
// device's monotonic, hash-chained log semantics so the Dispatcher and
// Audit Log can be exercised without real hardware, grounded on the
// teacher's in-memory audit trail pattern (chain/security/hsm/manager.go).
type SimGateway struct {
	mu      sync.Mutex
	open    bool
	keys    map[int64]*rsa.PrivateKey
	nextKey int64
	log     []LogEntry
}

// NewSimGateway constructs an unopened simulator.
func NewSimGateway() *SimGateway {
	return &SimGateway{keys: make(map[int64]*rsa.PrivateKey)}
}

func (g *SimGateway) OpenSession(ctx context.Context, cred Credential) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cred.Handle == "" || cred.Password == "" {
		return &Error{Kind: AuthFailure, Err: fmt.Errorf("empty credential")}
	}
	g.open = true
	g.appendLocked(CmdOpenSession, 0, 0, 0, 0, 1)
	return nil
}

func (g *SimGateway) CloseSession(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.open = false
	g.appendLocked(CmdCloseSession, 0, 0, 0, 0, 1)
	return nil
}

// ImportRSA imports a DER-encoded PKCS#1 or PKCS#8 RSA private key.
func (g *SimGateway) ImportRSA(ctx context.Context, keyMaterial []byte) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.open {
		return 0, &Error{Kind: Transport, Err: fmt.Errorf("session not open")}
	}

	priv, err := parseRSAPrivateKey(keyMaterial)
	if err != nil {
		return 0, &Error{Kind: InvalidHandle, Err: err}
	}

	g.nextKey++
	handle := g.nextKey
	g.keys[handle] = priv

	g.appendLocked(CmdImportRSA, int64(len(keyMaterial)), handle, 0, 0, 1)
	return handle, nil
}

// Sign produces a PKCS#1 v1.5 signature over octets, which must already
// be a SHA-256 digest — the Gateway never re-hashes, matching spec.md's
// format-agnostic contract. It is retried by the caller, not here.
func (g *SimGateway) Sign(ctx context.Context, handle int64, octets []byte) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.open {
		return nil, &Error{Kind: Transport, Err: fmt.Errorf("session not open")}
	}
	priv, ok := g.keys[handle]
	if !ok {
		g.appendLocked(CmdSign, int64(len(octets)), handle, 0, 0, 0)
		return nil, &Error{Kind: InvalidHandle, Err: fmt.Errorf("no key at handle %d", handle)}
	}
	if len(octets) != sha256.Size {
		g.appendLocked(CmdSign, int64(len(octets)), handle, 0, 0, 0)
		return nil, &Error{Kind: Transport, Err: fmt.Errorf("expected a %d-byte digest, got %d", sha256.Size, len(octets))}
	}

	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, octets)
	if err != nil {
		g.appendLocked(CmdSign, int64(len(octets)), handle, 0, 0, 0)
		return nil, &Error{Kind: Transport, Err: err}
	}

	g.appendLocked(CmdSign, int64(len(octets)), handle, 0, 0, 1)
	return sig, nil
}

// FetchLog returns simulator log entries with Index > sinceIndex.
func (g *SimGateway) FetchLog(ctx context.Context, sinceIndex int64) ([]LogEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if sinceIndex > int64(len(g.log)) {
		return nil, &Error{Kind: LogExhausted, Err: fmt.Errorf("requested since=%d but only %d entries exist", sinceIndex, len(g.log))}
	}

	out := make([]LogEntry, 0, int64(len(g.log))-sinceIndex)
	for _, e := range g.log {
		if e.Index > sinceIndex {
			out = append(out, e)
		}
	}
	return out, nil
}

// PublicKey returns the public half of an imported key without
// exporting the private material; internal/dispatch uses it to build
// PGP signature packets for PGP secrets.
func (g *SimGateway) PublicKey(handle int64) (*rsa.PublicKey, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	priv, ok := g.keys[handle]
	if !ok {
		return nil, &Error{Kind: InvalidHandle, Err: fmt.Errorf("no key at handle %d", handle)}
	}
	return &priv.PublicKey, nil
}

// appendLocked must be called with mu held. It chains each entry's hash
// to the previous one, the way the device's internal log does.
func (g *SimGateway) appendLocked(cmd Command, dataLen, targetKey, sessionKey, secondKey, result int64) {
	idx := int64(len(g.log)) + 1
	var prevHash []byte
	if len(g.log) > 0 {
		prevHash = g.log[len(g.log)-1].Hash
	}

	systick := time.Now().UnixNano()

	h := sha256.New()
	h.Write(prevHash)
	var buf [8]byte
	for _, v := range []int64{idx, int64(cmd), dataLen, sessionKey, targetKey, secondKey, result, systick} {
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}

	g.log = append(g.log, LogEntry{
		Index:      idx,
		Command:    cmd,
		DataLength: dataLen,
		SessionKey: sessionKey,
		TargetKey:  targetKey,
		SecondKey:  secondKey,
		Result:     result,
		Systick:    systick,
		Hash:       h.Sum(nil),
	})
}

func parseRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if priv, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return priv, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse rsa private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not RSA")
	}
	return rsaKey, nil
}
