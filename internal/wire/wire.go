// Package wire implements the length-delimited request/response framing
// and the canonical management-payload encoding of spec.md §6,
// generalizing the teacher's JSON-RPC method/params/result shape
// (chain/node/rpc.go's JSONRPCRequest/JSONRPCResponse) from an HTTP
// body to a raw length-prefixed TCP frame, since spec.md calls for
// "length-delimited messages" rather than request/response over HTTP.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame to guard against a client sending
// a bogus length prefix and exhausting memory.
const MaxFrameSize = 16 << 20 // 16 MiB

// Method identifies one of the three network-reachable RPCs of
// spec.md §6. AddSecret/AddUser are local-only and have no wire Method.
type Method string

const (
	MethodSign             Method = "Sign"
	MethodSetThreshold     Method = "SetSecretKeyThreshold"
	MethodSetUserKeyWeight Method = "SetUserKeyWeight"
)

// Request is the single envelope shape carried over the wire; unused
// fields for a given Method are left zero.
type Request struct {
	Method      Method   `json:"method"`
	Secret      string   `json:"secret"`
	Payload     []byte   `json:"payload"`
	Signatures  [][]byte `json:"signatures"`
	User        string   `json:"user,omitempty"`
	NewWeight   int64    `json:"new_weight,omitempty"`
	NewThreshold int64   `json:"new_threshold,omitempty"`
}

// ErrorPayload is the client-visible error shape, mirroring
// internal/ferr.Error without importing it (the wire format must stay
// stable independent of the internal error type's shape).
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Have    int64  `json:"have,omitempty"`
	Need    int64  `json:"need,omitempty"`
}

// Response is returned for every Request. Sign responses set Signature;
// management responses leave it empty on success.
type Response struct {
	Signature []byte        `json:"signature,omitempty"`
	Error     *ErrorPayload `json:"error,omitempty"`
}

// WriteFrame writes a 4-byte big-endian length prefix followed by msg.
func WriteFrame(w io.Writer, msg []byte) error {
	if len(msg) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds max %d", len(msg), MaxFrameSize)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(msg)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-delimited frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err // EOF surfaces to caller unwrapped so it can detect clean disconnect
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds max %d", n, MaxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return buf, nil
}

// EncodeRequest/DecodeRequest and EncodeResponse/DecodeResponse frame a
// Request/Response as JSON, matching the teacher's encoding/json usage
// throughout chain/node/rpc.go.
func EncodeRequest(req Request) ([]byte, error)   { return json.Marshal(req) }
func DecodeRequest(b []byte) (Request, error) {
	var req Request
	err := json.Unmarshal(b, &req)
	return req, err
}
func EncodeResponse(resp Response) ([]byte, error) { return json.Marshal(resp) }
func DecodeResponse(b []byte) (Response, error) {
	var resp Response
	err := json.Unmarshal(b, &resp)
	return resp, err
}

// ThresholdPayload builds the canonical encoding of a threshold
// mutation request, field order fixed exactly as spec.md §6 specifies:
// {"op":"threshold","secret":<name>,"threshold":<new_threshold>}
func ThresholdPayload(secret string, newThreshold int64) ([]byte, error) {
	secretJSON, err := json.Marshal(secret)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf(`{"op":"threshold","secret":%s,"threshold":%d}`, secretJSON, newThreshold)), nil
}

// WeightPayload builds the canonical encoding of a weight mutation
// request: {"op":"weight","secret":<name>,"user":<fpr>,"weight":<new_weight>}
func WeightPayload(secret, userFingerprint string, newWeight int64) ([]byte, error) {
	secretJSON, err := json.Marshal(secret)
	if err != nil {
		return nil, err
	}
	userJSON, err := json.Marshal(userFingerprint)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf(`{"op":"weight","secret":%s,"user":%s,"weight":%d}`, secretJSON, userJSON, newWeight)), nil
}
