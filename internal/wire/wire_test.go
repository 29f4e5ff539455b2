package wire

import (
	"bytes"
	"strings"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := []byte(`{"hello":"world"}`)
	if err := WriteFrame(&buf, msg); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("got %q, want %q", got, msg)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, err := ReadFrame(&buf)
	if err == nil {
		t.Fatal("expected error for oversized frame length")
	}
}

func TestWriteFrameRejectsOversizedMessage(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, MaxFrameSize+1))
	if err == nil {
		t.Fatal("expected error for oversized message")
	}
}

func TestRequestResponseEncodeDecodeRoundTrip(t *testing.T) {
	req := Request{
		Method:     MethodSign,
		Secret:     "release-key",
		Payload:    []byte("document bytes"),
		Signatures: [][]byte{[]byte("sig1"), []byte("sig2")},
	}
	encoded, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	decoded, err := DecodeRequest(encoded)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if decoded.Method != req.Method || decoded.Secret != req.Secret {
		t.Fatalf("decoded request mismatch: %+v", decoded)
	}
	if !bytes.Equal(decoded.Payload, req.Payload) {
		t.Fatalf("decoded payload mismatch: %q", decoded.Payload)
	}

	resp := Response{Error: &ErrorPayload{Kind: "InsufficientAuthorization", Message: "need 3 have 2", Have: 2, Need: 3}}
	encodedResp, err := EncodeResponse(resp)
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	decodedResp, err := DecodeResponse(encodedResp)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if decodedResp.Error == nil || decodedResp.Error.Have != 2 || decodedResp.Error.Need != 3 {
		t.Fatalf("decoded response mismatch: %+v", decodedResp)
	}
}

func TestThresholdPayloadFieldOrderAndEscaping(t *testing.T) {
	payload, err := ThresholdPayload(`name "with" quotes`, 7)
	if err != nil {
		t.Fatalf("ThresholdPayload: %v", err)
	}
	got := string(payload)
	want := `{"op":"threshold","secret":"name \"with\" quotes","threshold":7}`
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
	if !strings.HasPrefix(got, `{"op":"threshold","secret":`) {
		t.Fatalf("field order not fixed: %s", got)
	}
}

func TestWeightPayloadFieldOrderAndEscaping(t *testing.T) {
	payload, err := WeightPayload("release-key", "AAAA BBBB", 5)
	if err != nil {
		t.Fatalf("WeightPayload: %v", err)
	}
	want := `{"op":"weight","secret":"release-key","user":"AAAA BBBB","weight":5}`
	if string(payload) != want {
		t.Fatalf("got %s, want %s", payload, want)
	}
}

// TestManagementPayloadReconstructionEquality mirrors what
// internal/dispatch does to validate a submitted management payload:
// the server independently rebuilds the canonical encoding and
// compares bytes.
func TestManagementPayloadReconstructionEquality(t *testing.T) {
	submitted, err := ThresholdPayload("release-key", 3)
	if err != nil {
		t.Fatalf("ThresholdPayload: %v", err)
	}
	reconstructed, err := ThresholdPayload("release-key", 3)
	if err != nil {
		t.Fatalf("ThresholdPayload: %v", err)
	}
	if !bytes.Equal(submitted, reconstructed) {
		t.Fatal("identical inputs must reconstruct to identical payload bytes")
	}

	tampered, err := ThresholdPayload("release-key", 4)
	if err != nil {
		t.Fatalf("ThresholdPayload: %v", err)
	}
	if bytes.Equal(submitted, tampered) {
		t.Fatal("different threshold must reconstruct to different payload bytes")
	}
}
