// Package pgpsig is the Signature Verifier of spec.md §4.3: given a
// payload and a list of detached, binary (non-armored) PGP signatures,
// it returns the set of Keyring-known fingerprints whose signature
// validly covers the payload.
package pgpsig

import (
	"bytes"
	"crypto"
	"fmt"

	"golang.org/x/crypto/openpgp/packet"
)

// CertLookup resolves a PGP issuer key ID to the exact signing-capable
// public key and the fingerprint of the user it belongs to. It is
// satisfied by *internal/keyring.Keyring.
type CertLookup interface {
	KeyByID(keyID uint64) (pk *packet.PublicKey, fingerprint string, ok bool)
}

// Diagnostic records why one submitted signature blob did not
// contribute a fingerprint, for per-signature reporting without
// aborting the rest of the request.
type Diagnostic struct {
	Index int
	Err   error
}

// Verify checks every blob in sigs against payload and returns the set
// of distinct fingerprints with at least one valid signature, plus a
// diagnostic for each blob that was malformed, used a weak hash
// algorithm, or failed to verify. Signatures from keys absent from the
// Keyring are silently dropped — per spec.md §4.3 that is not an error.
func Verify(payload []byte, sigs [][]byte, lookup CertLookup) (map[string]struct{}, []Diagnostic) {
	attributed := make(map[string]struct{})
	var diags []Diagnostic

	for i, blob := range sigs {
		fpr, unknown, err := verifyOne(payload, blob, lookup)
		switch {
		case err != nil:
			diags = append(diags, Diagnostic{Index: i, Err: err})
		case unknown:
			// Not attributable to any Keyring user; contributes nothing.
		default:
			attributed[fpr] = struct{}{}
		}
	}
	return attributed, diags
}

func verifyOne(payload, blob []byte, lookup CertLookup) (fingerprint string, unknownKey bool, err error) {
	pkt, err := packet.Read(bytes.NewReader(blob))
	if err != nil {
		return "", false, fmt.Errorf("malformed signature packet: %w", err)
	}
	sig, ok := pkt.(*packet.Signature)
	if !ok {
		return "", false, fmt.Errorf("packet is not a signature (got %T)", pkt)
	}
	if !acceptableHash(sig.Hash) {
		return "", false, fmt.Errorf("signature uses unacceptable hash algorithm %v", sig.Hash)
	}
	if sig.IssuerKeyId == nil {
		return "", false, fmt.Errorf("signature has no issuer key id")
	}

	pk, fpr, found := lookup.KeyByID(*sig.IssuerKeyId)
	if !found {
		return "", true, nil
	}

	h := sig.Hash.New()
	h.Write(payload)
	if err := pk.VerifySignature(h, sig); err != nil {
		return "", false, fmt.Errorf("signature does not verify: %w", err)
	}
	return fpr, false, nil
}

// acceptableHash implements spec.md's "SHA-256 or stronger" rule:
// MD5 and SHA-1 signatures are treated as invalid regardless of
// whether the key itself is otherwise valid.
func acceptableHash(h crypto.Hash) bool {
	switch h {
	case crypto.SHA256, crypto.SHA384, crypto.SHA512:
		return true
	default:
		return false
	}
}
