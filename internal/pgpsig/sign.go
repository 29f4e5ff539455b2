package pgpsig

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/openpgp/packet"
)

// Signer performs the PKCS#1 v1.5 RSA operation backing a PGP signature,
// without ever holding the private key in process memory — satisfied by
// an HSM-backed adapter. It is the crypto.Signer shape
// golang.org/x/crypto/openpgp/packet.Signature.Sign already expects from
// priv.PrivateKey, so the real packet construction code (HashSuffix,
// trailer, subpacket framing) is reused verbatim rather than
// reimplemented — grounded on
// other_examples' vendored golang.org/x/crypto/openpgp/packet
// signature.go, whose Sign method type-asserts exactly this interface.
type Signer interface {
	crypto.Signer
}

// hsmSigner adapts an already-imported HSM key to crypto.Signer. Sign is
// only ever called by packet.Signature.Sign with opts.HashFunc()==SHA256
// and a pre-computed 32-byte digest, which is exactly what hsm.Gateway.Sign
// expects as octets.
type hsmSigner struct {
	sign func(digest []byte) ([]byte, error)
	pub  *rsa.PublicKey
}

func (s *hsmSigner) Public() crypto.PublicKey { return s.pub }

func (s *hsmSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts.HashFunc() != crypto.SHA256 {
		return nil, fmt.Errorf("hsm signer only supports sha256, got %v", opts.HashFunc())
	}
	return s.sign(digest)
}

// WrapRSASignature builds a complete, serialized detached binary PGP
// signature packet over payload, using sign to perform the RSA
// operation (typically hsm.Gateway.Sign bound to the secret's handle)
// and subkeyID/pub to populate the issuer and public-key-algorithm
// fields so verifiers can resolve the signing key. The signature's hash
// algorithm is fixed at SHA-256 to match spec.md's "SHA-256 or
// stronger" floor.
func WrapRSASignature(payload []byte, subkeyID uint64, pub *rsa.PublicKey, sign func(digest []byte) ([]byte, error)) ([]byte, error) {
	signer := &hsmSigner{sign: sign, pub: pub}

	privKey := packet.NewSignerPrivateKey(time.Now(), signer)

	sig := &packet.Signature{
		CreationTime: time.Now(),
		SigType:      packet.SigTypeBinary,
		PubKeyAlgo:   packet.PubKeyAlgoRSA,
		Hash:         crypto.SHA256,
		IssuerKeyId:  &subkeyID,
	}

	h := sig.Hash.New()
	h.Write(payload)

	if err := sig.Sign(h, privKey, nil); err != nil {
		return nil, fmt.Errorf("assemble pgp signature: %w", err)
	}

	var buf bytes.Buffer
	if err := sig.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize pgp signature: %w", err)
	}
	return buf.Bytes(), nil
}
