package hsm

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/miekg/pkcs11"
)

// PKCS11Gateway is the production Gateway transport, talking to a real
// hardware or software HSM (e.g. a YubiHSM2 or SoftHSM2 token) over the
// vendor's PKCS#11 shared object, grounded on the Session/Sign pattern
// in src/pk11 of the OpenTitan provisioning appliance.
type PKCS11Gateway struct {
	ctx  *pkcs11.Ctx
	slot uint

	mu      sync.Mutex
	session pkcs11.SessionHandle
	open    bool

	logMu   sync.Mutex
	nextIdx int64
	log     []LogEntry
}

// NewPKCS11Gateway loads the PKCS#11 module at modulePath (e.g.
// /usr/lib/softhsm/libsofthsm2.so or the vendor's libCryptoki2.so) and
// targets the given slot.
func NewPKCS11Gateway(modulePath string, slot uint) (*PKCS11Gateway, error) {
	ctx := pkcs11.New(modulePath)
	if ctx == nil {
		return nil, &Error{Kind: Transport, Err: fmt.Errorf("load pkcs11 module %s", modulePath)}
	}
	if err := ctx.Initialize(); err != nil {
		return nil, &Error{Kind: Transport, Err: err}
	}
	return &PKCS11Gateway{ctx: ctx, slot: slot}, nil
}

func (g *PKCS11Gateway) OpenSession(ctx context.Context, cred Credential) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	session, err := g.ctx.OpenSession(g.slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return &Error{Kind: Transport, Err: err}
	}
	if err := g.ctx.Login(session, pkcs11.CKU_USER, cred.Password); err != nil {
		g.ctx.CloseSession(session)
		return &Error{Kind: AuthFailure, Err: err}
	}

	g.session = session
	g.open = true
	g.recordLocal(CmdOpenSession, 0, 0, 0, 0, 1)
	return nil
}

func (g *PKCS11Gateway) CloseSession(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.open {
		return nil
	}
	_ = g.ctx.Logout(g.session)
	err := g.ctx.CloseSession(g.session)
	g.open = false
	g.recordLocal(CmdCloseSession, 0, 0, 0, 0, 1)
	if err != nil {
		return &Error{Kind: Transport, Err: err}
	}
	return nil
}

// ImportRSA imports a DER-encoded PKCS#1 or PKCS#8 RSA private key as a
// token object (CKA_TOKEN) via C_CreateObject and returns the numeric
// CKA_ID assigned as this Gateway's opaque handle.
func (g *PKCS11Gateway) ImportRSA(ctx context.Context, keyMaterial []byte) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.open {
		return 0, &Error{Kind: Transport, Err: fmt.Errorf("session not open")}
	}

	priv, err := parseRSAPrivateKey(keyMaterial)
	if err != nil {
		return 0, &Error{Kind: InvalidHandle, Err: err}
	}

	handle := time.Now().UnixNano()
	id := int64ToBytes(handle)

	tmpl := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, priv.PublicKey.N.Bytes()),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE_EXPONENT, priv.D.Bytes()),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, big64(priv.PublicKey.E)),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false),
	}

	if _, err := g.ctx.CreateObject(g.session, tmpl); err != nil {
		g.recordLocal(CmdImportRSA, int64(len(keyMaterial)), 0, handle, 0, 0)
		return 0, &Error{Kind: Transport, Err: err}
	}

	g.recordLocal(CmdImportRSA, int64(len(keyMaterial)), 0, handle, 0, 1)
	return handle, nil
}

// Sign performs CKM_RSA_PKCS over a pre-computed SHA-256 digest.
func (g *PKCS11Gateway) Sign(ctx context.Context, handle int64, octets []byte) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.open {
		return nil, &Error{Kind: Transport, Err: fmt.Errorf("session not open")}
	}
	if len(octets) != sha256.Size {
		return nil, &Error{Kind: Transport, Err: fmt.Errorf("expected a %d-byte digest, got %d", sha256.Size, len(octets))}
	}

	obj, err := g.findPrivateKey(handle)
	if err != nil {
		g.recordLocal(CmdSign, int64(len(octets)), handle, 0, 0, 0)
		return nil, err
	}

	// DigestInfo prefix for SHA-256, per RFC 8017 PKCS#1 v1.5.
	prefix := []byte{0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20}
	digestInfo := append(append([]byte{}, prefix...), octets...)

	if err := g.ctx.SignInit(g.session, []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)}, obj); err != nil {
		g.recordLocal(CmdSign, int64(len(octets)), handle, 0, 0, 0)
		return nil, &Error{Kind: Transport, Err: err}
	}
	sig, err := g.ctx.Sign(g.session, digestInfo)
	if err != nil {
		g.recordLocal(CmdSign, int64(len(octets)), handle, 0, 0, 0)
		return nil, &Error{Kind: Transport, Err: err}
	}

	g.recordLocal(CmdSign, int64(len(octets)), handle, 0, 0, 1)
	return sig, nil
}

// FetchLog returns this process's local mirror of operations performed
// over this session. Devices that expose a vendor-specific audit
// mechanism (e.g. CKA_VENDOR log objects) should override this to pull
// from the device instead; the interface contract — entries strictly
// greater than sinceIndex, in order — is unchanged either way.
func (g *PKCS11Gateway) FetchLog(ctx context.Context, sinceIndex int64) ([]LogEntry, error) {
	g.logMu.Lock()
	defer g.logMu.Unlock()

	if sinceIndex > int64(len(g.log)) {
		return nil, &Error{Kind: LogExhausted, Err: fmt.Errorf("requested since=%d but only %d entries exist", sinceIndex, len(g.log))}
	}
	out := make([]LogEntry, 0)
	for _, e := range g.log {
		if e.Index > sinceIndex {
			out = append(out, e)
		}
	}
	return out, nil
}

func (g *PKCS11Gateway) findPrivateKey(handle int64) (pkcs11.ObjectHandle, error) {
	id := int64ToBytes(handle)
	tmpl := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
	}
	if err := g.ctx.FindObjectsInit(g.session, tmpl); err != nil {
		return 0, &Error{Kind: Transport, Err: err}
	}
	defer g.ctx.FindObjectsFinal(g.session)

	objs, _, err := g.ctx.FindObjects(g.session, 1)
	if err != nil {
		return 0, &Error{Kind: Transport, Err: err}
	}
	if len(objs) == 0 {
		return 0, &Error{Kind: InvalidHandle, Err: fmt.Errorf("no key at handle %d", handle)}
	}
	return objs[0], nil
}

func (g *PKCS11Gateway) recordLocal(cmd Command, dataLen, targetKey, sessionKey, secondKey, result int64) {
	g.logMu.Lock()
	defer g.logMu.Unlock()

	g.nextIdx++
	var prevHash []byte
	if len(g.log) > 0 {
		prevHash = g.log[len(g.log)-1].Hash
	}
	systick := time.Now().UnixNano()

	h := sha256.New()
	h.Write(prevHash)
	h.Write(int64ToBytes(g.nextIdx))
	h.Write(int64ToBytes(int64(cmd)))
	h.Write(int64ToBytes(dataLen))
	h.Write(int64ToBytes(result))

	g.log = append(g.log, LogEntry{
		Index:      g.nextIdx,
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

func int64ToBytes(v int64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func big64(e int) []byte {
	return int64ToBytes(int64(e))
}
