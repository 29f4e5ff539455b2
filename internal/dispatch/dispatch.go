// Package dispatch implements the Operation Dispatcher of spec.md §4.5:
// the state machine that takes a request through
// Received -> Parsed -> Verified -> Authorized -> Executing -> Audited -> Replied,
// guaranteeing that a failed or unauthorized request produces no HSM
// signing side effect and no policy mutation. It is the one package
// that holds the process-wide exclusive lock serializing the HSM
// session, grounded on the teacher's single RWMutex-guarded Blockchain
// critical section (chain/node/blockchain.go's Blockchain.mu).
package dispatch

import (
	"bytes"
	"context"
	"crypto/rsa"
	"fmt"
	"strconv"
	"sync"

	"github.com/fero-hsm/ferod/internal/audit"
	"github.com/fero-hsm/ferod/internal/authz"
	"github.com/fero-hsm/ferod/internal/ferr"
	"github.com/fero-hsm/ferod/internal/hsm"
	"github.com/fero-hsm/ferod/internal/keyring"
	"github.com/fero-hsm/ferod/internal/pgpsig"
	"github.com/fero-hsm/ferod/internal/store"
	"github.com/fero-hsm/ferod/internal/wire"
)

// Dispatcher owns the HSM session and every write path that touches it
// or the Keyring. All exported Handle* methods are safe for concurrent
// use; internally they serialize on mu for the Executing/Audited span.
type Dispatcher struct {
	store   *store.Store
	keyring *keyring.Keyring
	gw      hsm.Gateway
	auditLog *audit.Log

	mu sync.Mutex // process-wide exclusive lock, per spec.md §5
}

// New wires a Dispatcher over already-opened collaborators. Callers
// must call OpenSession and then Reconcile before serving requests.
func New(s *store.Store, kr *keyring.Keyring, gw hsm.Gateway, a *audit.Log) *Dispatcher {
	return &Dispatcher{store: s, keyring: kr, gw: gw, auditLog: a}
}

// OpenSession authenticates the singleton HSM session for the life of
// the process.
func (d *Dispatcher) OpenSession(ctx context.Context, cred hsm.Credential) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gw.OpenSession(ctx, cred)
}

// CloseSession releases the HSM session, intended for graceful shutdown.
func (d *Dispatcher) CloseSession(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gw.CloseSession(ctx)
}

// Reconcile runs the startup HSM-log gap detection of spec.md §4.6/§5.
// Must be called once, before Handle is ever invoked.
func (d *Dispatcher) Reconcile(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.auditLog.Reconcile(ctx, d.gw)
}

// Handle dispatches one network-reachable request to its handler. The
// three wire.Method values map one-to-one onto Sign/Threshold/Weight;
// AddSecret/AddUser are local-only and reached through AddSecret/AddUser
// below instead.
func (d *Dispatcher) Handle(ctx context.Context, req wire.Request) wire.Response {
	switch req.Method {
	case wire.MethodSign:
		return d.handleSign(ctx, req)
	case wire.MethodSetThreshold:
		return d.handleThreshold(ctx, req)
	case wire.MethodSetUserKeyWeight:
		return d.handleWeight(ctx, req)
	default:
		return errResponse(ferr.New(ferr.InvalidPayload, "unknown method %q", req.Method))
	}
}

// weightFuncFor builds an authz.WeightFunc resolving a verified
// fingerprint's weight toward secretID; an unknown user contributes 0
// rather than erroring, matching spec.md's "absent entry ≡ weight 0".
func (d *Dispatcher) weightFuncFor(secretID int64) authz.WeightFunc {
	return func(fingerprint string) (int64, error) {
		user, err := d.keyring.FindUser(fingerprint)
		if err != nil {
			if err == keyring.ErrNotFound {
				return 0, nil
			}
			return 0, err
		}
		return d.keyring.GetWeight(secretID, user.ID)
	}
}

// --- Sign -------------------------------------------------------------

func (d *Dispatcher) handleSign(ctx context.Context, req wire.Request) wire.Response {
	secret, err := d.keyring.FindSecret(req.Secret)
	if err != nil {
		d.auditUnreached(store.RequestSign, []byte(req.Secret), req.Payload)
		return errResponse(ferr.New(ferr.UnknownSecret, "unknown secret %q", req.Secret))
	}

	attributed, _ := pgpsig.Verify(req.Payload, req.Signatures, d.keyring)
	decision, err := authz.Authorize(attributed, secret.Threshold, d.weightFuncFor(secret.ID))
	if err != nil {
		d.auditUnreached(store.RequestSign, []byte(secret.Name), req.Payload)
		return errResponse(ferr.Wrap(ferr.Internal, err, "authorize sign request"))
	}
	if !decision.Authorized {
		d.auditUnreached(store.RequestSign, []byte(secret.Name), req.Payload)
		return errResponse(ferr.Insufficient(decision.Total, decision.Threshold))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	baseline, err := d.store.HighestHSMIndex()
	if err != nil {
		d.auditInternalFailure(store.RequestSign, []byte(secret.Name), req.Payload)
		return errResponse(ferr.Wrap(ferr.Internal, err, "read hsm baseline"))
	}

	sigBytes, signErr := d.executeSign(ctx, secret, req.Payload)
	entries, fetchErr := d.gw.FetchLog(ctx, baseline)
	if fetchErr != nil {
		entries = nil // best-effort mirroring; the audit row still records the outcome
	}

	if signErr != nil {
		d.auditLog.Commit(store.RequestSign, store.ResultFailure, entries, []byte(secret.Name), baseline, req.Payload, nil)
		return errResponse(ferr.Wrap(ferr.HsmUnavailable, signErr, "hsm sign failed"))
	}

	if _, err := d.auditLog.Commit(store.RequestSign, store.ResultSuccess, entries, []byte(secret.Name), baseline, req.Payload, nil); err != nil {
		return errResponse(ferr.Wrap(ferr.Internal, err, "commit audit log"))
	}

	return wire.Response{Signature: sigBytes}
}

// executeSign performs the HSM call appropriate to the secret's key
// type, retrying exactly once on a transient HSM failure per spec.md
// §4.5. For PGP secrets the raw RSA signature is wrapped into a
// complete detached signature packet; for PEM secrets the caller
// receives the raw PKCS#1 v1.5 bytes.
func (d *Dispatcher) executeSign(ctx context.Context, secret *store.Secret, payload []byte) ([]byte, error) {
	switch secret.KeyType {
	case store.KeyTypePEM:
		return d.signWithRetry(ctx, secret.HSMID, payload)

	case store.KeyTypePGP:
		subkeyID, err := strconv.ParseUint(secret.KeyID, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("secret %s has malformed pgp key id %q: %w", secret.Name, secret.KeyID, err)
		}
		pub, err := d.publicKeyFor(secret.HSMID)
		if err != nil {
			return nil, err
		}
		return pgpsig.WrapRSASignature(payload, subkeyID, pub, func(digest []byte) ([]byte, error) {
			return d.signWithRetry(ctx, secret.HSMID, digest)
		})

	default:
		return nil, fmt.Errorf("secret %s has unknown key type %q", secret.Name, secret.KeyType)
	}
}

// publicKeyFor asks the Gateway for the public half of an imported key.
// Only gateways with a PublicKey method (SimGateway) can answer; for
// any other gateway, PKCS11Gateway included, it returns an error, so
// PGP secrets cannot be signed through them.
func (d *Dispatcher) publicKeyFor(handle int64) (*rsa.PublicKey, error) {
	type publicKeyer interface {
		PublicKey(handle int64) (*rsa.PublicKey, error)
	}
	if pker, ok := d.gw.(publicKeyer); ok {
		return pker.PublicKey(handle)
	}
	return nil, fmt.Errorf("gateway does not expose public keys for handle %d; configure the secret's public key out of band", handle)
}

func (d *Dispatcher) signWithRetry(ctx context.Context, handle int64, digest []byte) ([]byte, error) {
	sig, err := d.gw.Sign(ctx, handle, digest)
	if err == nil {
		return sig, nil
	}
	if !isTransient(err) {
		return nil, err
	}
	return d.gw.Sign(ctx, handle, digest)
}

func isTransient(err error) bool {
	hsmErr, ok := err.(*hsm.Error)
	return ok && (hsmErr.Kind == hsm.Transport || hsmErr.Kind == hsm.Busy)
}

// --- Threshold ----------------------------------------------------------

func (d *Dispatcher) handleThreshold(ctx context.Context, req wire.Request) wire.Response {
	secret, err := d.keyring.FindSecret(req.Secret)
	if err != nil {
		d.auditUnreached(store.RequestThreshold, []byte(req.Secret), req.Payload)
		return errResponse(ferr.New(ferr.UnknownSecret, "unknown secret %q", req.Secret))
	}

	expected, err := wire.ThresholdPayload(secret.Name, req.NewThreshold)
	if err != nil {
		d.auditUnreached(store.RequestThreshold, []byte(secret.Name), req.Payload)
		return errResponse(ferr.Wrap(ferr.Internal, err, "build canonical threshold payload"))
	}
	if !bytes.Equal(expected, req.Payload) {
		d.auditUnreached(store.RequestThreshold, []byte(secret.Name), req.Payload)
		return errResponse(ferr.New(ferr.PayloadMismatch, "submitted payload does not match reconstructed canonical payload"))
	}

	attributed, _ := pgpsig.Verify(req.Payload, req.Signatures, d.keyring)
	decision, err := authz.Authorize(attributed, secret.Threshold, d.weightFuncFor(secret.ID))
	if err != nil {
		d.auditUnreached(store.RequestThreshold, []byte(secret.Name), req.Payload)
		return errResponse(ferr.Wrap(ferr.Internal, err, "authorize threshold request"))
	}
	if !decision.Authorized {
		d.auditUnreached(store.RequestThreshold, []byte(secret.Name), req.Payload)
		return errResponse(ferr.Insufficient(decision.Total, decision.Threshold))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	baseline, err := d.store.HighestHSMIndex()
	if err != nil {
		d.auditInternalFailure(store.RequestThreshold, []byte(secret.Name), req.Payload)
		return errResponse(ferr.Wrap(ferr.Internal, err, "read hsm baseline"))
	}

	mutate := func(tx *store.Tx) error { return tx.SetThreshold(secret.ID, req.NewThreshold) }
	if _, err := d.auditLog.Commit(store.RequestThreshold, store.ResultSuccess, nil, []byte(secret.Name), baseline, req.Payload, mutate); err != nil {
		return errResponse(ferr.Wrap(ferr.Internal, err, "commit threshold mutation"))
	}

	return wire.Response{}
}

// --- Weight ---------------------------------------------------------------

func (d *Dispatcher) handleWeight(ctx context.Context, req wire.Request) wire.Response {
	secret, err := d.keyring.FindSecret(req.Secret)
	if err != nil {
		d.auditUnreached(store.RequestWeight, []byte(req.Secret), req.Payload)
		return errResponse(ferr.New(ferr.UnknownSecret, "unknown secret %q", req.Secret))
	}

	target, err := d.keyring.FindUser(req.User)
	if err != nil {
		d.auditUnreached(store.RequestWeight, []byte(secret.Name), req.Payload)
		return errResponse(ferr.New(ferr.InvalidPayload, "unknown target user %q", req.User))
	}

	expected, err := wire.WeightPayload(secret.Name, req.User, req.NewWeight)
	if err != nil {
		d.auditUnreached(store.RequestWeight, []byte(secret.Name), req.Payload)
		return errResponse(ferr.Wrap(ferr.Internal, err, "build canonical weight payload"))
	}
	if !bytes.Equal(expected, req.Payload) {
		d.auditUnreached(store.RequestWeight, []byte(secret.Name), req.Payload)
		return errResponse(ferr.New(ferr.PayloadMismatch, "submitted payload does not match reconstructed canonical payload"))
	}

	attributed, _ := pgpsig.Verify(req.Payload, req.Signatures, d.keyring)
	decision, err := authz.Authorize(attributed, secret.Threshold, d.weightFuncFor(secret.ID))
	if err != nil {
		d.auditUnreached(store.RequestWeight, []byte(secret.Name), req.Payload)
		return errResponse(ferr.Wrap(ferr.Internal, err, "authorize weight request"))
	}
	if !decision.Authorized {
		d.auditUnreached(store.RequestWeight, []byte(secret.Name), req.Payload)
		return errResponse(ferr.Insufficient(decision.Total, decision.Threshold))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	baseline, err := d.store.HighestHSMIndex()
	if err != nil {
		d.auditInternalFailure(store.RequestWeight, []byte(secret.Name), req.Payload)
		return errResponse(ferr.Wrap(ferr.Internal, err, "read hsm baseline"))
	}

	mutate := func(tx *store.Tx) error { return tx.SetWeight(secret.ID, target.ID, req.NewWeight) }
	if _, err := d.auditLog.Commit(store.RequestWeight, store.ResultSuccess, nil, []byte(secret.Name), baseline, req.Payload, mutate); err != nil {
		return errResponse(ferr.Wrap(ferr.Internal, err, "commit weight mutation"))
	}

	return wire.Response{}
}

// --- Local administrative operations --------------------------------------

// AddUser enrolls a new principal. It requires possession of the HSM
// application credential (enforced by the caller, typically the
// bootstrap CLI path, not network-reachable) rather than quorum, per
// spec.md §4.5(4).
func (d *Dispatcher) AddUser(certBytes []byte) (*store.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	user, err := d.keyring.InsertUser(certBytes)
	result := store.ResultSuccess
	var ident []byte
	if err != nil {
		result = store.ResultFailure
	} else {
		ident = []byte(user.Fingerprint)
	}

	baseline, bErr := d.store.HighestHSMIndex()
	if bErr != nil {
		baseline = 0
	}
	d.auditLog.Commit(store.RequestAddUser, result, nil, ident, baseline, certBytes, nil)
	return user, err
}

// AddSecret registers a new secret whose key material has already been
// imported into the HSM out of band.
func (d *Dispatcher) AddSecret(sec store.Secret) (*store.Secret, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	created, err := d.keyring.InsertSecret(sec)
	result := store.ResultSuccess
	var ident []byte
	if err != nil {
		result = store.ResultFailure
	} else {
		ident = []byte(created.Name)
	}

	baseline, bErr := d.store.HighestHSMIndex()
	if bErr != nil {
		baseline = 0
	}
	d.auditLog.Commit(store.RequestAddSecret, result, nil, ident, baseline, nil, nil)
	return created, err
}

// auditUnreached records a request that was rejected before ever
// interacting with the HSM (unknown secret, payload mismatch, denied
// authorization). It does not hold mu: no device or Keyring-write state
// is touched, only the audit chain's own internal lock. Every path,
// including this one, must produce exactly one audit row per spec.md
// §4.6, so a failure to read the current hsm_logs baseline falls back
// to the genesis bracket (index 0, always present) rather than
// skipping the write — an exception path must never bypass audit.
func (d *Dispatcher) auditUnreached(reqType store.RequestType, identification, payload []byte) {
	baseline, err := d.store.HighestHSMIndex()
	if err != nil {
		baseline = 0
	}
	d.auditLog.Commit(reqType, store.ResultFailure, nil, identification, baseline, payload, nil)
}

// auditInternalFailure records a request that passed authorization but
// could not proceed to the HSM because reading the hsm_logs baseline
// itself failed. Falls back to the genesis bracket the same way
// auditUnreached does, so an internal fault never bypasses the audit
// write — per spec.md §4.6, every path produces exactly one row. Called
// with mu already held by the caller.
func (d *Dispatcher) auditInternalFailure(reqType store.RequestType, identification, payload []byte) {
	d.auditLog.Commit(reqType, store.ResultFailure, nil, identification, 0, payload, nil)
}

func errResponse(e *ferr.Error) wire.Response {
	return wire.Response{Error: &wire.ErrorPayload{
		Kind:    e.Kind.String(),
		Message: e.Msg,
		Have:    e.Have,
		Need:    e.Need,
	}}
}
