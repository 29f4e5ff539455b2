// Package keyring holds user public keys and secret metadata, caching
// parsed PGP certificates in memory the way the teacher's StateDB
// caches account state over a leveldb-backed store
// (chain/node/blockchain.go), invalidated only on insert.
package keyring

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/packet"

	"github.com/fero-hsm/ferod/internal/store"
)

// ErrUserExists is returned by InsertUser for a fingerprint already on
// file — distinct from store.ErrExists so callers can tell a duplicate
// user from a duplicate secret without inspecting the underlying store.
var ErrUserExists = errors.New("keyring: user already exists")

// ErrSecretExists is returned by InsertSecret for a duplicate name or
// duplicate HSM handle.
var ErrSecretExists = errors.New("keyring: secret already exists")

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = store.ErrNotFound

// entry is the cached, parsed form of a user's certificate.
type entry struct {
	user   *store.User
	entity *openpgp.Entity
}

// Keyring is the authoritative source of users, secrets, and weights.
// Reads of the certificate cache take a separate RWMutex from the
// Dispatcher's session lock so verification (pure over immutable certs)
// can run with the session lock released, per spec.md §5.
type Keyring struct {
	store *store.Store

	mu    sync.RWMutex
	byFpr map[string]*entry  // fingerprint -> cached entry
	byKey map[uint64]*entry  // any signing-capable key ID -> owning entry
}

// New wraps a Store. Call WarmCache once at startup to populate the
// certificate cache from durable storage before serving requests.
func New(s *store.Store) *Keyring {
	return &Keyring{
		store: s,
		byFpr: make(map[string]*entry),
		byKey: make(map[uint64]*entry),
	}
}

// FindUser looks up a user by fingerprint, preferring the cache.
func (k *Keyring) FindUser(fingerprint string) (*store.User, error) {
	fingerprint = strings.ToLower(fingerprint)

	k.mu.RLock()
	if e, ok := k.byFpr[fingerprint]; ok {
		k.mu.RUnlock()
		return e.user, nil
	}
	k.mu.RUnlock()

	return k.store.FindUserByFingerprint(fingerprint)
}

// FindSecret looks up a secret by name.
func (k *Keyring) FindSecret(name string) (*store.Secret, error) {
	return k.store.FindSecretByName(name)
}

// GetWeight returns the weight of user toward secret, 0 if absent.
func (k *Keyring) GetWeight(secretID, userID int64) (int64, error) {
	return k.store.GetWeight(secretID, userID)
}

// InsertUser parses a binary (non-armored) PGP certificate exactly
// once, canonicalizes its fingerprint to 40 lower-case hex characters,
// persists it, and indexes every signing-capable key (primary and
// subkeys) for attribution during verification.
func (k *Keyring) InsertUser(certBytes []byte) (*store.User, error) {
	entity, err := openpgp.ReadEntity(packet.NewReader(bytes.NewReader(certBytes)))
	if err != nil {
		return nil, fmt.Errorf("parse pgp certificate: %w", err)
	}
	if entity.PrimaryKey == nil {
		return nil, fmt.Errorf("certificate has no primary key")
	}

	fpr := canonicalFingerprint(entity.PrimaryKey.Fingerprint[:])

	k.mu.Lock()
	if _, exists := k.byFpr[fpr]; exists {
		k.mu.Unlock()
		return nil, ErrUserExists
	}
	k.mu.Unlock()

	user, err := k.store.InsertUser(fpr, certBytes)
	if err != nil {
		if errors.Is(err, store.ErrExists) {
			return nil, ErrUserExists
		}
		return nil, err
	}

	e := &entry{user: user, entity: entity}
	k.mu.Lock()
	k.byFpr[fpr] = e
	if canSign(entity.PrimaryKey) {
		k.byKey[entity.PrimaryKey.KeyId] = e
	}
	for _, sub := range entity.Subkeys {
		if sub.Sig != nil && sub.Sig.FlagSign {
			k.byKey[sub.PublicKey.KeyId] = e
		}
	}
	k.mu.Unlock()

	return user, nil
}

// InsertSecret persists new secret metadata, rejecting a duplicate name
// or duplicate HSM handle.
func (k *Keyring) InsertSecret(sec store.Secret) (*store.Secret, error) {
	created, err := k.store.InsertSecret(sec)
	if err != nil {
		if errors.Is(err, store.ErrExists) {
			return nil, ErrSecretExists
		}
		return nil, err
	}
	return created, nil
}

// KeyByID resolves a PGP key ID (as embedded in a signature's issuer
// subpacket) to the exact signing-capable public key and owning user's
// fingerprint, for use by internal/pgpsig. Per spec.md §9(b), a
// subkey's owner is the entity whose primary key cross-certifies it;
// since InsertUser only indexes a subkey under the entity it was
// parsed from, this already resolves to the correct owner and never
// needs disambiguation.
func (k *Keyring) KeyByID(keyID uint64) (pk *packet.PublicKey, fingerprint string, ok bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	e, found := k.byKey[keyID]
	if !found {
		return nil, "", false
	}
	if e.entity.PrimaryKey.KeyId == keyID {
		return e.entity.PrimaryKey, e.user.Fingerprint, true
	}
	for _, sub := range e.entity.Subkeys {
		if sub.PublicKey.KeyId == keyID {
			return sub.PublicKey, e.user.Fingerprint, true
		}
	}
	return nil, "", false
}

// KeysForFingerprint returns every signing-capable public key
// (primary + subkeys) owned by the user with fingerprint. The Verifier
// does not call it; it resolves keys by issuer key id through KeyByID.
// Returns nil if the user is unknown.
func (k *Keyring) KeysForFingerprint(fingerprint string) []*packet.PublicKey {
	fingerprint = strings.ToLower(fingerprint)

	k.mu.RLock()
	defer k.mu.RUnlock()

	e, ok := k.byFpr[fingerprint]
	if !ok {
		return nil
	}

	keys := make([]*packet.PublicKey, 0, 1+len(e.entity.Subkeys))
	if canSign(e.entity.PrimaryKey) {
		keys = append(keys, e.entity.PrimaryKey)
	}
	for _, sub := range e.entity.Subkeys {
		if sub.Sig != nil && sub.Sig.FlagSign {
			keys = append(keys, sub.PublicKey)
		}
	}
	return keys
}

// WarmCache loads every persisted user's certificate into the cache.
// Intended to be called once at startup.
func (k *Keyring) WarmCache(users []*store.User) error {
	for _, u := range users {
		entity, err := openpgp.ReadEntity(packet.NewReader(bytes.NewReader(u.Cert)))
		if err != nil {
			return fmt.Errorf("warm cache for %s: %w", u.Fingerprint, err)
		}
		e := &entry{user: u, entity: entity}

		k.mu.Lock()
		k.byFpr[u.Fingerprint] = e
		if canSign(entity.PrimaryKey) {
			k.byKey[entity.PrimaryKey.KeyId] = e
		}
		for _, sub := range entity.Subkeys {
			if sub.Sig != nil && sub.Sig.FlagSign {
				k.byKey[sub.PublicKey.KeyId] = e
			}
		}
		k.mu.Unlock()
	}
	return nil
}

func canSign(pk *packet.PublicKey) bool {
	return pk != nil && (pk.PubKeyAlgo == packet.PubKeyAlgoRSA ||
		pk.PubKeyAlgo == packet.PubKeyAlgoRSASignOnly ||
		pk.PubKeyAlgo == packet.PubKeyAlgoDSA ||
		pk.PubKeyAlgo == packet.PubKeyAlgoECDSA ||
		pk.PubKeyAlgo == packet.PubKeyAlgoEdDSA)
}

func canonicalFingerprint(raw []byte) string {
	return hex.EncodeToString(raw)
}
