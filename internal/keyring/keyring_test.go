package keyring

import (
	"bytes"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/packet"

	"github.com/fero-hsm/ferod/internal/store"
)

// generateCert builds a binary (non-armored) PGP certificate for an
// RSA signing identity, the same shape add-user expects on disk.
func generateCert(t *testing.T) (cert []byte, entity *openpgp.Entity) {
	t.Helper()
	e, err := openpgp.NewEntity("test operator", "", "operator@example.com", &packet.Config{
		RSABits: 2048,
	})
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	var buf bytes.Buffer
	if err := e.Serialize(&buf); err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	return buf.Bytes(), e
}

func openTestKeyringStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "fero.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertUserIndexesSigningKeys(t *testing.T) {
	s := openTestKeyringStore(t)
	kr := New(s)

	cert, entity := generateCert(t)
	user, err := kr.InsertUser(cert)
	if err != nil {
		t.Fatalf("InsertUser: %v", err)
	}

	got, err := kr.FindUser(user.Fingerprint)
	if err != nil {
		t.Fatalf("FindUser: %v", err)
	}
	if got.Fingerprint != user.Fingerprint {
		t.Fatalf("fingerprint mismatch: %s vs %s", got.Fingerprint, user.Fingerprint)
	}

	pk, fpr, ok := kr.KeyByID(entity.PrimaryKey.KeyId)
	if !ok {
		t.Fatal("expected primary key to be indexed")
	}
	if fpr != user.Fingerprint {
		t.Fatalf("expected owner fingerprint %s, got %s", user.Fingerprint, fpr)
	}
	if pk.KeyId != entity.PrimaryKey.KeyId {
		t.Fatalf("resolved key id mismatch")
	}
}

func TestInsertUserRejectsDuplicate(t *testing.T) {
	s := openTestKeyringStore(t)
	kr := New(s)
	cert, _ := generateCert(t)

	if _, err := kr.InsertUser(cert); err != nil {
		t.Fatalf("InsertUser: %v", err)
	}
	if _, err := kr.InsertUser(cert); err != ErrUserExists {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestKeyByIDUnknownKey(t *testing.T) {
	s := openTestKeyringStore(t)
	kr := New(s)
	if _, _, ok := kr.KeyByID(0xdeadbeef); ok {
		t.Fatal("expected unknown key id to miss")
	}
}

func TestKeysForFingerprintUnknownUser(t *testing.T) {
	s := openTestKeyringStore(t)
	kr := New(s)
	if keys := kr.KeysForFingerprint("0000"); keys != nil {
		t.Fatalf("expected nil for unknown user, got %v", keys)
	}
}

func TestWarmCacheRebuildsKeyIndex(t *testing.T) {
	s := openTestKeyringStore(t)
	cert, entity := generateCert(t)

	seed := New(s)
	user, err := seed.InsertUser(cert)
	if err != nil {
		t.Fatalf("InsertUser: %v", err)
	}

	users, err := s.AllUsers()
	if err != nil {
		t.Fatalf("AllUsers: %v", err)
	}

	fresh := New(s)
	if err := fresh.WarmCache(users); err != nil {
		t.Fatalf("WarmCache: %v", err)
	}

	pk, fpr, ok := fresh.KeyByID(entity.PrimaryKey.KeyId)
	if !ok || fpr != user.Fingerprint || pk.KeyId != entity.PrimaryKey.KeyId {
		t.Fatalf("warmed cache did not recover key index: ok=%v fpr=%s", ok, fpr)
	}
}
