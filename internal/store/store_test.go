package store

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "fero.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenSeedsGenesisHSMRow(t *testing.T) {
	s := openTestStore(t)
	highest, err := s.HighestHSMIndex()
	if err != nil {
		t.Fatalf("HighestHSMIndex: %v", err)
	}
	if highest != 0 {
		t.Fatalf("expected genesis-only store to report highest index 0, got %d", highest)
	}
}

func TestInsertUserRejectsDuplicateFingerprint(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.InsertUser("AAAA", []byte("cert")); err != nil {
		t.Fatalf("InsertUser: %v", err)
	}
	if _, err := s.InsertUser("AAAA", []byte("cert2")); err != ErrExists {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestFindUserByFingerprintNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.FindUserByFingerprint("missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAllUsersReturnsEveryEnrolledUser(t *testing.T) {
	s := openTestStore(t)
	s.InsertUser("AAAA", []byte("cert-a"))
	s.InsertUser("BBBB", []byte("cert-b"))

	users, err := s.AllUsers()
	if err != nil {
		t.Fatalf("AllUsers: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
}

func TestInsertSecretRejectsDuplicateName(t *testing.T) {
	s := openTestStore(t)
	sec := Secret{Name: "release-key", KeyType: KeyTypePEM, Threshold: 2, HSMID: 1}
	if _, err := s.InsertSecret(sec); err != nil {
		t.Fatalf("InsertSecret: %v", err)
	}
	sec.HSMID = 2
	if _, err := s.InsertSecret(sec); err != ErrExists {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestGetWeightDefaultsToZero(t *testing.T) {
	s := openTestStore(t)
	w, err := s.GetWeight(1, 1)
	if err != nil {
		t.Fatalf("GetWeight: %v", err)
	}
	if w != 0 {
		t.Fatalf("expected default weight 0, got %d", w)
	}
}

func TestSetWeightIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	user, _ := s.InsertUser("AAAA", []byte("cert"))
	sec, _ := s.InsertSecret(Secret{Name: "release-key", KeyType: KeyTypePEM, Threshold: 2, HSMID: 1})

	tx, err := s.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.SetWeight(sec.ID, user.ID, 3); err != nil {
		t.Fatalf("SetWeight: %v", err)
	}
	if err := tx.SetWeight(sec.ID, user.ID, 5); err != nil {
		t.Fatalf("SetWeight (second call): %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	w, err := s.GetWeight(sec.ID, user.ID)
	if err != nil {
		t.Fatalf("GetWeight: %v", err)
	}
	if w != 5 {
		t.Fatalf("expected the second SetWeight to win, got %d", w)
	}
}

func TestSetThresholdRequiresExistingSecret(t *testing.T) {
	s := openTestStore(t)
	tx, _ := s.Begin()
	defer tx.Rollback()
	if err := tx.SetThreshold(999, 3); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for unknown secret, got %v", err)
	}
}

func TestInsertHSMLogEntriesSkipsAlreadyMirrored(t *testing.T) {
	s := openTestStore(t)
	tx, err := s.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	entries := []HSMLogEntry{
		{HSMIndex: 1, Command: 1, Result: 1, Hash: []byte("h1")},
		{HSMIndex: 2, Command: 4, Result: 1, Hash: []byte("h2")},
	}
	if err := tx.InsertHSMLogEntries(entries); err != nil {
		t.Fatalf("InsertHSMLogEntries: %v", err)
	}
	// a second reconciliation pass re-mirroring the same entries must not fail
	if err := tx.InsertHSMLogEntries(entries); err != nil {
		t.Fatalf("InsertHSMLogEntries (duplicate pass): %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	highest, err := s.HighestHSMIndex()
	if err != nil {
		t.Fatalf("HighestHSMIndex: %v", err)
	}
	if highest != 2 {
		t.Fatalf("expected highest index 2, got %d", highest)
	}
}

func TestFeroLogsOrderedAscendingById(t *testing.T) {
	s := openTestStore(t)
	tx, _ := s.Begin()
	id1, err := tx.InsertFeroLog(FeroLogEntry{RequestType: RequestSign, Timestamp: 100, Result: ResultSuccess, HSMIndexStart: 0, HSMIndexEnd: 0, Hash: []byte("a")})
	if err != nil {
		t.Fatalf("InsertFeroLog: %v", err)
	}
	id2, err := tx.InsertFeroLog(FeroLogEntry{RequestType: RequestSign, Timestamp: 200, Result: ResultSuccess, HSMIndexStart: 0, HSMIndexEnd: 0, Hash: []byte("b")})
	if err != nil {
		t.Fatalf("InsertFeroLog: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	logs, err := s.FeroLogs()
	if err != nil {
		t.Fatalf("FeroLogs: %v", err)
	}
	if len(logs) != 2 || logs[0].ID != id1 || logs[1].ID != id2 {
		t.Fatalf("unexpected log order: %+v", logs)
	}

	last, err := s.LastFeroLog()
	if err != nil {
		t.Fatalf("LastFeroLog: %v", err)
	}
	if last.ID != id2 {
		t.Fatalf("expected last log id %d, got %d", id2, last.ID)
	}
}
