package audit

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/fero-hsm/ferod/internal/hsm"
	"github.com/fero-hsm/ferod/internal/store"
)

func openTestCollaborators(t *testing.T) (*store.Store, *Ledger) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "fero.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	l, err := OpenLedger(filepath.Join(t.TempDir(), "ledger"))
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	return s, l
}

func TestCommitChainsHashesAndMirrorsToLedger(t *testing.T) {
	s, l := openTestCollaborators(t)
	a, err := Open(s, l)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	entry1, err := a.Commit(store.RequestSign, store.ResultSuccess, nil, []byte("secret-a"), 0, []byte("payload-1"), nil)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	entry2, err := a.Commit(store.RequestSign, store.ResultSuccess, nil, []byte("secret-a"), 0, []byte("payload-2"), nil)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if bytes.Equal(entry1.Hash, entry2.Hash) {
		t.Fatal("two distinct commits produced the same hash")
	}

	rows, err := l.All()
	if err != nil {
		t.Fatalf("ledger All: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 ledger rows, got %d", len(rows))
	}
	if !bytes.Equal(rows[1].Hash, entry2.Hash) {
		t.Fatal("ledger row does not match the committed hash")
	}
}

func TestCommitSamePayloadDifferentRequestsHashDifferently(t *testing.T) {
	s, l := openTestCollaborators(t)
	a, err := Open(s, l)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	same := []byte("identical payload bytes")
	e1, err := a.Commit(store.RequestSign, store.ResultSuccess, nil, []byte("secret-a"), 0, same, nil)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	e2, err := a.Commit(store.RequestThreshold, store.ResultSuccess, nil, []byte("secret-a"), 0, same, nil)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if bytes.Equal(e1.Hash, e2.Hash) {
		t.Fatal("requests with different request types must hash differently even with the same payload")
	}
}

func TestCommitAppliesMutateAtomically(t *testing.T) {
	s, l := openTestCollaborators(t)
	a, err := Open(s, l)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	sec, err := s.InsertSecret(store.Secret{Name: "release-key", KeyType: store.KeyTypePEM, Threshold: 1, HSMID: 1})
	if err != nil {
		t.Fatalf("InsertSecret: %v", err)
	}

	mutate := func(tx *store.Tx) error { return tx.SetThreshold(sec.ID, 4) }
	if _, err := a.Commit(store.RequestThreshold, store.ResultSuccess, nil, []byte(sec.Name), 0, []byte("payload"), mutate); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	updated, err := s.FindSecretByName("release-key")
	if err != nil {
		t.Fatalf("FindSecretByName: %v", err)
	}
	if updated.Threshold != 4 {
		t.Fatalf("expected threshold mutation to commit with the audit row, got %d", updated.Threshold)
	}
}

func TestFeroLogBracketsAreNonOverlapping(t *testing.T) {
	s, l := openTestCollaborators(t)
	a, err := Open(s, l)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	entries := []hsm.LogEntry{{Index: 1, Command: 4, Result: 1, Hash: []byte("h1")}, {Index: 2, Command: 4, Result: 1, Hash: []byte("h2")}}
	if _, err := a.Commit(store.RequestSign, store.ResultSuccess, entries, []byte("secret-a"), 0, []byte("p1"), nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	more := []hsm.LogEntry{{Index: 3, Command: 4, Result: 1, Hash: []byte("h3")}}
	if _, err := a.Commit(store.RequestSign, store.ResultSuccess, more, []byte("secret-a"), 2, []byte("p2"), nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	logs, err := s.FeroLogs()
	if err != nil {
		t.Fatalf("FeroLogs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(logs))
	}
	if logs[0].HSMIndexStart != 1 || logs[0].HSMIndexEnd != 2 {
		t.Fatalf("unexpected first bracket: %+v", logs[0])
	}
	if logs[1].HSMIndexStart != 3 || logs[1].HSMIndexEnd != 3 {
		t.Fatalf("unexpected second bracket: %+v", logs[1])
	}
	if logs[1].HSMIndexStart <= logs[0].HSMIndexEnd {
		t.Fatalf("brackets overlap: %+v then %+v", logs[0], logs[1])
	}
}

// fakeGateway implements hsm.Gateway with only FetchLog behaving
// meaningfully, for exercising Reconcile.
type fakeGateway struct {
	entries []hsm.LogEntry
}

func (g *fakeGateway) OpenSession(ctx context.Context, cred hsm.Credential) error { return nil }
func (g *fakeGateway) CloseSession(ctx context.Context) error                     { return nil }
func (g *fakeGateway) ImportRSA(ctx context.Context, keyMaterial []byte) (int64, error) {
	return 0, nil
}
func (g *fakeGateway) Sign(ctx context.Context, handle int64, octets []byte) ([]byte, error) {
	return nil, nil
}
func (g *fakeGateway) FetchLog(ctx context.Context, sinceIndex int64) ([]hsm.LogEntry, error) {
	var out []hsm.LogEntry
	for _, e := range g.entries {
		if e.Index > sinceIndex {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestReconcileMirrorsOrphanedEntries(t *testing.T) {
	s, l := openTestCollaborators(t)
	a, err := Open(s, l)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	gw := &fakeGateway{entries: []hsm.LogEntry{
		{Index: 1, Command: 4, Result: 1, Hash: []byte("h1")},
		{Index: 2, Command: 4, Result: 1, Hash: []byte("h2")},
	}}

	if err := a.Reconcile(context.Background(), gw); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	highest, err := s.HighestHSMIndex()
	if err != nil {
		t.Fatalf("HighestHSMIndex: %v", err)
	}
	if highest != 2 {
		t.Fatalf("expected orphaned entries mirrored up to index 2, got %d", highest)
	}

	logs, err := s.FeroLogs()
	if err != nil {
		t.Fatalf("FeroLogs: %v", err)
	}
	if len(logs) != 1 || logs[0].Result != store.ResultFailure {
		t.Fatalf("expected one synthetic failure row, got %+v", logs)
	}
}

func TestReconcileNoOpWhenNoOrphans(t *testing.T) {
	s, l := openTestCollaborators(t)
	a, err := Open(s, l)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := a.Reconcile(context.Background(), &fakeGateway{}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	logs, err := s.FeroLogs()
	if err != nil {
		t.Fatalf("FeroLogs: %v", err)
	}
	if len(logs) != 0 {
		t.Fatalf("expected no rows when the device has nothing new, got %d", len(logs))
	}
}
