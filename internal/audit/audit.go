package audit

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/fero-hsm/ferod/internal/hsm"
	"github.com/fero-hsm/ferod/internal/store"
)

// Log is the Audit Log of spec.md §4.6. It owns the hash chain over
// fero_logs and the single writer path that keeps the relational table
// and the WAL ledger in agreement; every other package only reads
// through Store directly.
type Log struct {
	store  *store.Store
	ledger *Ledger

	mu       sync.Mutex
	lastHash []byte
}

// Open loads the current chain tip from the relational store (falling
// back to the ledger's last record when fero_logs is empty but the
// ledger is not) and returns a ready Log. The SQL row commits before
// its ledger copy is appended, so a crash between the two writes leaves
// the ledger behind the store, never ahead of it.
func Open(s *store.Store, ledger *Ledger) (*Log, error) {
	a := &Log{store: s, ledger: ledger}

	last, err := s.LastFeroLog()
	switch {
	case err == nil:
		a.lastHash = last.Hash
	case err == store.ErrNotFound:
		if rec, ok, lerr := ledger.Last(); lerr == nil && ok {
			a.lastHash = rec.Hash
		}
	default:
		return nil, fmt.Errorf("load audit chain tip: %w", err)
	}
	return a, nil
}

// Commit writes one fero_logs row, mirrors any new hsm_logs entries the
// request produced, runs an optional Keyring mutation in the same
// transaction, and appends the same row to the WAL ledger. baseline is
// used as both hsm_index_start and hsm_index_end when hsmEntries is
// empty — the request never touched the device, so the bracket
// collapses to the index already on file (spec.md §4.6). mutate may be
// nil; when set, its Keyring write commits atomically with the audit
// row, satisfying spec.md §4.5's durability-before-reply requirement.
// payload is the exact bytes the quorum signed (for the local
// administrative request types: the submitted certificate for add_user,
// nil for add_secret); it is folded into the row's hash per spec.md §4.6 so two
// requests that are identical in every other field still chain to
// distinct hashes.
func (a *Log) Commit(reqType store.RequestType, result store.Result, hsmEntries []hsm.LogEntry, identification []byte, baseline int64, payload []byte, mutate func(tx *store.Tx) error) (*store.FeroLogEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tx, err := a.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	mirrored := make([]store.HSMLogEntry, len(hsmEntries))
	for i, e := range hsmEntries {
		mirrored[i] = store.HSMLogEntry{
			HSMIndex:   e.Index,
			Command:    int64(e.Command),
			DataLength: e.DataLength,
			SessionKey: e.SessionKey,
			TargetKey:  e.TargetKey,
			SecondKey:  e.SecondKey,
			Result:     e.Result,
			Systick:    e.Systick,
			Hash:       e.Hash,
		}
	}
	if len(mirrored) > 0 {
		if err := tx.InsertHSMLogEntries(mirrored); err != nil {
			return nil, fmt.Errorf("mirror hsm log: %w", err)
		}
	}

	if mutate != nil {
		if err := mutate(tx); err != nil {
			return nil, fmt.Errorf("apply mutation: %w", err)
		}
	}

	start, end := baseline, baseline
	if len(hsmEntries) > 0 {
		start = hsmEntries[0].Index
		end = hsmEntries[len(hsmEntries)-1].Index
	}

	timestamp := time.Now().Unix()
	hash := chainHash(a.lastHash, reqType, timestamp, result, identification, payload)

	entry := store.FeroLogEntry{
		RequestType:    reqType,
		Timestamp:      timestamp,
		Result:         result,
		HSMIndexStart:  start,
		HSMIndexEnd:    end,
		Identification: identification,
		Hash:           hash,
	}
	id, err := tx.InsertFeroLog(entry)
	if err != nil {
		return nil, fmt.Errorf("insert fero log: %w", err)
	}
	entry.ID = id

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit audit transaction: %w", err)
	}
	a.lastHash = entry.Hash

	if err := a.ledger.Append(Record{
		ID:             entry.ID,
		RequestType:    string(entry.RequestType),
		Timestamp:      entry.Timestamp,
		Result:         string(entry.Result),
		HSMIndexStart:  entry.HSMIndexStart,
		HSMIndexEnd:    entry.HSMIndexEnd,
		Identification: entry.Identification,
		Hash:           entry.Hash,
	}); err != nil {
		// The SQL row is already durable and is the row of record; a
		// ledger append failure is reported but does not roll back the
		// commit, matching spec.md §4.6's preference for an available
		// primary audit trail over a perfectly synchronized mirror.
		return &entry, fmt.Errorf("sql commit succeeded but ledger append failed: %w", err)
	}

	return &entry, nil
}

// Reconcile runs once at startup, before the server accepts requests.
// It compares the device's own log against the highest hsm_logs index
// this process has ever mirrored; any device entries beyond that point
// were produced by a crash between an HSM operation committing and its
// bracketing fero_logs row committing. Each such orphan is mirrored and
// closed out with a synthetic failure row, so the chain accounts for
// every operation the device actually performed even though the client
// that requested it never received a reply.
func (a *Log) Reconcile(ctx context.Context, gw hsm.Gateway) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	highest, err := a.store.HighestHSMIndex()
	if err != nil {
		return fmt.Errorf("reconcile: read highest hsm index: %w", err)
	}

	entries, err := gw.FetchLog(ctx, highest)
	if err != nil {
		return fmt.Errorf("reconcile: fetch device log: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	tx, err := a.store.Begin()
	if err != nil {
		return fmt.Errorf("reconcile: begin tx: %w", err)
	}
	defer tx.Rollback()

	mirrored := make([]store.HSMLogEntry, len(entries))
	for i, e := range entries {
		mirrored[i] = store.HSMLogEntry{
			HSMIndex:   e.Index,
			Command:    int64(e.Command),
			DataLength: e.DataLength,
			SessionKey: e.SessionKey,
			TargetKey:  e.TargetKey,
			SecondKey:  e.SecondKey,
			Result:     e.Result,
			Systick:    e.Systick,
			Hash:       e.Hash,
		}
	}
	if err := tx.InsertHSMLogEntries(mirrored); err != nil {
		return fmt.Errorf("reconcile: mirror orphan hsm entries: %w", err)
	}

	timestamp := time.Now().Unix()
	identification := []byte(fmt.Sprintf("reconcile: orphaned hsm entries %d..%d found at startup", entries[0].Index, entries[len(entries)-1].Index))
	hash := chainHash(a.lastHash, store.RequestSign, timestamp, store.ResultFailure, identification, nil)

	entry := store.FeroLogEntry{
		RequestType:    store.RequestSign,
		Timestamp:      timestamp,
		Result:         store.ResultFailure,
		HSMIndexStart:  entries[0].Index,
		HSMIndexEnd:    entries[len(entries)-1].Index,
		Identification: identification,
		Hash:           hash,
	}
	id, err := tx.InsertFeroLog(entry)
	if err != nil {
		return fmt.Errorf("reconcile: insert synthetic fero log: %w", err)
	}
	entry.ID = id

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reconcile: commit: %w", err)
	}

	if err := a.ledger.Append(Record{
		ID:             entry.ID,
		RequestType:    string(entry.RequestType),
		Timestamp:      entry.Timestamp,
		Result:         string(entry.Result),
		HSMIndexStart:  entry.HSMIndexStart,
		HSMIndexEnd:    entry.HSMIndexEnd,
		Identification: entry.Identification,
		Hash:           entry.Hash,
	}); err != nil {
		return fmt.Errorf("reconcile: ledger append: %w", err)
	}

	a.lastHash = entry.Hash
	return nil
}

// chainHash computes hash = SHA256(prevHash || request_type ||
// timestamp || result || identification || payload), the
// tamper-evidence chain of spec.md §4.6.
func chainHash(prevHash []byte, reqType store.RequestType, timestamp int64, result store.Result, identification, payload []byte) []byte {
	h := sha256.New()
	h.Write(prevHash)
	h.Write([]byte(reqType))
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(timestamp))
	h.Write(tsBuf[:])
	h.Write([]byte(result))
	h.Write(identification)
	h.Write(payload)
	return h.Sum(nil)
}
