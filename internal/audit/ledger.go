// Package audit is the Audit Log of spec.md §4.6: every handled
// request commits exactly one fero_logs row bracketing the hsm_logs
// range it produced, hash-chained so a row cannot be edited or deleted
// without breaking every row after it. It is dual-written — once into
// the relational store for query, once into an append-only WAL ledger —
// grounded on the teacher's StateDB, which persists account state into
// a goleveldb database alongside its in-memory cache
// (chain/node/blockchain.go's NewStateDB/GetBalance/SetBalance).
package audit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// Ledger is the append-only WAL mirror of fero_logs, keyed by row id so
// replay order matches commit order. It exists independent of the SQL
// database specifically so a corrupted or truncated sqlite file is not
// the only record of what the server did.
type Ledger struct {
	db *leveldb.DB
	mu sync.Mutex
}

// Record is the JSON shape persisted per row, mirroring
// store.FeroLogEntry field-for-field without importing internal/store
// so the ledger's on-disk format never depends on the relational
// schema's Go representation.
type Record struct {
	ID             int64  `json:"id"`
	RequestType    string `json:"request_type"`
	Timestamp      int64  `json:"timestamp"`
	Result         string `json:"result"`
	HSMIndexStart  int64  `json:"hsm_index_start"`
	HSMIndexEnd    int64  `json:"hsm_index_end"`
	Identification []byte `json:"identification,omitempty"`
	Hash           []byte `json:"hash"`
}

// OpenLedger opens (creating if absent) the leveldb WAL at path.
func OpenLedger(path string) (*Ledger, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("open audit ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the underlying leveldb handle.
func (l *Ledger) Close() error { return l.db.Close() }

// Append writes one row. Row ids must be assigned by the caller (the
// SQL auto-increment id) so the ledger and the relational table never
// disagree on row identity.
func (l *Ledger) Append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ledger row: %w", err)
	}
	if err := l.db.Put(rowKey(rec.ID), v, nil); err != nil {
		return fmt.Errorf("append ledger row %d: %w", rec.ID, err)
	}
	return nil
}

// Last returns the highest-id row in the ledger, or ok=false if empty.
// audit.Open uses it as the chain tip only when fero_logs is empty; it
// is not compared against the SQL table's LastFeroLog.
func (l *Ledger) Last() (rec Record, ok bool, err error) {
	iter := l.db.NewIterator(nil, nil)
	defer iter.Release()

	found := iter.Last()
	if !found {
		return Record{}, false, iter.Error()
	}
	var r Record
	if err := json.Unmarshal(iter.Value(), &r); err != nil {
		return Record{}, false, fmt.Errorf("unmarshal last ledger row: %w", err)
	}
	return r, true, nil
}

// All returns every ledger row in ascending id order, for the admin
// tail endpoint's backlog and polling.
func (l *Ledger) All() ([]Record, error) {
	iter := l.db.NewIterator(nil, nil)
	defer iter.Release()

	var out []Record
	for iter.Next() {
		var r Record
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, fmt.Errorf("unmarshal ledger row: %w", err)
		}
		out = append(out, r)
	}
	return out, iter.Error()
}

func rowKey(id int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return b[:]
}
