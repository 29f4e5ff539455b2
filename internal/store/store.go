// Package store is the relational persistence layer behind the Keyring
// and Audit Log. It is the concrete implementation of the "abstract
// persistence interface" spec.md treats as an external collaborator:
// everything outside this package talks to Go types, never SQL.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by lookups that find no row.
var ErrNotFound = errors.New("store: not found")

// ErrExists is returned by inserts that would violate a uniqueness
// constraint (duplicate fingerprint, secret name, or HSM handle).
var ErrExists = errors.New("store: already exists")

// User mirrors the users table.
type User struct {
	ID          int64
	Fingerprint string
	Cert        []byte
}

// KeyType distinguishes the two secret key formats spec.md §3 names.
type KeyType string

const (
	KeyTypePGP KeyType = "pgp"
	KeyTypePEM KeyType = "pem"
)

// Secret mirrors the secrets table.
type Secret struct {
	ID        int64
	Name      string
	KeyType   KeyType
	KeyID     string // PGP subkey id; empty for PEM secrets
	Threshold int64
	HSMID     int64
}

// HSMLogEntry mirrors the hsm_logs table, the server's durable mirror of
// the device's own monotonic log.
type HSMLogEntry struct {
	HSMIndex   int64
	Command    int64
	DataLength int64
	SessionKey int64
	TargetKey  int64
	SecondKey  int64
	Result     int64
	Systick    int64
	Hash       []byte
}

// RequestType enumerates the five request kinds of spec.md §4.5.
type RequestType string

const (
	RequestSign      RequestType = "sign"
	RequestThreshold RequestType = "threshold"
	RequestWeight    RequestType = "weight"
	RequestAddSecret RequestType = "add_secret"
	RequestAddUser   RequestType = "add_user"
)

// Result is the outcome recorded for a server-log row.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// FeroLogEntry mirrors the fero_logs table.
type FeroLogEntry struct {
	ID             int64
	RequestType    RequestType
	Timestamp      int64
	Result         Result
	HSMIndexStart  int64
	HSMIndexEnd    int64
	Identification []byte
	Hash           []byte
}

// Store opens and serves the sqlite-backed schema of spec.md §6.
type Store struct {
	db *sql.DB
}

// Open creates the data directory if needed, opens (and migrates) the
// database at path, and enables SQLite foreign-key enforcement, which
// is off by default in mattn/go-sqlite3 unlike most relational engines.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // the Dispatcher already serializes writers; avoid SQLITE_BUSY on readers

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	// A sentinel hsm_index=0 row lets fero_logs bracket requests that
	// never touch the device (e.g. an UnknownSecret rejection) with a
	// start/end that still satisfies the table's foreign keys.
	if _, err := db.Exec(
		`INSERT OR IGNORE INTO hsm_logs (hsm_index, command, data_length, session_key, target_key, second_key, result, systick, hash)
		 VALUES (0, 0, 0, 0, 0, 0, 1, 0, ?)`, []byte{}); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed genesis hsm log row: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// FindUserByFingerprint looks up a user by its 40-hex-char fingerprint.
func (s *Store) FindUserByFingerprint(fpr string) (*User, error) {
	return scanUser(s.db.QueryRow(`SELECT id, fingerprint, cert FROM users WHERE fingerprint = ?`, fpr))
}

// AllUsers returns every enrolled user, for Keyring cache warming at
// startup.
func (s *Store) AllUsers() ([]*User, error) {
	rows, err := s.db.Query(`SELECT id, fingerprint, cert FROM users`)
	if err != nil {
		return nil, fmt.Errorf("all users: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Fingerprint, &u.Cert); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

// FindSecretByName looks up a secret by its human-readable name.
func (s *Store) FindSecretByName(name string) (*Secret, error) {
	return scanSecret(s.db.QueryRow(`SELECT id, name, key_type, COALESCE(key_id, ''), threshold, hsm_id FROM secrets WHERE name = ?`, name))
}

// GetWeight returns the weight of userID toward secretID, or 0 if no
// row exists — absent rows are weight 0 per spec.md's invariants.
func (s *Store) GetWeight(secretID, userID int64) (int64, error) {
	var w int64
	err := s.db.QueryRow(`SELECT weight FROM user_secret_weights WHERE secret_id = ? AND user_id = ?`, secretID, userID).Scan(&w)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get weight: %w", err)
	}
	return w, nil
}

// InsertUser inserts a new user row, rejecting duplicate fingerprints.
func (s *Store) InsertUser(fingerprint string, cert []byte) (*User, error) {
	res, err := s.db.Exec(`INSERT INTO users (fingerprint, cert) VALUES (?, ?)`, fingerprint, cert)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrExists
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return &User{ID: id, Fingerprint: fingerprint, Cert: cert}, nil
}

// InsertSecret inserts a new secret row, rejecting duplicate names or
// duplicate HSM handles.
func (s *Store) InsertSecret(sec Secret) (*Secret, error) {
	var keyID any
	if sec.KeyID != "" {
		keyID = sec.KeyID
	}
	res, err := s.db.Exec(
		`INSERT INTO secrets (name, key_type, key_id, threshold, hsm_id) VALUES (?, ?, ?, ?, ?)`,
		sec.Name, string(sec.KeyType), keyID, sec.Threshold, sec.HSMID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrExists
		}
		return nil, fmt.Errorf("insert secret: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert secret: %w", err)
	}
	sec.ID = id
	return &sec, nil
}

// HighestHSMIndex returns the highest mirrored HSM log index, or 0 if
// none has ever been mirrored.
func (s *Store) HighestHSMIndex() (int64, error) {
	var idx sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(hsm_index) FROM hsm_logs`).Scan(&idx); err != nil {
		return 0, fmt.Errorf("highest hsm index: %w", err)
	}
	return idx.Int64, nil
}

// HSMLogsSince returns mirrored entries with index strictly greater
// than since, in ascending order.
func (s *Store) HSMLogsSince(since int64) ([]HSMLogEntry, error) {
	rows, err := s.db.Query(
		`SELECT hsm_index, command, data_length, session_key, target_key, second_key, result, systick, hash
		 FROM hsm_logs WHERE hsm_index > ? ORDER BY hsm_index ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("hsm logs since: %w", err)
	}
	defer rows.Close()

	var out []HSMLogEntry
	for rows.Next() {
		var e HSMLogEntry
		if err := rows.Scan(&e.HSMIndex, &e.Command, &e.DataLength, &e.SessionKey, &e.TargetKey, &e.SecondKey, &e.Result, &e.Systick, &e.Hash); err != nil {
			return nil, fmt.Errorf("scan hsm log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastFeroLog returns the most recently committed server-log row, or
// ErrNotFound if the table is empty. Used by audit.Open to load the
// hash-chain tip.
func (s *Store) LastFeroLog() (*FeroLogEntry, error) {
	return scanFeroLog(s.db.QueryRow(
		`SELECT id, request_type, timestamp, result, hsm_index_start, hsm_index_end, identification, hash
		 FROM fero_logs ORDER BY id DESC LIMIT 1`))
}

// FeroLogs returns every committed server-log row in ascending id
// order, used by tests asserting the non-overlap invariant.
func (s *Store) FeroLogs() ([]FeroLogEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, request_type, timestamp, result, hsm_index_start, hsm_index_end, identification, hash
		 FROM fero_logs ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("fero logs: %w", err)
	}
	defer rows.Close()

	var out []FeroLogEntry
	for rows.Next() {
		var e FeroLogEntry
		if err := rows.Scan(&e.ID, &e.RequestType, &e.Timestamp, &e.Result, &e.HSMIndexStart, &e.HSMIndexEnd, &e.Identification, &e.Hash); err != nil {
			return nil, fmt.Errorf("scan fero log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Tx is the atomic unit of work for an authorized mutation: the
// Keyring write (if any), the HSM log mirror, and the fero_logs row
// commit together or not at all, per spec.md §4.5/§4.6.
type Tx struct {
	tx *sql.Tx
}

// Begin starts a transaction. It takes no lock itself: callers serialize
// writers (internal/audit.Log holds its own mutex around every
// transaction it opens, including for rows the Dispatcher writes
// without its session lock).
func (s *Store) Begin() (*Tx, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Commit finalizes the transaction.
func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback aborts the transaction. Safe to call after Commit.
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// SetThreshold updates an existing secret's threshold within the
// transaction, returning ErrNotFound if no secret has that id.
func (t *Tx) SetThreshold(secretID, threshold int64) error {
	res, err := t.tx.Exec(`UPDATE secrets SET threshold = ? WHERE id = ?`, threshold, secretID)
	if err != nil {
		return fmt.Errorf("set threshold: %w", err)
	}
	return mustAffectOne(res)
}

// SetWeight upserts the (secret, user) weight row within the
// transaction, satisfying spec.md's idempotence requirement.
func (t *Tx) SetWeight(secretID, userID, weight int64) error {
	_, err := t.tx.Exec(
		`INSERT INTO user_secret_weights (secret_id, user_id, weight) VALUES (?, ?, ?)
		 ON CONFLICT(secret_id, user_id) DO UPDATE SET weight = excluded.weight`,
		secretID, userID, weight,
	)
	if err != nil {
		return fmt.Errorf("set weight: %w", err)
	}
	return nil
}

// InsertHSMLogEntries mirrors device log entries into hsm_logs within
// the transaction, in order.
func (t *Tx) InsertHSMLogEntries(entries []HSMLogEntry) error {
	for _, e := range entries {
		_, err := t.tx.Exec(
			`INSERT INTO hsm_logs (hsm_index, command, data_length, session_key, target_key, second_key, result, systick, hash)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.HSMIndex, e.Command, e.DataLength, e.SessionKey, e.TargetKey, e.SecondKey, e.Result, e.Systick, e.Hash,
		)
		if err != nil {
			if isUniqueViolation(err) {
				continue // already mirrored by a prior reconciliation pass
			}
			return fmt.Errorf("insert hsm log %d: %w", e.HSMIndex, err)
		}
	}
	return nil
}

// InsertFeroLog commits the single audit row for a handled request.
func (t *Tx) InsertFeroLog(e FeroLogEntry) (int64, error) {
	res, err := t.tx.Exec(
		`INSERT INTO fero_logs (request_type, timestamp, result, hsm_index_start, hsm_index_end, identification, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(e.RequestType), e.Timestamp, string(e.Result), e.HSMIndexStart, e.HSMIndexEnd, e.Identification, e.Hash,
	)
	if err != nil {
		return 0, fmt.Errorf("insert fero log: %w", err)
	}
	return res.LastInsertId()
}

func mustAffectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Fingerprint, &u.Cert); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func scanSecret(row rowScanner) (*Secret, error) {
	var s Secret
	var keyType string
	if err := row.Scan(&s.ID, &s.Name, &keyType, &s.KeyID, &s.Threshold, &s.HSMID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan secret: %w", err)
	}
	s.KeyType = KeyType(keyType)
	return &s, nil
}

func scanFeroLog(row rowScanner) (*FeroLogEntry, error) {
	var e FeroLogEntry
	if err := row.Scan(&e.ID, &e.RequestType, &e.Timestamp, &e.Result, &e.HSMIndexStart, &e.HSMIndexEnd, &e.Identification, &e.Hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan fero log: %w", err)
	}
	return &e, nil
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint
// failure, without importing the driver's error type directly so the
// rest of the package stays agnostic to which sqlite driver is linked.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
