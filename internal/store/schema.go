package store

// schema is applied with "CREATE TABLE IF NOT EXISTS" on every open so a
// fresh data directory bootstraps itself. It follows the relational
// layout of spec.md §6, plus a secrets.key_type column carrying the
// PGP/PEM tag.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	fingerprint TEXT NOT NULL UNIQUE,
	cert        BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS secrets (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	name      TEXT NOT NULL UNIQUE,
	key_type  TEXT NOT NULL CHECK (key_type IN ('pgp', 'pem')),
	key_id    TEXT UNIQUE,
	threshold INTEGER NOT NULL DEFAULT 0 CHECK (threshold >= 0),
	hsm_id    INTEGER NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS user_secret_weights (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	secret_id INTEGER NOT NULL REFERENCES secrets(id),
	user_id   INTEGER NOT NULL REFERENCES users(id),
	weight    INTEGER NOT NULL CHECK (weight >= 0),
	UNIQUE (secret_id, user_id)
);

CREATE TABLE IF NOT EXISTS hsm_logs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	hsm_index   INTEGER NOT NULL UNIQUE,
	command     INTEGER NOT NULL,
	data_length INTEGER NOT NULL,
	session_key INTEGER NOT NULL,
	target_key  INTEGER NOT NULL,
	second_key  INTEGER NOT NULL,
	result      INTEGER NOT NULL,
	systick     INTEGER NOT NULL,
	hash        BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS fero_logs (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	request_type     TEXT NOT NULL CHECK (request_type IN ('sign', 'threshold', 'weight', 'add_secret', 'add_user')),
	timestamp        INTEGER NOT NULL,
	result           TEXT NOT NULL CHECK (result IN ('success', 'failure')),
	hsm_index_start  INTEGER NOT NULL REFERENCES hsm_logs(hsm_index),
	hsm_index_end    INTEGER NOT NULL REFERENCES hsm_logs(hsm_index),
	identification   BLOB,
	hash             BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fero_logs_hsm_range ON fero_logs(hsm_index_start, hsm_index_end);
`
