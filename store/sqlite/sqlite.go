// Package sqlite implements [store.Store] on an embedded single-file SQLite
// database.
package sqlite

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/doug-martin/goqu/v8/dialect/sqlite3" // register the sqlite3 dialect
	_ "modernc.org/sqlite"                             // register the sqlite driver

	"github.com/doug-martin/goqu/v8"
)

var dialect = goqu.Dialect("sqlite3")

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	username     TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	email        TEXT NOT NULL DEFAULT '',
	password     TEXT NOT NULL DEFAULT '',
	auth_token   TEXT NOT NULL DEFAULT '',
	cookies      TEXT NOT NULL DEFAULT '{}',
	headers      TEXT NOT NULL DEFAULT '{}',
	user_agent   TEXT NOT NULL DEFAULT '',
	proxy        TEXT NOT NULL DEFAULT '',
	active       INTEGER NOT NULL DEFAULT 1,
	last_used    INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS account_locks (
	username  TEXT NOT NULL REFERENCES accounts(username) ON DELETE CASCADE,
	queue     TEXT NOT NULL,
	unlock_at INTEGER NOT NULL DEFAULT 0,
	req_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (username, queue)
);
CREATE INDEX IF NOT EXISTS idx_account_locks_queue ON account_locks(queue, unlock_at);
`

// Store is the sqlite-backed account store.
//
// All writes flow through a single connection, which is the serialization
// discipline the scheduler relies on.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at the named file and applies the
// schema.
func Open(f string) (*Store, error) {
	u := url.URL{
		Scheme: `file`,
		Opaque: f,
		RawQuery: url.Values{
			"_pragma": {
				"foreign_keys(1)",
				"journal_mode(wal)",
				"busy_timeout(5000)",
			},
		}.Encode(),
	}
	db, err := sql.Open(`sqlite`, u.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// Single writer; see the Store doc comment.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
