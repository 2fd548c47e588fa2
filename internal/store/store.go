package store

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"

	"github.com/restdeck/restdeck/internal/errdef"
)

// Store owns the SQLite handle for every durable table. The handle is
// created once during startup and injected into whoever needs it; there
// is no lazy first-call initialization.
type Store struct {
	db           *sql.DB
	historyLimit int
}

const DefaultHistoryLimit = 100

// Open opens (or creates) the database file and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeStore, err, "open database %s", path)
	}
	// modernc's driver is single-writer; one connection avoids
	// SQLITE_BUSY between the pooled handles.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, historyLimit: DefaultHistoryLimit}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// SetHistoryLimit caps how many history rows are retained. Values below
// one restore the default.
func (s *Store) SetHistoryLimit(limit int) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	s.historyLimit = limit
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// ready guards every call against use before Open or after Close.
func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return errdef.New(errdef.CodeStore, "store not initialized")
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS collections (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	parent_id   TEXT,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS variables (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	collection_id TEXT NOT NULL,
	name          TEXT NOT NULL,
	value         TEXT NOT NULL DEFAULT '',
	enabled       INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS requests (
	id                 TEXT PRIMARY KEY,
	collection_id      TEXT NOT NULL,
	parent_id          TEXT,
	type               TEXT NOT NULL,
	name               TEXT NOT NULL,
	method             TEXT NOT NULL DEFAULT '',
	url                TEXT NOT NULL DEFAULT '',
	body               TEXT NOT NULL DEFAULT '',
	headers            TEXT NOT NULL DEFAULT '[]',
	params             TEXT NOT NULL DEFAULT '[]',
	auth               TEXT,
	pre_request_script TEXT NOT NULL DEFAULT '',
	test_script        TEXT NOT NULL DEFAULT '',
	description        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS environments (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	variables_json TEXT NOT NULL DEFAULT '[]',
	is_active      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS global_variables (
	key     TEXT PRIMARY KEY,
	value   TEXT NOT NULL DEFAULT '',
	enabled INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS history (
	id        TEXT PRIMARY KEY,
	method    TEXT NOT NULL,
	url       TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	status    INTEGER,
	duration  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_requests_collection ON requests(collection_id);
CREATE INDEX IF NOT EXISTS idx_variables_collection ON variables(collection_id);
CREATE INDEX IF NOT EXISTS idx_history_timestamp ON history(timestamp);
`

func (s *Store) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errdef.Wrap(errdef.CodeStore, err, "apply schema")
	}
	return nil
}
