// Package serverdb is the relay's account database: who may sync, the
// bearer tokens they sync with, and a log of throttled requests. Record
// payloads live elsewhere, in relaystore.
package serverdb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/marcus/histsync/internal/sqlitex"
)

var (
	// ErrNotFound is returned for unknown users and tokens.
	ErrNotFound = errors.New("not found")
	// ErrEmailTaken is returned when registering an address twice.
	ErrEmailTaken = errors.New("email already registered")
	// ErrInvalidToken covers unknown, revoked and expired tokens alike.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// SchemaVersion is the user_version of a fully migrated account database.
const SchemaVersion = 1

var migrations = []sqlitex.Migration{
	{
		Version:     1,
		Description: "accounts",
		SQL: `
CREATE TABLE users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE COLLATE NOCASE,
    created_at INTEGER NOT NULL
);

CREATE TABLE tokens (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    hash BLOB NOT NULL UNIQUE,
    hint TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    scopes TEXT NOT NULL,
    expires_at INTEGER,
    last_used_at INTEGER,
    created_at INTEGER NOT NULL
);
CREATE INDEX idx_tokens_user ON tokens(user_id);

CREATE TABLE throttle_events (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    token_id TEXT,
    ip TEXT NOT NULL,
    class TEXT NOT NULL,
    at INTEGER NOT NULL
);
CREATE INDEX idx_throttle_events_at ON throttle_events(at);
`,
	},
}

// ServerDB holds relay accounts.
type ServerDB struct {
	conn *sql.DB
	now  func() time.Time
}

// Open opens or creates the account database at path. sqlitex.Memory gives
// a throwaway database.
func Open(path string) (*ServerDB, error) {
	conn, err := sqlitex.Open(path, "foreign_keys=ON")
	if err != nil {
		return nil, err
	}
	if _, err := sqlitex.Migrate(context.Background(), conn, migrations); err != nil {
		conn.Close()
		return nil, err
	}
	return &ServerDB{conn: conn, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Ping checks the connection is usable.
func (db *ServerDB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close checkpoints and closes the database.
func (db *ServerDB) Close() error {
	return sqlitex.Close(db.conn)
}

// unixOrNil maps an optional time onto a nullable INTEGER column.
func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
