// Package sqlitex opens SQLite databases with the settings every histsync
// store shares and applies versioned schema migrations tracked in
// PRAGMA user_version.
package sqlitex

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Driver is the database/sql driver name used by Open.
const Driver = "sqlite"

// Memory opens a private in-memory database.
const Memory = ":memory:"

// Migration is one forward-only schema step. Version must be strictly
// increasing across a migration list.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Open opens the database at path on a single connection in WAL mode.
// The parent directory is created when missing. extra pragmas run after
// the defaults, e.g. "foreign_keys=ON".
func Open(path string, extra ...string) (*sql.DB, error) {
	return OpenDriver(Driver, path, extra...)
}

// OpenDriver is Open with an explicit driver, for drivers registered by
// other packages such as mattn/go-sqlite3.
func OpenDriver(driver, path string, extra ...string) (*sql.DB, error) {
	if path != Memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	conn, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	// A single connection keeps write transactions strictly ordered.
	conn.SetMaxOpenConns(1)

	pragmas := append([]string{"busy_timeout=5000", "synchronous=NORMAL"}, extra...)
	if path != Memory {
		pragmas = append([]string{"journal_mode=WAL"}, pragmas...)
	}
	for _, p := range pragmas {
		if _, err := conn.Exec("PRAGMA " + p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("pragma %s: %w", p, err)
		}
	}
	return conn, nil
}

// Close truncates the WAL and closes conn.
func Close(conn *sql.DB) error {
	_, _ = conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return conn.Close()
}

// Version reports the schema version recorded in the database.
func Version(ctx context.Context, conn *sql.DB) (int, error) {
	var v int
	if err := conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return v, nil
}

// Migrate applies every migration newer than the recorded version, each in
// its own transaction together with the version bump. It returns how many
// ran.
func Migrate(ctx context.Context, conn *sql.DB, migrations []Migration) (int, error) {
	current, err := Version(ctx, conn)
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := apply(ctx, conn, m); err != nil {
			return ran, err
		}
		current = m.Version
		ran++
	}
	return ran, nil
}

func apply(ctx context.Context, conn *sql.DB, m Migration) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
	}
	// user_version does not accept bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
		return fmt.Errorf("record version %d: %w", m.Version, err)
	}
	return tx.Commit()
}

// TableExists reports whether the named table is present.
func TableExists(ctx context.Context, conn *sql.DB, table string) (bool, error) {
	var n int
	err := conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
