// Package db is the local record store: one SQLite file holding every log
// this device knows about, its own and those pulled from peers. Appends are
// validated against the hash-chain rule before they become visible.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/marcus/histsync/internal/sqlitex"
)

// DefaultFile is the database file name inside the data directory.
const DefaultFile = "records.db"

var (
	// ErrNotFound is returned when a record or log position does not exist.
	ErrNotFound = errors.New("not found")
	// ErrLocked is returned when another process holds the write lock too long.
	ErrLocked = errors.New("database is locked")
)

// DB wraps the database connection.
type DB struct {
	conn *sql.DB
	path string

	// mu serializes appends within the process; the file lock covers
	// other processes.
	mu sync.Mutex
}

// Open opens (creating if needed) the records database at path and runs
// any pending migrations.
func Open(path string) (*DB, error) {
	return open(sqlitex.Driver, path)
}

func open(driver, path string) (*DB, error) {
	conn, err := sqlitex.OpenDriver(driver, path)
	if err != nil {
		return nil, err
	}
	db := &DB{conn: conn, path: path}
	if _, err := db.RunMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return sqlitex.Close(db.conn)
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Conn returns the underlying connection for read-only reporting queries.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// withWriteLock executes fn while holding both the in-process mutex and the
// cross-process file lock.
func (db *DB) withWriteLock(fn func() error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	lk, err := lockFile(db.path+lockSuffix, lockTimeout)
	if err != nil {
		return err
	}
	defer lk.unlock()
	return fn()
}
