package relaystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/marcus/histsync/internal/record"
	"github.com/marcus/histsync/internal/sqlitex"
)

const accountDBFile = "records.db"

var errNoAccountDB = errors.New("account database not found")

// SQLiteStore keeps one SQLite database per account under dataDir.
type SQLiteStore struct {
	mu      sync.RWMutex
	dbs     map[string]*sql.DB
	dataDir string
}

// NewSQLiteStore creates a store that keeps account databases under dataDir.
func NewSQLiteStore(dataDir string) *SQLiteStore {
	return &SQLiteStore{
		dbs:     make(map[string]*sql.DB),
		dataDir: dataDir,
	}
}

// get returns the account's database, opening it lazily. It returns
// errNoAccountDB when the account has never stored anything.
func (s *SQLiteStore) get(account string) (*sql.DB, error) {
	if err := validAccount(account); err != nil {
		return nil, err
	}
	s.mu.RLock()
	db, ok := s.dbs[account]
	s.mu.RUnlock()
	if ok {
		return db, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if db, ok := s.dbs[account]; ok {
		return db, nil
	}

	dbPath := filepath.Join(s.dataDir, account, accountDBFile)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, errNoAccountDB
	}

	db, err := openAccountDB(dbPath)
	if err != nil {
		return nil, err
	}
	s.dbs[account] = db
	return db, nil
}

// create opens the account's database, creating it if needed.
func (s *SQLiteStore) create(account string) (*sql.DB, error) {
	if err := validAccount(account); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.dbs[account]; ok {
		return db, nil
	}

	dir := filepath.Join(s.dataDir, account)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create account dir: %w", err)
	}

	db, err := openAccountDB(filepath.Join(dir, accountDBFile))
	if err != nil {
		return nil, err
	}
	s.dbs[account] = db
	return db, nil
}

// Tails implements Store.
func (s *SQLiteStore) Tails(ctx context.Context, account string) ([]Tail, error) {
	db, err := s.get(account)
	if errors.Is(err, errNoAccountDB) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	return GetTails(tx)
}

// Records implements Store.
func (s *SQLiteStore) Records(ctx context.Context, account string, log record.LogKey, after *record.RecordID, limit int) ([]record.Record, error) {
	db, err := s.get(account)
	if errors.Is(err, errNoAccountDB) {
		if after != nil {
			return nil, fmt.Errorf("record %s in %s: %w", after, log, ErrNotFound)
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	return GetRecordsSince(tx, log, after, limit)
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, account string, recs []record.Record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	db, err := s.create(account)
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	accepted, err := InsertRecords(tx, recs)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return accepted, nil
}

// Close checkpoints and closes every open account database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for id, db := range s.dbs {
		if err := sqlitex.Close(db); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
		delete(s.dbs, id)
	}
	return errors.Join(errs...)
}

// openAccountDB opens an account's record database and migrates it.
func openAccountDB(dbPath string) (*sql.DB, error) {
	db, err := sqlitex.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open account db: %w", err)
	}
	if err := InitRecordLog(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
