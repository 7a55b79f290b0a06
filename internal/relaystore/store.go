// Package relaystore is the relay's durable record storage. It keeps one
// set of logs per account and enforces the same chain rule as clients; it
// never looks inside record payloads.
package relaystore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/marcus/histsync/internal/record"
)

// ErrNotFound is returned when reading after a record the log does not have.
var ErrNotFound = errors.New("not found")

// Tail is one entry of an account's tail map.
type Tail struct {
	Log   record.LogKey
	Tail  record.RecordID
	Count int64
}

// Store holds the logs of every account.
type Store interface {
	// Tails returns the tail map of an account.
	Tails(ctx context.Context, account string) ([]Tail, error)
	// Records returns up to limit records of a log after the given id, in
	// chain order. An unknown after id returns ErrNotFound.
	Records(ctx context.Context, account string, log record.LogKey, after *record.RecordID, limit int) ([]record.Record, error)
	// Append stores recs all-or-nothing and returns how many were new.
	// Chain mismatches return *record.ChainError and changed content for a
	// known id returns *record.DuplicateError.
	Append(ctx context.Context, account string, recs []record.Record) (int, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Open opens the named backend rooted at dir.
func Open(backend, dir string) (Store, error) {
	switch strings.ToLower(backend) {
	case "", BackendSQLite:
		return NewSQLiteStore(dir), nil
	case BackendBadger:
		return NewBadgerStore(dir)
	default:
		return nil, fmt.Errorf("unknown record store backend %q", backend)
	}
}

// validAccount rejects account ids that cannot be used as a path or key
// component.
func validAccount(account string) error {
	if account == "" || strings.ContainsAny(account, "/\\\x00") || account == "." || account == ".." {
		return fmt.Errorf("invalid account id %q", account)
	}
	return nil
}
