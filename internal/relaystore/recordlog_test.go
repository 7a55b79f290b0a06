package relaystore

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/marcus/histsync/internal/record"
	"github.com/marcus/histsync/internal/sqlitex"
	_ "github.com/mattn/go-sqlite3"
)

func setupRecordDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlitex.OpenDriver("sqlite3", sqlitex.Memory)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := InitRecordLog(db); err != nil {
		t.Fatalf("init record log: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// chain builds n records extending tail in one log.
func chain(host record.HostID, tag string, tail *record.RecordID, n int) []record.Record {
	out := make([]record.Record, 0, n)
	for i := 0; i < n; i++ {
		r := record.New(host, tag, "v1", tail, []byte{byte(i)})
		out = append(out, r)
		id := r.ID
		tail = &id
	}
	return out
}

func insert(t *testing.T, db *sql.DB, recs []record.Record) (int, error) {
	t.Helper()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	n, err := InsertRecords(tx, recs)
	if err != nil {
		tx.Rollback()
		return n, err
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return n, nil
}

func TestInsertRecords_Basic(t *testing.T) {
	db := setupRecordDB(t)
	host := record.NewHostID()
	recs := chain(host, "kv", nil, 3)

	n, err := insert(t, db, recs)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if n != 3 {
		t.Fatalf("accepted: got %d, want 3", n)
	}

	tx, _ := db.Begin()
	defer tx.Rollback()
	tails, err := GetTails(tx)
	if err != nil {
		t.Fatalf("tails: %v", err)
	}
	if len(tails) != 1 {
		t.Fatalf("tails: got %d, want 1", len(tails))
	}
	if tails[0].Tail != recs[2].ID || tails[0].Count != 3 {
		t.Fatalf("tail: got %s/%d, want %s/3", tails[0].Tail, tails[0].Count, recs[2].ID)
	}
}

func TestInsertRecords_Idempotent(t *testing.T) {
	db := setupRecordDB(t)
	recs := chain(record.NewHostID(), "kv", nil, 2)

	if _, err := insert(t, db, recs); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	n, err := insert(t, db, recs)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if n != 0 {
		t.Fatalf("accepted on replay: got %d, want 0", n)
	}
}

func TestInsertRecords_ChainMismatch(t *testing.T) {
	db := setupRecordDB(t)
	host := record.NewHostID()
	recs := chain(host, "kv", nil, 2)
	if _, err := insert(t, db, recs[:1]); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// A second genesis for the same log.
	other := chain(host, "kv", nil, 1)
	_, err := insert(t, db, other)
	var ce *record.ChainError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ChainError, got %v", err)
	}
	if ce.Expected == nil || *ce.Expected != recs[0].ID {
		t.Fatalf("expected tail %s, got %s", recs[0].ID, record.IDString(ce.Expected))
	}
}

func TestInsertRecords_DuplicateDifferentContent(t *testing.T) {
	db := setupRecordDB(t)
	recs := chain(record.NewHostID(), "kv", nil, 1)
	if _, err := insert(t, db, recs); err != nil {
		t.Fatalf("insert: %v", err)
	}

	changed := recs[0]
	changed.Data = []byte("other")
	_, err := insert(t, db, []record.Record{changed})
	if !errors.Is(err, record.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestGetRecordsSince(t *testing.T) {
	db := setupRecordDB(t)
	host := record.NewHostID()
	recs := chain(host, "history", nil, 5)
	if _, err := insert(t, db, recs); err != nil {
		t.Fatalf("insert: %v", err)
	}
	log := record.LogKey{Host: host, Tag: "history"}
	unknown := record.NewRecordID()

	tests := []struct {
		name    string
		after   *record.RecordID
		limit   int
		want    []record.RecordID
		wantErr error
	}{
		{"from genesis", nil, 2, []record.RecordID{recs[0].ID, recs[1].ID}, nil},
		{"after middle", &recs[2].ID, 10, []record.RecordID{recs[3].ID, recs[4].ID}, nil},
		{"after tail", &recs[4].ID, 10, nil, nil},
		{"unlimited", &recs[0].ID, 0, []record.RecordID{recs[1].ID, recs[2].ID, recs[3].ID, recs[4].ID}, nil},
		{"unknown after", &unknown, 10, nil, ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, _ := db.Begin()
			defer tx.Rollback()
			got, err := GetRecordsSince(tx, log, tt.after, tt.limit)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("range: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("len: got %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].ID != tt.want[i] {
					t.Fatalf("record %d: got %s, want %s", i, got[i].ID, tt.want[i])
				}
			}
		})
	}
}

func TestGetRecordsSince_OtherLogIsNotFound(t *testing.T) {
	db := setupRecordDB(t)
	host := record.NewHostID()
	kv := chain(host, "kv", nil, 1)
	if _, err := insert(t, db, kv); err != nil {
		t.Fatalf("insert: %v", err)
	}

	tx, _ := db.Begin()
	defer tx.Rollback()
	_, err := GetRecordsSince(tx, record.LogKey{Host: host, Tag: "alias"}, &kv[0].ID, 10)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
