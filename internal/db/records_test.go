package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/marcus/histsync/internal/record"
	"github.com/marcus/histsync/internal/sqlitex"
	"pgregory.net/rapid"
)

func newTestDB(t testing.TB) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), DefaultFile))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// chain builds n linked records for one log, starting after tail.
func chain(host record.HostID, tag string, tail *record.RecordID, n int) []record.Record {
	out := make([]record.Record, 0, n)
	for i := 0; i < n; i++ {
		r := record.New(host, tag, "v0", tail, []byte{byte(i)})
		out = append(out, r)
		id := r.ID
		tail = &id
	}
	return out
}

func TestOpenCreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", DefaultFile)

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file not created: %v", err)
	}
	v, err := db.SchemaVersionInUse()
	if err != nil {
		t.Fatalf("SchemaVersionInUse: %v", err)
	}
	if v != SchemaVersion {
		t.Errorf("schema version: got %d, want %d", v, SchemaVersion)
	}
	for _, table := range []string{"records", "log_sync_state"} {
		ok, err := sqlitex.TableExists(context.Background(), db.conn, table)
		if err != nil || !ok {
			t.Errorf("table %s missing (err=%v)", table, err)
		}
	}
}

func TestReopenSkipsMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFile)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	n, err := db.RunMigrations()
	if err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	if n != 0 {
		t.Errorf("migrations run on current schema: %d", n)
	}
}

func TestAppendAndTail(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	host := record.NewHostID()

	tail, err := db.Tail(ctx, host, record.TagHistory)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if tail != nil {
		t.Fatalf("empty log tail: got %v, want nil", tail)
	}

	recs := chain(host, record.TagHistory, nil, 3)
	for _, r := range recs {
		if err := db.Append(ctx, r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	tail, err = db.Tail(ctx, host, record.TagHistory)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if tail == nil || *tail != recs[2].ID {
		t.Fatalf("tail: got %s, want %s", record.IDString(tail), recs[2].ID)
	}

	got, err := db.Get(ctx, recs[1].ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Equal(recs[1]) {
		t.Errorf("Get returned %+v, want %+v", got, recs[1])
	}
}

func TestAppendIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	recs := chain(record.NewHostID(), record.TagKV, nil, 2)

	for _, r := range recs {
		if err := db.Append(ctx, r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	// The genesis record again, now that it is no longer the tail.
	if err := db.Append(ctx, recs[0]); err != nil {
		t.Fatalf("re-append genesis: %v", err)
	}
	if err := db.Append(ctx, recs[1]); err != nil {
		t.Fatalf("re-append tail: %v", err)
	}

	tail, _ := db.Tail(ctx, recs[0].Host, record.TagKV)
	if *tail != recs[1].ID {
		t.Errorf("tail moved: got %s, want %s", tail, recs[1].ID)
	}
	n, _ := db.Count(ctx)
	if n != 2 {
		t.Errorf("count: got %d, want 2", n)
	}
}

func TestAppendDuplicateDifferentContent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	r := chain(record.NewHostID(), record.TagKV, nil, 1)[0]
	if err := db.Append(ctx, r); err != nil {
		t.Fatalf("Append: %v", err)
	}

	forged := r
	forged.Data = []byte("different")
	err := db.Append(ctx, forged)
	if !errors.Is(err, record.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	var dup *record.DuplicateError
	if !errors.As(err, &dup) || dup.ID != r.ID {
		t.Errorf("duplicate detail: %v", err)
	}
}

func TestAppendBadChain(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	host := record.NewHostID()
	recs := chain(host, record.TagHistory, nil, 2)
	for _, r := range recs {
		if err := db.Append(ctx, r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	tests := []struct {
		name string
		rec  record.Record
	}{
		{"second genesis", record.New(host, record.TagHistory, "v0", nil, nil)},
		{"stale parent", record.New(host, record.TagHistory, "v0", &recs[0].ID, nil)},
		{"unknown parent", record.New(host, record.TagHistory, "v0", ptr(record.NewRecordID()), nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := db.Append(ctx, tt.rec)
			if !errors.Is(err, record.ErrChain) {
				t.Fatalf("expected ErrChain, got %v", err)
			}
			tail, _ := db.Tail(ctx, host, record.TagHistory)
			if *tail != recs[1].ID {
				t.Errorf("tail changed to %s", tail)
			}
		})
	}
}

func ptr(id record.RecordID) *record.RecordID { return &id }

func TestAppendBatchAllOrNothing(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	host := record.NewHostID()
	recs := chain(host, record.TagHistory, nil, 4)

	// Break the link between the third and fourth record.
	bad := append([]record.Record(nil), recs...)
	bad[3].Parent = &recs[1].ID

	if _, err := db.AppendBatch(ctx, bad); !errors.Is(err, record.ErrChain) {
		t.Fatalf("expected ErrChain, got %v", err)
	}
	if n, _ := db.Count(ctx); n != 0 {
		t.Fatalf("partial batch committed: %d records", n)
	}

	n, err := db.AppendBatch(ctx, recs)
	if err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	if n != 4 {
		t.Errorf("inserted: got %d, want 4", n)
	}
	n, err = db.AppendBatch(ctx, recs[2:])
	if err != nil {
		t.Fatalf("AppendBatch replay: %v", err)
	}
	if n != 0 {
		t.Errorf("replay inserted %d", n)
	}
}

func TestRangeSince(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	host := record.NewHostID()
	recs := chain(host, record.TagHistory, nil, 5)
	if _, err := db.AppendBatch(ctx, recs); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	// Another log must not leak into the range.
	if _, err := db.AppendBatch(ctx, chain(host, record.TagKV, nil, 3)); err != nil {
		t.Fatalf("AppendBatch kv: %v", err)
	}

	tests := []struct {
		name  string
		after *record.RecordID
		limit int
		want  []record.Record
	}{
		{"from genesis", nil, 0, recs},
		{"limited", nil, 2, recs[:2]},
		{"after middle", &recs[1].ID, 0, recs[2:]},
		{"after middle limited", &recs[1].ID, 2, recs[2:4]},
		{"after tail", &recs[4].ID, 10, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.RangeSince(ctx, host, record.TagHistory, tt.after, tt.limit)
			if err != nil {
				t.Fatalf("RangeSince: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d records, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if !got[i].Equal(tt.want[i]) {
					t.Errorf("record %d: got %s, want %s", i, got[i].ID, tt.want[i].ID)
				}
			}
		})
	}

	_, err := db.RangeSince(ctx, host, record.TagHistory, ptr(record.NewRecordID()), 0)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown after: expected ErrNotFound, got %v", err)
	}
}

func TestKnownLogsAndStatus(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	h1, h2 := record.NewHostID(), record.NewHostID()

	a := chain(h1, record.TagHistory, nil, 3)
	b := chain(h2, record.TagKV, nil, 1)
	for _, batch := range [][]record.Record{a, b} {
		if _, err := db.AppendBatch(ctx, batch); err != nil {
			t.Fatalf("AppendBatch: %v", err)
		}
	}

	logs, err := db.KnownLogs(ctx)
	if err != nil {
		t.Fatalf("KnownLogs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("KnownLogs: got %v", logs)
	}

	status, err := db.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	want := map[record.LogKey]LogStatus{
		{Host: h1, Tag: record.TagHistory}: {Tail: a[2].ID, Count: 3},
		{Host: h2, Tag: record.TagKV}:      {Tail: b[0].ID, Count: 1},
	}
	if len(status) != len(want) {
		t.Fatalf("status: got %v", status)
	}
	for k, w := range want {
		if status[k] != w {
			t.Errorf("%s: got %+v, want %+v", k, status[k], w)
		}
	}
}

func TestByTag(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	h1, h2 := record.NewHostID(), record.NewHostID()
	for _, batch := range [][]record.Record{
		chain(h1, record.TagHistory, nil, 2),
		chain(h2, record.TagHistory, nil, 3),
		chain(h1, record.TagAlias, nil, 1),
	} {
		if _, err := db.AppendBatch(ctx, batch); err != nil {
			t.Fatalf("AppendBatch: %v", err)
		}
	}

	var n int
	err := db.ByTag(ctx, record.TagHistory, func(r record.Record) error {
		if r.Tag != record.TagHistory {
			t.Errorf("unexpected tag %s", r.Tag)
		}
		n++
		return nil
	})
	if err != nil {
		t.Fatalf("ByTag: %v", err)
	}
	if n != 5 {
		t.Errorf("got %d history records, want 5", n)
	}

	stop := errors.New("stop")
	if err := db.ByTag(ctx, record.TagHistory, func(record.Record) error { return stop }); !errors.Is(err, stop) {
		t.Errorf("expected callback error, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	host := record.NewHostID()
	if _, err := db.AppendBatch(ctx, chain(host, record.TagHistory, nil, 6)); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}

	n, err := db.Verify(ctx, host, record.TagHistory)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if n != 6 {
		t.Errorf("verified %d, want 6", n)
	}

	// Corrupt a link behind the store's back.
	if _, err := db.Conn().Exec(`UPDATE records SET parent = NULL WHERE host = ? AND idx = 3`, host.String()); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if _, err := db.Verify(ctx, host, record.TagHistory); !errors.Is(err, record.ErrChain) {
		t.Errorf("expected ErrChain after corruption, got %v", err)
	}
}

func TestSyncOutcomes(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	log := record.LogKey{Host: record.NewHostID(), Tag: record.TagHistory}

	if err := db.RecordSyncOutcome(ctx, log, "failed", "timeout"); err != nil {
		t.Fatalf("RecordSyncOutcome: %v", err)
	}
	if err := db.RecordSyncOutcome(ctx, log, "pulled", ""); err != nil {
		t.Fatalf("RecordSyncOutcome: %v", err)
	}

	states, err := db.SyncOutcomes(ctx)
	if err != nil {
		t.Fatalf("SyncOutcomes: %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("got %d states, want 1", len(states))
	}
	if states[0].Log != log || states[0].Outcome != "pulled" || states[0].Detail != "" {
		t.Errorf("unexpected state %+v", states[0])
	}
}

func TestChainIntegrityProperty(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	rapid.Check(t, func(rt *rapid.T) {
		host := record.NewHostID()
		tag := rapid.SampledFrom([]string{record.TagHistory, record.TagKV, record.TagAlias}).Draw(rt, "tag")
		n := rapid.IntRange(1, 30).Draw(rt, "n")

		var tail *record.RecordID
		for i := 0; i < n; i++ {
			r := record.New(host, tag, "v0", tail, nil)
			if rapid.Bool().Draw(rt, "forge") {
				// A forged record with a wrong parent must be refused.
				forged := record.New(host, tag, "v0", ptr(record.NewRecordID()), nil)
				if err := db.Append(ctx, forged); !errors.Is(err, record.ErrChain) {
					rt.Fatalf("forged append: expected ErrChain, got %v", err)
				}
			}
			if err := db.Append(ctx, r); err != nil {
				rt.Fatalf("Append: %v", err)
			}
			id := r.ID
			tail = &id
		}

		recs, err := db.RangeSince(ctx, host, tag, nil, 0)
		if err != nil {
			rt.Fatalf("RangeSince: %v", err)
		}
		if len(recs) != n {
			rt.Fatalf("got %d records, want %d", len(recs), n)
		}
		var prev *record.RecordID
		for _, r := range recs {
			if !record.IsValidSuccessor(r, prev) {
				rt.Fatalf("broken link at %s", r.ID)
			}
			id := r.ID
			prev = &id
		}
		got, _ := db.Tail(ctx, host, tag)
		if got == nil || *got != *prev {
			rt.Fatalf("tail %s does not end the chain %s", record.IDString(got), prev)
		}
	})
}
