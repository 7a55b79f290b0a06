package kv

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/marcus/histsync/internal/codec"
	"github.com/marcus/histsync/internal/crypto"
	"github.com/marcus/histsync/internal/db"
	"github.com/marcus/histsync/internal/journal"
	"github.com/marcus/histsync/internal/record"
)

// newTestJournals returns journals for two hosts sharing one store and key,
// as a device sees them after pulling a peer's log.
func newTestJournals(t *testing.T) (*journal.Journal, *journal.Journal) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), db.DefaultFile))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	master, _ := crypto.GenerateMasterKey()
	key, err := crypto.DeriveRecordKey(master)
	if err != nil {
		t.Fatalf("DeriveRecordKey: %v", err)
	}
	return journal.New(store, key, record.NewHostID()), journal.New(store, key, record.NewHostID())
}

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	j, _ := newTestJournals(t)
	s := New(j)

	if err := s.Set(ctx, "", "editor", "vim"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "", "editor", "hx"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, DefaultNamespace, "editor")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "hx" {
		t.Errorf("Get: got %q, want hx", got)
	}

	if err := s.Delete(ctx, "", "editor"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "", "editor"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, "", "editor"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestLatestWriteAcrossHostsWins(t *testing.T) {
	ctx := context.Background()
	a, b := newTestJournals(t)

	if err := New(a).Set(ctx, "git", "user", "alice"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := New(b).Set(ctx, "git", "user", "bob"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := New(a).Get(ctx, "git", "user")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "bob" {
		t.Errorf("got %q, want bob", got)
	}
}

func TestListReadsLegacyV0(t *testing.T) {
	ctx := context.Background()
	j, _ := newTestJournals(t)
	s := New(j)

	old, err := codec.EncodeKVv0(codec.KV{Namespace: "env", Key: "PAGER", Value: strPtr("less")})
	if err != nil {
		t.Fatalf("EncodeKVv0: %v", err)
	}
	if _, err := j.Write(ctx, record.TagKV, "v0", old); err != nil {
		t.Fatalf("Write v0: %v", err)
	}
	// A version no reader understands is skipped, not fatal.
	if _, err := j.Write(ctx, record.TagKV, "v9", []byte{0x90}); err != nil {
		t.Fatalf("Write v9: %v", err)
	}
	if err := s.Set(ctx, "env", "EDITOR", "vim"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	pairs, err := s.List(ctx, "env")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []Pair{{"env", "EDITOR", "vim"}, {"env", "PAGER", "less"}}
	if len(pairs) != len(want) {
		t.Fatalf("List: got %v, want %v", pairs, want)
	}
	for i := range want {
		if pairs[i] != want[i] {
			t.Errorf("pair %d: got %+v, want %+v", i, pairs[i], want[i])
		}
	}
}

func strPtr(s string) *string { return &s }
