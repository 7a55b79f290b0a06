// Package history records executed commands in the "history" log and
// presents the merged history of every host, ordered by time.
package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/marcus/histsync/internal/codec"
	"github.com/marcus/histsync/internal/journal"
	"github.com/marcus/histsync/internal/record"
)

// ErrNotFound is returned when deleting an unknown entry.
var ErrNotFound = errors.New("history entry not found")

// Filter narrows List.
type Filter struct {
	Host     string // hostname recorded in the entry
	Session  string
	Contains string // substring of the command
	Since    time.Time
	Limit    int // most recent N when > 0
}

func (f Filter) match(e codec.HistoryEntry) bool {
	if f.Host != "" && e.Hostname != f.Host {
		return false
	}
	if f.Session != "" && e.Session != f.Session {
		return false
	}
	if f.Contains != "" && !strings.Contains(e.Command, f.Contains) {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp < f.Since.UnixNano() {
		return false
	}
	return true
}

// Store reads and writes history records.
type Store struct {
	j *journal.Journal
}

// New returns a history store on top of j.
func New(j *journal.Journal) *Store {
	return &Store{j: j}
}

// Add records e. Missing id, timestamp and hostname are filled in.
func (s *Store) Add(ctx context.Context, e codec.HistoryEntry) (codec.HistoryEntry, error) {
	if e.Command == "" {
		return e, errors.New("command is required")
	}
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return e, fmt.Errorf("history id: %w", err)
		}
		e.ID = id.String()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixNano()
	}
	if e.Hostname == "" {
		e.Hostname, _ = os.Hostname()
	}
	if err := s.write(ctx, codec.HistoryOp{Op: codec.HistoryCreate, Entry: e}); err != nil {
		return e, err
	}
	return e, nil
}

// Delete records a tombstone for the entry with id.
func (s *Store) Delete(ctx context.Context, id string) error {
	live, err := s.live(ctx)
	if err != nil {
		return err
	}
	if _, ok := live[id]; !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return s.write(ctx, codec.HistoryOp{Op: codec.HistoryDelete, Entry: codec.HistoryEntry{ID: id}})
}

func (s *Store) write(ctx context.Context, op codec.HistoryOp) error {
	data, err := codec.HistoryCodec.Encode(op)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	_, err = s.j.Write(ctx, record.TagHistory, codec.HistoryCodec.Latest(), data)
	return err
}

// List returns matching entries from all hosts, oldest first.
func (s *Store) List(ctx context.Context, f Filter) ([]codec.HistoryEntry, error) {
	live, err := s.live(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]codec.HistoryEntry, 0, len(live))
	for _, e := range live {
		if f.match(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Timestamp != out[b].Timestamp {
			return out[a].Timestamp < out[b].Timestamp
		}
		return out[a].ID < out[b].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// live merges the history logs of every host. A deletion from any host
// hides the entry everywhere.
func (s *Store) live(ctx context.Context) (map[string]codec.HistoryEntry, error) {
	entries := make(map[string]codec.HistoryEntry)
	deleted := make(map[string]bool)
	_, err := journal.Replay(ctx, s.j, record.TagHistory, codec.HistoryCodec, func(_ record.Record, op codec.HistoryOp) {
		switch op.Op {
		case codec.HistoryCreate:
			if !deleted[op.Entry.ID] {
				entries[op.Entry.ID] = op.Entry
			}
		case codec.HistoryDelete:
			deleted[op.Entry.ID] = true
			delete(entries, op.Entry.ID)
		}
	})
	return entries, err
}
