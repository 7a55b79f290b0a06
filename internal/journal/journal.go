// Package journal is the write path shared by every producer on this
// device: it builds the next record of a log, seals its payload, and
// appends it to the local store. It also opens stored records for readers.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/marcus/histsync/internal/crypto"
	"github.com/marcus/histsync/internal/db"
	"github.com/marcus/histsync/internal/record"
)

// Journal appends records authored by one host.
type Journal struct {
	store *db.DB
	key   *crypto.Key
	host  record.HostID

	mu   sync.Mutex
	logs map[string]*sync.Mutex
}

// New returns a journal writing as host with records sealed under key.
func New(store *db.DB, key *crypto.Key, host record.HostID) *Journal {
	return &Journal{
		store: store,
		key:   key,
		host:  host,
		logs:  make(map[string]*sync.Mutex),
	}
}

// Host returns the host id this journal writes as.
func (j *Journal) Host() record.HostID { return j.host }

// Store returns the underlying local store.
func (j *Journal) Store() *db.DB { return j.store }

// Key returns the record key.
func (j *Journal) Key() *crypto.Key { return j.key }

func (j *Journal) logLock(tag string) *sync.Mutex {
	j.mu.Lock()
	defer j.mu.Unlock()
	m, ok := j.logs[tag]
	if !ok {
		m = &sync.Mutex{}
		j.logs[tag] = m
	}
	return m
}

// Write seals payload and appends it to this host's log for tag.
func (j *Journal) Write(ctx context.Context, tag, version string, payload []byte) (record.Record, error) {
	m := j.logLock(tag)
	m.Lock()
	defer m.Unlock()

	tail, err := j.store.Tail(ctx, j.host, tag)
	if err != nil {
		return record.Record{}, err
	}
	rec := record.New(j.host, tag, version, tail, nil)
	if err := Seal(j.key, &rec, payload); err != nil {
		return record.Record{}, err
	}
	if err := j.store.Append(ctx, rec); err != nil {
		return record.Record{}, fmt.Errorf("append %s: %w", rec.Log(), err)
	}
	return rec, nil
}

// Seal encrypts payload into rec.Data, bound to the record's identity.
func Seal(key *crypto.Key, rec *record.Record, payload []byte) error {
	data, err := crypto.SealBytes(key, payload, associatedData(*rec))
	if err != nil {
		return fmt.Errorf("seal %s: %w", rec.ID, err)
	}
	rec.Data = data
	return nil
}

// Open decrypts the payload of rec. Any failure matches
// crypto.ErrAuthenticationFailed.
func Open(key *crypto.Key, rec record.Record) ([]byte, error) {
	return crypto.OpenBytes(key, rec.Data, associatedData(rec))
}

func associatedData(rec record.Record) []byte {
	return crypto.RecordAD(rec.ID.String(), rec.Host.String(), rec.Tag, rec.Version)
}

// Entry is an opened record.
type Entry struct {
	Record  record.Record
	Payload []byte
}

// Entries opens every record carrying tag across all hosts and returns them
// ordered by writer timestamp. Records that fail to open are skipped and
// logged; they stay in the store untouched.
func (j *Journal) Entries(ctx context.Context, tag string) ([]Entry, error) {
	var out []Entry
	err := j.store.ByTag(ctx, tag, func(rec record.Record) error {
		payload, err := Open(j.key, rec)
		if errors.Is(err, crypto.ErrAuthenticationFailed) {
			slog.Warn("journal: skipping unreadable record", "id", rec.ID, "log", rec.Log().String(), "err", err)
			return nil
		}
		if err != nil {
			return err
		}
		out = append(out, Entry{Record: rec, Payload: payload})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(a, b int) bool {
		ra, rb := out[a].Record, out[b].Record
		if ra.Timestamp != rb.Timestamp {
			return ra.Timestamp < rb.Timestamp
		}
		return ra.ID.String() < rb.ID.String()
	})
	return out, nil
}
