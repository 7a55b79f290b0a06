package relaystore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/marcus/histsync/internal/record"
	"github.com/vmihailenco/msgpack/v5"
)

// Key layout, components separated by 0x00:
//
//	r acct host tag idx(big endian) -> storedRecord
//	i acct id                       -> position
//	t acct host tag                 -> position of the tail
const (
	prefixRecord = 'r'
	prefixIndex  = 'i'
	prefixTail   = 't'
	sep          = 0x00
)

// BadgerStore keeps every account in one Badger database.
type BadgerStore struct {
	db *badger.DB
	mu sync.Mutex // serializes Append so chain checks see a stable tail
}

// NewBadgerStore opens (creating if needed) a Badger database at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	return openBadger(opts)
}

func openBadger(opts badger.Options) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

type storedRecord struct {
	ID        string `msgpack:"id"`
	Host      string `msgpack:"host"`
	Tag       string `msgpack:"tag"`
	Parent    string `msgpack:"parent,omitempty"`
	Timestamp uint64 `msgpack:"ts"`
	Version   string `msgpack:"v"`
	Data      []byte `msgpack:"data"`
}

type position struct {
	ID   string `msgpack:"id"`
	Host string `msgpack:"host"`
	Tag  string `msgpack:"tag"`
	Idx  uint64 `msgpack:"idx"`
}

func toStored(r record.Record) storedRecord {
	s := storedRecord{
		ID:        r.ID.String(),
		Host:      r.Host.String(),
		Tag:       r.Tag,
		Timestamp: r.Timestamp,
		Version:   r.Version,
		Data:      r.Data,
	}
	if r.Parent != nil {
		s.Parent = r.Parent.String()
	}
	return s
}

func (s storedRecord) record() (record.Record, error) {
	r := record.Record{Tag: s.Tag, Timestamp: s.Timestamp, Version: s.Version, Data: s.Data}
	var err error
	if r.ID, err = record.ParseRecordID(s.ID); err != nil {
		return record.Record{}, err
	}
	if r.Host, err = record.ParseHostID(s.Host); err != nil {
		return record.Record{}, err
	}
	if s.Parent != "" {
		p, err := record.ParseRecordID(s.Parent)
		if err != nil {
			return record.Record{}, err
		}
		r.Parent = &p
	}
	return r, nil
}

func key(prefix byte, parts ...string) []byte {
	var b bytes.Buffer
	b.WriteByte(prefix)
	for _, p := range parts {
		b.WriteByte(sep)
		b.WriteString(p)
	}
	return b.Bytes()
}

func logPrefix(account string, log record.LogKey) []byte {
	return append(key(prefixRecord, account, log.Host.String(), log.Tag), sep)
}

func recordKey(account string, log record.LogKey, idx uint64) []byte {
	return binary.BigEndian.AppendUint64(logPrefix(account, log), idx)
}

func getMsgpack(txn *badger.Txn, k []byte, v any) error {
	item, err := txn.Get(k)
	if err != nil {
		return err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(data, v)
}

func setMsgpack(txn *badger.Txn, k []byte, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(k, data)
}

// Tails implements Store.
func (s *BadgerStore) Tails(ctx context.Context, account string) ([]Tail, error) {
	if err := validAccount(account); err != nil {
		return nil, err
	}
	var out []Tail
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = append(key(prefixTail, account), sep)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(opts.Prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var pos position
			if err := msgpack.Unmarshal(data, &pos); err != nil {
				return fmt.Errorf("decode tail: %w", err)
			}
			host, err := record.ParseHostID(pos.Host)
			if err != nil {
				return err
			}
			tail, err := record.ParseRecordID(pos.ID)
			if err != nil {
				return err
			}
			out = append(out, Tail{Log: record.LogKey{Host: host, Tag: pos.Tag}, Tail: tail, Count: int64(pos.Idx) + 1})
		}
		return nil
	})
	return out, err
}

// Records implements Store.
func (s *BadgerStore) Records(ctx context.Context, account string, log record.LogKey, after *record.RecordID, limit int) ([]record.Record, error) {
	if err := validAccount(account); err != nil {
		return nil, err
	}
	var out []record.Record
	err := s.db.View(func(txn *badger.Txn) error {
		start := uint64(0)
		if after != nil {
			var pos position
			err := getMsgpack(txn, key(prefixIndex, account, after.String()), &pos)
			if errors.Is(err, badger.ErrKeyNotFound) || (err == nil && (pos.Host != log.Host.String() || pos.Tag != log.Tag)) {
				return fmt.Errorf("record %s in %s: %w", after, log, ErrNotFound)
			}
			if err != nil {
				return err
			}
			start = pos.Idx + 1
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = logPrefix(account, log)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(recordKey(account, log, start)); it.ValidForPrefix(opts.Prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var sr storedRecord
			if err := msgpack.Unmarshal(data, &sr); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			r, err := sr.record()
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Append implements Store.
func (s *BadgerStore) Append(ctx context.Context, account string, recs []record.Record) (int, error) {
	if err := validAccount(account); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	accepted := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, rec := range recs {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := rec.Validate(); err != nil {
				return err
			}
			if strings.IndexByte(rec.Tag, sep) >= 0 {
				return fmt.Errorf("record %s: tag contains a NUL byte", rec.ID)
			}
			log := rec.Log()

			var existing position
			err := getMsgpack(txn, key(prefixIndex, account, rec.ID.String()), &existing)
			if err == nil {
				host, err := record.ParseHostID(existing.Host)
				if err != nil {
					return err
				}
				var sr storedRecord
				if err := getMsgpack(txn, recordKey(account, record.LogKey{Host: host, Tag: existing.Tag}, existing.Idx), &sr); err != nil {
					return fmt.Errorf("load %s: %w", rec.ID, err)
				}
				stored, err := sr.record()
				if err != nil {
					return err
				}
				if !stored.Equal(rec) {
					return &record.DuplicateError{ID: rec.ID}
				}
				continue
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("lookup %s: %w", rec.ID, err)
			}

			tailKey := key(prefixTail, account, log.Host.String(), log.Tag)
			var tail *record.RecordID
			next := uint64(0)
			var tp position
			err = getMsgpack(txn, tailKey, &tp)
			switch {
			case err == nil:
				id, perr := record.ParseRecordID(tp.ID)
				if perr != nil {
					return perr
				}
				tail = &id
				next = tp.Idx + 1
			case !errors.Is(err, badger.ErrKeyNotFound):
				return fmt.Errorf("tail %s: %w", log, err)
			}
			if err := record.CheckSuccessor(rec, tail); err != nil {
				return err
			}

			pos := position{ID: rec.ID.String(), Host: log.Host.String(), Tag: log.Tag, Idx: next}
			if err := setMsgpack(txn, recordKey(account, log, next), toStored(rec)); err != nil {
				return err
			}
			if err := setMsgpack(txn, key(prefixIndex, account, rec.ID.String()), pos); err != nil {
				return err
			}
			if err := setMsgpack(txn, tailKey, pos); err != nil {
				return err
			}
			accepted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return accepted, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
