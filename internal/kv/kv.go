// Package kv is a namespaced key-value store replicated through the "kv"
// log of every host. The latest write across all hosts wins.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/marcus/histsync/internal/codec"
	"github.com/marcus/histsync/internal/journal"
	"github.com/marcus/histsync/internal/record"
)

// DefaultNamespace is used when no namespace is given.
const DefaultNamespace = "default"

// ErrNotFound is returned for keys with no live value.
var ErrNotFound = errors.New("key not found")

// Pair is one live key.
type Pair struct {
	Namespace string
	Key       string
	Value     string
}

// Store reads and writes kv records.
type Store struct {
	j *journal.Journal
}

// New returns a kv store on top of j.
func New(j *journal.Journal) *Store {
	return &Store{j: j}
}

// Set records key = value in namespace.
func (s *Store) Set(ctx context.Context, namespace, key, value string) error {
	if key == "" {
		return errors.New("key is required")
	}
	return s.write(ctx, codec.KV{Namespace: ns(namespace), Key: key, Value: &value})
}

// Delete records a tombstone for key.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	if _, err := s.Get(ctx, namespace, key); err != nil {
		return err
	}
	return s.write(ctx, codec.KV{Namespace: ns(namespace), Key: key})
}

func (s *Store) write(ctx context.Context, v codec.KV) error {
	data, err := codec.KVCodec.Encode(v)
	if err != nil {
		return fmt.Errorf("encode kv: %w", err)
	}
	_, err = s.j.Write(ctx, record.TagKV, codec.KVCodec.Latest(), data)
	return err
}

// Get returns the live value of key.
func (s *Store) Get(ctx context.Context, namespace, key string) (string, error) {
	state, err := s.build(ctx)
	if err != nil {
		return "", err
	}
	v, ok := state[ns(namespace)][key]
	if !ok {
		return "", fmt.Errorf("%s.%s: %w", ns(namespace), key, ErrNotFound)
	}
	return v, nil
}

// List returns the live keys of namespace sorted by key. An empty
// namespace lists every namespace.
func (s *Store) List(ctx context.Context, namespace string) ([]Pair, error) {
	state, err := s.build(ctx)
	if err != nil {
		return nil, err
	}
	var out []Pair
	for n, keys := range state {
		if namespace != "" && n != namespace {
			continue
		}
		for k, v := range keys {
			out = append(out, Pair{Namespace: n, Key: k, Value: v})
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Namespace != out[b].Namespace {
			return out[a].Namespace < out[b].Namespace
		}
		return out[a].Key < out[b].Key
	})
	return out, nil
}

func (s *Store) build(ctx context.Context) (map[string]map[string]string, error) {
	state := make(map[string]map[string]string)
	_, err := journal.Replay(ctx, s.j, record.TagKV, codec.KVCodec, func(_ record.Record, v codec.KV) {
		keys := state[v.Namespace]
		if keys == nil {
			keys = make(map[string]string)
			state[v.Namespace] = keys
		}
		if v.Value == nil {
			delete(keys, v.Key)
			return
		}
		keys[v.Key] = *v.Value
	})
	return state, err
}

func ns(namespace string) string {
	if namespace == "" {
		return DefaultNamespace
	}
	return namespace
}
