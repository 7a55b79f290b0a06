// Package alias stores shell aliases in the "alias" log.
package alias

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/marcus/histsync/internal/codec"
	"github.com/marcus/histsync/internal/journal"
	"github.com/marcus/histsync/internal/record"
)

// ErrNotFound is returned when deleting an alias that is not set.
var ErrNotFound = errors.New("alias not found")

// Store reads and writes alias records.
type Store struct {
	j *journal.Journal
}

// New returns an alias store on top of j.
func New(j *journal.Journal) *Store {
	return &Store{j: j}
}

// Set defines or replaces an alias.
func (s *Store) Set(ctx context.Context, name, value string) error {
	if err := validName(name); err != nil {
		return err
	}
	return s.write(ctx, codec.Alias{Op: codec.AliasSet, Name: name, Value: value})
}

// Delete removes an alias.
func (s *Store) Delete(ctx context.Context, name string) error {
	list, err := s.List(ctx)
	if err != nil {
		return err
	}
	for _, a := range list {
		if a.Name == name {
			return s.write(ctx, codec.Alias{Op: codec.AliasDelete, Name: name})
		}
	}
	return fmt.Errorf("%s: %w", name, ErrNotFound)
}

func (s *Store) write(ctx context.Context, a codec.Alias) error {
	data, err := codec.AliasCodec.Encode(a)
	if err != nil {
		return fmt.Errorf("encode alias: %w", err)
	}
	_, err = s.j.Write(ctx, record.TagAlias, codec.AliasCodec.Latest(), data)
	return err
}

// List returns the live aliases sorted by name.
func (s *Store) List(ctx context.Context) ([]codec.Alias, error) {
	live := make(map[string]string)
	_, err := journal.Replay(ctx, s.j, record.TagAlias, codec.AliasCodec, func(_ record.Record, a codec.Alias) {
		switch a.Op {
		case codec.AliasSet:
			live[a.Name] = a.Value
		case codec.AliasDelete:
			delete(live, a.Name)
		}
	})
	if err != nil {
		return nil, err
	}

	out := make([]codec.Alias, 0, len(live))
	for name, value := range live {
		out = append(out, codec.Alias{Op: codec.AliasSet, Name: name, Value: value})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out, nil
}

func validName(name string) error {
	if name == "" {
		return errors.New("alias name is required")
	}
	if strings.ContainsAny(name, " \t\n=") {
		return fmt.Errorf("invalid alias name %q", name)
	}
	return nil
}
