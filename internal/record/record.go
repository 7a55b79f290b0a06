// Package record defines the replicated record and the hash-chain rule
// that every log must satisfy. Both the local store and the sync client
// validate through IsValidSuccessor so a device accepts exactly the same
// chains from itself and from its peers.
package record

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Well-known tags.
const (
	TagHistory = "history"
	TagKV      = "kv"
	TagAlias   = "alias"
)

// HostID identifies one installation. It is generated once and never changes.
type HostID uuid.UUID

// RecordID identifies one record across the whole system.
type RecordID uuid.UUID

// NewHostID returns a random host id.
func NewHostID() HostID {
	return HostID(uuid.New())
}

// NewRecordID returns a time-ordered (v7) record id.
func NewRecordID() RecordID {
	id, err := uuid.NewV7()
	if err != nil {
		// crypto/rand failure is fatal
		panic("generate record id: " + err.Error())
	}
	return RecordID(id)
}

// ParseHostID parses the canonical string form of a host id.
func ParseHostID(s string) (HostID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return HostID{}, fmt.Errorf("parse host id %q: %w", s, err)
	}
	return HostID(u), nil
}

// ParseRecordID parses the canonical string form of a record id.
func ParseRecordID(s string) (RecordID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return RecordID{}, fmt.Errorf("parse record id %q: %w", s, err)
	}
	return RecordID(u), nil
}

func (h HostID) String() string   { return uuid.UUID(h).String() }
func (id RecordID) String() string { return uuid.UUID(id).String() }

// IsZero reports whether the id is the nil UUID.
func (h HostID) IsZero() bool { return h == HostID{} }

// IsZero reports whether the id is the nil UUID.
func (id RecordID) IsZero() bool { return id == RecordID{} }

// MarshalText implements encoding.TextMarshaler.
func (h HostID) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *HostID) UnmarshalText(b []byte) error {
	v, err := ParseHostID(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (id RecordID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *RecordID) UnmarshalText(b []byte) error {
	v, err := ParseRecordID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// LogKey names one single-writer log.
type LogKey struct {
	Host HostID
	Tag  string
}

func (k LogKey) String() string {
	return k.Host.String() + "/" + k.Tag
}

// Record is the unit of replication. Records are immutable once created.
type Record struct {
	ID        RecordID
	Host      HostID
	Tag       string
	Parent    *RecordID // nil only for the genesis record of a log
	Timestamp uint64    // writer wall clock, unix nanoseconds
	Version   string
	Data      []byte // sealed envelope, opaque to storage and sync
}

// New builds a record that follows tail in the (host, tag) log.
func New(host HostID, tag, version string, tail *RecordID, data []byte) Record {
	var parent *RecordID
	if tail != nil {
		p := *tail
		parent = &p
	}
	return Record{
		ID:        NewRecordID(),
		Host:      host,
		Tag:       tag,
		Parent:    parent,
		Timestamp: uint64(time.Now().UnixNano()),
		Version:   version,
		Data:      data,
	}
}

// Log returns the key of the log the record belongs to.
func (r Record) Log() LogKey {
	return LogKey{Host: r.Host, Tag: r.Tag}
}

// IsGenesis reports whether r is the first record of its log.
func (r Record) IsGenesis() bool {
	return r.Parent == nil
}

// Time returns the writer timestamp as a time.Time.
func (r Record) Time() time.Time {
	return time.Unix(0, int64(r.Timestamp))
}

// Equal reports whether two records are byte-identical.
func (r Record) Equal(o Record) bool {
	if r.ID != o.ID || r.Host != o.Host || r.Tag != o.Tag ||
		r.Timestamp != o.Timestamp || r.Version != o.Version {
		return false
	}
	if (r.Parent == nil) != (o.Parent == nil) {
		return false
	}
	if r.Parent != nil && *r.Parent != *o.Parent {
		return false
	}
	return bytes.Equal(r.Data, o.Data)
}

// Validate checks the fields every stored record must have.
func (r Record) Validate() error {
	switch {
	case r.ID.IsZero():
		return errors.New("record id is required")
	case r.Host.IsZero():
		return fmt.Errorf("record %s: host is required", r.ID)
	case r.Tag == "":
		return fmt.Errorf("record %s: tag is required", r.ID)
	case r.Version == "":
		return fmt.Errorf("record %s: version is required", r.ID)
	case r.Parent != nil && *r.Parent == r.ID:
		return fmt.Errorf("record %s: parent points at itself", r.ID)
	}
	return nil
}

// IsValidSuccessor reports whether candidate may be appended to a log whose
// current tail is tail (nil for an empty log).
func IsValidSuccessor(candidate Record, tail *RecordID) bool {
	if tail == nil {
		return candidate.Parent == nil
	}
	return candidate.Parent != nil && *candidate.Parent == *tail
}

// CheckSuccessor is IsValidSuccessor returning a *ChainError on mismatch.
func CheckSuccessor(candidate Record, tail *RecordID) error {
	if IsValidSuccessor(candidate, tail) {
		return nil
	}
	return &ChainError{
		Log:      candidate.Log(),
		Record:   candidate.ID,
		Expected: copyID(tail),
		Got:      copyID(candidate.Parent),
	}
}

func copyID(id *RecordID) *RecordID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

// IDString renders an optional id, "-" for nil.
func IDString(id *RecordID) string {
	if id == nil {
		return "-"
	}
	return id.String()
}
