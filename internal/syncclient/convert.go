package syncclient

import (
	"fmt"

	"github.com/marcus/histsync/internal/record"
)

// ToWire converts a record for transport.
func ToWire(r record.Record) WireRecord {
	w := WireRecord{
		ID:        r.ID.String(),
		Host:      r.Host.String(),
		Tag:       r.Tag,
		Timestamp: r.Timestamp,
		Version:   r.Version,
		Data:      r.Data,
	}
	if r.Parent != nil {
		p := r.Parent.String()
		w.Parent = &p
	}
	return w
}

// FromWire parses a transported record.
func FromWire(w WireRecord) (record.Record, error) {
	id, err := record.ParseRecordID(w.ID)
	if err != nil {
		return record.Record{}, err
	}
	host, err := record.ParseHostID(w.Host)
	if err != nil {
		return record.Record{}, err
	}
	r := record.Record{
		ID:        id,
		Host:      host,
		Tag:       w.Tag,
		Timestamp: w.Timestamp,
		Version:   w.Version,
		Data:      w.Data,
	}
	if w.Parent != nil {
		p, err := record.ParseRecordID(*w.Parent)
		if err != nil {
			return record.Record{}, fmt.Errorf("record %s: %w", w.ID, err)
		}
		r.Parent = &p
	}
	if err := r.Validate(); err != nil {
		return record.Record{}, err
	}
	return r, nil
}
