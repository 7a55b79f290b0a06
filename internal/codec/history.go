package codec

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// History ops.
const (
	HistoryCreate = "create"
	HistoryDelete = "delete"
)

// HistoryEntry is one executed shell command.
type HistoryEntry struct {
	ID        string
	Timestamp int64 // unix nanoseconds
	Duration  int64 // nanoseconds, -1 when unknown
	Exit      int64
	Command   string
	Cwd       string
	Session   string
	Hostname  string
}

// HistoryOp is either a created entry or the deletion of an entry id.
type HistoryOp struct {
	Op    string
	Entry HistoryEntry // only ID is set for deletions
}

// HistoryCodec encodes history records. Creations are
// [create, id, timestamp, duration, exit, command, cwd, session, hostname],
// deletions are [delete, id].
var HistoryCodec = NewRegistry("history", "v0", encodeHistoryV0).
	Register("v0", decodeHistoryV0)

const (
	historyCreateFields = 9
	historyDeleteFields = 2
)

func encodeHistoryV0(enc *msgpack.Encoder, h HistoryOp) error {
	e := h.Entry
	switch h.Op {
	case HistoryDelete:
		if err := enc.EncodeArrayLen(historyDeleteFields); err != nil {
			return err
		}
		if err := enc.EncodeString(h.Op); err != nil {
			return err
		}
		return enc.EncodeString(e.ID)
	case HistoryCreate:
	default:
		return fmt.Errorf("unknown history op %q", h.Op)
	}

	if err := enc.EncodeArrayLen(historyCreateFields); err != nil {
		return err
	}
	for _, s := range []string{h.Op, e.ID} {
		if err := enc.EncodeString(s); err != nil {
			return err
		}
	}
	for _, n := range []int64{e.Timestamp, e.Duration, e.Exit} {
		if err := enc.EncodeInt(n); err != nil {
			return err
		}
	}
	for _, s := range []string{e.Command, e.Cwd, e.Session, e.Hostname} {
		if err := enc.EncodeString(s); err != nil {
			return err
		}
	}
	return nil
}

func decodeHistoryV0(dec *msgpack.Decoder) (HistoryOp, error) {
	n, err := ReadHeader(dec, historyCreateFields, historyDeleteFields)
	if err != nil {
		return HistoryOp{}, err
	}
	var h HistoryOp
	if h.Op, err = dec.DecodeString(); err != nil {
		return HistoryOp{}, err
	}
	switch {
	case h.Op == HistoryDelete && n == historyDeleteFields:
	case h.Op == HistoryCreate && n == historyCreateFields:
	default:
		return HistoryOp{}, fmt.Errorf("%w: op %q with %d fields", ErrMalformed, h.Op, n)
	}
	if h.Entry.ID, err = dec.DecodeString(); err != nil {
		return HistoryOp{}, err
	}
	if h.Op == HistoryDelete {
		return h, nil
	}

	e := &h.Entry
	for _, p := range []*int64{&e.Timestamp, &e.Duration, &e.Exit} {
		if *p, err = dec.DecodeInt64(); err != nil {
			return HistoryOp{}, err
		}
	}
	for _, p := range []*string{&e.Command, &e.Cwd, &e.Session, &e.Hostname} {
		if *p, err = dec.DecodeString(); err != nil {
			return HistoryOp{}, err
		}
	}
	return h, nil
}
