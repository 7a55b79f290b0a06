package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/marcus/histsync/internal/db"
	"github.com/marcus/histsync/internal/record"
	"github.com/marcus/histsync/internal/syncclient"
)

// HTTPRemote adapts *syncclient.Client to Remote.
type HTTPRemote struct {
	client *syncclient.Client
}

// NewHTTPRemote wraps c.
func NewHTTPRemote(c *syncclient.Client) *HTTPRemote {
	return &HTTPRemote{client: c}
}

// Tails implements Remote.
func (r *HTTPRemote) Tails(ctx context.Context) (TailMap, error) {
	resp, err := r.client.Tails(ctx)
	if err != nil {
		return nil, err
	}
	out := make(TailMap, len(resp.Tails))
	for _, t := range resp.Tails {
		host, err := record.ParseHostID(t.Host)
		if err != nil {
			return nil, fmt.Errorf("server tail map: %w", err)
		}
		st := db.LogStatus{Count: t.Count}
		if t.Tail != nil {
			if st.Tail, err = record.ParseRecordID(*t.Tail); err != nil {
				return nil, fmt.Errorf("server tail map: %w", err)
			}
		}
		if st.Count == 0 {
			continue
		}
		out[record.LogKey{Host: host, Tag: t.Tag}] = st
	}
	return out, nil
}

// Records implements Remote.
func (r *HTTPRemote) Records(ctx context.Context, log record.LogKey, after *record.RecordID, limit int) ([]record.Record, error) {
	a := ""
	if after != nil {
		a = after.String()
	}
	resp, err := r.client.Records(ctx, log.Host.String(), log.Tag, a, limit)
	if errors.Is(err, syncclient.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrUnknownRecord, err)
	}
	if err != nil {
		return nil, err
	}
	out := make([]record.Record, 0, len(resp.Records))
	for _, w := range resp.Records {
		rec, err := syncclient.FromWire(w)
		if err != nil {
			return nil, &ReconcileError{Log: log, Err: err}
		}
		out = append(out, rec)
	}
	return out, nil
}

// Post implements Remote.
func (r *HTTPRemote) Post(ctx context.Context, recs []record.Record) (int, error) {
	wire := make([]syncclient.WireRecord, len(recs))
	for i, rec := range recs {
		wire[i] = syncclient.ToWire(rec)
	}
	resp, err := r.client.PostRecords(ctx, wire)

	var ce *syncclient.ConflictError
	if errors.As(err, &ce) && ce.Code == syncclient.CodeDuplicate {
		return 0, fmt.Errorf("%w: %s", record.ErrDuplicate, ce.Message)
	}
	if errors.As(err, &ce) {
		conflict := &ConflictError{}
		if id, perr := record.ParseRecordID(ce.RecordID); perr == nil {
			conflict.Record = id
		}
		if ce.Tail != nil {
			tail, perr := record.ParseRecordID(*ce.Tail)
			if perr != nil {
				return 0, fmt.Errorf("conflict with unparseable tail: %w", err)
			}
			conflict.Tail = &tail
		}
		return 0, conflict
	}
	if err != nil {
		return 0, err
	}
	return resp.Accepted, nil
}
