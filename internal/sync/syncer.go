// Package sync reconciles the local record store with the relay, log by
// log. Logs are independent and run concurrently; a single log is always
// pulled or pushed sequentially, one page at a time.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/marcus/histsync/internal/crypto"
	"github.com/marcus/histsync/internal/db"
	"github.com/marcus/histsync/internal/journal"
	"github.com/marcus/histsync/internal/record"
	"golang.org/x/sync/errgroup"
)

// Local is the part of the local store the syncer uses.
type Local interface {
	Status(ctx context.Context) (map[record.LogKey]db.LogStatus, error)
	RangeSince(ctx context.Context, host record.HostID, tag string, after *record.RecordID, limit int) ([]record.Record, error)
	Get(ctx context.Context, id record.RecordID) (record.Record, error)
	AppendBatch(ctx context.Context, recs []record.Record) (int, error)
	RecordSyncOutcome(ctx context.Context, log record.LogKey, outcome, detail string) error
}

// Remote is the relay as seen by the syncer.
type Remote interface {
	Tails(ctx context.Context) (TailMap, error)
	Records(ctx context.Context, log record.LogKey, after *record.RecordID, limit int) ([]record.Record, error)
	Post(ctx context.Context, recs []record.Record) (int, error)
}

// Syncer runs sync cycles for one account.
type Syncer struct {
	local  Local
	remote Remote
	key    *crypto.Key
	opts   Options
}

// New returns a syncer. Zero option fields take their defaults.
func New(local Local, remote Remote, key *crypto.Key, opts Options) *Syncer {
	return &Syncer{local: local, remote: remote, key: key, opts: opts.withDefaults()}
}

// Plan compares local and remote tail maps without transferring records.
func (s *Syncer) Plan(ctx context.Context) ([]Plan, error) {
	local, remote, err := s.tailMaps(ctx)
	if err != nil {
		return nil, err
	}
	var out []Plan
	for _, log := range union(local, remote) {
		out = append(out, plan(log, local[log], remote[log]))
	}
	return out, nil
}

func (s *Syncer) tailMaps(ctx context.Context) (TailMap, TailMap, error) {
	var remote TailMap
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		remote, err = s.remote.Tails(ctx)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("fetch server tails: %w", err)
	}
	local, err := s.local.Status(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("read local tails: %w", err)
	}
	return local, remote, nil
}

// Sync runs one cycle. The returned error covers only failures that stop
// the whole cycle (server unreachable, cancellation); per-log failures are
// in the report.
func (s *Syncer) Sync(ctx context.Context) (*Report, error) {
	report := &Report{Logs: make(map[record.LogKey]LogResult), Started: time.Now()}

	local, remote, err := s.tailMaps(ctx)
	if err != nil {
		return report, err
	}

	var mu gosync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.opts.Concurrency)
	for _, log := range union(local, remote) {
		p := plan(log, local[log], remote[log])
		g.Go(func() error {
			res := s.syncLog(ctx, p)
			s.recordOutcome(ctx, res)
			mu.Lock()
			report.Logs[log] = res
			mu.Unlock()
			return nil
		})
	}
	// Per-log failures land in the report; the goroutines never return one.
	_ = g.Wait()
	report.Finished = time.Now()

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (s *Syncer) syncLog(ctx context.Context, p Plan) LogResult {
	res := LogResult{Log: p.Log, Outcome: p.Action}
	logger := slog.With("log", p.Log.String())

	switch p.Action {
	case InSync:
		if p.Local.Count > 0 {
			res.Err = s.checkTail(ctx, p)
		}
	case Fork:
		res.Err = &ForkError{Log: p.Log, Local: p.Local, Remote: p.Remote}
	case Pulled:
		res.Pulled, res.Err = s.pull(ctx, p)
	case Pushed:
		res.Pushed, res.Err = s.push(ctx, p)
	}

	var fork *ForkError
	switch {
	case res.Err == nil:
		logger.Debug("sync: log reconciled", "outcome", res.Outcome, "pulled", res.Pulled, "pushed", res.Pushed)
	case errors.As(res.Err, &fork):
		res.Outcome = Fork
		logger.Warn("sync: fork detected", "err", res.Err)
	default:
		res.Outcome = Failed
		logger.Warn("sync: log failed", "pulled", res.Pulled, "pushed", res.Pushed, "err", res.Err)
	}
	return res
}

func (s *Syncer) recordOutcome(ctx context.Context, res LogResult) {
	detail := ""
	if res.Err != nil {
		detail = res.Err.Error()
	}
	if err := s.local.RecordSyncOutcome(context.WithoutCancel(ctx), res.Log, string(res.Outcome), detail); err != nil {
		slog.Warn("sync: record outcome", "log", res.Log.String(), "err", err)
	}
}

// pull fetches records after the local tail until the local count reaches
// the remote count. Every record is checked against the running local tail
// and must decrypt; a page is committed up to the first bad record.
func (s *Syncer) pull(ctx context.Context, p Plan) (int, error) {
	var tail *record.RecordID
	if p.Local.Count > 0 {
		t := p.Local.Tail
		tail = &t
	}
	count := p.Local.Count
	pulled := 0

	for count < p.Remote.Count {
		if err := ctx.Err(); err != nil {
			return pulled, err
		}

		var page []record.Record
		err := s.retry(ctx, func(ctx context.Context) error {
			var err error
			page, err = s.remote.Records(ctx, p.Log, tail, s.opts.PageSize)
			return err
		})
		if errors.Is(err, ErrUnknownRecord) {
			// The server does not know our tail: the chains diverged.
			return pulled, &ForkError{Log: p.Log, Local: p.Local, Remote: p.Remote}
		}
		if err != nil {
			return pulled, fmt.Errorf("pull %s: %w", p.Log, err)
		}
		if len(page) == 0 {
			return pulled, fmt.Errorf("pull %s: %w: server returned no records after %d of %d",
				p.Log, ErrIncomplete, count, p.Remote.Count)
		}

		valid, verr := s.validPrefix(p.Log, tail, page)
		if len(valid) > 0 {
			if _, err := s.local.AppendBatch(ctx, valid); err != nil {
				return pulled, &ReconcileError{Log: p.Log, Record: valid[0].ID, Err: err}
			}
			pulled += len(valid)
			count += int64(len(valid))
			id := valid[len(valid)-1].ID
			tail = &id
		}
		if verr != nil {
			return pulled, verr
		}
	}
	return pulled, nil
}

// validPrefix returns the longest prefix of page that extends tail, and a
// *ReconcileError for the first record that does not.
func (s *Syncer) validPrefix(log record.LogKey, tail *record.RecordID, page []record.Record) ([]record.Record, error) {
	for i, rec := range page {
		if err := s.validate(log, tail, rec); err != nil {
			return page[:i], &ReconcileError{Log: log, Record: rec.ID, Err: err}
		}
		id := rec.ID
		tail = &id
	}
	return page, nil
}

func (s *Syncer) validate(log record.LogKey, tail *record.RecordID, rec record.Record) error {
	if rec.Log() != log {
		return fmt.Errorf("record belongs to %s", rec.Log())
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := record.CheckSuccessor(rec, tail); err != nil {
		return err
	}
	if _, err := journal.Open(s.key, rec); err != nil {
		return err
	}
	return nil
}

// push sends local records after the remote tail. A conflict moves the
// starting point to the tail the remote reports, a bounded number of times.
func (s *Syncer) push(ctx context.Context, p Plan) (int, error) {
	var after *record.RecordID
	if p.Remote.Count > 0 {
		t := p.Remote.Tail
		after = &t
	}
	pushed := 0
	corrections := 0

	for {
		if err := ctx.Err(); err != nil {
			return pushed, err
		}

		page, err := s.local.RangeSince(ctx, p.Log.Host, p.Log.Tag, after, s.opts.PageSize)
		if errors.Is(err, db.ErrNotFound) {
			// The remote tail is not part of our chain.
			return pushed, &ForkError{Log: p.Log, Local: p.Local, Remote: p.Remote}
		}
		if err != nil {
			return pushed, fmt.Errorf("read %s: %w", p.Log, err)
		}
		if len(page) == 0 {
			return pushed, nil
		}

		var accepted int
		err = s.retry(ctx, func(ctx context.Context) error {
			var err error
			accepted, err = s.remote.Post(ctx, page)
			return err
		})

		var conflict *ConflictError
		if errors.As(err, &conflict) {
			corrections++
			if corrections > s.opts.MaxCorrections {
				return pushed, fmt.Errorf("push %s: giving up after %d corrections: %w", p.Log, corrections-1, err)
			}
			if conflict.Tail == nil {
				tail, terr := s.serverTail(ctx, p.Log)
				if terr != nil {
					return pushed, fmt.Errorf("push %s: refetch tail: %w", p.Log, terr)
				}
				conflict.Tail = tail
			}
			if sameID(conflict.Tail, after) {
				// The remote already agrees on the starting point; resending cannot help.
				return pushed, fmt.Errorf("push %s: %w", p.Log, err)
			}
			slog.Info("sync: push conflict, resuming from server tail", "log", p.Log.String(), "tail", record.IDString(conflict.Tail))
			after = conflict.Tail
			continue
		}
		if err != nil {
			return pushed, fmt.Errorf("push %s: %w", p.Log, err)
		}

		pushed += accepted
		id := page[len(page)-1].ID
		after = &id
	}
}

// checkTail compares the local tail with the server's record of the same
// id. Equal ids over different bytes mean two writers forked the log.
func (s *Syncer) checkTail(ctx context.Context, p Plan) error {
	mine, err := s.local.Get(ctx, p.Local.Tail)
	if err != nil {
		return fmt.Errorf("read local tail of %s: %w", p.Log, err)
	}
	var page []record.Record
	err = s.retry(ctx, func(ctx context.Context) error {
		var err error
		page, err = s.remote.Records(ctx, p.Log, mine.Parent, 1)
		return err
	})
	if errors.Is(err, ErrUnknownRecord) {
		return &ForkError{Log: p.Log, Local: p.Local, Remote: p.Remote, Reason: "server lacks the tail's parent"}
	}
	if err != nil {
		return fmt.Errorf("check tail of %s: %w", p.Log, err)
	}
	if len(page) == 0 || !page[0].Equal(mine) {
		return &ForkError{Log: p.Log, Local: p.Local, Remote: p.Remote, Reason: "tail content differs"}
	}
	return nil
}

// serverTail asks the remote for the current tail of one log; nil when the
// server holds no records for it.
func (s *Syncer) serverTail(ctx context.Context, log record.LogKey) (*record.RecordID, error) {
	var tails TailMap
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		tails, err = s.remote.Tails(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	st, ok := tails[log]
	if !ok || st.Count == 0 {
		return nil, nil
	}
	return &st.Tail, nil
}

func sameID(a, b *record.RecordID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func union(local, remote TailMap) []record.LogKey {
	seen := make(map[record.LogKey]bool, len(local)+len(remote))
	var out []record.LogKey
	for _, m := range []TailMap{local, remote} {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}
