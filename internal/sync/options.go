package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/marcus/histsync/internal/syncclient"
)

// Default option values.
const (
	DefaultConcurrency    = 4
	DefaultPageSize       = 100
	DefaultPageTimeout    = 30 * time.Second
	DefaultMaxCorrections = 3
)

// Retry bounds retries of a single page request.
type Retry struct {
	Attempts int           // total attempts, including the first
	Initial  time.Duration // first backoff
	Max      time.Duration // backoff cap
}

// Options tunes a Syncer.
type Options struct {
	Concurrency    int           // logs reconciled in parallel
	PageSize       int           // records per request
	PageTimeout    time.Duration // bound on one page request
	Retry          Retry
	MaxCorrections int // push conflicts tolerated per log

	// IsTemporary classifies errors worth retrying. Defaults to
	// syncclient.IsTemporary.
	IsTemporary func(error) bool
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.PageTimeout <= 0 {
		o.PageTimeout = DefaultPageTimeout
	}
	if o.Retry.Attempts <= 0 {
		o.Retry.Attempts = 4
	}
	if o.Retry.Initial <= 0 {
		o.Retry.Initial = 200 * time.Millisecond
	}
	if o.Retry.Max <= 0 {
		o.Retry.Max = 5 * time.Second
	}
	if o.MaxCorrections <= 0 {
		o.MaxCorrections = DefaultMaxCorrections
	}
	if o.IsTemporary == nil {
		o.IsTemporary = syncclient.IsTemporary
	}
	return o
}

// retry runs fn with a per-attempt timeout, backing off exponentially
// between temporary failures. Cancellation of ctx ends it immediately.
func (s *Syncer) retry(ctx context.Context, fn func(context.Context) error) error {
	backoff := s.opts.Retry.Initial
	var err error
	for attempt := 1; ; attempt++ {
		pageCtx, cancel := context.WithTimeout(ctx, s.opts.PageTimeout)
		err = fn(pageCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		timedOut := errors.Is(err, context.DeadlineExceeded)
		if !timedOut && !s.opts.IsTemporary(err) {
			return err
		}
		if attempt >= s.opts.Retry.Attempts {
			return err
		}

		slog.Debug("sync: retrying", "attempt", attempt, "backoff", backoff, "err", err)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
		if backoff > s.opts.Retry.Max {
			backoff = s.opts.Retry.Max
		}
	}
}
