package sync

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/marcus/histsync/internal/db"
	"github.com/marcus/histsync/internal/record"
)

// Outcome is the result of reconciling one log.
type Outcome string

const (
	InSync Outcome = "in_sync"
	Pulled Outcome = "pulled"
	Pushed Outcome = "pushed"
	Fork   Outcome = "fork"
	Failed Outcome = "failed"
)

// TailMap is the shape both sides report: tail and count per log.
type TailMap map[record.LogKey]db.LogStatus

// LogResult summarises what a cycle did to one log.
type LogResult struct {
	Log     record.LogKey
	Outcome Outcome
	Pulled  int
	Pushed  int
	Err     error
}

// Report is the result of one sync cycle.
type Report struct {
	Logs     map[record.LogKey]LogResult
	Started  time.Time
	Finished time.Time
}

// Sorted returns the per-log results ordered by log key.
func (r *Report) Sorted() []LogResult {
	out := make([]LogResult, 0, len(r.Logs))
	for _, lr := range r.Logs {
		out = append(out, lr)
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].Log.String() < out[b].Log.String()
	})
	return out
}

// Totals returns the number of records pulled and pushed.
func (r *Report) Totals() (pulled, pushed int) {
	for _, lr := range r.Logs {
		pulled += lr.Pulled
		pushed += lr.Pushed
	}
	return pulled, pushed
}

// Err joins the errors of every failed or forked log.
func (r *Report) Err() error {
	var errs []error
	for _, lr := range r.Sorted() {
		if lr.Err != nil {
			errs = append(errs, lr.Err)
		}
	}
	return errors.Join(errs...)
}

// ReconcileError reports a pulled record that failed validation. Nothing
// at or after Record was appended.
type ReconcileError struct {
	Log    record.LogKey
	Record record.RecordID
	Err    error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("reconcile %s: record %s: %v", e.Log, e.Record, e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

// ForkError reports a log whose local and remote chains diverged.
type ForkError struct {
	Log    record.LogKey
	Local  db.LogStatus
	Remote db.LogStatus
	Reason string // set when the tail maps alone looked consistent
}

func (e *ForkError) Error() string {
	msg := fmt.Sprintf("fork in %s: local tail %s (%d records), server tail %s (%d records)",
		e.Log, e.Local.Tail, e.Local.Count, e.Remote.Tail, e.Remote.Count)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// ConflictError is a push refused by the remote because its tail differs
// from the pushed record's parent.
type ConflictError struct {
	Record record.RecordID
	Tail   *record.RecordID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote refused %s: remote tail is %s", e.Record, record.IDString(e.Tail))
}

// ErrUnknownRecord is returned by a Remote asked to read after a record it
// does not have.
var ErrUnknownRecord = errors.New("record unknown to remote")

// ErrIncomplete reports a pull that ran out of records before reaching the
// count in the server's tail map.
var ErrIncomplete = errors.New("sync incomplete")

// Plan is what a cycle would do to one log.
type Plan struct {
	Log    record.LogKey
	Local  db.LogStatus
	Remote db.LogStatus
	Action Outcome // InSync, Pulled, Pushed or Fork
}

func plan(log record.LogKey, local, remote db.LogStatus) Plan {
	p := Plan{Log: log, Local: local, Remote: remote}
	switch {
	case local.Count < remote.Count:
		p.Action = Pulled
	case local.Count > remote.Count:
		p.Action = Pushed
	case local.Tail != remote.Tail:
		p.Action = Fork
	default:
		p.Action = InSync
	}
	return p
}
