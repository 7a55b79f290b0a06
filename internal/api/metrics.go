package api

import (
	"sync/atomic"
	"time"
)

type counter int

const (
	cRequests counter = iota
	cServerErrors
	cClientErrors
	cRecordsAccepted
	cPullRequests
	cThrottled
	numCounters
)

// Metrics is a set of process-lifetime counters served on /metricz.
type Metrics struct {
	start  time.Time
	counts [numCounters]atomic.Int64
}

// MetricsSnapshot is the /metricz response body.
type MetricsSnapshot struct {
	UptimeSeconds   float64 `json:"uptime_seconds"`
	Requests        int64   `json:"requests"`
	ServerErrors    int64   `json:"server_errors"`
	ClientErrors    int64   `json:"client_errors"`
	RecordsAccepted int64   `json:"records_accepted"`
	PullRequests    int64   `json:"pull_requests"`
	Throttled       int64   `json:"throttled"`
}

// NewMetrics starts the uptime clock.
func NewMetrics() *Metrics {
	return &Metrics{start: time.Now()}
}

func (m *Metrics) add(c counter, n int64) { m.counts[c].Add(n) }

// RecordRequest counts one served request.
func (m *Metrics) RecordRequest() { m.add(cRequests, 1) }

// RecordError counts a 5xx response.
func (m *Metrics) RecordError() { m.add(cServerErrors, 1) }

// RecordClientError counts a 4xx response.
func (m *Metrics) RecordClientError() { m.add(cClientErrors, 1) }

// RecordAccepted counts records newly stored by an append.
func (m *Metrics) RecordAccepted(n int64) { m.add(cRecordsAccepted, n) }

// RecordPullRequest counts a page read from /sync/records.
func (m *Metrics) RecordPullRequest() { m.add(cPullRequests, 1) }

// RecordThrottled counts a request refused by the rate limiter.
func (m *Metrics) RecordThrottled() { m.add(cThrottled, 1) }

// Snapshot reads every counter.
func (m *Metrics) Snapshot() MetricsSnapshot {
	get := func(c counter) int64 { return m.counts[c].Load() }
	return MetricsSnapshot{
		UptimeSeconds:   time.Since(m.start).Seconds(),
		Requests:        get(cRequests),
		ServerErrors:    get(cServerErrors),
		ClientErrors:    get(cClientErrors),
		RecordsAccepted: get(cRecordsAccepted),
		PullRequests:    get(cPullRequests),
		Throttled:       get(cThrottled),
	}
}
