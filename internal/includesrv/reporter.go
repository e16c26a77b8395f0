package includesrv

import (
	"sync"
	"time"
)

// FatalReporter delivers a bounded-rate out-of-band notice when a Fatal
// error terminates the process — grounded on
// original_source/include_server/basics.py's opt_send_email /
// MAX_EMAILS_TO_SEND bound, generalized from "email" to a pluggable
// interface since nothing in the corpus wires an SMTP client (spec.md
// §7: "logs, optionally emails a bounded-rate report, and terminates").
type FatalReporter interface {
	Report(reason string, cause error)
}

// RateLimitedReporter wraps a FatalReporter and drops reports once
// limit have been delivered, so a crash loop cannot flood whatever
// channel the wrapped reporter writes to.
type RateLimitedReporter struct {
	mu       sync.Mutex
	inner    FatalReporter
	limit    int
	sent     int
	interval time.Duration
	lastSent time.Time
}

func NewRateLimitedReporter(inner FatalReporter, limit int, interval time.Duration) *RateLimitedReporter {
	return &RateLimitedReporter{inner: inner, limit: limit, interval: interval}
}

func (r *RateLimitedReporter) Report(reason string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sent >= r.limit {
		return
	}
	if !r.lastSent.IsZero() && time.Since(r.lastSent) < r.interval {
		return
	}
	r.inner.Report(reason, cause)
	r.sent++
	r.lastSent = time.Now()
}

// LogReporter is the default FatalReporter: it writes through the same
// LoggerWrapper the rest of the process logs with, so a deployment with
// no external alerting channel configured still gets the report
// somewhere durable.
type LogReporter struct {
	Log interface {
		Error(v ...interface{})
	}
}

func (r LogReporter) Report(reason string, cause error) {
	if r.Log != nil {
		r.Log.Error("FATAL:", reason, cause)
	}
}
