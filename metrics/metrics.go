// Package metrics collects replication counters and renders a final
// report for a collection's migrate/cdc/verify run.
package metrics

import (
	"fmt"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
)

// Stats collects the running counters for a single collection's
// replication. All fields are updated atomically so a worker goroutine
// and a progress reporter can share one instance safely.
type Stats struct {
	synced              int64
	updated             int64
	deleted             int64
	verificationFailure int64
	errors              int64

	startTime time.Time
	lastError atomic.Value // string
}

// New creates a Stats instance with its start time set to now.
func New() *Stats {
	return &Stats{startTime: time.Now()}
}

// RecordSynced increments the count of documents copied or upserted.
func (s *Stats) RecordSynced(n int64) {
	atomic.AddInt64(&s.synced, n)
}

// RecordUpdated increments the count of documents updated via CDC.
func (s *Stats) RecordUpdated(n int64) {
	atomic.AddInt64(&s.updated, n)
}

// RecordDeleted increments the count of documents removed via
// reconciliation.
func (s *Stats) RecordDeleted(n int64) {
	atomic.AddInt64(&s.deleted, n)
}

// RecordVerificationFailure increments the count of failed verification
// checks (count mismatch, index mismatch, or content mismatch).
func (s *Stats) RecordVerificationFailure() {
	atomic.AddInt64(&s.verificationFailure, 1)
}

// RecordError increments the error counter and remembers err's message
// as the last error seen.
func (s *Stats) RecordError(err error) {
	atomic.AddInt64(&s.errors, 1)
	if err != nil {
		s.lastError.Store(err.Error())
	}
}

// Report is a point-in-time snapshot of Stats, serializable to JSON for
// stdout or upload via the report package.
type Report struct {
	Collection string `json:"collection,omitempty"`

	Synced               int64  `json:"synced"`
	Updated              int64  `json:"updated"`
	Deleted              int64  `json:"deleted"`
	VerificationFailures int64  `json:"verification_failures"`
	Errors               int64  `json:"errors"`
	LastError            string `json:"last_error,omitempty"`

	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	Duration   time.Duration `json:"-"`
	Throughput float64       `json:"throughput"`
}

// Snapshot renders the current counters as a Report for collection.
func (s *Stats) Snapshot(collection string) Report {
	end := time.Now()
	duration := end.Sub(s.startTime)

	var throughput float64
	synced := atomic.LoadInt64(&s.synced)
	if duration > 0 {
		throughput = float64(synced) / duration.Seconds()
	}

	var lastErr string
	if v := s.lastError.Load(); v != nil {
		lastErr = v.(string)
	}

	return Report{
		Collection:           collection,
		Synced:               synced,
		Updated:              atomic.LoadInt64(&s.updated),
		Deleted:              atomic.LoadInt64(&s.deleted),
		VerificationFailures: atomic.LoadInt64(&s.verificationFailure),
		Errors:               atomic.LoadInt64(&s.errors),
		LastError:            lastErr,
		StartTime:            s.startTime,
		EndTime:              end,
		Duration:             duration,
		Throughput:           throughput,
	}
}

// MarshalJSON renders Duration as a human-readable string alongside the
// numeric fields, matching the report package's output.
func (r Report) MarshalJSON() ([]byte, error) {
	type Alias Report
	return json.Marshal(&struct {
		Alias
		Duration string `json:"duration"`
	}{
		Alias:    Alias(r),
		Duration: r.Duration.String(),
	})
}

// String renders a human-readable summary line for console output.
func (r Report) String() string {
	return fmt.Sprintf(
		"%s: synced=%d updated=%d deleted=%d verification_failures=%d errors=%d duration=%s throughput=%.2f/s",
		r.Collection, r.Synced, r.Updated, r.Deleted, r.VerificationFailures, r.Errors, r.Duration, r.Throughput,
	)
}
