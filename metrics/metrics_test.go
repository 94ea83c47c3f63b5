package metrics

import (
	"errors"
	"testing"
	"time"
)

func TestStatsHappyPath(t *testing.T) {
	s := New()

	s.RecordSynced(2)
	s.RecordUpdated(1)
	s.RecordDeleted(1)
	s.RecordVerificationFailure()
	s.RecordError(errors.New("boom"))

	time.Sleep(10 * time.Millisecond)

	report := s.Snapshot("orders")

	if report.Synced != 2 {
		t.Errorf("expected synced 2, got %d", report.Synced)
	}
	if report.Updated != 1 {
		t.Errorf("expected updated 1, got %d", report.Updated)
	}
	if report.Deleted != 1 {
		t.Errorf("expected deleted 1, got %d", report.Deleted)
	}
	if report.VerificationFailures != 1 {
		t.Errorf("expected 1 verification failure, got %d", report.VerificationFailures)
	}
	if report.Errors != 1 {
		t.Errorf("expected 1 error, got %d", report.Errors)
	}
	if report.LastError != "boom" {
		t.Errorf("expected last error %q, got %q", "boom", report.LastError)
	}
	if report.Duration < 10*time.Millisecond {
		t.Errorf("expected duration >= 10ms, got %v", report.Duration)
	}
	if report.Throughput <= 0 {
		t.Errorf("expected positive throughput, got %f", report.Throughput)
	}
	if report.String() == "" {
		t.Error("expected non-empty string representation")
	}
}

func TestStatsZeroDuration(t *testing.T) {
	s := New()
	report := s.Snapshot("orders")
	if report.Synced != 0 {
		t.Errorf("expected 0 synced, got %d", report.Synced)
	}
	if report.LastError != "" {
		t.Errorf("expected empty last error, got %q", report.LastError)
	}
}
