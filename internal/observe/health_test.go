package observe

import (
	"errors"
	"testing"
	"time"
)

func TestHealthCheckTransitions(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	hc := NewHealthCheck(time.Hour)
	hc.now = func() time.Time { return now }
	hc.started = now

	if got := hc.Status(); got != HealthStatusHealthy {
		t.Fatalf("Expected healthy at start, got %s", got)
	}

	hc.RecordRefresh(errors.New("timeout"))
	if got := hc.Status(); got != HealthStatusDegraded {
		t.Errorf("Expected degraded after one failure, got %s", got)
	}

	hc.RecordRefresh(errors.New("timeout"))
	hc.RecordRefresh(errors.New("timeout"))
	if got := hc.Status(); got != HealthStatusUnhealthy {
		t.Errorf("Expected unhealthy after three failures, got %s", got)
	}
	if hc.Report()["last_refresh_error"] != "timeout" {
		t.Errorf("Expected last error in report, got %v", hc.Report())
	}

	hc.RecordRefresh(nil)
	if !hc.IsHealthy() {
		t.Errorf("Expected healthy after a success, got %s", hc.Status())
	}

	now = now.Add(2 * time.Hour)
	if got := hc.Status(); got != HealthStatusDegraded {
		t.Errorf("Expected degraded when the last refresh is stale, got %s", got)
	}
}

func TestHealthCheckWithoutAgeLimit(t *testing.T) {
	hc := NewHealthCheck(0)
	hc.now = func() time.Time { return time.Now().Add(1000 * time.Hour) }
	if !hc.IsHealthy() {
		t.Errorf("Expected healthy without an age limit, got %s", hc.Status())
	}
}

func TestCollectProcessStats(t *testing.T) {
	stats := CollectProcessStats()
	if stats.PID <= 0 {
		t.Errorf("Expected a pid, got %d", stats.PID)
	}
	if stats.Goroutines < 1 {
		t.Errorf("Expected at least one goroutine, got %d", stats.Goroutines)
	}
}
