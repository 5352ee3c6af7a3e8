package observe

import (
	"sync"
	"time"
)

// HealthStatus represents the health state of the bot
type HealthStatus int

const (
	HealthStatusHealthy HealthStatus = iota
	HealthStatusDegraded
	HealthStatusUnhealthy
)

// String returns string representation of health status
func (hs HealthStatus) String() string {
	switch hs {
	case HealthStatusHealthy:
		return "healthy"
	case HealthStatusDegraded:
		return "degraded"
	case HealthStatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// HealthCheck tracks contest refresh outcomes
type HealthCheck struct {
	mu sync.RWMutex

	started time.Time

	lastSuccessfulRefresh      time.Time
	lastRefreshError           string
	consecutiveRefreshFailures int
	totalRefreshFailures       int64

	// Thresholds
	maxConsecutiveFailures int
	maxRefreshAge          time.Duration

	now func() time.Time
}

// NewHealthCheck creates a health check. A refresh older than maxRefreshAge
// marks the bot degraded; zero disables the age check.
func NewHealthCheck(maxRefreshAge time.Duration) *HealthCheck {
	return &HealthCheck{
		started:                time.Now(),
		maxConsecutiveFailures: 3,
		maxRefreshAge:          maxRefreshAge,
		now:                    time.Now,
	}
}

// RecordRefresh records the outcome of a contest check
func (hc *HealthCheck) RecordRefresh(err error) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	if err == nil {
		hc.lastSuccessfulRefresh = hc.now()
		hc.consecutiveRefreshFailures = 0
		hc.lastRefreshError = ""
		return
	}
	hc.consecutiveRefreshFailures++
	hc.totalRefreshFailures++
	hc.lastRefreshError = err.Error()
}

// Status derives the current health status
func (hc *HealthCheck) Status() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.status()
}

// status must be called with lock held
func (hc *HealthCheck) status() HealthStatus {
	if hc.consecutiveRefreshFailures >= hc.maxConsecutiveFailures {
		return HealthStatusUnhealthy
	}
	if hc.consecutiveRefreshFailures > 0 {
		return HealthStatusDegraded
	}
	if hc.maxRefreshAge > 0 {
		since := hc.lastSuccessfulRefresh
		if since.IsZero() {
			since = hc.started
		}
		if hc.now().Sub(since) > hc.maxRefreshAge {
			return HealthStatusDegraded
		}
	}
	return HealthStatusHealthy
}

// IsHealthy returns true if the bot is healthy
func (hc *HealthCheck) IsHealthy() bool {
	return hc.Status() == HealthStatusHealthy
}

// Report returns a detailed health report
func (hc *HealthCheck) Report() map[string]interface{} {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	report := map[string]interface{}{
		"status":                       hc.status().String(),
		"uptime":                       hc.now().Sub(hc.started).Round(time.Second).String(),
		"consecutive_refresh_failures": hc.consecutiveRefreshFailures,
		"total_refresh_failures":       hc.totalRefreshFailures,
	}
	if !hc.lastSuccessfulRefresh.IsZero() {
		report["last_successful_refresh"] = hc.lastSuccessfulRefresh.UTC().Format(time.RFC3339)
	}
	if hc.lastRefreshError != "" {
		report["last_refresh_error"] = hc.lastRefreshError
	}
	return report
}
