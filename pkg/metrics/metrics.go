package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/expfmt"
)

const namespace = "cfbot"

// Metrics holds the bot's Prometheus collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry
	started  time.Time

	RemindersSent     *prometheus.CounterVec
	RemindersFailed   *prometheus.CounterVec
	RemindersSkipped  *prometheus.CounterVec
	SubscribersPruned prometheus.Counter
	ContestFetches    *prometheus.CounterVec
	ContestFetchTime  prometheus.Histogram
	ScheduledJobs     prometheus.Gauge
	MissedJobs        prometheus.Counter
	CommandsHandled   *prometheus.CounterVec

	httpRequestBytes  *prometheus.CounterVec
	httpResponseBytes *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
}

// New creates and registers all collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		started:  time.Now(),
		RemindersSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_sent_total",
			Help:      "Reminder messages delivered, by interval",
		}, []string{"interval"}),
		RemindersFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_failed_total",
			Help:      "Reminder messages that could not be delivered, by interval",
		}, []string{"interval"}),
		RemindersSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_skipped_total",
			Help:      "Reminder runs skipped, by reason",
		}, []string{"reason"}),
		SubscribersPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribers_pruned_total",
			Help:      "Subscribers removed because their chat is no longer reachable",
		}),
		ContestFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contest_fetches_total",
			Help:      "Codeforces contest list requests, by result",
		}, []string{"result"}),
		ContestFetchTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "contest_fetch_duration_seconds",
			Help:      "Latency of Codeforces contest list requests",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		ScheduledJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduled_reminders",
			Help:      "Reminder jobs currently waiting to fire",
		}),
		MissedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_misfired_total",
			Help:      "Reminder jobs dropped because they ran later than the misfire grace time",
		}),
		CommandsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Telegram commands handled, by command",
		}, []string{"command"}),
		httpRequestBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_http_request_bytes_total",
			Help:      "Bytes received by the admin API",
		}, []string{"method", "route"}),
		httpResponseBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_http_response_bytes_total",
			Help:      "Bytes sent by the admin API",
		}, []string{"method", "route", "status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_http_requests_total",
			Help:      "Admin API requests",
		}, []string{"method", "route", "status"}),
	}

	m.registry.MustRegister(
		m.RemindersSent,
		m.RemindersFailed,
		m.RemindersSkipped,
		m.SubscribersPruned,
		m.ContestFetches,
		m.ContestFetchTime,
		m.ScheduledJobs,
		m.MissedJobs,
		m.CommandsHandled,
		m.httpRequestBytes,
		m.httpResponseBytes,
		m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the bot started",
		}, func() float64 { return time.Since(m.started).Seconds() }),
	)

	return m
}

// Registry exposes the underlying registry (tests, extra collectors)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// TrackSubscribers exports a gauge that queries count on every scrape
func (m *Metrics) TrackSubscribers(count func() (int, error)) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscribers",
		Help:      "Chats currently subscribed to reminders",
	}, func() float64 {
		n, err := count()
		if err != nil {
			return -1
		}
		return float64(n)
	}))
}

// ServeHTTP writes all metric families in the Prometheus text format
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	families, err := m.registry.Gather()
	if err != nil {
		http.Error(w, fmt.Sprintf("gather metrics: %v", err), http.StatusInternalServerError)
		return
	}

	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, format)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			http.Error(w, fmt.Sprintf("encode metrics: %v", err), http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", string(format))
	w.Write(buf.Bytes())
}

// RouteFunc names the route of a request for metric labels
type RouteFunc func(*http.Request) string

// Middleware counts admin API requests and bytes in/out
func (m *Metrics) Middleware(route RouteFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name := route(r)
			if r.ContentLength > 0 {
				m.httpRequestBytes.WithLabelValues(r.Method, name).Add(float64(r.ContentLength))
			}

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			status := strconv.Itoa(rw.statusCode)
			m.httpRequests.WithLabelValues(r.Method, name, status).Inc()
			if rw.bytesWritten > 0 {
				m.httpResponseBytes.WithLabelValues(r.Method, name, status).Add(float64(rw.bytesWritten))
			}
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	bytesWritten int
	statusCode   int
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}
