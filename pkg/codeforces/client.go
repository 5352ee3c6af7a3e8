package codeforces

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/psantana5/cf-reminder/pkg/logging"
	"github.com/psantana5/cf-reminder/pkg/metrics"
	"github.com/psantana5/cf-reminder/pkg/models"
	"github.com/psantana5/cf-reminder/pkg/retry"
	"github.com/psantana5/cf-reminder/pkg/tracing"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public Codeforces API host
const DefaultBaseURL = "https://codeforces.com"

// Config configures the Codeforces API client.
type Config struct {
	// BaseURL is the API host, without the /api suffix.
	BaseURL string

	// Timeout for a single request (default: 15s).
	Timeout time.Duration

	// RateLimit in requests per second (default: 0.5, the documented API limit).
	RateLimit float64

	// RateBurst maximum burst size (default: 1).
	RateBurst int

	// CacheTTL keeps the last upcoming list around; zero disables caching.
	CacheTTL time.Duration

	// Retry controls backoff for transient failures.
	Retry retry.Config

	// UserAgent sent with every request.
	UserAgent string

	// Transport allows injecting a custom HTTP transport (tests).
	Transport http.RoundTripper
}

// DefaultConfig returns a client config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		Timeout:   15 * time.Second,
		RateLimit: 0.5,
		RateBurst: 1,
		CacheTTL:  time.Minute,
		Retry: retry.Config{
			MaxRetries:     2,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     10 * time.Second,
			Multiplier:     2,
		},
		UserAgent: "cfbot/1.0",
	}
}

// APIError is returned when Codeforces answers with status FAILED
type APIError struct {
	Comment string
}

func (e *APIError) Error() string {
	return "codeforces API error: " + e.Comment
}

// HTTPError is returned for non-2xx responses without a usable envelope
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("codeforces HTTP %d: %s", e.StatusCode, e.Body)
}

type envelope struct {
	Status  string           `json:"status"`
	Comment string           `json:"comment,omitempty"`
	Result  []models.Contest `json:"result"`
}

// Option customises a Client
type Option func(*Client)

// WithLogger sets the client logger
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l.Component("codeforces") }
}

// WithMetrics records fetch results and latency
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTracer wraps requests in spans
func WithTracer(p *tracing.Provider) Option {
	return func(c *Client) { c.tracer = p }
}

// Client is a rate-limited, retrying, caching Codeforces API client.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logging.Logger
	metrics    *metrics.Metrics
	tracer     *tracing.Provider

	mu       sync.Mutex
	cached   []models.Contest
	cachedAt time.Time
	now      func() time.Time
}

// NewClient creates a new client, filling unset fields from DefaultConfig.
func NewClient(config Config, opts ...Option) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.RateLimit == 0 {
		config.RateLimit = def.RateLimit
	}
	if config.RateBurst == 0 {
		config.RateBurst = def.RateBurst
	}
	if config.Retry.InitialBackoff == 0 {
		config.Retry = def.Retry
	}
	if config.UserAgent == "" {
		config.UserAgent = def.UserAgent
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	c := &Client{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: config.Transport,
		},
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		logger:  logging.Nop(),
		tracer:  tracing.Noop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UpcomingContests returns contests in phase BEFORE, earliest first.
// Results are served from cache while younger than CacheTTL.
func (c *Client) UpcomingContests(ctx context.Context) ([]models.Contest, error) {
	if cached, ok := c.fromCache(); ok {
		return cached, nil
	}

	all, err := c.Contests(ctx, false)
	if err != nil {
		return nil, err
	}
	upcoming := models.FilterUpcoming(all)

	c.mu.Lock()
	c.cached = upcoming
	c.cachedAt = c.now()
	c.mu.Unlock()

	return copyContests(upcoming), nil
}

// Invalidate drops the cached upcoming list
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.cachedAt = time.Time{}
	c.mu.Unlock()
}

func (c *Client) fromCache() ([]models.Contest, bool) {
	if c.config.CacheTTL <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached == nil || c.now().Sub(c.cachedAt) >= c.config.CacheTTL {
		return nil, false
	}
	return copyContests(c.cached), true
}

func copyContests(in []models.Contest) []models.Contest {
	out := make([]models.Contest, len(in))
	copy(out, in)
	return out
}

// Contests calls contest.list. gym selects gym contests instead of regular ones.
func (c *Client) Contests(ctx context.Context, gym bool) ([]models.Contest, error) {
	ctx, span := c.tracer.StartSpan(ctx, "codeforces.contest.list", attribute.Bool("gym", gym))
	defer span.End()

	start := time.Now()
	var result []models.Contest
	err := retry.Do(ctx, c.config.Retry, func() error {
		contests, err := c.fetchOnce(ctx, gym)
		if err != nil {
			if !isTransient(err) {
				return retry.Permanent(err)
			}
			c.logger.Warn("Contest list request failed, retrying", logging.Fields{"error": err})
			return err
		}
		result = contests
		return nil
	})

	if c.metrics != nil {
		c.metrics.ContestFetchTime.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		tracing.SetError(ctx, err)
		c.record("error")
		return nil, err
	}

	span.SetAttributes(attribute.Int("contests", len(result)))
	c.record("ok")
	return result, nil
}

func (c *Client) record(result string) {
	if c.metrics != nil {
		c.metrics.ContestFetches.WithLabelValues(result).Inc()
	}
}

func (c *Client) fetchOnce(ctx context.Context, gym bool) ([]models.Contest, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	q := url.Values{}
	q.Set("gym", strconv.FormatBool(gym))
	endpoint := c.config.BaseURL + "/api/contest.list?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch contests: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if jsonErr := json.Unmarshal(body, &env); jsonErr != nil || env.Status == "" {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
		}
		if jsonErr == nil {
			jsonErr = errors.New("missing status field")
		}
		return nil, fmt.Errorf("decode contest list: %w", jsonErr)
	}

	if env.Status != "OK" {
		comment := env.Comment
		if comment == "" {
			comment = "Unknown error"
		}
		return nil, &APIError{Comment: comment}
	}
	if env.Result == nil {
		env.Result = []models.Contest{}
	}
	return env.Result, nil
}

// isTransient decides whether a failed request is worth repeating
func isTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return strings.Contains(strings.ToLower(apiErr.Comment), "call limit exceeded")
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return retry.IsRetryable(err) || strings.HasPrefix(err.Error(), "fetch contests:")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
