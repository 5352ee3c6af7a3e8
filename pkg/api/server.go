package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/psantana5/cf-reminder/pkg/auth"
	"github.com/psantana5/cf-reminder/pkg/metrics"
	"github.com/psantana5/cf-reminder/pkg/ratelimit"
	tlsutil "github.com/psantana5/cf-reminder/pkg/tls"
	"github.com/psantana5/cf-reminder/pkg/tracing"
)

// Config holds admin server settings. An empty Listen disables the server.
type Config struct {
	Listen     string         `mapstructure:"listen" yaml:"listen"`
	APIKey     string         `mapstructure:"api_key" yaml:"api_key"`
	APIKeyHash string         `mapstructure:"api_key_hash" yaml:"api_key_hash"`
	RateLimit  float64        `mapstructure:"rate_limit" yaml:"rate_limit"` // requests per second per client IP
	RateBurst  int            `mapstructure:"rate_burst" yaml:"rate_burst"`
	TLS        tlsutil.Config `mapstructure:"tls" yaml:"tls"`

	// TrustedProxies may set X-Forwarded-For (IPs or CIDRs)
	TrustedProxies []string `mapstructure:"trusted_proxies" yaml:"trusted_proxies"`
}

// Enabled reports whether the admin server should run
func (c Config) Enabled() bool {
	return c.Listen != ""
}

// Unauthenticated paths
var publicPaths = []string{"/health", "/metrics"}

// RouterOptions wires the cross-cutting middleware
type RouterOptions struct {
	Metrics *metrics.Metrics
	Tracer  *tracing.Provider
	Keys    *auth.KeyChecker
	Limiter *ratelimit.Limiter
	// KeyFunc picks the rate limit key (default: ratelimit.IPKeyFunc)
	KeyFunc func(*http.Request) string
}

// NewRouter builds the admin router: tracing, rate limit, metrics, then auth
func NewRouter(h *AdminHandler, opts RouterOptions) *mux.Router {
	router := mux.NewRouter()

	if opts.Tracer != nil {
		router.Use(tracing.HTTPMiddleware(opts.Tracer))
	}
	if opts.Limiter != nil {
		keyFunc := opts.KeyFunc
		if keyFunc == nil {
			keyFunc = ratelimit.IPKeyFunc
		}
		router.Use(mux.MiddlewareFunc(opts.Limiter.Middleware(keyFunc)))
	}
	if opts.Metrics != nil {
		router.Use(mux.MiddlewareFunc(opts.Metrics.Middleware(routeTemplate)))
		router.Handle("/metrics", opts.Metrics).Methods("GET")
	}
	router.Use(mux.MiddlewareFunc(auth.Middleware(opts.Keys, publicPaths...)))

	h.RegisterRoutes(router)
	return router
}

// routeTemplate labels metrics by route so chat IDs do not explode cardinality
func routeTemplate(r *http.Request) string {
	if cur := mux.CurrentRoute(r); cur != nil {
		if tpl, err := cur.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// NewServer creates the HTTP server, with TLS when configured
func NewServer(cfg Config, handler http.Handler) (*http.Server, error) {
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if cfg.TLS.Enabled() {
		tlsConfig, err := tlsutil.ServerConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		srv.TLSConfig = tlsConfig
	}
	return srv, nil
}

// ListenAndServe serves with or without TLS depending on the server config
func ListenAndServe(srv *http.Server) error {
	if srv.TLSConfig != nil {
		// Certificates are already loaded into TLSConfig
		return srv.ListenAndServeTLS("", "")
	}
	return srv.ListenAndServe()
}
