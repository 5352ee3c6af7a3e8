package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/psantana5/cf-reminder/internal/config"
	"github.com/psantana5/cf-reminder/internal/observe"
	"github.com/psantana5/cf-reminder/pkg/api"
	"github.com/psantana5/cf-reminder/pkg/auth"
	"github.com/psantana5/cf-reminder/pkg/codeforces"
	"github.com/psantana5/cf-reminder/pkg/logging"
	"github.com/psantana5/cf-reminder/pkg/metrics"
	"github.com/psantana5/cf-reminder/pkg/ratelimit"
	"github.com/psantana5/cf-reminder/pkg/reminder"
	"github.com/psantana5/cf-reminder/pkg/scheduler"
	"github.com/psantana5/cf-reminder/pkg/shutdown"
	"github.com/psantana5/cf-reminder/pkg/store"
	"github.com/psantana5/cf-reminder/pkg/telegram"
	"github.com/psantana5/cf-reminder/pkg/tracing"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout = 30 * time.Second
	// pollTimeout must exceed the 60s long-poll window
	pollTimeout    = 90 * time.Second
	cleanupPeriod  = 10 * time.Minute
	limiterIdleAge = time.Hour
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the reminder bot",
	Long: `Connect to Telegram, answer subscriber commands and send contest reminders
until interrupted. The contest list is refreshed at startup and then every
reminders.check_interval.`,
	RunE: runBot,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateToken(); err != nil {
		return err
	}

	logger, err := cfg.Logger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	intervals, err := cfg.ReminderIntervals()
	if err != nil {
		return err
	}

	logger.Info("Starting cfbot", logging.Fields{
		"version":        version,
		"store":          cfg.Store.Type,
		"intervals":      cfg.Reminders.Intervals,
		"check_interval": cfg.Reminders.CheckInterval.String(),
		"admin":          cfg.Admin.Listen,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := shutdown.New(shutdownTimeout, logger)

	// Hooks run newest first: admin server, bot, reminder service, scheduler, tracer, store
	dataStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	mgr.Register("store", shutdown.CloseResource(dataStore))

	tracer, err := tracing.InitTracer(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing unavailable, continuing without it", logging.Fields{"error": err})
		tracer = tracing.Noop()
	}
	mgr.Register("tracer", tracer.Shutdown)

	m := metrics.New()
	m.TrackSubscribers(dataStore.CountSubscribers)

	cfConfig := codeforces.DefaultConfig()
	cfConfig.BaseURL = cfg.Codeforces.BaseURL
	cfConfig.Timeout = cfg.Codeforces.Timeout
	cfConfig.CacheTTL = cfg.Codeforces.CacheTTL
	if cfg.Codeforces.RateLimit > 0 {
		cfConfig.RateLimit = cfg.Codeforces.RateLimit
	}
	contests := codeforces.NewClient(cfConfig,
		codeforces.WithLogger(logger),
		codeforces.WithMetrics(m),
		codeforces.WithTracer(tracer),
	)

	botAPI, err := telegram.NewBotAPI(cfg.Telegram.Token, cfg.Telegram.Endpoint, pollTimeout)
	if err != nil {
		mgr.Shutdown()
		return err
	}
	logger.Info("Authorized on Telegram", logging.Fields{"account": botAPI.Self.UserName})

	sender := telegram.NewSender(botAPI, telegram.SenderConfig{
		GlobalRate: cfg.Telegram.GlobalRate,
		ChatRate:   cfg.Telegram.ChatRate,
	}, logger)

	health := observe.NewHealthCheck(3 * cfg.Reminders.CheckInterval)

	// svc is assigned below; the missed handler only fires after Start
	var svc *reminder.Service
	schedConfig := scheduler.DefaultConfig()
	schedConfig.MisfireGrace = cfg.Reminders.MisfireGrace
	sched := scheduler.New(schedConfig,
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(m),
		scheduler.WithMissedHandler(func(job scheduler.Job) {
			svc.Forget(job.ID)
			m.RemindersSkipped.WithLabelValues("misfire").Inc()
		}),
	)

	svc = reminder.NewService(reminder.Config{
		Intervals:     intervals,
		UpcomingLimit: cfg.Reminders.UpcomingLimit,
		StartedGrace:  cfg.Reminders.StartedGrace,
	}, contests, dataStore, sched, sender,
		reminder.WithLogger(logger),
		reminder.WithMetrics(m),
		reminder.WithTracer(tracer),
		reminder.WithRefreshHook(func(_ reminder.RefreshResult, err error) {
			health.RecordRefresh(err)
		}),
	)

	var limiter *ratelimit.Limiter
	if cfg.Admin.Enabled() {
		limiter = ratelimit.NewLimiter(cfg.Admin.RateLimit, cfg.Admin.RateBurst)
	}

	if err := schedulePeriodic(sched, cfg, svc, sender, limiter, logger); err != nil {
		mgr.Shutdown()
		return err
	}
	sched.Start(ctx)
	mgr.Register("scheduler", sched.Stop)
	mgr.Register("reminder service", svc.Close)

	// First check right away; failures are retried on the next tick
	if _, err := svc.Refresh(ctx); err != nil {
		logger.Warn("Initial contest refresh failed", logging.Fields{"error": err})
	}

	bot := telegram.NewBot(botAPI, sender, svc,
		telegram.WithLogger(logger),
		telegram.WithMetrics(m),
		telegram.WithHandlerTimeout(cfg.Telegram.HandlerTimeout),
	)
	botCtx, stopBot := context.WithCancel(ctx)
	botDone := make(chan struct{})
	go func() {
		defer close(botDone)
		if err := bot.Run(botCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Telegram polling stopped", logging.Fields{"error": err})
			cancel()
		}
	}()
	mgr.Register("telegram", func(ctx context.Context) error {
		stopBot()
		return shutdown.WaitFor(botDone, "telegram bot")(ctx)
	})

	if cfg.Admin.Enabled() {
		srv, err := newAdminServer(cfg, dataStore, svc, health, m, tracer, limiter, logger)
		if err != nil {
			mgr.Shutdown()
			return err
		}
		go func() {
			logger.Info("Admin API listening", logging.Fields{
				"addr": cfg.Admin.Listen,
				"tls":  srv.TLSConfig != nil,
			})
			if err := api.ListenAndServe(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Admin API failed", logging.Fields{"error": err})
				cancel()
			}
		}()
		mgr.Register("admin server", shutdown.StopHTTPServer(srv))
	}

	logger.Info("cfbot is running")
	return mgr.WaitWithContext(ctx)
}

func openStore(cfg *config.Config, logger *logging.Logger) (store.Store, error) {
	storeConfig := cfg.Store
	storeConfig.Logger = logger
	dataStore, err := store.NewStore(storeConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", storeConfig.Type, err)
	}
	if storeConfig.Type == store.TypeMemory {
		logger.Warn("Using in-memory store, subscribers will not survive a restart")
	}
	return dataStore, nil
}

// schedulePeriodic registers contest refreshes and housekeeping
func schedulePeriodic(sched *scheduler.Scheduler, cfg *config.Config, svc *reminder.Service,
	sender *telegram.Sender, limiter *ratelimit.Limiter, logger *logging.Logger) error {

	err := sched.Every("refresh-contests", cfg.Reminders.CheckInterval, func(ctx context.Context) {
		if _, err := svc.Refresh(ctx); err != nil {
			logger.Warn("Contest refresh failed", logging.Fields{"error": err})
		}
	})
	if err != nil {
		return err
	}

	err = sched.Every("cleanup-limiters", cleanupPeriod, func(ctx context.Context) {
		removed := sender.CleanupIdle(limiterIdleAge)
		if limiter != nil {
			removed += limiter.CleanupOldLimiters(limiterIdleAge)
		}
		if removed > 0 {
			logger.Debug("Dropped idle rate limiters", logging.Fields{"count": removed})
		}
	})
	if err != nil {
		return err
	}

	if cfg.Log.Dir != "" && cfg.Log.MaxSize > 0 {
		return sched.Every("rotate-logs", cleanupPeriod, func(ctx context.Context) {
			if err := logger.RotateIfNeeded(cfg.Log.MaxSize); err != nil {
				logger.Warn("Log rotation failed", logging.Fields{"error": err})
			}
		})
	}
	return nil
}

func newAdminServer(cfg *config.Config, st store.Store, svc *reminder.Service, health *observe.HealthCheck,
	m *metrics.Metrics, tracer *tracing.Provider, limiter *ratelimit.Limiter, logger *logging.Logger) (*http.Server, error) {

	keys, err := auth.NewKeyChecker(cfg.Admin.APIKey, cfg.Admin.APIKeyHash)
	if err != nil {
		return nil, fmt.Errorf("admin API key: %w", err)
	}
	keyFunc, err := ratelimit.ProxyKeyFunc(cfg.Admin.TrustedProxies...)
	if err != nil {
		return nil, fmt.Errorf("admin trusted proxies: %w", err)
	}

	handler := api.NewAdminHandler(st, svc, health, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		Metrics: m,
		Tracer:  tracer,
		Keys:    keys,
		Limiter: limiter,
		KeyFunc: keyFunc,
	})

	srv, err := api.NewServer(cfg.Admin, router)
	if err != nil {
		return nil, fmt.Errorf("admin server: %w", err)
	}
	return srv, nil
}
