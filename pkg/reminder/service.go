package reminder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/psantana5/cf-reminder/pkg/logging"
	"github.com/psantana5/cf-reminder/pkg/metrics"
	"github.com/psantana5/cf-reminder/pkg/models"
	"github.com/psantana5/cf-reminder/pkg/scheduler"
	"github.com/psantana5/cf-reminder/pkg/store"
	"github.com/psantana5/cf-reminder/pkg/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// jobPrefix marks scheduler jobs owned by this package
const jobPrefix = "contest_"

// ContestSource lists upcoming contests, earliest first
type ContestSource interface {
	UpcomingContests(ctx context.Context) ([]models.Contest, error)
}

// Notifier delivers an HTML message to a chat
type Notifier interface {
	SendHTML(ctx context.Context, chatID int64, text string) error
}

// Scheduler is the subset of *scheduler.Scheduler the service needs
type Scheduler interface {
	AddJob(id string, runAt time.Time, fn scheduler.JobFunc) error
	GetJob(id string) (scheduler.Job, bool)
	RemoveJob(id string) bool
	Jobs() []scheduler.Job
}

// Config holds reminder settings
type Config struct {
	Intervals     []models.ReminderInterval
	UpcomingLimit int
	// StartedGrace is how long after the start a reminder is still sent (default: 1m)
	StartedGrace time.Duration
}

// RefreshResult summarizes one contest check
type RefreshResult struct {
	RunID       string    `json:"run_id"`
	At          time.Time `json:"at"`
	Contests    int       `json:"contests"`
	Scheduled   int       `json:"scheduled"`
	Rescheduled int       `json:"rescheduled"`
	Removed     int       `json:"removed"`
}

// DeliveryReport summarizes one reminder run
type DeliveryReport struct {
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Duplicates int `json:"duplicates"`
	Pruned     int `json:"pruned"`
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the service logger
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics records reminder outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracer wraps refreshes and deliveries in spans
func WithTracer(p *tracing.Provider) Option {
	return func(s *Service) { s.tracer = p }
}

// WithRefreshHook is called after every refresh with its outcome
func WithRefreshHook(fn func(RefreshResult, error)) Option {
	return func(s *Service) { s.onRefresh = fn }
}

// Service keeps reminder jobs in line with the contest list and delivers them
type Service struct {
	config    Config
	source    ContestSource
	store     store.Store
	scheduler Scheduler
	notifier  Notifier

	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *tracing.Provider
	now     func() time.Time

	onRefresh func(RefreshResult, error)

	refreshMu     sync.Mutex
	refreshQueued atomic.Bool

	// background refreshes started by Subscribe
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	pending map[string]models.Reminder
	last    RefreshResult
}

// NewService creates a reminder service
func NewService(config Config, source ContestSource, st store.Store, sched Scheduler, notifier Notifier, opts ...Option) *Service {
	if len(config.Intervals) == 0 {
		config.Intervals = models.DefaultReminderIntervals
	}
	if config.UpcomingLimit <= 0 {
		config.UpcomingLimit = 5
	}
	if config.StartedGrace <= 0 {
		config.StartedGrace = time.Minute
	}

	s := &Service{
		config:    config,
		source:    source,
		store:     st,
		scheduler: sched,
		notifier:  notifier,
		logger:    logging.Nop(),
		tracer:    tracing.Noop(),
		now:       time.Now,
		pending:   make(map[string]models.Reminder),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Component("reminder")
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	return s
}

// Intervals returns the configured reminder intervals
func (s *Service) Intervals() []models.ReminderInterval {
	return s.config.Intervals
}

// UpcomingLimit is the maximum number of contests listed by Upcoming
func (s *Service) UpcomingLimit() int {
	return s.config.UpcomingLimit
}

// LastRefresh returns the result of the most recent successful refresh
func (s *Service) LastRefresh() RefreshResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Refresh fetches upcoming contests and brings the scheduled jobs in line with them.
// On fetch failure the existing jobs are kept.
func (s *Service) Refresh(ctx context.Context) (RefreshResult, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	return s.refreshLocked(ctx)
}

func (s *Service) refreshLocked(ctx context.Context) (RefreshResult, error) {
	result, err := s.refresh(ctx)
	if s.onRefresh != nil {
		s.onRefresh(result, err)
	}
	return result, err
}

// refreshSoon starts a contest check in the background. Calls made while one
// is still waiting for the refresh lock collapse into it.
func (s *Service) refreshSoon() {
	if !s.refreshQueued.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.refreshQueued.Store(false)
		return
	}
	s.bg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.bg.Done()

		s.refreshMu.Lock()
		defer s.refreshMu.Unlock()
		s.refreshQueued.Store(false)

		if _, err := s.refreshLocked(s.bgCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("Contest check after subscribe failed", logging.Fields{"error": err})
		}
	}()
}

// Close cancels background contest checks and waits for them or ctx
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.bgCancel()

	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background refresh: %w", ctx.Err())
	}
}

func (s *Service) refresh(ctx context.Context) (RefreshResult, error) {
	result := RefreshResult{RunID: uuid.NewString(), At: s.now().UTC()}
	ctx, span := s.tracer.StartSpan(ctx, "reminder.refresh", attribute.String("run_id", result.RunID))
	defer span.End()

	log := s.logger.WithField("run_id", result.RunID)
	log.Info("Checking for new contests and (re)scheduling reminders")

	contests, err := s.source.UpcomingContests(ctx)
	if err != nil {
		tracing.SetError(ctx, err)
		log.Error("Failed to fetch contests, keeping existing reminders", logging.Fields{"error": err})
		return result, fmt.Errorf("fetch upcoming contests: %w", err)
	}
	result.Contests = len(contests)
	if len(contests) == 0 {
		log.Info("No upcoming contests found")
	}

	now := s.now()
	planned := Plan(contests, now, s.config.Intervals)
	wanted := make(map[string]bool, len(planned))

	for _, r := range planned {
		wanted[r.ID] = true

		existing, ok := s.scheduler.GetJob(r.ID)
		if ok && existing.RunAt.Equal(r.RunAt) && s.isPending(r) {
			continue
		}
		if ok {
			s.scheduler.RemoveJob(r.ID)
		}

		if err := s.scheduler.AddJob(r.ID, r.RunAt, s.jobFor(r)); err != nil {
			log.Error("Failed to schedule reminder", logging.Fields{"job_id": r.ID, "error": err})
			continue
		}
		s.remember(r)

		fields := logging.Fields{
			"job_id":   r.ID,
			"contest":  r.Contest.Name,
			"interval": r.Interval.Label,
			"run_at":   FormatTime(r.RunAt),
		}
		if ok {
			result.Rescheduled++
			if existing.RunAt.Equal(r.RunAt) {
				log.Info("Replaced reminder, contest details changed", fields)
			} else {
				log.Info("Rescheduled reminder, contest start moved", fields)
			}
		} else {
			result.Scheduled++
			log.Info("Scheduled reminder", fields)
		}
	}

	// Drop future jobs for contests that vanished or moved too close to fire
	for _, job := range s.scheduler.Jobs() {
		if !strings.HasPrefix(job.ID, jobPrefix) || wanted[job.ID] || !job.RunAt.After(now) {
			continue
		}
		if s.scheduler.RemoveJob(job.ID) {
			s.forget(job.ID)
			result.Removed++
			log.Info("Removed reminder for contest no longer upcoming", logging.Fields{"job_id": job.ID})
		}
	}

	s.pruneDeliveries(log)

	s.mu.Lock()
	s.last = result
	s.mu.Unlock()

	log.Info("Contest check complete", logging.Fields{
		"contests":    result.Contests,
		"scheduled":   result.Scheduled,
		"rescheduled": result.Rescheduled,
		"removed":     result.Removed,
	})
	return result, nil
}

// pruneDeliveries drops ledger entries no reminder can collide with any more
func (s *Service) pruneDeliveries(log *logging.Logger) {
	var longest time.Duration
	for _, iv := range s.config.Intervals {
		if iv.Offset > longest {
			longest = iv.Offset
		}
	}
	pruned, err := s.store.PruneDeliveries(longest + 24*time.Hour)
	if err != nil {
		log.Warn("Failed to prune delivery ledger", logging.Fields{"error": err})
		return
	}
	if pruned > 0 {
		log.Debug("Pruned delivery ledger", logging.Fields{"pruned": pruned})
	}
}

func (s *Service) jobFor(r models.Reminder) scheduler.JobFunc {
	return func(ctx context.Context) {
		defer s.forgetSnapshot(r)
		if _, err := s.SendReminder(ctx, r); err != nil {
			s.logger.Error("Reminder run failed", logging.Fields{"job_id": r.ID, "error": err})
		}
	}
}

func (s *Service) remember(r models.Reminder) {
	s.mu.Lock()
	s.pending[r.ID] = r
	s.mu.Unlock()
}

// isPending reports whether r is exactly the reminder already scheduled
func (s *Service) isPending(r models.Reminder) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.pending[r.ID]
	return ok && sameReminder(prev, r)
}

func sameReminder(a, b models.Reminder) bool {
	return a.Contest == b.Contest && a.Interval == b.Interval && a.RunAt.Equal(b.RunAt)
}

// forgetSnapshot drops r unless a newer reminder already took its ID
func (s *Service) forgetSnapshot(r models.Reminder) {
	s.mu.Lock()
	if prev, ok := s.pending[r.ID]; ok && sameReminder(prev, r) {
		delete(s.pending, r.ID)
	}
	s.mu.Unlock()
}

// Forget drops bookkeeping for a job that will never run
func (s *Service) Forget(id string) {
	s.forget(id)
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// Reminders returns the reminders currently scheduled, earliest first
func (s *Service) Reminders() []models.Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Reminder, 0, len(s.pending))
	for id, r := range s.pending {
		if job, ok := s.scheduler.GetJob(id); ok {
			r.RunAt = job.RunAt
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RunAt.Equal(out[j].RunAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RunAt.Before(out[j].RunAt)
	})
	return out
}

// SendReminder delivers r to every subscriber at most once.
// Chats that can no longer be reached are unsubscribed.
func (s *Service) SendReminder(ctx context.Context, r models.Reminder) (DeliveryReport, error) {
	var report DeliveryReport
	log := s.logger.WithFields(logging.Fields{
		"job_id":   r.ID,
		"contest":  r.Contest.Name,
		"interval": r.Interval.Label,
	})

	ctx, span := s.tracer.StartSpan(ctx, "reminder.send",
		attribute.String("reminder.id", r.ID),
		attribute.Int("contest.id", r.Contest.ID))
	defer span.End()

	chatIDs, err := s.store.ListSubscribers()
	if err != nil {
		tracing.SetError(ctx, err)
		return report, fmt.Errorf("list subscribers: %w", err)
	}
	if len(chatIDs) == 0 {
		log.Debug("No subscribers to notify")
		s.skipped("no_subscribers")
		return report, nil
	}

	if !r.Contest.StartTime().After(s.now().Add(-s.config.StartedGrace)) {
		log.Info("Contest has likely started or passed, skipping reminder")
		s.skipped("started")
		return report, nil
	}

	text := ReminderText(r.Contest, r.Interval.Label)
	for _, chatID := range chatIDs {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		// Claim the pair first so a crash never produces a second copy
		fresh, err := s.store.RecordDelivery(r.ID, chatID)
		if err != nil {
			log.Error("Failed to record delivery", logging.Fields{"chat_id": chatID, "error": err})
			report.Failed++
			s.failed(r.Interval.Label)
			continue
		}
		if !fresh {
			report.Duplicates++
			continue
		}

		if err := s.notifier.SendHTML(ctx, chatID, text); err != nil {
			log.Error("Failed to send reminder", logging.Fields{"chat_id": chatID, "error": err})
			report.Failed++
			s.failed(r.Interval.Label)

			if IsChatGone(err) {
				s.dropChat(log, chatID, err)
				report.Pruned++
			}
			continue
		}

		report.Sent++
		if s.metrics != nil {
			s.metrics.RemindersSent.WithLabelValues(r.Interval.Label).Inc()
		}
		log.Info("Sent reminder", logging.Fields{"chat_id": chatID})
	}

	span.SetAttributes(attribute.Int("reminder.sent", report.Sent), attribute.Int("reminder.failed", report.Failed))
	return report, nil
}

func (s *Service) dropChat(log *logging.Logger, chatID int64, cause error) {
	removed, err := s.store.RemoveSubscriber(chatID)
	if err != nil {
		log.Error("Failed to remove unreachable subscriber", logging.Fields{"chat_id": chatID, "error": err})
		return
	}
	if removed {
		log.Info("Removed subscriber, chat is unreachable", logging.Fields{"chat_id": chatID, "reason": cause})
		if s.metrics != nil {
			s.metrics.SubscribersPruned.Inc()
		}
	}
}

func (s *Service) skipped(reason string) {
	if s.metrics != nil {
		s.metrics.RemindersSkipped.WithLabelValues(reason).Inc()
	}
}

func (s *Service) failed(label string) {
	if s.metrics != nil {
		s.metrics.RemindersFailed.WithLabelValues(label).Inc()
	}
}

// Subscribe adds a chat. A new subscription schedules a contest check in the
// background, so callers can confirm right away.
func (s *Service) Subscribe(ctx context.Context, chatID int64) (bool, error) {
	added, err := s.store.AddSubscriber(chatID)
	if err != nil {
		return false, fmt.Errorf("add subscriber %d: %w", chatID, err)
	}
	if !added {
		return false, nil
	}

	s.logger.Info("Chat subscribed", logging.Fields{"chat_id": chatID})
	s.refreshSoon()
	return true, nil
}

// Unsubscribe removes a chat; returns false if it was not subscribed
func (s *Service) Unsubscribe(chatID int64) (bool, error) {
	removed, err := s.store.RemoveSubscriber(chatID)
	if err != nil {
		return false, fmt.Errorf("remove subscriber %d: %w", chatID, err)
	}
	if removed {
		s.logger.Info("Chat unsubscribed", logging.Fields{"chat_id": chatID})
	}
	return removed, nil
}

// Upcoming returns at most limit upcoming contests; limit <= 0 uses the configured one
func (s *Service) Upcoming(ctx context.Context, limit int) ([]models.Contest, error) {
	if limit <= 0 {
		limit = s.config.UpcomingLimit
	}
	contests, err := s.source.UpcomingContests(ctx)
	if err != nil {
		return nil, err
	}
	if len(contests) > limit {
		contests = contests[:limit]
	}
	return contests, nil
}
