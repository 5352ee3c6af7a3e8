package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/psantana5/cf-reminder/pkg/logging"
	"github.com/psantana5/cf-reminder/pkg/metrics"
	"github.com/robfig/cron"
)

// JobFunc is the work a job performs when it fires
type JobFunc func(ctx context.Context)

// Job is a one-shot task that fires at RunAt
type Job struct {
	ID    string
	RunAt time.Time

	fn    JobFunc
	index int
}

var (
	ErrJobExists   = errors.New("job already scheduled")
	ErrNotStarted  = errors.New("scheduler not started")
	ErrInvalidSpec = errors.New("invalid interval")
)

// Config holds scheduler settings
type Config struct {
	// CheckInterval is how often the queue is polled for due jobs (default: 1s)
	CheckInterval time.Duration
	// MisfireGrace is how late a job may still run (default: 5m)
	MisfireGrace time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		CheckInterval: time.Second,
		MisfireGrace:  5 * time.Minute,
	}
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the scheduler logger
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics records queue depth and missed jobs
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithMissedHandler is called for every job dropped past its grace time
func WithMissedHandler(fn func(Job)) Option {
	return func(s *Scheduler) { s.onMissed = fn }
}

// Scheduler runs one-shot jobs at fixed times and recurring jobs on an interval
type Scheduler struct {
	config   Config
	logger   *logging.Logger
	metrics  *metrics.Metrics
	onMissed func(Job)
	now      func() time.Time

	mu    sync.Mutex
	queue jobQueue
	jobs  map[string]*Job

	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New creates a new Scheduler
func New(config Config, opts ...Option) *Scheduler {
	if config.CheckInterval <= 0 {
		config.CheckInterval = time.Second
	}
	if config.MisfireGrace <= 0 {
		config.MisfireGrace = 5 * time.Minute
	}

	s := &Scheduler{
		config: config,
		logger: logging.Nop(),
		now:    time.Now,
		jobs:   make(map[string]*Job),
		cron:   cron.NewWithLocation(time.UTC),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Component("scheduler")
	return s
}

// AddJob schedules fn to run once at runAt
func (s *Scheduler) AddJob(id string, runAt time.Time, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, id)
	}
	job := &Job{ID: id, RunAt: runAt.UTC(), fn: fn}
	heap.Push(&s.queue, job)
	s.jobs[id] = job
	s.updateGauge()

	s.logger.Debug("Job scheduled", logging.Fields{"job_id": id, "run_at": job.RunAt.Format(time.RFC3339)})
	return nil
}

// GetJob returns a copy of a scheduled job
func (s *Scheduler) GetJob(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return Job{ID: job.ID, RunAt: job.RunAt}, true
}

// RemoveJob cancels a pending job; returns false if it was not scheduled
func (s *Scheduler) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false
	}
	s.queue.remove(job)
	delete(s.jobs, id)
	s.updateGauge()
	return true
}

// Jobs returns pending jobs ordered by run time
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, Job{ID: job.ID, RunAt: job.RunAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RunAt.Equal(out[j].RunAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RunAt.Before(out[j].RunAt)
	})
	return out
}

// Len returns the number of pending one-shot jobs
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Every runs fn on a fixed interval once the scheduler is started
func (s *Scheduler) Every(name string, interval time.Duration, fn JobFunc) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %s for %s", ErrInvalidSpec, interval, name)
	}

	err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		// cron.Stop does not wait for callbacks, so register with wg under
		// the same lock Stop takes before waiting
		s.mu.Lock()
		if !s.started || s.ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		ctx := s.ctx
		s.wg.Add(1)
		s.mu.Unlock()
		defer s.wg.Done()
		s.logger.Debug("Running periodic job", logging.Fields{"job": name})
		fn(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.logger.Info("Periodic job registered", logging.Fields{"job": name, "interval": interval.String()})
	return nil
}

// Start begins dispatching jobs; fn contexts derive from ctx
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.stopCh = make(chan struct{})
	runCtx, stopCh := s.ctx, s.stopCh
	s.wg.Add(1)
	s.mu.Unlock()

	s.cron.Start()
	go s.run(runCtx, stopCh)

	s.logger.Info("Scheduler started", logging.Fields{
		"check_interval": s.config.CheckInterval.String(),
		"misfire_grace":  s.config.MisfireGrace.String(),
	})
}

// Stop halts dispatching and waits for running jobs or ctx expiry
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.started = false
	close(s.stopCh)
	cancel := s.cancel
	s.mu.Unlock()

	s.cron.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		cancel()
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		cancel()
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}

func (s *Scheduler) run(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.dispatch(ctx)
		case <-stopCh:
			return
		}
	}
}

// dispatch starts every due job and reports the missed ones
func (s *Scheduler) dispatch(ctx context.Context) {
	due, missed := s.popDue(s.now())

	for _, job := range missed {
		s.logger.Warn("Job missed its run time, skipping", logging.Fields{
			"job_id": job.ID,
			"run_at": job.RunAt.Format(time.RFC3339),
			"grace":  s.config.MisfireGrace.String(),
		})
		if s.metrics != nil {
			s.metrics.MissedJobs.Inc()
		}
		if s.onMissed != nil {
			s.onMissed(Job{ID: job.ID, RunAt: job.RunAt})
		}
	}

	for _, job := range due {
		s.wg.Add(1)
		go func(job *Job) {
			defer s.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Job panicked", logging.Fields{"job_id": job.ID, "panic": fmt.Sprint(r)})
				}
			}()
			s.logger.Debug("Running job", logging.Fields{"job_id": job.ID})
			job.fn(ctx)
		}(job)
	}
}

// popDue removes and returns jobs whose run time has come.
// Jobs later than the misfire grace are returned separately and never run.
func (s *Scheduler) popDue(now time.Time) (due, missed []*Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		next := s.queue.peek()
		if next == nil || next.RunAt.After(now) {
			break
		}
		heap.Pop(&s.queue)
		delete(s.jobs, next.ID)

		if now.Sub(next.RunAt) > s.config.MisfireGrace {
			missed = append(missed, next)
		} else {
			due = append(due, next)
		}
	}

	s.updateGauge()
	return due, missed
}

// updateGauge must be called with s.mu held
func (s *Scheduler) updateGauge() {
	if s.metrics != nil {
		s.metrics.ScheduledJobs.Set(float64(len(s.jobs)))
	}
}
