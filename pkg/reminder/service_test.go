package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/psantana5/cf-reminder/pkg/metrics"
	"github.com/psantana5/cf-reminder/pkg/models"
	"github.com/psantana5/cf-reminder/pkg/scheduler"
	"github.com/psantana5/cf-reminder/pkg/store"
)

type fakeSource struct {
	mu       sync.Mutex
	contests []models.Contest
	err      error
	calls    int
	// gate, when set, holds every fetch until it is closed or ctx ends
	gate chan struct{}
}

func (f *fakeSource) UpcomingContests(ctx context.Context) ([]models.Contest, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.Contest, len(f.contests))
	copy(out, f.contests)
	return out, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSource) set(contests ...models.Contest) {
	f.mu.Lock()
	f.contests = contests
	f.err = nil
	f.mu.Unlock()
}

type sentMessage struct {
	chatID int64
	text   string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	errs map[int64]error
}

func (f *fakeNotifier) SendHTML(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[chatID]; err != nil {
		return err
	}
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: text})
	return nil
}

type testEnv struct {
	source   *fakeSource
	notifier *fakeNotifier
	store    *store.MemoryStore
	sched    *scheduler.Scheduler
	metrics  *metrics.Metrics
	service  *Service
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		source:   &fakeSource{},
		notifier: &fakeNotifier{errs: make(map[int64]error)},
		store:    store.NewMemoryStore(),
		sched:    scheduler.New(scheduler.DefaultConfig()),
		metrics:  metrics.New(),
		now:      time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC),
	}
	env.service = NewService(Config{}, env.source, env.store, env.sched, env.notifier, WithMetrics(env.metrics))
	env.service.now = func() time.Time { return env.now }
	return env
}

func waitForJobs(t *testing.T, sched *scheduler.Scheduler, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sched.Len() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected %d jobs, got %d", want, sched.Len())
}

func contestAt(id int, start time.Time) models.Contest {
	return models.Contest{
		ID:               id,
		Name:             "Round",
		Phase:            models.ContestPhaseBefore,
		DurationSeconds:  7200,
		StartTimeSeconds: start.Unix(),
	}
}

func TestRefreshSchedulesReminders(t *testing.T) {
	env := newTestEnv(t)
	env.source.set(
		contestAt(1, env.now.Add(48*time.Hour)),
		contestAt(2, env.now.Add(30*time.Minute)),
	)

	result, err := env.service.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if result.Contests != 2 || result.Scheduled != 4 || result.Rescheduled != 0 || result.Removed != 0 {
		t.Errorf("Unexpected result: %+v", result)
	}
	if result.RunID == "" {
		t.Error("Expected a run id")
	}
	if env.sched.Len() != 4 {
		t.Errorf("Expected 4 jobs, got %d", env.sched.Len())
	}

	job, ok := env.sched.GetJob("contest_1_reminder_24h")
	if !ok || !job.RunAt.Equal(env.now.Add(24*time.Hour)) {
		t.Errorf("Expected 24h job at %v, got %+v (found %v)", env.now.Add(24*time.Hour), job, ok)
	}

	// A second pass with the same data is a no-op
	result, err = env.service.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if result.Scheduled != 0 || result.Rescheduled != 0 || result.Removed != 0 {
		t.Errorf("Expected no changes, got %+v", result)
	}

	reminders := env.service.Reminders()
	if len(reminders) != 4 || reminders[0].ID != "contest_2_reminder_15m" {
		t.Errorf("Unexpected pending reminders: %+v", reminders)
	}
}

func TestRefreshReschedulesMovedContest(t *testing.T) {
	env := newTestEnv(t)
	env.source.set(contestAt(1, env.now.Add(48*time.Hour)))
	env.service.Refresh(context.Background())

	moved := env.now.Add(72 * time.Hour)
	env.source.set(contestAt(1, moved))

	result, err := env.service.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if result.Rescheduled != 3 || result.Scheduled != 0 {
		t.Errorf("Expected 3 rescheduled, got %+v", result)
	}
	job, _ := env.sched.GetJob("contest_1_reminder_1h")
	if !job.RunAt.Equal(moved.Add(-time.Hour)) {
		t.Errorf("Expected 1h job moved to %v, got %v", moved.Add(-time.Hour), job.RunAt)
	}
}

func TestRefreshRemovesVanishedContest(t *testing.T) {
	env := newTestEnv(t)
	env.source.set(
		contestAt(1, env.now.Add(48*time.Hour)),
		contestAt(2, env.now.Add(50*time.Hour)),
	)
	env.service.Refresh(context.Background())

	env.source.set(contestAt(2, env.now.Add(50*time.Hour)))
	result, err := env.service.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if result.Removed != 3 {
		t.Errorf("Expected 3 removed, got %+v", result)
	}
	if _, ok := env.sched.GetJob("contest_1_reminder_15m"); ok {
		t.Error("Expected contest 1 jobs to be gone")
	}
	for _, r := range env.service.Reminders() {
		if r.Contest.ID == 1 {
			t.Errorf("Reminder %s should have been forgotten", r.ID)
		}
	}
}

func TestRefreshKeepsJobsOnFetchError(t *testing.T) {
	env := newTestEnv(t)
	env.source.set(contestAt(1, env.now.Add(48*time.Hour)))
	env.service.Refresh(context.Background())

	env.source.mu.Lock()
	env.source.err = errors.New("codeforces unavailable")
	env.source.mu.Unlock()

	if _, err := env.service.Refresh(context.Background()); err == nil {
		t.Fatal("Expected refresh to fail")
	}
	if env.sched.Len() != 3 {
		t.Errorf("Expected existing 3 jobs kept, got %d", env.sched.Len())
	}
}

func TestSendReminderDeliversOncePerChat(t *testing.T) {
	env := newTestEnv(t)
	env.store.AddSubscriber(10)
	env.store.AddSubscriber(20)

	c := contestAt(7, env.now.Add(time.Hour))
	r := models.NewReminder(c, models.ReminderInterval{Label: "1h", Offset: time.Hour})

	report, err := env.service.SendReminder(context.Background(), r)
	if err != nil {
		t.Fatalf("SendReminder failed: %v", err)
	}
	if report.Sent != 2 {
		t.Errorf("Expected 2 sent, got %+v", report)
	}
	if env.notifier.sent[0].text != ReminderText(c, "1h") {
		t.Errorf("Unexpected reminder text: %q", env.notifier.sent[0].text)
	}

	report, _ = env.service.SendReminder(context.Background(), r)
	if report.Sent != 0 || report.Duplicates != 2 {
		t.Errorf("Expected duplicates on second run, got %+v", report)
	}
	if got := testutil.ToFloat64(env.metrics.RemindersSent.WithLabelValues("1h")); got != 2 {
		t.Errorf("Expected 2 sent metric, got %v", got)
	}
}

func TestSendReminderSkipsStartedContest(t *testing.T) {
	env := newTestEnv(t)
	env.store.AddSubscriber(10)

	r := models.NewReminder(contestAt(7, env.now.Add(-2*time.Minute)), models.ReminderInterval{Label: "15m", Offset: 15 * time.Minute})
	report, err := env.service.SendReminder(context.Background(), r)
	if err != nil {
		t.Fatalf("SendReminder failed: %v", err)
	}
	if report.Sent != 0 || len(env.notifier.sent) != 0 {
		t.Errorf("Expected nothing sent, got %+v", report)
	}
	if got := testutil.ToFloat64(env.metrics.RemindersSkipped.WithLabelValues("started")); got != 1 {
		t.Errorf("Expected started skip metric, got %v", got)
	}

	// Within the grace window it still goes out
	r = models.NewReminder(contestAt(8, env.now.Add(-30*time.Second)), models.ReminderInterval{Label: "15m", Offset: 15 * time.Minute})
	report, _ = env.service.SendReminder(context.Background(), r)
	if report.Sent != 1 {
		t.Errorf("Expected reminder within grace to be sent, got %+v", report)
	}
}

func TestSendReminderWithoutSubscribers(t *testing.T) {
	env := newTestEnv(t)
	r := models.NewReminder(contestAt(7, env.now.Add(time.Hour)), models.DefaultReminderIntervals[1])

	report, err := env.service.SendReminder(context.Background(), r)
	if err != nil {
		t.Fatalf("SendReminder failed: %v", err)
	}
	if report != (DeliveryReport{}) {
		t.Errorf("Expected empty report, got %+v", report)
	}
	if got := testutil.ToFloat64(env.metrics.RemindersSkipped.WithLabelValues("no_subscribers")); got != 1 {
		t.Errorf("Expected no_subscribers skip metric, got %v", got)
	}
}

func TestSendReminderDropsUnreachableChats(t *testing.T) {
	env := newTestEnv(t)
	env.store.AddSubscriber(10)
	env.store.AddSubscriber(20)
	env.store.AddSubscriber(30)
	env.notifier.errs[10] = errors.New("Forbidden: bot was blocked by the user")
	env.notifier.errs[20] = errors.New("connection reset by peer")

	r := models.NewReminder(contestAt(7, env.now.Add(time.Hour)), models.DefaultReminderIntervals[1])
	report, err := env.service.SendReminder(context.Background(), r)
	if err != nil {
		t.Fatalf("SendReminder failed: %v", err)
	}
	if report.Sent != 1 || report.Failed != 2 || report.Pruned != 1 {
		t.Errorf("Unexpected report: %+v", report)
	}

	ids, _ := env.store.ListSubscribers()
	if len(ids) != 2 || ids[0] != 20 || ids[1] != 30 {
		t.Errorf("Expected blocked chat removed, got %v", ids)
	}
	if got := testutil.ToFloat64(env.metrics.SubscribersPruned); got != 1 {
		t.Errorf("Expected 1 pruned subscriber, got %v", got)
	}
}

func TestSubscribeTriggersRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.source.set(contestAt(1, env.now.Add(48*time.Hour)))

	added, err := env.service.Subscribe(context.Background(), 55)
	if err != nil || !added {
		t.Fatalf("Subscribe: added=%v err=%v", added, err)
	}
	waitForJobs(t, env.sched, 3)

	added, _ = env.service.Subscribe(context.Background(), 55)
	if added {
		t.Error("Expected second subscribe to report false")
	}
	if err := env.service.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if env.source.callCount() != 1 {
		t.Errorf("Expected one contest fetch, got %d", env.source.callCount())
	}

	removed, _ := env.service.Unsubscribe(55)
	if !removed {
		t.Error("Expected unsubscribe to report true")
	}
	removed, _ = env.service.Unsubscribe(55)
	if removed {
		t.Error("Expected second unsubscribe to report false")
	}
}

func TestUpcomingHonoursLimit(t *testing.T) {
	env := newTestEnv(t)
	var contests []models.Contest
	for i := 0; i < 8; i++ {
		contests = append(contests, contestAt(i, env.now.Add(time.Duration(i+1)*time.Hour)))
	}
	env.source.set(contests...)

	got, err := env.service.Upcoming(context.Background(), 0)
	if err != nil {
		t.Fatalf("Upcoming failed: %v", err)
	}
	if len(got) != 5 {
		t.Errorf("Expected default limit 5, got %d", len(got))
	}

	got, _ = env.service.Upcoming(context.Background(), 3)
	if len(got) != 3 || got[0].ID != 0 {
		t.Errorf("Expected first 3 contests, got %+v", got)
	}
}

func TestScheduledJobSendsReminder(t *testing.T) {
	env := newTestEnv(t)
	env.store.AddSubscriber(10)

	// Real clock: the job must be due for the scheduler to run it
	env.service.now = time.Now
	sched := scheduler.New(scheduler.Config{CheckInterval: 10 * time.Millisecond})
	env.service.scheduler = sched

	// Start times have second precision, so leave room for truncation
	c := contestAt(3, time.Now().Add(15*time.Minute+2*time.Second))
	env.source.set(c)
	if _, err := env.service.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		env.notifier.mu.Lock()
		n := len(env.notifier.sent)
		env.notifier.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Timed out waiting for the 15m reminder to be delivered")
}

func TestSubscribeReturnsBeforeSlowRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.source.set(contestAt(1, env.now.Add(48*time.Hour)))
	gate := make(chan struct{})
	env.source.gate = gate

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	added, err := env.service.Subscribe(ctx, 7)
	if err != nil || !added {
		t.Fatalf("Subscribe: added=%v err=%v", added, err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Subscribe waited %v for the contest fetch", elapsed)
	}
	if ctx.Err() != nil {
		t.Error("Caller context expired before Subscribe returned")
	}
	if ok, _ := env.store.IsSubscribed(7); !ok {
		t.Error("Expected chat to be stored")
	}

	// The background check outlives the caller's context
	<-ctx.Done()
	close(gate)
	waitForJobs(t, env.sched, 3)

	if err := env.service.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSubscribeBurstCollapsesRefreshes(t *testing.T) {
	env := newTestEnv(t)
	env.source.set(contestAt(1, env.now.Add(48*time.Hour)))
	gate := make(chan struct{})
	env.source.gate = gate

	for chatID := int64(1); chatID <= 20; chatID++ {
		if _, err := env.service.Subscribe(context.Background(), chatID); err != nil {
			t.Fatalf("Subscribe(%d): %v", chatID, err)
		}
	}
	close(gate)
	waitForJobs(t, env.sched, 3)
	if err := env.service.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if calls := env.source.callCount(); calls < 1 || calls > 2 {
		t.Errorf("Expected at most one running and one queued fetch, got %d", calls)
	}
	if n, _ := env.store.CountSubscribers(); n != 20 {
		t.Errorf("Expected 20 subscribers, got %d", n)
	}
}

func TestCloseCancelsBackgroundRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.source.gate = make(chan struct{}) // never opened

	env.service.Subscribe(context.Background(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := env.service.Close(ctx); err != nil {
		t.Fatalf("Close should cancel the blocked fetch: %v", err)
	}

	calls := env.source.callCount()
	env.service.Subscribe(context.Background(), 2)
	time.Sleep(20 * time.Millisecond)
	if env.source.callCount() != calls {
		t.Error("Subscribe after Close should not start a contest check")
	}
}

func TestRefreshReplacesRenamedContest(t *testing.T) {
	env := newTestEnv(t)
	original := contestAt(1, env.now.Add(48*time.Hour))
	env.source.set(original)
	env.service.Refresh(context.Background())
	before := env.service.Reminders()

	renamed := original
	renamed.Name = "Codeforces Round 1000 (Div. 2)"
	env.source.set(renamed)

	result, err := env.service.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if result.Rescheduled != 3 {
		t.Errorf("Expected all 3 jobs replaced, got %+v", result)
	}
	for _, r := range env.service.Reminders() {
		if r.Contest.Name != renamed.Name {
			t.Errorf("Reminder %s still carries %q", r.ID, r.Contest.Name)
		}
	}

	// A replaced job finishing late must not drop its successor
	env.service.forgetSnapshot(before[0])
	if got := len(env.service.Reminders()); got != 3 {
		t.Errorf("Expected 3 pending reminders after stale cleanup, got %d", got)
	}

	// Unchanged data keeps the jobs as they are
	result, _ = env.service.Refresh(context.Background())
	if result.Rescheduled != 0 || result.Scheduled != 0 {
		t.Errorf("Expected no changes, got %+v", result)
	}
}
