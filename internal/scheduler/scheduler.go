// Package scheduler fires the digest, exam-alert and sync jobs at fixed
// civil times and makes each notification go out at most once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"studycal/internal/config"
	"studycal/internal/digest"
	appLog "studycal/internal/log"
	"studycal/internal/model"
	"studycal/internal/notify"
	"studycal/internal/timewin"
)

// Job categories. They double as the category column of the ledger.
const (
	CategoryEvening   = "evening"
	CategoryMorning   = "morning"
	CategoryExamAlert = "exam_alert"
	CategorySync      = "sync"
)

const (
	defaultJobTimeout = 5 * time.Minute
	recentFilesWindow = 7 * 24 * time.Hour
)

// ErrUnknownCategory is returned by RunNow for an unrecognized job name.
var ErrUnknownCategory = errors.New("scheduler: unknown category")

// Store is what the jobs read, plus the notification ledger.
type Store interface {
	EventsOn(ctx context.Context, date string) ([]model.Event, error)
	UpcomingExams(ctx context.Context, from time.Time, limit int) ([]model.Exam, error)
	PendingTasks(ctx context.Context) ([]model.Task, error)
	RecentFiles(ctx context.Context, since time.Time) ([]model.SharedFile, error)
	ClaimNotification(ctx context.Context, category, key string, at time.Time) (bool, error)
	ReleaseNotification(ctx context.Context, category, key string) error
}

// Syncer runs one calendar synchronization pass.
type Syncer interface {
	Run(ctx context.Context) (model.SyncResult, error)
}

type Options struct {
	Store    Store
	Syncer   Syncer
	Channel  notify.Channel
	Renderer digest.Renderer
	Window   *timewin.Window
	Schedule config.ScheduleConfig

	// JobTimeout bounds each job run. Zero means five minutes.
	JobTimeout time.Duration
}

type Scheduler struct {
	store    Store
	syncer   Syncer
	channel  notify.Channel
	renderer digest.Renderer
	window   *timewin.Window
	schedule config.ScheduleConfig
	timeout  time.Duration

	cron *cron.Cron
}

func New(opts Options) *Scheduler {
	timeout := opts.JobTimeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	return &Scheduler{
		store:    opts.Store,
		syncer:   opts.Syncer,
		channel:  opts.Channel,
		renderer: opts.Renderer,
		window:   opts.Window,
		schedule: opts.Schedule,
		timeout:  timeout,
	}
}

// Start registers every job not set to config.DisabledSpec and starts the
// cron runner. Specs are read in the window's timezone.
func (s *Scheduler) Start() error {
	c := cron.New(
		cron.WithLocation(s.window.Location()),
		cron.WithLogger(cronLogger{}),
	)

	jobs := []struct {
		category string
		spec     string
	}{
		{CategoryEvening, s.schedule.Evening},
		{CategoryMorning, s.schedule.Morning},
		{CategoryExamAlert, s.schedule.ExamAlert},
		{CategorySync, s.schedule.Sync},
	}
	for _, j := range jobs {
		if j.spec == config.DisabledSpec {
			appLog.Info("scheduler: job disabled", "category", j.category)
			continue
		}
		category := j.category
		if _, err := c.AddFunc(j.spec, func() { s.fire(category) }); err != nil {
			return fmt.Errorf("scheduler: %s spec %q: %w", category, j.spec, err)
		}
		appLog.Info("scheduler: job registered", "category", category, "spec", j.spec)
	}

	s.cron = c
	c.Start()
	return nil
}

// Stop stops scheduling and waits for running jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		appLog.Warn("scheduler: stop timed out with jobs still running")
	}
}

// fire is the cron entry point. A failing or panicking job is logged and
// reported through the channel; it never takes the runner down.
func (s *Scheduler) fire(category string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			appLog.Error("scheduler: job panicked", err, "category", category)
			notify.SendError(ctx, s.channel, category, err)
		}
	}()

	if err := s.RunNow(ctx, category); err != nil {
		appLog.Error("scheduler: job failed", err, "category", category)
		notify.SendError(ctx, s.channel, category, err)
	}
}

// RunNow executes one job immediately, honoring the same at-most-once
// ledger as the scheduled run.
func (s *Scheduler) RunNow(ctx context.Context, category string) error {
	switch category {
	case CategoryEvening:
		return s.Evening(ctx)
	case CategoryMorning:
		return s.Morning(ctx)
	case CategoryExamAlert:
		_, err := s.ExamAlerts(ctx)
		return err
	case CategorySync:
		return s.Sync(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
}

// Sync runs a calendar pass. It has no ledger: passes are idempotent.
func (s *Scheduler) Sync(ctx context.Context) error {
	if s.syncer == nil {
		return errors.New("scheduler: no syncer configured")
	}
	res, err := s.syncer.Run(ctx)
	if err != nil {
		return err
	}
	appLog.Info("scheduler: sync done", "upserted", res.Upserted, "exams", res.ExamCount, "skipped", res.Skipped)
	return nil
}

// Evening sends the preparation digest for tomorrow, once per civil day.
func (s *Scheduler) Evening(ctx context.Context) error {
	now := s.window.Now()
	tomorrow := s.window.Tomorrow()

	events, err := s.store.EventsOn(ctx, tomorrow)
	if err != nil {
		return fmt.Errorf("evening: events: %w", err)
	}
	tasks, err := s.store.PendingTasks(ctx)
	if err != nil {
		return fmt.Errorf("evening: tasks: %w", err)
	}
	files, err := s.store.RecentFiles(ctx, now.Add(-recentFilesWindow))
	if err != nil {
		return fmt.Errorf("evening: files: %w", err)
	}
	exams, err := s.upcomingExams(ctx, now)
	if err != nil {
		return fmt.Errorf("evening: exams: %w", err)
	}
	date, err := s.window.ParseDate(tomorrow)
	if err != nil {
		return err
	}

	text := s.renderer.Evening(digest.Evening{
		Date:   date,
		Events: events,
		Tasks:  s.dueWithin(tasks, 1, true),
		Files:  files,
		Exams:  exams,
	})
	_, err = s.deliver(ctx, CategoryEvening, s.window.Today(), text)
	return err
}

// Morning sends today's briefing, once per civil day.
func (s *Scheduler) Morning(ctx context.Context) error {
	now := s.window.Now()
	today := s.window.Today()

	events, err := s.store.EventsOn(ctx, today)
	if err != nil {
		return fmt.Errorf("morning: events: %w", err)
	}
	tasks, err := s.store.PendingTasks(ctx)
	if err != nil {
		return fmt.Errorf("morning: tasks: %w", err)
	}
	exams, err := s.upcomingExams(ctx, now)
	if err != nil {
		return fmt.Errorf("morning: exams: %w", err)
	}

	text := s.renderer.Morning(digest.Morning{
		Date:   s.window.Midnight(now),
		Events: events,
		Tasks:  s.dueOn(tasks, 0),
		Exams:  exams,
	})
	_, err = s.deliver(ctx, CategoryMorning, today, text)
	return err
}

// ExamAlerts sends one alert per exam per configured threshold. The ledger
// key is "<event_id>:<threshold>", so the 3-day and 2-day alerts of the
// same exam are independent, and each fires once however often the job
// runs. It returns how many alerts were sent.
func (s *Scheduler) ExamAlerts(ctx context.Context) (int, error) {
	exams, err := s.store.UpcomingExams(ctx, s.window.Midnight(s.window.Now()), 0)
	if err != nil {
		return 0, fmt.Errorf("exam alerts: %w", err)
	}

	var (
		sent int
		errs []error
	)
	for _, ex := range exams {
		days := s.window.DaysUntil(ex.ExamDate)
		if !s.isThreshold(days) {
			continue
		}
		key := fmt.Sprintf("%s:%d", ex.EventID, days)
		ok, err := s.deliver(ctx, CategoryExamAlert, key, s.renderer.ExamAlert(ex, days))
		if err != nil {
			errs = append(errs, fmt.Errorf("exam %s: %w", ex.EventID, err))
			continue
		}
		if ok {
			sent++
			appLog.Info("scheduler: exam alert sent", "event", ex.EventID, "subject", ex.Subject, "days", days)
		}
	}
	return sent, errors.Join(errs...)
}

// deliver claims (category, key), sends text, and releases the claim when
// the send fails so a later run can retry. A partial delivery keeps the
// claim, since a retry would repeat the parts already sent. sent is false
// when the key was already claimed.
func (s *Scheduler) deliver(ctx context.Context, category, key, text string) (sent bool, err error) {
	claimed, err := s.store.ClaimNotification(ctx, category, key, s.window.Now())
	if err != nil {
		return false, fmt.Errorf("%s: claim: %w", category, err)
	}
	if !claimed {
		appLog.Debug("scheduler: already sent", "category", category, "key", key)
		return false, nil
	}

	if err := s.channel.Send(ctx, text); err != nil {
		if errors.Is(err, notify.ErrPartialDelivery) {
			appLog.Warn("scheduler: message cut off, not retrying", "category", category, "key", key, "err", err)
			return false, fmt.Errorf("%s: send: %w", category, err)
		}
		if relErr := s.store.ReleaseNotification(ctx, category, key); relErr != nil {
			appLog.Error("scheduler: claim release failed", relErr, "category", category, "key", key)
		}
		return false, fmt.Errorf("%s: send: %w", category, err)
	}
	appLog.Info("scheduler: notification sent", "category", category, "key", key)
	return true, nil
}

func (s *Scheduler) upcomingExams(ctx context.Context, now time.Time) ([]model.Exam, error) {
	return s.store.UpcomingExams(ctx, s.window.Midnight(now), s.schedule.UpcomingExamLimit)
}

func (s *Scheduler) isThreshold(days int) bool {
	for _, t := range s.schedule.ExamThresholds {
		if t == days {
			return true
		}
	}
	return false
}

// dueWithin keeps tasks due within n civil days, and tasks without a
// deadline when includeOpen is set.
func (s *Scheduler) dueWithin(tasks []model.Task, n int, includeOpen bool) []model.Task {
	out := make([]model.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Deadline == nil {
			if includeOpen {
				out = append(out, t)
			}
			continue
		}
		if s.window.DaysUntil(*t.Deadline) <= n {
			out = append(out, t)
		}
	}
	return out
}

func (s *Scheduler) dueOn(tasks []model.Task, day int) []model.Task {
	out := make([]model.Task, 0)
	for _, t := range tasks {
		if t.Deadline != nil && s.window.DaysUntil(*t.Deadline) == day {
			out = append(out, t)
		}
	}
	return out
}

// cronLogger routes robfig/cron's own messages into the app log.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
