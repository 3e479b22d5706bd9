package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studycal/internal/config"
	"studycal/internal/digest"
	"studycal/internal/model"
	"studycal/internal/notify"
	"studycal/internal/store"
	"studycal/internal/timewin"
)

var manila = time.FixedZone("PHT", 8*3600)

type recorder struct {
	mu    sync.Mutex
	texts []string
	fail  error
}

func (r *recorder) Send(ctx context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.fail != nil {
		return r.fail
	}
	r.texts = append(r.texts, text)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.texts)
}

type stubSyncer struct {
	calls int
	err   error
}

func (s *stubSyncer) Run(ctx context.Context) (model.SyncResult, error) {
	s.calls++
	return model.SyncResult{Upserted: 1}, s.err
}

type fixture struct {
	sched *Scheduler
	repo  *store.SQLiteRepository
	ch    *recorder
	sync  *stubSyncer
	now   *time.Time
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	repo, err := store.OpenSQLite(filepath.Join(t.TempDir(), "sched.db"), manila)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	f := &fixture{repo: repo, ch: &recorder{}, sync: &stubSyncer{}, now: &now}
	w := timewin.New(manila, time.Sunday, func() time.Time { return *f.now })
	f.sched = New(Options{
		Store:   repo,
		Syncer:  f.sync,
		Channel: f.ch,
		Window:  w,
		Renderer: digest.Renderer{
			Window:          w,
			Locale:          "en",
			ReservedSubject: "Reserved Schedule",
			CancelMarker:    "[CLASS CANCELLED]",
		},
		Schedule: config.ScheduleConfig{
			Evening:           "0 22 * * *",
			Morning:           "0 7 * * *",
			ExamAlert:         "0 20 * * *",
			Sync:              "0 */3 * * *",
			ExamThresholds:    []int{3, 2, 1},
			UpcomingExamLimit: 5,
		},
	})
	return f
}

func (f *fixture) exam(t *testing.T, id string, at time.Time) {
	t.Helper()
	require.NoError(t, f.repo.UpsertEvent(context.Background(), model.Event{
		EventID:  id,
		Subject:  "Pathology",
		Activity: model.ActivityExam,
		Start:    at,
		IsExam:   true,
		Source:   model.SourceCalendar,
	}))
}

func TestStagedExamAlertExactlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2026, 2, 20, 20, 0, 0, 0, manila))
	f.exam(t, "X1", time.Date(2026, 2, 23, 9, 0, 0, 0, manila))

	sent, err := f.sched.ExamAlerts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	sent, err = f.sched.ExamAlerts(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
	require.Equal(t, 1, f.ch.count())
	assert.Contains(t, f.ch.texts[0], "Exam in 3 day(s)")

	*f.now = f.now.AddDate(0, 0, 1)
	sent, err = f.sched.ExamAlerts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	sent, err = f.sched.ExamAlerts(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)

	require.Equal(t, 2, f.ch.count())
	assert.Contains(t, f.ch.texts[1], "Exam in 2 day(s)")
}

func TestExamAlertIgnoresOtherDistances(t *testing.T) {
	f := newFixture(t, time.Date(2026, 2, 20, 20, 0, 0, 0, manila))
	f.exam(t, "far", time.Date(2026, 3, 2, 9, 0, 0, 0, manila))
	f.exam(t, "today", time.Date(2026, 2, 20, 21, 0, 0, 0, manila))

	sent, err := f.sched.ExamAlerts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestFailedSendReleasesClaim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2026, 2, 20, 20, 0, 0, 0, manila))
	f.exam(t, "X1", time.Date(2026, 2, 21, 9, 0, 0, 0, manila))

	f.ch.fail = errors.New("telegram down")
	_, err := f.sched.ExamAlerts(ctx)
	require.Error(t, err)

	f.ch.fail = nil
	sent, err := f.sched.ExamAlerts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Contains(t, f.ch.texts[0], "Exam in 1 day(s)")
}

func TestPartialDeliveryKeepsClaim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2026, 2, 20, 20, 0, 0, 0, manila))
	f.exam(t, "X1", time.Date(2026, 2, 21, 9, 0, 0, 0, manila))

	f.ch.fail = fmt.Errorf("%w: part 2 of 2: timeout", notify.ErrPartialDelivery)
	_, err := f.sched.ExamAlerts(ctx)
	require.ErrorIs(t, err, notify.ErrPartialDelivery)

	f.ch.fail = nil
	sent, err := f.sched.ExamAlerts(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Zero(t, f.ch.count())
}

func TestEveningDigestOncePerDay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2026, 2, 22, 22, 0, 0, 0, manila))

	start := time.Date(2026, 2, 23, 8, 0, 0, 0, manila)
	require.NoError(t, f.repo.UpsertEvent(ctx, model.Event{
		EventID: "L1", Subject: "Anatomy", Activity: model.ActivityLecture, Start: start,
	}))
	soon := time.Date(2026, 2, 23, 17, 0, 0, 0, manila)
	later := time.Date(2026, 3, 10, 17, 0, 0, 0, manila)
	created := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.repo.CreateTask(ctx, model.Task{ID: "t1", Title: "Case write-up", Deadline: &soon, CreatedAt: created}))
	require.NoError(t, f.repo.CreateTask(ctx, model.Task{ID: "t2", Title: "Thesis draft", Deadline: &later, CreatedAt: created}))
	require.NoError(t, f.repo.CreateTask(ctx, model.Task{ID: "t3", Title: "Bring scrubs", CreatedAt: created}))
	require.NoError(t, f.repo.CreateFile(ctx, model.SharedFile{ID: "f1", Filename: "anatomy.pdf", SharedAt: f.now.Add(-time.Hour)}))

	require.NoError(t, f.sched.RunNow(ctx, CategoryEvening))
	require.NoError(t, f.sched.RunNow(ctx, CategoryEvening))
	require.Equal(t, 1, f.ch.count())

	text := f.ch.texts[0]
	assert.Contains(t, text, "Schedule for Mon, Feb 23")
	assert.Contains(t, text, "Anatomy")
	assert.Contains(t, text, "Case write-up")
	assert.Contains(t, text, "Bring scrubs")
	assert.NotContains(t, text, "Thesis draft")
	assert.Contains(t, text, "anatomy.pdf")

	*f.now = f.now.AddDate(0, 0, 1)
	require.NoError(t, f.sched.RunNow(ctx, CategoryEvening))
	assert.Equal(t, 2, f.ch.count())
	assert.Contains(t, f.ch.texts[1], "No events scheduled.")
}

func TestMorningBriefing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2026, 2, 23, 7, 0, 0, 0, manila))

	due := time.Date(2026, 2, 23, 23, 0, 0, 0, manila)
	open := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.repo.CreateTask(ctx, model.Task{ID: "t1", Title: "Quiz", Deadline: &due, CreatedAt: open}))
	require.NoError(t, f.repo.CreateTask(ctx, model.Task{ID: "t2", Title: "Someday", CreatedAt: open}))
	f.exam(t, "X1", time.Date(2026, 2, 24, 9, 0, 0, 0, manila))

	require.NoError(t, f.sched.RunNow(ctx, CategoryMorning))
	require.NoError(t, f.sched.RunNow(ctx, CategoryMorning))
	require.Equal(t, 1, f.ch.count())

	text := f.ch.texts[0]
	assert.True(t, strings.HasPrefix(text, "☀️ Good morning\n📅 Mon, Feb 23"))
	assert.Contains(t, text, "⚠️ Quiz")
	assert.NotContains(t, text, "Someday")
	assert.Contains(t, text, "🚨 Pathology EXAM — 1 day(s) left")
}

func TestSyncJobAndUnknownCategory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2026, 2, 23, 7, 0, 0, 0, manila))

	require.NoError(t, f.sched.RunNow(ctx, CategorySync))
	require.NoError(t, f.sched.RunNow(ctx, CategorySync))
	assert.Equal(t, 2, f.sync.calls)

	assert.ErrorIs(t, f.sched.RunNow(ctx, "weekly"), ErrUnknownCategory)
}

type panickyStore struct{ Store }

func (panickyStore) EventsOn(ctx context.Context, date string) ([]model.Event, error) {
	panic("boom")
}

func TestFireRecoversAndReports(t *testing.T) {
	f := newFixture(t, time.Date(2026, 2, 23, 7, 0, 0, 0, manila))
	f.sched.store = panickyStore{Store: f.repo}

	assert.NotPanics(t, func() { f.sched.fire(CategoryMorning) })
	require.Equal(t, 1, f.ch.count())
	assert.Contains(t, f.ch.texts[0], "Error: morning")
	assert.Contains(t, f.ch.texts[0], "panic: boom")
}

func TestFireReportsJobError(t *testing.T) {
	f := newFixture(t, time.Date(2026, 2, 23, 7, 0, 0, 0, manila))
	f.sync.err = errors.New("capture: no callback responses captured")

	f.sched.fire(CategorySync)
	require.Equal(t, 1, f.ch.count())
	assert.Contains(t, f.ch.texts[0], "no callback responses")
}

type hangingSyncer struct{}

func (hangingSyncer) Run(ctx context.Context) (model.SyncResult, error) {
	<-ctx.Done()
	return model.SyncResult{}, ctx.Err()
}

func TestFireReportsTimedOutJob(t *testing.T) {
	f := newFixture(t, time.Date(2026, 2, 23, 7, 0, 0, 0, manila))
	f.sched.syncer = hangingSyncer{}
	f.sched.timeout = 50 * time.Millisecond

	f.sched.fire(CategorySync)
	require.Equal(t, 1, f.ch.count())
	assert.Contains(t, f.ch.texts[0], "Error: sync")
	assert.Contains(t, f.ch.texts[0], "deadline exceeded")
}

func TestStartRejectsBadSpec(t *testing.T) {
	f := newFixture(t, time.Date(2026, 2, 23, 7, 0, 0, 0, manila))
	f.sched.schedule.Morning = "not a spec"
	assert.Error(t, f.sched.Start())
}

func TestStartAndStop(t *testing.T) {
	f := newFixture(t, time.Date(2026, 2, 23, 7, 0, 0, 0, manila))
	f.sched.schedule.Sync = config.DisabledSpec
	require.NoError(t, f.sched.Start())
	assert.Len(t, f.sched.cron.Entries(), 3)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f.sched.Stop(ctx)
}
