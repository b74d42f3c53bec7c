package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Metaroadcorp/snd-system-test/internal/agenda"
	"github.com/Metaroadcorp/snd-system-test/internal/cache"
	"github.com/Metaroadcorp/snd-system-test/internal/db/dbtest"
	"github.com/Metaroadcorp/snd-system-test/internal/events"
	"github.com/Metaroadcorp/snd-system-test/internal/ledger"
	"github.com/Metaroadcorp/snd-system-test/internal/models"
	"github.com/Metaroadcorp/snd-system-test/internal/recurrence"
)

var kst = time.FixedZone("KST", 9*3600)

const (
	templateID = "10000000-0000-0000-0000-000000000001"
	morningID  = "20000000-0000-0000-0000-000000000001"
	midnightID = "20000000-0000-0000-0000-000000000002"
	orphanID   = "20000000-0000-0000-0000-000000000003"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	runs []*models.BroadcastRun
}

func (d *recordingDispatcher) Go(run *models.BroadcastRun, _ *models.BroadcastTemplate) {
	d.mu.Lock()
	d.runs = append(d.runs, run)
	d.mu.Unlock()
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.runs)
}

func addSchedule(t *testing.T, database *gorm.DB, id, tmplID, at string) {
	t.Helper()
	s := &models.BroadcastSchedule{ID: id, OrganizationID: "o1", TemplateID: tmplID, Name: id, RepeatType: recurrence.KindDaily, ScheduledTime: recurrence.MustTimeOfDay(at)}
	require.NoError(t, s.Validate())
	require.NoError(t, database.Create(s).Error)
}

type fixture struct {
	db         *gorm.DB
	ledger     *ledger.Ledger
	dispatcher *recordingDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database := dbtest.Open(t)
	tmpl := &models.BroadcastTemplate{ID: templateID, Name: "Morning song", ContentType: models.ContentText, TextContent: "Good morning"}
	tmpl.ApplyDefaults()
	require.NoError(t, database.Create(tmpl).Error)
	return &fixture{
		db:         database,
		ledger:     ledger.New(ledger.NewGormStore(database), zerolog.Nop()),
		dispatcher: &recordingDispatcher{},
	}
}

func (f *fixture) service() *Service {
	return New(f.db, agenda.New(f.db, nil, kst, zerolog.Nop()), f.ledger, f.dispatcher, Config{}, zerolog.Nop())
}

func (f *fixture) runs(t *testing.T) []models.BroadcastRun {
	t.Helper()
	runs, err := f.ledger.History(context.Background(), "o1", 100)
	require.NoError(t, err)
	return runs
}

func TestFireKey(t *testing.T) {
	key := FireKey("s1", recurrence.NewDate(2025, time.January, 14), recurrence.MustTimeOfDay("07:30"))
	assert.Equal(t, "s1@2025-01-14T07:30", key)
}

func TestTickFiresOncePerWindow(t *testing.T) {
	f := newFixture(t)
	addSchedule(t, f.db, morningID, templateID, "08:00")
	svc := f.service()
	ctx := context.Background()

	n, err := svc.Tick(ctx, time.Date(2025, 1, 14, 7, 59, 0, 0, kst))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = svc.Tick(ctx, time.Date(2025, 1, 14, 8, 0, 0, 0, kst))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = svc.Tick(ctx, time.Date(2025, 1, 14, 8, 0, 30, 0, kst))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	runs := f.runs(t)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunScheduled, runs[0].RunType)
	assert.Equal(t, models.RunRunning, runs[0].Status)
	require.NotNil(t, runs[0].ScheduleID)
	assert.Equal(t, morningID, *runs[0].ScheduleID)
	assert.Equal(t, "Morning song", runs[0].TemplateName)
	assert.Equal(t, 1, f.dispatcher.count())

	// Next day fires again.
	n, err = svc.Tick(ctx, time.Date(2025, 1, 15, 8, 0, 10, 0, kst))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTickSkipsDuplicateFireKeys(t *testing.T) {
	f := newFixture(t)
	addSchedule(t, f.db, morningID, templateID, "08:00")
	ctx := context.Background()
	now := time.Date(2025, 1, 14, 8, 0, 20, 0, kst)

	n, err := f.service().Tick(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A second node evaluating the same window.
	n, err = f.service().Tick(ctx, now.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.Len(t, f.runs(t), 1)
	assert.Equal(t, 1, f.dispatcher.count())
}

func TestTickWindowCrossesMidnight(t *testing.T) {
	f := newFixture(t)
	addSchedule(t, f.db, midnightID, templateID, "00:00")
	svc := f.service()
	ctx := context.Background()

	_, err := svc.Tick(ctx, time.Date(2025, 1, 14, 23, 59, 0, 0, kst))
	require.NoError(t, err)
	n, err := svc.Tick(ctx, time.Date(2025, 1, 15, 0, 1, 0, 0, kst))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var run models.BroadcastRun
	require.NoError(t, f.db.First(&run).Error)
	require.NotNil(t, run.FireKey)
	assert.Equal(t, midnightID+"@2025-01-15T00:00", *run.FireKey)
}

func TestTickMissingTemplateFailsRun(t *testing.T) {
	f := newFixture(t)
	addSchedule(t, f.db, orphanID, "10000000-0000-0000-0000-0000000000ff", "09:00")
	svc := f.service()

	n, err := svc.Tick(context.Background(), time.Date(2025, 1, 14, 9, 0, 30, 0, kst))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	runs := f.runs(t)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunFailed, runs[0].Status)
	assert.Equal(t, []string{"template not found"}, runs[0].Result.Errors)
	assert.NotNil(t, runs[0].EndedAt)
	assert.Equal(t, 0, f.dispatcher.count())
}

func TestTickIgnoresInactiveSchedules(t *testing.T) {
	f := newFixture(t)
	addSchedule(t, f.db, morningID, templateID, "08:00")
	require.NoError(t, f.db.Model(&models.BroadcastSchedule{}).Where("id = ?", morningID).
		Update("lifecycle", models.LifecycleInactive).Error)

	n, err := f.service().Tick(context.Background(), time.Date(2025, 1, 14, 8, 0, 30, 0, kst))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTickSkipsScheduleDeactivatedAfterCaching(t *testing.T) {
	f := newFixture(t)
	addSchedule(t, f.db, morningID, templateID, "08:00")
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	agendas := agenda.New(f.db, cache.NewWithClient(client, cache.DefaultConfig(), zerolog.Nop()), kst, zerolog.Nop())
	svc := New(f.db, agendas, f.ledger, f.dispatcher, Config{}, zerolog.Nop())
	ctx := context.Background()

	// Tomorrow keeps the cached agenda alive for the whole test.
	tomorrow := time.Now().In(kst).AddDate(0, 0, 1)
	at := func(h, m int) time.Time {
		return time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), h, m, 0, 0, kst)
	}
	date := recurrence.DateOf(at(0, 0))

	n, err := svc.Tick(ctx, at(7, 59))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	cached, err := agendas.Today(ctx, "o1", date)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	require.True(t, mr.Exists(cache.AgendaKey("o1", date)))

	// Deactivated without an invalidation reaching the cache.
	require.NoError(t, f.db.Model(&models.BroadcastSchedule{}).Where("id = ?", morningID).
		Update("lifecycle", models.LifecycleInactive).Error)

	n, err = svc.Tick(ctx, at(8, 0))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, f.runs(t))
	assert.Zero(t, f.dispatcher.count())
}

// flakyOpener fails the first n opens.
type flakyOpener struct {
	*ledger.Ledger
	mu       sync.Mutex
	failures int
}

func (o *flakyOpener) Open(ctx context.Context, req ledger.OpenRequest) (*models.BroadcastRun, error) {
	o.mu.Lock()
	fail := o.failures > 0
	if fail {
		o.failures--
	}
	o.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}
	return o.Ledger.Open(ctx, req)
}

func TestTickRetriesFailedOrganization(t *testing.T) {
	f := newFixture(t)
	addSchedule(t, f.db, morningID, templateID, "08:00")
	opener := &flakyOpener{Ledger: f.ledger, failures: 1}
	svc := New(f.db, agenda.New(f.db, nil, kst, zerolog.Nop()), opener, f.dispatcher, Config{}, zerolog.Nop())
	ctx := context.Background()

	n, err := svc.Tick(ctx, time.Date(2025, 1, 14, 8, 0, 10, 0, kst))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, f.runs(t))

	// The next window starts after 08:00 but the failed firing is retried.
	n, err = svc.Tick(ctx, time.Date(2025, 1, 14, 8, 0, 40, 0, kst))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, f.runs(t), 1)

	n, err = svc.Tick(ctx, time.Date(2025, 1, 14, 8, 1, 10, 0, kst))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, f.dispatcher.count())
}

func TestWindowStartCatchUpLimit(t *testing.T) {
	svc := newFixture(t).service()
	now := time.Date(2025, 1, 14, 9, 0, 0, 0, kst)
	from := now.Add(-30 * time.Second)

	assert.Equal(t, from, svc.windowStart("o1", time.Time{}, from, now))
	assert.Equal(t, from.Add(-time.Minute), svc.windowStart("o1", from.Add(-time.Minute), from, now))
	assert.Equal(t, now.Add(-MaxCatchUp), svc.windowStart("o1", now.Add(-time.Hour), from, now))
}

func TestTickDoesNotMoveBackwards(t *testing.T) {
	f := newFixture(t)
	addSchedule(t, f.db, morningID, templateID, "08:00")
	svc := f.service()
	ctx := context.Background()

	_, err := svc.Tick(ctx, time.Date(2025, 1, 14, 8, 5, 0, 0, kst))
	require.NoError(t, err)
	n, err := svc.Tick(ctx, time.Date(2025, 1, 14, 8, 1, 0, 0, kst))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

type fakeElector struct {
	ch     chan bool
	leader bool
}

func (e *fakeElector) Start(context.Context) error { return nil }
func (e *fakeElector) Stop() error                  { return nil }
func (e *fakeElector) IsLeader() bool               { return e.leader }
func (e *fakeElector) LeaderCh() <-chan bool        { return e.ch }

type blockingRunner struct {
	started chan struct{}
	stopped chan struct{}
}

func (r *blockingRunner) Run(ctx context.Context) error {
	r.started <- struct{}{}
	<-ctx.Done()
	r.stopped <- struct{}{}
	return ctx.Err()
}

func TestLeaderAwareFollowsLeadership(t *testing.T) {
	elector := &fakeElector{ch: make(chan bool)}
	runner := &blockingRunner{started: make(chan struct{}, 1), stopped: make(chan struct{}, 1)}
	las := NewLeaderAware(runner, elector, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, las.Start(ctx))

	elector.ch <- true
	select {
	case <-runner.started:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not start on leadership")
	}
	assert.True(t, las.Running())

	elector.ch <- false
	select {
	case <-runner.stopped:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on leadership loss")
	}
	assert.Eventually(t, func() bool { return !las.Running() }, time.Second, 10*time.Millisecond)

	require.NoError(t, las.Stop())
}

func TestLeaderAwarePublishesLeadershipChanges(t *testing.T) {
	elector := &fakeElector{ch: make(chan bool)}
	runner := &blockingRunner{started: make(chan struct{}, 1), stopped: make(chan struct{}, 1)}
	bus := events.NewBus()
	sub := bus.Subscribe(events.EventLeaderChanged)
	las := NewLeaderAware(runner, elector, zerolog.Nop())
	las.PublishTo(bus, "node-a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, las.Start(ctx))

	for _, want := range []bool{true, false} {
		elector.ch <- want
		select {
		case p := <-sub:
			assert.Equal(t, "node-a", p.String("node_id"))
			assert.Equal(t, want, p["leader"])
		case <-time.After(time.Second):
			t.Fatalf("leader=%v not published", want)
		}
	}
	require.NoError(t, las.Stop())
}
