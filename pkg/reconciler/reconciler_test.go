package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/tierd/pkg/drive"
	"github.com/cuemby/tierd/pkg/events"
	"github.com/cuemby/tierd/pkg/metrics"
	"github.com/cuemby/tierd/pkg/schedule"
	"github.com/cuemby/tierd/pkg/tier"
	"github.com/cuemby/tierd/pkg/types"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trace records the order of calls across every fake
type trace struct {
	mu    sync.Mutex
	calls []string
}

func (t *trace) add(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, s)
}

func (t *trace) get() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

func (t *trace) count(s string) int {
	n := 0
	for _, c := range t.get() {
		if c == s {
			n++
		}
	}
	return n
}

type fakeStore struct {
	tr  *trace
	err error
}

func (f *fakeStore) Load() error { f.tr.add("store"); return f.err }

type fakeDrives struct {
	tr     *trace
	sum    drive.Summary
	panics bool
	passes chan struct{}
}

func (f *fakeDrives) Reconcile(context.Context) drive.Summary {
	f.tr.add("drives")
	if f.passes != nil {
		defer func() { f.passes <- struct{}{} }()
	}
	if f.panics {
		panic("lsblk exploded")
	}
	return f.sum
}

type fakeTier struct {
	tr       *trace
	setupErr error
}

func (f *fakeTier) Setup(context.Context) ([]types.OverlayMount, error) {
	f.tr.add("setup")
	return []types.OverlayMount{{Name: "log", Target: "/var/log", Active: true}}, f.setupErr
}

func (f *fakeTier) Overflow(context.Context) tier.Stats {
	f.tr.add("overflow")
	return tier.Stats{Files: 1, Bytes: 150}
}

func (f *fakeTier) Flush(context.Context) tier.Stats {
	f.tr.add("flush")
	return tier.Stats{}
}

func (f *fakeTier) Prune(context.Context) tier.Stats {
	f.tr.add("prune")
	return tier.Stats{}
}

func (f *fakeTier) CleanLargeLogs(context.Context) tier.Stats {
	f.tr.add("logclean")
	return tier.Stats{}
}

type fakeMigrations struct{ tr *trace }

func (f *fakeMigrations) Run(context.Context) ([]string, error) {
	f.tr.add("migrate")
	return nil, nil
}

type fakeServices struct {
	tr  *trace
	err error
}

func (f *fakeServices) Ensure(context.Context) error { f.tr.add("services"); return f.err }

type fakeJournal struct {
	mu   sync.Mutex
	runs []*types.TaskRun
}

func (f *fakeJournal) PutTaskRun(run *types.TaskRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

var epoch = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	tr       *trace
	clock    *clockwork.FakeClock
	store    *fakeStore
	drives   *fakeDrives
	tier     *fakeTier
	services *fakeServices
	journal  *fakeJournal
	events   *events.Recorder
	wake     chan struct{}
	rec      *Reconciler
}

func every(t *testing.T, expr string) cron.Schedule {
	t.Helper()
	s, err := schedule.Parse(expr)
	require.NoError(t, err)
	return s
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	metrics.Reset()
	tr := &trace{}
	h := &harness{
		tr:       tr,
		clock:    clockwork.NewFakeClockAt(epoch),
		store:    &fakeStore{tr: tr},
		drives:   &fakeDrives{tr: tr, sum: drive.Summary{Devices: 1, Mounted: 1}},
		tier:     &fakeTier{tr: tr},
		services: &fakeServices{tr: tr},
		journal:  &fakeJournal{},
		events:   &events.Recorder{},
		wake:     make(chan struct{}, 1),
	}
	h.rec = NewReconciler(Options{
		Interval: 3 * time.Minute,
		Clock:    h.clock,
		Schedules: Schedules{
			Flush:      every(t, "12h"),
			Prune:      every(t, "1h"),
			LogCleanup: every(t, "24h"),
		},
		Store:      h.store,
		Drives:     h.drives,
		Tier:       h.tier,
		Migrations: &fakeMigrations{tr: tr},
		Services:   h.services,
		Journal:    h.journal,
		Events:     h.events,
		Wake:       h.wake,
	})
	return h
}

func TestRunOnce_StepOrder(t *testing.T) {
	h := newHarness(t)

	rep := h.rec.RunOnce(context.Background())

	assert.Equal(t, []string{"migrate", "store", "drives", "setup", "overflow", "services", "logclean"}, h.tr.get())
	assert.Empty(t, rep.Errors)
	assert.Equal(t, 1, rep.Drives.Mounted)
	assert.Equal(t, 1, rep.Overflow.Files)
	assert.Len(t, rep.Overlays, 1)
	assert.Equal(t, []string{TaskLogCleanup}, rep.Tasks)
	assert.Same(t, rep, h.rec.LastReport())

	require.Len(t, h.journal.runs, 1)
	assert.Equal(t, TaskLogCleanup, h.journal.runs[0].Name)
	assert.Equal(t, epoch, h.journal.runs[0].LastRun)
	assert.Equal(t, []events.EventType{events.EventTaskRun}, h.events.Types())
	assert.Equal(t, "ready", metrics.GetReadiness().Status)
}

func TestRunOnce_PanicDoesNotStopPass(t *testing.T) {
	h := newHarness(t)
	h.drives.panics = true
	before := testutil.ToFloat64(metrics.PassErrorsTotal.WithLabelValues(StepDrives))

	rep := h.rec.RunOnce(context.Background())

	assert.Contains(t, rep.Errors[StepDrives], "lsblk exploded")
	assert.Equal(t, []string{"migrate", "store", "drives", "setup", "overflow", "services", "logclean"}, h.tr.get())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.PassErrorsTotal.WithLabelValues(StepDrives)))
	assert.Equal(t, "unhealthy", metrics.GetHealth().Status)
}

func TestRunOnce_StepErrorsAreReported(t *testing.T) {
	h := newHarness(t)
	h.store.err = errors.New("disk full")
	h.tier.setupErr = errors.New("overlay refused")
	h.services.err = errors.New("unit not found")
	h.drives.sum = drive.Summary{Devices: 2, Mounted: 1, Unrecoverable: 1}

	rep := h.rec.RunOnce(context.Background())

	assert.Equal(t, "disk full", rep.Errors[StepStore])
	assert.Equal(t, "overlay refused", rep.Errors[StepTier])
	assert.Equal(t, "unit not found", rep.Errors[StepServices])
	assert.Equal(t, "assignment store unavailable, drives skipped", rep.Errors[StepDrives])
	assert.Zero(t, h.tr.count("drives"))
	assert.Equal(t, "not_ready", metrics.GetReadiness().Status)
	assert.Equal(t, 1, h.tr.count("overflow"))
}

func TestRunOnce_UnrecoverablePartitionsReported(t *testing.T) {
	h := newHarness(t)
	h.drives.sum = drive.Summary{Devices: 2, Mounted: 1, Unrecoverable: 1}

	rep := h.rec.RunOnce(context.Background())

	assert.Equal(t, "1 partitions unrecoverable", rep.Errors[StepDrives])
	assert.Equal(t, 1, h.tr.count("drives"))
	assert.Equal(t, 1, rep.Drives.Mounted)
}

func TestRunOnce_StoreRecoveryResumesDrives(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.err = errors.New("input/output error")

	rep := h.rec.RunOnce(ctx)
	assert.Contains(t, rep.Errors[StepDrives], "store unavailable")
	assert.Equal(t, []string{"migrate", "store", "setup", "overflow", "services", "logclean"}, h.tr.get())

	h.store.err = nil
	rep = h.rec.RunOnce(ctx)
	assert.NotContains(t, rep.Errors, StepDrives)
	assert.Equal(t, 1, h.tr.count("drives"))
}

func TestRunOnce_PeriodicTasksDue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.rec.RunOnce(ctx)
	assert.Zero(t, h.tr.count("flush"))
	assert.Zero(t, h.tr.count("prune"))

	h.clock.Advance(time.Hour)
	rep := h.rec.RunOnce(ctx)
	assert.Equal(t, []string{TaskPrune}, rep.Tasks)

	h.clock.Advance(11 * time.Hour)
	rep = h.rec.RunOnce(ctx)
	assert.Equal(t, []string{TaskFlush, TaskPrune}, rep.Tasks)

	// missed windows run once, not once per window
	h.clock.Advance(30 * time.Hour)
	rep = h.rec.RunOnce(ctx)
	assert.Equal(t, []string{TaskFlush, TaskPrune, TaskLogCleanup}, rep.Tasks)
	assert.Equal(t, 2, h.tr.count("flush"))
	assert.Equal(t, 2, h.tr.count("logclean"))
}

func TestRunOnce_FailingTaskJournaled(t *testing.T) {
	h := newHarness(t)
	h.rec.AddTask("update", every(t, "24h"), true, func(context.Context) error {
		return errors.New("rate limited")
	})

	rep := h.rec.RunOnce(context.Background())
	assert.Equal(t, "rate limited", rep.Errors["update"])

	var found *types.TaskRun
	for _, run := range h.journal.runs {
		if run.Name == "update" {
			found = run
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "rate limited", found.LastError)

	var names []string
	for _, s := range h.rec.Tasks() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"flush", "logclean", "prune", "update"}, names)
}

func TestRun_TickerAndWake(t *testing.T) {
	h := newHarness(t)
	h.drives.passes = make(chan struct{}, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.rec.Start(ctx)
	waitPass(t, h.drives.passes)

	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(3 * time.Minute)
	waitPass(t, h.drives.passes)

	h.wake <- struct{}{}
	waitPass(t, h.drives.passes)

	h.rec.Stop()
	assert.Equal(t, 3, h.tr.count("drives"))
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	h := newHarness(t)
	h.drives.passes = make(chan struct{}, 10)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.rec.Run(ctx)
		close(done)
	}()
	waitPass(t, h.drives.passes)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func waitPass(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("pass did not run")
	}
}
