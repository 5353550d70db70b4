package reconciler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cuemby/tierd/pkg/drive"
	"github.com/cuemby/tierd/pkg/events"
	"github.com/cuemby/tierd/pkg/log"
	"github.com/cuemby/tierd/pkg/metrics"
	"github.com/cuemby/tierd/pkg/schedule"
	"github.com/cuemby/tierd/pkg/tier"
	"github.com/cuemby/tierd/pkg/types"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var errStoreUnavailable = errors.New("assignment store unavailable, drives skipped")

// Step names, used as metric labels
const (
	StepMigrate  = "migrate"
	StepStore    = "store"
	StepDrives   = "drives"
	StepTier     = "tier"
	StepOverflow = "overflow"
	StepServices = "services"
)

// Task names for the built-in periodic tasks
const (
	TaskFlush      = "flush"
	TaskPrune      = "prune"
	TaskLogCleanup = "logclean"
)

// Store is the assignment store, reloaded every pass
type Store interface {
	Load() error
}

// Drives brings attached devices to a mounted state
type Drives interface {
	Reconcile(ctx context.Context) drive.Summary
}

// Tier layers managed directories and moves their files
type Tier interface {
	Setup(ctx context.Context) ([]types.OverlayMount, error)
	Overflow(ctx context.Context) tier.Stats
	Flush(ctx context.Context) tier.Stats
	Prune(ctx context.Context) tier.Stats
	CleanLargeLogs(ctx context.Context) tier.Stats
}

// Migrations applies pending one-shot corrections
type Migrations interface {
	Run(ctx context.Context) ([]string, error)
}

// Services keeps required units running
type Services interface {
	Ensure(ctx context.Context) error
}

// TaskJournal records periodic task runs
type TaskJournal interface {
	PutTaskRun(run *types.TaskRun) error
}

// Schedules holds the built-in task schedules. A nil schedule disables
// the task.
type Schedules struct {
	Flush      cron.Schedule
	Prune      cron.Schedule
	LogCleanup cron.Schedule
}

// Options configures a Reconciler. Store, Drives and Tier are required.
type Options struct {
	Interval  time.Duration
	Clock     clockwork.Clock
	Schedules Schedules

	Store      Store
	Drives     Drives
	Tier       Tier
	Migrations Migrations
	Services   Services
	Journal    TaskJournal
	Events     events.Publisher
	// Wake triggers an early pass when it receives
	Wake <-chan struct{}
}

// Report describes one pass
type Report struct {
	Started  time.Time
	Duration time.Duration
	Drives   drive.Summary
	Overlays []types.OverlayMount
	Overflow tier.Stats
	Tasks    []string
	Errors   map[string]string
}

type task struct {
	run func(ctx context.Context) error
}

// Reconciler is the control loop. Each pass runs every step to completion;
// passes never overlap.
type Reconciler struct {
	opts    Options
	clock   clockwork.Clock
	tracker *schedule.Tracker
	tasks   map[string]task
	logger  zerolog.Logger

	passMu sync.Mutex

	mu       sync.Mutex
	last     *Report
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewReconciler creates a new reconciler
func NewReconciler(opts Options) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = 180 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Events == nil {
		opts.Events = events.Discard{}
	}
	r := &Reconciler{
		opts:    opts,
		clock:   opts.Clock,
		tracker: schedule.NewTracker(),
		tasks:   make(map[string]task),
		logger:  log.WithComponent("reconciler"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	if s := opts.Schedules.Flush; s != nil {
		r.AddTask(TaskFlush, s, false, func(ctx context.Context) error {
			opts.Tier.Flush(ctx)
			return nil
		})
	}
	if s := opts.Schedules.Prune; s != nil {
		r.AddTask(TaskPrune, s, false, func(ctx context.Context) error {
			opts.Tier.Prune(ctx)
			return nil
		})
	}
	if s := opts.Schedules.LogCleanup; s != nil {
		r.AddTask(TaskLogCleanup, s, true, func(ctx context.Context) error {
			opts.Tier.CleanLargeLogs(ctx)
			return nil
		})
	}
	return r
}

// AddTask registers a periodic task run at the end of due passes
func (r *Reconciler) AddTask(name string, s cron.Schedule, runAtStart bool, fn func(ctx context.Context) error) {
	r.mu.Lock()
	r.tasks[name] = task{run: fn}
	r.mu.Unlock()
	r.tracker.Add(schedule.Task{Name: name, Schedule: s, RunAtStart: runAtStart})
}

// Tasks returns the timing of every registered task
func (r *Reconciler) Tasks() []schedule.Status {
	return r.tracker.Snapshot()
}

// LastReport returns the most recent pass, or nil before the first one
func (r *Reconciler) LastReport() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Start begins the control loop in the background
func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		defer close(r.doneCh)
		r.Run(ctx)
	}()
}

// Stop ends a loop started with Start and waits for the current pass
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

// Run runs a pass immediately and then one per interval, plus one per
// wakeup, until ctx is done or Stop is called.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info().Dur("interval", r.opts.Interval).Msg("Control loop started")
	r.RunOnce(ctx)

	ticker := r.clock.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Control loop stopped")
			return
		case <-r.stopCh:
			r.logger.Info().Msg("Control loop stopped")
			return
		case <-ticker.Chan():
			r.RunOnce(ctx)
		case <-r.opts.Wake:
			r.logger.Debug().Msg("Device change, running early pass")
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs one pass
func (r *Reconciler) RunOnce(ctx context.Context) *Report {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	timer := metrics.NewTimer()
	rep := &Report{Started: r.clock.Now(), Errors: make(map[string]string)}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Bytes("stack", debug.Stack()).Msg("Pass panicked")
			rep.Errors["pass"] = fmt.Sprint(p)
		}
		timer.ObserveDuration(metrics.PassDuration)
		metrics.PassesTotal.Inc()
		rep.Duration = timer.Duration()

		r.mu.Lock()
		r.last = rep
		r.mu.Unlock()
	}()

	due := r.tracker.Due(rep.Started)

	r.reconcile(ctx, rep)

	for _, name := range due {
		if ctx.Err() != nil {
			break
		}
		r.runTask(ctx, name, rep)
	}

	r.logger.Debug().
		Int("devices", rep.Drives.Devices).
		Int("mounted", rep.Drives.Mounted).
		Int("overflowed", rep.Overflow.Files).
		Strs("tasks", rep.Tasks).
		Int("errors", len(rep.Errors)).
		Msg("Pass complete")
	return rep
}

// reconcile runs the fixed steps of a pass in order
func (r *Reconciler) reconcile(ctx context.Context, rep *Report) {
	if r.opts.Migrations != nil {
		r.step(ctx, rep, StepMigrate, func(ctx context.Context) error {
			_, err := r.opts.Migrations.Run(ctx)
			return err
		})
	}

	storeErr := r.step(ctx, rep, StepStore, func(context.Context) error {
		return r.opts.Store.Load()
	})
	updateHealth(metrics.ComponentStore, storeErr, "ok")

	err := r.step(ctx, rep, StepDrives, func(ctx context.Context) error {
		// no device is formatted or assigned without a readable store
		if storeErr != nil {
			return errStoreUnavailable
		}
		rep.Drives = r.opts.Drives.Reconcile(ctx)
		if n := rep.Drives.Unrecoverable; n > 0 {
			return fmt.Errorf("%d partitions unrecoverable", n)
		}
		return nil
	})
	metrics.UpdateComponent(metrics.ComponentInventory, true, fmt.Sprintf("%d qualifying devices", rep.Drives.Devices))
	updateHealth(metrics.ComponentDrives, err, fmt.Sprintf("%d mounted", rep.Drives.Mounted))

	err = r.step(ctx, rep, StepTier, func(ctx context.Context) error {
		ovs, err := r.opts.Tier.Setup(ctx)
		rep.Overlays = ovs
		return err
	})
	updateHealth(metrics.ComponentTier, err, fmt.Sprintf("%d directories active", len(rep.Overlays)))

	r.step(ctx, rep, StepOverflow, func(ctx context.Context) error {
		rep.Overflow = r.opts.Tier.Overflow(ctx)
		return nil
	})

	if r.opts.Services != nil {
		r.step(ctx, rep, StepServices, r.opts.Services.Ensure)
	}
}

// step runs fn, turning a panic into an error. Errors are logged and
// counted; the pass always continues.
func (r *Reconciler) step(ctx context.Context, rep *Report, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			r.logger.Error().Str("step", name).Interface("panic", p).Bytes("stack", debug.Stack()).Msg("Step panicked")
		}
		if err != nil {
			rep.Errors[name] = err.Error()
			metrics.PassErrorsTotal.WithLabelValues(name).Inc()
			r.logger.Error().Err(err).Str("step", name).Msg("Step failed")
		}
	}()
	return fn(ctx)
}

func (r *Reconciler) runTask(ctx context.Context, name string, rep *Report) {
	r.mu.Lock()
	t, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return
	}

	start := r.clock.Now()
	timer := metrics.NewTimer()
	err := r.step(ctx, rep, name, t.run)
	finished := r.clock.Now()
	r.tracker.Done(name, finished)
	rep.Tasks = append(rep.Tasks, name)

	result := "success"
	run := &types.TaskRun{Name: name, LastRun: start, Duration: timer.Duration().String()}
	if err != nil {
		result = "error"
		run.LastError = err.Error()
	}
	metrics.TaskRunsTotal.WithLabelValues(name, result).Inc()

	if r.opts.Journal != nil {
		if jerr := r.opts.Journal.PutTaskRun(run); jerr != nil {
			r.logger.Warn().Err(jerr).Str("task", name).Msg("Failed to journal task run")
		}
	}
	r.opts.Events.Publish(events.New(events.EventTaskRun, "task "+name+" ran", map[string]string{
		"task":   name,
		"result": result,
	}))
	r.logger.Info().Str("task", name).Str("result", result).Msg("Periodic task ran")
}

func updateHealth(component string, err error, okMessage string) {
	if err != nil {
		metrics.UpdateComponent(component, false, err.Error())
		return
	}
	metrics.UpdateComponent(component, true, okMessage)
}
