package schedule

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Parse turns a schedule expression into a cron.Schedule. Durations such as
// "12h" become fixed intervals; anything else must be a standard five field
// cron expression or descriptor like "@daily".
func Parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	if d, err := time.ParseDuration(expr); err == nil {
		if d < time.Second {
			return nil, fmt.Errorf("schedule interval %s is below one second", d)
		}
		return cron.Every(d), nil
	}
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return s, nil
}

// Task is a periodic job evaluated at the top of each pass
type Task struct {
	Name     string
	Schedule cron.Schedule
	// RunAtStart makes the task due on the first check
	RunAtStart bool

	next    time.Time
	lastRun time.Time
}

// Tracker decides which tasks are due. Missed windows are never caught
// up: a due task runs once and is rescheduled from the time it ran.
type Tracker struct {
	mu    sync.Mutex
	tasks map[string]*Task
	order []string
}

// NewTracker returns an empty tracker
func NewTracker() *Tracker {
	return &Tracker{tasks: make(map[string]*Task)}
}

// Add registers a task. Adding a name twice replaces the earlier task.
func (t *Tracker) Add(task Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tasks[task.Name]; !ok {
		t.order = append(t.order, task.Name)
	}
	tt := task
	t.tasks[task.Name] = &tt
}

// Due returns the names of tasks due at now, in registration order. The
// first call arms tasks that do not run at start.
func (t *Tracker) Due(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var due []string
	for _, name := range t.order {
		task := t.tasks[name]
		if task.next.IsZero() {
			if task.RunAtStart {
				due = append(due, name)
				continue
			}
			task.next = task.Schedule.Next(now)
			continue
		}
		if !now.Before(task.next) {
			due = append(due, name)
		}
	}
	return due
}

// Done records a run of name finishing at now and schedules the next one
func (t *Tracker) Done(name string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[name]
	if !ok {
		return
	}
	task.lastRun = now
	task.next = task.Schedule.Next(now)
}

// Status describes one task for reporting
type Status struct {
	Name    string    `json:"name"`
	LastRun time.Time `json:"last_run,omitempty"`
	NextRun time.Time `json:"next_run,omitempty"`
}

// Snapshot returns every task's timing, sorted by name
func (t *Tracker) Snapshot() []Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Status, 0, len(t.tasks))
	for _, task := range t.tasks {
		out = append(out, Status{Name: task.Name, LastRun: task.lastRun, NextRun: task.next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
