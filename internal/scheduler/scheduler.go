// Package scheduler runs the periodic sweeps of the booking core: seat-hold
// expiry, active-occupant eviction, queue admission and outbox dispatch.
// Each task runs on its own ticker; a failing or panicking run is logged and
// the next tick proceeds normally.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/ticket-booking-core/internal/clock"
)

// Task is one periodic job. Trigger, when set, runs the task early each
// time a value arrives.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
	Trigger  <-chan struct{}
}

// Metrics is a snapshot of one task's history.
type Metrics struct {
	Name      string    `json:"name"`
	Interval  string    `json:"interval"`
	Runs      int64     `json:"runs"`
	Failures  int64     `json:"failures"`
	LastRun   time.Time `json:"lastRun"`
	LastError string    `json:"lastError,omitempty"`
}

type taskState struct {
	task Task
	mu   sync.Mutex
	m    Metrics
}

// Runner owns a set of tasks and their goroutines.
type Runner struct {
	clock clock.Clock
	log   *zap.Logger
	tasks []*taskState

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewRunner returns a stopped Runner.
func NewRunner(clk clock.Clock, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{clock: clk, log: log.Named("scheduler")}
}

// Add registers a task. Tasks must be added before Start.
func (r *Runner) Add(t Task) error {
	if t.Name == "" || t.Run == nil {
		return errors.New("scheduler: task needs a name and a run func")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("scheduler: task %s has non-positive interval", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("scheduler: cannot add %s while running", t.Name)
	}
	r.tasks = append(r.tasks, &taskState{task: t, m: Metrics{Name: t.Name, Interval: t.Interval.String()}})
	return nil
}

// Start launches one goroutine per task. It returns an error when already
// running.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("scheduler already running")
	}
	r.running = true
	r.stopCh = make(chan struct{})
	for _, ts := range r.tasks {
		r.wg.Add(1)
		go r.loop(ctx, ts)
	}
	r.log.Info("scheduler started", zap.Int("tasks", len(r.tasks)))
	return nil
}

// Stop signals every task and waits for in-flight runs to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	r.log.Info("scheduler stopped")
}

func (r *Runner) loop(ctx context.Context, ts *taskState) {
	defer r.wg.Done()

	ticker := time.NewTicker(ts.task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runOnce(ctx, ts)
		case <-ts.task.Trigger:
			r.runOnce(ctx, ts)
		}
	}
}

// runOnce executes a task immediately, recording the outcome. Panics are
// recovered and counted as failures.
func (r *Runner) runOnce(ctx context.Context, ts *taskState) {
	err := safeRun(ctx, ts.task.Run)

	ts.mu.Lock()
	ts.m.Runs++
	ts.m.LastRun = r.clock.Now()
	if err != nil {
		ts.m.Failures++
		ts.m.LastError = err.Error()
	} else {
		ts.m.LastError = ""
	}
	ts.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		r.log.Error("task run failed", zap.String("task", ts.task.Name), zap.Error(err))
	}
}

// RunNamed runs the named task once, outside its schedule.
func (r *Runner) RunNamed(ctx context.Context, name string) error {
	for _, ts := range r.tasks {
		if ts.task.Name == name {
			r.runOnce(ctx, ts)
			return nil
		}
	}
	return fmt.Errorf("scheduler: unknown task %q", name)
}

// Metrics returns a snapshot for every task in registration order.
func (r *Runner) Metrics() []Metrics {
	out := make([]Metrics, 0, len(r.tasks))
	for _, ts := range r.tasks {
		ts.mu.Lock()
		out = append(out, ts.m)
		ts.mu.Unlock()
	}
	return out
}

func safeRun(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(ctx)
}
