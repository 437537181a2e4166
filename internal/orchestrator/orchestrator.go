// Package orchestrator manages the population of active runners.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/veranemoloko/drop-runner/internal/domain"
	errpkg "github.com/veranemoloko/drop-runner/internal/errors"
	"github.com/veranemoloko/drop-runner/internal/metrics"
	"github.com/veranemoloko/drop-runner/internal/proxy"
	"github.com/veranemoloko/drop-runner/internal/runner"
)

const defaultEventBuffer = 256

var ErrShuttingDown = errors.New("orchestrator is shutting down")

// ProfileSource looks up billing profiles referenced by tasks.
type ProfileSource interface {
	Get(id string) (*domain.Profile, error)
}

// Orchestrator starts and stops runners and merges their status events
// into one stream. At most one runner is active per task.
type Orchestrator struct {
	mu      sync.Mutex
	runners map[string]*runner.Runner
	closed  bool

	pool     *proxy.Pool
	profiles ProfileSource
	deps     runner.Deps
	events   chan domain.StatusEvent
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*options)

type options struct {
	eventBuffer int
}

// WithEventBuffer sets the capacity of the merged event stream.
func WithEventBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.eventBuffer = n
		}
	}
}

// New creates an Orchestrator. deps.Pool is replaced by pool.
func New(pool *proxy.Pool, profiles ProfileSource, deps runner.Deps, logger *slog.Logger, opts ...Option) *Orchestrator {
	cfg := options{eventBuffer: defaultEventBuffer}
	for _, opt := range opts {
		opt(&cfg)
	}

	deps.Pool = pool
	deps.Logger = logger
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		runners:  make(map[string]*runner.Runner),
		pool:     pool,
		profiles: profiles,
		deps:     deps,
		events:   make(chan domain.StatusEvent, cfg.eventBuffer),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Events is the merged status stream of every runner. Events of one task
// arrive in the order its runner emitted them. The channel is closed by
// Shutdown.
func (o *Orchestrator) Events() <-chan domain.StatusEvent { return o.events }

// Pool returns the proxy pool shared by the runners.
func (o *Orchestrator) Pool() *proxy.Pool { return o.pool }

// ProxyStats returns the pool occupancy.
func (o *Orchestrator) ProxyStats() domain.Occupancy { return o.pool.Occupancy() }

// Start launches a runner for task and returns without waiting for it. It
// reports false when a runner for the task is already active. Without wait
// a proxy is reserved up front and an exhausted pool fails the call; with
// wait the runner queues for a proxy itself. An empty pool runs direct.
func (o *Orchestrator) Start(task domain.Task, wait bool) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false, ErrShuttingDown
	}
	if _, ok := o.runners[task.ID]; ok {
		return false, nil
	}

	profile, err := o.profiles.Get(task.ProfileID)
	if err != nil {
		return false, fmt.Errorf("task %s: %w", task.ID, err)
	}

	runnerID := uuid.NewString()

	var reserved *domain.Proxy
	if !wait && o.pool.Size() > 0 {
		p, err := o.pool.Reserve(o.ctx, runnerID, false)
		if err != nil {
			return false, fmt.Errorf("task %s: %w", task.ID, err)
		}
		reserved = &p
	}

	r := runner.New(runnerID, task, profile, o.deps, reserved)
	o.runners[task.ID] = r

	metrics.RunnersStarted.Inc()
	metrics.RunnersActive.Inc()
	o.logger.Info("runner started", "task_id", task.ID, "runner_id", runnerID, "wait_proxy", wait)

	o.wg.Add(2)
	go o.run(r)
	go o.forward(r)
	return true, nil
}

// StartAll starts every task. Failures are joined; the other tasks still
// start.
func (o *Orchestrator) StartAll(tasks []domain.Task, wait bool) error {
	errs := make([]error, len(tasks))
	var g errgroup.Group
	for i, task := range tasks {
		g.Go(func() error {
			_, errs[i] = o.Start(task, wait)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Stop signals the task's runner to abort. It does not wait for it.
func (o *Orchestrator) Stop(taskID string) bool {
	o.mu.Lock()
	r, ok := o.runners[taskID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	r.Stop()
	o.logger.Info("runner stop requested", "task_id", taskID, "runner_id", r.ID())
	return true
}

// StopAll stops the given tasks, or every active task when ids is empty.
func (o *Orchestrator) StopAll(taskIDs []string) int {
	if len(taskIDs) == 0 {
		taskIDs = o.Running()
	}
	n := 0
	for _, id := range taskIDs {
		if o.Stop(id) {
			n++
		}
	}
	return n
}

// IsRunning reports whether a runner is active for the task right now.
func (o *Orchestrator) IsRunning(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runners[taskID]
	return ok
}

// Running returns the ids of tasks with an active runner.
func (o *Orchestrator) Running() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.runners))
	for id := range o.runners {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops every runner and waits for them to finish. If ctx expires
// first, in-flight requests are cancelled.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.StopAll(nil)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		close(o.events)
		o.logger.Info("orchestrator stopped")
		return nil
	case <-ctx.Done():
		o.cancel()
		o.logger.Warn("orchestrator shutdown timed out, cancelling in-flight requests")
		return ctx.Err()
	}
}

func (o *Orchestrator) run(r *runner.Runner) {
	defer o.wg.Done()
	r.Run(o.ctx)
}

// forward relays one runner's events. Cleanup runs exactly once, before
// the terminal event is re-emitted, or when the stream ends without one.
func (o *Orchestrator) forward(r *runner.Runner) {
	defer o.wg.Done()

	var once sync.Once
	cleanup := func() { once.Do(func() { o.cleanup(r) }) }
	defer cleanup()

	terminal := false
	for ev := range r.Events() {
		if ev.Stage.Terminal() {
			terminal = true
			cleanup()
		}
		o.events <- ev
	}

	if !terminal {
		cleanup()
		o.events <- domain.StatusEvent{
			TaskID:    r.TaskID(),
			RunnerID:  r.ID(),
			Message:   "Runner ended unexpectedly",
			Stage:     domain.StageErrored,
			Timestamp: time.Now().UTC(),
		}
	}
}

func (o *Orchestrator) cleanup(r *runner.Runner) {
	if p := r.Proxy(); p != nil {
		o.pool.Release(r.ID(), p.ID)
	}

	o.mu.Lock()
	if cur, ok := o.runners[r.TaskID()]; ok && cur == r {
		delete(o.runners, r.TaskID())
	}
	o.mu.Unlock()

	metrics.RunnersActive.Dec()
	o.logger.Debug("runner cleaned up", "task_id", r.TaskID(), "runner_id", r.ID())
}

// IsNoProxy reports whether err is a start failure caused by an exhausted
// pool.
func IsNoProxy(err error) bool {
	return errors.Is(err, errpkg.ErrNoProxyAvailable)
}
