package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/investpilot/portfolio-engine/internal/model"
)

// ErrQueueFull is returned by Pool.Submit when no worker can accept the
// task. The task is recorded as failed.
var ErrQueueFull = errors.New("task queue is full")

const errShutdown = "interrupted by server shutdown"

// PoolConfig sizes a Pool.
type PoolConfig struct {
	Workers    int
	QueueSize  int
	MaxRuntime time.Duration
}

// Pool executes submitted tasks on a fixed number of workers. Each task is
// claimed by exactly one worker, which is the only one to transition it.
type Pool struct {
	registry *Registry
	exec     Executor
	cfg      PoolConfig

	queue  chan string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool creates a pool. Call Start before submitting.
func NewPool(registry *Registry, exec Executor, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.MaxRuntime <= 0 {
		cfg.MaxRuntime = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		registry: registry,
		exec:     exec,
		cfg:      cfg,
		queue:    make(chan string, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Registry returns the registry the pool executes against.
func (p *Pool) Registry() *Registry { return p.registry }

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	slog.Info("task pool started", "workers", p.cfg.Workers, "queue", p.cfg.QueueSize)
}

// Stop stops accepting tasks, cancels running ones and waits for the
// workers to finish. Tasks still queued are failed.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	slog.Info("task pool stopped")
}

// Submit registers a task and queues it for execution. Duplicates are
// reported as by Registry.Submit.
func (p *Pool) Submit(ctx context.Context, userID string, params model.TaskParams) (*model.Task, error) {
	t, err := p.registry.Submit(ctx, userID, params)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	queued := false
	if !p.closed {
		select {
		case p.queue <- t.ID:
			queued = true
		default:
		}
	}
	p.mu.RUnlock()

	if !queued {
		p.failUnqueued(ctx, t.ID)
		return nil, fmt.Errorf("task %s: %w", t.ID, ErrQueueFull)
	}
	return t, nil
}

func (p *Pool) failUnqueued(ctx context.Context, id string) {
	lease, err := p.registry.Claim(context.WithoutCancel(ctx), id)
	if err != nil {
		return
	}
	if err := p.registry.Transition(context.WithoutCancel(ctx), lease, model.TaskFailed, nil, ErrQueueFull.Error()); err != nil {
		slog.Warn("failed to fail unqueued task", "task_id", id, "err", err)
	}
}

func (p *Pool) worker(n int) {
	defer p.wg.Done()
	for id := range p.queue {
		p.run(id)
	}
	slog.Debug("task worker exiting", "worker", n)
}

// run executes one task and records its outcome. Store calls run detached
// from the pool context so that tasks drained during Stop are still
// claimed and failed.
func (p *Pool) run(id string) {
	lease, err := p.registry.Claim(context.WithoutCancel(p.ctx), id)
	if err != nil {
		// Terminated before a worker picked it up.
		if !errors.Is(err, model.ErrInvalidTransition) {
			slog.Error("claiming task", "task_id", id, "err", err)
		}
		return
	}
	log := slog.With("task_id", id, "task_type", lease.Task.Type)

	status, result, errMsg := p.execute(lease)

	// Transitions are recorded even while shutting down.
	if err := p.registry.Transition(context.WithoutCancel(p.ctx), lease, status, result, errMsg); err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			log.Info("task outcome discarded, already terminal", "outcome", status)
			return
		}
		log.Error("recording task outcome", "err", err)
		return
	}
	log.Info("task finished", "status", status)
}

func (p *Pool) execute(lease *Lease) (status model.TaskStatus, result model.TaskResult, errMsg string) {
	if p.ctx.Err() != nil {
		return model.TaskFailed, nil, errShutdown
	}

	ctx, cancel := context.WithTimeout(lease.Context(), p.cfg.MaxRuntime)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("task panicked", "task_id", lease.Task.ID, "panic", r)
			status, result, errMsg = model.TaskFailed, nil, fmt.Sprintf("internal error: %v", r)
		}
	}()

	res, err := p.exec.Execute(ctx, lease.Task)
	if err == nil && ctx.Err() == nil {
		return model.TaskCompleted, res, ""
	}
	switch {
	case p.ctx.Err() != nil:
		return model.TaskFailed, nil, errShutdown
	case lease.Context().Err() != nil:
		return model.TaskTerminated, nil, "terminated by user"
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return model.TaskFailed, nil, fmt.Sprintf("task exceeded maximum runtime of %s", p.cfg.MaxRuntime)
	}
	return model.TaskFailed, nil, err.Error()
}
