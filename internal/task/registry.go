// Package task runs asynchronous AI jobs. The Registry owns the task state
// machine (running, then exactly one of completed, failed or terminated),
// the Pool executes claimed tasks on a fixed set of workers, and Poll
// implements the client-side polling contract.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/investpilot/portfolio-engine/internal/metrics"
	"github.com/investpilot/portfolio-engine/internal/model"
	"github.com/investpilot/portfolio-engine/internal/store"
	"github.com/investpilot/portfolio-engine/internal/symbol"
)

var (
	// ErrNotOwner is returned when a transition is attempted with a lease
	// that does not hold the task.
	ErrNotOwner = errors.New("lease does not own task")

	// ErrAlreadyClaimed is returned when a second worker claims a task.
	ErrAlreadyClaimed = errors.New("task already claimed")
)

// Listener is notified after every committed task creation or transition.
type Listener func(ctx context.Context, t model.Task)

// Lease binds a running task to the single worker executing it. Its
// context is cancelled when the task is terminated.
type Lease struct {
	Task   model.Task
	ctx    context.Context
	cancel context.CancelFunc
}

// Context is cancelled when the owner terminates the task.
func (l *Lease) Context() context.Context { return l.ctx }

// Registry is the single writer of task state.
type Registry struct {
	store     store.TaskStore
	now       func() time.Time
	mu        sync.Mutex
	leases    map[string]*Lease
	listeners []Listener
}

// NewRegistry creates a registry over st.
func NewRegistry(st store.TaskStore) *Registry {
	return &Registry{
		store:  st,
		now:    func() time.Time { return time.Now().UTC() },
		leases: make(map[string]*Lease),
	}
}

// OnChange registers a listener. Listeners must not block.
func (r *Registry) OnChange(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Submit creates a running task for params. If an equivalent task is
// already running for the user it returns *model.DuplicateTaskError and
// creates nothing; the caller decides whether to wait for the existing task
// or terminate it and resubmit.
func (r *Registry) Submit(ctx context.Context, userID string, params model.TaskParams) (*model.Task, error) {
	if userID == "" {
		return nil, model.Invalidf("user is required")
	}
	if params == nil {
		return nil, model.Invalidf("task params are required")
	}
	params, err := normalizeParams(model.WithDefaults(params))
	if err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	now := r.now().Truncate(time.Microsecond)
	t := &model.Task{
		ID:        uuid.New().String(),
		UserID:    userID,
		Type:      params.Kind(),
		Status:    model.TaskRunning,
		DedupKey:  params.DedupKey(),
		Params:    params,
		CreatedAt: now,
		StartedAt: &now,
	}
	if err := r.store.CreateTask(ctx, t); err != nil {
		var dup *model.DuplicateTaskError
		if errors.As(err, &dup) {
			metrics.TaskDuplicates.WithLabelValues(string(t.Type)).Inc()
			slog.Info("duplicate task suppressed",
				"user", userID, "task_type", t.Type, "existing_task_id", dup.ExistingTaskID)
		}
		return nil, err
	}

	metrics.TasksSubmitted.WithLabelValues(string(t.Type)).Inc()
	slog.Info("task submitted", "task_id", t.ID, "user", userID, "task_type", t.Type)
	r.notify(ctx, *t)
	return t, nil
}

// Claim hands a running task to one worker. The lease context derives from
// parent.
func (r *Registry) Claim(parent context.Context, taskID string) (*Lease, error) {
	t, err := r.store.GetTask(parent, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("claim task %s (%s): %w", taskID, t.Status, model.ErrInvalidTransition)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.leases[taskID]; held {
		return nil, fmt.Errorf("claim task %s: %w", taskID, ErrAlreadyClaimed)
	}
	ctx, cancel := context.WithCancel(parent)
	lease := &Lease{Task: *t, ctx: ctx, cancel: cancel}
	r.leases[taskID] = lease
	metrics.RunningTasks.Inc()
	return lease, nil
}

// Transition moves the leased task to a terminal status and releases the
// lease. It fails with model.ErrInvalidTransition if the task is already
// terminal, for example because its owner terminated it first.
func (r *Registry) Transition(ctx context.Context, lease *Lease, status model.TaskStatus, result model.TaskResult, errMsg string) error {
	if !status.Terminal() {
		return model.Invalidf("cannot transition to %q", status)
	}
	id := lease.Task.ID

	r.mu.Lock()
	held := r.leases[id] == lease
	r.mu.Unlock()
	if !held {
		return fmt.Errorf("transition task %s: %w", id, ErrNotOwner)
	}
	defer r.release(lease)

	if status != model.TaskCompleted {
		result = nil
	}
	err := r.finish(ctx, lease.Task, status, result, model.TruncateTaskError(errMsg))
	if errors.Is(err, model.ErrInvalidTransition) {
		slog.Info("task transition rejected, already terminal", "task_id", id, "status", status)
	}
	return err
}

// Terminate stops a running task on behalf of its owner. The terminated
// state is committed first and the worker's context is cancelled after, so
// a worker that completes concurrently is rejected.
func (r *Registry) Terminate(ctx context.Context, taskID, requester string) (*model.Task, error) {
	t, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.UserID != requester {
		return nil, fmt.Errorf("terminate task %s: %w", taskID, model.ErrForbidden)
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("terminate task %s (%s): %w", taskID, t.Status, model.ErrInvalidTransition)
	}

	if err := r.finish(ctx, *t, model.TaskTerminated, nil, "terminated by user"); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if lease, ok := r.leases[taskID]; ok {
		lease.cancel()
	}
	r.mu.Unlock()

	slog.Info("task terminated", "task_id", taskID, "user", requester)
	return r.store.GetTask(ctx, taskID)
}

// Get returns a task.
func (r *Registry) Get(ctx context.Context, taskID string) (*model.Task, error) {
	return r.store.GetTask(ctx, taskID)
}

// List returns the user's tasks newest first, optionally filtered by status.
func (r *Registry) List(ctx context.Context, userID string, status model.TaskStatus) ([]model.Task, error) {
	if status != "" && !status.Valid() {
		return nil, model.Invalidf("unknown status %q", status)
	}
	return r.store.ListTasks(ctx, userID, status)
}

func (r *Registry) finish(ctx context.Context, t model.Task, status model.TaskStatus, result model.TaskResult, errMsg string) error {
	now := r.now()
	if err := r.store.FinishTask(ctx, t.ID, status, result, errMsg, now); err != nil {
		return err
	}

	metrics.TaskTransitions.WithLabelValues(string(t.Type), string(status)).Inc()
	metrics.TaskDuration.WithLabelValues(string(t.Type)).Observe(now.Sub(t.CreatedAt).Seconds())

	t.Status = status
	t.Result = result
	t.Error = errMsg
	t.CompletedAt = &now
	r.notify(ctx, t)
	return nil
}

func (r *Registry) release(lease *Lease) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.leases[lease.Task.ID] == lease {
		delete(r.leases, lease.Task.ID)
		metrics.RunningTasks.Dec()
	}
	lease.cancel()
}

func (r *Registry) notify(ctx context.Context, t model.Task) {
	r.mu.Lock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, l := range listeners {
		l(context.WithoutCancel(ctx), t)
	}
}

func normalizeParams(p model.TaskParams) (model.TaskParams, error) {
	switch v := p.(type) {
	case model.KlineAnalysisParams:
		if v.Symbol == "" {
			return v, nil
		}
		sym, err := symbol.Normalize(v.Symbol, model.AssetStock)
		if err != nil {
			return nil, err
		}
		v.Symbol = sym
		return v, nil
	case model.PortfolioDiagnosisParams:
		if v.Symbol == "" || !v.AssetType.Valid() {
			return v, nil
		}
		sym, err := symbol.Normalize(v.Symbol, v.AssetType)
		if err != nil {
			return nil, err
		}
		cur, err := model.NormalizeCurrency(v.Currency)
		if err != nil {
			return nil, err
		}
		v.Symbol, v.Currency = sym, cur
		return v, nil
	}
	return p, nil
}
