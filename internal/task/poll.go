package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/investpilot/portfolio-engine/internal/model"
)

// ErrPollExhausted is returned by Poll when the task is still running after
// the last attempt.
var ErrPollExhausted = errors.New("task still running after polling")

// Getter reads a task by ID.
type Getter interface {
	Get(ctx context.Context, taskID string) (*model.Task, error)
}

// Poll reads the task every interval, at most attempts times, and returns
// as soon as it is terminal. When attempts run out it returns the last
// state read together with ErrPollExhausted.
func Poll(ctx context.Context, g Getter, taskID string, interval time.Duration, attempts int) (*model.Task, error) {
	if attempts <= 0 {
		attempts = 1
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *model.Task
	for i := 0; i < attempts; i++ {
		t, err := g.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if t.Status.Terminal() {
			return t, nil
		}
		last = t
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
	return last, fmt.Errorf("task %s after %d attempts: %w", taskID, attempts, ErrPollExhausted)
}
