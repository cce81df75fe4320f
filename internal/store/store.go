// Package store defines the persistence interface for the portfolio engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache) and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/investpilot/portfolio-engine/internal/model"
)

// Store is the persistence interface. Lookups of missing records return an
// error wrapping model.ErrNotFound.
type Store interface {
	LedgerStore
	SignalStore
	TaskStore
	ValuationStore
}

// LedgerStore holds accounts, cash flows, positions and transactions.
type LedgerStore interface {
	// GetAccount returns the user's account in currency.
	GetAccount(ctx context.Context, userID, currency string) (*model.Account, error)

	// ListAccounts returns all of the user's accounts.
	ListAccounts(ctx context.Context, userID string) ([]model.Account, error)

	GetCashFlow(ctx context.Context, id string) (*model.CashFlow, error)

	// ListCashFlows returns the user's cash flows, newest first.
	ListCashFlows(ctx context.Context, userID string) ([]model.CashFlow, error)

	// GetPosition returns the position for key.
	GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error)

	GetPositionByID(ctx context.Context, id string) (*model.Position, error)

	// ListPositions returns the user's positions, including those at zero.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)

	// ListTransactions returns a position's transactions in history order.
	ListTransactions(ctx context.Context, positionID string) ([]model.Transaction, error)

	// CommitLedger applies every effect of change atomically. If the change
	// adopts a signal that is already adopted it fails with
	// model.ErrAlreadyAdopted, and if a pinned position or account version
	// no longer matches it fails with model.ErrConflict. In both cases
	// nothing is written.
	CommitLedger(ctx context.Context, change model.LedgerChange) error

	// Snapshot returns the user's accounts and positions from one
	// consistent read view.
	Snapshot(ctx context.Context, userID string) (*model.LedgerSnapshot, error)
}

// SignalFilter narrows ListSignals. Zero fields match everything.
type SignalFilter struct {
	Symbol string
	Model  string
	Limit  int
}

// SignalStore holds AI trade signals.
type SignalStore interface {
	// InsertSignals stores signals, skipping any whose (symbol, date, model)
	// already exists. It returns the signals actually inserted.
	InsertSignals(ctx context.Context, signals []model.TradeSignal) ([]model.TradeSignal, error)

	GetSignal(ctx context.Context, id string) (*model.TradeSignal, error)

	// ListSignals returns signals newest date first.
	ListSignals(ctx context.Context, filter SignalFilter) ([]model.TradeSignal, error)
}

// TaskStore holds AI task records.
type TaskStore interface {
	// CreateTask inserts a running task unless a running task with the same
	// (user, type, dedup key) exists, in which case it returns a
	// *model.DuplicateTaskError. Check and insert are atomic.
	CreateTask(ctx context.Context, task *model.Task) error

	GetTask(ctx context.Context, id string) (*model.Task, error)

	// ListTasks returns the user's tasks newest first. An empty status
	// matches every status.
	ListTasks(ctx context.Context, userID string, status model.TaskStatus) ([]model.Task, error)

	// FinishTask moves a running task to a terminal status. It is a
	// compare-and-swap from running: a task that is already terminal yields
	// model.ErrInvalidTransition.
	FinishTask(ctx context.Context, id string, status model.TaskStatus, result model.TaskResult, errMsg string, at time.Time) error
}

// ValuationStore holds daily valuation history.
type ValuationStore interface {
	// SaveDailyValuation inserts v unless a valuation for the same user,
	// currency and date exists. It reports whether v was inserted.
	SaveDailyValuation(ctx context.Context, v *model.DailyValuation) (bool, error)

	// ListDailyValuations returns the user's valuations in currency dated
	// on or after from, oldest first. A zero from matches every date.
	ListDailyValuations(ctx context.Context, userID, currency string, from time.Time) ([]model.DailyValuation, error)

	// ListLedgerUsers returns every user holding an account or a position.
	ListLedgerUsers(ctx context.Context) ([]string, error)
}

// versionMatches reports whether a stored record (exists, updatedAt) is the
// one a change was computed from. A nil want matches anything.
func versionMatches(exists bool, updatedAt time.Time, want *time.Time) bool {
	switch {
	case want == nil:
		return true
	case !exists:
		return want.IsZero()
	default:
		return !want.IsZero() && updatedAt.Equal(*want)
	}
}
