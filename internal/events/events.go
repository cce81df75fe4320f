// Package events publishes committed ledger changes and task transitions.
// Publication always happens after the underlying write is durable and a
// failure to publish never undoes or fails the write.
package events

import (
	"context"
	"sync"
	"time"
)

// Event types.
const (
	CashFlowCreated    = "CASH_FLOW_CREATED"
	CashFlowDeleted    = "CASH_FLOW_DELETED"
	TransactionCreated = "TRANSACTION_CREATED"
	TransactionUpdated = "TRANSACTION_UPDATED"
	TransactionDeleted = "TRANSACTION_DELETED"
	SignalAdopted      = "SIGNAL_ADOPTED"
	TaskStatusChanged  = "TASK_STATUS_CHANGED"
)

// Event is one audit record. Key orders events per user on the wire.
type Event struct {
	EventType string    `json:"event_type"`
	UserID    string    `json:"user_id"`
	EntityID  string    `json:"entity_id"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher delivers events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) error { return nil }
func (Nop) Close() error                            { return nil }

// Recorder keeps published events in memory. Used in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, events ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the event types published so far, in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType
	}
	return out
}
