package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/investpilot/portfolio-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Ledger snapshots are cached per user under a generation counter
// that every ledger commit increments, so a snapshot read from the primary
// before a commit can only be written under a generation no reader asks
// for any more. Tasks are cached only once terminal, since a terminal task
// never changes again.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, bump generation) ---

func (s *CachedStore) CommitLedger(ctx context.Context, c model.LedgerChange) error {
	if err := s.Store.CommitLedger(ctx, c); err != nil {
		return err
	}
	if err := s.rdb.Incr(ctx, snapshotGenKey(c.UserID)).Err(); err != nil {
		slog.Warn("snapshot cache invalidation failed", "user", c.UserID, "err", err)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) Snapshot(ctx context.Context, userID string) (*model.LedgerSnapshot, error) {
	// The generation must be read before the primary.
	gen, err := s.rdb.Get(ctx, snapshotGenKey(userID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		slog.Warn("snapshot generation read failed", "user", userID, "err", err)
		return s.Store.Snapshot(ctx, userID)
	}
	key := snapshotKey(userID, gen)

	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var snap model.LedgerSnapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	snap, err := s.Store.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(snap); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return snap, nil
}

func (s *CachedStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	data, err := s.rdb.Get(ctx, taskKey(id)).Bytes()
	if err == nil {
		var t model.Task
		if json.Unmarshal(data, &t) == nil {
			return &t, nil
		}
	}

	t, err := s.Store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		if data, err := json.Marshal(t); err == nil {
			s.rdb.Set(ctx, taskKey(id), data, s.ttl)
		}
	}
	return t, nil
}

// --- Cache helpers ---

func snapshotKey(uid string, gen int64) string { return fmt.Sprintf("snapshot:%s:%d", uid, gen) }
func snapshotGenKey(uid string) string         { return fmt.Sprintf("snapshot-gen:%s", uid) }
func taskKey(id string) string                 { return fmt.Sprintf("task:%s", id) }
