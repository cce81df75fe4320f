package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/investpilot/portfolio-engine/internal/model"
	"github.com/investpilot/portfolio-engine/internal/store"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

// pausingStore holds the first Snapshot after it has read the primary
// until resume is closed.
type pausingStore struct {
	store.Store
	once   sync.Once
	read   chan struct{}
	resume chan struct{}
}

func (p *pausingStore) Snapshot(ctx context.Context, userID string) (*model.LedgerSnapshot, error) {
	snap, err := p.Store.Snapshot(ctx, userID)
	p.once.Do(func() {
		close(p.read)
		<-p.resume
	})
	return snap, err
}

func deposit(userID string, total int64) model.LedgerChange {
	return model.LedgerChange{UserID: userID, Account: &model.Account{
		ID: "a-" + userID, UserID: userID, Currency: "USD", TotalDeposit: decimal.NewFromInt(total),
	}}
}

func TestCachedStore_SnapshotReadThroughAndInvalidation(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()
	cs := store.NewCachedStore(store.NewMemoryStore(), rdb, time.Minute)

	require.NoError(t, cs.CommitLedger(ctx, deposit("u1", 100)))
	snap, err := cs.Snapshot(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, snap.Accounts, 1)
	first := snap.TakenAt

	snap, err = cs.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, snap.TakenAt.Equal(first), "second read is served from cache")

	require.NoError(t, cs.CommitLedger(ctx, deposit("u1", 300)))
	snap, err = cs.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, snap.Accounts[0].TotalDeposit.Equal(decimal.NewFromInt(300)))
}

func TestCachedStore_SnapshotRacingCommitIsNotCached(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()
	primary := &pausingStore{Store: store.NewMemoryStore(), read: make(chan struct{}), resume: make(chan struct{})}
	cs := store.NewCachedStore(primary, rdb, time.Minute)

	require.NoError(t, cs.CommitLedger(ctx, deposit("u1", 100)))

	done := make(chan *model.LedgerSnapshot)
	go func() {
		snap, err := cs.Snapshot(ctx, "u1")
		assert.NoError(t, err)
		done <- snap
	}()

	// The reader holds a pre-commit snapshot while the commit lands.
	<-primary.read
	require.NoError(t, cs.CommitLedger(ctx, deposit("u1", 250)))
	close(primary.resume)
	stale := <-done
	assert.True(t, stale.Accounts[0].TotalDeposit.Equal(decimal.NewFromInt(100)))

	snap, err := cs.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, snap.Accounts[0].TotalDeposit.Equal(decimal.NewFromInt(250)), "got %s", snap.Accounts[0].TotalDeposit)
}

func TestCachedStore_CachesOnlyTerminalTasks(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()
	cs := store.NewCachedStore(store.NewMemoryStore(), rdb, time.Minute)

	task := newRunningTask("u1", "AAPL")
	require.NoError(t, cs.CreateTask(ctx, task))

	_, err := cs.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, mr.Exists("task:"+task.ID))

	require.NoError(t, cs.FinishTask(ctx, task.ID, model.TaskFailed, nil, "provider unavailable", time.Now().UTC()))

	got, err := cs.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.True(t, mr.Exists("task:"+task.ID))

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("task:"+task.ID))
}

func TestCachedStore_RedisDownFallsBackToPrimary(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()
	cs := store.NewCachedStore(store.NewMemoryStore(), rdb, time.Minute)
	require.NoError(t, cs.CommitLedger(ctx, deposit("u1", 100)))

	mr.Close()
	snap, err := cs.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, snap.Accounts, 1)
}
