package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/investpilot/portfolio-engine/internal/events"
	"github.com/investpilot/portfolio-engine/internal/ledger"
	"github.com/investpilot/portfolio-engine/internal/model"
	"github.com/investpilot/portfolio-engine/internal/store"
)

func newTestService(t *testing.T) (*ledger.Service, *store.MemoryStore, *events.Recorder) {
	t.Helper()
	ms := store.NewMemoryStore()
	rec := &events.Recorder{}
	return ledger.NewService(ms, rec), ms, rec
}

func buy(symbol string, day int, price, qty float64) ledger.TransactionInput {
	return ledger.TransactionInput{
		Symbol:    symbol,
		AssetType: model.AssetStock,
		Currency:  "USD",
		Type:      model.Buy,
		Date:      day0.AddDate(0, 0, day),
		Price:     d(price),
		Quantity:  d(qty),
	}
}

func sell(symbol string, day int, price, qty float64) ledger.TransactionInput {
	in := buy(symbol, day, price, qty)
	in.Type = model.Sell
	return in
}

func assertDec(t *testing.T, want float64, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Truef(t, got.Equal(d(want)), "expected %v, got %s %v", want, got, msgAndArgs)
}

func TestService_DepositBuySellExample(t *testing.T) {
	svc, ms, rec := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateCashFlow(ctx, "u1", ledger.CashFlowInput{
		Type: model.Deposit, Date: day0, Amount: d(10000), Currency: "usd",
	})
	require.NoError(t, err)

	_, err = svc.CreateTransaction(ctx, "u1", buy("AAPL", 0, 150, 10))
	require.NoError(t, err)

	pos, err := ms.GetPosition(ctx, model.PositionKey{UserID: "u1", Symbol: "AAPL", AssetType: model.AssetStock, Currency: "USD"})
	require.NoError(t, err)
	assertDec(t, 10, pos.TotalQuantity)
	assertDec(t, 150, pos.AvgCost)
	assertDec(t, 1500, pos.TotalCost)

	tx, err := svc.CreateTransaction(ctx, "u1", sell("AAPL", 1, 180, 4))
	require.NoError(t, err)
	assertDec(t, 120, tx.RealizedPnL)

	pos, err = ms.GetPositionByID(ctx, pos.ID)
	require.NoError(t, err)
	assertDec(t, 6, pos.TotalQuantity)
	assertDec(t, 150, pos.AvgCost)
	assertDec(t, 900, pos.TotalCost)

	acct, err := ms.GetAccount(ctx, "u1", "USD")
	require.NoError(t, err)
	assertDec(t, 10000, acct.TotalDeposit)
	assertDec(t, 120, acct.RealizedPnL)

	assert.Equal(t, []string{events.CashFlowCreated, events.TransactionCreated, events.TransactionCreated}, rec.Types())
}

func TestService_SellExceedingHoldingLeavesLedgerUnchanged(t *testing.T) {
	svc, ms, rec := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateTransaction(ctx, "u1", buy("AAPL", 0, 100, 5))
	require.NoError(t, err)

	_, err = svc.CreateTransaction(ctx, "u1", sell("AAPL", 1, 120, 6))
	require.ErrorIs(t, err, model.ErrInsufficientPosition)

	positions, err := ms.ListPositions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assertDec(t, 5, positions[0].TotalQuantity)

	txs, err := ms.ListTransactions(ctx, positions[0].ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	assert.Len(t, rec.Events(), 1)
}

func TestService_ValidationRejectedBeforeWrite(t *testing.T) {
	svc, ms, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   ledger.TransactionInput
	}{
		{"negative price", buy("AAPL", 0, -1, 1)},
		{"zero quantity", buy("AAPL", 0, 10, 0)},
		{"bad symbol", buy("NOT A TICKER", 0, 10, 1)},
		{"bad currency", func() ledger.TransactionInput { in := buy("AAPL", 0, 10, 1); in.Currency = "XXQ"; return in }()},
		{"bad asset type", func() ledger.TransactionInput { in := buy("AAPL", 0, 10, 1); in.AssetType = "OPTION"; return in }()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateTransaction(ctx, "u1", tt.in)
			assert.ErrorIs(t, err, model.ErrValidation)
		})
	}

	_, err := svc.CreateCashFlow(ctx, "u1", ledger.CashFlowInput{Type: model.Deposit, Amount: d(-5), Currency: "USD"})
	assert.ErrorIs(t, err, model.ErrValidation)

	positions, err := ms.ListPositions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestService_BackdatedBuyRecostsLaterSell(t *testing.T) {
	svc, ms, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateTransaction(ctx, "u1", buy("AAPL", 0, 100, 10))
	require.NoError(t, err)
	sold, err := svc.CreateTransaction(ctx, "u1", sell("AAPL", 5, 150, 10))
	require.NoError(t, err)
	assertDec(t, 500, sold.RealizedPnL)

	// A buy dated between them changes the average cost the sell used.
	_, err = svc.CreateTransaction(ctx, "u1", buy("AAPL", 2, 200, 10))
	require.NoError(t, err)

	resold, err := ms.GetTransaction(ctx, sold.ID)
	require.NoError(t, err)
	// avg = 3000/20 = 150, so the sell realizes 0.
	assertDec(t, 0, resold.RealizedPnL)

	acct, err := ms.GetAccount(ctx, "u1", "USD")
	require.NoError(t, err)
	assertDec(t, 0, acct.RealizedPnL)
}

func TestService_EditMakingSellInfeasibleIsRejected(t *testing.T) {
	svc, ms, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.CreateTransaction(ctx, "u1", buy("AAPL", 0, 100, 10))
	require.NoError(t, err)
	_, err = svc.CreateTransaction(ctx, "u1", sell("AAPL", 1, 110, 8))
	require.NoError(t, err)

	_, err = svc.EditTransaction(ctx, "u1", first.ID, ledger.TransactionEdit{Quantity: d(5)})
	require.ErrorIs(t, err, model.ErrInsufficientPosition)

	unchanged, err := ms.GetTransaction(ctx, first.ID)
	require.NoError(t, err)
	assertDec(t, 10, unchanged.Quantity)

	pos, err := ms.GetPositionByID(ctx, first.PositionID)
	require.NoError(t, err)
	assertDec(t, 2, pos.TotalQuantity)
}

func TestService_EditReplaysPositionAndAccount(t *testing.T) {
	svc, ms, rec := newTestService(t)
	ctx := context.Background()

	first, err := svc.CreateTransaction(ctx, "u1", buy("AAPL", 0, 100, 10))
	require.NoError(t, err)
	_, err = svc.CreateTransaction(ctx, "u1", sell("AAPL", 1, 110, 5))
	require.NoError(t, err)

	edited, err := svc.EditTransaction(ctx, "u1", first.ID, ledger.TransactionEdit{Price: d(90)})
	require.NoError(t, err)
	assertDec(t, 900, edited.Amount)

	pos, err := ms.GetPositionByID(ctx, first.PositionID)
	require.NoError(t, err)
	assertDec(t, 5, pos.TotalQuantity)
	assertDec(t, 90, pos.AvgCost)
	assertDec(t, 450, pos.TotalCost)

	acct, err := ms.GetAccount(ctx, "u1", "USD")
	require.NoError(t, err)
	assertDec(t, 100, acct.RealizedPnL)

	assert.Contains(t, rec.Types(), events.TransactionUpdated)
}

func TestService_DeleteTransactionReplays(t *testing.T) {
	svc, ms, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.CreateTransaction(ctx, "u1", buy("AAPL", 0, 100, 10))
	require.NoError(t, err)
	_, err = svc.CreateTransaction(ctx, "u1", buy("AAPL", 1, 200, 10))
	require.NoError(t, err)
	sold, err := svc.CreateTransaction(ctx, "u1", sell("AAPL", 2, 180, 10))
	require.NoError(t, err)
	assertDec(t, 300, sold.RealizedPnL)

	// Deleting a buy the sell depends on is rejected.
	_, err = svc.CreateTransaction(ctx, "u1", sell("AAPL", 3, 180, 10))
	require.NoError(t, err)
	require.ErrorIs(t, svc.DeleteTransaction(ctx, "u1", first.ID), model.ErrInsufficientPosition)

	// Deleting the sell reverses its realized P&L.
	require.NoError(t, svc.DeleteTransaction(ctx, "u1", sold.ID))
	_, err = ms.GetTransaction(ctx, sold.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	pos, err := ms.GetPositionByID(ctx, first.PositionID)
	require.NoError(t, err)
	assertDec(t, 10, pos.TotalQuantity)
	assertDec(t, 150, pos.AvgCost)
	assertDec(t, 300, pos.RealizedPnL)

	acct, err := ms.GetAccount(ctx, "u1", "USD")
	require.NoError(t, err)
	assertDec(t, 300, acct.RealizedPnL)
}

func TestService_DeleteCashFlowReversesAccount(t *testing.T) {
	svc, ms, _ := newTestService(t)
	ctx := context.Background()

	dep, err := svc.CreateCashFlow(ctx, "u1", ledger.CashFlowInput{Type: model.Deposit, Amount: d(1000), Currency: "EUR"})
	require.NoError(t, err)
	_, err = svc.CreateCashFlow(ctx, "u1", ledger.CashFlowInput{Type: model.Withdrawal, Amount: d(250), Currency: "EUR"})
	require.NoError(t, err)

	acct, err := ms.GetAccount(ctx, "u1", "EUR")
	require.NoError(t, err)
	assertDec(t, 750, acct.NetDeposit())

	require.NoError(t, svc.DeleteCashFlow(ctx, "u1", dep.ID))
	acct, err = ms.GetAccount(ctx, "u1", "EUR")
	require.NoError(t, err)
	assertDec(t, 0, acct.TotalDeposit)
	assertDec(t, 250, acct.TotalWithdrawal)

	assert.ErrorIs(t, svc.DeleteCashFlow(ctx, "u1", dep.ID), model.ErrNotFound)
}

func TestService_OtherUsersRecordsAreInvisible(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tx, err := svc.CreateTransaction(ctx, "u1", buy("AAPL", 0, 100, 1))
	require.NoError(t, err)
	cf, err := svc.CreateCashFlow(ctx, "u1", ledger.CashFlowInput{Type: model.Deposit, Amount: d(10), Currency: "USD"})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.DeleteTransaction(ctx, "u2", tx.ID), model.ErrNotFound)
	assert.ErrorIs(t, svc.DeleteCashFlow(ctx, "u2", cf.ID), model.ErrNotFound)
	_, err = svc.EditTransaction(ctx, "u2", tx.ID, ledger.TransactionEdit{Price: d(1)})
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = svc.Transactions(ctx, "u2", tx.PositionID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestService_ConcurrentWritesPerUserAreSerialized(t *testing.T) {
	svc, ms, _ := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := "u1"
			if i%2 == 1 {
				user = "u2"
			}
			in := buy("AAPL", 0, 10, 1)
			_, err := svc.CreateTransaction(ctx, user, in)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for _, user := range []string{"u1", "u2"} {
		positions, err := ms.ListPositions(ctx, user)
		require.NoError(t, err)
		require.Len(t, positions, 1, "exactly one position per key")
		assertDec(t, 25, positions[0].TotalQuantity, user)

		txs, err := ms.ListTransactions(ctx, positions[0].ID)
		require.NoError(t, err)
		assert.Len(t, txs, 25)
	}
}

func TestService_CreatedAtHasStorePrecision(t *testing.T) {
	svc, _, _ := newTestService(t)
	tx, err := svc.CreateTransaction(context.Background(), "u1", buy("AAPL", 0, 10, 1))
	require.NoError(t, err)
	assert.Equal(t, tx.CreatedAt, tx.CreatedAt.Truncate(time.Microsecond))
	assert.Equal(t, 0, tx.Date.Hour())
}

// interleavingStore runs hook once, the first time a position history is
// read, to let another writer commit between the reads and the commit.
type interleavingStore struct {
	*store.MemoryStore
	once sync.Once
	hook func()
}

func (s *interleavingStore) ListTransactions(ctx context.Context, positionID string) ([]model.Transaction, error) {
	s.once.Do(s.hook)
	return s.MemoryStore.ListTransactions(ctx, positionID)
}

// tickingClock returns a clock that advances one second per call, shared by
// services standing in for separate instances.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func TestService_StaleReadAcrossInstancesConflicts(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	clock := tickingClock()

	other := ledger.NewService(ms, events.Nop{})
	other.SetClock(clock)
	_, err := other.CreateTransaction(ctx, "u1", buy("AAPL", 0, 10, 10))
	require.NoError(t, err)

	var otherErr error
	wrapped := &interleavingStore{MemoryStore: ms, hook: func() {
		_, otherErr = other.CreateTransaction(ctx, "u1", sell("AAPL", 1, 15, 10))
	}}
	svc := ledger.NewService(wrapped, events.Nop{})
	svc.SetClock(clock)

	_, err = svc.CreateTransaction(ctx, "u1", sell("AAPL", 2, 15, 10))
	require.NoError(t, otherErr)
	require.ErrorIs(t, err, model.ErrConflict)

	pos, err := ms.GetPosition(ctx, model.PositionKey{UserID: "u1", Symbol: "AAPL", AssetType: model.AssetStock, Currency: "USD"})
	require.NoError(t, err)
	assertDec(t, 0, pos.TotalQuantity)
	txs, err := ms.ListTransactions(ctx, pos.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 2)

	acct, err := ms.GetAccount(ctx, "u1", "USD")
	require.NoError(t, err)
	assertDec(t, 50, acct.RealizedPnL, "realized once")
}

func TestService_ConcurrentInstancesCannotOversell(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	clock := tickingClock()

	var instances []*ledger.Service
	for i := 0; i < 2; i++ {
		svc := ledger.NewService(ms, events.Nop{})
		svc.SetClock(clock)
		instances = append(instances, svc)
	}
	_, err := instances[0].CreateTransaction(ctx, "u1", buy("AAPL", 0, 10, 10))
	require.NoError(t, err)

	errs := make([]error, len(instances))
	var wg sync.WaitGroup
	for i, svc := range instances {
		wg.Add(1)
		go func(i int, svc *ledger.Service) {
			defer wg.Done()
			_, errs[i] = svc.CreateTransaction(ctx, "u1", sell("AAPL", 1, 12, 10))
		}(i, svc)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, errors.Is(err, model.ErrConflict) || errors.Is(err, model.ErrInsufficientPosition), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, ok, "exactly one sell commits")

	acct, err := ms.GetAccount(ctx, "u1", "USD")
	require.NoError(t, err)
	assertDec(t, 20, acct.RealizedPnL)
}

func TestService_CashFlowOnStaleAccountConflicts(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	clock := tickingClock()

	svc := ledger.NewService(ms, events.Nop{})
	svc.SetClock(clock)
	_, err := svc.CreateCashFlow(ctx, "u1", ledger.CashFlowInput{Type: model.Deposit, Amount: d(100), Currency: "USD"})
	require.NoError(t, err)

	acct, err := ms.GetAccount(ctx, "u1", "USD")
	require.NoError(t, err)
	stale := acct.UpdatedAt
	acct.TotalDeposit = d(1)
	acct.UpdatedAt = clock()
	err = ms.CommitLedger(ctx, model.LedgerChange{UserID: "u1", Account: acct, AccountVersion: &stale})
	require.NoError(t, err)

	// A second writer still holding the first version is rejected.
	acct.UpdatedAt = clock()
	err = ms.CommitLedger(ctx, model.LedgerChange{UserID: "u1", Account: acct, AccountVersion: &stale})
	require.ErrorIs(t, err, model.ErrConflict)
}
