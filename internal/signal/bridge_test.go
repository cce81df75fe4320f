package signal_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/investpilot/portfolio-engine/internal/events"
	"github.com/investpilot/portfolio-engine/internal/ledger"
	"github.com/investpilot/portfolio-engine/internal/model"
	"github.com/investpilot/portfolio-engine/internal/signal"
	"github.com/investpilot/portfolio-engine/internal/store"
)

var signalDay = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func setup(t *testing.T, sigs ...model.TradeSignal) (*signal.Bridge, *store.MemoryStore, *events.Recorder) {
	t.Helper()
	ms := store.NewMemoryStore()
	_, err := ms.InsertSignals(context.Background(), sigs)
	require.NoError(t, err)
	rec := &events.Recorder{}
	return signal.NewBridge(ms, ledger.NewService(ms, rec)), ms, rec
}

func sig(id string, typ model.SignalType, price int64) model.TradeSignal {
	return model.TradeSignal{
		ID: id, Symbol: "AAPL", Date: signalDay, Price: decimal.NewFromInt(price),
		Type: typ, Reason: "breakout", Model: model.DefaultModel,
	}
}

func req(qty int64) signal.AdoptRequest {
	return signal.AdoptRequest{Quantity: decimal.NewFromInt(qty), AssetType: model.AssetStock, Currency: "USD"}
}

func TestAdopt_CreatesLinkedTransaction(t *testing.T) {
	bridge, ms, rec := setup(t, sig("s1", model.SignalBuy, 180))
	ctx := context.Background()

	tx, err := bridge.Adopt(ctx, "s1", "u1", req(10))
	require.NoError(t, err)
	assert.Equal(t, model.Buy, tx.Type)
	assert.Equal(t, "AAPL", tx.Symbol)
	assert.True(t, tx.Date.Equal(signalDay))
	assert.True(t, tx.Price.Equal(decimal.NewFromInt(180)))
	assert.Equal(t, model.SourceAISuggestion, tx.Source)
	assert.Equal(t, "s1", tx.SignalID)
	assert.Equal(t, "breakout", tx.Notes)

	stored, err := ms.GetSignal(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, stored.Adopted)
	assert.Equal(t, tx.ID, stored.RelatedTransactionID)
	assert.Contains(t, rec.Types(), events.SignalAdopted)

	_, err = bridge.Adopt(ctx, "s1", "u1", req(5))
	assert.ErrorIs(t, err, model.ErrAlreadyAdopted)

	pos, err := ms.GetPositionByID(ctx, tx.PositionID)
	require.NoError(t, err)
	assert.True(t, pos.TotalQuantity.Equal(decimal.NewFromInt(10)), "second adoption wrote nothing")
}

func TestAdopt_ConcurrentAdoptionsCreateOneTransaction(t *testing.T) {
	bridge, ms, _ := setup(t, sig("s1", model.SignalBuy, 180))
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := bridge.Adopt(ctx, "s1", "u1", req(1))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok int
	for err := range results {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, model.ErrAlreadyAdopted)
		}
	}
	assert.Equal(t, 1, ok)

	pos, err := ms.GetPosition(ctx, model.PositionKey{UserID: "u1", Symbol: "AAPL", AssetType: model.AssetStock, Currency: "USD"})
	require.NoError(t, err)
	assert.True(t, pos.TotalQuantity.Equal(decimal.NewFromInt(1)))
}

func TestAdopt_Rejections(t *testing.T) {
	sell := sig("sell", model.SignalSell, 190)
	sell.Date = signalDay.AddDate(0, 0, 1)
	bridge, _, _ := setup(t, sig("hold", model.SignalHold, 180), sell)
	ctx := context.Background()

	_, err := bridge.Adopt(ctx, "hold", "u1", req(1))
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = bridge.Adopt(ctx, "missing", "u1", req(1))
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = bridge.Adopt(ctx, "sell", "u1", req(0))
	assert.ErrorIs(t, err, model.ErrValidation)

	// Selling what is not held leaves the signal available.
	_, err = bridge.Adopt(ctx, "sell", "u1", req(1))
	assert.ErrorIs(t, err, model.ErrInsufficientPosition)

	list, err := bridge.List(ctx, store.SignalFilter{Symbol: "AAPL"})
	require.NoError(t, err)
	for _, s := range list {
		assert.False(t, s.Adopted, s.ID)
	}
}
