package quotes_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/investpilot/portfolio-engine/internal/model"
	"github.com/investpilot/portfolio-engine/internal/quotes"
)

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	fail   map[string]bool
	calls  atomic.Int32
	delay  time.Duration
	clock  func() time.Time
}

func (f *fakePrices) GetPrice(_ context.Context, sym string, at model.AssetType) (model.Quote, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[sym] {
		return model.Quote{}, errors.New("upstream down")
	}
	p, ok := f.prices[sym]
	if !ok {
		return model.Quote{}, errors.New("unknown symbol")
	}
	return model.Quote{Symbol: sym, AssetType: at, Price: p, FetchedAt: f.clock()}, nil
}

func (f *fakePrices) set(sym string, price float64, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[sym] = decimal.NewFromFloat(price)
	f.fail[sym] = fail
}

type fakeRates struct {
	rates map[string]decimal.Decimal
	err   error
	calls atomic.Int32
}

func (f *fakeRates) GetRates(_ context.Context, _ string) (map[string]decimal.Decimal, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.rates, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFeed(t *testing.T) (*quotes.Feed, *fakePrices, *fakeRates, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	prices := &fakePrices{
		prices: map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(180), "0700": decimal.NewFromInt(300)},
		fail:   map[string]bool{},
		clock:  clock.Now,
	}
	rates := &fakeRates{rates: map[string]decimal.Decimal{"HKD": decimal.RequireFromString("7.8")}}
	feed := quotes.NewFeed(prices, rates, "USD", quotes.WithClock(clock.Now), quotes.WithCooldown(30*time.Second))
	return feed, prices, rates, clock
}

var (
	aapl    = model.InstrumentKey{Symbol: "AAPL", AssetType: model.AssetStock}
	tencent = model.InstrumentKey{Symbol: "0700", AssetType: model.AssetStock}
)

func TestFeed_FetchesMissingAndServesCacheWithinCooldown(t *testing.T) {
	feed, prices, rates, clock := newFeed(t)
	ctx := context.Background()

	snap, err := feed.Snapshot(ctx, []model.InstrumentKey{aapl, tencent})
	require.NoError(t, err)
	require.Len(t, snap.Quotes, 2)
	assert.True(t, snap.Quotes[aapl].Price.Equal(decimal.NewFromInt(180)))
	assert.Equal(t, "USD", snap.Rates.Base)
	assert.EqualValues(t, 2, prices.calls.Load())
	assert.EqualValues(t, 1, rates.calls.Load())

	clock.Advance(10 * time.Second)
	prices.set("AAPL", 190, false)
	snap, err = feed.Snapshot(ctx, []model.InstrumentKey{aapl})
	require.NoError(t, err)
	assert.True(t, snap.Quotes[aapl].Price.Equal(decimal.NewFromInt(180)), "cached price within cooldown")
	assert.EqualValues(t, 2, prices.calls.Load())
	assert.EqualValues(t, 1, rates.calls.Load())
}

func TestFeed_RefreshesAfterCooldown(t *testing.T) {
	feed, prices, rates, clock := newFeed(t)
	ctx := context.Background()

	_, err := feed.Snapshot(ctx, []model.InstrumentKey{aapl})
	require.NoError(t, err)

	prices.set("AAPL", 190, false)
	clock.Advance(31 * time.Second)

	snap, err := feed.Snapshot(ctx, []model.InstrumentKey{aapl})
	require.NoError(t, err)
	assert.True(t, snap.Quotes[aapl].Price.Equal(decimal.NewFromInt(190)))
	assert.EqualValues(t, 2, rates.calls.Load())
}

func TestFeed_FailedRefreshKeepsPreviousValue(t *testing.T) {
	feed, prices, rates, clock := newFeed(t)
	ctx := context.Background()

	_, err := feed.Snapshot(ctx, []model.InstrumentKey{aapl})
	require.NoError(t, err)

	prices.set("AAPL", 0, true)
	rates.err = errors.New("fx down")
	clock.Advance(time.Minute)

	snap, err := feed.Snapshot(ctx, []model.InstrumentKey{aapl})
	require.Error(t, err)
	require.Contains(t, snap.Quotes, aapl)
	assert.True(t, snap.Quotes[aapl].Price.Equal(decimal.NewFromInt(180)))

	rate, ok := snap.Rates.Rate("HKD")
	require.True(t, ok, "previous rates survive a failed refresh")
	assert.True(t, rate.Equal(decimal.RequireFromString("7.8")))
}

func TestFeed_UnknownInstrumentIsAbsent(t *testing.T) {
	feed, prices, _, _ := newFeed(t)
	ctx := context.Background()
	ghost := model.InstrumentKey{Symbol: "NOPE", AssetType: model.AssetStock}

	snap, err := feed.Snapshot(ctx, []model.InstrumentKey{aapl, ghost})
	require.Error(t, err)
	assert.Contains(t, snap.Quotes, aapl)
	assert.NotContains(t, snap.Quotes, ghost)

	// The failure is remembered for the cooldown.
	before := prices.calls.Load()
	_, _ = feed.Snapshot(ctx, []model.InstrumentKey{ghost})
	assert.Equal(t, before, prices.calls.Load())
}

func TestFeed_ConcurrentFirstFetchIsCoalesced(t *testing.T) {
	feed, prices, _, _ := newFeed(t)
	prices.delay = 50 * time.Millisecond
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := feed.Snapshot(ctx, []model.InstrumentKey{aapl})
			assert.NoError(t, err)
			assert.Contains(t, snap.Quotes, aapl)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, prices.calls.Load(), int32(2))
}

func TestFeed_MissingRatesYieldEmptyTable(t *testing.T) {
	feed, _, rates, _ := newFeed(t)
	rates.err = errors.New("fx down")

	snap, err := feed.Snapshot(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, "USD", snap.Rates.Base)

	_, ok := snap.Rates.Rate("HKD")
	assert.False(t, ok)
	one, ok := snap.Rates.Rate("USD")
	assert.True(t, ok)
	assert.True(t, one.Equal(decimal.NewFromInt(1)))
}
