package quotes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/investpilot/portfolio-engine/internal/metrics"
	"github.com/investpilot/portfolio-engine/internal/model"
)

// DefaultCooldown is the minimum interval between refreshes of cached
// prices and rates.
const DefaultCooldown = 30 * time.Second

// Snapshot is the market data visible to one valuation.
type Snapshot struct {
	Quotes map[model.InstrumentKey]model.Quote
	Rates  model.RateTable
}

// Feed caches prices and FX rates and bounds the load on external sources.
//
// Cached values younger than the cooldown are served as is. Once the
// cooldown has elapsed, the first caller refreshes stale values while
// concurrent callers keep reading the previous ones. Instruments never seen
// before are fetched immediately; concurrent requests for the same
// instrument share one fetch. A failed refresh keeps the previous value.
type Feed struct {
	prices      PriceSource
	rates       RateSource
	base        string
	cooldown    time.Duration
	concurrency int
	now         func() time.Time

	mu              sync.Mutex
	quotes          map[model.InstrumentKey]model.Quote
	failedAt        map[model.InstrumentKey]time.Time
	lastRefresh     time.Time
	refreshing      bool
	rateTable       *model.RateTable
	ratesFailedAt   time.Time
	ratesRefreshing bool

	group singleflight.Group
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithCooldown overrides DefaultCooldown.
func WithCooldown(d time.Duration) FeedOption {
	return func(f *Feed) { f.cooldown = d }
}

// WithConcurrency bounds parallel requests to the price source.
func WithConcurrency(n int) FeedOption {
	return func(f *Feed) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

// WithClock replaces time.Now. Used in tests.
func WithClock(now func() time.Time) FeedOption {
	return func(f *Feed) { f.now = now }
}

// NewFeed creates a feed over the given sources. Rates are requested
// against base.
func NewFeed(prices PriceSource, rates RateSource, base string, opts ...FeedOption) *Feed {
	f := &Feed{
		prices:      prices,
		rates:       rates,
		base:        base,
		cooldown:    DefaultCooldown,
		concurrency: 8,
		now:         time.Now,
		quotes:      make(map[model.InstrumentKey]model.Quote),
		failedAt:    make(map[model.InstrumentKey]time.Time),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Base returns the currency rates are quoted against.
func (f *Feed) Base() string { return f.base }

// Snapshot returns quotes for the requested instruments and the current
// rate table. Instruments without any known price are absent from the
// result. The error reports fetch failures; the snapshot is usable
// regardless.
func (f *Feed) Snapshot(ctx context.Context, instruments []model.InstrumentKey) (Snapshot, error) {
	now := f.now()

	f.mu.Lock()
	var missing, stale []model.InstrumentKey
	for _, k := range instruments {
		q, ok := f.quotes[k]
		switch {
		case !ok:
			if failed, seen := f.failedAt[k]; !seen || now.Sub(failed) >= f.cooldown {
				missing = append(missing, k)
			}
		case now.Sub(q.FetchedAt) >= f.cooldown:
			stale = append(stale, k)
		}
	}
	refresh := len(stale) > 0 && !f.refreshing && now.Sub(f.lastRefresh) >= f.cooldown
	if refresh {
		f.refreshing = true
		f.lastRefresh = now
	}
	f.mu.Unlock()

	toFetch := missing
	if refresh {
		toFetch = append(toFetch, stale...)
	}

	var errs []error
	if len(toFetch) > 0 {
		if err := f.fetchPrices(ctx, toFetch); err != nil {
			errs = append(errs, err)
		}
	}
	if refresh {
		f.mu.Lock()
		f.refreshing = false
		f.mu.Unlock()
	}

	rates, err := f.currentRates(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}

	snap := Snapshot{Quotes: make(map[model.InstrumentKey]model.Quote, len(instruments)), Rates: rates}
	f.mu.Lock()
	for _, k := range instruments {
		if q, ok := f.quotes[k]; ok {
			snap.Quotes[k] = q
		}
	}
	f.mu.Unlock()

	return snap, errors.Join(errs...)
}

// fetchPrices fetches keys with bounded concurrency. Each key is fetched
// at most once at a time across callers.
func (f *Feed) fetchPrices(ctx context.Context, keys []model.InstrumentKey) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(f.concurrency)

	for _, k := range keys {
		g.Go(func() error {
			v, err, _ := f.group.Do("price:"+string(k.AssetType)+":"+k.Symbol, func() (any, error) {
				return f.prices.GetPrice(ctx, k.Symbol, k.AssetType)
			})

			f.mu.Lock()
			defer f.mu.Unlock()
			if err != nil {
				f.failedAt[k] = f.now()
				metrics.QuoteRefreshes.WithLabelValues("price", "error").Inc()
				mu.Lock()
				errs = append(errs, fmt.Errorf("price %s: %w", k.Symbol, err))
				mu.Unlock()
				return nil
			}
			q := v.(model.Quote)
			if q.FetchedAt.IsZero() {
				q.FetchedAt = f.now()
			}
			f.quotes[k] = q
			delete(f.failedAt, k)
			metrics.QuoteRefreshes.WithLabelValues("price", "ok").Inc()
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		slog.Warn("price refresh incomplete", "failed", len(errs), "requested", len(keys))
	}
	return errors.Join(errs...)
}

// currentRates returns the cached rate table, fetching it when absent or
// refreshing it when older than the cooldown.
func (f *Feed) currentRates(ctx context.Context, now time.Time) (model.RateTable, error) {
	f.mu.Lock()
	table := f.rateTable
	var fetch bool
	switch {
	case table == nil:
		fetch = f.ratesFailedAt.IsZero() || now.Sub(f.ratesFailedAt) >= f.cooldown
	case now.Sub(table.FetchedAt) >= f.cooldown && !f.ratesRefreshing:
		fetch = true
		f.ratesRefreshing = true
	}
	f.mu.Unlock()

	if !fetch {
		return f.ratesOrEmpty(table), nil
	}

	v, err, _ := f.group.Do("rates:"+f.base, func() (any, error) {
		return f.rates.GetRates(ctx, f.base)
	})

	f.mu.Lock()
	defer f.mu.Unlock()
	f.ratesRefreshing = false
	if err != nil {
		f.ratesFailedAt = f.now()
		metrics.QuoteRefreshes.WithLabelValues("fx", "error").Inc()
		slog.Warn("fx refresh failed, keeping previous rates", "base", f.base, "err", err)
		return f.ratesOrEmpty(f.rateTable), fmt.Errorf("rates %s: %w", f.base, err)
	}
	rates := v.(map[string]decimal.Decimal)
	f.rateTable = &model.RateTable{Base: f.base, Rates: rates, FetchedAt: f.now()}
	metrics.QuoteRefreshes.WithLabelValues("fx", "ok").Inc()
	return *f.rateTable, nil
}

func (f *Feed) ratesOrEmpty(t *model.RateTable) model.RateTable {
	if t == nil {
		return model.RateTable{Base: f.base, Rates: map[string]decimal.Decimal{}}
	}
	return *t
}
