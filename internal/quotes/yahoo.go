// Package quotes fetches live prices, daily candles and FX rates from
// external sources and caches them behind a refresh cooldown.
package quotes

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	finance "github.com/piquette/finance-go"
	"github.com/piquette/finance-go/chart"
	"github.com/piquette/finance-go/datetime"
	"github.com/piquette/finance-go/quote"
	"github.com/shopspring/decimal"

	"github.com/investpilot/portfolio-engine/internal/model"
	"github.com/investpilot/portfolio-engine/internal/symbol"
)

// PriceSource returns the live price of one instrument.
type PriceSource interface {
	GetPrice(ctx context.Context, sym string, assetType model.AssetType) (model.Quote, error)
}

// CandleSource returns recent daily bars, oldest first.
type CandleSource interface {
	GetCandles(ctx context.Context, sym string, assetType model.AssetType, days int) ([]model.Candle, error)
}

// YahooSource reads quotes and charts from Yahoo Finance. Reads are
// idempotent and retried with exponential backoff. Every request carries
// the caller's context bounded by a per-attempt timeout.
type YahooSource struct {
	maxRetries uint64
	timeout    time.Duration
}

// NewYahooSource creates a Yahoo Finance source.
func NewYahooSource() *YahooSource {
	return &YahooSource{maxRetries: 3, timeout: 10 * time.Second}
}

func (y *YahooSource) retry(ctx context.Context, op backoff.Operation) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 20 * time.Second
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, y.maxRetries), ctx))
}

// GetPrice returns the regular market price and daily change.
func (y *YahooSource) GetPrice(ctx context.Context, sym string, assetType model.AssetType) (model.Quote, error) {
	ticker := symbol.Yahoo(sym, assetType)

	var result model.Quote
	err := y.retry(ctx, func() error {
		q, err := y.quote(ctx, ticker)
		if err != nil {
			return fmt.Errorf("failed to get quote for %s: %w", ticker, err)
		}
		if q == nil || q.RegularMarketPrice <= 0 {
			return backoff.Permanent(fmt.Errorf("no quote for %s", ticker))
		}
		change := decimal.NewFromFloat(q.RegularMarketChangePercent)
		result = model.Quote{
			Symbol:         sym,
			AssetType:      assetType,
			Price:          decimal.NewFromFloat(q.RegularMarketPrice),
			DailyChangePct: &change,
			FetchedAt:      time.Now().UTC(),
		}
		return nil
	})
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: yahoo: %w", model.ErrExternalProvider, err)
	}
	return result, nil
}

func (y *YahooSource) quote(ctx context.Context, ticker string) (*finance.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, y.timeout)
	defer cancel()

	iter := quote.ListP(&quote.Params{
		Params:  finance.Params{Context: &ctx},
		Symbols: []string{ticker},
	})
	if !iter.Next() {
		return nil, iter.Err()
	}
	return iter.Quote(), nil
}

// GetCandles returns up to days daily bars ending today.
func (y *YahooSource) GetCandles(ctx context.Context, sym string, assetType model.AssetType, days int) ([]model.Candle, error) {
	ticker := symbol.Yahoo(sym, assetType)
	end := time.Now().UTC()
	// Calendar days are padded to cover weekends and holidays.
	start := end.AddDate(0, 0, -days*7/5-7)

	var candles []model.Candle
	err := y.retry(ctx, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, y.timeout)
		defer cancel()
		params := &chart.Params{
			Params:   finance.Params{Context: &attemptCtx},
			Symbol:   ticker,
			Start:    datetime.New(&start),
			End:      datetime.New(&end),
			Interval: datetime.OneDay,
		}

		iter := chart.Get(params)
		candles = candles[:0]
		for iter.Next() {
			bar := iter.Bar()
			candles = append(candles, model.Candle{
				Date:   time.Unix(int64(bar.Timestamp), 0).UTC(),
				Open:   bar.Open,
				High:   bar.High,
				Low:    bar.Low,
				Close:  bar.Close,
				Volume: int64(bar.Volume),
			})
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("failed to get chart for %s: %w", ticker, err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: yahoo: %w", model.ErrExternalProvider, err)
	}
	if len(candles) > days {
		candles = candles[len(candles)-days:]
	}
	return candles, nil
}
