package valuation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/investpilot/portfolio-engine/internal/metrics"
	"github.com/investpilot/portfolio-engine/internal/model"
	"github.com/investpilot/portfolio-engine/internal/quotes"
	"github.com/investpilot/portfolio-engine/internal/store"
	"github.com/investpilot/portfolio-engine/internal/symbol"
)

// MarketData returns quotes for a set of instruments and the current rate
// table. A returned error is informational; the snapshot is always usable.
type MarketData interface {
	Snapshot(ctx context.Context, instruments []model.InstrumentKey) (quotes.Snapshot, error)
}

// Service builds statements from a consistent ledger snapshot and the
// market data feed.
type Service struct {
	store  store.LedgerStore
	market MarketData
	base   string
}

// NewService creates a valuation service. base is the default display
// currency.
func NewService(st store.LedgerStore, market MarketData, base string) *Service {
	return &Service{store: st, market: market, base: base}
}

// Statement values the user's ledger in display, or in the base currency
// when display is empty.
func (s *Service) Statement(ctx context.Context, userID, display string) (Statement, error) {
	if userID == "" {
		return Statement{}, model.Invalidf("user is required")
	}
	if display == "" {
		display = s.base
	}
	display, err := model.NormalizeCurrency(display)
	if err != nil {
		return Statement{}, err
	}

	snap, err := s.store.Snapshot(ctx, userID)
	if err != nil {
		return Statement{}, fmt.Errorf("ledger snapshot: %w", err)
	}

	seen := make(map[model.InstrumentKey]bool)
	var instruments []model.InstrumentKey
	for _, p := range snap.Positions {
		k := model.InstrumentKey{Symbol: p.Symbol, AssetType: p.AssetType}
		if !symbol.Priced(p.AssetType) || seen[k] || !p.TotalQuantity.IsPositive() {
			continue
		}
		seen[k] = true
		instruments = append(instruments, k)
	}

	market, err := s.market.Snapshot(ctx, instruments)
	if err != nil {
		slog.Warn("valuing with partial market data", "user", userID, "err", err)
	}

	st := Valuate(Input{
		UserID:    userID,
		Positions: snap.Positions,
		Accounts:  snap.Accounts,
		Quotes:    market.Quotes,
		Rates:     market.Rates,
		Display:   display,
	})
	for _, issue := range st.Issues {
		metrics.ValuationFallbacks.WithLabelValues(issue.Code).Inc()
	}
	return st, nil
}
