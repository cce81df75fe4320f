package valuation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/investpilot/portfolio-engine/internal/metrics"
	"github.com/investpilot/portfolio-engine/internal/model"
	"github.com/investpilot/portfolio-engine/internal/store"
)

// Recorder keeps a daily valuation history per user. A valuation is taken
// at most once per user, currency and day; later attempts return the
// recorded one.
type Recorder struct {
	statements *Service
	store      store.ValuationStore
	now        func() time.Time
}

// NewRecorder creates a recorder valuing through statements.
func NewRecorder(statements *Service, st store.ValuationStore) *Recorder {
	return &Recorder{
		statements: statements,
		store:      st,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Take records today's valuation of userID in currency, or in the base
// currency when currency is empty. It reports whether a new valuation was
// recorded.
func (r *Recorder) Take(ctx context.Context, userID, currency string) (model.DailyValuation, bool, error) {
	if currency == "" {
		currency = r.statements.base
	}
	currency, err := model.NormalizeCurrency(currency)
	if err != nil {
		return model.DailyValuation{}, false, err
	}
	now := r.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	existing, ok, err := r.recorded(ctx, userID, currency, today)
	if err != nil {
		return model.DailyValuation{}, false, err
	}
	if ok {
		metrics.DailyValuations.WithLabelValues("existing").Inc()
		return existing, false, nil
	}

	st, err := r.statements.Statement(ctx, userID, currency)
	if err != nil {
		metrics.DailyValuations.WithLabelValues("failed").Inc()
		return model.DailyValuation{}, false, err
	}
	v := model.DailyValuation{
		UserID:          userID,
		Date:            today,
		Currency:        st.Currency,
		TotalValue:      st.TotalMarketValue,
		MarketValue:     st.TotalMarketValue.Sub(st.CashBalance),
		CashBalance:     st.CashBalance,
		TotalCost:       st.TotalCost,
		RealizedPnL:     st.RealizedPnL,
		UnrealizedPnL:   st.UnrealizedPnL,
		TotalReturnRate: st.TotalReturnRate,
		Holdings:        len(st.Holdings),
		Degraded:        len(st.Issues) > 0,
		CreatedAt:       now.Truncate(time.Microsecond),
	}
	inserted, err := r.store.SaveDailyValuation(ctx, &v)
	if err != nil {
		metrics.DailyValuations.WithLabelValues("failed").Inc()
		return model.DailyValuation{}, false, err
	}
	if !inserted {
		// Another instance recorded it first.
		metrics.DailyValuations.WithLabelValues("existing").Inc()
		existing, _, err = r.recorded(ctx, userID, currency, today)
		return existing, false, err
	}
	metrics.DailyValuations.WithLabelValues("taken").Inc()
	return v, true, nil
}

func (r *Recorder) recorded(ctx context.Context, userID, currency string, day time.Time) (model.DailyValuation, bool, error) {
	history, err := r.store.ListDailyValuations(ctx, userID, currency, day)
	if err != nil {
		return model.DailyValuation{}, false, err
	}
	for _, v := range history {
		if v.Date.Equal(day) {
			return v, true, nil
		}
	}
	return model.DailyValuation{}, false, nil
}

// History returns the user's valuations in currency (base when empty) from
// the given day on, oldest first.
func (r *Recorder) History(ctx context.Context, userID, currency string, from time.Time) ([]model.DailyValuation, error) {
	if userID == "" {
		return nil, model.Invalidf("user is required")
	}
	if currency == "" {
		currency = r.statements.base
	}
	currency, err := model.NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	return r.store.ListDailyValuations(ctx, userID, currency, from)
}

// RunDaily takes today's base-currency valuation for every user with a
// ledger. Failures of one user do not stop the others.
func (r *Recorder) RunDaily(ctx context.Context) (int, error) {
	users, err := r.store.ListLedgerUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list ledger users: %w", err)
	}
	var (
		taken int
		errs  []error
	)
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return taken, err
		}
		_, ok, err := r.Take(ctx, u, "")
		if err != nil {
			slog.Error("daily valuation failed", "user", u, "err", err)
			errs = append(errs, fmt.Errorf("user %s: %w", u, err))
			continue
		}
		if ok {
			taken++
		}
	}
	return taken, errors.Join(errs...)
}

// Schedule runs RunDaily at hourUTC on weekdays until ctx is done.
func (r *Recorder) Schedule(ctx context.Context, hourUTC int) {
	for {
		next := nextRun(r.now(), hourUTC)
		timer := time.NewTimer(next.Sub(r.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		taken, err := r.RunDaily(ctx)
		if err != nil {
			slog.Error("daily valuation run incomplete", "taken", taken, "err", err)
			continue
		}
		slog.Info("daily valuations recorded", "taken", taken)
	}
}

// nextRun returns the first weekday instant at hourUTC strictly after now.
func nextRun(now time.Time, hourUTC int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
