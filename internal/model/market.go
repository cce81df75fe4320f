package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a live price for one instrument in its native currency.
type Quote struct {
	Symbol    string          `json:"symbol"`
	AssetType AssetType       `json:"asset_type"`
	Price     decimal.Decimal `json:"price"`
	// DailyChangePct is the percentage change since the previous close,
	// nil when the source does not report it.
	DailyChangePct *decimal.Decimal `json:"daily_change_pct,omitempty"`
	FetchedAt      time.Time        `json:"fetched_at"`
}

// InstrumentKey identifies a priced instrument independent of its holder.
type InstrumentKey struct {
	Symbol    string
	AssetType AssetType
}

// RateTable holds FX rates as units of currency per one unit of Base.
type RateTable struct {
	Base      string                     `json:"base"`
	Rates     map[string]decimal.Decimal `json:"rates"`
	FetchedAt time.Time                  `json:"fetched_at"`
}

// Rate returns units of currency per one unit of Base.
func (t RateTable) Rate(currency string) (decimal.Decimal, bool) {
	if currency == t.Base {
		return decimal.NewFromInt(1), true
	}
	r, ok := t.Rates[currency]
	if !ok || !r.IsPositive() {
		return decimal.Zero, false
	}
	return r, true
}

// Convert converts amount from one currency to another through Base.
// It reports false when either leg has no usable rate.
func (t RateTable) Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, bool) {
	if from == to {
		return amount, true
	}
	fromRate, ok := t.Rate(from)
	if !ok {
		return amount, false
	}
	toRate, ok := t.Rate(to)
	if !ok {
		return amount, false
	}
	return amount.Div(fromRate).Mul(toRate), true
}

// Candle is one daily OHLCV bar.
type Candle struct {
	Date   time.Time       `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}
