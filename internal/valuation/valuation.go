// Package valuation prices a user's positions with live quotes and FX rates
// and consolidates them into a statement in a display currency.
//
// Valuation never fails because market data is missing: a position without
// a live price is valued at its cost basis, an amount without a usable FX
// rate is converted at 1, and each such fallback is reported as an Issue.
package valuation

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/investpilot/portfolio-engine/internal/ledger"
	"github.com/investpilot/portfolio-engine/internal/model"
)

// Issue codes.
const (
	IssuePriceUnavailable = "price_unavailable"
	IssueFXUnavailable    = "fx_unavailable"
)

// Price sources of a holding.
const (
	PriceLive = "live"
	PriceCost = "cost_basis"
	PriceFace = "face_value"
)

var hundred = decimal.NewFromInt(100)

// Issue flags a holding or currency valued with fallback data.
type Issue struct {
	Code      string          `json:"code"`
	Symbol    string          `json:"symbol,omitempty"`
	AssetType model.AssetType `json:"asset_type,omitempty"`
	Currency  string          `json:"currency"`
	Detail    string          `json:"detail"`
}

// Holding is one position's valuation. Native fields are in the position's
// currency; the rest are in the statement's display currency.
type Holding struct {
	PositionID string          `json:"position_id"`
	Symbol     string          `json:"symbol"`
	AssetType  model.AssetType `json:"asset_type"`
	Currency   string          `json:"currency"`
	Quantity   decimal.Decimal `json:"quantity"`
	AvgCost    decimal.Decimal `json:"avg_cost"`

	LivePrice      *decimal.Decimal `json:"live_price,omitempty"`
	DailyChangePct *decimal.Decimal `json:"daily_change_pct,omitempty"`
	PriceSource    string           `json:"price_source"`

	MarketValue      decimal.Decimal `json:"market_value"`
	TotalCost        decimal.Decimal `json:"total_cost"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPct decimal.Decimal `json:"unrealized_pnl_pct"`
	DailyChange      decimal.Decimal `json:"daily_change"`
	AllocationPct    decimal.Decimal `json:"allocation_pct"`
}

// Statement is a consolidated view of a user's ledger in one currency.
type Statement struct {
	UserID   string `json:"user_id"`
	Currency string `json:"currency"`

	TotalDeposit     decimal.Decimal `json:"total_deposit"`
	TotalWithdrawal  decimal.Decimal `json:"total_withdrawal"`
	NetDeposit       decimal.Decimal `json:"net_deposit"`
	TotalMarketValue decimal.Decimal `json:"total_market_value"`
	CashBalance      decimal.Decimal `json:"cash_balance"`
	TotalCost        decimal.Decimal `json:"total_cost"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL         decimal.Decimal `json:"total_pnl"`
	TotalReturnRate  decimal.Decimal `json:"total_return_rate"`
	DailyChange      decimal.Decimal `json:"daily_change"`

	Holdings []Holding `json:"holdings"`
	Issues   []Issue   `json:"issues"`

	RatesAsOf time.Time `json:"rates_as_of,omitempty"`
}

// Input is everything Valuate needs. Quotes are in each instrument's
// native currency; Rates are quoted against Rates.Base.
type Input struct {
	UserID    string
	Positions []model.Position
	Accounts  []model.Account
	Quotes    map[model.InstrumentKey]model.Quote
	Rates     model.RateTable
	Display   string
}

// converter converts into the display currency and records one issue per
// currency that has no rate.
type converter struct {
	rates   model.RateTable
	display string
	missing map[string]bool
	issues  []Issue
}

func (c *converter) convert(amount decimal.Decimal, from string) decimal.Decimal {
	out, ok := c.rates.Convert(amount, from, c.display)
	if ok {
		return out
	}
	for _, cur := range []string{from, c.display} {
		if _, ok := c.rates.Rate(cur); ok || c.missing[cur] {
			continue
		}
		c.missing[cur] = true
		c.issues = append(c.issues, Issue{
			Code:     IssueFXUnavailable,
			Currency: cur,
			Detail:   "no " + c.rates.Base + "/" + cur + " rate, converted at 1",
		})
	}
	return amount
}

// Valuate computes a statement. It is pure: identical input yields an
// identical statement.
func Valuate(in Input) Statement {
	conv := &converter{rates: in.Rates, display: in.Display, missing: map[string]bool{}}
	st := Statement{
		UserID:    in.UserID,
		Currency:  in.Display,
		RatesAsOf: in.Rates.FetchedAt,
		Holdings:  []Holding{},
	}

	var priceIssues []Issue
	for _, p := range in.Positions {
		if p.AssetType != model.AssetCash && p.TotalQuantity.Abs().LessThanOrEqual(ledger.Epsilon) {
			continue
		}

		h := Holding{
			PositionID: p.ID,
			Symbol:     p.Symbol,
			AssetType:  p.AssetType,
			Currency:   p.Currency,
			Quantity:   p.TotalQuantity,
			AvgCost:    p.AvgCost,
		}

		if p.AssetType == model.AssetCash {
			h.PriceSource = PriceFace
			h.MarketValue = conv.convert(p.TotalQuantity, p.Currency)
			st.CashBalance = st.CashBalance.Add(h.MarketValue)
			st.TotalMarketValue = st.TotalMarketValue.Add(h.MarketValue)
			st.Holdings = append(st.Holdings, h)
			continue
		}

		var nativeValue, nativeDaily decimal.Decimal
		q, ok := in.Quotes[model.InstrumentKey{Symbol: p.Symbol, AssetType: p.AssetType}]
		if ok && q.Price.IsPositive() {
			price := q.Price
			h.LivePrice = &price
			h.PriceSource = PriceLive
			nativeValue = price.Mul(p.TotalQuantity)
			if q.DailyChangePct != nil {
				pct := *q.DailyChangePct
				h.DailyChangePct = &pct
				nativeDaily = price.Mul(pct).Div(hundred).Mul(p.TotalQuantity)
			}
		} else {
			h.PriceSource = PriceCost
			nativeValue = p.AvgCost.Mul(p.TotalQuantity)
			priceIssues = append(priceIssues, Issue{
				Code:      IssuePriceUnavailable,
				Symbol:    p.Symbol,
				AssetType: p.AssetType,
				Currency:  p.Currency,
				Detail:    "no live price, valued at cost basis",
			})
		}

		h.MarketValue = conv.convert(nativeValue, p.Currency)
		h.TotalCost = conv.convert(p.TotalCost, p.Currency)
		h.DailyChange = conv.convert(nativeDaily, p.Currency)
		h.UnrealizedPnL = h.MarketValue.Sub(h.TotalCost)
		if h.TotalCost.IsPositive() {
			h.UnrealizedPnLPct = h.UnrealizedPnL.Div(h.TotalCost).Mul(hundred).Round(2)
		}

		st.TotalMarketValue = st.TotalMarketValue.Add(h.MarketValue)
		st.TotalCost = st.TotalCost.Add(h.TotalCost)
		st.UnrealizedPnL = st.UnrealizedPnL.Add(h.UnrealizedPnL)
		st.DailyChange = st.DailyChange.Add(h.DailyChange)
		st.Holdings = append(st.Holdings, h)
	}

	for _, a := range in.Accounts {
		st.TotalDeposit = st.TotalDeposit.Add(conv.convert(a.TotalDeposit, a.Currency))
		st.TotalWithdrawal = st.TotalWithdrawal.Add(conv.convert(a.TotalWithdrawal, a.Currency))
		st.RealizedPnL = st.RealizedPnL.Add(conv.convert(a.RealizedPnL, a.Currency))
	}
	st.NetDeposit = st.TotalDeposit.Sub(st.TotalWithdrawal)
	st.TotalPnL = st.RealizedPnL.Add(st.UnrealizedPnL)
	if !st.NetDeposit.IsZero() {
		st.TotalReturnRate = st.TotalPnL.Div(st.NetDeposit)
	}

	if st.TotalMarketValue.IsPositive() {
		for i := range st.Holdings {
			st.Holdings[i].AllocationPct = st.Holdings[i].MarketValue.
				Div(st.TotalMarketValue).Mul(hundred).Round(2)
		}
	}
	sort.SliceStable(st.Holdings, func(i, j int) bool {
		return st.Holdings[i].MarketValue.GreaterThan(st.Holdings[j].MarketValue)
	})

	st.Issues = append(priceIssues, conv.issues...)
	if st.Issues == nil {
		st.Issues = []Issue{}
	}
	return st
}
