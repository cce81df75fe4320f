package analysis

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/investpilot/portfolio-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// OpenBuy returns the BUY that leaves a signal history holding, or nil if
// the history ends flat. A BUY while holding and a SELL while flat are
// ignored. history must be oldest first.
func OpenBuy(history []model.TradeSignal) *model.TradeSignal {
	var open *model.TradeSignal
	for i := range history {
		switch history[i].Type {
		case model.SignalBuy:
			if open == nil {
				open = &history[i]
			}
		case model.SignalSell:
			open = nil
		}
	}
	return open
}

// PairTrades pairs each BUY with the next SELL into closed trades. A BUY
// left open becomes a holding trade valued at lastClose on lastDate.
// history must be oldest first; trades are returned newest first.
func PairTrades(history []model.TradeSignal, lastClose decimal.Decimal, lastDate time.Time) []model.SignalTrade {
	trades := []model.SignalTrade{}
	var open *model.TradeSignal
	for i := range history {
		s := &history[i]
		switch s.Type {
		case model.SignalBuy:
			if open == nil {
				open = s
			}
		case model.SignalSell:
			if open == nil {
				continue
			}
			sellDate, sellPrice := s.Date, s.Price
			trades = append(trades, model.SignalTrade{
				BuyDate:     open.Date,
				BuyPrice:    open.Price,
				SellDate:    &sellDate,
				SellPrice:   &sellPrice,
				Status:      model.TradeClosed,
				HoldingDays: days(open.Date, s.Date),
				ReturnPct:   returnPct(open.Price, s.Price),
				Reason:      s.Reason,
			})
			open = nil
		}
	}
	if open != nil {
		trades = append(trades, model.SignalTrade{
			BuyDate:     open.Date,
			BuyPrice:    open.Price,
			Status:      model.TradeHolding,
			HoldingDays: days(open.Date, lastDate),
			ReturnPct:   returnPct(open.Price, lastClose),
			Reason:      open.Reason,
		})
	}
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].BuyDate.After(trades[j].BuyDate) })
	return trades
}

func days(from, to time.Time) int {
	return int(to.Sub(from).Hours() / 24)
}

func returnPct(buy, sell decimal.Decimal) decimal.Decimal {
	if !buy.IsPositive() {
		return decimal.Zero
	}
	return sell.Sub(buy).Div(buy).Mul(hundred).Round(2)
}
