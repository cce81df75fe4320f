// Package analysis defines the model provider used by task workers and its
// Gemini implementation. Requests and results are typed per task kind; the
// provider never sees raw task payloads.
package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/investpilot/portfolio-engine/internal/model"
)

// KlineRequest asks for a read of recent daily candles.
type KlineRequest struct {
	Symbol   string
	Candles  []model.Candle
	Model    string
	Language string
	// Holding is the open BUY of the model's stored signals for the
	// symbol, nil when they leave it flat.
	Holding *model.TradeSignal
}

// SignalSuggestion is one dated trade signal produced by the model.
type SignalSuggestion struct {
	Date   string           `json:"date"` // YYYY-MM-DD
	Type   model.SignalType `json:"type"`
	Price  decimal.Decimal  `json:"price"`
	Reason string           `json:"reason"`
}

// KlineAnalysis is the model's read of a chart.
type KlineAnalysis struct {
	Trend      string             `json:"trend"`
	Summary    string             `json:"summary"`
	Support    string             `json:"support"`
	Resistance string             `json:"resistance"`
	Signals    []SignalSuggestion `json:"signals"`
}

// DiagnosisRequest asks for an opinion on one held position.
type DiagnosisRequest struct {
	Position model.Position
	// Quote is nil when no live price is available.
	Quote    *model.Quote
	Model    string
	Language string
}

// RecommendationOutput is the model's answer to a recommendation request.
type RecommendationOutput struct {
	Summary         string                 `json:"summary"`
	Recommendations []model.Recommendation `json:"recommendations"`
}

// Provider runs analyses against a language model. Errors wrap
// model.ErrExternalProvider.
type Provider interface {
	AnalyzeKline(ctx context.Context, req KlineRequest) (KlineAnalysis, error)
	DiagnosePosition(ctx context.Context, req DiagnosisRequest) (model.DiagnosisResult, error)
	RecommendStocks(ctx context.Context, params model.StockRecommendationParams) (RecommendationOutput, error)
}

// Disabled is the provider used when no model API key is configured. Every
// call fails, which fails the task with a readable message.
type Disabled struct{}

var errDisabled = fmt.Errorf("%w: no model provider configured", model.ErrExternalProvider)

func (Disabled) AnalyzeKline(context.Context, KlineRequest) (KlineAnalysis, error) {
	return KlineAnalysis{}, errDisabled
}

func (Disabled) DiagnosePosition(context.Context, DiagnosisRequest) (model.DiagnosisResult, error) {
	return model.DiagnosisResult{}, errDisabled
}

func (Disabled) RecommendStocks(context.Context, model.StockRecommendationParams) (RecommendationOutput, error) {
	return RecommendationOutput{}, errDisabled
}

// ParseSignals converts suggestions into trade signals for symbol and
// modelName. Suggestions with an unparseable date, an unknown type or a
// non-positive price are dropped.
func ParseSignals(symbol, modelName string, suggestions []SignalSuggestion, now time.Time) []model.TradeSignal {
	out := make([]model.TradeSignal, 0, len(suggestions))
	for _, s := range suggestions {
		date, err := time.Parse(time.DateOnly, s.Date)
		if err != nil || !s.Price.IsPositive() {
			continue
		}
		switch s.Type {
		case model.SignalBuy, model.SignalSell, model.SignalHold:
		default:
			continue
		}
		out = append(out, model.TradeSignal{
			Symbol:    symbol,
			Date:      date,
			Price:     s.Price,
			Type:      s.Type,
			Reason:    s.Reason,
			Model:     modelName,
			CreatedAt: now,
		})
	}
	return out
}
