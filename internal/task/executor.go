package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/investpilot/portfolio-engine/internal/analysis"
	"github.com/investpilot/portfolio-engine/internal/cache"
	"github.com/investpilot/portfolio-engine/internal/metrics"
	"github.com/investpilot/portfolio-engine/internal/model"
	"github.com/investpilot/portfolio-engine/internal/quotes"
	"github.com/investpilot/portfolio-engine/internal/store"
	"github.com/investpilot/portfolio-engine/internal/symbol"
)

// Executor runs one task and returns its typed result.
type Executor interface {
	Execute(ctx context.Context, t model.Task) (model.TaskResult, error)
}

// Result sources.
const (
	SourceModel = "model"
	SourceCache = "cache"
)

// klineDays is the number of daily candles sent for a chart analysis.
const klineDays = 60

// AnalysisExecutor runs the AI task kinds against a model provider.
// Results produced by the model are cached; cache failures never fail a
// task.
type AnalysisExecutor struct {
	Provider  analysis.Provider
	Candles   quotes.CandleSource
	Prices    quotes.PriceSource
	Positions interface {
		GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error)
	}
	Signals  store.SignalStore
	Cache    cache.Cache
	CacheTTL time.Duration
	Now      func() time.Time
}

func (e *AnalysisExecutor) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// Execute dispatches on the task's params type.
func (e *AnalysisExecutor) Execute(ctx context.Context, t model.Task) (model.TaskResult, error) {
	switch p := t.Params.(type) {
	case model.KlineAnalysisParams:
		return e.klineAnalysis(ctx, p)
	case model.PortfolioDiagnosisParams:
		return e.diagnosis(ctx, t.UserID, p)
	case model.StockRecommendationParams:
		return e.recommendation(ctx, p)
	}
	return nil, fmt.Errorf("no executor for task type %q", t.Type)
}

// AnalysisCacheKey is the cache key of a chart analysis.
func AnalysisCacheKey(sym, marketDate, modelName, language string) string {
	return fmt.Sprintf("analysis:%s:%s:%s:%s", sym, marketDate, modelName, language)
}

// RecommendationCacheKey is the cache key of a recommendation.
func RecommendationCacheKey(criteriaHash, date, modelName, language string) string {
	return fmt.Sprintf("rec:%s:%s:%s:%s", criteriaHash, date, modelName, language)
}

func (e *AnalysisExecutor) klineAnalysis(ctx context.Context, p model.KlineAnalysisParams) (model.TaskResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	candles, err := e.Candles.GetCandles(ctx, p.Symbol, model.AssetStock, klineDays)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: no price history for %s", model.ErrExternalProvider, p.Symbol)
	}
	marketDate := candles[len(candles)-1].Date.Format(time.DateOnly)
	key := AnalysisCacheKey(p.Symbol, marketDate, p.Model, p.Language)

	var cached model.KlineAnalysisResult
	if e.cacheGet(ctx, key, &cached) {
		metrics.AnalysisCacheHits.WithLabelValues(string(model.TaskKlineAnalysis)).Inc()
		cached.Source = SourceCache
		cached.NewSignals = 0
		return cached, nil
	}

	history, err := e.signalHistory(ctx, p)
	if err != nil {
		return nil, err
	}
	var latest time.Time
	if n := len(history); n > 0 {
		latest = history[n-1].Date
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := e.Provider.AnalyzeKline(ctx, analysis.KlineRequest{
		Symbol:   p.Symbol,
		Candles:  candles,
		Model:    p.Model,
		Language: p.Language,
		Holding:  analysis.OpenBuy(history),
	})
	if err != nil {
		return nil, err
	}

	// Stored history is authoritative: only signals after its last date
	// are kept from this run.
	var fresh []model.TradeSignal
	for _, s := range analysis.ParseSignals(p.Symbol, p.Model, out.Signals, e.now()) {
		if s.Date.After(latest) {
			s.ID = uuid.New().String()
			fresh = append(fresh, s)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inserted, err := e.Signals.InsertSignals(ctx, fresh)
	if err != nil {
		return nil, fmt.Errorf("storing signals: %w", err)
	}
	if history, err = e.signalHistory(ctx, p); err != nil {
		return nil, err
	}

	last := candles[len(candles)-1]
	res := model.KlineAnalysisResult{
		Symbol:     p.Symbol,
		MarketDate: marketDate,
		Trend:      out.Trend,
		Summary:    out.Summary,
		Support:    out.Support,
		Resistance: out.Resistance,
		Signals:    history,
		Trades:     analysis.PairTrades(history, last.Close, last.Date),
		NewSignals: len(inserted),
		Source:     SourceModel,
	}
	e.cacheSet(ctx, key, res)
	return res, nil
}

// signalHistory returns every stored signal of the symbol and model,
// oldest first.
func (e *AnalysisExecutor) signalHistory(ctx context.Context, p model.KlineAnalysisParams) ([]model.TradeSignal, error) {
	stored, err := e.Signals.ListSignals(ctx, store.SignalFilter{Symbol: p.Symbol, Model: p.Model})
	if err != nil {
		return nil, fmt.Errorf("listing signals: %w", err)
	}
	history := make([]model.TradeSignal, 0, len(stored))
	history = append(history, stored...)
	sort.SliceStable(history, func(i, j int) bool { return history[i].Date.Before(history[j].Date) })
	return history, nil
}

func (e *AnalysisExecutor) diagnosis(ctx context.Context, userID string, p model.PortfolioDiagnosisParams) (model.TaskResult, error) {
	pos, err := e.Positions.GetPosition(ctx, model.PositionKey{
		UserID: userID, Symbol: p.Symbol, AssetType: p.AssetType, Currency: p.Currency,
	})
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("no %s position in %s %s", p.Symbol, p.AssetType, p.Currency)
	}
	if err != nil {
		return nil, err
	}

	req := analysis.DiagnosisRequest{Position: *pos, Model: p.Model, Language: p.Language}
	if symbol.Priced(p.AssetType) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q, err := e.Prices.GetPrice(ctx, p.Symbol, p.AssetType)
		if err != nil {
			slog.Warn("diagnosing without live price", "symbol", p.Symbol, "err", err)
		} else {
			req.Quote = &q
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := e.Provider.DiagnosePosition(ctx, req)
	if err != nil {
		return nil, err
	}
	res.Symbol = p.Symbol
	return res, nil
}

func (e *AnalysisExecutor) recommendation(ctx context.Context, p model.StockRecommendationParams) (model.TaskResult, error) {
	hash := p.CriteriaHash()
	key := RecommendationCacheKey(hash, e.now().Format(time.DateOnly), p.Model, p.Language)

	var cached model.RecommendationResult
	if e.cacheGet(ctx, key, &cached) {
		metrics.AnalysisCacheHits.WithLabelValues(string(model.TaskStockRecommendation)).Inc()
		cached.Source = SourceCache
		return cached, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := e.Provider.RecommendStocks(ctx, p)
	if err != nil {
		return nil, err
	}
	res := model.RecommendationResult{
		CriteriaHash:    hash,
		Summary:         out.Summary,
		Recommendations: out.Recommendations,
		Source:          SourceModel,
	}
	e.cacheSet(ctx, key, res)
	return res, nil
}

func (e *AnalysisExecutor) cacheGet(ctx context.Context, key string, v any) bool {
	if e.Cache == nil {
		return false
	}
	data, err := e.Cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			slog.Warn("analysis cache read failed", "key", key, "err", err)
		}
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (e *AnalysisExecutor) cacheSet(ctx context.Context, key string, v any) {
	if e.Cache == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := e.Cache.Set(ctx, key, data, e.CacheTTL); err != nil {
		slog.Warn("analysis cache write failed", "key", key, "err", err)
	}
}
