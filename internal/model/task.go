package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TaskType names a kind of asynchronous AI job.
type TaskType string

const (
	TaskKlineAnalysis       TaskType = "kline_analysis"
	TaskPortfolioDiagnosis  TaskType = "portfolio_diagnosis"
	TaskStockRecommendation TaskType = "stock_recommendation"
)

// TaskStatus is the lifecycle state of a task. Every state other than
// running is terminal.
type TaskStatus string

const (
	TaskRunning    TaskStatus = "running"
	TaskCompleted  TaskStatus = "completed"
	TaskTerminated TaskStatus = "terminated"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether s is a final state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskTerminated || s == TaskFailed
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	return s == TaskRunning || s.Terminal()
}

const (
	DefaultModel    = "gemini-2.5-flash"
	DefaultLanguage = "zh"

	// MaxTaskErrorLen bounds the error text persisted on a task.
	MaxTaskErrorLen = 65500
)

// TaskParams is the typed input of a task kind.
type TaskParams interface {
	Kind() TaskType
	// DedupKey identifies equivalent work for the same user and kind.
	DedupKey() string
	Validate() error
}

// TaskResult is the typed output of a task kind.
type TaskResult interface {
	Kind() TaskType
}

// Task is an asynchronous AI job owned by one user.
type Task struct {
	ID          string     `json:"task_id"`
	UserID      string     `json:"user_id"`
	Type        TaskType   `json:"task_type"`
	Status      TaskStatus `json:"status"`
	DedupKey    string     `json:"dedup_key"`
	Params      TaskParams `json:"params"`
	Result      TaskResult `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// UnmarshalJSON decodes params and result into their typed forms using the
// task type.
func (t *Task) UnmarshalJSON(data []byte) error {
	type plain Task
	var raw struct {
		plain
		Params json.RawMessage `json:"params"`
		Result json.RawMessage `json:"result,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = Task(raw.plain)
	if len(raw.Params) > 0 && string(raw.Params) != "null" {
		p, err := DecodeParams(t.Type, raw.Params)
		if err != nil {
			return err
		}
		t.Params = p
	}
	if len(raw.Result) > 0 && string(raw.Result) != "null" {
		r, err := DecodeResult(t.Type, raw.Result)
		if err != nil {
			return err
		}
		t.Result = r
	}
	return nil
}

// TruncateTaskError caps msg at MaxTaskErrorLen bytes without splitting a
// UTF-8 sequence.
func TruncateTaskError(msg string) string {
	if len(msg) <= MaxTaskErrorLen {
		return msg
	}
	cut := MaxTaskErrorLen
	for cut > 0 && !utf8RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }

// --- Params ---

// KlineAnalysisParams requests a candlestick analysis of one symbol.
type KlineAnalysisParams struct {
	Symbol   string `json:"symbol"`
	Model    string `json:"model"`
	Language string `json:"language"`
}

func (KlineAnalysisParams) Kind() TaskType     { return TaskKlineAnalysis }
func (p KlineAnalysisParams) DedupKey() string { return p.Symbol }

func (p KlineAnalysisParams) Validate() error {
	if p.Symbol == "" {
		return Invalidf("symbol is required")
	}
	return nil
}

// PortfolioDiagnosisParams requests a diagnosis of one held position.
type PortfolioDiagnosisParams struct {
	Symbol    string    `json:"symbol"`
	AssetType AssetType `json:"asset_type"`
	Currency  string    `json:"currency"`
	Model     string    `json:"model"`
	Language  string    `json:"language"`
}

func (PortfolioDiagnosisParams) Kind() TaskType { return TaskPortfolioDiagnosis }

func (p PortfolioDiagnosisParams) DedupKey() string {
	return strings.Join([]string{p.Symbol, string(p.AssetType), p.Currency}, "/")
}

func (p PortfolioDiagnosisParams) Validate() error {
	if p.Symbol == "" {
		return Invalidf("symbol is required")
	}
	if !p.AssetType.Valid() {
		return Invalidf("unknown asset type %q", p.AssetType)
	}
	if p.Currency == "" {
		return Invalidf("currency is required")
	}
	return nil
}

// StockRecommendationParams requests stock picks for the given criteria.
type StockRecommendationParams struct {
	Market    string          `json:"market"`
	Capital   decimal.Decimal `json:"capital"`
	Risk      string          `json:"risk"`
	Frequency string          `json:"frequency"`
	Model     string          `json:"model"`
	Language  string          `json:"language"`
}

func (StockRecommendationParams) Kind() TaskType { return TaskStockRecommendation }

// DedupKey is the criteria hash. Model and language are excluded so that
// the same question is never asked twice concurrently.
func (p StockRecommendationParams) DedupKey() string { return p.CriteriaHash() }

// CriteriaHash is a stable digest of the recommendation criteria.
func (p StockRecommendationParams) CriteriaHash() string {
	h := sha256.Sum256([]byte(strings.Join([]string{
		strings.ToUpper(p.Market),
		p.Capital.String(),
		strings.ToLower(p.Risk),
		strings.ToLower(p.Frequency),
	}, "|")))
	return hex.EncodeToString(h[:8])
}

func (p StockRecommendationParams) Validate() error {
	if p.Market == "" {
		return Invalidf("market is required")
	}
	if !p.Capital.IsPositive() {
		return Invalidf("capital must be positive")
	}
	if p.Risk == "" || p.Frequency == "" {
		return Invalidf("risk and frequency are required")
	}
	return nil
}

// WithDefaults fills in model and language when absent.
func WithDefaults(p TaskParams) TaskParams {
	switch v := p.(type) {
	case KlineAnalysisParams:
		v.Model, v.Language = orDefault(v.Model, DefaultModel), orDefault(v.Language, DefaultLanguage)
		return v
	case PortfolioDiagnosisParams:
		v.Model, v.Language = orDefault(v.Model, DefaultModel), orDefault(v.Language, DefaultLanguage)
		return v
	case StockRecommendationParams:
		v.Model, v.Language = orDefault(v.Model, DefaultModel), orDefault(v.Language, DefaultLanguage)
		return v
	}
	return p
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// DecodeParams decodes raw JSON into the params type for kind.
func DecodeParams(kind TaskType, raw []byte) (TaskParams, error) {
	switch kind {
	case TaskKlineAnalysis:
		var p KlineAnalysisParams
		err := json.Unmarshal(raw, &p)
		return p, err
	case TaskPortfolioDiagnosis:
		var p PortfolioDiagnosisParams
		err := json.Unmarshal(raw, &p)
		return p, err
	case TaskStockRecommendation:
		var p StockRecommendationParams
		err := json.Unmarshal(raw, &p)
		return p, err
	}
	return nil, Invalidf("unknown task type %q", kind)
}

// --- Results ---

// KlineAnalysisResult is the outcome of a candlestick analysis.
type KlineAnalysisResult struct {
	Symbol     string        `json:"symbol"`
	MarketDate string        `json:"market_date"`
	Trend      string        `json:"trend"`
	Summary    string        `json:"summary"`
	Support    string        `json:"support,omitempty"`
	Resistance string        `json:"resistance,omitempty"`
	// Signals is the full stored history for the symbol and model, oldest
	// first; Trades pairs it into round trips, newest first.
	Signals []TradeSignal `json:"signals"`
	Trades  []SignalTrade `json:"trades"`
	// NewSignals counts signals stored by this run.
	NewSignals int    `json:"new_signals"`
	Source     string `json:"source"` // "model" or "cache"
}

func (KlineAnalysisResult) Kind() TaskType { return TaskKlineAnalysis }

// SignalTrade statuses.
const (
	TradeClosed  = "CLOSED"
	TradeHolding = "HOLDING"
)

// SignalTrade is a BUY signal paired with the SELL that closed it. An open
// trade has no sell and is valued at the latest close.
type SignalTrade struct {
	BuyDate     time.Time        `json:"buy_date"`
	BuyPrice    decimal.Decimal  `json:"buy_price"`
	SellDate    *time.Time       `json:"sell_date"`
	SellPrice   *decimal.Decimal `json:"sell_price"`
	Status      string           `json:"status"`
	HoldingDays int              `json:"holding_days"`
	// ReturnPct is the percentage return, rounded to two places.
	ReturnPct decimal.Decimal `json:"return_pct"`
	Reason    string          `json:"reason,omitempty"`
}

// DiagnosisResult is the outcome of a position diagnosis.
type DiagnosisResult struct {
	Symbol     string `json:"symbol"`
	Rating     string `json:"rating"`
	Summary    string `json:"summary"`
	Suggestion string `json:"suggestion"`
	RiskLevel  string `json:"risk_level,omitempty"`
}

func (DiagnosisResult) Kind() TaskType { return TaskPortfolioDiagnosis }

// Recommendation is one recommended instrument.
type Recommendation struct {
	Symbol     string          `json:"symbol"`
	Name       string          `json:"name,omitempty"`
	Reason     string          `json:"reason"`
	Allocation decimal.Decimal `json:"allocation"`
	EntryPrice decimal.Decimal `json:"entry_price,omitempty"`
}

// RecommendationResult is the outcome of a stock recommendation.
type RecommendationResult struct {
	CriteriaHash    string           `json:"criteria_hash"`
	Summary         string           `json:"summary"`
	Recommendations []Recommendation `json:"recommendations"`
	Source          string           `json:"source"`
}

func (RecommendationResult) Kind() TaskType { return TaskStockRecommendation }

// DecodeResult decodes raw JSON into the result type for kind.
func DecodeResult(kind TaskType, raw []byte) (TaskResult, error) {
	switch kind {
	case TaskKlineAnalysis:
		var r KlineAnalysisResult
		err := json.Unmarshal(raw, &r)
		return r, err
	case TaskPortfolioDiagnosis:
		var r DiagnosisResult
		err := json.Unmarshal(raw, &r)
		return r, err
	case TaskStockRecommendation:
		var r RecommendationResult
		err := json.Unmarshal(raw, &r)
		return r, err
	}
	return nil, fmt.Errorf("decode result: unknown task type %q", kind)
}
