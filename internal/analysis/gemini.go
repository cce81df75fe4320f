package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/investpilot/portfolio-engine/internal/model"
)

// Gemini is a Provider backed by the Gemini API in JSON response mode.
type Gemini struct {
	client *genai.Client
}

// NewGemini creates a Gemini provider with the given API key.
func NewGemini(ctx context.Context, apiKey string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing gemini client: %w", err)
	}
	return &Gemini{client: client}, nil
}

// generate sends one prompt and decodes the JSON answer into T.
func generate[T any](ctx context.Context, g *Gemini, modelName, system, prompt string) (T, error) {
	var out T
	resp, err := g.client.Models.GenerateContent(ctx, modelName, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: system}}},
		ResponseMIMEType:  "application/json",
		Temperature:       genai.Ptr[float32](0.3),
	})
	if err != nil {
		return out, fmt.Errorf("%w: gemini %s: %w", model.ErrExternalProvider, modelName, err)
	}
	text := resp.Text()
	if text == "" {
		return out, fmt.Errorf("%w: gemini %s: empty response", model.ErrExternalProvider, modelName)
	}
	if err := json.Unmarshal([]byte(stripFence(text)), &out); err != nil {
		return out, fmt.Errorf("%w: gemini %s: decoding answer: %w", model.ErrExternalProvider, modelName, err)
	}
	return out, nil
}

// stripFence removes a markdown code fence some models add around JSON.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

func languageName(code string) string {
	switch strings.ToLower(code) {
	case "zh", "zh-cn":
		return "Simplified Chinese"
	case "en":
		return "English"
	}
	return code
}

func (g *Gemini) AnalyzeKline(ctx context.Context, req KlineRequest) (KlineAnalysis, error) {
	system := fmt.Sprintf(`You are a technical analyst. Read the daily candles you are given and answer
in %s with a single JSON object:
{"trend": "up|down|sideways", "summary": string, "support": string, "resistance": string,
 "signals": [{"date": "YYYY-MM-DD", "type": "BUY|SELL|HOLD", "price": number, "reason": string}]}
Signals must fall on dates present in the data and use that day's close as price.
Only emit a SELL while holding and a BUY while flat.`, languageName(req.Language))

	var b strings.Builder
	fmt.Fprintf(&b, "Symbol: %s\n", req.Symbol)
	if h := req.Holding; h != nil {
		fmt.Fprintf(&b, "Current holding: bought %s at %s (%s)\n", h.Date.Format("2006-01-02"), h.Price, h.Reason)
	} else {
		b.WriteString("Current holding: none\n")
	}
	b.WriteString("date,open,high,low,close,volume\n")
	for _, c := range req.Candles {
		fmt.Fprintf(&b, "%s,%s,%s,%s,%s,%d\n",
			c.Date.Format("2006-01-02"), c.Open, c.High, c.Low, c.Close, c.Volume)
	}
	return generate[KlineAnalysis](ctx, g, req.Model, system, b.String())
}

func (g *Gemini) DiagnosePosition(ctx context.Context, req DiagnosisRequest) (model.DiagnosisResult, error) {
	system := fmt.Sprintf(`You are a portfolio advisor. Assess the holding you are given and answer in %s
with a single JSON object:
{"rating": "strong_buy|buy|hold|reduce|sell", "summary": string, "suggestion": string,
 "risk_level": "low|medium|high"}`, languageName(req.Language))

	p := req.Position
	var b strings.Builder
	fmt.Fprintf(&b, "Symbol: %s (%s, %s)\n", p.Symbol, p.AssetType, p.Currency)
	fmt.Fprintf(&b, "Quantity: %s\nAverage cost: %s\nTotal cost: %s\nRealized P&L: %s\n",
		p.TotalQuantity, p.AvgCost, p.TotalCost, p.RealizedPnL)
	if req.Quote != nil {
		fmt.Fprintf(&b, "Current price: %s\n", req.Quote.Price)
		if req.Quote.DailyChangePct != nil {
			fmt.Fprintf(&b, "Daily change: %s%%\n", req.Quote.DailyChangePct)
		}
	} else {
		b.WriteString("Current price: unavailable\n")
	}

	res, err := generate[model.DiagnosisResult](ctx, g, req.Model, system, b.String())
	if err != nil {
		return res, err
	}
	res.Symbol = p.Symbol
	return res, nil
}

func (g *Gemini) RecommendStocks(ctx context.Context, params model.StockRecommendationParams) (RecommendationOutput, error) {
	system := fmt.Sprintf(`You are an equity strategist. Recommend up to five instruments for the
investor profile you are given and answer in %s with a single JSON object:
{"summary": string, "recommendations": [{"symbol": string, "name": string, "reason": string,
 "allocation": number, "entry_price": number}]}
Allocations are percentages of capital and sum to at most 100.`, languageName(params.Language))

	prompt := fmt.Sprintf("Market: %s\nCapital: %s\nRisk tolerance: %s\nTrading frequency: %s\n",
		params.Market, params.Capital, params.Risk, params.Frequency)
	return generate[RecommendationOutput](ctx, g, params.Model, system, prompt)
}
