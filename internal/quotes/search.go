package quotes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/investpilot/portfolio-engine/internal/model"
)

// DefaultSearchURL is the Yahoo Finance host serving /v1/finance/search.
const DefaultSearchURL = "https://query2.finance.yahoo.com"

// localEnough is the number of catalog matches that skips the remote
// search.
const localEnough = 5

// SymbolMatch is one symbol search result.
type SymbolMatch struct {
	Symbol    string          `json:"symbol"`
	Name      string          `json:"name"`
	AssetType model.AssetType `json:"asset_type"`
}

// catalog lists frequently traded instruments answered without a remote
// call.
var catalog = []SymbolMatch{
	{"BTC-USD", "Bitcoin USD", model.AssetCrypto},
	{"ETH-USD", "Ethereum USD", model.AssetCrypto},
	{"SOL-USD", "Solana USD", model.AssetCrypto},
	{"DOGE-USD", "Dogecoin USD", model.AssetCrypto},
	{"GC=F", "Gold Futures", model.AssetCommodity},
	{"CL=F", "Crude Oil Futures", model.AssetCommodity},
	{"SI=F", "Silver Futures", model.AssetCommodity},
	{"^TNX", "Treasury Yield 10 Years", model.AssetBond},
	{"^IRX", "Treasury Yield 13 Weeks", model.AssetBond},
	{"^TYX", "Treasury Yield 30 Years", model.AssetBond},
	{"AAPL", "Apple Inc.", model.AssetStock},
	{"MSFT", "Microsoft Corporation", model.AssetStock},
	{"NVDA", "NVIDIA Corporation", model.AssetStock},
	{"GOOGL", "Alphabet Inc.", model.AssetStock},
	{"AMZN", "Amazon.com, Inc.", model.AssetStock},
	{"TSLA", "Tesla, Inc.", model.AssetStock},
	{"META", "Meta Platforms, Inc.", model.AssetStock},
	{"AMD", "Advanced Micro Devices, Inc.", model.AssetStock},
	{"NFLX", "Netflix, Inc.", model.AssetStock},
	{"BABA", "Alibaba Group Holding Limited", model.AssetStock},
	{"0700.HK", "Tencent Holdings Limited", model.AssetStock},
	{"9988.HK", "Alibaba Group Holding Limited", model.AssetStock},
	{"1810.HK", "Xiaomi Corporation", model.AssetStock},
	{"600519.SS", "Kweichow Moutai Co., Ltd.", model.AssetStock},
}

// SymbolSearch resolves free text to tradable symbols: the local catalog
// first, then Yahoo Finance's autocomplete. A failed remote search
// degrades to local results.
type SymbolSearch struct {
	client *resty.Client
}

// NewSymbolSearch creates a search against baseURL (DefaultSearchURL in
// production).
func NewSymbolSearch(baseURL string) *SymbolSearch {
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(3 * time.Second)
	client.SetHeader("User-Agent", "Mozilla/5.0 (compatible; portfolio-engine)")

	return &SymbolSearch{client: client}
}

type searchResponse struct {
	Quotes []struct {
		Symbol    string `json:"symbol"`
		ShortName string `json:"shortname"`
		LongName  string `json:"longname"`
		ExchDisp  string `json:"exchDisp"`
		Exchange  string `json:"exchange"`
		QuoteType string `json:"quoteType"`
	} `json:"quotes"`
}

// Search returns matches for query. An empty query matches nothing. When
// nothing matches, the query itself is returned as a guess, with an
// exchange suffix for numeric Hong Kong and mainland China codes.
func (s *SymbolSearch) Search(ctx context.Context, query string) ([]SymbolMatch, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []SymbolMatch{}, nil
	}
	upper := strings.ToUpper(query)

	results := []SymbolMatch{}
	seen := make(map[string]bool)
	for _, m := range catalog {
		if strings.Contains(m.Symbol, upper) || strings.Contains(strings.ToUpper(m.Name), upper) {
			results = append(results, m)
			seen[m.Symbol] = true
		}
	}
	if len(results) >= localEnough {
		return results, nil
	}

	remote, err := s.remote(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("remote symbol search failed", "query", query, "err", err)
	}
	for _, m := range remote {
		if !seen[m.Symbol] {
			results = append(results, m)
			seen[m.Symbol] = true
		}
	}
	if len(results) == 0 {
		results = append(results, guess(upper))
	}
	return results, nil
}

func (s *SymbolSearch) remote(ctx context.Context, query string) ([]SymbolMatch, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"q":                query,
			"quotesCount":      "10",
			"newsCount":        "0",
			"enableFuzzyQuery": "true",
		}).
		Get("/v1/finance/search")
	if err != nil {
		return nil, fmt.Errorf("%w: symbol search: %w", model.ErrExternalProvider, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("%w: symbol search: API error %d", model.ErrExternalProvider, resp.StatusCode())
	}

	var body searchResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("%w: symbol search: decode: %w", model.ErrExternalProvider, err)
	}
	out := make([]SymbolMatch, 0, len(body.Quotes))
	for _, q := range body.Quotes {
		if q.Symbol == "" {
			continue
		}
		name := q.ShortName
		if name == "" {
			name = q.LongName
		}
		if name == "" {
			name = q.Symbol
		}
		exch := q.ExchDisp
		if exch == "" {
			exch = q.Exchange
		}
		if exch != "" {
			name = fmt.Sprintf("%s (%s)", name, exch)
		}
		out = append(out, SymbolMatch{Symbol: q.Symbol, Name: name, AssetType: searchAssetType(q.QuoteType, q.Symbol)})
	}
	return out, nil
}

func searchAssetType(quoteType, sym string) model.AssetType {
	switch quoteType {
	case "CRYPTOCURRENCY":
		return model.AssetCrypto
	case "FUTURE":
		return model.AssetCommodity
	case "MUTUALFUND":
		return model.AssetFund
	case "INDEX":
		if strings.HasPrefix(sym, "^") {
			return model.AssetBond
		}
	}
	return model.AssetStock
}

func guess(code string) SymbolMatch {
	sym := code
	if isDigits(code) {
		switch {
		case len(code) == 4:
			sym = code + ".HK"
		case len(code) == 6 && code[0] == '6':
			sym = code + ".SS"
		case len(code) == 6 && (code[0] == '0' || code[0] == '3'):
			sym = code + ".SZ"
		}
	}
	return SymbolMatch{Symbol: sym, Name: code, AssetType: model.AssetStock}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
