package quotes

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/investpilot/portfolio-engine/internal/model"
)

// RateSource returns FX rates as units of currency per one unit of base.
type RateSource interface {
	GetRates(ctx context.Context, base string) (map[string]decimal.Decimal, error)
}

// HTTPRateSource reads rates from an open.er-api.com compatible endpoint:
// GET {baseURL}/latest/{base}.
type HTTPRateSource struct {
	client *resty.Client
}

// NewHTTPRateSource creates a rate source against baseURL.
func NewHTTPRateSource(baseURL string) *HTTPRateSource {
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(10 * time.Second)
	client.SetRetryCount(2)
	client.SetRetryWaitTime(500 * time.Millisecond)

	return &HTTPRateSource{client: client}
}

type rateResponse struct {
	Result   string                     `json:"result"`
	BaseCode string                     `json:"base_code"`
	Rates    map[string]decimal.Decimal `json:"rates"`
	Error    string                     `json:"error-type,omitempty"`
}

// GetRates fetches the latest rates for base.
func (s *HTTPRateSource) GetRates(ctx context.Context, base string) (map[string]decimal.Decimal, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetPathParam("base", base).
		Get("/latest/{base}")
	if err != nil {
		return nil, fmt.Errorf("%w: fx rates: %w", model.ErrExternalProvider, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("%w: fx rates: API error %d: %s", model.ErrExternalProvider, resp.StatusCode(), resp.String())
	}

	var body rateResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("%w: fx rates: decode: %w", model.ErrExternalProvider, err)
	}
	if body.Result != "success" {
		return nil, fmt.Errorf("%w: fx rates: %s %s", model.ErrExternalProvider, body.Result, body.Error)
	}
	if body.BaseCode != "" && body.BaseCode != base {
		return nil, fmt.Errorf("%w: fx rates: asked for %s, got %s", model.ErrExternalProvider, base, body.BaseCode)
	}
	return body.Rates, nil
}
