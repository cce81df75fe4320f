// Package symbol normalizes and validates instrument tickers per asset type.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/investpilot/portfolio-engine/internal/model"
)

var (
	// stockRegex matches exchange tickers with an optional class or market
	// suffix. Examples: AAPL, BRK.B, 600519.SS, 0700.HK
	stockRegex = regexp.MustCompile(`^[A-Z0-9]{1,10}([.\-][A-Z0-9]{1,4})?$`)

	// cryptoRegex matches a coin with an optional quote currency: BTC, ETH-USD
	cryptoRegex = regexp.MustCompile(`^[A-Z0-9]{2,10}(-[A-Z]{3,4})?$`)

	// fundCNRegex matches six-digit mainland fund codes: 110011
	fundCNRegex = regexp.MustCompile(`^\d{6}$`)

	// genericRegex covers futures (GC=F), indices (^TNX) and bond codes.
	genericRegex = regexp.MustCompile(`^[A-Z0-9^][A-Z0-9.\-=^]{0,19}$`)
)

var (
	ErrInvalidSymbol    = errors.New("symbol: invalid format")
	ErrInvalidAssetType = errors.New("symbol: unsupported asset type")
)

// Normalize trims and upper-cases a symbol and validates it for assetType.
// Errors wrap model.ErrValidation.
func Normalize(raw string, assetType model.AssetType) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(raw))
	if !assetType.Valid() {
		return "", fmt.Errorf("%w: %w: %q", model.ErrValidation, ErrInvalidAssetType, assetType)
	}

	var re *regexp.Regexp
	switch assetType {
	case model.AssetStock:
		re = stockRegex
	case model.AssetCrypto:
		re = cryptoRegex
	case model.AssetFundCN:
		re = fundCNRegex
	default:
		re = genericRegex
	}
	if !re.MatchString(sym) {
		return "", fmt.Errorf("%w: %w: %q for %s", model.ErrValidation, ErrInvalidSymbol, raw, assetType)
	}
	return sym, nil
}

// Yahoo maps a normalized symbol to the ticker Yahoo Finance quotes it
// under. Bare crypto coins are quoted against USD.
func Yahoo(sym string, assetType model.AssetType) string {
	if assetType == model.AssetCrypto && !strings.Contains(sym, "-") {
		return sym + "-USD"
	}
	return sym
}

// Priced reports whether instruments of assetType have a market price.
// Cash is valued at face.
func Priced(assetType model.AssetType) bool {
	return assetType != model.AssetCash
}
