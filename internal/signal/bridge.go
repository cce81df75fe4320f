// Package signal turns AI trade signals into ledger transactions.
package signal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/investpilot/portfolio-engine/internal/ledger"
	"github.com/investpilot/portfolio-engine/internal/model"
	"github.com/investpilot/portfolio-engine/internal/store"
)

// AdoptRequest carries what a signal does not: the size of the trade and
// the position it belongs to.
type AdoptRequest struct {
	Quantity  decimal.Decimal `json:"quantity"`
	AssetType model.AssetType `json:"asset_type"`
	Currency  string          `json:"currency"`
	Notes     string          `json:"notes"`
}

// Recorder creates ledger transactions. Implemented by *ledger.Service.
type Recorder interface {
	CreateTransaction(ctx context.Context, userID string, in ledger.TransactionInput) (*model.Transaction, error)
}

// Bridge adopts signals into the ledger.
type Bridge struct {
	signals store.SignalStore
	ledger  Recorder
}

// NewBridge creates a bridge.
func NewBridge(signals store.SignalStore, rec Recorder) *Bridge {
	return &Bridge{signals: signals, ledger: rec}
}

// List returns stored signals, newest first.
func (b *Bridge) List(ctx context.Context, filter store.SignalFilter) ([]model.TradeSignal, error) {
	return b.signals.ListSignals(ctx, filter)
}

// Adopt creates exactly one transaction from the signal's symbol, date,
// price and direction, and marks the signal adopted in the same commit.
// A second adoption fails with model.ErrAlreadyAdopted.
func (b *Bridge) Adopt(ctx context.Context, signalID, userID string, req AdoptRequest) (*model.Transaction, error) {
	sig, err := b.signals.GetSignal(ctx, signalID)
	if err != nil {
		return nil, err
	}
	if sig.Adopted {
		return nil, fmt.Errorf("signal %s: %w", signalID, model.ErrAlreadyAdopted)
	}

	var txType model.TransactionType
	switch sig.Type {
	case model.SignalBuy:
		txType = model.Buy
	case model.SignalSell:
		txType = model.Sell
	default:
		return nil, model.Invalidf("%s signals cannot be adopted", sig.Type)
	}
	if !req.Quantity.IsPositive() {
		return nil, model.Invalidf("quantity must be positive")
	}
	assetType := req.AssetType
	if assetType == "" {
		assetType = model.AssetStock
	}

	notes := req.Notes
	if notes == "" {
		notes = sig.Reason
	}
	tx, err := b.ledger.CreateTransaction(ctx, userID, ledger.TransactionInput{
		Symbol:    sig.Symbol,
		AssetType: assetType,
		Currency:  req.Currency,
		Type:      txType,
		Date:      sig.Date,
		Price:     sig.Price,
		Quantity:  req.Quantity,
		Notes:     notes,
		Source:    model.SourceAISuggestion,
		SignalID:  sig.ID,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("signal adopted", "signal_id", sig.ID, "user", userID, "transaction_id", tx.ID)
	return tx, nil
}
