// Package ledger records cash flows and trades and keeps positions and
// accounts consistent with them using the weighted-average cost method.
package ledger

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/investpilot/portfolio-engine/internal/model"
)

// Epsilon is the tolerance for quantity comparisons. A quantity within
// Epsilon of zero is treated as exactly zero.
var Epsilon = decimal.New(1, -9)

// Apply folds one transaction into a position. It is pure: the inputs are
// not modified. The returned transaction carries the computed amount, cost
// basis and realized P&L.
//
// BUY adds quantity and cost and re-averages. SELL removes quantity at the
// current average cost, leaving the average unchanged, and realizes
// amount - cost_basis.
func Apply(pos model.Position, tx model.Transaction) (model.Position, model.Transaction, error) {
	if err := validateTrade(tx); err != nil {
		return pos, tx, err
	}

	tx.Amount = tx.Price.Mul(tx.Quantity)

	switch tx.Type {
	case model.Buy:
		pos.TotalQuantity = pos.TotalQuantity.Add(tx.Quantity)
		pos.TotalCost = pos.TotalCost.Add(tx.Amount)
		pos.AvgCost = pos.TotalCost.Div(pos.TotalQuantity)
		tx.CostBasis = tx.Amount
		tx.RealizedPnL = decimal.Zero

	case model.Sell:
		if tx.Quantity.GreaterThan(pos.TotalQuantity.Add(Epsilon)) {
			return pos, tx, fmt.Errorf("%w: sell %s %s exceeds held %s",
				model.ErrInsufficientPosition, tx.Quantity, tx.Symbol, pos.TotalQuantity)
		}
		tx.CostBasis = pos.AvgCost.Mul(tx.Quantity)
		tx.RealizedPnL = tx.Amount.Sub(tx.CostBasis)
		pos.TotalQuantity = pos.TotalQuantity.Sub(tx.Quantity)
		pos.TotalCost = pos.TotalCost.Sub(tx.CostBasis)
		pos.RealizedPnL = pos.RealizedPnL.Add(tx.RealizedPnL)
	}

	if pos.TotalQuantity.Abs().LessThanOrEqual(Epsilon) {
		pos.TotalQuantity = decimal.Zero
		pos.AvgCost = decimal.Zero
		pos.TotalCost = decimal.Zero
	}
	return pos, tx, nil
}

// Replay recomputes a position from empty state over its full history.
// The returned transactions are in history order with recomputed cost
// basis and realized P&L. Any infeasible SELL fails the whole replay.
func Replay(pos model.Position, history []model.Transaction) (model.Position, []model.Transaction, error) {
	txs := make([]model.Transaction, len(history))
	copy(txs, history)
	SortHistory(txs)

	pos.TotalQuantity = decimal.Zero
	pos.AvgCost = decimal.Zero
	pos.TotalCost = decimal.Zero
	pos.RealizedPnL = decimal.Zero

	for i, tx := range txs {
		next, applied, err := Apply(pos, tx)
		if err != nil {
			return pos, nil, fmt.Errorf("replay %s at %s: %w", tx.ID, tx.Date.Format("2006-01-02"), err)
		}
		pos, txs[i] = next, applied
	}
	return pos, txs, nil
}

// SortHistory orders transactions by (date, created_at, id).
func SortHistory(txs []model.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].Before(txs[j]) })
}

func validateTrade(tx model.Transaction) error {
	if tx.Type != model.Buy && tx.Type != model.Sell {
		return model.Invalidf("transaction type must be BUY or SELL, got %q", tx.Type)
	}
	if !tx.Price.IsPositive() {
		return model.Invalidf("price must be positive")
	}
	if !tx.Quantity.IsPositive() {
		return model.Invalidf("quantity must be positive")
	}
	return nil
}
