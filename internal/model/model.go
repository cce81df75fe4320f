// Package model defines the core domain types shared across the portfolio engine.
// Monetary values use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// AssetType classifies what a position holds.
type AssetType string

const (
	AssetStock     AssetType = "STOCK"
	AssetCrypto    AssetType = "CRYPTO"
	AssetFund      AssetType = "FUND"
	AssetFundCN    AssetType = "FUND_CN"
	AssetBond      AssetType = "BOND"
	AssetCommodity AssetType = "COMMODITY"
	AssetCash      AssetType = "CASH"
)

var validAssetTypes = map[AssetType]bool{
	AssetStock:     true,
	AssetCrypto:    true,
	AssetFund:      true,
	AssetFundCN:    true,
	AssetBond:      true,
	AssetCommodity: true,
	AssetCash:      true,
}

// Valid reports whether t is a known asset type.
func (t AssetType) Valid() bool { return validAssetTypes[t] }

// TransactionType is the direction of a trade.
type TransactionType string

const (
	Buy  TransactionType = "BUY"
	Sell TransactionType = "SELL"
)

// CashFlowType is the direction of a cash movement.
type CashFlowType string

const (
	Deposit    CashFlowType = "DEPOSIT"
	Withdrawal CashFlowType = "WITHDRAWAL"
)

// Transaction sources.
const (
	SourceManual       = "manual"
	SourceAISuggestion = "ai_suggestion"
)

// Account aggregates cash flows and realized results for one user in one
// currency. It is derived and only changes through ledger effects.
type Account struct {
	ID              string          `json:"id" db:"id"`
	UserID          string          `json:"user_id" db:"user_id"`
	Currency        string          `json:"currency" db:"currency"`
	TotalDeposit    decimal.Decimal `json:"total_deposit" db:"total_deposit"`
	TotalWithdrawal decimal.Decimal `json:"total_withdrawal" db:"total_withdrawal"`
	RealizedPnL     decimal.Decimal `json:"realized_profit_loss" db:"realized_profit_loss"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// NetDeposit is deposits minus withdrawals.
func (a Account) NetDeposit() decimal.Decimal {
	return a.TotalDeposit.Sub(a.TotalWithdrawal)
}

// CashFlow is an immutable deposit or withdrawal record.
type CashFlow struct {
	ID        string          `json:"id" db:"id"`
	AccountID string          `json:"account_id" db:"account_id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Type      CashFlowType    `json:"type" db:"flow_type"`
	Date      time.Time       `json:"date" db:"flow_date"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Currency  string          `json:"currency" db:"currency"`
	Source    string          `json:"source" db:"source"`
	Notes     string          `json:"notes,omitempty" db:"notes"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// PositionKey identifies a position. Unique per store.
type PositionKey struct {
	UserID    string    `json:"user_id"`
	Symbol    string    `json:"symbol"`
	AssetType AssetType `json:"asset_type"`
	Currency  string    `json:"currency"`
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.UserID, k.Symbol, k.AssetType, k.Currency)
}

// Position is the aggregate holding derived from a transaction history.
// It is created lazily on the first transaction and kept at zero quantity.
type Position struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	AssetType     AssetType       `json:"asset_type" db:"asset_type"`
	Currency      string          `json:"currency" db:"currency"`
	TotalQuantity decimal.Decimal `json:"total_quantity" db:"total_quantity"`
	AvgCost       decimal.Decimal `json:"avg_cost" db:"avg_cost"`
	TotalCost     decimal.Decimal `json:"total_cost" db:"total_cost"`
	RealizedPnL   decimal.Decimal `json:"realized_profit_loss" db:"realized_profit_loss"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Key returns the position's uniqueness key.
func (p Position) Key() PositionKey {
	return PositionKey{UserID: p.UserID, Symbol: p.Symbol, AssetType: p.AssetType, Currency: p.Currency}
}

// Transaction is a ledger entry for a trade. BUY and SELL always reference a
// position; SELL carries the realized P&L computed against the average cost.
type Transaction struct {
	ID          string          `json:"id" db:"id"`
	PositionID  string          `json:"position_id" db:"position_id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	AssetType   AssetType       `json:"asset_type" db:"asset_type"`
	Currency    string          `json:"currency" db:"currency"`
	Type        TransactionType `json:"type" db:"transaction_type"`
	Date        time.Time       `json:"date" db:"trade_date"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	CostBasis   decimal.Decimal `json:"cost_basis" db:"cost_basis"`
	RealizedPnL decimal.Decimal `json:"realized_profit_loss" db:"realized_profit_loss"`
	Source      string          `json:"source" db:"source"`
	SignalID    string          `json:"signal_id,omitempty" db:"signal_id"`
	Notes       string          `json:"notes,omitempty" db:"notes"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Key returns the key of the position the transaction belongs to.
func (t Transaction) Key() PositionKey {
	return PositionKey{UserID: t.UserID, Symbol: t.Symbol, AssetType: t.AssetType, Currency: t.Currency}
}

// Before orders transactions in history order: trade date, then insertion
// time, then ID.
func (t Transaction) Before(o Transaction) bool {
	if !t.Date.Equal(o.Date) {
		return t.Date.Before(o.Date)
	}
	if !t.CreatedAt.Equal(o.CreatedAt) {
		return t.CreatedAt.Before(o.CreatedAt)
	}
	return t.ID < o.ID
}

// SignalType is the direction recommended by a trade signal.
type SignalType string

const (
	SignalBuy  SignalType = "BUY"
	SignalSell SignalType = "SELL"
	SignalHold SignalType = "HOLD"
)

// TradeSignal is an AI-produced recommendation. Adopted is true iff a
// transaction was created from it; the link is set once.
type TradeSignal struct {
	ID                   string          `json:"id" db:"id"`
	Symbol               string          `json:"symbol" db:"symbol"`
	Date                 time.Time       `json:"date" db:"signal_date"`
	Price                decimal.Decimal `json:"price" db:"price"`
	Type                 SignalType      `json:"type" db:"signal_type"`
	Reason               string          `json:"reason,omitempty" db:"reason"`
	Model                string          `json:"model" db:"model_name"`
	Adopted              bool            `json:"adopted" db:"adopted"`
	RelatedTransactionID string          `json:"related_transaction_id,omitempty" db:"related_transaction_id"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
}

// LedgerChange is the full effect of one ledger mutation. Stores apply it
// atomically: either everything is written or nothing is.
type LedgerChange struct {
	UserID string

	Account *Account // upsert on (user, currency)

	CashFlow         *CashFlow // insert
	DeleteCashFlowID string

	Position            *Position     // upsert on position key
	Transactions        []Transaction // upsert by ID
	DeleteTransactionID string

	// PositionVersion and AccountVersion pin the UpdatedAt of the stored
	// position and account the change was computed from; the zero time
	// means the record did not exist. The commit fails with ErrConflict if
	// the stored record differs. Nil skips the check.
	PositionVersion *time.Time
	AccountVersion  *time.Time

	// AdoptSignalID marks the signal adopted and links it to
	// AdoptTransactionID. Fails with ErrAlreadyAdopted if already adopted.
	AdoptSignalID      string
	AdoptTransactionID string
}

// LedgerSnapshot is a consistent read view of a user's ledger aggregates.
type LedgerSnapshot struct {
	UserID    string     `json:"user_id"`
	Accounts  []Account  `json:"accounts"`
	Positions []Position `json:"positions"`
	TakenAt   time.Time  `json:"taken_at"`
}

// NormalizeCurrency upper-cases and validates an ISO 4217 code.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "", Invalidf("currency is required")
	}
	if money.GetCurrency(code) == nil {
		return "", Invalidf("unknown currency %q", code)
	}
	return code, nil
}

// DailyValuation is a user's statement totals recorded once per day and
// display currency. TotalValue includes cash positions; MarketValue
// excludes them.
type DailyValuation struct {
	UserID          string          `json:"user_id" db:"user_id"`
	Date            time.Time       `json:"date" db:"valuation_date"`
	Currency        string          `json:"currency" db:"currency"`
	TotalValue      decimal.Decimal `json:"total_value" db:"total_value"`
	MarketValue     decimal.Decimal `json:"market_value" db:"market_value"`
	CashBalance     decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	TotalCost       decimal.Decimal `json:"total_cost" db:"total_cost"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"`
	TotalReturnRate decimal.Decimal `json:"total_return_rate" db:"total_return_rate"`
	Holdings        int             `json:"holdings" db:"holdings"`
	// Degraded is set when any holding was valued with a fallback price
	// or rate.
	Degraded  bool      `json:"degraded" db:"degraded"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
