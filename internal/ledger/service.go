package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/investpilot/portfolio-engine/internal/events"
	"github.com/investpilot/portfolio-engine/internal/metrics"
	"github.com/investpilot/portfolio-engine/internal/model"
	"github.com/investpilot/portfolio-engine/internal/store"
	"github.com/investpilot/portfolio-engine/internal/symbol"
)

// Service records cash flows and trades. Mutations for one user are
// serialized with an in-process per-user lock. Across instances every
// commit pins the versions of the position and account it was computed
// from, and the store rejects it with model.ErrConflict if another
// instance committed in between. Mutations of different users run in
// parallel.
type Service struct {
	store  store.LedgerStore
	events events.Publisher
	locks  *userLocks
	now    func() time.Time
}

// NewService creates a ledger service. Pass events.Nop{} if no event
// stream is configured.
func NewService(st store.LedgerStore, pub events.Publisher) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Service{
		store:  st,
		events: pub,
		locks:  newUserLocks(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// --- Inputs ---

// CashFlowInput is a deposit or withdrawal request.
type CashFlowInput struct {
	Type     model.CashFlowType `json:"type"`
	Date     time.Time          `json:"date"`
	Amount   decimal.Decimal    `json:"amount"`
	Currency string             `json:"currency"`
	Source   string             `json:"source"`
	Notes    string             `json:"notes"`
}

// TransactionInput is a new trade.
type TransactionInput struct {
	Symbol    string                `json:"symbol"`
	AssetType model.AssetType       `json:"asset_type"`
	Currency  string                `json:"currency"`
	Type      model.TransactionType `json:"type"`
	Date      time.Time             `json:"date"`
	Price     decimal.Decimal       `json:"price"`
	Quantity  decimal.Decimal       `json:"quantity"`
	Notes     string                `json:"notes"`

	// Source and SignalID are set when the trade comes from an adopted
	// signal; SignalID is then marked adopted in the same commit.
	Source   string `json:"-"`
	SignalID string `json:"-"`
}

// TransactionEdit replaces the mutable fields of a trade; zero values keep
// the current field. The position key (symbol, asset type, currency)
// cannot change.
type TransactionEdit struct {
	Type     model.TransactionType `json:"type"`
	Date     time.Time             `json:"date"`
	Price    decimal.Decimal       `json:"price"`
	Quantity decimal.Decimal       `json:"quantity"`
	Notes    string                `json:"notes"`
}

// --- Cash flows ---

// CreateCashFlow records a deposit or withdrawal and updates the account
// for its currency, creating the account on first use.
func (s *Service) CreateCashFlow(ctx context.Context, userID string, in CashFlowInput) (*model.CashFlow, error) {
	if err := requireUser(userID); err != nil {
		return nil, s.reject("create_cash_flow", err)
	}
	if in.Type != model.Deposit && in.Type != model.Withdrawal {
		return nil, s.reject("create_cash_flow", model.Invalidf("cash flow type must be DEPOSIT or WITHDRAWAL, got %q", in.Type))
	}
	if !in.Amount.IsPositive() {
		return nil, s.reject("create_cash_flow", model.Invalidf("amount must be positive"))
	}
	currency, err := model.NormalizeCurrency(in.Currency)
	if err != nil {
		return nil, s.reject("create_cash_flow", err)
	}
	source := in.Source
	if source == "" {
		source = model.SourceManual
	}

	unlock := s.locks.lock(userID)
	defer unlock()

	now := s.stamp()
	acct, version, err := s.account(ctx, userID, currency, now)
	if err != nil {
		return nil, err
	}

	cf := &model.CashFlow{
		ID:        uuid.New().String(),
		AccountID: acct.ID,
		UserID:    userID,
		Type:      in.Type,
		Date:      s.tradeDate(in.Date),
		Amount:    in.Amount,
		Currency:  currency,
		Source:    source,
		Notes:     in.Notes,
		CreatedAt: now,
	}
	applyCashFlow(acct, cf, 1)
	acct.UpdatedAt = now

	change := model.LedgerChange{UserID: userID, Account: acct, CashFlow: cf, AccountVersion: &version}
	if err := s.store.CommitLedger(ctx, change); err != nil {
		return nil, s.reject("create_cash_flow", fmt.Errorf("commit cash flow: %w", err))
	}
	metrics.LedgerWrites.WithLabelValues("create_cash_flow").Inc()

	slog.Info("cash flow recorded",
		"id", cf.ID,
		"user", userID,
		"type", cf.Type,
		"amount", cf.Amount.String(),
		"currency", currency,
	)
	s.publish(ctx, events.Event{EventType: events.CashFlowCreated, UserID: userID, EntityID: cf.ID, Payload: cf, Timestamp: now})
	return cf, nil
}

// DeleteCashFlow removes a cash flow and reverses its effect on the account.
func (s *Service) DeleteCashFlow(ctx context.Context, userID, id string) error {
	unlock := s.locks.lock(userID)
	defer unlock()

	cf, err := s.store.GetCashFlow(ctx, id)
	if err != nil {
		return err
	}
	if cf.UserID != userID {
		return fmt.Errorf("cash flow %s: %w", id, model.ErrNotFound)
	}

	now := s.stamp()
	acct, version, err := s.account(ctx, userID, cf.Currency, now)
	if err != nil {
		return err
	}
	applyCashFlow(acct, cf, -1)
	acct.UpdatedAt = now

	change := model.LedgerChange{UserID: userID, Account: acct, DeleteCashFlowID: id, AccountVersion: &version}
	if err := s.store.CommitLedger(ctx, change); err != nil {
		return s.reject("delete_cash_flow", fmt.Errorf("commit cash flow deletion: %w", err))
	}
	metrics.LedgerWrites.WithLabelValues("delete_cash_flow").Inc()

	slog.Info("cash flow deleted", "id", id, "user", userID)
	s.publish(ctx, events.Event{EventType: events.CashFlowDeleted, UserID: userID, EntityID: id, Payload: cf, Timestamp: now})
	return nil
}

// ListCashFlows returns the user's cash flows, newest first.
func (s *Service) ListCashFlows(ctx context.Context, userID string) ([]model.CashFlow, error) {
	return s.store.ListCashFlows(ctx, userID)
}

// --- Transactions ---

// CreateTransaction records a trade. The position is created on first use.
// A SELL exceeding the held quantity at its trade date is rejected with
// model.ErrInsufficientPosition and nothing is written.
func (s *Service) CreateTransaction(ctx context.Context, userID string, in TransactionInput) (*model.Transaction, error) {
	const op = "create_transaction"
	if err := requireUser(userID); err != nil {
		return nil, s.reject(op, err)
	}
	sym, err := symbol.Normalize(in.Symbol, in.AssetType)
	if err != nil {
		return nil, s.reject(op, err)
	}
	currency, err := model.NormalizeCurrency(in.Currency)
	if err != nil {
		return nil, s.reject(op, err)
	}
	source := in.Source
	if source == "" {
		source = model.SourceManual
	}
	if source != model.SourceManual && source != model.SourceAISuggestion {
		return nil, s.reject(op, model.Invalidf("unknown source %q", source))
	}

	unlock := s.locks.lock(userID)
	defer unlock()

	now := s.stamp()
	key := model.PositionKey{UserID: userID, Symbol: sym, AssetType: in.AssetType, Currency: currency}
	pos, history, err := s.loadPosition(ctx, key, now)
	if err != nil {
		return nil, err
	}

	tx := model.Transaction{
		ID:         uuid.New().String(),
		PositionID: pos.ID,
		UserID:     userID,
		Symbol:     sym,
		AssetType:  in.AssetType,
		Currency:   currency,
		Type:       in.Type,
		Date:       s.tradeDate(in.Date),
		Price:      in.Price,
		Quantity:   in.Quantity,
		Source:     source,
		SignalID:   in.SignalID,
		Notes:      in.Notes,
		CreatedAt:  now,
	}

	var (
		next    model.Position
		changed []model.Transaction
	)
	if len(history) == 0 || history[len(history)-1].Before(tx) {
		// Appending at the end of history only touches the new trade.
		var applied model.Transaction
		next, applied, err = Apply(*pos, tx)
		changed = []model.Transaction{applied}
	} else {
		// Backdated trade: later SELLs are re-costed.
		next, changed, err = s.replay(*pos, append(history, tx))
	}
	if err != nil {
		return nil, s.reject(op, err)
	}

	change := model.LedgerChange{
		UserID:       userID,
		Transactions: changed,
	}
	if in.SignalID != "" {
		change.AdoptSignalID = in.SignalID
		change.AdoptTransactionID = tx.ID
	}
	if err := s.commitPosition(ctx, &change, *pos, next, now); err != nil {
		return nil, s.reject(op, err)
	}
	metrics.LedgerWrites.WithLabelValues(op).Inc()

	created := findTransaction(changed, tx.ID)
	slog.Info("transaction recorded",
		"id", created.ID,
		"user", userID,
		"symbol", sym,
		"type", created.Type,
		"qty", created.Quantity.String(),
		"price", created.Price.String(),
		"realized", created.RealizedPnL.String(),
	)
	evts := []events.Event{{EventType: events.TransactionCreated, UserID: userID, EntityID: created.ID, Payload: created, Timestamp: now}}
	if in.SignalID != "" {
		evts = append(evts, events.Event{EventType: events.SignalAdopted, UserID: userID, EntityID: in.SignalID, Payload: created, Timestamp: now})
	}
	s.publish(ctx, evts...)
	return &created, nil
}

// EditTransaction replaces a trade's type, date, price, quantity and notes
// and replays the position. If any SELL becomes infeasible the edit is
// rejected and nothing is written.
func (s *Service) EditTransaction(ctx context.Context, userID, id string, edit TransactionEdit) (*model.Transaction, error) {
	const op = "edit_transaction"
	unlock := s.locks.lock(userID)
	defer unlock()

	orig, pos, history, err := s.loadOwnedTransaction(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	// Zero-valued fields keep their current value.
	for i := range history {
		if history[i].ID != id {
			continue
		}
		if edit.Type != "" {
			history[i].Type = edit.Type
		}
		if !edit.Date.IsZero() {
			history[i].Date = s.tradeDate(edit.Date)
		}
		if !edit.Price.IsZero() {
			history[i].Price = edit.Price
		}
		if !edit.Quantity.IsZero() {
			history[i].Quantity = edit.Quantity
		}
		if edit.Notes != "" {
			history[i].Notes = edit.Notes
		}
	}

	next, replayed, err := s.replay(*pos, history)
	if err != nil {
		return nil, s.reject(op, err)
	}

	now := s.stamp()
	change := model.LedgerChange{UserID: userID, Transactions: replayed}
	if err := s.commitPosition(ctx, &change, *pos, next, now); err != nil {
		return nil, s.reject(op, err)
	}
	metrics.LedgerWrites.WithLabelValues(op).Inc()

	updated := findTransaction(replayed, id)
	slog.Info("transaction edited",
		"id", id,
		"user", userID,
		"symbol", orig.Symbol,
		"qty", updated.Quantity.String(),
		"price", updated.Price.String(),
	)
	s.publish(ctx, events.Event{EventType: events.TransactionUpdated, UserID: userID, EntityID: id, Payload: updated, Timestamp: now})
	return &updated, nil
}

// DeleteTransaction removes a trade and replays the position. Deleting a
// BUY that later SELLs depend on is rejected.
func (s *Service) DeleteTransaction(ctx context.Context, userID, id string) error {
	const op = "delete_transaction"
	unlock := s.locks.lock(userID)
	defer unlock()

	orig, pos, history, err := s.loadOwnedTransaction(ctx, userID, id)
	if err != nil {
		return err
	}

	remaining := history[:0]
	for _, tx := range history {
		if tx.ID != id {
			remaining = append(remaining, tx)
		}
	}

	next, replayed, err := s.replay(*pos, remaining)
	if err != nil {
		return s.reject(op, err)
	}

	now := s.stamp()
	change := model.LedgerChange{UserID: userID, Transactions: replayed, DeleteTransactionID: id}
	if err := s.commitPosition(ctx, &change, *pos, next, now); err != nil {
		return s.reject(op, err)
	}
	metrics.LedgerWrites.WithLabelValues(op).Inc()

	slog.Info("transaction deleted", "id", id, "user", userID, "symbol", orig.Symbol)
	s.publish(ctx, events.Event{EventType: events.TransactionDeleted, UserID: userID, EntityID: id, Payload: orig, Timestamp: now})
	return nil
}

// --- Reads ---

// Positions returns the user's positions, including those at zero.
func (s *Service) Positions(ctx context.Context, userID string) ([]model.Position, error) {
	return s.store.ListPositions(ctx, userID)
}

// Position returns the user's position for key.
func (s *Service) Position(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	return s.store.GetPosition(ctx, key)
}

// Transactions returns a position's history. Positions of other users are
// reported as not found.
func (s *Service) Transactions(ctx context.Context, userID, positionID string) ([]model.Transaction, error) {
	pos, err := s.store.GetPositionByID(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if pos.UserID != userID {
		return nil, fmt.Errorf("position %s: %w", positionID, model.ErrNotFound)
	}
	return s.store.ListTransactions(ctx, positionID)
}

// Accounts returns the user's per-currency accounts.
func (s *Service) Accounts(ctx context.Context, userID string) ([]model.Account, error) {
	return s.store.ListAccounts(ctx, userID)
}

// --- Helpers ---

// commitPosition folds the realized P&L delta between prev and next into
// the position's account and commits the change, pinned to prev's version.
func (s *Service) commitPosition(ctx context.Context, change *model.LedgerChange, prev, next model.Position, now time.Time) error {
	next.UpdatedAt = now
	change.Position = &next
	// prev of a position that was never stored has a zero UpdatedAt.
	posVersion := prev.UpdatedAt
	change.PositionVersion = &posVersion

	delta := next.RealizedPnL.Sub(prev.RealizedPnL)
	if !delta.IsZero() {
		acct, version, err := s.account(ctx, next.UserID, next.Currency, now)
		if err != nil {
			return err
		}
		acct.RealizedPnL = acct.RealizedPnL.Add(delta)
		acct.UpdatedAt = now
		change.Account = acct
		change.AccountVersion = &version
	}

	if err := s.store.CommitLedger(ctx, *change); err != nil {
		return fmt.Errorf("commit position %s: %w", next.Key(), err)
	}
	return nil
}

// loadPosition returns the position for key with its ordered history, or a
// fresh empty position if none exists.
func (s *Service) loadPosition(ctx context.Context, key model.PositionKey, now time.Time) (*model.Position, []model.Transaction, error) {
	pos, err := s.store.GetPosition(ctx, key)
	if errors.Is(err, model.ErrNotFound) {
		return &model.Position{
			ID:        uuid.New().String(),
			UserID:    key.UserID,
			Symbol:    key.Symbol,
			AssetType: key.AssetType,
			Currency:  key.Currency,
			CreatedAt: now,
		}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load position %s: %w", key, err)
	}
	history, err := s.store.ListTransactions(ctx, pos.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("load history of %s: %w", key, err)
	}
	return pos, history, nil
}

func (s *Service) loadOwnedTransaction(ctx context.Context, userID, id string) (*model.Transaction, *model.Position, []model.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	if tx.UserID != userID {
		return nil, nil, nil, fmt.Errorf("transaction %s: %w", id, model.ErrNotFound)
	}
	pos, err := s.store.GetPositionByID(ctx, tx.PositionID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load position of %s: %w", id, err)
	}
	history, err := s.store.ListTransactions(ctx, pos.ID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load history of %s: %w", pos.Key(), err)
	}
	return tx, pos, history, nil
}

func (s *Service) replay(pos model.Position, history []model.Transaction) (model.Position, []model.Transaction, error) {
	start := time.Now()
	defer func() { metrics.ReplayLatency.Observe(time.Since(start).Seconds()) }()
	return Replay(pos, history)
}

// account returns the user's account in currency, or a new zero account,
// with the version to pin the commit to (zero for a new account).
func (s *Service) account(ctx context.Context, userID, currency string, now time.Time) (*model.Account, time.Time, error) {
	acct, err := s.store.GetAccount(ctx, userID, currency)
	if errors.Is(err, model.ErrNotFound) {
		return &model.Account{
			ID:        uuid.New().String(),
			UserID:    userID,
			Currency:  currency,
			UpdatedAt: now,
		}, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("load account %s/%s: %w", userID, currency, err)
	}
	return acct, acct.UpdatedAt, nil
}

func applyCashFlow(acct *model.Account, cf *model.CashFlow, sign int64) {
	amount := cf.Amount.Mul(decimal.NewFromInt(sign))
	switch cf.Type {
	case model.Deposit:
		acct.TotalDeposit = acct.TotalDeposit.Add(amount)
	case model.Withdrawal:
		acct.TotalWithdrawal = acct.TotalWithdrawal.Add(amount)
	}
}

func findTransaction(txs []model.Transaction, id string) model.Transaction {
	for _, tx := range txs {
		if tx.ID == id {
			return tx
		}
	}
	return model.Transaction{}
}

// stamp returns the current time at database precision so that history
// order is identical in every store.
func (s *Service) stamp() time.Time {
	return s.now().Truncate(time.Microsecond)
}

// tradeDate normalizes a trade date to midnight UTC, defaulting to today.
func (s *Service) tradeDate(t time.Time) time.Time {
	if t.IsZero() {
		t = s.now()
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (s *Service) reject(op string, err error) error {
	var reason string
	switch {
	case errors.Is(err, model.ErrInsufficientPosition):
		reason = "insufficient_position"
	case errors.Is(err, model.ErrConflict):
		reason = "conflict"
	case errors.Is(err, model.ErrValidation):
		reason = "invalid"
	default:
		return err
	}
	metrics.LedgerRejections.WithLabelValues(op, reason).Inc()
	return err
}

func (s *Service) publish(ctx context.Context, evts ...events.Event) {
	if err := s.events.Publish(context.WithoutCancel(ctx), evts...); err != nil {
		slog.Error("ledger event publish failed", "events", len(evts), "type", evts[0].EventType, "err", err)
	}
}

func requireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return model.Invalidf("user id is required")
	}
	return nil
}

// userLocks hands out one mutex per user and drops it when unused.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

func (l *userLocks) lock(userID string) (unlock func()) {
	l.mu.Lock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}
