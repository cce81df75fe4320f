package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/investpilot/portfolio-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]*model.Account // by user|currency
	cashFlows    map[string]*model.CashFlow
	positions    map[string]*model.Position // by ID
	positionKeys map[model.PositionKey]string
	transactions map[string]*model.Transaction
	signals      map[string]*model.TradeSignal
	signalKeys   map[string]string // symbol|date|model -> ID
	tasks        map[string]*model.Task
	valuations   map[string]model.DailyValuation // user|currency|date
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]*model.Account),
		cashFlows:    make(map[string]*model.CashFlow),
		positions:    make(map[string]*model.Position),
		positionKeys: make(map[model.PositionKey]string),
		transactions: make(map[string]*model.Transaction),
		signals:      make(map[string]*model.TradeSignal),
		signalKeys:   make(map[string]string),
		tasks:        make(map[string]*model.Task),
		valuations:   make(map[string]model.DailyValuation),
	}
}

func accountKey(userID, currency string) string { return userID + "|" + currency }

func signalKey(s model.TradeSignal) string {
	return s.Symbol + "|" + s.Date.Format("2006-01-02") + "|" + s.Model
}

// --- Ledger ---

func (s *MemoryStore) GetAccount(_ context.Context, userID, currency string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[accountKey(userID, currency)]
	if !ok {
		return nil, fmt.Errorf("account %s/%s: %w", userID, currency, model.ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context, userID string) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accountsLocked(userID), nil
}

func (s *MemoryStore) accountsLocked(userID string) []model.Account {
	var result []model.Account
	for _, a := range s.accounts {
		if a.UserID == userID {
			result = append(result, *a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Currency < result[j].Currency })
	return result
}

func (s *MemoryStore) GetCashFlow(_ context.Context, id string) (*model.CashFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cf, ok := s.cashFlows[id]
	if !ok {
		return nil, fmt.Errorf("cash flow %s: %w", id, model.ErrNotFound)
	}
	copy := *cf
	return &copy, nil
}

func (s *MemoryStore) ListCashFlows(_ context.Context, userID string) ([]model.CashFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.CashFlow
	for _, cf := range s.cashFlows {
		if cf.UserID == userID {
			result = append(result, *cf)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Date.Equal(result[j].Date) {
			return result[i].Date.After(result[j].Date)
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, key model.PositionKey) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.positionKeys[key]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", key, model.ErrNotFound)
	}
	copy := *s.positions[id]
	return &copy, nil
}

func (s *MemoryStore) GetPositionByID(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, model.ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positionsLocked(userID), nil
}

func (s *MemoryStore) positionsLocked(userID string) []model.Position {
	var result []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key().String() < result[j].Key().String() })
	return result
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, model.ErrNotFound)
	}
	copy := *tx
	return &copy, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, positionID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, tx := range s.transactions {
		if tx.PositionID == positionID {
			result = append(result, *tx)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Before(result[j]) })
	return result, nil
}

// CommitLedger validates the whole change before writing anything, so a
// failed commit leaves the store untouched.
func (s *MemoryStore) CommitLedger(_ context.Context, c model.LedgerChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var adopt *model.TradeSignal
	if c.AdoptSignalID != "" {
		sig, ok := s.signals[c.AdoptSignalID]
		if !ok {
			return fmt.Errorf("signal %s: %w", c.AdoptSignalID, model.ErrNotFound)
		}
		if sig.Adopted {
			return fmt.Errorf("signal %s: %w", c.AdoptSignalID, model.ErrAlreadyAdopted)
		}
		adopt = sig
	}
	if c.DeleteCashFlowID != "" {
		if _, ok := s.cashFlows[c.DeleteCashFlowID]; !ok {
			return fmt.Errorf("cash flow %s: %w", c.DeleteCashFlowID, model.ErrNotFound)
		}
	}
	if c.DeleteTransactionID != "" {
		if _, ok := s.transactions[c.DeleteTransactionID]; !ok {
			return fmt.Errorf("transaction %s: %w", c.DeleteTransactionID, model.ErrNotFound)
		}
	}
	if p := c.Position; p != nil {
		id, ok := s.positionKeys[p.Key()]
		var updated time.Time
		if ok {
			updated = s.positions[id].UpdatedAt
		}
		if !versionMatches(ok, updated, c.PositionVersion) {
			return fmt.Errorf("position %s: %w", p.Key(), model.ErrConflict)
		}
		if ok && id != p.ID {
			return fmt.Errorf("position %s already exists with id %s", p.Key(), id)
		}
	}
	if a := c.Account; a != nil {
		cur, ok := s.accounts[accountKey(a.UserID, a.Currency)]
		var updated time.Time
		if ok {
			updated = cur.UpdatedAt
		}
		if !versionMatches(ok, updated, c.AccountVersion) {
			return fmt.Errorf("account %s/%s: %w", a.UserID, a.Currency, model.ErrConflict)
		}
	}

	if a := c.Account; a != nil {
		copy := *a
		s.accounts[accountKey(a.UserID, a.Currency)] = &copy
	}
	if cf := c.CashFlow; cf != nil {
		copy := *cf
		s.cashFlows[cf.ID] = &copy
	}
	if c.DeleteCashFlowID != "" {
		delete(s.cashFlows, c.DeleteCashFlowID)
	}
	if p := c.Position; p != nil {
		copy := *p
		s.positions[p.ID] = &copy
		s.positionKeys[p.Key()] = p.ID
	}
	for _, tx := range c.Transactions {
		copy := tx
		s.transactions[tx.ID] = &copy
	}
	if c.DeleteTransactionID != "" {
		delete(s.transactions, c.DeleteTransactionID)
	}
	if adopt != nil {
		adopt.Adopted = true
		adopt.RelatedTransactionID = c.AdoptTransactionID
	}
	return nil
}

func (s *MemoryStore) Snapshot(_ context.Context, userID string) (*model.LedgerSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &model.LedgerSnapshot{
		UserID:    userID,
		Accounts:  s.accountsLocked(userID),
		Positions: s.positionsLocked(userID),
		TakenAt:   time.Now().UTC(),
	}, nil
}

// --- Signals ---

func (s *MemoryStore) InsertSignals(_ context.Context, signals []model.TradeSignal) ([]model.TradeSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inserted []model.TradeSignal
	for _, sig := range signals {
		k := signalKey(sig)
		if _, exists := s.signalKeys[k]; exists {
			continue
		}
		copy := sig
		s.signals[sig.ID] = &copy
		s.signalKeys[k] = sig.ID
		inserted = append(inserted, sig)
	}
	return inserted, nil
}

func (s *MemoryStore) GetSignal(_ context.Context, id string) (*model.TradeSignal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sig, ok := s.signals[id]
	if !ok {
		return nil, fmt.Errorf("signal %s: %w", id, model.ErrNotFound)
	}
	copy := *sig
	return &copy, nil
}

func (s *MemoryStore) ListSignals(_ context.Context, f SignalFilter) ([]model.TradeSignal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeSignal
	for _, sig := range s.signals {
		if f.Symbol != "" && sig.Symbol != f.Symbol {
			continue
		}
		if f.Model != "" && sig.Model != f.Model {
			continue
		}
		result = append(result, *sig)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Date.Equal(result[j].Date) {
			return result[i].Date.After(result[j].Date)
		}
		return result[i].ID < result[j].ID
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

// --- Tasks ---

func (s *MemoryStore) CreateTask(_ context.Context, t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.tasks {
		if existing.Status == model.TaskRunning &&
			existing.UserID == t.UserID &&
			existing.Type == t.Type &&
			existing.DedupKey == t.DedupKey {
			return &model.DuplicateTaskError{ExistingTaskID: existing.ID, CreatedAt: existing.CreatedAt}
		}
	}

	copy := *t
	s.tasks[t.ID] = &copy
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}
	copy := *t
	return &copy, nil
}

func (s *MemoryStore) ListTasks(_ context.Context, userID string, status model.TaskStatus) ([]model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Task
	for _, t := range s.tasks {
		if t.UserID != userID {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		result = append(result, *t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) FinishTask(_ context.Context, id string, status model.TaskStatus, result model.TaskResult, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}
	if t.Status != model.TaskRunning {
		return fmt.Errorf("task %s is %s: %w", id, t.Status, model.ErrInvalidTransition)
	}
	t.Status = status
	t.Result = result
	t.Error = errMsg
	t.CompletedAt = &at
	return nil
}

// --- Daily valuations ---

func valuationKey(userID, currency string, date time.Time) string {
	return userID + "|" + currency + "|" + date.Format("2006-01-02")
}

func (s *MemoryStore) SaveDailyValuation(_ context.Context, v *model.DailyValuation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := valuationKey(v.UserID, v.Currency, v.Date)
	if _, ok := s.valuations[k]; ok {
		return false, nil
	}
	s.valuations[k] = *v
	return true, nil
}

func (s *MemoryStore) ListDailyValuations(_ context.Context, userID, currency string, from time.Time) ([]model.DailyValuation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.DailyValuation{}
	for _, v := range s.valuations {
		if v.UserID != userID || v.Currency != currency || v.Date.Before(from) {
			continue
		}
		result = append(result, v)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Date.Before(result[j].Date) })
	return result, nil
}

func (s *MemoryStore) ListLedgerUsers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, a := range s.accounts {
		seen[a.UserID] = true
	}
	for _, p := range s.positions {
		seen[p.UserID] = true
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}
