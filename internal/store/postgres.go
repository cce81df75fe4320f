package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/investpilot/portfolio-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// scanner is satisfied by pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, model.ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

func dec(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

// --- Ledger reads ---

const accountColumns = `id, user_id, currency,
	total_deposit::TEXT, total_withdrawal::TEXT, realized_profit_loss::TEXT, updated_at`

func scanAccount(row scanner) (model.Account, error) {
	var a model.Account
	var dep, wd, pnl string
	if err := row.Scan(&a.ID, &a.UserID, &a.Currency, &dep, &wd, &pnl, &a.UpdatedAt); err != nil {
		return a, err
	}
	a.TotalDeposit, a.TotalWithdrawal, a.RealizedPnL = dec(dep), dec(wd), dec(pnl)
	return a, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID, currency string) (*model.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 AND currency = $2`, userID, currency))
	if err != nil {
		return nil, notFound(err, "account "+userID+"/"+currency)
	}
	return &a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context, userID string) ([]model.Account, error) {
	return listAccounts(ctx, s.pool, userID)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func listAccounts(ctx context.Context, q querier, userID string) ([]model.Account, error) {
	rows, err := q.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 ORDER BY currency`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

const cashFlowColumns = `id, account_id, user_id, flow_type, flow_date,
	amount::TEXT, currency, source, notes, created_at`

func scanCashFlow(row scanner) (model.CashFlow, error) {
	var cf model.CashFlow
	var amount string
	if err := row.Scan(&cf.ID, &cf.AccountID, &cf.UserID, &cf.Type, &cf.Date,
		&amount, &cf.Currency, &cf.Source, &cf.Notes, &cf.CreatedAt); err != nil {
		return cf, err
	}
	cf.Amount = dec(amount)
	return cf, nil
}

func (s *PostgresStore) GetCashFlow(ctx context.Context, id string) (*model.CashFlow, error) {
	cf, err := scanCashFlow(s.pool.QueryRow(ctx,
		`SELECT `+cashFlowColumns+` FROM cash_flows WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "cash flow "+id)
	}
	return &cf, nil
}

func (s *PostgresStore) ListCashFlows(ctx context.Context, userID string) ([]model.CashFlow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+cashFlowColumns+` FROM cash_flows WHERE user_id = $1
		 ORDER BY flow_date DESC, created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []model.CashFlow
	for rows.Next() {
		cf, err := scanCashFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, cf)
	}
	return flows, rows.Err()
}

const positionColumns = `id, user_id, symbol, asset_type, currency,
	total_quantity::TEXT, avg_cost::TEXT, total_cost::TEXT, realized_profit_loss::TEXT,
	created_at, updated_at`

func scanPosition(row scanner) (model.Position, error) {
	var p model.Position
	var qty, avg, cost, pnl string
	if err := row.Scan(&p.ID, &p.UserID, &p.Symbol, &p.AssetType, &p.Currency,
		&qty, &avg, &cost, &pnl, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	p.TotalQuantity, p.AvgCost, p.TotalCost, p.RealizedPnL = dec(qty), dec(avg), dec(cost), dec(pnl)
	return p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM portfolios
		 WHERE user_id = $1 AND symbol = $2 AND asset_type = $3 AND currency = $4`,
		key.UserID, key.Symbol, key.AssetType, key.Currency))
	if err != nil {
		return nil, notFound(err, "position "+key.String())
	}
	return &p, nil
}

func (s *PostgresStore) GetPositionByID(ctx context.Context, id string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM portfolios WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "position "+id)
	}
	return &p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return listPositions(ctx, s.pool, userID)
}

func listPositions(ctx context.Context, q querier, userID string) ([]model.Position, error) {
	rows, err := q.Query(ctx,
		`SELECT `+positionColumns+` FROM portfolios WHERE user_id = $1
		 ORDER BY symbol, asset_type, currency`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

const transactionColumns = `id, position_id, user_id, symbol, asset_type, currency,
	transaction_type, trade_date, price::TEXT, quantity::TEXT, amount::TEXT,
	cost_basis::TEXT, realized_profit_loss::TEXT, source, COALESCE(signal_id, ''), notes, created_at`

func scanTransaction(row scanner) (model.Transaction, error) {
	var t model.Transaction
	var price, qty, amount, basis, pnl string
	if err := row.Scan(&t.ID, &t.PositionID, &t.UserID, &t.Symbol, &t.AssetType, &t.Currency,
		&t.Type, &t.Date, &price, &qty, &amount,
		&basis, &pnl, &t.Source, &t.SignalID, &t.Notes, &t.CreatedAt); err != nil {
		return t, err
	}
	t.Price, t.Quantity, t.Amount = dec(price), dec(qty), dec(amount)
	t.CostBasis, t.RealizedPnL = dec(basis), dec(pnl)
	return t, nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "transaction "+id)
	}
	return &t, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, positionID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE position_id = $1
		 ORDER BY trade_date, created_at, id`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// --- Ledger writes ---

// CommitLedger writes the change in one transaction, serialized per user
// with an advisory lock. The replay behind a change is computed from reads
// taken before the lock, so the pinned position and account versions are
// checked under it: a change computed from a stale read fails with
// model.ErrConflict.
func (s *PostgresStore) CommitLedger(ctx context.Context, c model.LedgerChange) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, c.UserID); err != nil {
			return fmt.Errorf("lock ledger %s: %w", c.UserID, err)
		}
		if err := checkVersions(ctx, tx, c); err != nil {
			return err
		}

		if c.AdoptSignalID != "" {
			if err := adoptSignal(ctx, tx, c.AdoptSignalID, c.AdoptTransactionID); err != nil {
				return err
			}
		}

		if a := c.Account; a != nil {
			_, err := tx.Exec(ctx,
				`INSERT INTO accounts (id, user_id, currency, total_deposit, total_withdrawal, realized_profit_loss, updated_at)
				 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)
				 ON CONFLICT (user_id, currency) DO UPDATE
				 SET total_deposit = EXCLUDED.total_deposit,
				     total_withdrawal = EXCLUDED.total_withdrawal,
				     realized_profit_loss = EXCLUDED.realized_profit_loss,
				     updated_at = EXCLUDED.updated_at`,
				a.ID, a.UserID, a.Currency,
				a.TotalDeposit.String(), a.TotalWithdrawal.String(), a.RealizedPnL.String(),
				a.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("upsert account: %w", err)
			}
		}

		if cf := c.CashFlow; cf != nil {
			_, err := tx.Exec(ctx,
				`INSERT INTO cash_flows (id, account_id, user_id, flow_type, flow_date, amount, currency, source, notes, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10)`,
				cf.ID, cf.AccountID, cf.UserID, cf.Type, cf.Date,
				cf.Amount.String(), cf.Currency, cf.Source, cf.Notes, cf.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("insert cash flow: %w", err)
			}
		}

		if c.DeleteCashFlowID != "" {
			if err := deleteByID(ctx, tx, "cash_flows", "cash flow", c.DeleteCashFlowID); err != nil {
				return err
			}
		}

		if p := c.Position; p != nil {
			_, err := tx.Exec(ctx,
				`INSERT INTO portfolios (id, user_id, symbol, asset_type, currency,
				        total_quantity, avg_cost, total_cost, realized_profit_loss, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11)
				 ON CONFLICT (id) DO UPDATE
				 SET total_quantity = EXCLUDED.total_quantity,
				     avg_cost = EXCLUDED.avg_cost,
				     total_cost = EXCLUDED.total_cost,
				     realized_profit_loss = EXCLUDED.realized_profit_loss,
				     updated_at = EXCLUDED.updated_at`,
				p.ID, p.UserID, p.Symbol, p.AssetType, p.Currency,
				p.TotalQuantity.String(), p.AvgCost.String(), p.TotalCost.String(), p.RealizedPnL.String(),
				p.CreatedAt, p.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("upsert position: %w", err)
			}
		}

		if c.DeleteTransactionID != "" {
			if err := deleteByID(ctx, tx, "transactions", "transaction", c.DeleteTransactionID); err != nil {
				return err
			}
		}

		for _, t := range c.Transactions {
			var signalID any
			if t.SignalID != "" {
				signalID = t.SignalID
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO transactions (id, position_id, user_id, symbol, asset_type, currency,
				        transaction_type, trade_date, price, quantity, amount, cost_basis,
				        realized_profit_loss, source, signal_id, notes, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC,
				         $12::NUMERIC, $13::NUMERIC, $14, $15, $16, $17)
				 ON CONFLICT (id) DO UPDATE
				 SET transaction_type = EXCLUDED.transaction_type,
				     trade_date = EXCLUDED.trade_date,
				     price = EXCLUDED.price,
				     quantity = EXCLUDED.quantity,
				     amount = EXCLUDED.amount,
				     cost_basis = EXCLUDED.cost_basis,
				     realized_profit_loss = EXCLUDED.realized_profit_loss,
				     notes = EXCLUDED.notes`,
				t.ID, t.PositionID, t.UserID, t.Symbol, t.AssetType, t.Currency,
				t.Type, t.Date, t.Price.String(), t.Quantity.String(), t.Amount.String(),
				t.CostBasis.String(), t.RealizedPnL.String(), t.Source, signalID, t.Notes, t.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("upsert transaction %s: %w", t.ID, err)
			}
		}
		return nil
	})
}

func checkVersions(ctx context.Context, tx pgx.Tx, c model.LedgerChange) error {
	if p := c.Position; p != nil && c.PositionVersion != nil {
		var updated time.Time
		err := tx.QueryRow(ctx,
			`SELECT updated_at FROM portfolios
			 WHERE user_id = $1 AND symbol = $2 AND asset_type = $3 AND currency = $4`,
			p.UserID, p.Symbol, p.AssetType, p.Currency).Scan(&updated)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("check position %s: %w", p.Key(), err)
		}
		if !versionMatches(err == nil, updated, c.PositionVersion) {
			return fmt.Errorf("position %s: %w", p.Key(), model.ErrConflict)
		}
	}
	if a := c.Account; a != nil && c.AccountVersion != nil {
		var updated time.Time
		err := tx.QueryRow(ctx,
			`SELECT updated_at FROM accounts WHERE user_id = $1 AND currency = $2`,
			a.UserID, a.Currency).Scan(&updated)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("check account %s/%s: %w", a.UserID, a.Currency, err)
		}
		if !versionMatches(err == nil, updated, c.AccountVersion) {
			return fmt.Errorf("account %s/%s: %w", a.UserID, a.Currency, model.ErrConflict)
		}
	}
	return nil
}

func adoptSignal(ctx context.Context, tx pgx.Tx, signalID, transactionID string) error {
	tag, err := tx.Exec(ctx,
		`UPDATE stock_trade_signals SET adopted = TRUE, related_transaction_id = $2
		 WHERE id = $1 AND adopted = FALSE`, signalID, transactionID)
	if err != nil {
		return fmt.Errorf("adopt signal %s: %w", signalID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM stock_trade_signals WHERE id = $1)`, signalID).Scan(&exists); err != nil {
		return fmt.Errorf("adopt signal %s: %w", signalID, err)
	}
	if !exists {
		return fmt.Errorf("signal %s: %w", signalID, model.ErrNotFound)
	}
	return fmt.Errorf("signal %s: %w", signalID, model.ErrAlreadyAdopted)
}

func deleteByID(ctx context.Context, tx pgx.Tx, table, what, id string) error {
	tag, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", what, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", what, id, model.ErrNotFound)
	}
	return nil
}

// Snapshot reads accounts and positions inside one REPEATABLE READ
// read-only transaction.
func (s *PostgresStore) Snapshot(ctx context.Context, userID string) (*model.LedgerSnapshot, error) {
	snap := &model.LedgerSnapshot{UserID: userID}
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	}, func(tx pgx.Tx) error {
		var err error
		if snap.Accounts, err = listAccounts(ctx, tx, userID); err != nil {
			return fmt.Errorf("snapshot accounts: %w", err)
		}
		if snap.Positions, err = listPositions(ctx, tx, userID); err != nil {
			return fmt.Errorf("snapshot positions: %w", err)
		}
		return tx.QueryRow(ctx, `SELECT NOW()`).Scan(&snap.TakenAt)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// --- Signals ---

const signalColumns = `id, symbol, signal_date, price::TEXT, signal_type, reason, model_name,
	adopted, COALESCE(related_transaction_id, ''), created_at`

func scanSignal(row scanner) (model.TradeSignal, error) {
	var sig model.TradeSignal
	var price string
	if err := row.Scan(&sig.ID, &sig.Symbol, &sig.Date, &price, &sig.Type, &sig.Reason, &sig.Model,
		&sig.Adopted, &sig.RelatedTransactionID, &sig.CreatedAt); err != nil {
		return sig, err
	}
	sig.Price = dec(price)
	return sig, nil
}

func (s *PostgresStore) InsertSignals(ctx context.Context, signals []model.TradeSignal) ([]model.TradeSignal, error) {
	var inserted []model.TradeSignal
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, sig := range signals {
			tag, err := tx.Exec(ctx,
				`INSERT INTO stock_trade_signals (id, symbol, signal_date, price, signal_type, reason, model_name, adopted, created_at)
				 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, FALSE, $8)
				 ON CONFLICT (symbol, signal_date, model_name) DO NOTHING`,
				sig.ID, sig.Symbol, sig.Date, sig.Price.String(), sig.Type, sig.Reason, sig.Model, sig.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("insert signal %s: %w", sig.Symbol, err)
			}
			if tag.RowsAffected() == 1 {
				inserted = append(inserted, sig)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

func (s *PostgresStore) GetSignal(ctx context.Context, id string) (*model.TradeSignal, error) {
	sig, err := scanSignal(s.pool.QueryRow(ctx,
		`SELECT `+signalColumns+` FROM stock_trade_signals WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "signal "+id)
	}
	return &sig, nil
}

func (s *PostgresStore) ListSignals(ctx context.Context, f SignalFilter) ([]model.TradeSignal, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+signalColumns+` FROM stock_trade_signals
		 WHERE ($1 = '' OR symbol = $1) AND ($2 = '' OR model_name = $2)
		 ORDER BY signal_date DESC, id
		 LIMIT $3`, f.Symbol, f.Model, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []model.TradeSignal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// --- Tasks ---

const taskColumns = `id, user_id, task_type, status, dedup_key, params::TEXT,
	COALESCE(result::TEXT, ''), error, created_at, started_at, completed_at`

func scanTask(row scanner) (model.Task, error) {
	var t model.Task
	var params, result string
	if err := row.Scan(&t.ID, &t.UserID, &t.Type, &t.Status, &t.DedupKey, &params,
		&result, &t.Error, &t.CreatedAt, &t.StartedAt, &t.CompletedAt); err != nil {
		return t, err
	}
	p, err := model.DecodeParams(t.Type, []byte(params))
	if err != nil {
		return t, fmt.Errorf("decode params of task %s: %w", t.ID, err)
	}
	t.Params = p
	if result != "" {
		r, err := model.DecodeResult(t.Type, []byte(result))
		if err != nil {
			return t, fmt.Errorf("decode result of task %s: %w", t.ID, err)
		}
		t.Result = r
	}
	return t, nil
}

// CreateTask relies on the partial unique index over running tasks. A
// conflicting insert is a no-op and the running task is reported instead.
func (s *PostgresStore) CreateTask(ctx context.Context, t *model.Task) error {
	params, err := json.Marshal(t.Params)
	if err != nil {
		return fmt.Errorf("encode task params: %w", err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO tasks (id, user_id, task_type, status, dedup_key, params, error, created_at, started_at)
			 VALUES ($1, $2, $3, $4, $5, $6::JSONB, '', $7, $8)
			 ON CONFLICT (user_id, task_type, dedup_key) WHERE status = 'running' DO NOTHING`,
			t.ID, t.UserID, t.Type, t.Status, t.DedupKey, string(params), t.CreatedAt, t.StartedAt,
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}

		var dup model.DuplicateTaskError
		err = s.pool.QueryRow(ctx,
			`SELECT id, created_at FROM tasks
			 WHERE user_id = $1 AND task_type = $2 AND dedup_key = $3 AND status = 'running'`,
			t.UserID, t.Type, t.DedupKey).Scan(&dup.ExistingTaskID, &dup.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			// The running task finished between insert and lookup.
			continue
		}
		if err != nil {
			return fmt.Errorf("lookup running task: %w", err)
		}
		return &dup
	}
	return fmt.Errorf("insert task %s: conflicting task kept changing state", t.ID)
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "task "+id)
	}
	return &t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, userID string, status model.TaskStatus) ([]model.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE user_id = $1 AND ($2 = '' OR status = $2)
		 ORDER BY created_at DESC`, userID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) FinishTask(ctx context.Context, id string, status model.TaskStatus, result model.TaskResult, errMsg string, at time.Time) error {
	var resultJSON any
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode task result: %w", err)
		}
		resultJSON = string(b)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, result = $3::JSONB, error = $4, completed_at = $5
		 WHERE id = $1 AND status = 'running'`,
		id, status, resultJSON, errMsg, at,
	)
	if err != nil {
		return fmt.Errorf("finish task %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current model.TaskStatus
	err = s.pool.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&current)
	if err != nil {
		return notFound(err, "task "+id)
	}
	return fmt.Errorf("task %s is %s: %w", id, current, model.ErrInvalidTransition)
}

// --- Daily valuations ---

func (s *PostgresStore) SaveDailyValuation(ctx context.Context, v *model.DailyValuation) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO daily_valuations (user_id, valuation_date, currency, total_value, market_value,
		        cash_balance, total_cost, realized_pnl, unrealized_pnl, total_return_rate, holdings, degraded, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12, $13)
		 ON CONFLICT (user_id, currency, valuation_date) DO NOTHING`,
		v.UserID, v.Date, v.Currency, v.TotalValue.String(), v.MarketValue.String(),
		v.CashBalance.String(), v.TotalCost.String(), v.RealizedPnL.String(), v.UnrealizedPnL.String(),
		v.TotalReturnRate.String(), v.Holdings, v.Degraded, v.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("save daily valuation %s/%s: %w", v.UserID, v.Currency, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListDailyValuations(ctx context.Context, userID, currency string, from time.Time) ([]model.DailyValuation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, valuation_date, currency, total_value::TEXT, market_value::TEXT, cash_balance::TEXT,
		        total_cost::TEXT, realized_pnl::TEXT, unrealized_pnl::TEXT, total_return_rate::TEXT,
		        holdings, degraded, created_at
		 FROM daily_valuations
		 WHERE user_id = $1 AND currency = $2 AND valuation_date >= $3
		 ORDER BY valuation_date`, userID, currency, from)
	if err != nil {
		return nil, fmt.Errorf("list daily valuations %s: %w", userID, err)
	}
	defer rows.Close()

	result := []model.DailyValuation{}
	for rows.Next() {
		var v model.DailyValuation
		var total, market, cash, cost, realized, unrealized, rate string
		if err := rows.Scan(&v.UserID, &v.Date, &v.Currency, &total, &market, &cash,
			&cost, &realized, &unrealized, &rate, &v.Holdings, &v.Degraded, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.TotalValue, v.MarketValue, v.CashBalance = dec(total), dec(market), dec(cash)
		v.TotalCost, v.RealizedPnL, v.UnrealizedPnL, v.TotalReturnRate = dec(cost), dec(realized), dec(unrealized), dec(rate)
		result = append(result, v)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListLedgerUsers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM accounts UNION SELECT user_id FROM portfolios ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list ledger users: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
