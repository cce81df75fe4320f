package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/investpilot/portfolio-engine/internal/api"
	"github.com/investpilot/portfolio-engine/internal/ledger"
	"github.com/investpilot/portfolio-engine/internal/model"
	"github.com/investpilot/portfolio-engine/internal/quotes"
	"github.com/investpilot/portfolio-engine/internal/signal"
	"github.com/investpilot/portfolio-engine/internal/store"
	"github.com/investpilot/portfolio-engine/internal/task"
	"github.com/investpilot/portfolio-engine/internal/valuation"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type staticMarket struct{ prices map[string]decimal.Decimal }

func (m staticMarket) Snapshot(_ context.Context, keys []model.InstrumentKey) (quotes.Snapshot, error) {
	snap := quotes.Snapshot{
		Quotes: map[model.InstrumentKey]model.Quote{},
		Rates:  model.RateTable{Base: "USD", Rates: map[string]decimal.Decimal{"CNY": d(7)}},
	}
	for _, k := range keys {
		if p, ok := m.prices[k.Symbol]; ok {
			snap.Quotes[k] = model.Quote{Symbol: k.Symbol, AssetType: k.AssetType, Price: p}
		}
	}
	return snap, nil
}

// blockingExecutor keeps tasks running until they are cancelled.
type blockingExecutor struct{}

func (blockingExecutor) Execute(ctx context.Context, _ model.Task) (model.TaskResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// newTestEnv creates a router over an in-memory store.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	ledgerSvc := ledger.NewService(ms, nil)
	statements := valuation.NewService(ms, staticMarket{prices: map[string]decimal.Decimal{"AAPL": d(200)}}, "USD")

	pool := task.NewPool(task.NewRegistry(ms), blockingExecutor{}, task.PoolConfig{Workers: 2})
	pool.Start()
	t.Cleanup(pool.Stop)

	search := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"quotes":[{"symbol":"TCEHY","shortname":"Tencent Holdings ADR","exchDisp":"OTC","quoteType":"EQUITY"}]}`))
	}))
	t.Cleanup(search.Close)

	h := api.NewHandler(ledgerSvc, statements, pool, signal.NewBridge(ms, ledgerSvc), nil,
		api.WithDailyValuations(valuation.NewRecorder(statements, ms)),
		api.WithSymbolSearch(quotes.NewSymbolSearch(search.URL)))
	return ms, api.NewRouter(h)
}

func do(t *testing.T, router chi.Router, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(api.UserHeader, user)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func trade(typ string, date string, price, qty float64) map[string]any {
	return map[string]any{
		"symbol": "AAPL", "asset_type": "STOCK", "currency": "USD",
		"type": typ, "date": date, "price": price, "quantity": qty,
	}
}

// --- Ledger ---

func TestLedger_DepositBuySellAndStatement(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/cash-flows", "u1", map[string]any{
		"type": "DEPOSIT", "date": "2024-01-02", "amount": 10000, "currency": "USD",
	})
	expectStatus(t, w, http.StatusCreated)

	w = do(t, router, "POST", "/api/v1/transactions", "u1", trade("BUY", "2024-01-02", 150, 10))
	expectStatus(t, w, http.StatusCreated)

	w = do(t, router, "POST", "/api/v1/transactions", "u1", trade("SELL", "2024-01-03", 180, 4))
	expectStatus(t, w, http.StatusCreated)
	sell := decodeBody[model.Transaction](t, w)
	if !sell.RealizedPnL.Equal(d(120)) {
		t.Errorf("realized = %s, want 120", sell.RealizedPnL)
	}

	w = do(t, router, "GET", "/api/v1/positions", "u1", nil)
	expectStatus(t, w, http.StatusOK)
	positions := decodeBody[[]model.Position](t, w)
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	p := positions[0]
	if !p.TotalQuantity.Equal(d(6)) || !p.AvgCost.Equal(d(150)) || !p.TotalCost.Equal(d(900)) {
		t.Errorf("position = %s @ %s (%s), want 6 @ 150 (900)", p.TotalQuantity, p.AvgCost, p.TotalCost)
	}

	w = do(t, router, "GET", "/api/v1/positions/"+p.ID+"/transactions", "u1", nil)
	expectStatus(t, w, http.StatusOK)
	if txs := decodeBody[[]model.Transaction](t, w); len(txs) != 2 {
		t.Errorf("expected 2 transactions, got %d", len(txs))
	}

	w = do(t, router, "GET", "/api/v1/statement?currency=CNY", "u1", nil)
	expectStatus(t, w, http.StatusOK)
	st := decodeBody[valuation.Statement](t, w)
	if st.Currency != "CNY" {
		t.Errorf("currency = %s", st.Currency)
	}
	// 6 * 200 USD = 1200 USD = 8400 CNY.
	if !st.TotalMarketValue.Equal(d(8400)) {
		t.Errorf("market value = %s, want 8400", st.TotalMarketValue)
	}
	// realized 120 + unrealized (1200 - 900) = 420 USD = 2940 CNY.
	if !st.TotalPnL.Equal(d(2940)) {
		t.Errorf("total pnl = %s, want 2940", st.TotalPnL)
	}

	w = do(t, router, "GET", "/api/v1/accounts", "u1", nil)
	expectStatus(t, w, http.StatusOK)
	accounts := decodeBody[[]model.Account](t, w)
	if len(accounts) != 1 || !accounts[0].RealizedPnL.Equal(d(120)) {
		t.Errorf("accounts = %+v", accounts)
	}
}

func TestLedger_RequiresUser(t *testing.T) {
	_, router := newTestEnv(t)
	w := do(t, router, "GET", "/api/v1/positions", "", nil)
	expectStatus(t, w, http.StatusUnauthorized)
}

func TestLedger_Rejections(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/transactions", "u1", trade("SELL", "2024-01-02", 180, 1))
	expectStatus(t, w, http.StatusConflict)

	w = do(t, router, "POST", "/api/v1/transactions", "u1", trade("BUY", "2024-01-02", -1, 1))
	expectStatus(t, w, http.StatusBadRequest)

	w = do(t, router, "POST", "/api/v1/transactions", "u1", trade("BUY", "02/01/2024", 150, 1))
	expectStatus(t, w, http.StatusBadRequest)

	w = do(t, router, "POST", "/api/v1/cash-flows", "u1", map[string]any{
		"type": "DEPOSIT", "date": "2024-01-02", "amount": 0, "currency": "USD",
	})
	expectStatus(t, w, http.StatusBadRequest)

	w = do(t, router, "DELETE", "/api/v1/cash-flows/nope", "u1", nil)
	expectStatus(t, w, http.StatusNotFound)
}

func TestLedger_EditAndDelete(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/transactions", "u1", trade("BUY", "2024-01-02", 150, 10))
	expectStatus(t, w, http.StatusCreated)
	buy := decodeBody[model.Transaction](t, w)

	w = do(t, router, "POST", "/api/v1/transactions", "u1", trade("SELL", "2024-01-03", 180, 8))
	expectStatus(t, w, http.StatusCreated)

	// Shrinking the buy below the later sell is rejected.
	w = do(t, router, "PUT", "/api/v1/transactions/"+buy.ID, "u1", map[string]any{"quantity": 5})
	expectStatus(t, w, http.StatusConflict)

	w = do(t, router, "PUT", "/api/v1/transactions/"+buy.ID, "u1", map[string]any{"price": 100})
	expectStatus(t, w, http.StatusOK)

	w = do(t, router, "DELETE", "/api/v1/transactions/"+buy.ID, "u2", nil)
	expectStatus(t, w, http.StatusNotFound)

	w = do(t, router, "DELETE", "/api/v1/transactions/"+buy.ID, "u1", nil)
	expectStatus(t, w, http.StatusConflict)
}

// --- Tasks ---

func TestTasks_DuplicateTerminateResubmit(t *testing.T) {
	_, router := newTestEnv(t)
	body := map[string]any{"task_type": "kline_analysis", "params": map[string]any{"symbol": "AAPL"}}

	w := do(t, router, "POST", "/api/v1/tasks", "u1", body)
	expectStatus(t, w, http.StatusAccepted)
	first := decodeBody[model.Task](t, w)
	if first.Status != model.TaskRunning {
		t.Fatalf("status = %s", first.Status)
	}

	w = do(t, router, "POST", "/api/v1/tasks", "u1", body)
	expectStatus(t, w, http.StatusConflict)
	dup := decodeBody[map[string]any](t, w)
	if dup["existing_task_id"] != first.ID {
		t.Errorf("existing_task_id = %v, want %s", dup["existing_task_id"], first.ID)
	}
	if _, ok := dup["created_at"]; !ok {
		t.Error("expected created_at in duplicate response")
	}

	w = do(t, router, "POST", "/api/v1/tasks/"+first.ID+"/terminate", "u2", nil)
	expectStatus(t, w, http.StatusForbidden)
	w = do(t, router, "GET", "/api/v1/tasks/"+first.ID, "u2", nil)
	expectStatus(t, w, http.StatusNotFound)

	w = do(t, router, "POST", "/api/v1/tasks/"+first.ID+"/terminate", "u1", nil)
	expectStatus(t, w, http.StatusOK)
	if got := decodeBody[model.Task](t, w); got.Status != model.TaskTerminated {
		t.Errorf("status = %s, want terminated", got.Status)
	}

	w = do(t, router, "POST", "/api/v1/tasks/"+first.ID+"/terminate", "u1", nil)
	expectStatus(t, w, http.StatusConflict)

	w = do(t, router, "POST", "/api/v1/tasks", "u1", body)
	expectStatus(t, w, http.StatusAccepted)

	w = do(t, router, "GET", "/api/v1/tasks?status=terminated", "u1", nil)
	expectStatus(t, w, http.StatusOK)
	if tasks := decodeBody[[]model.Task](t, w); len(tasks) != 1 || tasks[0].ID != first.ID {
		t.Errorf("terminated tasks = %+v", tasks)
	}
}

func TestTasks_InvalidSubmissions(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/tasks", "u1", map[string]any{"task_type": "astrology", "params": map[string]any{}})
	expectStatus(t, w, http.StatusBadRequest)

	w = do(t, router, "POST", "/api/v1/tasks", "u1", map[string]any{"task_type": "kline_analysis"})
	expectStatus(t, w, http.StatusBadRequest)

	w = do(t, router, "POST", "/api/v1/tasks", "u1", map[string]any{
		"task_type": "stock_recommendation", "params": map[string]any{"market": "US", "capital": -5},
	})
	expectStatus(t, w, http.StatusBadRequest)
}

// --- Signals ---

func TestSignals_Adopt(t *testing.T) {
	ms, router := newTestEnv(t)
	_, err := ms.InsertSignals(context.Background(), []model.TradeSignal{{
		ID: "s1", Symbol: "AAPL", Date: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Price: d(180), Type: model.SignalBuy, Model: model.DefaultModel,
	}})
	if err != nil {
		t.Fatal(err)
	}

	w := do(t, router, "GET", "/api/v1/signals?symbol=aapl", "u1", nil)
	expectStatus(t, w, http.StatusOK)
	if sigs := decodeBody[[]model.TradeSignal](t, w); len(sigs) != 1 || sigs[0].Adopted {
		t.Fatalf("signals = %+v", sigs)
	}

	adopt := map[string]any{"quantity": 5, "asset_type": "STOCK", "currency": "USD"}
	w = do(t, router, "POST", "/api/v1/signals/s1/adopt", "u1", adopt)
	expectStatus(t, w, http.StatusCreated)
	tx := decodeBody[model.Transaction](t, w)
	if tx.Source != model.SourceAISuggestion || !tx.Price.Equal(d(180)) {
		t.Errorf("transaction = %+v", tx)
	}

	w = do(t, router, "POST", "/api/v1/signals/s1/adopt", "u1", adopt)
	expectStatus(t, w, http.StatusConflict)

	w = do(t, router, "POST", "/api/v1/signals/missing/adopt", "u1", adopt)
	expectStatus(t, w, http.StatusNotFound)
}

// --- Valuations ---

func TestValuations_TakeOncePerDay(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/cash-flows", "u1", map[string]any{
		"type": "DEPOSIT", "date": "2024-01-02", "amount": 1000, "currency": "USD",
	})
	expectStatus(t, w, http.StatusCreated)
	w = do(t, router, "POST", "/api/v1/transactions", "u1", trade("BUY", "2024-01-02", 150, 2))
	expectStatus(t, w, http.StatusCreated)

	w = do(t, router, "POST", "/api/v1/valuations/daily", "u1", nil)
	expectStatus(t, w, http.StatusCreated)
	first := decodeBody[model.DailyValuation](t, w)
	if first.Currency != "USD" || first.Holdings != 1 {
		t.Errorf("valuation = %+v", first)
	}
	// 2 AAPL at 200; the deposit lives on the account, not in holdings.
	if !first.TotalValue.Equal(d(400)) || !first.TotalCost.Equal(d(300)) {
		t.Errorf("total = %s, cost = %s, want 400 and 300", first.TotalValue, first.TotalCost)
	}

	w = do(t, router, "POST", "/api/v1/valuations/daily", "u1", nil)
	expectStatus(t, w, http.StatusOK)

	w = do(t, router, "GET", "/api/v1/valuations/daily", "u1", nil)
	expectStatus(t, w, http.StatusOK)
	if history := decodeBody[[]model.DailyValuation](t, w); len(history) != 1 {
		t.Fatalf("expected 1 valuation, got %d", len(history))
	}

	w = do(t, router, "GET", "/api/v1/valuations/daily?from=yesterday", "u1", nil)
	expectStatus(t, w, http.StatusBadRequest)

	w = do(t, router, "GET", "/api/v1/valuations/daily", "u2", nil)
	expectStatus(t, w, http.StatusOK)
	if history := decodeBody[[]model.DailyValuation](t, w); len(history) != 0 {
		t.Errorf("other user sees %d valuations", len(history))
	}
}

// --- Symbols ---

func TestSymbols_SearchMergesCatalogAndRemote(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "GET", "/api/v1/symbols/search?q=tencent", "u1", nil)
	expectStatus(t, w, http.StatusOK)
	matches := decodeBody[[]quotes.SymbolMatch](t, w)
	if len(matches) != 2 || matches[0].Symbol != "0700.HK" || matches[1].Symbol != "TCEHY" {
		t.Fatalf("matches = %+v", matches)
	}

	w = do(t, router, "GET", "/api/v1/symbols/search?q=", "u1", nil)
	expectStatus(t, w, http.StatusOK)
	if matches := decodeBody[[]quotes.SymbolMatch](t, w); len(matches) != 0 {
		t.Errorf("empty query matched %+v", matches)
	}
}

func TestHealth(t *testing.T) {
	_, router := newTestEnv(t)
	w := do(t, router, "GET", "/health", "", nil)
	expectStatus(t, w, http.StatusOK)
}
