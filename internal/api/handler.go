// Package api exposes the ledger, valuation, task and signal services over
// HTTP with chi. The user is taken from the X-User-ID header set by the
// gateway in front of the service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/investpilot/portfolio-engine/internal/ledger"
	"github.com/investpilot/portfolio-engine/internal/model"
	"github.com/investpilot/portfolio-engine/internal/quotes"
	"github.com/investpilot/portfolio-engine/internal/signal"
	"github.com/investpilot/portfolio-engine/internal/store"
	"github.com/investpilot/portfolio-engine/internal/task"
	"github.com/investpilot/portfolio-engine/internal/valuation"
)

// Statements builds valuation statements.
type Statements interface {
	Statement(ctx context.Context, userID, display string) (valuation.Statement, error)
}

// DailyValuations records and lists once-a-day valuation snapshots.
type DailyValuations interface {
	Take(ctx context.Context, userID, currency string) (model.DailyValuation, bool, error)
	History(ctx context.Context, userID, currency string, from time.Time) ([]model.DailyValuation, error)
}

// SymbolSearch resolves free text to tradable symbols.
type SymbolSearch interface {
	Search(ctx context.Context, query string) ([]quotes.SymbolMatch, error)
}

// Handler serves the /api/v1 routes.
type Handler struct {
	ledger     *ledger.Service
	statements Statements
	tasks      *task.Pool
	signals    *signal.Bridge
	hub        *WSHub
	valuations DailyValuations
	search     SymbolSearch
}

// HandlerOption enables optional routes.
type HandlerOption func(*Handler)

// WithDailyValuations mounts /valuations/daily.
func WithDailyValuations(v DailyValuations) HandlerOption {
	return func(h *Handler) { h.valuations = v }
}

// WithSymbolSearch mounts /symbols/search.
func WithSymbolSearch(s SymbolSearch) HandlerOption {
	return func(h *Handler) { h.search = s }
}

// NewHandler creates a handler. hub may be nil, which disables /ws.
func NewHandler(l *ledger.Service, st Statements, tasks *task.Pool, signals *signal.Bridge, hub *WSHub, opts ...HandlerOption) *Handler {
	h := &Handler{ledger: l, statements: st, tasks: tasks, signals: signals, hub: hub}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the API on r. Every route requires a user.
func (h *Handler) Routes(r chi.Router) {
	r.Use(RequireUser)

	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}

	r.Get("/accounts", h.ListAccounts)

	r.Post("/cash-flows", h.CreateCashFlow)
	r.Get("/cash-flows", h.ListCashFlows)
	r.Delete("/cash-flows/{id}", h.DeleteCashFlow)

	r.Post("/transactions", h.CreateTransaction)
	r.Put("/transactions/{id}", h.EditTransaction)
	r.Delete("/transactions/{id}", h.DeleteTransaction)

	r.Get("/positions", h.ListPositions)
	r.Get("/positions/{id}/transactions", h.PositionTransactions)

	r.Get("/statement", h.Statement)

	if h.valuations != nil {
		r.Get("/valuations/daily", h.ListDailyValuations)
		r.Post("/valuations/daily", h.TakeDailyValuation)
	}
	if h.search != nil {
		r.Get("/symbols/search", h.SearchSymbols)
	}

	r.Post("/tasks", h.SubmitTask)
	r.Get("/tasks", h.ListTasks)
	r.Get("/tasks/{id}", h.GetTask)
	r.Post("/tasks/{id}/terminate", h.TerminateTask)

	r.Get("/signals", h.ListSignals)
	r.Post("/signals/{id}/adopt", h.AdoptSignal)
}

// Date accepts either YYYY-MM-DD or RFC 3339 in JSON.
type Date struct{ time.Time }

func (d *Date) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		d.Time = time.Time{}
		return nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		d.Time = t
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return model.Invalidf("date %q: expected YYYY-MM-DD", s)
	}
	d.Time = t
	return nil
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return model.Invalidf("invalid request body: %v", err)
	}
	return nil
}

// --- Ledger ---

type cashFlowRequest struct {
	Type     model.CashFlowType `json:"type"`
	Date     Date               `json:"date"`
	Amount   decimal.Decimal    `json:"amount"`
	Currency string             `json:"currency"`
	Source   string             `json:"source"`
	Notes    string             `json:"notes"`
}

// CreateCashFlow handles POST /api/v1/cash-flows.
func (h *Handler) CreateCashFlow(w http.ResponseWriter, r *http.Request) {
	var req cashFlowRequest
	if err := decode(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	cf, err := h.ledger.CreateCashFlow(r.Context(), userID(r), ledger.CashFlowInput{
		Type:     req.Type,
		Date:     req.Date.Time,
		Amount:   req.Amount,
		Currency: req.Currency,
		Source:   req.Source,
		Notes:    req.Notes,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cf)
}

// ListCashFlows handles GET /api/v1/cash-flows.
func (h *Handler) ListCashFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := h.ledger.ListCashFlows(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if flows == nil {
		flows = []model.CashFlow{}
	}
	writeJSON(w, http.StatusOK, flows)
}

// DeleteCashFlow handles DELETE /api/v1/cash-flows/{id}.
func (h *Handler) DeleteCashFlow(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.DeleteCashFlow(r.Context(), userID(r), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAccounts handles GET /api/v1/accounts.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.ledger.Accounts(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if accounts == nil {
		accounts = []model.Account{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

type transactionRequest struct {
	Symbol    string                `json:"symbol"`
	AssetType model.AssetType       `json:"asset_type"`
	Currency  string                `json:"currency"`
	Type      model.TransactionType `json:"type"`
	Date      Date                  `json:"date"`
	Price     decimal.Decimal       `json:"price"`
	Quantity  decimal.Decimal       `json:"quantity"`
	Notes     string                `json:"notes"`
}

// CreateTransaction handles POST /api/v1/transactions.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if err := decode(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	tx, err := h.ledger.CreateTransaction(r.Context(), userID(r), ledger.TransactionInput{
		Symbol:    req.Symbol,
		AssetType: req.AssetType,
		Currency:  req.Currency,
		Type:      req.Type,
		Date:      req.Date.Time,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Notes:     req.Notes,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

type editRequest struct {
	Type     model.TransactionType `json:"type"`
	Date     Date                  `json:"date"`
	Price    decimal.Decimal       `json:"price"`
	Quantity decimal.Decimal       `json:"quantity"`
	Notes    string                `json:"notes"`
}

// EditTransaction handles PUT /api/v1/transactions/{id}.
func (h *Handler) EditTransaction(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := decode(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	tx, err := h.ledger.EditTransaction(r.Context(), userID(r), chi.URLParam(r, "id"), ledger.TransactionEdit{
		Type:     req.Type,
		Date:     req.Date.Time,
		Price:    req.Price,
		Quantity: req.Quantity,
		Notes:    req.Notes,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// DeleteTransaction handles DELETE /api/v1/transactions/{id}.
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.DeleteTransaction(r.Context(), userID(r), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListPositions handles GET /api/v1/positions.
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.ledger.Positions(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// PositionTransactions handles GET /api/v1/positions/{id}/transactions.
func (h *Handler) PositionTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.ledger.Transactions(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// Statement handles GET /api/v1/statement?currency=USD.
func (h *Handler) Statement(w http.ResponseWriter, r *http.Request) {
	st, err := h.statements.Statement(r.Context(), userID(r), r.URL.Query().Get("currency"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ListDailyValuations handles GET /api/v1/valuations/daily?currency=&from=.
func (h *Handler) ListDailyValuations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var from time.Time
	if s := q.Get("from"); s != "" {
		t, err := time.Parse(time.DateOnly, s)
		if err != nil {
			writeServiceError(w, r, model.Invalidf("from %q: expected YYYY-MM-DD", s))
			return
		}
		from = t
	}
	history, err := h.valuations.History(r.Context(), userID(r), q.Get("currency"), from)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if history == nil {
		history = []model.DailyValuation{}
	}
	writeJSON(w, http.StatusOK, history)
}

type takeValuationRequest struct {
	Currency string `json:"currency"`
}

// TakeDailyValuation handles POST /api/v1/valuations/daily. Today's
// snapshot is created once; later calls return it with 200.
func (h *Handler) TakeDailyValuation(w http.ResponseWriter, r *http.Request) {
	// The body is optional.
	var req takeValuationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeServiceError(w, r, model.Invalidf("invalid request body: %v", err))
		return
	}
	v, taken, err := h.valuations.Take(r.Context(), userID(r), req.Currency)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if taken {
		status = http.StatusCreated
	}
	writeJSON(w, status, v)
}

// SearchSymbols handles GET /api/v1/symbols/search?q=.
func (h *Handler) SearchSymbols(w http.ResponseWriter, r *http.Request) {
	matches, err := h.search.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

// --- Tasks ---

type submitRequest struct {
	TaskType model.TaskType  `json:"task_type"`
	Params   json.RawMessage `json:"params"`
}

// SubmitTask handles POST /api/v1/tasks. An equivalent running task yields
// 409 with its ID.
func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decode(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if len(req.Params) == 0 {
		writeError(w, "params are required", http.StatusBadRequest)
		return
	}
	params, err := model.DecodeParams(req.TaskType, req.Params)
	if err != nil {
		writeServiceError(w, r, model.Invalidf("params: %v", err))
		return
	}

	t, err := h.tasks.Submit(r.Context(), userID(r), params)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

// ListTasks handles GET /api/v1/tasks?status=running.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.tasks.Registry().List(r.Context(), userID(r), model.TaskStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 && limit < len(tasks) {
		tasks = tasks[:limit]
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// GetTask handles GET /api/v1/tasks/{id}. Tasks of other users are not
// visible.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.tasks.Registry().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if t.UserID != userID(r) {
		writeError(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// TerminateTask handles POST /api/v1/tasks/{id}/terminate.
func (h *Handler) TerminateTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.tasks.Registry().Terminate(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- Signals ---

// ListSignals handles GET /api/v1/signals?symbol=&model=&limit=.
func (h *Handler) ListSignals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SignalFilter{
		Symbol: strings.ToUpper(q.Get("symbol")),
		Model:  q.Get("model"),
		Limit:  100,
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 {
		filter.Limit = limit
	}
	signals, err := h.signals.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if signals == nil {
		signals = []model.TradeSignal{}
	}
	writeJSON(w, http.StatusOK, signals)
}

// AdoptSignal handles POST /api/v1/signals/{id}/adopt.
func (h *Handler) AdoptSignal(w http.ResponseWriter, r *http.Request) {
	var req signal.AdoptRequest
	if err := decode(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	tx, err := h.signals.Adopt(r.Context(), chi.URLParam(r, "id"), userID(r), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}
