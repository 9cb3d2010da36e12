// Package engine provides the HTTP handlers for the trade execution pipeline:
// intent intake, batch runs, fill ingestion, order lifecycle, lot and gain
// queries, manual review, and cash reconciliation.
//
// All monetary values use shopspring/decimal — never float64 for money.
package engine

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/goalflow/execution-engine/internal/batch"
	"github.com/goalflow/execution-engine/internal/fills"
	"github.com/goalflow/execution-engine/internal/lifecycle"
	"github.com/goalflow/execution-engine/internal/lots"
	"github.com/goalflow/execution-engine/internal/metrics"
	"github.com/goalflow/execution-engine/internal/model"
	"github.com/goalflow/execution-engine/internal/reconcile"
	"github.com/goalflow/execution-engine/internal/store"
)

// Service handles execution pipeline operations.
type Service struct {
	store      store.Store
	processor  *fills.Processor
	runner     *batch.Runner
	reconciler *reconcile.Reconciler
	wsHub      *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates the engine service and wires event broadcasting.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, proc *fills.Processor, runner *batch.Runner, rec *reconcile.Reconciler, hub *WSHub) *Service {
	s := &Service{
		store:      st,
		processor:  proc,
		runner:     runner,
		reconciler: rec,
		wsHub:      hub,
	}
	if hub != nil {
		proc.OnEvent(hub.Broadcast)
		runner.OnEvent(hub.Broadcast)
	}
	return s
}

// Routes mounts every handler under /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/intents", s.CreateIntent)
		r.Get("/intents/{intentID}", s.GetIntent)
		r.Get("/intents/{intentID}/distributions", s.GetIntentDistributions)

		r.Post("/batches/{batchID}/run", s.RunBatch)

		r.Post("/fills", s.ReportFill)

		r.Get("/orders", s.ListOrders)
		r.Get("/orders/{orderID}", s.GetOrder)
		r.Get("/orders/{orderID}/fills", s.GetOrderFills)
		r.Get("/orders/{orderID}/distributions", s.GetOrderDistributions)
		r.Post("/orders/{orderID}/status", s.ReportTerminalStatus)
		r.Post("/orders/{orderID}/cancel", s.CancelOrder)

		r.Get("/goals/{goalID}/lots", s.GetLots)
		r.Get("/goals/{goalID}/gains", s.GetRealizedGains)

		r.Get("/review", s.ListDiscrepancies)
		r.Post("/review/{discrepancyID}/resolve", s.ResolveDiscrepancy)

		r.Post("/reconcile", s.ReconcileAll)
		r.Post("/reconcile/{accountID}", s.ReconcileAccount)

		r.Put("/accounts/{accountID}/cash", s.SetAccountCash)
		r.Put("/goals/{goalID}/cash", s.SetGoalCash)
		r.Put("/prices", s.SetMidPrice)

		if s.wsHub != nil {
			r.Get("/ws", s.wsHub.HandleWS)
		}
	})
}

// --- Request/Response types ---

// CreateIntentRequest is the JSON body for intent intake.
type CreateIntentRequest struct {
	GoalID     string          `json:"goal_id"`
	AccountID  string          `json:"account_id"`
	Instrument string          `json:"instrument"` // "KIND:SYMBOL", e.g. "TICKER:VTI"
	Volume     decimal.Decimal `json:"volume"`     // signed: positive = buy, negative = sell
	BatchID    string          `json:"batch_id"`
}

// FillRequest is the JSON body for broker fill reports. The id is the
// broker's fill id and is the dedup key: redelivery is a no-op.
type FillRequest struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"order_id"`
	Volume     decimal.Decimal `json:"volume"`
	Price      decimal.Decimal `json:"price"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// TerminalStatusRequest is the JSON body for broker terminal-status reports.
type TerminalStatusRequest struct {
	Status string `json:"status"` // broker's terminal status, informational
}

// ResolveRequest is the JSON body for discrepancy resolution.
type ResolveRequest struct {
	Unpark bool `json:"unpark"` // also resume the parked order, if any
}

// CashRequest is the JSON body for account/goal cash updates.
type CashRequest struct {
	AccountID string          `json:"account_id,omitempty"`
	Balance   decimal.Decimal `json:"balance"`
}

// MidPriceRequest is the JSON body for instrument mid price updates.
type MidPriceRequest struct {
	Instrument string          `json:"instrument"`
	Mid        decimal.Decimal `json:"mid"`
}

// --- HTTP Handlers ---

// CreateIntent handles POST /api/v1/intents
func (s *Service) CreateIntent(w http.ResponseWriter, r *http.Request) {
	var req CreateIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.GoalID == "" || req.AccountID == "" {
		writeError(w, "goal_id and account_id are required", http.StatusBadRequest)
		return
	}
	if req.BatchID == "" {
		writeError(w, "batch_id is required", http.StatusBadRequest)
		return
	}
	if req.Volume.IsZero() {
		writeError(w, "volume must be non-zero", http.StatusBadRequest)
		return
	}
	inst, err := model.ParseInstrument(req.Instrument)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	intent := &model.TradeIntent{
		ID:         uuid.New().String(),
		GoalID:     req.GoalID,
		AccountID:  req.AccountID,
		Instrument: inst,
		Volume:     req.Volume,
		BatchID:    req.BatchID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.InsertIntent(r.Context(), intent); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	metrics.IntentsTotal.Inc()

	slog.Info("intent created",
		"intent_id", intent.ID,
		"goal", req.GoalID,
		"instrument", inst.String(),
		"volume", req.Volume.String(),
		"batch", req.BatchID,
	)

	writeJSON(w, http.StatusCreated, intent)
}

// GetIntent handles GET /api/v1/intents/{intentID}
func (s *Service) GetIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := s.store.GetIntent(r.Context(), chi.URLParam(r, "intentID"))
	if err != nil {
		writeError(w, "intent not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

// GetIntentDistributions handles GET /api/v1/intents/{intentID}/distributions
func (s *Service) GetIntentDistributions(w http.ResponseWriter, r *http.Request) {
	dists, err := s.store.DistributionsForIntent(r.Context(), chi.URLParam(r, "intentID"))
	if err != nil {
		writeError(w, "failed to load distributions", http.StatusInternalServerError)
		return
	}
	if dists == nil {
		dists = []model.Distribution{}
	}
	writeJSON(w, http.StatusOK, dists)
}

// RunBatch handles POST /api/v1/batches/{batchID}/run
// Nets the batch's pending intents into orders and submits them.
func (s *Service) RunBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")

	result, err := s.runner.Run(r.Context(), batchID)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ReportFill handles POST /api/v1/fills
// Ingests one broker fill report. Duplicate fill ids are acknowledged and
// ignored; fills that outrun the order's SENT state are accepted with 202
// and replayed internally.
func (s *Service) ReportFill(w http.ResponseWriter, r *http.Request) {
	var req FillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" || req.OrderID == "" {
		writeError(w, "id and order_id are required", http.StatusBadRequest)
		return
	}
	if req.Volume.IsZero() {
		writeError(w, "volume must be non-zero", http.StatusBadRequest)
		return
	}
	if req.Price.IsNegative() {
		writeError(w, "price must be non-negative", http.StatusBadRequest)
		return
	}
	executedAt := req.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now().UTC()
	}

	fill := &model.Fill{
		ID:         req.ID,
		OrderID:    req.OrderID,
		Volume:     req.Volume,
		Price:      req.Price,
		ExecutedAt: executedAt,
		ReceivedAt: time.Now().UTC(),
	}

	err := s.processor.ProcessFill(r.Context(), fill)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, fill)
	case errors.Is(err, fills.ErrFillBuffered):
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "buffered"})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "order not found", http.StatusNotFound)
	case errors.Is(err, fills.ErrFillMismatch):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, fills.ErrOverFill),
		errors.Is(err, fills.ErrOrderParked),
		errors.Is(err, fills.ErrOrderTerminal),
		errors.Is(err, lots.ErrOversold):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

// ReportTerminalStatus handles POST /api/v1/orders/{orderID}/status
// The broker reports the order will receive no further fills; the engine
// completes it with the classification derived from accumulated volume.
func (s *Service) ReportTerminalStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req TerminalStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := s.processor.ProcessTerminalStatus(r.Context(), orderID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "order not found", http.StatusNotFound)
		return
	case errors.Is(err, fills.ErrOrderParked),
		errors.Is(err, lifecycle.ErrInvalidTransition):
		writeError(w, err.Error(), http.StatusConflict)
		return
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	order, err := s.store.GetOrder(r.Context(), orderID)
	if err != nil {
		writeError(w, "order not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// CancelOrder handles POST /api/v1/orders/{orderID}/cancel
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.runner.Cancel(r.Context(), chi.URLParam(r, "orderID"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, order)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "order not found", http.StatusNotFound)
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

// ListOrders handles GET /api/v1/orders
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.store.ListOrders(r.Context())
	if err != nil {
		writeError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.NetOrder{}
	}

	// Optional filter by ?batch_id=<id>.
	if batchID := r.URL.Query().Get("batch_id"); batchID != "" {
		var filtered []model.NetOrder
		for _, o := range orders {
			if o.BatchID == batchID {
				filtered = append(filtered, o)
			}
		}
		if filtered == nil {
			filtered = []model.NetOrder{}
		}
		orders = filtered
	}

	writeJSON(w, http.StatusOK, orders)
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.store.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, "order not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// GetOrderFills handles GET /api/v1/orders/{orderID}/fills
func (s *Service) GetOrderFills(w http.ResponseWriter, r *http.Request) {
	fillList, err := s.store.FillsForOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, "failed to load fills", http.StatusInternalServerError)
		return
	}
	if fillList == nil {
		fillList = []model.Fill{}
	}
	writeJSON(w, http.StatusOK, fillList)
}

// GetOrderDistributions handles GET /api/v1/orders/{orderID}/distributions
func (s *Service) GetOrderDistributions(w http.ResponseWriter, r *http.Request) {
	dists, err := s.store.DistributionsForOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, "failed to load distributions", http.StatusInternalServerError)
		return
	}
	if dists == nil {
		dists = []model.Distribution{}
	}
	writeJSON(w, http.StatusOK, dists)
}

// GetLots handles GET /api/v1/goals/{goalID}/lots
func (s *Service) GetLots(w http.ResponseWriter, r *http.Request) {
	lotList, err := s.store.LotsByGoal(r.Context(), chi.URLParam(r, "goalID"))
	if err != nil {
		writeError(w, "failed to load lots", http.StatusInternalServerError)
		return
	}
	if lotList == nil {
		lotList = []model.Lot{}
	}
	writeJSON(w, http.StatusOK, lotList)
}

// GetRealizedGains handles GET /api/v1/goals/{goalID}/gains
func (s *Service) GetRealizedGains(w http.ResponseWriter, r *http.Request) {
	gains, err := s.store.RealizedGainsByGoal(r.Context(), chi.URLParam(r, "goalID"))
	if err != nil {
		writeError(w, "failed to load realized gains", http.StatusInternalServerError)
		return
	}
	if gains == nil {
		gains = []model.RealizedGainLoss{}
	}
	writeJSON(w, http.StatusOK, gains)
}

// ListDiscrepancies handles GET /api/v1/review
func (s *Service) ListDiscrepancies(w http.ResponseWriter, r *http.Request) {
	open, err := s.store.OpenDiscrepancies(r.Context())
	if err != nil {
		writeError(w, "failed to load discrepancies", http.StatusInternalServerError)
		return
	}
	if open == nil {
		open = []model.Discrepancy{}
	}
	writeJSON(w, http.StatusOK, open)
}

// ResolveDiscrepancy handles POST /api/v1/review/{discrepancyID}/resolve
// Marks the record resolved; with {"unpark": true} the parked order (if any)
// resumes automated processing.
func (s *Service) ResolveDiscrepancy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "discrepancyID")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	open, err := s.store.OpenDiscrepancies(ctx)
	if err != nil {
		writeError(w, "failed to load discrepancies", http.StatusInternalServerError)
		return
	}
	var target *model.Discrepancy
	for i := range open {
		if open[i].ID == id {
			target = &open[i]
			break
		}
	}
	if target == nil {
		writeError(w, "discrepancy not found or already resolved", http.StatusNotFound)
		return
	}

	if err := s.store.ResolveDiscrepancy(ctx, id); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if req.Unpark && target.OrderID != "" {
		if err := s.store.SetOrderParked(ctx, target.OrderID, false); err != nil {
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	slog.Info("discrepancy resolved",
		"discrepancy_id", id,
		"kind", string(target.Kind),
		"unparked", req.Unpark && target.OrderID != "",
	)

	w.WriteHeader(http.StatusNoContent)
}

// ReconcileAccount handles POST /api/v1/reconcile/{accountID}
func (s *Service) ReconcileAccount(w http.ResponseWriter, r *http.Request) {
	out, err := s.reconciler.Account(r.Context(), chi.URLParam(r, "accountID"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, out)
	case errors.Is(err, reconcile.ErrCashShortfall):
		// The outcome is still useful to the operator.
		writeJSON(w, http.StatusConflict, out)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "account not found", http.StatusNotFound)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

// ReconcileAll handles POST /api/v1/reconcile
func (s *Service) ReconcileAll(w http.ResponseWriter, r *http.Request) {
	outcomes, err := s.reconciler.All(r.Context())
	if err != nil && outcomes == nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if outcomes == nil {
		outcomes = []reconcile.Outcome{}
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, outcomes)
}

// SetAccountCash handles PUT /api/v1/accounts/{accountID}/cash
func (s *Service) SetAccountCash(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	var req CashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	account := &model.Account{ID: accountID, CashBalance: req.Balance}
	if err := s.store.UpsertAccount(r.Context(), account); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// SetGoalCash handles PUT /api/v1/goals/{goalID}/cash
func (s *Service) SetGoalCash(w http.ResponseWriter, r *http.Request) {
	goalID := chi.URLParam(r, "goalID")

	var req CashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}

	gc := &model.GoalCash{GoalID: goalID, AccountID: req.AccountID, Balance: req.Balance}
	if err := s.store.UpsertGoalCash(r.Context(), gc); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, gc)
}

// SetMidPrice handles PUT /api/v1/prices
// Stores the instrument mid price used for zero-net settlement records.
func (s *Service) SetMidPrice(w http.ResponseWriter, r *http.Request) {
	var req MidPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	inst, err := model.ParseInstrument(req.Instrument)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Mid.IsNegative() {
		writeError(w, "mid must be non-negative", http.StatusBadRequest)
		return
	}

	if err := s.store.SetMidPrice(r.Context(), inst, req.Mid); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"instrument": inst.String(),
		"mid":        req.Mid.String(),
	})
}

// --- Helpers ---

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
