package engine_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/goalflow/execution-engine/internal/batch"
	"github.com/goalflow/execution-engine/internal/broker"
	"github.com/goalflow/execution-engine/internal/engine"
	"github.com/goalflow/execution-engine/internal/fills"
	"github.com/goalflow/execution-engine/internal/lots"
	"github.com/goalflow/execution-engine/internal/model"
	"github.com/goalflow/execution-engine/internal/reconcile"
	"github.com/goalflow/execution-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv wires the full pipeline over an in-memory store and a simulator
// broker, mounted on a chi router.
func newTestEnv(t *testing.T) (*store.MemoryStore, *broker.Simulator, chi.Router) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ms := store.NewMemoryStore()
	sim := broker.NewSimulator()

	ledger := lots.NewLedger(ms)
	proc := fills.NewProcessor(ms, ledger, log)
	dist := fills.NewDistributor(ms, ledger, log)
	agg := batch.NewAggregator(ms, dist, log)
	runner := batch.NewRunner(ms, sim, agg, proc, 2, log)
	rec := reconcile.NewReconciler(ms, sim, log)

	svc := engine.NewService(ms, proc, runner, rec, nil)

	r := chi.NewRouter()
	svc.Routes(r)
	return ms, sim, r
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createIntent(t *testing.T, router chi.Router, goalID string, volume float64) model.TradeIntent {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/intents", engine.CreateIntentRequest{
		GoalID:     goalID,
		AccountID:  "acct1",
		Instrument: "TICKER:VTI",
		Volume:     d(volume),
		BatchID:    "batch1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create intent: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var intent model.TradeIntent
	json.Unmarshal(w.Body.Bytes(), &intent)
	return intent
}

func runBatch(t *testing.T, router chi.Router) batch.Result {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/batches/batch1/run", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("run batch: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var result batch.Result
	json.Unmarshal(w.Body.Bytes(), &result)
	return result
}

func TestCreateIntent_Validation(t *testing.T) {
	_, _, router := newTestEnv(t)

	cases := []struct {
		name string
		req  engine.CreateIntentRequest
	}{
		{"missing goal", engine.CreateIntentRequest{AccountID: "a", Instrument: "TICKER:VTI", Volume: d(1), BatchID: "b"}},
		{"missing batch", engine.CreateIntentRequest{GoalID: "g", AccountID: "a", Instrument: "TICKER:VTI", Volume: d(1)}},
		{"zero volume", engine.CreateIntentRequest{GoalID: "g", AccountID: "a", Instrument: "TICKER:VTI", BatchID: "b"}},
		{"bad instrument kind", engine.CreateIntentRequest{GoalID: "g", AccountID: "a", Instrument: "OPTION:VTI", Volume: d(1), BatchID: "b"}},
		{"no instrument separator", engine.CreateIntentRequest{GoalID: "g", AccountID: "a", Instrument: "VTI", Volume: d(1), BatchID: "b"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/intents", c.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestPipeline_IntentToCompletedOrder(t *testing.T) {
	ms, _, router := newTestEnv(t)

	createIntent(t, router, "g1", 5)
	createIntent(t, router, "g2", 10)
	createIntent(t, router, "g3", 10)

	result := runBatch(t, router)
	if len(result.Orders) != 1 || result.Sent != 1 {
		t.Fatalf("expected 1 sent order, got %+v", result)
	}
	orderID := result.Orders[0]

	// Two fills complete the order: 13 then 12.
	w := do(t, router, "POST", "/api/v1/fills", engine.FillRequest{
		ID: "f1", OrderID: orderID, Volume: d(13), Price: d(99.50),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("fill 1: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, router, "POST", "/api/v1/fills", engine.FillRequest{
		ID: "f2", OrderID: orderID, Volume: d(12), Price: d(99.75),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("fill 2: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "GET", "/api/v1/orders/"+orderID, nil)
	var order model.NetOrder
	json.Unmarshal(w.Body.Bytes(), &order)
	if order.State != model.StateComplete {
		t.Errorf("order state = %s, want COMPLETE", order.State)
	}
	if order.FillInfo != model.FillInfoFilled {
		t.Errorf("fill info = %s, want FILLED", order.FillInfo)
	}

	// Every intent settled, distributions conserve each fill.
	w = do(t, router, "GET", "/api/v1/orders/"+orderID+"/distributions", nil)
	var dists []model.Distribution
	json.Unmarshal(w.Body.Bytes(), &dists)
	total := decimal.Zero
	for _, dd := range dists {
		total = total.Add(dd.Volume.Abs())
	}
	if !total.Equal(d(25)) {
		t.Errorf("Σ|distribution| = %s, want 25", total)
	}

	intents, _ := ms.IntentsForOrder(context.Background(), orderID)
	for _, in := range intents {
		got, _ := ms.GetIntent(context.Background(), in.ID)
		if !got.Settled {
			t.Errorf("intent %s should be settled", in.ID)
		}
	}
}

func TestReportFill_DuplicateAcknowledged(t *testing.T) {
	_, _, router := newTestEnv(t)

	createIntent(t, router, "g1", 25)
	result := runBatch(t, router)
	orderID := result.Orders[0]

	req := engine.FillRequest{ID: "f1", OrderID: orderID, Volume: d(10), Price: d(100)}
	if w := do(t, router, "POST", "/api/v1/fills", req); w.Code != http.StatusOK {
		t.Fatalf("first delivery: %d", w.Code)
	}
	if w := do(t, router, "POST", "/api/v1/fills", req); w.Code != http.StatusOK {
		t.Fatalf("redelivery should be acknowledged with 200, got %d", w.Code)
	}

	w := do(t, router, "GET", "/api/v1/orders/"+orderID+"/fills", nil)
	var fillList []model.Fill
	json.Unmarshal(w.Body.Bytes(), &fillList)
	if len(fillList) != 1 {
		t.Errorf("expected 1 stored fill, got %d", len(fillList))
	}
}

func TestReportFill_OverFillConflict(t *testing.T) {
	_, _, router := newTestEnv(t)

	createIntent(t, router, "g1", 10)
	result := runBatch(t, router)
	orderID := result.Orders[0]

	w := do(t, router, "POST", "/api/v1/fills", engine.FillRequest{
		ID: "f1", OrderID: orderID, Volume: d(11), Price: d(100),
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for over-fill, got %d: %s", w.Code, w.Body.String())
	}

	// The discrepancy is visible in the review queue.
	w = do(t, router, "GET", "/api/v1/review", nil)
	var open []model.Discrepancy
	json.Unmarshal(w.Body.Bytes(), &open)
	if len(open) != 1 || open[0].Kind != model.DiscrepancyOverFill {
		t.Fatalf("expected one OVER_FILL discrepancy, got %+v", open)
	}

	// Resolving with unpark resumes the order.
	w = do(t, router, "POST", "/api/v1/review/"+open[0].ID+"/resolve", engine.ResolveRequest{Unpark: true})
	if w.Code != http.StatusNoContent {
		t.Fatalf("resolve: expected 204, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, router, "GET", "/api/v1/orders/"+orderID, nil)
	var order model.NetOrder
	json.Unmarshal(w.Body.Bytes(), &order)
	if order.Parked {
		t.Error("order should be unparked after resolution")
	}
}

func TestReportFill_UnknownOrder(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/fills", engine.FillRequest{
		ID: "f1", OrderID: "nope", Volume: d(1), Price: d(100),
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestCancelAndTerminalStatus(t *testing.T) {
	_, sim, router := newTestEnv(t)

	createIntent(t, router, "g1", 25)
	result := runBatch(t, router)
	orderID := result.Orders[0]

	// Partial fill, then cancel.
	do(t, router, "POST", "/api/v1/fills", engine.FillRequest{
		ID: "f1", OrderID: orderID, Volume: d(13), Price: d(99.50),
	})
	w := do(t, router, "POST", "/api/v1/orders/"+orderID+"/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var order model.NetOrder
	json.Unmarshal(w.Body.Bytes(), &order)
	if order.State != model.StateCancelPending {
		t.Errorf("state = %s, want CANCEL_PENDING", order.State)
	}
	if !sim.CancelRequested(order.BrokerRef) {
		t.Error("cancel should reach the broker")
	}

	// A straggler fill still distributes during CANCEL_PENDING.
	w = do(t, router, "POST", "/api/v1/fills", engine.FillRequest{
		ID: "f2", OrderID: orderID, Volume: d(2), Price: d(99.60),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("straggler fill: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Broker confirms termination; classification reflects 15 of 25.
	w = do(t, router, "POST", "/api/v1/orders/"+orderID+"/status",
		engine.TerminalStatusRequest{Status: "CANCELLED"})
	if w.Code != http.StatusOK {
		t.Fatalf("terminal status: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	json.Unmarshal(w.Body.Bytes(), &order)
	if order.State != model.StateComplete {
		t.Errorf("state = %s, want COMPLETE", order.State)
	}
	if order.FillInfo != model.FillInfoPartiallyFilled {
		t.Errorf("fill info = %s, want PARTIALLY_FILLED", order.FillInfo)
	}
}

func TestReconcileEndpoint(t *testing.T) {
	_, sim, router := newTestEnv(t)

	w := do(t, router, "PUT", "/api/v1/accounts/acct1/cash", engine.CashRequest{Balance: d(100)})
	if w.Code != http.StatusOK {
		t.Fatalf("set account cash: %d", w.Code)
	}
	w = do(t, router, "PUT", "/api/v1/goals/g1/cash", engine.CashRequest{AccountID: "acct1", Balance: d(50)})
	if w.Code != http.StatusOK {
		t.Fatalf("set goal cash: %d", w.Code)
	}
	sim.SetCash("acct1", d(170))

	w = do(t, router, "POST", "/api/v1/reconcile/acct1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reconcile: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var out reconcile.Outcome
	json.Unmarshal(w.Body.Bytes(), &out)
	if !out.Difference.Equal(d(20)) {
		t.Errorf("difference = %s, want 20", out.Difference)
	}

	// Shortfall beyond account cash returns 409.
	sim.SetCash("acct1", d(10))
	w = do(t, router, "POST", "/api/v1/reconcile/acct1", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for shortfall, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSetMidPrice(t *testing.T) {
	ms, _, router := newTestEnv(t)

	w := do(t, router, "PUT", "/api/v1/prices", engine.MidPriceRequest{
		Instrument: "TICKER:VTI", Mid: d(101.25),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	mid, err := ms.MidPrice(context.Background(), model.InstrumentRef{Kind: model.KindTicker, Symbol: "VTI"})
	if err != nil {
		t.Fatalf("MidPrice: %v", err)
	}
	if !mid.Equal(d(101.25)) {
		t.Errorf("mid = %s, want 101.25", mid)
	}

	w = do(t, router, "PUT", "/api/v1/prices", engine.MidPriceRequest{Instrument: "TICKER:VTI", Mid: d(-1)})
	if w.Code != http.StatusBadRequest {
		t.Errorf("negative mid: expected 400, got %d", w.Code)
	}
}
