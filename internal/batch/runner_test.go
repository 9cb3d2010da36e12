package batch_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/goalflow/execution-engine/internal/batch"
	"github.com/goalflow/execution-engine/internal/broker"
	"github.com/goalflow/execution-engine/internal/fills"
	"github.com/goalflow/execution-engine/internal/lifecycle"
	"github.com/goalflow/execution-engine/internal/lots"
	"github.com/goalflow/execution-engine/internal/model"
	"github.com/goalflow/execution-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var (
	vti = model.InstrumentRef{Kind: model.KindTicker, Symbol: "VTI"}
	bnd = model.InstrumentRef{Kind: model.KindTicker, Symbol: "BND"}
)

type env struct {
	store  *store.MemoryStore
	broker *broker.Simulator
	runner *batch.Runner
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ms := store.NewMemoryStore()
	sim := broker.NewSimulator()
	ledger := lots.NewLedger(ms)
	proc := fills.NewProcessor(ms, ledger, log)
	dist := fills.NewDistributor(ms, ledger, log)
	agg := batch.NewAggregator(ms, dist, log)
	runner := batch.NewRunner(ms, sim, agg, proc, 4, log)
	return &env{store: ms, broker: sim, runner: runner}
}

func (e *env) addIntent(t *testing.T, id, goalID string, inst model.InstrumentRef, volume float64) {
	t.Helper()
	intent := &model.TradeIntent{
		ID:         id,
		GoalID:     goalID,
		AccountID:  "acct1",
		Instrument: inst,
		Volume:     d(volume),
		BatchID:    "batch1",
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.InsertIntent(context.Background(), intent); err != nil {
		t.Fatalf("insert intent %s: %v", id, err)
	}
}

func TestRun_NetsPerInstrument(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.addIntent(t, "i1", "g1", vti, 5)
	e.addIntent(t, "i2", "g2", vti, 10)
	e.addIntent(t, "i3", "g3", vti, -3)
	e.addIntent(t, "i4", "g1", bnd, 7)

	result, err := e.runner.Run(ctx, "batch1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Orders) != 2 {
		t.Fatalf("expected 2 orders (one per instrument), got %d", len(result.Orders))
	}
	if result.Sent != 2 || result.Failed != 0 {
		t.Errorf("sent/failed = %d/%d, want 2/0", result.Sent, result.Failed)
	}

	orders, _ := e.store.ListOrders(ctx)
	byInst := make(map[string]model.NetOrder)
	for _, o := range orders {
		byInst[o.Instrument.String()] = o
	}

	vtiOrder := byInst["TICKER:VTI"]
	if !vtiOrder.Volume.Equal(d(12)) { // 5 + 10 − 3
		t.Errorf("VTI net volume = %s, want 12", vtiOrder.Volume)
	}
	if len(vtiOrder.IntentIDs) != 3 {
		t.Errorf("VTI order should carry 3 intents, got %d", len(vtiOrder.IntentIDs))
	}
	if vtiOrder.State != model.StateSent {
		t.Errorf("VTI order state = %s, want SENT", vtiOrder.State)
	}
	if vtiOrder.BrokerRef == "" {
		t.Error("VTI order should have a broker ref after send")
	}

	if !byInst["TICKER:BND"].Volume.Equal(d(7)) {
		t.Errorf("BND net volume = %s, want 7", byInst["TICKER:BND"].Volume)
	}
}

func TestRun_ZeroNetSettlesWithoutOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if err := e.store.SetMidPrice(ctx, vti, d(101.25)); err != nil {
		t.Fatalf("set mid: %v", err)
	}
	e.addIntent(t, "i1", "g1", vti, 10)
	e.addIntent(t, "i2", "g2", vti, -10)

	result, err := e.runner.Run(ctx, "batch1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Orders) != 0 {
		t.Fatalf("zero-net batch should create no orders, got %d", len(result.Orders))
	}
	if e.broker.SubmitCount() != 0 {
		t.Errorf("nothing should reach the broker, got %d submits", e.broker.SubmitCount())
	}

	for _, id := range []string{"i1", "i2"} {
		in, _ := e.store.GetIntent(ctx, id)
		if !in.Settled {
			t.Errorf("intent %s should be settled", id)
		}
		dists, _ := e.store.DistributionsForIntent(ctx, id)
		if len(dists) != 1 || !dists[0].Volume.IsZero() || !dists[0].Price.Equal(d(101.25)) {
			t.Errorf("intent %s: want one zero-volume distribution at mid, got %+v", id, dists)
		}
	}
}

func TestRun_RerunPicksUpOnlyNewIntents(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.addIntent(t, "i1", "g1", vti, 5)
	if _, err := e.runner.Run(ctx, "batch1"); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Second run with one late intent: the first is already claimed.
	e.addIntent(t, "i2", "g2", vti, 3)
	result, err := e.runner.Run(ctx, "batch1")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(result.Orders) != 1 {
		t.Fatalf("expected 1 new order, got %d", len(result.Orders))
	}

	order, _ := e.store.GetOrder(ctx, result.Orders[0])
	if !order.Volume.Equal(d(3)) {
		t.Errorf("second order volume = %s, want 3 (only the late intent)", order.Volume)
	}
}

func TestRun_SubmitRetriesTransientFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.addIntent(t, "i1", "g1", vti, 5)
	e.broker.FailNextSubmits(2) // two timeouts, third attempt succeeds

	result, err := e.runner.Run(ctx, "batch1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Sent != 1 {
		t.Fatalf("sent = %d, want 1 after retries", result.Sent)
	}
	if e.broker.SubmitCount() != 1 {
		t.Errorf("broker should hold exactly 1 order, got %d", e.broker.SubmitCount())
	}
}

func TestRun_SubmitFailureDoesNotBlockBatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.addIntent(t, "i1", "g1", vti, 5)
	e.addIntent(t, "i2", "g2", bnd, 7)
	e.broker.FailNextSubmits(100) // exhaust every retry

	result, err := e.runner.Run(ctx, "batch1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Failed == 0 {
		t.Error("expected at least one failed submission")
	}
	// Failed orders stay APPROVED for a later resend, never half-SENT.
	orders, _ := e.store.ListOrders(ctx)
	for _, o := range orders {
		if o.BrokerRef == "" && o.State != model.StateApproved {
			t.Errorf("unsent order %s state = %s, want APPROVED", o.ID, o.State)
		}
	}
}

func TestCancel(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.addIntent(t, "i1", "g1", vti, 5)
	result, err := e.runner.Run(ctx, "batch1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	orderID := result.Orders[0]

	order, err := e.runner.Cancel(ctx, orderID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if order.State != model.StateCancelPending {
		t.Errorf("state = %s, want CANCEL_PENDING", order.State)
	}
	if !e.broker.CancelRequested(order.BrokerRef) {
		t.Error("cancel should reach the broker")
	}

	// Cancelling twice is an invalid transition.
	if _, err := e.runner.Cancel(ctx, orderID); err == nil {
		t.Error("second cancel should be rejected")
	} else if !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Errorf("want ErrInvalidTransition, got %v", err)
	}
}
