package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/goalflow/execution-engine/internal/model"
	"github.com/goalflow/execution-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var vti = model.InstrumentRef{Kind: model.KindTicker, Symbol: "VTI"}

func seedIntent(t *testing.T, ms *store.MemoryStore, id, batchID string, volume float64) {
	t.Helper()
	intent := &model.TradeIntent{
		ID:         id,
		GoalID:     "g1",
		AccountID:  "a1",
		Instrument: vti,
		Volume:     d(volume),
		BatchID:    batchID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := ms.InsertIntent(context.Background(), intent); err != nil {
		t.Fatalf("insert intent %s: %v", id, err)
	}
}

func TestPendingIntents_ExcludesClaimedAndSettled(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	seedIntent(t, ms, "i1", "b1", 5)
	seedIntent(t, ms, "i2", "b1", 10)
	seedIntent(t, ms, "i3", "b2", 7) // different batch
	seedIntent(t, ms, "i4", "b1", 3)

	if err := ms.MarkIntentSettled(ctx, "i4"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	order := &model.NetOrder{ID: "o1", Instrument: vti, BatchID: "b1", Volume: d(5), IntentIDs: []string{"i1"}}
	if err := ms.CreateOrder(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}

	pending, err := ms.PendingIntents(ctx, "b1")
	if err != nil {
		t.Fatalf("PendingIntents: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "i2" {
		t.Fatalf("pending = %+v, want only i2", pending)
	}
}

func TestCreateOrder_RejectsDoubleClaim(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	seedIntent(t, ms, "i1", "b1", 5)
	first := &model.NetOrder{ID: "o1", Instrument: vti, BatchID: "b1", Volume: d(5), IntentIDs: []string{"i1"}}
	if err := ms.CreateOrder(ctx, first); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	second := &model.NetOrder{ID: "o2", Instrument: vti, BatchID: "b1", Volume: d(5), IntentIDs: []string{"i1"}}
	if err := ms.CreateOrder(ctx, second); err == nil {
		t.Fatal("second claim of the same intent should fail")
	}
}

func TestInsertFill_DuplicateID(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	fill := &model.Fill{ID: "f1", OrderID: "o1", Volume: d(5), Price: d(100)}
	if err := ms.InsertFill(ctx, fill); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := ms.InsertFill(ctx, fill)
	if !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("want ErrDuplicate, got %v", err)
	}
}

func TestSetBrokerRef_FirstWriteWins(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	seedIntent(t, ms, "i1", "b1", 5)
	order := &model.NetOrder{ID: "o1", Instrument: vti, BatchID: "b1", Volume: d(5), IntentIDs: []string{"i1"}}
	if err := ms.CreateOrder(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}

	winner, err := ms.SetBrokerRef(ctx, "o1", "ref-a")
	if err != nil || winner != "ref-a" {
		t.Fatalf("first write: winner=%q err=%v, want ref-a", winner, err)
	}
	// A racing retry loses and receives the original reference.
	winner, err = ms.SetBrokerRef(ctx, "o1", "ref-b")
	if err != nil || winner != "ref-a" {
		t.Fatalf("second write: winner=%q err=%v, want ref-a", winner, err)
	}

	got, _ := ms.GetOrder(ctx, "o1")
	if got.BrokerRef != "ref-a" {
		t.Errorf("broker ref = %q, want ref-a", got.BrokerRef)
	}
}

func TestOpenLots_OldestFirstAndSkipsEmpty(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := &model.Lot{ID: "l1", GoalID: "g1", Instrument: vti, QuantityRemaining: d(5), UnitCost: d(110), AcquiredAt: t0.AddDate(0, 6, 0)}
	older := &model.Lot{ID: "l2", GoalID: "g1", Instrument: vti, QuantityRemaining: d(5), UnitCost: d(100), AcquiredAt: t0}
	empty := &model.Lot{ID: "l3", GoalID: "g1", Instrument: vti, QuantityRemaining: decimal.Zero, UnitCost: d(90), AcquiredAt: t0.AddDate(-1, 0, 0)}
	for _, l := range []*model.Lot{newer, older, empty} {
		if err := ms.InsertLot(ctx, l); err != nil {
			t.Fatalf("insert lot %s: %v", l.ID, err)
		}
	}

	open, err := ms.OpenLots(ctx, "g1", vti)
	if err != nil {
		t.Fatalf("OpenLots: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("expected 2 open lots, got %d", len(open))
	}
	if open[0].ID != "l2" || open[1].ID != "l1" {
		t.Errorf("order = %s, %s; want l2 (oldest) then l1", open[0].ID, open[1].ID)
	}
}

func TestDistributedByIntent_SumsAbsoluteVolume(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	seedIntent(t, ms, "i1", "b1", -10)
	order := &model.NetOrder{ID: "o1", Instrument: vti, BatchID: "b1", Volume: d(-10), IntentIDs: []string{"i1"}}
	if err := ms.CreateOrder(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}

	for i, v := range []float64{-4, -3} {
		dist := &model.Distribution{ID: string(rune('a' + i)), IntentID: "i1", FillID: "f", Volume: d(v), Price: d(100)}
		if err := ms.InsertDistribution(ctx, dist); err != nil {
			t.Fatalf("insert distribution: %v", err)
		}
	}

	totals, err := ms.DistributedByIntent(ctx, "o1")
	if err != nil {
		t.Fatalf("DistributedByIntent: %v", err)
	}
	if !totals["i1"].Equal(d(7)) {
		t.Errorf("distributed = %s, want 7 (sum of magnitudes)", totals["i1"])
	}
}

func TestGoalCashTotal(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	for goal, balance := range map[string]float64{"g1": 50, "g2": 30} {
		if err := ms.UpsertGoalCash(ctx, &model.GoalCash{GoalID: goal, AccountID: "a1", Balance: d(balance)}); err != nil {
			t.Fatalf("upsert goal cash: %v", err)
		}
	}
	if err := ms.UpsertGoalCash(ctx, &model.GoalCash{GoalID: "g3", AccountID: "other", Balance: d(99)}); err != nil {
		t.Fatalf("upsert goal cash: %v", err)
	}

	total, err := ms.GoalCashTotal(ctx, "a1")
	if err != nil {
		t.Fatalf("GoalCashTotal: %v", err)
	}
	if !total.Equal(d(80)) {
		t.Errorf("total = %s, want 80", total)
	}
}
