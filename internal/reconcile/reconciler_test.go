package reconcile_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/goalflow/execution-engine/internal/broker"
	"github.com/goalflow/execution-engine/internal/model"
	"github.com/goalflow/execution-engine/internal/reconcile"
	"github.com/goalflow/execution-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newEnv(t *testing.T) (*store.MemoryStore, *broker.Simulator, *reconcile.Reconciler) {
	t.Helper()
	ms := store.NewMemoryStore()
	sim := broker.NewSimulator()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return ms, sim, reconcile.NewReconciler(ms, sim, log)
}

// seedAccount creates an account with cash and optional goal balances.
func seedAccount(t *testing.T, ms *store.MemoryStore, id string, cash float64, goals map[string]float64) {
	t.Helper()
	ctx := context.Background()
	if err := ms.UpsertAccount(ctx, &model.Account{ID: id, CashBalance: d(cash)}); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	for goalID, balance := range goals {
		gc := &model.GoalCash{GoalID: goalID, AccountID: id, Balance: d(balance)}
		if err := ms.UpsertGoalCash(ctx, gc); err != nil {
			t.Fatalf("seed goal cash: %v", err)
		}
	}
}

func TestAccount_DepositBooksDifference(t *testing.T) {
	ms, sim, rec := newEnv(t)
	ctx := context.Background()

	// Ledger holds 100 + (50 + 30); broker reports 200: 20 extra.
	seedAccount(t, ms, "acct1", 100, map[string]float64{"g1": 50, "g2": 30})
	sim.SetCash("acct1", d(200))

	out, err := rec.Account(ctx, "acct1")
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if !out.Difference.Equal(d(20)) {
		t.Errorf("difference = %s, want 20", out.Difference)
	}
	if !out.Adjusted {
		t.Error("expected an adjustment")
	}

	account, _ := ms.GetAccount(ctx, "acct1")
	if !account.CashBalance.Equal(d(120)) {
		t.Errorf("account cash = %s, want 120 after deposit", account.CashBalance)
	}
}

func TestAccount_WithdrawalBooksDifference(t *testing.T) {
	ms, sim, rec := newEnv(t)
	ctx := context.Background()

	// Ledger holds 100 + 80; broker reports 150: 30 short, covered by
	// account cash.
	seedAccount(t, ms, "acct1", 100, map[string]float64{"g1": 80})
	sim.SetCash("acct1", d(150))

	out, err := rec.Account(ctx, "acct1")
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if !out.Difference.Equal(d(-30)) {
		t.Errorf("difference = %s, want -30", out.Difference)
	}

	account, _ := ms.GetAccount(ctx, "acct1")
	if !account.CashBalance.Equal(d(70)) {
		t.Errorf("account cash = %s, want 70 after withdrawal", account.CashBalance)
	}
}

func TestAccount_BalancedIsNoOp(t *testing.T) {
	ms, sim, rec := newEnv(t)
	ctx := context.Background()

	seedAccount(t, ms, "acct1", 100, map[string]float64{"g1": 50})
	sim.SetCash("acct1", d(150))

	out, err := rec.Account(ctx, "acct1")
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if out.Adjusted {
		t.Error("balanced account should not be adjusted")
	}

	account, _ := ms.GetAccount(ctx, "acct1")
	if !account.CashBalance.Equal(d(100)) {
		t.Errorf("account cash = %s, want unchanged 100", account.CashBalance)
	}
}

func TestAccount_ShortfallHaltsWithoutAdjusting(t *testing.T) {
	ms, sim, rec := newEnv(t)
	ctx := context.Background()

	// Shortfall of 60 but only 50 account cash: covering it would force a
	// goal balance negative.
	seedAccount(t, ms, "acct1", 50, map[string]float64{"g1": 100})
	sim.SetCash("acct1", d(90))

	out, err := rec.Account(ctx, "acct1")
	if !errors.Is(err, reconcile.ErrCashShortfall) {
		t.Fatalf("want ErrCashShortfall, got %v", err)
	}
	if out.Adjusted {
		t.Error("shortfall must not adjust the ledger")
	}

	account, _ := ms.GetAccount(ctx, "acct1")
	if !account.CashBalance.Equal(d(50)) {
		t.Errorf("account cash = %s, want untouched 50", account.CashBalance)
	}

	open, _ := ms.OpenDiscrepancies(ctx)
	if len(open) != 1 {
		t.Fatalf("expected 1 discrepancy, got %d", len(open))
	}
	if open[0].Kind != model.DiscrepancyCashShortfall {
		t.Errorf("kind = %s, want CASH_SHORTFALL", open[0].Kind)
	}
	if !open[0].Expected.Equal(d(50)) || !open[0].Actual.Equal(d(60)) {
		t.Errorf("quantities = %s/%s, want 50/60", open[0].Expected, open[0].Actual)
	}
}

func TestAll_SweepsEveryAccountDespiteFailures(t *testing.T) {
	ms, sim, rec := newEnv(t)
	ctx := context.Background()

	seedAccount(t, ms, "acct1", 100, nil)
	seedAccount(t, ms, "acct2", 100, nil)
	// acct1 has no broker cash registered → errors; acct2 reconciles.
	sim.SetCash("acct2", d(110))

	outcomes, err := rec.All(ctx)
	if err == nil {
		t.Error("expected the sweep to report acct1's failure")
	}
	if len(outcomes) != 1 {
		t.Fatalf("expected 1 successful outcome, got %d", len(outcomes))
	}
	if outcomes[0].AccountID != "acct2" {
		t.Errorf("outcome account = %s, want acct2", outcomes[0].AccountID)
	}

	account, _ := ms.GetAccount(ctx, "acct2")
	if !account.CashBalance.Equal(d(110)) {
		t.Errorf("acct2 cash = %s, want 110", account.CashBalance)
	}
}
