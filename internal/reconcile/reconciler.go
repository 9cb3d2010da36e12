// Package reconcile compares broker-reported cash against the internal cash
// ledger and books the difference, account by account.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/goalflow/execution-engine/internal/broker"
	"github.com/goalflow/execution-engine/internal/metrics"
	"github.com/goalflow/execution-engine/internal/model"
	"github.com/goalflow/execution-engine/internal/store"
)

// ErrCashShortfall is returned when the broker reports less cash than the
// ledger can absorb: the withdrawal needed to balance exceeds the account's
// own cash. The ledger is left untouched and the fault goes to manual review.
var ErrCashShortfall = errors.New("cash shortfall exceeds account balance")

// Outcome reports one account's reconciliation.
type Outcome struct {
	AccountID  string          `json:"account_id"`
	BrokerCash decimal.Decimal `json:"broker_cash"`
	LedgerCash decimal.Decimal `json:"ledger_cash"` // account cash + Σ goal cash
	Difference decimal.Decimal `json:"difference"`  // broker − ledger
	Adjusted   bool            `json:"adjusted"`
}

// Reconciler books broker/ledger cash differences into account cash.
type Reconciler struct {
	store  store.Store
	broker broker.Broker
	log    *slog.Logger
}

// NewReconciler creates a cash reconciler.
func NewReconciler(st store.Store, b broker.Broker, log *slog.Logger) *Reconciler {
	return &Reconciler{store: st, broker: b, log: log}
}

// Account reconciles one account. The difference between broker cash and the
// ledger total (account cash plus the sum of its goals' cash) is booked
// against account cash: a positive difference is deposited, a negative one
// withdrawn. A withdrawal larger than the account's cash would force a goal's
// balance negative; that is fatal and leaves the ledger unchanged.
func (r *Reconciler) Account(ctx context.Context, accountID string) (*Outcome, error) {
	account, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", accountID, err)
	}

	brokerCash, err := r.broker.AccountCash(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("broker cash for account %s: %w", accountID, err)
	}

	goalTotal, err := r.store.GoalCashTotal(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("goal cash total for account %s: %w", accountID, err)
	}

	ledgerCash := account.CashBalance.Add(goalTotal)
	difference := brokerCash.Sub(ledgerCash)

	out := &Outcome{
		AccountID:  accountID,
		BrokerCash: brokerCash,
		LedgerCash: ledgerCash,
		Difference: difference,
	}

	if difference.IsZero() {
		return out, nil
	}

	if difference.IsNegative() {
		shortfall := difference.Neg()
		if shortfall.GreaterThan(account.CashBalance) {
			return out, r.recordShortfall(ctx, accountID, account.CashBalance, shortfall)
		}
	}

	newBalance := account.CashBalance.Add(difference)
	if err := r.store.SetAccountCash(ctx, accountID, newBalance); err != nil {
		return out, fmt.Errorf("adjust cash for account %s: %w", accountID, err)
	}
	out.Adjusted = true

	r.log.Info("cash reconciled",
		"account_id", accountID,
		"broker_cash", brokerCash.String(),
		"ledger_cash", ledgerCash.String(),
		"difference", difference.String())
	return out, nil
}

// All reconciles every known account. Per-account failures are logged and do
// not stop the sweep; the first error is returned after all accounts ran.
func (r *Reconciler) All(ctx context.Context) ([]Outcome, error) {
	accounts, err := r.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	var outcomes []Outcome
	var firstErr error
	for _, a := range accounts {
		out, err := r.Account(ctx, a.ID)
		if err != nil {
			r.log.Error("account reconciliation failed", "account_id", a.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		outcomes = append(outcomes, *out)
	}
	return outcomes, firstErr
}

func (r *Reconciler) recordShortfall(ctx context.Context, accountID string, available, shortfall decimal.Decimal) error {
	d := &model.Discrepancy{
		ID:        uuid.New().String(),
		Kind:      model.DiscrepancyCashShortfall,
		AccountID: accountID,
		Expected:  available,
		Actual:    shortfall,
		Message: fmt.Sprintf("broker cash short by %s but account %s holds only %s",
			shortfall, accountID, available),
		DetectedAt: time.Now().UTC(),
	}
	if err := r.store.InsertDiscrepancy(ctx, d); err != nil {
		return fmt.Errorf("record cash shortfall for account %s: %w", accountID, err)
	}
	metrics.DiscrepanciesTotal.WithLabelValues(string(d.Kind)).Inc()

	r.log.Error("cash shortfall",
		"account_id", accountID,
		"available", available.String(),
		"shortfall", shortfall.String())

	return fmt.Errorf("%w: account %s short %s with %s available",
		ErrCashShortfall, accountID, shortfall, available)
}
