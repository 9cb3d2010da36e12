// Package store defines the persistence interface for the execution engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/goalflow/execution-engine/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert collides with an existing id.
// Fill ingestion relies on it to make re-processing a no-op.
var ErrDuplicate = errors.New("duplicate id")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for hot order reads.
type Store interface {
	// --- Trade intents ---

	// InsertIntent persists a new immutable trade intent.
	InsertIntent(ctx context.Context, intent *model.TradeIntent) error

	// GetIntent retrieves an intent by id.
	GetIntent(ctx context.Context, id string) (*model.TradeIntent, error)

	// PendingIntents returns the batch's intents not yet claimed by an order
	// and not yet settled, in insertion (submission) order.
	PendingIntents(ctx context.Context, batchID string) ([]model.TradeIntent, error)

	// MarkIntentSettled flags an intent as fully distributed.
	MarkIntentSettled(ctx context.Context, id string) error

	// --- Net orders ---

	// CreateOrder persists a new order and claims its contributing intents.
	// Exactly one order ever claims an intent.
	CreateOrder(ctx context.Context, order *model.NetOrder) error

	// GetOrder retrieves an order by id.
	GetOrder(ctx context.Context, id string) (*model.NetOrder, error)

	// ListOrders returns all orders, newest first.
	ListOrders(ctx context.Context) ([]model.NetOrder, error)

	// UpdateOrderState sets the lifecycle state (and, on completion, the
	// fill classification) of an order.
	UpdateOrderState(ctx context.Context, id string, state model.OrderState, info model.FillInfo) error

	// SetBrokerRef records the broker's order reference. The first write
	// wins; the winning ref is returned so retried sends detect duplicates.
	SetBrokerRef(ctx context.Context, id, ref string) (string, error)

	// AddFilledVolume adds a fill's signed volume to the order's counter.
	AddFilledVolume(ctx context.Context, id string, delta decimal.Decimal) error

	// SetOrderParked halts or resumes automated processing for an order.
	SetOrderParked(ctx context.Context, id string, parked bool) error

	// IntentsForOrder returns the order's contributing intents in
	// submission order.
	IntentsForOrder(ctx context.Context, orderID string) ([]model.TradeIntent, error)

	// --- Fills (immutable, append-only) ---

	// InsertFill appends a fill; ErrDuplicate if the fill id was seen before.
	InsertFill(ctx context.Context, fill *model.Fill) error

	// FillsForOrder returns all fills for an order in execution order.
	FillsForOrder(ctx context.Context, orderID string) ([]model.Fill, error)

	// --- Distributions ---

	// InsertDistribution appends a distribution record.
	InsertDistribution(ctx context.Context, dist *model.Distribution) error

	// DistributionsForIntent returns all distributions for one intent.
	DistributionsForIntent(ctx context.Context, intentID string) ([]model.Distribution, error)

	// DistributionsForOrder returns all distributions across an order's fills.
	DistributionsForOrder(ctx context.Context, orderID string) ([]model.Distribution, error)

	// DistributedByIntent returns Σ|distribution.volume| per contributing
	// intent of an order.
	DistributedByIntent(ctx context.Context, orderID string) (map[string]decimal.Decimal, error)

	// --- Lots and realized gains (permanent tax history) ---

	// InsertLot persists a new lot created by a buy distribution.
	InsertLot(ctx context.Context, lot *model.Lot) error

	// OpenLots returns lots with remaining quantity for one owner and
	// instrument, oldest acquisition first (FIFO order).
	OpenLots(ctx context.Context, goalID string, inst model.InstrumentRef) ([]model.Lot, error)

	// LotsByGoal returns all lots owned by a goal.
	LotsByGoal(ctx context.Context, goalID string) ([]model.Lot, error)

	// UpdateLotQuantity sets a lot's remaining quantity after consumption.
	UpdateLotQuantity(ctx context.Context, lotID string, remaining decimal.Decimal) error

	// InsertRealizedGainLoss appends a realized gain/loss record.
	InsertRealizedGainLoss(ctx context.Context, rgl *model.RealizedGainLoss) error

	// RealizedGainsByGoal returns a goal's realized gains, oldest first.
	RealizedGainsByGoal(ctx context.Context, goalID string) ([]model.RealizedGainLoss, error)

	// --- Cash ledger ---

	// UpsertAccount creates or replaces an account cash row.
	UpsertAccount(ctx context.Context, account *model.Account) error

	// GetAccount retrieves an account by id.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// ListAccounts returns all accounts.
	ListAccounts(ctx context.Context) ([]model.Account, error)

	// SetAccountCash updates an account's cash balance.
	SetAccountCash(ctx context.Context, id string, balance decimal.Decimal) error

	// UpsertGoalCash creates or replaces a goal cash row.
	UpsertGoalCash(ctx context.Context, gc *model.GoalCash) error

	// GoalCashTotal returns Σ goal cash for an account.
	GoalCashTotal(ctx context.Context, accountID string) (decimal.Decimal, error)

	// --- Instrument mid prices ---

	// SetMidPrice records the last-known mid price for an instrument.
	SetMidPrice(ctx context.Context, inst model.InstrumentRef, price decimal.Decimal) error

	// MidPrice returns the last-known mid price for an instrument.
	MidPrice(ctx context.Context, inst model.InstrumentRef) (decimal.Decimal, error)

	// --- Manual review queue ---

	// InsertDiscrepancy appends a manual-review record.
	InsertDiscrepancy(ctx context.Context, d *model.Discrepancy) error

	// OpenDiscrepancies returns unresolved discrepancies, oldest first.
	OpenDiscrepancies(ctx context.Context) ([]model.Discrepancy, error)

	// ResolveDiscrepancy marks a discrepancy as handled by an operator.
	ResolveDiscrepancy(ctx context.Context, id string) error
}
