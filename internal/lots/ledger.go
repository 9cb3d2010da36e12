// Package lots maintains per-goal, per-instrument FIFO share inventory and
// realizes gain/loss when sells consume acquired lots.
package lots

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/goalflow/execution-engine/internal/model"
	"github.com/goalflow/execution-engine/internal/store"
)

// ErrOversold is returned when a sell distribution exceeds the open lot
// inventory for the owner/instrument. The distribution must be rejected
// rather than creating a negative lot; the fault goes to manual review.
var ErrOversold = errors.New("sell exceeds open lot inventory")

// longTermHolding is the holding period at which a realized gain classifies
// as LONG. The boundary is inclusive: exactly 365 days is LONG.
const longTermHolding = 365 * 24 * time.Hour

// Ledger applies distributions to lot inventory.
type Ledger struct {
	store store.Store
}

// NewLedger creates a lot ledger over the given store.
func NewLedger(st store.Store) *Ledger {
	return &Ledger{store: st}
}

// Apply records the lot-inventory effect of one distribution. A positive
// volume creates a new lot at the distribution price; a negative volume
// consumes open lots FIFO and returns the realized gains, one per lot
// touched. Zero-volume distributions (zero-net no-trades) are no-ops.
//
// executedAt is the fill's execution time: it becomes the acquisition time
// of new lots and the realization time of sales.
func (l *Ledger) Apply(ctx context.Context, goalID string, inst model.InstrumentRef, dist *model.Distribution, executedAt time.Time) ([]model.RealizedGainLoss, error) {
	switch {
	case dist.Volume.IsPositive():
		lot := &model.Lot{
			ID:                uuid.New().String(),
			GoalID:            goalID,
			Instrument:        inst,
			QuantityRemaining: dist.Volume,
			UnitCost:          dist.Price,
			AcquiredAt:        executedAt,
		}
		if err := l.store.InsertLot(ctx, lot); err != nil {
			return nil, fmt.Errorf("create lot for intent %s: %w", dist.IntentID, err)
		}
		return nil, nil

	case dist.Volume.IsNegative():
		return l.consume(ctx, goalID, inst, dist, executedAt)

	default:
		return nil, nil
	}
}

// consume walks open lots oldest-first, splitting the sale across lots and
// realizing gain/loss per lot consumed.
func (l *Ledger) consume(ctx context.Context, goalID string, inst model.InstrumentRef, dist *model.Distribution, executedAt time.Time) ([]model.RealizedGainLoss, error) {
	toSell := dist.Volume.Abs()

	open, err := l.store.OpenLots(ctx, goalID, inst)
	if err != nil {
		return nil, err
	}

	available := decimal.Zero
	for _, lot := range open {
		available = available.Add(lot.QuantityRemaining)
	}
	if available.LessThan(toSell) {
		return nil, fmt.Errorf("%w: goal %s %s has %s, sell wants %s",
			ErrOversold, goalID, inst, available, toSell)
	}

	var gains []model.RealizedGainLoss
	for _, lot := range open {
		if toSell.IsZero() {
			break
		}
		take := decimal.Min(toSell, lot.QuantityRemaining)

		basis := lot.UnitCost.Mul(take)
		proceeds := dist.Price.Mul(take)
		gain := model.RealizedGainLoss{
			ID:           uuid.New().String(),
			GoalID:       goalID,
			Instrument:   inst,
			LotID:        lot.ID,
			SharesSold:   take,
			CostBasis:    basis,
			SaleProceeds: proceeds,
			Amount:       proceeds.Sub(basis),
			Period:       classify(lot.AcquiredAt, executedAt),
			RealizedAt:   executedAt,
		}
		if err := l.store.InsertRealizedGainLoss(ctx, &gain); err != nil {
			return nil, err
		}
		if err := l.store.UpdateLotQuantity(ctx, lot.ID, lot.QuantityRemaining.Sub(take)); err != nil {
			return nil, err
		}

		gains = append(gains, gain)
		toSell = toSell.Sub(take)
	}

	return gains, nil
}

// classify returns LONG when the holding period reaches 365 days, SHORT
// otherwise. Exactly 365 days is LONG.
func classify(acquiredAt, realizedAt time.Time) model.HoldingPeriod {
	if realizedAt.Sub(acquiredAt) >= longTermHolding {
		return model.HoldingLong
	}
	return model.HoldingShort
}

// Inventory returns the total open quantity for one owner/instrument.
func (l *Ledger) Inventory(ctx context.Context, goalID string, inst model.InstrumentRef) (decimal.Decimal, error) {
	open, err := l.store.OpenLots(ctx, goalID, inst)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, lot := range open {
		total = total.Add(lot.QuantityRemaining)
	}
	return total, nil
}
