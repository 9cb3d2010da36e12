// Package fills ingests broker fill reports, distributes executed volume back
// to the contributing trade intents, and drives the resulting lot-ledger
// updates. Each fill is distributed exactly once, under a per-order lock.
package fills

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/goalflow/execution-engine/internal/lots"
	"github.com/goalflow/execution-engine/internal/metrics"
	"github.com/goalflow/execution-engine/internal/model"
	"github.com/goalflow/execution-engine/internal/store"
)

// Distributor splits a fill's volume across the order's contributing intents
// in submission order: each intent in turn receives up to its remaining
// undistributed magnitude until the fill is exhausted. The signed sum of an
// order's distributions always equals its accumulated fill volume, and no
// intent ever receives more than it asked for.
type Distributor struct {
	store  store.Store
	ledger *lots.Ledger
	log    *slog.Logger
}

// NewDistributor creates a distributor over the given store and lot ledger.
func NewDistributor(st store.Store, ledger *lots.Ledger, log *slog.Logger) *Distributor {
	return &Distributor{store: st, ledger: ledger, log: log}
}

// Distribute attributes fill.Volume across order's intents and applies each
// resulting distribution to the lot ledger. Returns the distributions written.
//
// Intents whose sign opposes the order's net direction cannot be satisfied by
// the broker fill itself; they execute against matching same-direction volume
// inside the order, at the fill price, on the first fill that prices them.
// The remaining same-direction intents are then walked in submission order
// (order.IntentIDs order as persisted), each receiving up to its remaining
// undistributed magnitude. Signed takes sum to fill.Volume, and every intent
// is exhausted exactly when the order's fills reach its net volume.
func (d *Distributor) Distribute(ctx context.Context, order *model.NetOrder, fill *model.Fill) ([]model.Distribution, error) {
	intents, err := d.store.IntentsForOrder(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("load intents for order %s: %w", order.ID, err)
	}
	distributed, err := d.store.DistributedByIntent(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("load distributed volumes for order %s: %w", order.ID, err)
	}

	sellSide := order.Volume.IsNegative()
	var written []model.Distribution

	// Cross the opposing side first, in full.
	cross := decimal.Zero
	for i := range intents {
		intent := &intents[i]
		if intent.Volume.IsNegative() == sellSide {
			continue
		}
		capacity := intent.Volume.Abs().Sub(distributed[intent.ID])
		if !capacity.IsPositive() {
			continue
		}
		dist, err := d.apply(ctx, order, intent, fill, capacity, capacity)
		if err != nil {
			return written, err
		}
		written = append(written, *dist)
		cross = cross.Add(capacity)
	}

	// The same-direction walk covers the internal cross plus the fill itself.
	remaining := fill.Volume.Abs().Add(cross)
	for i := range intents {
		if remaining.IsZero() {
			break
		}
		intent := &intents[i]
		if intent.Volume.IsNegative() != sellSide {
			continue
		}
		capacity := intent.Volume.Abs().Sub(distributed[intent.ID])
		if !capacity.IsPositive() {
			continue
		}
		take := decimal.Min(remaining, capacity)
		dist, err := d.apply(ctx, order, intent, fill, take, capacity)
		if err != nil {
			return written, err
		}
		written = append(written, *dist)
		remaining = remaining.Sub(take)
	}

	if !remaining.IsZero() {
		// The processor validated |fill| ≤ order remaining before calling
		// us, so undistributable residue means the intent claims and the
		// order volume disagree. That is a bookkeeping fault, not a broker
		// fault; surface it loudly.
		return written, fmt.Errorf("fill %s: %s undistributable after exhausting intents of order %s",
			fill.ID, remaining, order.ID)
	}
	return written, nil
}

// apply writes one distribution of the given magnitude, signed by the
// intent's direction. The lot ledger goes first: a rejected sell (oversold)
// must leave no distribution row behind. The intent settles when the take
// exhausts its capacity.
func (d *Distributor) apply(ctx context.Context, order *model.NetOrder, intent *model.TradeIntent, fill *model.Fill, take, capacity decimal.Decimal) (*model.Distribution, error) {
	signed := take
	if intent.Volume.IsNegative() {
		signed = take.Neg()
	}

	dist := model.Distribution{
		ID:        uuid.New().String(),
		IntentID:  intent.ID,
		FillID:    fill.ID,
		Volume:    signed,
		Price:     fill.Price,
		CreatedAt: time.Now().UTC(),
	}

	gains, err := d.ledger.Apply(ctx, intent.GoalID, order.Instrument, &dist, fill.ExecutedAt)
	if err != nil {
		return nil, err
	}
	if err := d.store.InsertDistribution(ctx, &dist); err != nil {
		return nil, fmt.Errorf("insert distribution for intent %s: %w", intent.ID, err)
	}
	metrics.DistributionsTotal.Inc()
	for _, g := range gains {
		metrics.RealizedGains.WithLabelValues(string(g.Period)).Inc()
	}

	if take.Equal(capacity) {
		if err := d.store.MarkIntentSettled(ctx, intent.ID); err != nil {
			return nil, fmt.Errorf("settle intent %s: %w", intent.ID, err)
		}
	}

	d.log.Debug("distributed fill volume",
		"order_id", order.ID,
		"fill_id", fill.ID,
		"intent_id", intent.ID,
		"volume", signed.String(),
		"price", fill.Price.String())
	return &dist, nil
}

// DistributeZeroNet writes the synthetic zero-volume distributions for a set
// of intents whose batch netted to zero for one instrument. No order and no
// fill exist; each intent gets a zero-volume record at the instrument's mid
// price so downstream consumers see uniform evidence of processing.
func (d *Distributor) DistributeZeroNet(ctx context.Context, intents []model.TradeIntent, mid decimal.Decimal) error {
	for i := range intents {
		intent := &intents[i]
		dist := model.Distribution{
			ID:        uuid.New().String(),
			IntentID:  intent.ID,
			Volume:    decimal.Zero,
			Price:     mid,
			CreatedAt: time.Now().UTC(),
		}
		if err := d.store.InsertDistribution(ctx, &dist); err != nil {
			return fmt.Errorf("insert zero-net distribution for intent %s: %w", intent.ID, err)
		}
		metrics.DistributionsTotal.Inc()

		if err := d.store.MarkIntentSettled(ctx, intent.ID); err != nil {
			return fmt.Errorf("settle zero-net intent %s: %w", intent.ID, err)
		}
	}
	return nil
}
