// Package batch nets same-instrument trade intents into broker-facing orders
// and drives each order through approval and submission.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/goalflow/execution-engine/internal/fills"
	"github.com/goalflow/execution-engine/internal/metrics"
	"github.com/goalflow/execution-engine/internal/model"
	"github.com/goalflow/execution-engine/internal/store"
)

// Aggregator nets a batch's pending intents per instrument. Instruments whose
// intents net to zero produce no order: the intents are settled with synthetic
// zero-volume distributions at the instrument's mid price.
type Aggregator struct {
	store       store.Store
	distributor *fills.Distributor
	log         *slog.Logger
}

// NewAggregator creates a batch aggregator.
func NewAggregator(st store.Store, distributor *fills.Distributor, log *slog.Logger) *Aggregator {
	return &Aggregator{store: st, distributor: distributor, log: log}
}

// group is the per-instrument working set: contributing intents in submission
// order plus their signed sum.
type group struct {
	instrument model.InstrumentRef
	intents    []model.TradeIntent
	net        decimal.Decimal
}

// Aggregate nets all unclaimed, unsettled intents of one batch and creates a
// PENDING NetOrder per instrument with a nonzero net. Re-running a batch is
// safe: already-claimed intents are not returned by the store, so a second
// run only picks up intents added since the first.
func (a *Aggregator) Aggregate(ctx context.Context, batchID string) ([]model.NetOrder, error) {
	intents, err := a.store.PendingIntents(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("load pending intents for batch %s: %w", batchID, err)
	}
	if len(intents) == 0 {
		return nil, nil
	}

	// Group by instrument, preserving first-seen instrument order and
	// submission order within each group.
	var keys []string
	groups := make(map[string]*group)
	for _, in := range intents {
		key := in.Instrument.String()
		g, ok := groups[key]
		if !ok {
			g = &group{instrument: in.Instrument}
			groups[key] = g
			keys = append(keys, key)
		}
		g.intents = append(g.intents, in)
		g.net = g.net.Add(in.Volume)
	}

	var orders []model.NetOrder
	for _, key := range keys {
		g := groups[key]

		if g.net.IsZero() {
			if err := a.settleZeroNet(ctx, g); err != nil {
				return orders, err
			}
			continue
		}

		order := model.NetOrder{
			ID:         uuid.New().String(),
			Instrument: g.instrument,
			BatchID:    batchID,
			Volume:     g.net,
			State:      model.StatePending,
			IntentIDs:  intentIDs(g.intents),
			CreatedAt:  time.Now().UTC(),
		}
		if err := a.store.CreateOrder(ctx, &order); err != nil {
			return orders, fmt.Errorf("create order for %s: %w", g.instrument, err)
		}
		metrics.OrdersCreated.Inc()

		a.log.Info("net order created",
			"order_id", order.ID,
			"batch_id", batchID,
			"instrument", g.instrument.String(),
			"volume", g.net.String(),
			"intents", len(g.intents))

		orders = append(orders, order)
	}
	return orders, nil
}

// settleZeroNet closes out an instrument group whose intents cancel exactly.
// Every intent still gets a distribution so downstream consumers see the
// batch processed it; the volume is zero and the price is the mid.
func (a *Aggregator) settleZeroNet(ctx context.Context, g *group) error {
	mid, err := a.store.MidPrice(ctx, g.instrument)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("mid price for %s: %w", g.instrument, err)
		}
		a.log.Warn("no mid price for zero-net instrument, recording at zero",
			"instrument", g.instrument.String())
		mid = decimal.Zero
	}

	a.log.Info("batch netted to zero",
		"instrument", g.instrument.String(),
		"intents", len(g.intents))

	return a.distributor.DistributeZeroNet(ctx, g.intents, mid)
}

func intentIDs(intents []model.TradeIntent) []string {
	ids := make([]string, len(intents))
	for i, in := range intents {
		ids[i] = in.ID
	}
	return ids
}
