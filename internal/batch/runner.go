package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/goalflow/execution-engine/internal/broker"
	"github.com/goalflow/execution-engine/internal/fills"
	"github.com/goalflow/execution-engine/internal/lifecycle"
	"github.com/goalflow/execution-engine/internal/metrics"
	"github.com/goalflow/execution-engine/internal/model"
	"github.com/goalflow/execution-engine/internal/store"
	"github.com/goalflow/execution-engine/internal/util"
)

const (
	submitAttempts = 3
	submitBackoff  = 200 * time.Millisecond
)

// Runner drives a batch end to end: aggregate, approve, submit. Orders are
// submitted concurrently, one goroutine per order, bounded by the worker
// limit. A submit failure for one instrument does not block the others.
type Runner struct {
	store      store.Store
	broker     broker.Broker
	aggregator *Aggregator
	processor  *fills.Processor
	workers    int
	log        *slog.Logger

	onEvent func(fills.Event)
}

// NewRunner creates a batch runner. workers bounds concurrent broker
// submissions; values below 1 mean unbounded.
func NewRunner(st store.Store, b broker.Broker, agg *Aggregator, proc *fills.Processor, workers int, log *slog.Logger) *Runner {
	return &Runner{
		store:      st,
		broker:     b,
		aggregator: agg,
		processor:  proc,
		workers:    workers,
		log:        log,
	}
}

// OnEvent registers the event sink for order state notifications.
func (r *Runner) OnEvent(fn func(fills.Event)) { r.onEvent = fn }

func (r *Runner) publish(order *model.NetOrder) {
	if r.onEvent != nil {
		r.onEvent(fills.Event{Type: "order", Payload: order})
	}
}

// Result summarizes one batch run.
type Result struct {
	BatchID string   `json:"batch_id"`
	Orders  []string `json:"order_ids"`
	Sent    int      `json:"sent"`
	Failed  int      `json:"failed"`
}

// Run aggregates the batch and submits every resulting order to the broker.
func (r *Runner) Run(ctx context.Context, batchID string) (*Result, error) {
	start := time.Now()
	defer func() {
		metrics.BatchDuration.Observe(time.Since(start).Seconds())
	}()

	orders, err := r.aggregator.Aggregate(ctx, batchID)
	if err != nil {
		return nil, err
	}

	result := &Result{BatchID: batchID}
	for i := range orders {
		result.Orders = append(result.Orders, orders[i].ID)
	}

	g, gctx := errgroup.WithContext(ctx)
	if r.workers > 0 {
		g.SetLimit(r.workers)
	}

	sent := make([]bool, len(orders))
	for i := range orders {
		i := i
		g.Go(func() error {
			if err := r.sendOrder(gctx, &orders[i]); err != nil {
				r.log.Error("order submission failed",
					"order_id", orders[i].ID,
					"instrument", orders[i].Instrument.String(),
					"error", err)
				return nil // keep the rest of the batch moving
			}
			sent[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	for _, ok := range sent {
		if ok {
			result.Sent++
		} else {
			result.Failed++
		}
	}

	r.log.Info("batch run complete",
		"batch_id", batchID,
		"orders", len(orders),
		"sent", result.Sent,
		"failed", result.Failed,
		"duration", time.Since(start).String())
	return result, nil
}

// sendOrder walks one order PENDING → APPROVED → SENT. The broker submit sits
// between the APPROVED and SENT writes, so fills can race the SENT persist;
// the processor buffers those and DrainBuffered replays them afterwards.
func (r *Runner) sendOrder(ctx context.Context, order *model.NetOrder) error {
	if err := r.transition(ctx, order, model.StateApproved); err != nil {
		return err
	}

	var ref string
	err := util.Retry(ctx, submitAttempts, submitBackoff, func() error {
		var serr error
		ref, serr = r.broker.SubmitOrder(ctx, order)
		return serr
	})
	if err != nil {
		return fmt.Errorf("submit order %s: %w", order.ID, err)
	}

	// First write wins: a crashed-and-retried send that raced another
	// submitter keeps whichever reference was persisted first.
	winner, err := r.store.SetBrokerRef(ctx, order.ID, ref)
	if err != nil {
		return fmt.Errorf("record broker ref for order %s: %w", order.ID, err)
	}
	order.BrokerRef = winner

	if err := r.transition(ctx, order, model.StateSent); err != nil {
		return err
	}

	r.log.Info("order sent",
		"order_id", order.ID,
		"broker", r.broker.Name(),
		"broker_ref", winner,
		"volume", order.Volume.String())

	return r.processor.DrainBuffered(ctx, order.ID)
}

// Cancel requests broker cancellation of a SENT order. The order moves to
// CANCEL_PENDING and keeps accepting fills until the broker reports terminal
// status; cancellation is best-effort, never assumed.
func (r *Runner) Cancel(ctx context.Context, orderID string) (*model.NetOrder, error) {
	order, err := r.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := lifecycle.Validate(order.State, model.StateCancelPending); err != nil {
		return nil, err
	}
	if order.BrokerRef == "" {
		return nil, fmt.Errorf("order %s has no broker reference", orderID)
	}

	if err := r.broker.CancelOrder(ctx, order.BrokerRef); err != nil {
		return nil, fmt.Errorf("cancel order %s at broker: %w", orderID, err)
	}
	if err := r.transition(ctx, order, model.StateCancelPending); err != nil {
		return nil, err
	}

	r.log.Info("cancel requested",
		"order_id", order.ID, "broker_ref", order.BrokerRef)
	return order, nil
}

// transition validates and persists one lifecycle edge, then publishes the
// updated order.
func (r *Runner) transition(ctx context.Context, order *model.NetOrder, to model.OrderState) error {
	if err := lifecycle.Validate(order.State, to); err != nil {
		return err
	}
	if err := r.store.UpdateOrderState(ctx, order.ID, to, order.FillInfo); err != nil {
		return fmt.Errorf("transition order %s to %s: %w", order.ID, to, err)
	}
	order.State = to
	r.publish(order)
	return nil
}
