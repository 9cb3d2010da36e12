package fills

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/goalflow/execution-engine/internal/lifecycle"
	"github.com/goalflow/execution-engine/internal/lots"
	"github.com/goalflow/execution-engine/internal/metrics"
	"github.com/goalflow/execution-engine/internal/model"
	"github.com/goalflow/execution-engine/internal/store"
)

var (
	// ErrOverFill is returned when a fill's magnitude exceeds the order's
	// remaining unfilled volume. The fill is rejected, the order parked, and
	// a discrepancy routed to manual review.
	ErrOverFill = errors.New("fill exceeds order remaining volume")

	// ErrOrderParked is returned for fills against an order halted pending
	// manual review.
	ErrOrderParked = errors.New("order is parked pending manual review")

	// ErrFillBuffered is returned when a fill arrives before the order's
	// SENT state is durable. The fill is held and replayed once the order
	// catches up; the caller should treat this as accepted-not-applied.
	ErrFillBuffered = errors.New("fill buffered awaiting order state")

	// ErrOrderTerminal is returned for fills against a COMPLETE order.
	ErrOrderTerminal = errors.New("order already complete")

	// ErrFillMismatch is returned when a fill's direction opposes the
	// order's. Netting sends one side per instrument, so an opposing fill
	// is a broker-feed fault.
	ErrFillMismatch = errors.New("fill direction opposes order")
)

// Event is a processing notification pushed to subscribers (the websocket
// hub). Payload is JSON-marshalable.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Processor serializes fill application per order and enforces the fill-side
// invariants: duplicate fill ids are no-ops, over-fills park the order, and
// fills that outrun the order's persisted state are buffered until it catches
// up.
type Processor struct {
	store       store.Store
	distributor *Distributor
	log         *slog.Logger

	mu       sync.Mutex
	locks    map[string]*sync.Mutex // order id → lock
	buffered map[string][]model.Fill

	onEvent func(Event) // optional; set by the server to feed the ws hub
}

// NewProcessor creates a fill processor.
func NewProcessor(st store.Store, ledger *lots.Ledger, log *slog.Logger) *Processor {
	return &Processor{
		store:       st,
		distributor: NewDistributor(st, ledger, log),
		log:         log,
		locks:       make(map[string]*sync.Mutex),
		buffered:    make(map[string][]model.Fill),
	}
}

// OnEvent registers the event sink. Must be called before processing starts.
func (p *Processor) OnEvent(fn func(Event)) { p.onEvent = fn }

func (p *Processor) publish(typ string, payload any) {
	if p.onEvent != nil {
		p.onEvent(Event{Type: typ, Payload: payload})
	}
}

// orderLock returns the mutex serializing fills for one order. Locks are
// scoped to a single fill's validation+distribution, never to batch runs.
func (p *Processor) orderLock(orderID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[orderID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[orderID] = l
	}
	return l
}

// ProcessFill validates and applies one broker fill report.
func (p *Processor) ProcessFill(ctx context.Context, fill *model.Fill) error {
	lock := p.orderLock(fill.OrderID)
	lock.Lock()
	defer lock.Unlock()

	return p.applyFill(ctx, fill)
}

// applyFill does the work of ProcessFill; the caller holds the order lock.
func (p *Processor) applyFill(ctx context.Context, fill *model.Fill) error {
	order, err := p.store.GetOrder(ctx, fill.OrderID)
	if err != nil {
		return fmt.Errorf("load order %s: %w", fill.OrderID, err)
	}

	if order.Parked {
		return fmt.Errorf("%w: order %s", ErrOrderParked, order.ID)
	}
	if order.State == model.StateComplete {
		return fmt.Errorf("%w: order %s", ErrOrderTerminal, order.ID)
	}
	if !lifecycle.CanReceiveFills(order.State) {
		// The broker raced ahead of our own state persistence. Hold the
		// fill; the batch runner replays it once the order reaches SENT.
		p.mu.Lock()
		p.buffered[order.ID] = append(p.buffered[order.ID], *fill)
		p.mu.Unlock()
		metrics.FillsBuffered.Inc()
		p.log.Warn("buffered early fill",
			"order_id", order.ID, "fill_id", fill.ID, "order_state", order.State.String())
		return ErrFillBuffered
	}

	if fill.Volume.Sign() != order.Volume.Sign() {
		return fmt.Errorf("%w: order %s volume %s, fill %s volume %s",
			ErrFillMismatch, order.ID, order.Volume, fill.ID, fill.Volume)
	}
	if fill.Volume.Abs().GreaterThan(order.Remaining()) {
		return p.parkOverFill(ctx, order, fill)
	}

	if fill.ReceivedAt.IsZero() {
		fill.ReceivedAt = time.Now().UTC()
	}
	if err := p.store.InsertFill(ctx, fill); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Broker redelivery. The first copy already distributed; this
			// one changes nothing.
			p.log.Info("duplicate fill ignored", "order_id", order.ID, "fill_id", fill.ID)
			return nil
		}
		return fmt.Errorf("insert fill %s: %w", fill.ID, err)
	}

	if err := p.store.AddFilledVolume(ctx, order.ID, fill.Volume); err != nil {
		return fmt.Errorf("accumulate filled volume for order %s: %w", order.ID, err)
	}

	dists, err := p.distributor.Distribute(ctx, order, fill)
	if err != nil {
		if errors.Is(err, lots.ErrOversold) {
			return p.parkOversold(ctx, order, fill, err)
		}
		return err
	}

	metrics.FillsProcessed.Inc()
	p.publish("fill", fill)
	p.publish("distributions", dists)

	// Fully filled orders complete immediately rather than waiting for the
	// broker's terminal status report.
	order, err = p.store.GetOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	if order.Remaining().IsZero() {
		return p.complete(ctx, order)
	}
	return nil
}

// ProcessTerminalStatus applies a broker terminal-status report (the order
// will receive no further fills) and completes the order with the fill
// classification derived from its accumulated volume.
func (p *Processor) ProcessTerminalStatus(ctx context.Context, orderID string) error {
	lock := p.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := p.store.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load order %s: %w", orderID, err)
	}
	if order.Parked {
		// Parked orders stay halted until an operator resolves the
		// discrepancy; a broker status report must not complete them.
		return fmt.Errorf("%w: order %s", ErrOrderParked, order.ID)
	}
	if order.State == model.StateComplete {
		return nil // redelivered terminal status, nothing to do
	}
	if err := lifecycle.Validate(order.State, model.StateComplete); err != nil {
		return err
	}
	return p.complete(ctx, order)
}

// complete transitions an order to COMPLETE with its fill classification.
// The caller holds the order lock and has validated the transition.
func (p *Processor) complete(ctx context.Context, order *model.NetOrder) error {
	info := lifecycle.Classify(order.Volume, order.FilledVolume)
	if err := p.store.UpdateOrderState(ctx, order.ID, model.StateComplete, info); err != nil {
		return fmt.Errorf("complete order %s: %w", order.ID, err)
	}
	metrics.OrdersCompleted.WithLabelValues(string(info)).Inc()

	p.log.Info("order complete",
		"order_id", order.ID,
		"instrument", order.Instrument.String(),
		"volume", order.Volume.String(),
		"filled", order.FilledVolume.String(),
		"fill_info", string(info))

	order.State = model.StateComplete
	order.FillInfo = info
	p.publish("order", order)
	return nil
}

// DrainBuffered replays fills held for an order, in arrival order. Called by
// the batch runner after the order's SENT state is durable.
func (p *Processor) DrainBuffered(ctx context.Context, orderID string) error {
	p.mu.Lock()
	held := p.buffered[orderID]
	delete(p.buffered, orderID)
	p.mu.Unlock()

	if len(held) == 0 {
		return nil
	}

	lock := p.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	for i := range held {
		if err := p.applyFill(ctx, &held[i]); err != nil && !errors.Is(err, ErrFillBuffered) {
			return err
		}
	}
	return nil
}

// parkOverFill rejects a fill exceeding remaining volume: park the order,
// write the discrepancy, surface the error.
func (p *Processor) parkOverFill(ctx context.Context, order *model.NetOrder, fill *model.Fill) error {
	d := &model.Discrepancy{
		ID:         uuid.New().String(),
		Kind:       model.DiscrepancyOverFill,
		OrderID:    order.ID,
		Instrument: order.Instrument.String(),
		Expected:   order.Remaining(),
		Actual:     fill.Volume.Abs(),
		Message: fmt.Sprintf("fill %s reports %s but order %s has only %s remaining",
			fill.ID, fill.Volume.Abs(), order.ID, order.Remaining()),
		DetectedAt: time.Now().UTC(),
	}
	if err := p.park(ctx, order, d); err != nil {
		return err
	}
	return fmt.Errorf("%w: order %s remaining %s, fill %s",
		ErrOverFill, order.ID, order.Remaining(), fill.Volume.Abs())
}

// parkOversold handles a sell distribution that exceeded lot inventory. The
// fill and any distributions written before the fault stand; the order is
// parked so no further automated processing touches it.
func (p *Processor) parkOversold(ctx context.Context, order *model.NetOrder, fill *model.Fill, cause error) error {
	d := &model.Discrepancy{
		ID:         uuid.New().String(),
		Kind:       model.DiscrepancyOversold,
		OrderID:    order.ID,
		Instrument: order.Instrument.String(),
		Expected:   decimal.Zero,
		Actual:     fill.Volume.Abs(),
		Message:    fmt.Sprintf("fill %s: %v", fill.ID, cause),
		DetectedAt: time.Now().UTC(),
	}
	if err := p.park(ctx, order, d); err != nil {
		return err
	}
	return cause
}

func (p *Processor) park(ctx context.Context, order *model.NetOrder, d *model.Discrepancy) error {
	if err := p.store.SetOrderParked(ctx, order.ID, true); err != nil {
		return fmt.Errorf("park order %s: %w", order.ID, err)
	}
	if err := p.store.InsertDiscrepancy(ctx, d); err != nil {
		return fmt.Errorf("record discrepancy for order %s: %w", order.ID, err)
	}
	metrics.DiscrepanciesTotal.WithLabelValues(string(d.Kind)).Inc()

	p.log.Error("order parked",
		"order_id", order.ID,
		"kind", string(d.Kind),
		"expected", d.Expected.String(),
		"actual", d.Actual.String(),
		"message", d.Message)

	p.publish("discrepancy", d)
	return nil
}
