package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/goalflow/execution-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	intents     map[string]*model.TradeIntent
	intentOrder []string          // insertion order of intent ids
	claimed     map[string]string // intent id → order id
	orders      map[string]*model.NetOrder
	fills       map[string]*model.Fill
	fillOrder   []string // insertion order of fill ids
	dists       []model.Distribution
	lots        map[string]*model.Lot
	lotOrder    []string
	gains       []model.RealizedGainLoss
	accounts    map[string]*model.Account
	goalCash    map[string]*model.GoalCash
	mids        map[string]decimal.Decimal
	reviews     map[string]*model.Discrepancy
	reviewOrder []string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents:  make(map[string]*model.TradeIntent),
		claimed:  make(map[string]string),
		orders:   make(map[string]*model.NetOrder),
		fills:    make(map[string]*model.Fill),
		lots:     make(map[string]*model.Lot),
		accounts: make(map[string]*model.Account),
		goalCash: make(map[string]*model.GoalCash),
		mids:     make(map[string]decimal.Decimal),
		reviews:  make(map[string]*model.Discrepancy),
	}
}

// --- Trade intents ---

func (s *MemoryStore) InsertIntent(_ context.Context, intent *model.TradeIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.intents[intent.ID]; ok {
		return fmt.Errorf("intent %s: %w", intent.ID, ErrDuplicate)
	}
	cp := *intent
	s.intents[intent.ID] = &cp
	s.intentOrder = append(s.intentOrder, intent.ID)
	return nil
}

func (s *MemoryStore) GetIntent(_ context.Context, id string) (*model.TradeIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.intents[id]
	if !ok {
		return nil, fmt.Errorf("intent %s: %w", id, ErrNotFound)
	}
	cp := *in
	return &cp, nil
}

func (s *MemoryStore) PendingIntents(_ context.Context, batchID string) ([]model.TradeIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeIntent
	for _, id := range s.intentOrder {
		in := s.intents[id]
		if in.BatchID != batchID || in.Settled {
			continue
		}
		if _, taken := s.claimed[id]; taken {
			continue
		}
		result = append(result, *in)
	}
	return result, nil
}

func (s *MemoryStore) MarkIntentSettled(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[id]
	if !ok {
		return fmt.Errorf("intent %s: %w", id, ErrNotFound)
	}
	in.Settled = true
	return nil
}

// --- Net orders ---

func (s *MemoryStore) CreateOrder(_ context.Context, order *model.NetOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[order.ID]; ok {
		return fmt.Errorf("order %s: %w", order.ID, ErrDuplicate)
	}
	for _, intentID := range order.IntentIDs {
		if prior, taken := s.claimed[intentID]; taken {
			return fmt.Errorf("intent %s already claimed by order %s", intentID, prior)
		}
	}
	for _, intentID := range order.IntentIDs {
		s.claimed[intentID] = order.ID
	}
	cp := *order
	cp.IntentIDs = append([]string(nil), order.IntentIDs...)
	s.orders[order.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.NetOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getOrderLocked(id)
}

func (s *MemoryStore) getOrderLocked(id string) (*model.NetOrder, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	cp := *o
	cp.IntentIDs = append([]string(nil), o.IntentIDs...)
	return &cp, nil
}

func (s *MemoryStore) ListOrders(_ context.Context) ([]model.NetOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]model.NetOrder, 0, len(s.orders))
	for _, o := range s.orders {
		cp := *o
		cp.IntentIDs = append([]string(nil), o.IntentIDs...)
		orders = append(orders, cp)
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

func (s *MemoryStore) UpdateOrderState(_ context.Context, id string, state model.OrderState, info model.FillInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	o.State = state
	if info != model.FillInfoNone {
		o.FillInfo = info
	}
	if state == model.StateComplete && o.CompletedAt == nil {
		now := time.Now().UTC()
		o.CompletedAt = &now
	}
	return nil
}

func (s *MemoryStore) SetBrokerRef(_ context.Context, id, ref string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return "", fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if o.BrokerRef != "" {
		return o.BrokerRef, nil
	}
	o.BrokerRef = ref
	return ref, nil
}

func (s *MemoryStore) AddFilledVolume(_ context.Context, id string, delta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	o.FilledVolume = o.FilledVolume.Add(delta)
	return nil
}

func (s *MemoryStore) SetOrderParked(_ context.Context, id string, parked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	o.Parked = parked
	return nil
}

func (s *MemoryStore) IntentsForOrder(_ context.Context, orderID string) ([]model.TradeIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	intents := make([]model.TradeIntent, 0, len(o.IntentIDs))
	for _, id := range o.IntentIDs {
		in, ok := s.intents[id]
		if !ok {
			return nil, fmt.Errorf("intent %s: %w", id, ErrNotFound)
		}
		intents = append(intents, *in)
	}
	return intents, nil
}

// --- Fills ---

func (s *MemoryStore) InsertFill(_ context.Context, fill *model.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.fills[fill.ID]; ok {
		return fmt.Errorf("fill %s: %w", fill.ID, ErrDuplicate)
	}
	cp := *fill
	s.fills[fill.ID] = &cp
	s.fillOrder = append(s.fillOrder, fill.ID)
	return nil
}

func (s *MemoryStore) FillsForOrder(_ context.Context, orderID string) ([]model.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Fill
	for _, id := range s.fillOrder {
		if f := s.fills[id]; f.OrderID == orderID {
			result = append(result, *f)
		}
	}
	return result, nil
}

// --- Distributions ---

func (s *MemoryStore) InsertDistribution(_ context.Context, dist *model.Distribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dists = append(s.dists, *dist)
	return nil
}

func (s *MemoryStore) DistributionsForIntent(_ context.Context, intentID string) ([]model.Distribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Distribution
	for _, d := range s.dists {
		if d.IntentID == intentID {
			result = append(result, d)
		}
	}
	return result, nil
}

func (s *MemoryStore) DistributionsForOrder(_ context.Context, orderID string) ([]model.Distribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	members := make(map[string]bool, len(o.IntentIDs))
	for _, id := range o.IntentIDs {
		members[id] = true
	}
	var result []model.Distribution
	for _, d := range s.dists {
		if members[d.IntentID] {
			result = append(result, d)
		}
	}
	return result, nil
}

func (s *MemoryStore) DistributedByIntent(_ context.Context, orderID string) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	totals := make(map[string]decimal.Decimal, len(o.IntentIDs))
	for _, id := range o.IntentIDs {
		totals[id] = decimal.Zero
	}
	for _, d := range s.dists {
		if _, member := totals[d.IntentID]; member {
			totals[d.IntentID] = totals[d.IntentID].Add(d.Volume.Abs())
		}
	}
	return totals, nil
}

// --- Lots and realized gains ---

func (s *MemoryStore) InsertLot(_ context.Context, lot *model.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lots[lot.ID]; ok {
		return fmt.Errorf("lot %s: %w", lot.ID, ErrDuplicate)
	}
	cp := *lot
	s.lots[lot.ID] = &cp
	s.lotOrder = append(s.lotOrder, lot.ID)
	return nil
}

func (s *MemoryStore) OpenLots(_ context.Context, goalID string, inst model.InstrumentRef) ([]model.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Lot
	for _, id := range s.lotOrder {
		l := s.lots[id]
		if l.GoalID != goalID || l.Instrument != inst || !l.QuantityRemaining.IsPositive() {
			continue
		}
		result = append(result, *l)
	}
	// Oldest acquisition first; insertion order breaks ties.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].AcquiredAt.Before(result[j].AcquiredAt)
	})
	return result, nil
}

func (s *MemoryStore) LotsByGoal(_ context.Context, goalID string) ([]model.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Lot
	for _, id := range s.lotOrder {
		if l := s.lots[id]; l.GoalID == goalID {
			result = append(result, *l)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpdateLotQuantity(_ context.Context, lotID string, remaining decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lots[lotID]
	if !ok {
		return fmt.Errorf("lot %s: %w", lotID, ErrNotFound)
	}
	l.QuantityRemaining = remaining
	return nil
}

func (s *MemoryStore) InsertRealizedGainLoss(_ context.Context, rgl *model.RealizedGainLoss) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gains = append(s.gains, *rgl)
	return nil
}

func (s *MemoryStore) RealizedGainsByGoal(_ context.Context, goalID string) ([]model.RealizedGainLoss, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.RealizedGainLoss
	for _, g := range s.gains {
		if g.GoalID == goalID {
			result = append(result, g)
		}
	}
	return result, nil
}

// --- Cash ledger ---

func (s *MemoryStore) UpsertAccount(_ context.Context, account *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *account
	s.accounts[account.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, *a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}

func (s *MemoryStore) SetAccountCash(_ context.Context, id string, balance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	a.CashBalance = balance
	return nil
}

func (s *MemoryStore) UpsertGoalCash(_ context.Context, gc *model.GoalCash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *gc
	s.goalCash[gc.GoalID] = &cp
	return nil
}

func (s *MemoryStore) GoalCashTotal(_ context.Context, accountID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, gc := range s.goalCash {
		if gc.AccountID == accountID {
			total = total.Add(gc.Balance)
		}
	}
	return total, nil
}

// --- Instrument mid prices ---

func (s *MemoryStore) SetMidPrice(_ context.Context, inst model.InstrumentRef, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mids[inst.String()] = price
	return nil
}

func (s *MemoryStore) MidPrice(_ context.Context, inst model.InstrumentRef) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	price, ok := s.mids[inst.String()]
	if !ok {
		return decimal.Zero, fmt.Errorf("mid price for %s: %w", inst, ErrNotFound)
	}
	return price, nil
}

// --- Manual review queue ---

func (s *MemoryStore) InsertDiscrepancy(_ context.Context, d *model.Discrepancy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *d
	s.reviews[d.ID] = &cp
	s.reviewOrder = append(s.reviewOrder, d.ID)
	return nil
}

func (s *MemoryStore) OpenDiscrepancies(_ context.Context) ([]model.Discrepancy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Discrepancy
	for _, id := range s.reviewOrder {
		if d := s.reviews[id]; !d.Resolved {
			result = append(result, *d)
		}
	}
	return result, nil
}

func (s *MemoryStore) ResolveDiscrepancy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.reviews[id]
	if !ok {
		return fmt.Errorf("discrepancy %s: %w", id, ErrNotFound)
	}
	d.Resolved = true
	now := time.Now().UTC()
	d.ResolvedAt = &now
	return nil
}
