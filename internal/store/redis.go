package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/goalflow/execution-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot paths: order lookups during fill ingestion and intent
// lookups during distribution. Writes go to the primary store and invalidate
// the cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func orderKey(id string) string  { return fmt.Sprintf("order:%s", id) }
func intentKey(id string) string { return fmt.Sprintf("intent:%s", id) }

// --- Cached reads ---

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.NetOrder, error) {
	data, err := s.rdb.Get(ctx, orderKey(id)).Bytes()
	if err == nil {
		var o model.NetOrder
		if json.Unmarshal(data, &o) == nil {
			return &o, nil
		}
	}

	o, err := s.primary.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheOrder(ctx, o)
	return o, nil
}

func (s *CachedStore) GetIntent(ctx context.Context, id string) (*model.TradeIntent, error) {
	data, err := s.rdb.Get(ctx, intentKey(id)).Bytes()
	if err == nil {
		var in model.TradeIntent
		if json.Unmarshal(data, &in) == nil {
			return &in, nil
		}
	}

	in, err := s.primary.GetIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(in); err == nil {
		s.rdb.Set(ctx, intentKey(id), data, s.ttl)
	}
	return in, nil
}

// --- Invalidating writes ---

func (s *CachedStore) UpdateOrderState(ctx context.Context, id string, state model.OrderState, info model.FillInfo) error {
	if err := s.primary.UpdateOrderState(ctx, id, state, info); err != nil {
		return err
	}
	s.rdb.Del(ctx, orderKey(id))
	return nil
}

func (s *CachedStore) SetBrokerRef(ctx context.Context, id, ref string) (string, error) {
	winner, err := s.primary.SetBrokerRef(ctx, id, ref)
	if err != nil {
		return "", err
	}
	s.rdb.Del(ctx, orderKey(id))
	return winner, nil
}

func (s *CachedStore) AddFilledVolume(ctx context.Context, id string, delta decimal.Decimal) error {
	if err := s.primary.AddFilledVolume(ctx, id, delta); err != nil {
		return err
	}
	s.rdb.Del(ctx, orderKey(id))
	return nil
}

func (s *CachedStore) SetOrderParked(ctx context.Context, id string, parked bool) error {
	if err := s.primary.SetOrderParked(ctx, id, parked); err != nil {
		return err
	}
	s.rdb.Del(ctx, orderKey(id))
	return nil
}

func (s *CachedStore) MarkIntentSettled(ctx context.Context, id string) error {
	if err := s.primary.MarkIntentSettled(ctx, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, intentKey(id))
	return nil
}

func (s *CachedStore) CreateOrder(ctx context.Context, order *model.NetOrder) error {
	if err := s.primary.CreateOrder(ctx, order); err != nil {
		return err
	}
	s.cacheOrder(ctx, order)
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) InsertIntent(ctx context.Context, intent *model.TradeIntent) error {
	return s.primary.InsertIntent(ctx, intent)
}

func (s *CachedStore) PendingIntents(ctx context.Context, batchID string) ([]model.TradeIntent, error) {
	return s.primary.PendingIntents(ctx, batchID)
}

func (s *CachedStore) ListOrders(ctx context.Context) ([]model.NetOrder, error) {
	return s.primary.ListOrders(ctx)
}

func (s *CachedStore) IntentsForOrder(ctx context.Context, orderID string) ([]model.TradeIntent, error) {
	return s.primary.IntentsForOrder(ctx, orderID)
}

func (s *CachedStore) InsertFill(ctx context.Context, fill *model.Fill) error {
	return s.primary.InsertFill(ctx, fill)
}

func (s *CachedStore) FillsForOrder(ctx context.Context, orderID string) ([]model.Fill, error) {
	return s.primary.FillsForOrder(ctx, orderID)
}

func (s *CachedStore) InsertDistribution(ctx context.Context, dist *model.Distribution) error {
	return s.primary.InsertDistribution(ctx, dist)
}

func (s *CachedStore) DistributionsForIntent(ctx context.Context, intentID string) ([]model.Distribution, error) {
	return s.primary.DistributionsForIntent(ctx, intentID)
}

func (s *CachedStore) DistributionsForOrder(ctx context.Context, orderID string) ([]model.Distribution, error) {
	return s.primary.DistributionsForOrder(ctx, orderID)
}

func (s *CachedStore) DistributedByIntent(ctx context.Context, orderID string) (map[string]decimal.Decimal, error) {
	return s.primary.DistributedByIntent(ctx, orderID)
}

func (s *CachedStore) InsertLot(ctx context.Context, lot *model.Lot) error {
	return s.primary.InsertLot(ctx, lot)
}

func (s *CachedStore) OpenLots(ctx context.Context, goalID string, inst model.InstrumentRef) ([]model.Lot, error) {
	return s.primary.OpenLots(ctx, goalID, inst)
}

func (s *CachedStore) LotsByGoal(ctx context.Context, goalID string) ([]model.Lot, error) {
	return s.primary.LotsByGoal(ctx, goalID)
}

func (s *CachedStore) UpdateLotQuantity(ctx context.Context, lotID string, remaining decimal.Decimal) error {
	return s.primary.UpdateLotQuantity(ctx, lotID, remaining)
}

func (s *CachedStore) InsertRealizedGainLoss(ctx context.Context, rgl *model.RealizedGainLoss) error {
	return s.primary.InsertRealizedGainLoss(ctx, rgl)
}

func (s *CachedStore) RealizedGainsByGoal(ctx context.Context, goalID string) ([]model.RealizedGainLoss, error) {
	return s.primary.RealizedGainsByGoal(ctx, goalID)
}

func (s *CachedStore) UpsertAccount(ctx context.Context, account *model.Account) error {
	return s.primary.UpsertAccount(ctx, account)
}

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, id)
}

func (s *CachedStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return s.primary.ListAccounts(ctx)
}

func (s *CachedStore) SetAccountCash(ctx context.Context, id string, balance decimal.Decimal) error {
	return s.primary.SetAccountCash(ctx, id, balance)
}

func (s *CachedStore) UpsertGoalCash(ctx context.Context, gc *model.GoalCash) error {
	return s.primary.UpsertGoalCash(ctx, gc)
}

func (s *CachedStore) GoalCashTotal(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return s.primary.GoalCashTotal(ctx, accountID)
}

func (s *CachedStore) SetMidPrice(ctx context.Context, inst model.InstrumentRef, price decimal.Decimal) error {
	return s.primary.SetMidPrice(ctx, inst, price)
}

func (s *CachedStore) MidPrice(ctx context.Context, inst model.InstrumentRef) (decimal.Decimal, error) {
	return s.primary.MidPrice(ctx, inst)
}

func (s *CachedStore) InsertDiscrepancy(ctx context.Context, d *model.Discrepancy) error {
	return s.primary.InsertDiscrepancy(ctx, d)
}

func (s *CachedStore) OpenDiscrepancies(ctx context.Context) ([]model.Discrepancy, error) {
	return s.primary.OpenDiscrepancies(ctx)
}

func (s *CachedStore) ResolveDiscrepancy(ctx context.Context, id string) error {
	return s.primary.ResolveDiscrepancy(ctx, id)
}

// --- Cache helpers ---

func (s *CachedStore) cacheOrder(ctx context.Context, o *model.NetOrder) {
	if data, err := json.Marshal(o); err == nil {
		s.rdb.Set(ctx, orderKey(o.ID), data, s.ttl)
	}
}
