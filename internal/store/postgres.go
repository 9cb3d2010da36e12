package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/goalflow/execution-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All volumes, prices, and cash balances are stored as NUMERIC for exact
// decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS trade_intents (
	seq         BIGSERIAL,
	id          TEXT PRIMARY KEY,
	goal_id     TEXT NOT NULL,
	account_id  TEXT NOT NULL,
	kind        TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	volume      NUMERIC NOT NULL,
	batch_id    TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	settled     BOOLEAN NOT NULL DEFAULT FALSE,
	order_id    TEXT
);
CREATE INDEX IF NOT EXISTS idx_trade_intents_batch ON trade_intents (batch_id) WHERE order_id IS NULL;
CREATE INDEX IF NOT EXISTS idx_trade_intents_order ON trade_intents (order_id);

CREATE TABLE IF NOT EXISTS net_orders (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	batch_id      TEXT NOT NULL,
	volume        NUMERIC NOT NULL,
	filled_volume NUMERIC NOT NULL DEFAULT 0,
	state         INT NOT NULL DEFAULT 0,
	fill_info     TEXT NOT NULL DEFAULT '',
	broker_ref    TEXT NOT NULL DEFAULT '',
	parked        BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ,
	UNIQUE (kind, symbol, batch_id)
);

CREATE TABLE IF NOT EXISTS fills (
	id          TEXT PRIMARY KEY,
	order_id    TEXT NOT NULL REFERENCES net_orders (id),
	volume      NUMERIC NOT NULL,
	price       NUMERIC NOT NULL,
	executed_at TIMESTAMPTZ NOT NULL,
	received_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_order ON fills (order_id);

CREATE TABLE IF NOT EXISTS distributions (
	id         TEXT PRIMARY KEY,
	intent_id  TEXT NOT NULL REFERENCES trade_intents (id),
	fill_id    TEXT,
	volume     NUMERIC NOT NULL,
	price      NUMERIC NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_distributions_intent ON distributions (intent_id);
CREATE INDEX IF NOT EXISTS idx_distributions_fill ON distributions (fill_id);

CREATE TABLE IF NOT EXISTS lots (
	id                 TEXT PRIMARY KEY,
	goal_id            TEXT NOT NULL,
	kind               TEXT NOT NULL,
	symbol             TEXT NOT NULL,
	quantity_remaining NUMERIC NOT NULL,
	unit_cost          NUMERIC NOT NULL,
	acquired_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lots_owner ON lots (goal_id, kind, symbol);

CREATE TABLE IF NOT EXISTS realized_gains (
	id            TEXT PRIMARY KEY,
	goal_id       TEXT NOT NULL,
	kind          TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	lot_id        TEXT NOT NULL,
	shares_sold   NUMERIC NOT NULL,
	cost_basis    NUMERIC NOT NULL,
	sale_proceeds NUMERIC NOT NULL,
	amount        NUMERIC NOT NULL,
	period        TEXT NOT NULL,
	realized_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_realized_gains_goal ON realized_gains (goal_id);

CREATE TABLE IF NOT EXISTS accounts (
	id           TEXT PRIMARY KEY,
	cash_balance NUMERIC NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS goal_cash (
	goal_id    TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	balance    NUMERIC NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_goal_cash_account ON goal_cash (account_id);

CREATE TABLE IF NOT EXISTS instrument_prices (
	kind      TEXT NOT NULL,
	symbol    TEXT NOT NULL,
	mid_price NUMERIC NOT NULL,
	PRIMARY KEY (kind, symbol)
);

CREATE TABLE IF NOT EXISTS discrepancies (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	order_id    TEXT NOT NULL DEFAULT '',
	account_id  TEXT NOT NULL DEFAULT '',
	goal_id     TEXT NOT NULL DEFAULT '',
	instrument  TEXT NOT NULL DEFAULT '',
	expected    NUMERIC NOT NULL,
	actual      NUMERIC NOT NULL,
	message     TEXT NOT NULL,
	detected_at TIMESTAMPTZ NOT NULL,
	resolved    BOOLEAN NOT NULL DEFAULT FALSE,
	resolved_at TIMESTAMPTZ
);
`

// EnsureSchema creates the engine's tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// --- Trade intents ---

func (s *PostgresStore) InsertIntent(ctx context.Context, in *model.TradeIntent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trade_intents (id, goal_id, account_id, kind, symbol, volume, batch_id, created_at, settled)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9)`,
		in.ID, in.GoalID, in.AccountID, string(in.Instrument.Kind), in.Instrument.Symbol,
		in.Volume.String(), in.BatchID, in.CreatedAt, in.Settled,
	)
	return err
}

func (s *PostgresStore) GetIntent(ctx context.Context, id string) (*model.TradeIntent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, goal_id, account_id, kind, symbol, volume::TEXT, batch_id, created_at, settled
		 FROM trade_intents WHERE id = $1`, id)
	in, err := scanIntent(row)
	if err != nil {
		return nil, fmt.Errorf("get intent %s: %w", id, mapErr(err))
	}
	return in, nil
}

func (s *PostgresStore) PendingIntents(ctx context.Context, batchID string) ([]model.TradeIntent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, goal_id, account_id, kind, symbol, volume::TEXT, batch_id, created_at, settled
		 FROM trade_intents
		 WHERE batch_id = $1 AND order_id IS NULL AND NOT settled
		 ORDER BY seq`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIntents(rows)
}

func (s *PostgresStore) MarkIntentSettled(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE trade_intents SET settled = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("intent %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Net orders ---

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.NetOrder) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO net_orders (id, kind, symbol, batch_id, volume, filled_volume, state, fill_info, broker_ref, parked, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10, $11)`,
		o.ID, string(o.Instrument.Kind), o.Instrument.Symbol, o.BatchID,
		o.Volume.String(), o.FilledVolume.String(), int(o.State), string(o.FillInfo),
		o.BrokerRef, o.Parked, o.CreatedAt,
	)
	if err != nil {
		return err
	}

	// Claim contributing intents; a second claim on any of them aborts.
	tag, err := tx.Exec(ctx,
		`UPDATE trade_intents SET order_id = $1 WHERE id = ANY($2) AND order_id IS NULL`,
		o.ID, o.IntentIDs,
	)
	if err != nil {
		return err
	}
	if int(tag.RowsAffected()) != len(o.IntentIDs) {
		return fmt.Errorf("order %s: %d of %d intents already claimed",
			o.ID, len(o.IntentIDs)-int(tag.RowsAffected()), len(o.IntentIDs))
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.NetOrder, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, kind, symbol, batch_id, volume::TEXT, filled_volume::TEXT,
		        state, fill_info, broker_ref, parked, created_at, completed_at
		 FROM net_orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, mapErr(err))
	}
	if err := s.attachIntentIDs(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context) ([]model.NetOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, symbol, batch_id, volume::TEXT, filled_volume::TEXT,
		        state, fill_info, broker_ref, parked, created_at, completed_at
		 FROM net_orders ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.NetOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range orders {
		if err := s.attachIntentIDs(ctx, &orders[i]); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (s *PostgresStore) attachIntentIDs(ctx context.Context, o *model.NetOrder) error {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM trade_intents WHERE order_id = $1 ORDER BY seq`, o.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	o.IntentIDs = nil
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		o.IntentIDs = append(o.IntentIDs, id)
	}
	return rows.Err()
}

func (s *PostgresStore) UpdateOrderState(ctx context.Context, id string, state model.OrderState, info model.FillInfo) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE net_orders
		 SET state = $2,
		     fill_info = CASE WHEN $3 <> '' THEN $3 ELSE fill_info END,
		     completed_at = CASE WHEN $2 = $4 AND completed_at IS NULL THEN now() ELSE completed_at END
		 WHERE id = $1`,
		id, int(state), string(info), int(model.StateComplete),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) SetBrokerRef(ctx context.Context, id, ref string) (string, error) {
	_, err := s.pool.Exec(ctx,
		`UPDATE net_orders SET broker_ref = $2 WHERE id = $1 AND broker_ref = ''`, id, ref)
	if err != nil {
		return "", err
	}
	var winner string
	err = s.pool.QueryRow(ctx, `SELECT broker_ref FROM net_orders WHERE id = $1`, id).Scan(&winner)
	if err != nil {
		return "", fmt.Errorf("order %s: %w", id, mapErr(err))
	}
	return winner, nil
}

func (s *PostgresStore) AddFilledVolume(ctx context.Context, id string, delta decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE net_orders SET filled_volume = filled_volume + $2::NUMERIC WHERE id = $1`,
		id, delta.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) SetOrderParked(ctx context.Context, id string, parked bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE net_orders SET parked = $2 WHERE id = $1`, id, parked)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) IntentsForOrder(ctx context.Context, orderID string) ([]model.TradeIntent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, goal_id, account_id, kind, symbol, volume::TEXT, batch_id, created_at, settled
		 FROM trade_intents WHERE order_id = $1 ORDER BY seq`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIntents(rows)
}

// --- Fills ---

func (s *PostgresStore) InsertFill(ctx context.Context, f *model.Fill) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO fills (id, order_id, volume, price, executed_at, received_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		f.ID, f.OrderID, f.Volume.String(), f.Price.String(), f.ExecutedAt, f.ReceivedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fill %s: %w", f.ID, ErrDuplicate)
	}
	return nil
}

func (s *PostgresStore) FillsForOrder(ctx context.Context, orderID string) ([]model.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, volume::TEXT, price::TEXT, executed_at, received_at
		 FROM fills WHERE order_id = $1 ORDER BY executed_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []model.Fill
	for rows.Next() {
		var f model.Fill
		var volS, priceS string
		if err := rows.Scan(&f.ID, &f.OrderID, &volS, &priceS, &f.ExecutedAt, &f.ReceivedAt); err != nil {
			return nil, err
		}
		f.Volume, _ = decimal.NewFromString(volS)
		f.Price, _ = decimal.NewFromString(priceS)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// --- Distributions ---

func (s *PostgresStore) InsertDistribution(ctx context.Context, d *model.Distribution) error {
	fillID := any(d.FillID)
	if d.FillID == "" {
		fillID = nil // synthetic zero-net distribution
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO distributions (id, intent_id, fill_id, volume, price, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)`,
		d.ID, d.IntentID, fillID, d.Volume.String(), d.Price.String(), d.CreatedAt,
	)
	return err
}

func (s *PostgresStore) DistributionsForIntent(ctx context.Context, intentID string) ([]model.Distribution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, intent_id, COALESCE(fill_id, ''), volume::TEXT, price::TEXT, created_at
		 FROM distributions WHERE intent_id = $1 ORDER BY created_at`, intentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDistributions(rows)
}

func (s *PostgresStore) DistributionsForOrder(ctx context.Context, orderID string) ([]model.Distribution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT d.id, d.intent_id, COALESCE(d.fill_id, ''), d.volume::TEXT, d.price::TEXT, d.created_at
		 FROM distributions d
		 JOIN trade_intents ti ON ti.id = d.intent_id
		 WHERE ti.order_id = $1
		 ORDER BY d.created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDistributions(rows)
}

func (s *PostgresStore) DistributedByIntent(ctx context.Context, orderID string) (map[string]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ti.id, COALESCE(SUM(ABS(d.volume)), 0)::TEXT
		 FROM trade_intents ti
		 LEFT JOIN distributions d ON d.intent_id = ti.id
		 WHERE ti.order_id = $1
		 GROUP BY ti.id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[string]decimal.Decimal)
	for rows.Next() {
		var id, sumS string
		if err := rows.Scan(&id, &sumS); err != nil {
			return nil, err
		}
		totals[id], _ = decimal.NewFromString(sumS)
	}
	return totals, rows.Err()
}

// --- Lots and realized gains ---

func (s *PostgresStore) InsertLot(ctx context.Context, l *model.Lot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO lots (id, goal_id, kind, symbol, quantity_remaining, unit_cost, acquired_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
		l.ID, l.GoalID, string(l.Instrument.Kind), l.Instrument.Symbol,
		l.QuantityRemaining.String(), l.UnitCost.String(), l.AcquiredAt,
	)
	return err
}

func (s *PostgresStore) OpenLots(ctx context.Context, goalID string, inst model.InstrumentRef) ([]model.Lot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, goal_id, kind, symbol, quantity_remaining::TEXT, unit_cost::TEXT, acquired_at
		 FROM lots
		 WHERE goal_id = $1 AND kind = $2 AND symbol = $3 AND quantity_remaining > 0
		 ORDER BY acquired_at, id`, goalID, string(inst.Kind), inst.Symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLots(rows)
}

func (s *PostgresStore) LotsByGoal(ctx context.Context, goalID string) ([]model.Lot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, goal_id, kind, symbol, quantity_remaining::TEXT, unit_cost::TEXT, acquired_at
		 FROM lots WHERE goal_id = $1 ORDER BY acquired_at, id`, goalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLots(rows)
}

func (s *PostgresStore) UpdateLotQuantity(ctx context.Context, lotID string, remaining decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE lots SET quantity_remaining = $2::NUMERIC WHERE id = $1`,
		lotID, remaining.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lot %s: %w", lotID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) InsertRealizedGainLoss(ctx context.Context, g *model.RealizedGainLoss) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO realized_gains (id, goal_id, kind, symbol, lot_id, shares_sold, cost_basis, sale_proceeds, amount, period, realized_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11)`,
		g.ID, g.GoalID, string(g.Instrument.Kind), g.Instrument.Symbol, g.LotID,
		g.SharesSold.String(), g.CostBasis.String(), g.SaleProceeds.String(),
		g.Amount.String(), string(g.Period), g.RealizedAt,
	)
	return err
}

func (s *PostgresStore) RealizedGainsByGoal(ctx context.Context, goalID string) ([]model.RealizedGainLoss, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, goal_id, kind, symbol, lot_id, shares_sold::TEXT, cost_basis::TEXT,
		        sale_proceeds::TEXT, amount::TEXT, period, realized_at
		 FROM realized_gains WHERE goal_id = $1 ORDER BY realized_at`, goalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gains []model.RealizedGainLoss
	for rows.Next() {
		var g model.RealizedGainLoss
		var kind, period, sharesS, basisS, proceedsS, amountS string
		if err := rows.Scan(&g.ID, &g.GoalID, &kind, &g.Instrument.Symbol, &g.LotID,
			&sharesS, &basisS, &proceedsS, &amountS, &period, &g.RealizedAt); err != nil {
			return nil, err
		}
		g.Instrument.Kind = model.InstrumentKind(kind)
		g.Period = model.HoldingPeriod(period)
		g.SharesSold, _ = decimal.NewFromString(sharesS)
		g.CostBasis, _ = decimal.NewFromString(basisS)
		g.SaleProceeds, _ = decimal.NewFromString(proceedsS)
		g.Amount, _ = decimal.NewFromString(amountS)
		gains = append(gains, g)
	}
	return gains, rows.Err()
}

// --- Cash ledger ---

func (s *PostgresStore) UpsertAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, cash_balance) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET cash_balance = EXCLUDED.cash_balance`,
		a.ID, a.CashBalance.String(),
	)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	var cashS string
	err := s.pool.QueryRow(ctx,
		`SELECT id, cash_balance::TEXT FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &cashS)
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, mapErr(err))
	}
	a.CashBalance, _ = decimal.NewFromString(cashS)
	return &a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, cash_balance::TEXT FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		var a model.Account
		var cashS string
		if err := rows.Scan(&a.ID, &cashS); err != nil {
			return nil, err
		}
		a.CashBalance, _ = decimal.NewFromString(cashS)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) SetAccountCash(ctx context.Context, id string, balance decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET cash_balance = $2::NUMERIC WHERE id = $1`,
		id, balance.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) UpsertGoalCash(ctx context.Context, gc *model.GoalCash) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO goal_cash (goal_id, account_id, balance) VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (goal_id) DO UPDATE SET account_id = EXCLUDED.account_id, balance = EXCLUDED.balance`,
		gc.GoalID, gc.AccountID, gc.Balance.String(),
	)
	return err
}

func (s *PostgresStore) GoalCashTotal(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var totalS string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(balance), 0)::TEXT FROM goal_cash WHERE account_id = $1`, accountID).
		Scan(&totalS)
	if err != nil {
		return decimal.Zero, err
	}
	total, _ := decimal.NewFromString(totalS)
	return total, nil
}

// --- Instrument mid prices ---

func (s *PostgresStore) SetMidPrice(ctx context.Context, inst model.InstrumentRef, price decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instrument_prices (kind, symbol, mid_price) VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (kind, symbol) DO UPDATE SET mid_price = EXCLUDED.mid_price`,
		string(inst.Kind), inst.Symbol, price.String(),
	)
	return err
}

func (s *PostgresStore) MidPrice(ctx context.Context, inst model.InstrumentRef) (decimal.Decimal, error) {
	var priceS string
	err := s.pool.QueryRow(ctx,
		`SELECT mid_price::TEXT FROM instrument_prices WHERE kind = $1 AND symbol = $2`,
		string(inst.Kind), inst.Symbol).Scan(&priceS)
	if err != nil {
		return decimal.Zero, fmt.Errorf("mid price for %s: %w", inst, mapErr(err))
	}
	price, _ := decimal.NewFromString(priceS)
	return price, nil
}

// --- Manual review queue ---

func (s *PostgresStore) InsertDiscrepancy(ctx context.Context, d *model.Discrepancy) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO discrepancies (id, kind, order_id, account_id, goal_id, instrument, expected, actual, message, detected_at, resolved)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10, $11)`,
		d.ID, string(d.Kind), d.OrderID, d.AccountID, d.GoalID, d.Instrument,
		d.Expected.String(), d.Actual.String(), d.Message, d.DetectedAt, d.Resolved,
	)
	return err
}

func (s *PostgresStore) OpenDiscrepancies(ctx context.Context) ([]model.Discrepancy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, order_id, account_id, goal_id, instrument,
		        expected::TEXT, actual::TEXT, message, detected_at, resolved, resolved_at
		 FROM discrepancies WHERE NOT resolved ORDER BY detected_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Discrepancy
	for rows.Next() {
		var d model.Discrepancy
		var kind, expS, actS string
		if err := rows.Scan(&d.ID, &kind, &d.OrderID, &d.AccountID, &d.GoalID, &d.Instrument,
			&expS, &actS, &d.Message, &d.DetectedAt, &d.Resolved, &d.ResolvedAt); err != nil {
			return nil, err
		}
		d.Kind = model.DiscrepancyKind(kind)
		d.Expected, _ = decimal.NewFromString(expS)
		d.Actual, _ = decimal.NewFromString(actS)
		result = append(result, d)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ResolveDiscrepancy(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE discrepancies SET resolved = TRUE, resolved_at = now() WHERE id = $1 AND NOT resolved`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("discrepancy %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Scan helpers ---

type pgxRow interface {
	Scan(dest ...any) error
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func scanIntent(row pgxRow) (*model.TradeIntent, error) {
	var in model.TradeIntent
	var kind, volS string
	if err := row.Scan(&in.ID, &in.GoalID, &in.AccountID, &kind, &in.Instrument.Symbol,
		&volS, &in.BatchID, &in.CreatedAt, &in.Settled); err != nil {
		return nil, err
	}
	in.Instrument.Kind = model.InstrumentKind(kind)
	in.Volume, _ = decimal.NewFromString(volS)
	return &in, nil
}

func scanIntents(rows pgxRows) ([]model.TradeIntent, error) {
	var intents []model.TradeIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, *in)
	}
	return intents, rows.Err()
}

func scanOrder(row pgxRow) (*model.NetOrder, error) {
	var o model.NetOrder
	var kind, info, volS, filledS string
	var state int
	if err := row.Scan(&o.ID, &kind, &o.Instrument.Symbol, &o.BatchID, &volS, &filledS,
		&state, &info, &o.BrokerRef, &o.Parked, &o.CreatedAt, &o.CompletedAt); err != nil {
		return nil, err
	}
	o.Instrument.Kind = model.InstrumentKind(kind)
	o.State = model.OrderState(state)
	o.FillInfo = model.FillInfo(info)
	o.Volume, _ = decimal.NewFromString(volS)
	o.FilledVolume, _ = decimal.NewFromString(filledS)
	return &o, nil
}

func scanDistributions(rows pgxRows) ([]model.Distribution, error) {
	var dists []model.Distribution
	for rows.Next() {
		var d model.Distribution
		var volS, priceS string
		if err := rows.Scan(&d.ID, &d.IntentID, &d.FillID, &volS, &priceS, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Volume, _ = decimal.NewFromString(volS)
		d.Price, _ = decimal.NewFromString(priceS)
		dists = append(dists, d)
	}
	return dists, rows.Err()
}

func scanLots(rows pgxRows) ([]model.Lot, error) {
	var lots []model.Lot
	for rows.Next() {
		var l model.Lot
		var kind, qtyS, costS string
		if err := rows.Scan(&l.ID, &l.GoalID, &kind, &l.Instrument.Symbol, &qtyS, &costS, &l.AcquiredAt); err != nil {
			return nil, err
		}
		l.Instrument.Kind = model.InstrumentKind(kind)
		l.QuantityRemaining, _ = decimal.NewFromString(qtyS)
		l.UnitCost, _ = decimal.NewFromString(costS)
		lots = append(lots, l)
	}
	return lots, rows.Err()
}
