// Package model defines the core domain types shared across the execution engine.
// All volumes, prices, and cash balances use shopspring/decimal — never float64
// for money.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentKind discriminates the closed set of instrument variants the
// engine trades.
type InstrumentKind string

const (
	KindTicker InstrumentKind = "TICKER"
	KindIndex  InstrumentKind = "INDEX"
)

// InstrumentRef identifies one tradeable instrument. The kind/symbol pair is
// the engine-wide key; there is no open-ended polymorphism beyond these two
// variants.
type InstrumentRef struct {
	Kind   InstrumentKind `json:"kind" db:"kind"`
	Symbol string         `json:"symbol" db:"symbol"`
}

// ParseInstrument parses the canonical "KIND:SYMBOL" form.
func ParseInstrument(s string) (InstrumentRef, error) {
	kind, symbol, ok := strings.Cut(s, ":")
	if !ok {
		return InstrumentRef{}, fmt.Errorf("instrument %q: want KIND:SYMBOL", s)
	}
	ref := InstrumentRef{Kind: InstrumentKind(kind), Symbol: symbol}
	if err := ref.Validate(); err != nil {
		return InstrumentRef{}, err
	}
	return ref, nil
}

// Validate checks the kind is one of the closed set and the symbol is non-empty.
func (r InstrumentRef) Validate() error {
	switch r.Kind {
	case KindTicker, KindIndex:
	default:
		return fmt.Errorf("unknown instrument kind %q", r.Kind)
	}
	if r.Symbol == "" {
		return fmt.Errorf("instrument symbol is empty")
	}
	return nil
}

// String returns the canonical "KIND:SYMBOL" form, usable as a map key.
func (r InstrumentRef) String() string {
	return string(r.Kind) + ":" + r.Symbol
}

// OrderState is the lifecycle state of a NetOrder.
type OrderState int

const (
	StatePending OrderState = iota
	StateApproved
	StateSent
	StateCancelPending
	StateComplete
)

var stateNames = map[OrderState]string{
	StatePending:       "PENDING",
	StateApproved:      "APPROVED",
	StateSent:          "SENT",
	StateCancelPending: "CANCEL_PENDING",
	StateComplete:      "COMPLETE",
}

func (s OrderState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("OrderState(%d)", int(s))
}

// FillInfo classifies how much of a completed order's volume was filled at
// termination. Empty until the order reaches COMPLETE.
type FillInfo string

const (
	FillInfoNone            FillInfo = ""
	FillInfoFilled          FillInfo = "FILLED"
	FillInfoPartiallyFilled FillInfo = "PARTIALLY_FILLED"
	FillInfoUnfilled        FillInfo = "UNFILLED"
)

// TradeIntent is one goal's desired signed volume change in one instrument
// for one batch. Intents are immutable once created; only Distributions
// reference them. Settled is processing metadata, not part of the intent
// itself: true once the intent is fully distributed (or zero-netted away).
type TradeIntent struct {
	ID         string          `json:"id" db:"id"`
	GoalID     string          `json:"goal_id" db:"goal_id"`
	AccountID  string          `json:"account_id" db:"account_id"`
	Instrument InstrumentRef   `json:"instrument" db:"instrument"`
	Volume     decimal.Decimal `json:"volume" db:"volume"` // signed: +buy, -sell
	BatchID    string          `json:"batch_id" db:"batch_id"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	Settled    bool            `json:"settled" db:"settled"`
}

// NetOrder is the broker-facing order produced by summing same-instrument
// TradeIntents in one batch. IntentIDs preserves submission order; that
// order is the tie-break for fill distribution.
type NetOrder struct {
	ID           string          `json:"id" db:"id"`
	Instrument   InstrumentRef   `json:"instrument" db:"instrument"`
	BatchID      string          `json:"batch_id" db:"batch_id"`
	Volume       decimal.Decimal `json:"volume" db:"volume"`               // signed net of contributing intents
	FilledVolume decimal.Decimal `json:"filled_volume" db:"filled_volume"` // Σ fill volumes so far (signed)
	State        OrderState      `json:"state" db:"state"`
	FillInfo     FillInfo        `json:"fill_info" db:"fill_info"`
	BrokerRef    string          `json:"broker_ref" db:"broker_ref"` // set once by the idempotent send
	IntentIDs    []string        `json:"intent_ids" db:"intent_ids"` // submission order
	Parked       bool            `json:"parked" db:"parked"`         // automated processing halted pending review
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// Remaining is the unfilled magnitude of the order.
func (o *NetOrder) Remaining() decimal.Decimal {
	return o.Volume.Abs().Sub(o.FilledVolume.Abs())
}

// Fill is one broker-reported execution against a NetOrder. Immutable and
// append-only; an order may receive any number of fills over its lifetime.
type Fill struct {
	ID         string          `json:"id" db:"id"`
	OrderID    string          `json:"order_id" db:"order_id"`
	Volume     decimal.Decimal `json:"volume" db:"volume"` // signed, same convention as the order
	Price      decimal.Decimal `json:"price" db:"price"`
	ExecutedAt time.Time       `json:"executed_at" db:"executed_at"`
	ReceivedAt time.Time       `json:"received_at" db:"received_at"`
}

// Distribution attributes part of a Fill back to one TradeIntent. The price
// is always the fill's execution price; averaging is a lot-ledger concern.
// FillID is empty for the synthetic zero-volume distribution written when a
// batch nets to zero for an instrument.
type Distribution struct {
	ID        string          `json:"id" db:"id"`
	IntentID  string          `json:"intent_id" db:"intent_id"`
	FillID    string          `json:"fill_id,omitempty" db:"fill_id"`
	Volume    decimal.Decimal `json:"volume" db:"volume"` // signed
	Price     decimal.Decimal `json:"price" db:"price"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Lot is a FIFO-tracked parcel of acquired shares, used for cost basis and
// gain/loss. Created by buy distributions, consumed oldest-first by sells.
type Lot struct {
	ID                string          `json:"id" db:"id"`
	GoalID            string          `json:"goal_id" db:"goal_id"`
	Instrument        InstrumentRef   `json:"instrument" db:"instrument"`
	QuantityRemaining decimal.Decimal `json:"quantity_remaining" db:"quantity_remaining"`
	UnitCost          decimal.Decimal `json:"unit_cost" db:"unit_cost"`
	AcquiredAt        time.Time       `json:"acquired_at" db:"acquired_at"`
}

// HoldingPeriod classifies a realized gain for tax purposes.
type HoldingPeriod string

const (
	HoldingShort HoldingPeriod = "SHORT"
	HoldingLong  HoldingPeriod = "LONG"
)

// RealizedGainLoss is one permanent, append-only tax record produced when a
// sell consumes (part of) one lot.
type RealizedGainLoss struct {
	ID           string          `json:"id" db:"id"`
	GoalID       string          `json:"goal_id" db:"goal_id"`
	Instrument   InstrumentRef   `json:"instrument" db:"instrument"`
	LotID        string          `json:"lot_id" db:"lot_id"`
	SharesSold   decimal.Decimal `json:"shares_sold" db:"shares_sold"`
	CostBasis    decimal.Decimal `json:"cost_basis" db:"cost_basis"`       // unit_cost × shares_sold
	SaleProceeds decimal.Decimal `json:"sale_proceeds" db:"sale_proceeds"` // sale price × shares_sold
	Amount       decimal.Decimal `json:"amount" db:"amount"`               // proceeds − basis
	Period       HoldingPeriod   `json:"period" db:"period"`
	RealizedAt   time.Time       `json:"realized_at" db:"realized_at"`
}

// Account holds the account-level cash ledger balance.
type Account struct {
	ID          string          `json:"id" db:"id"`
	CashBalance decimal.Decimal `json:"cash_balance" db:"cash_balance"`
}

// GoalCash holds one goal's cash balance within an account.
type GoalCash struct {
	GoalID    string          `json:"goal_id" db:"goal_id"`
	AccountID string          `json:"account_id" db:"account_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
}

// DiscrepancyKind names the desynchronization faults that halt automated
// processing and go to the manual-review queue.
type DiscrepancyKind string

const (
	DiscrepancyOverFill      DiscrepancyKind = "OVER_FILL"
	DiscrepancyOversold      DiscrepancyKind = "OVERSOLD"
	DiscrepancyCashShortfall DiscrepancyKind = "CASH_SHORTFALL"
)

// Discrepancy is an actionable manual-review record. It carries the exact
// quantities involved so an operator can reconstruct the fault by hand.
type Discrepancy struct {
	ID         string          `json:"id" db:"id"`
	Kind       DiscrepancyKind `json:"kind" db:"kind"`
	OrderID    string          `json:"order_id,omitempty" db:"order_id"`
	AccountID  string          `json:"account_id,omitempty" db:"account_id"`
	GoalID     string          `json:"goal_id,omitempty" db:"goal_id"`
	Instrument string          `json:"instrument,omitempty" db:"instrument"`
	Expected   decimal.Decimal `json:"expected" db:"expected"` // what the ledger allows
	Actual     decimal.Decimal `json:"actual" db:"actual"`     // what the event claimed
	Message    string          `json:"message" db:"message"`
	DetectedAt time.Time       `json:"detected_at" db:"detected_at"`
	Resolved   bool            `json:"resolved" db:"resolved"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
}
