// Package broker abstracts the downstream broker adapter: order submission,
// cancellation, and account cash queries. Fills and terminal-status
// notifications flow back through the engine's HTTP surface, not through
// this interface.
package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/goalflow/execution-engine/internal/model"
)

// Broker is the downstream execution adapter.
type Broker interface {
	// Name returns the broker identifier (e.g. "simulator").
	Name() string

	// SubmitOrder transmits a net order and returns the broker's order
	// reference. Submission must be idempotent keyed by order.ID: a retry
	// after a timeout returns the original reference instead of creating a
	// duplicate broker order.
	SubmitOrder(ctx context.Context, order *model.NetOrder) (string, error)

	// CancelOrder requests cancellation of an open order by broker
	// reference. Best-effort: fills may still arrive afterwards.
	CancelOrder(ctx context.Context, brokerRef string) error

	// AccountCash returns the broker-reported cash for an account, used by
	// the reconciler.
	AccountCash(ctx context.Context, accountID string) (decimal.Decimal, error)
}
