// Package lifecycle governs the NetOrder state machine:
//
//	PENDING → APPROVED → SENT → COMPLETE
//	                      └→ CANCEL_PENDING → COMPLETE
//
// COMPLETE is terminal. Skipping or reordering states is a caller error and
// is rejected, never retried.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/goalflow/execution-engine/internal/model"
)

// ErrInvalidTransition marks a lifecycle misuse: the requested edge does not
// exist in the state machine.
var ErrInvalidTransition = errors.New("invalid order state transition")

var legal = map[model.OrderState][]model.OrderState{
	model.StatePending:       {model.StateApproved},
	model.StateApproved:      {model.StateSent},
	model.StateSent:          {model.StateCancelPending, model.StateComplete},
	model.StateCancelPending: {model.StateComplete},
	model.StateComplete:      nil,
}

// Validate returns nil if from → to is a legal edge.
func Validate(from, to model.OrderState) error {
	for _, next := range legal[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}

// CanReceiveFills reports whether an order in the given state may still have
// fills applied. Fills keep arriving after a cancel is issued; CANCEL_PENDING
// orders must continue distributing until the broker confirms termination.
func CanReceiveFills(s model.OrderState) bool {
	return s == model.StateSent || s == model.StateCancelPending
}

// Classify maps a terminating order's filled volume onto its FillInfo.
// Termination is the broker's call, not internal bookkeeping: an order may
// complete with less than the requested volume filled.
func Classify(requested, filled decimal.Decimal) model.FillInfo {
	switch {
	case filled.Abs().Equal(requested.Abs()):
		return model.FillInfoFilled
	case filled.IsZero():
		return model.FillInfoUnfilled
	default:
		return model.FillInfoPartiallyFilled
	}
}
