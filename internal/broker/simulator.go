package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/goalflow/execution-engine/internal/model"
)

// Simulator is a deterministic in-process broker used for development and
// tests. Submissions are idempotent by order id; transient submit failures
// can be injected to exercise the retry path.
type Simulator struct {
	mu        sync.Mutex
	submitted map[string]string // order id → broker ref
	cancelled map[string]bool   // broker ref → cancel requested
	cash      map[string]decimal.Decimal
	failNext  int
}

// NewSimulator creates a simulator with no cash positions.
func NewSimulator() *Simulator {
	return &Simulator{
		submitted: make(map[string]string),
		cancelled: make(map[string]bool),
		cash:      make(map[string]decimal.Decimal),
	}
}

func (s *Simulator) Name() string { return "simulator" }

// FailNextSubmits makes the next n SubmitOrder calls return a transient
// error, for retry testing.
func (s *Simulator) FailNextSubmits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// SetCash sets the broker-side cash reported for an account.
func (s *Simulator) SetCash(accountID string, cash decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cash[accountID] = cash
}

// SubmitCount returns how many distinct orders have been submitted.
func (s *Simulator) SubmitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submitted)
}

func (s *Simulator) SubmitOrder(_ context.Context, order *model.NetOrder) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Duplicate submit for an already-known order is suppressed, not
	// resubmitted: return the original reference.
	if ref, ok := s.submitted[order.ID]; ok {
		return ref, nil
	}

	if s.failNext > 0 {
		s.failNext--
		return "", fmt.Errorf("simulated submit timeout for order %s", order.ID)
	}

	ref := "sim-" + order.ID
	s.submitted[order.ID] = ref
	return ref, nil
}

func (s *Simulator) CancelOrder(_ context.Context, brokerRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelled[brokerRef] = true
	return nil
}

// CancelRequested reports whether a cancel was issued for a broker ref.
func (s *Simulator) CancelRequested(brokerRef string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[brokerRef]
}

func (s *Simulator) AccountCash(_ context.Context, accountID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cash, ok := s.cash[accountID]
	if !ok {
		return decimal.Zero, fmt.Errorf("no broker cash for account %s", accountID)
	}
	return cash, nil
}
