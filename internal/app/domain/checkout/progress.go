package checkout

import "time"

// State is the orchestrator's per-attempt progress. It only moves forward
// within one attempt; a user-initiated retry is modelled as re-entering
// ProcessingPayment on the same order, never as regressing past it.
type State string

const (
	StateInitial               State = "initial"
	StateCreatingOrder         State = "creating_order"
	StateProcessingPayment     State = "processing_payment"
	StateConfirmingTransaction State = "confirming_transaction"
	StateSuccess               State = "success"
	StateError                 State = "error"
)

// rank orders the forward progression. Success and Error share the terminal
// rank: which one an attempt reaches depends on outcome, not ordering.
func (s State) rank() int {
	switch s {
	case StateInitial:
		return 0
	case StateCreatingOrder:
		return 1
	case StateProcessingPayment:
		return 2
	case StateConfirmingTransaction:
		return 3
	case StateSuccess, StateError:
		return 4
	}
	return -1
}

// Terminal reports whether the attempt has finished.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateError
}

// CanAdvance reports whether moving from s to next is a forward transition.
// Error is reachable from any non-terminal state; Error may re-enter the flow
// at CreatingOrder (fresh attempt) or ProcessingPayment (retry on an existing
// order) via an explicit user retry.
func (s State) CanAdvance(next State) bool {
	if s == StateError {
		return next == StateCreatingOrder || next == StateProcessingPayment
	}
	if s.Terminal() {
		return false
	}
	if next == StateError {
		return true
	}
	return next.rank() > s.rank()
}

func (s State) String() string { return string(s) }

// Session is the explicit checkout session value object. It is created at
// StartCheckout, mutated only by the orchestrator, and discarded when the
// attempt's surface closes. It is not persisted: crash recovery of money
// state lives in the order ledger, not here.
type Session struct {
	ID           string
	Wallet       string
	Cart         []CartLine
	Shipping     ShippingInfo
	Method       PaymentMethod
	CouponCode   string
	State        State
	BatchOrderID string
	TxReference  string
	Err          *Error
	CartCleared  bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
