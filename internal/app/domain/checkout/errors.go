package checkout

import "fmt"

// ErrorKind classifies checkout failures. The kind drives retry policy and
// the user-facing message; the wrapped cause stays internal.
type ErrorKind string

const (
	KindValidation             ErrorKind = "validation"
	KindEligibility            ErrorKind = "eligibility"
	KindLedger                 ErrorKind = "ledger"
	KindRailUserRejected       ErrorKind = "rail_user_rejected"
	KindRailTransient          ErrorKind = "rail_transient"
	KindQuoteExpired           ErrorKind = "quote_expired"
	KindConfirmationTimeout    ErrorKind = "confirmation_timeout"
	KindReconciliationMismatch ErrorKind = "reconciliation_mismatch"
	KindCancelled              ErrorKind = "cancelled"
	KindInternal               ErrorKind = "internal"
)

// Error is a classified checkout failure with a user-facing message distinct
// from its internal cause.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

// NewError builds a classified error. message is shown to the user; cause is
// logged but never surfaced.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the UI may offer "retry payment" reusing the
// existing order. User rejection is retryable (the user may change their
// mind); transient rail errors and expired quotes are retryable; everything
// before the order exists is not.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRailUserRejected, KindRailTransient, KindQuoteExpired, KindConfirmationTimeout:
		return true
	}
	return false
}

// Pending reports whether the underlying payment may still land: the order is
// kept AwaitingPayment and the user is told to wait, not that payment failed.
func (e *Error) Pending() bool {
	return e.Kind == KindConfirmationTimeout
}

// AsError returns err as a classified checkout error, wrapping unclassified
// errors as KindInternal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*Error); ok {
		return ce
	}
	return NewError(KindInternal, "checkout failed, please try again", err)
}
