// Package order defines the batch order ledger model. A batch order is one
// ledger record covering all lines of a single checkout attempt. Records are
// append-only: a failed attempt leaves a Failed row for audit.
package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the ledger state of a batch order.
type Status string

const (
	StatusCreated         Status = "created"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusConfirmed       Status = "confirmed"
	StatusFailed          Status = "failed"
)

// allowedTransitions is the only legal edge set:
// Created -> AwaitingPayment -> {Confirmed | Failed}. Created may also fail
// directly (cancellation before a payment was ever attached).
var allowedTransitions = map[Status]map[Status]bool{
	StatusCreated: {
		StatusAwaitingPayment: true,
		StatusFailed:          true,
	},
	StatusAwaitingPayment: {
		StatusConfirmed: true,
		StatusFailed:    true,
	},
}

// CanTransition reports whether from -> to is a legal status edge.
func CanTransition(from, to Status) bool {
	return allowedTransitions[from][to]
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

func (s Status) String() string { return string(s) }

// BatchOrder is the authoritative ledger record for one checkout attempt.
// BatchOrderID doubles as the settlement idempotency key; IdempotencyToken is
// the client-supplied creation token enforcing exactly-once creation.
type BatchOrder struct {
	BatchOrderID     string
	IdempotencyToken string
	OrderIDs         []string
	OrderNumbers     []string
	TotalAmount      decimal.Decimal
	Currency         string
	ReceiverWallet   string
	BuyerWallet      string
	TxReference      string
	PaymentKind      string
	CouponCode       string
	DiscountAmount   decimal.Decimal
	Status           Status
	FailureReason    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Free reports whether the order settles without a payment rail.
func (o BatchOrder) Free() bool {
	return o.TotalAmount.Sign() == 0
}
