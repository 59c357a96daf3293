package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bigkatzo/storefront-checkout/internal/app/domain/coupon"
	"github.com/bigkatzo/storefront-checkout/internal/app/domain/order"
)

// Errors shared by all store implementations.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStatusConflict is returned when a guarded status transition finds
	// the record in a different state than expected.
	ErrStatusConflict = errors.New("order status conflict")
)

// OrderStore persists batch orders. The ledger is append-only: there is no
// delete operation, and status updates are compare-and-swap guarded so the
// orchestrator path and background reconciliation cannot double-finalize.
type OrderStore interface {
	// CreateBatchOrder creates the order exactly once per idempotency token.
	// A second call with the same token returns the stored record unchanged.
	CreateBatchOrder(ctx context.Context, token string, o order.BatchOrder) (order.BatchOrder, error)
	GetBatchOrder(ctx context.Context, batchOrderID string) (order.BatchOrder, error)
	GetBatchOrderByToken(ctx context.Context, token string) (order.BatchOrder, error)

	// AttachTransaction records the payment reference and moves the order to
	// AwaitingPayment. Legal only from Created or AwaitingPayment; a rewrite
	// of the reference wins only while still AwaitingPayment.
	AttachTransaction(ctx context.Context, batchOrderID, reference string, amount decimal.Decimal) error

	// TransitionStatus performs a guarded transition: the update applies only
	// if the record currently has status from, otherwise ErrStatusConflict.
	TransitionStatus(ctx context.Context, batchOrderID string, from, to order.Status, reason string) error

	// ListAwaitingPayment returns orders stuck in AwaitingPayment for longer
	// than olderThan, for background reconciliation.
	ListAwaitingPayment(ctx context.Context, olderThan time.Duration) ([]order.BatchOrder, error)
}

// CouponStore serves read-only coupon snapshots.
type CouponStore interface {
	GetCoupon(ctx context.Context, code string) (coupon.Coupon, error)
}
