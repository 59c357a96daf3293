// Package ledger is the order ledger client: it creates batch orders exactly
// once per idempotency token and applies guarded status transitions. All
// mutation is compare-and-swap style so the orchestrator and background
// reconciliation cannot double-finalize the same order.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bigkatzo/storefront-checkout/internal/app/domain/checkout"
	"github.com/bigkatzo/storefront-checkout/internal/app/domain/order"
	"github.com/bigkatzo/storefront-checkout/internal/app/storage"
	"github.com/bigkatzo/storefront-checkout/pkg/logger"
)

// Service wraps the order store with validation and logging.
type Service struct {
	store storage.OrderStore
	log   *logger.Logger
}

// New constructs the ledger client.
func New(store storage.OrderStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Service{store: store, log: log}
}

// CreateRequest carries everything needed to create a batch order.
type CreateRequest struct {
	IdempotencyToken string
	Cart             []checkout.CartLine
	Shipping         checkout.ShippingInfo
	BuyerWallet      string
	ReceiverWallet   string
	Currency         string
	PaymentKind      checkout.MethodKind
	CouponCode       string
	DiscountAmount   decimal.Decimal
	TotalAmount      decimal.Decimal
}

// CreateBatchOrder creates the batch order for one checkout attempt. The
// caller must reuse the same token across retries of the same attempt; the
// store guarantees the same record comes back for a repeated token.
func (s *Service) CreateBatchOrder(ctx context.Context, req CreateRequest) (order.BatchOrder, error) {
	if strings.TrimSpace(req.IdempotencyToken) == "" {
		return order.BatchOrder{}, fmt.Errorf("idempotency token is required")
	}
	if len(req.Cart) == 0 {
		return order.BatchOrder{}, fmt.Errorf("cart is empty")
	}
	if req.TotalAmount.Sign() < 0 {
		return order.BatchOrder{}, fmt.Errorf("total amount cannot be negative")
	}

	orderIDs := make([]string, len(req.Cart))
	for i := range req.Cart {
		orderIDs[i] = uuid.NewString()
	}

	o := order.BatchOrder{
		OrderIDs:       orderIDs,
		TotalAmount:    req.TotalAmount,
		Currency:       req.Currency,
		ReceiverWallet: req.ReceiverWallet,
		BuyerWallet:    req.BuyerWallet,
		PaymentKind:    string(req.PaymentKind),
		CouponCode:     req.CouponCode,
		DiscountAmount: req.DiscountAmount,
		Status:         order.StatusCreated,
	}

	created, err := s.store.CreateBatchOrder(ctx, req.IdempotencyToken, o)
	if err != nil {
		return order.BatchOrder{}, err
	}

	s.log.WithField("batch_order_id", created.BatchOrderID).
		WithField("orders", len(created.OrderIDs)).
		WithField("total", created.TotalAmount.String()).
		WithField("payment_kind", created.PaymentKind).
		Info("batch order created")
	return created, nil
}

// AttachTransaction records the payment reference against the order and moves
// it to AwaitingPayment. Idempotent by batch order id: a rewrite wins only
// while the order is still AwaitingPayment.
func (s *Service) AttachTransaction(ctx context.Context, batchOrderID, reference string, amount decimal.Decimal) error {
	if err := s.store.AttachTransaction(ctx, batchOrderID, reference, amount); err != nil {
		return err
	}
	s.log.WithField("batch_order_id", batchOrderID).
		WithField("reference", reference).
		Info("transaction attached")
	return nil
}

// Confirm finalizes the order. A no-op when already Confirmed.
func (s *Service) Confirm(ctx context.Context, batchOrderID string) error {
	err := s.store.TransitionStatus(ctx, batchOrderID, order.StatusAwaitingPayment, order.StatusConfirmed, "")
	if err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			current, getErr := s.store.GetBatchOrder(ctx, batchOrderID)
			if getErr == nil && current.Status == order.StatusConfirmed {
				return nil
			}
		}
		return err
	}
	s.log.WithField("batch_order_id", batchOrderID).Info("batch order confirmed")
	return nil
}

// Fail marks the order failed with a reason. A no-op when already Failed;
// illegal from Confirmed.
func (s *Service) Fail(ctx context.Context, batchOrderID, reason string) error {
	current, err := s.store.GetBatchOrder(ctx, batchOrderID)
	if err != nil {
		return err
	}
	switch current.Status {
	case order.StatusFailed:
		return nil
	case order.StatusConfirmed:
		return fmt.Errorf("cannot fail confirmed order %s: %w", batchOrderID, storage.ErrStatusConflict)
	}
	if err := s.store.TransitionStatus(ctx, batchOrderID, current.Status, order.StatusFailed, reason); err != nil {
		return err
	}
	s.log.WithField("batch_order_id", batchOrderID).
		WithField("reason", reason).
		Info("batch order failed")
	return nil
}

// Get returns the batch order.
func (s *Service) Get(ctx context.Context, batchOrderID string) (order.BatchOrder, error) {
	return s.store.GetBatchOrder(ctx, batchOrderID)
}

// GetByToken returns the batch order created under the idempotency token,
// or storage.ErrNotFound when the token never produced one.
func (s *Service) GetByToken(ctx context.Context, token string) (order.BatchOrder, error) {
	return s.store.GetBatchOrderByToken(ctx, token)
}

// ListAwaitingPayment returns orders pending settlement longer than olderThan.
func (s *Service) ListAwaitingPayment(ctx context.Context, olderThan time.Duration) ([]order.BatchOrder, error) {
	return s.store.ListAwaitingPayment(ctx, olderThan)
}
