// Package memory provides a thread-safe in-memory implementation of the
// storage interfaces. It is used by tests and prototyping and mirrors the
// postgres store's idempotency and compare-and-swap semantics exactly.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bigkatzo/storefront-checkout/internal/app/domain/coupon"
	"github.com/bigkatzo/storefront-checkout/internal/app/domain/order"
	"github.com/bigkatzo/storefront-checkout/internal/app/storage"
)

// Store is an in-memory OrderStore and CouponStore.
type Store struct {
	mu        sync.RWMutex
	nextOrder int64
	orders    map[string]order.BatchOrder // batchOrderID -> record
	byToken   map[string]string           // idempotency token -> batchOrderID
	coupons   map[string]coupon.Coupon    // upper code -> coupon
}

var (
	_ storage.OrderStore  = (*Store)(nil)
	_ storage.CouponStore = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		nextOrder: 1,
		orders:    make(map[string]order.BatchOrder),
		byToken:   make(map[string]string),
		coupons:   make(map[string]coupon.Coupon),
	}
}

// OrderStore implementation ---------------------------------------------------

func (s *Store) CreateBatchOrder(_ context.Context, token string, o order.BatchOrder) (order.BatchOrder, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return order.BatchOrder{}, fmt.Errorf("idempotency token is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, exists := s.byToken[token]; exists {
		return cloneOrder(s.orders[id]), nil
	}

	if o.BatchOrderID == "" {
		o.BatchOrderID = uuid.NewString()
	}
	if _, exists := s.orders[o.BatchOrderID]; exists {
		return order.BatchOrder{}, fmt.Errorf("batch order %s already exists", o.BatchOrderID)
	}

	o.IdempotencyToken = token
	if o.Status == "" {
		o.Status = order.StatusCreated
	}
	if len(o.OrderIDs) == 0 {
		for range o.OrderNumbers {
			o.OrderIDs = append(o.OrderIDs, uuid.NewString())
		}
	}
	if len(o.OrderNumbers) == 0 {
		for range o.OrderIDs {
			o.OrderNumbers = append(o.OrderNumbers, s.nextOrderNumberLocked())
		}
	}

	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	s.orders[o.BatchOrderID] = cloneOrder(o)
	s.byToken[token] = o.BatchOrderID
	return cloneOrder(o), nil
}

func (s *Store) GetBatchOrder(_ context.Context, batchOrderID string) (order.BatchOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[batchOrderID]
	if !ok {
		return order.BatchOrder{}, fmt.Errorf("batch order %s: %w", batchOrderID, storage.ErrNotFound)
	}
	return cloneOrder(o), nil
}

func (s *Store) GetBatchOrderByToken(_ context.Context, token string) (order.BatchOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byToken[strings.TrimSpace(token)]
	if !ok {
		return order.BatchOrder{}, fmt.Errorf("token %s: %w", token, storage.ErrNotFound)
	}
	return cloneOrder(s.orders[id]), nil
}

func (s *Store) AttachTransaction(_ context.Context, batchOrderID, reference string, amount decimal.Decimal) error {
	if strings.TrimSpace(reference) == "" {
		return fmt.Errorf("transaction reference is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[batchOrderID]
	if !ok {
		return fmt.Errorf("batch order %s: %w", batchOrderID, storage.ErrNotFound)
	}
	if o.Status != order.StatusCreated && o.Status != order.StatusAwaitingPayment {
		return fmt.Errorf("attach transaction from %s: %w", o.Status, storage.ErrStatusConflict)
	}

	o.TxReference = reference
	o.TotalAmount = amount
	o.Status = order.StatusAwaitingPayment
	o.UpdatedAt = time.Now().UTC()
	s.orders[batchOrderID] = o
	return nil
}

func (s *Store) TransitionStatus(_ context.Context, batchOrderID string, from, to order.Status, reason string) error {
	if !order.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s: %w", from, to, storage.ErrStatusConflict)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[batchOrderID]
	if !ok {
		return fmt.Errorf("batch order %s: %w", batchOrderID, storage.ErrNotFound)
	}
	if o.Status != from {
		return fmt.Errorf("expected status %s, have %s: %w", from, o.Status, storage.ErrStatusConflict)
	}

	o.Status = to
	if reason != "" {
		o.FailureReason = reason
	}
	o.UpdatedAt = time.Now().UTC()
	s.orders[batchOrderID] = o
	return nil
}

func (s *Store) ListAwaitingPayment(_ context.Context, olderThan time.Duration) ([]order.BatchOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	result := make([]order.BatchOrder, 0)
	for _, o := range s.orders {
		if o.Status == order.StatusAwaitingPayment && o.UpdatedAt.Before(cutoff) {
			result = append(result, cloneOrder(o))
		}
	}
	return result, nil
}

// CouponStore implementation --------------------------------------------------

func (s *Store) GetCoupon(_ context.Context, code string) (coupon.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.coupons[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return coupon.Coupon{}, fmt.Errorf("coupon %s: %w", code, storage.ErrNotFound)
	}
	return cloneCoupon(c), nil
}

// PutCoupon seeds a coupon snapshot. Coupons are read-only for checkout; this
// exists for tests and catalog synchronisation.
func (s *Store) PutCoupon(_ context.Context, c coupon.Coupon) error {
	code := strings.ToUpper(strings.TrimSpace(c.Code))
	if code == "" {
		return fmt.Errorf("coupon code is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Code = code
	s.coupons[code] = cloneCoupon(c)
	return nil
}

// Helpers ---------------------------------------------------------------------

func (s *Store) nextOrderNumberLocked() string {
	n := s.nextOrder
	s.nextOrder++
	return fmt.Sprintf("ORD-%06d", n)
}

func cloneOrder(o order.BatchOrder) order.BatchOrder {
	o.OrderIDs = append([]string(nil), o.OrderIDs...)
	o.OrderNumbers = append([]string(nil), o.OrderNumbers...)
	return o
}

func cloneCoupon(c coupon.Coupon) coupon.Coupon {
	c.CollectionScope = append([]string(nil), c.CollectionScope...)
	if c.MaxDiscount != nil {
		capped := *c.MaxDiscount
		c.MaxDiscount = &capped
	}
	return c
}
