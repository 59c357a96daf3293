// Package coupon validates coupon codes and computes discounts for a
// checkout attempt. The discount is always clamped to [0, total], so a
// negative final price is impossible by construction.
package coupon

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	coupondomain "github.com/bigkatzo/storefront-checkout/internal/app/domain/coupon"
	eligibilitysvc "github.com/bigkatzo/storefront-checkout/internal/app/services/eligibility"
	"github.com/bigkatzo/storefront-checkout/internal/app/storage"
	"github.com/bigkatzo/storefront-checkout/pkg/logger"
)

// Validation errors surfaced to the orchestrator.
var (
	ErrUnknownCoupon   = errors.New("coupon code not recognised")
	ErrOutOfScope      = errors.New("coupon does not apply to the items in this cart")
	ErrNotEligible     = errors.New("wallet does not meet the coupon's eligibility rules")
	ErrInvalidDiscount = errors.New("coupon has an invalid discount configuration")
)

// Result is a validated discount for one checkout attempt. Free is the
// distinguished 100%-discount outcome the orchestrator routes around the
// payment rails entirely.
type Result struct {
	Coupon   coupondomain.Coupon
	Discount decimal.Decimal
	Final    decimal.Decimal
	Free     bool
}

// Service validates coupons against scope and eligibility rules.
type Service struct {
	store    storage.CouponStore
	verifier *eligibilitysvc.Service
	log      *logger.Logger
}

// New constructs the discount calculator.
func New(store storage.CouponStore, verifier *eligibilitysvc.Service, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("coupon")
	}
	return &Service{store: store, verifier: verifier, log: log}
}

// Validate resolves the code, checks collection scope and eligibility rules,
// and computes the clamped discount against the pre-discount total.
func (s *Service) Validate(ctx context.Context, code, wallet string, collectionIDs []string, total decimal.Decimal) (Result, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Result{Final: total}, nil
	}
	if total.Sign() < 0 {
		return Result{}, fmt.Errorf("pre-discount total cannot be negative")
	}

	c, err := s.store.GetCoupon(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{}, fmt.Errorf("%q: %w", code, ErrUnknownCoupon)
		}
		return Result{}, err
	}

	switch c.DiscountType {
	case coupondomain.DiscountFixed, coupondomain.DiscountPercentage:
	default:
		return Result{}, fmt.Errorf("coupon %s type %q: %w", c.Code, c.DiscountType, ErrInvalidDiscount)
	}

	if !c.InScope(collectionIDs) {
		return Result{}, fmt.Errorf("coupon %s: %w", c.Code, ErrOutOfScope)
	}

	if c.EligibilityRules != nil && !c.EligibilityRules.Empty() {
		if s.verifier == nil {
			return Result{}, fmt.Errorf("coupon %s requires eligibility verification: %w", c.Code, ErrNotEligible)
		}
		ok, err := s.verifier.VerifyGroups(ctx, wallet, *c.EligibilityRules)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return Result{}, fmt.Errorf("coupon %s: %w", c.Code, ErrNotEligible)
		}
	}

	discount := c.Discount(total)
	final := total.Sub(discount)
	if final.Sign() < 0 {
		final = decimal.Zero
	}

	result := Result{
		Coupon:   c,
		Discount: discount,
		Final:    final,
		Free:     total.Sign() > 0 && discount.GreaterThanOrEqual(total),
	}

	s.log.WithField("coupon", c.Code).
		WithField("discount", discount.String()).
		WithField("final", final.String()).
		Info("coupon validated")
	return result, nil
}
