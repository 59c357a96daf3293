// Package coupon defines the discount coupon model. Coupons are read-only
// snapshots fetched once per checkout attempt.
package coupon

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/bigkatzo/storefront-checkout/internal/app/domain/eligibility"
)

// DiscountType distinguishes flat-amount coupons from percentage coupons.
type DiscountType string

const (
	DiscountFixed      DiscountType = "fixed"
	DiscountPercentage DiscountType = "percentage"
)

// Coupon is a discount definition. CollectionScope restricts the coupon to
// carts containing at least one of the listed collections; empty means
// unrestricted. EligibilityRules gate redemption by wallet holdings.
type Coupon struct {
	Code             string
	DiscountType     DiscountType
	DiscountValue    decimal.Decimal
	MaxDiscount      *decimal.Decimal
	CollectionScope  []string
	EligibilityRules *eligibility.RuleGroups
}

// InScope reports whether the coupon applies to any of the given collections.
func (c Coupon) InScope(collectionIDs []string) bool {
	if len(c.CollectionScope) == 0 {
		return true
	}
	for _, scoped := range c.CollectionScope {
		for _, id := range collectionIDs {
			if strings.EqualFold(scoped, id) {
				return true
			}
		}
	}
	return false
}

// Discount computes the discount for a pre-discount total, clamped to
// [0, total]. Percentage coupons are optionally capped by MaxDiscount.
func (c Coupon) Discount(total decimal.Decimal) decimal.Decimal {
	if total.Sign() <= 0 {
		return decimal.Zero
	}

	var discount decimal.Decimal
	switch c.DiscountType {
	case DiscountFixed:
		discount = c.DiscountValue
	case DiscountPercentage:
		discount = total.Mul(c.DiscountValue).Div(decimal.NewFromInt(100))
		if c.MaxDiscount != nil && discount.GreaterThan(*c.MaxDiscount) {
			discount = *c.MaxDiscount
		}
	default:
		return decimal.Zero
	}

	if discount.Sign() < 0 {
		return decimal.Zero
	}
	if discount.GreaterThan(total) {
		return total
	}
	return discount
}
