package coupon

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func TestDiscountFixed(t *testing.T) {
	c := Coupon{Code: "TEN", DiscountType: DiscountFixed, DiscountValue: d("10")}

	if got := c.Discount(d("75")); !got.Equal(d("10")) {
		t.Fatalf("discount = %s, want 10", got)
	}
	// Clamped to the order total, never negative.
	if got := c.Discount(d("4")); !got.Equal(d("4")) {
		t.Fatalf("discount = %s, want clamp to 4", got)
	}
	if got := c.Discount(decimal.Zero); !got.Equal(decimal.Zero) {
		t.Fatalf("discount = %s, want 0 on zero total", got)
	}
}

func TestDiscountPercentage(t *testing.T) {
	c := Coupon{Code: "HALF", DiscountType: DiscountPercentage, DiscountValue: d("50")}
	if got := c.Discount(d("80")); !got.Equal(d("40")) {
		t.Fatalf("discount = %s, want 40", got)
	}

	full := Coupon{Code: "COMP", DiscountType: DiscountPercentage, DiscountValue: d("100")}
	if got := full.Discount(d("80")); !got.Equal(d("80")) {
		t.Fatalf("discount = %s, want full 80", got)
	}

	// Over 100% still clamps to the total.
	over := Coupon{Code: "OVER", DiscountType: DiscountPercentage, DiscountValue: d("150")}
	if got := over.Discount(d("80")); !got.Equal(d("80")) {
		t.Fatalf("discount = %s, want clamp to 80", got)
	}
}

func TestDiscountPercentageMaxDiscount(t *testing.T) {
	cap := d("15")
	c := Coupon{Code: "CAPPED", DiscountType: DiscountPercentage, DiscountValue: d("50"), MaxDiscount: &cap}
	if got := c.Discount(d("100")); !got.Equal(d("15")) {
		t.Fatalf("discount = %s, want cap 15", got)
	}
	// Cap not reached on small totals.
	if got := c.Discount(d("20")); !got.Equal(d("10")) {
		t.Fatalf("discount = %s, want 10", got)
	}
}

func TestInScope(t *testing.T) {
	unscoped := Coupon{Code: "ALL"}
	if !unscoped.InScope([]string{"anything"}) {
		t.Fatal("unscoped coupon applies everywhere")
	}

	scoped := Coupon{Code: "ONE", CollectionScope: []string{"col-1"}}
	if !scoped.InScope([]string{"col-2", "col-1"}) {
		t.Fatal("scoped coupon should match col-1")
	}
	if scoped.InScope([]string{"col-2"}) {
		t.Fatal("scoped coupon should not match col-2")
	}
}
