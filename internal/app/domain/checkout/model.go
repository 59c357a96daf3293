// Package checkout defines the models owned by the checkout orchestrator:
// cart snapshots, shipping info, payment method variants, attempt progress
// and the checkout error taxonomy.
package checkout

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/bigkatzo/storefront-checkout/internal/app/domain/eligibility"
)

// CartLine is one item of the cart snapshot. Immutable once checkout starts;
// the orchestrator references the cart, it never mutates it.
type CartLine struct {
	ItemID          string
	ItemName        string
	CollectionID    string
	SelectedOptions map[string]string
	Quantity        int
	UnitPrice       decimal.Decimal
	PriceAdjustment decimal.Decimal
	AccessRule      *eligibility.Rule
}

// LineTotal is (unit price + adjustment) * quantity, floored at zero.
func (l CartLine) LineTotal() decimal.Decimal {
	unit := l.UnitPrice.Add(l.PriceAdjustment)
	if unit.Sign() < 0 {
		unit = decimal.Zero
	}
	return unit.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Validate checks line shape before an attempt starts.
func (l CartLine) Validate() error {
	if strings.TrimSpace(l.ItemID) == "" {
		return fmt.Errorf("cart line item id is required")
	}
	if l.Quantity <= 0 {
		return fmt.Errorf("item %s: quantity must be positive", l.ItemID)
	}
	if l.UnitPrice.Sign() < 0 {
		return fmt.Errorf("item %s: unit price cannot be negative", l.ItemID)
	}
	if l.AccessRule != nil {
		if err := l.AccessRule.Validate(); err != nil {
			return fmt.Errorf("item %s: %w", l.ItemID, err)
		}
	}
	return nil
}

// CartTotal sums line totals.
func CartTotal(lines []CartLine) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.LineTotal())
	}
	return total
}

// CollectionIDs returns the distinct collections present in the cart.
func CollectionIDs(lines []CartLine) []string {
	seen := make(map[string]bool, len(lines))
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		id := strings.TrimSpace(line.CollectionID)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// ShippingInfo is the delivery destination captured at checkout.
type ShippingInfo struct {
	Recipient  string
	Email      string
	Address    string
	City       string
	Country    string
	PostalCode string
	Phone      string
}

// Validate checks the required shipping fields.
func (s ShippingInfo) Validate() error {
	if strings.TrimSpace(s.Recipient) == "" {
		return fmt.Errorf("shipping recipient is required")
	}
	if strings.TrimSpace(s.Email) == "" || !strings.Contains(s.Email, "@") {
		return fmt.Errorf("valid shipping email is required")
	}
	if strings.TrimSpace(s.Address) == "" {
		return fmt.Errorf("shipping address is required")
	}
	if strings.TrimSpace(s.City) == "" {
		return fmt.Errorf("shipping city is required")
	}
	if strings.TrimSpace(s.Country) == "" {
		return fmt.Errorf("shipping country is required")
	}
	return nil
}
