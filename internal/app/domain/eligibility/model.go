// Package eligibility defines the access-rule model shared by cart items
// and coupon eligibility checks.
package eligibility

import (
	"fmt"
	"strings"
	"time"
)

// RuleType identifies how access is gated.
type RuleType string

const (
	RuleToken     RuleType = "token"
	RuleNFT       RuleType = "nft"
	RuleWhitelist RuleType = "whitelist"
)

// Rule is a single access requirement, e.g. "holds >= 10 of token X" or
// "wallet on whitelist Y".
type Rule struct {
	Type     RuleType
	Value    string
	Quantity int
}

// Validate checks rule shape before it is sent to the verification service.
func (r Rule) Validate() error {
	switch r.Type {
	case RuleToken, RuleNFT, RuleWhitelist:
	default:
		return fmt.Errorf("unknown rule type %q", r.Type)
	}
	if strings.TrimSpace(r.Value) == "" {
		return fmt.Errorf("rule value is required")
	}
	if r.Quantity < 0 {
		return fmt.Errorf("rule quantity cannot be negative")
	}
	return nil
}

// Key returns a stable cache key for the rule combined with a wallet.
func (r Rule) Key(wallet string) string {
	return strings.Join([]string{wallet, string(r.Type), r.Value, fmt.Sprintf("%d", r.Quantity)}, "|")
}

// Group operators supported inside a rule group.
const (
	OpAnd = "AND"
	OpOr  = "OR"
)

// RuleGroups combines rule groups: groups are ANDed together, rules inside a
// group are combined with the group's operator (AND or OR).
type RuleGroups struct {
	Groups    [][]Rule
	Operators []string // one per group, defaults to AND
}

// OperatorFor returns the combining operator for group i.
func (g RuleGroups) OperatorFor(i int) string {
	if i < len(g.Operators) && strings.EqualFold(g.Operators[i], OpOr) {
		return OpOr
	}
	return OpAnd
}

// Empty reports whether no rules are configured.
func (g RuleGroups) Empty() bool {
	for _, group := range g.Groups {
		if len(group) > 0 {
			return false
		}
	}
	return true
}

// Verification is the cached outcome of a single rule check.
type Verification struct {
	Verified  bool
	CheckedAt time.Time
	Err       string
}

// Fresh reports whether the verification is younger than ttl.
func (v Verification) Fresh(ttl time.Duration, now time.Time) bool {
	return now.Sub(v.CheckedAt) < ttl
}
