// Package eligibility re-verifies item access rules at checkout time. Cached
// verifications younger than the TTL are reused without a network call, which
// bounds re-checks on repeated attempts within a session.
package eligibility

import (
	"context"
	"time"

	"github.com/bigkatzo/storefront-checkout/internal/app/domain/checkout"
	"github.com/bigkatzo/storefront-checkout/internal/app/domain/eligibility"
	"github.com/bigkatzo/storefront-checkout/pkg/logger"
)

// LineResult is the per-line verification outcome reported to the caller, by
// item name so the UI can prompt removal of failing lines.
type LineResult struct {
	ItemID    string
	ItemName  string
	Verified  bool
	CheckedAt time.Time
	Err       string
}

// Service verifies cart lines and coupon rule groups.
type Service struct {
	checker Checker
	cache   Cache
	ttl     time.Duration
	log     *logger.Logger
	now     func() time.Time
}

// New constructs the verifier. A nil cache gets an in-process cache; a nil
// checker means every gated line fails closed.
func New(checker Checker, cache Cache, log *logger.Logger) *Service {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if log == nil {
		log = logger.NewDefault("eligibility")
	}
	return &Service{
		checker: checker,
		cache:   cache,
		ttl:     DefaultTTL,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// VerifyRule checks a single rule for a wallet, consulting the cache first.
func (s *Service) VerifyRule(ctx context.Context, wallet string, rule eligibility.Rule) (eligibility.Verification, error) {
	key := rule.Key(wallet)
	now := s.now()

	if cached, ok := s.cache.Get(ctx, key); ok && cached.Fresh(s.ttl, now) {
		return cached, nil
	}

	if s.checker == nil {
		v := eligibility.Verification{Verified: false, CheckedAt: now, Err: "no eligibility checker configured"}
		return v, nil
	}

	ok, err := s.checker.VerifyAccess(ctx, wallet, rule)
	if err != nil {
		return eligibility.Verification{}, err
	}

	v := eligibility.Verification{Verified: ok, CheckedAt: now}
	s.cache.Set(ctx, key, v, s.ttl)
	return v, nil
}

// VerifyCart checks every gated cart line. Lines without rules are trivially
// eligible. The boolean result is true only when every line verified.
func (s *Service) VerifyCart(ctx context.Context, wallet string, lines []checkout.CartLine) ([]LineResult, bool, error) {
	results := make([]LineResult, 0, len(lines))
	allOK := true

	for _, line := range lines {
		result := LineResult{ItemID: line.ItemID, ItemName: line.ItemName, CheckedAt: s.now()}
		if line.AccessRule == nil {
			result.Verified = true
			results = append(results, result)
			continue
		}

		v, err := s.VerifyRule(ctx, wallet, *line.AccessRule)
		if err != nil {
			return nil, false, err
		}
		result.Verified = v.Verified
		result.CheckedAt = v.CheckedAt
		result.Err = v.Err
		if !v.Verified {
			allOK = false
			s.log.WithField("item", line.ItemName).
				WithField("wallet", wallet).
				Info("cart line failed eligibility")
		}
		results = append(results, result)
	}
	return results, allOK, nil
}

// VerifyGroups evaluates coupon rule groups: groups are ANDed together,
// rules within a group combined with the group's operator.
func (s *Service) VerifyGroups(ctx context.Context, wallet string, groups eligibility.RuleGroups) (bool, error) {
	for i, group := range groups.Groups {
		if len(group) == 0 {
			continue
		}
		op := groups.OperatorFor(i)

		groupOK := op == eligibility.OpAnd
		for _, rule := range group {
			v, err := s.VerifyRule(ctx, wallet, rule)
			if err != nil {
				return false, err
			}
			if op == eligibility.OpAnd {
				if !v.Verified {
					groupOK = false
					break
				}
			} else if v.Verified {
				groupOK = true
				break
			}
		}
		if !groupOK {
			return false, nil
		}
	}
	return true, nil
}
