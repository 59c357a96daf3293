package eligibility

import (
	"context"
	"testing"
	"time"

	"github.com/bigkatzo/storefront-checkout/internal/app/domain/eligibility"
)

func TestMemoryCacheExpiresEntries(t *testing.T) {
	cache := NewMemoryCache().(*memoryCache)
	current := time.Now()
	cache.now = func() time.Time { return current }
	ctx := context.Background()

	v := eligibility.Verification{Verified: true, CheckedAt: current}
	cache.Set(ctx, "k", v, time.Minute)

	got, ok := cache.Get(ctx, "k")
	if !ok || !got.Verified {
		t.Fatalf("fresh entry missing: ok=%v got=%+v", ok, got)
	}

	current = current.Add(2 * time.Minute)
	if _, ok := cache.Get(ctx, "k"); ok {
		t.Fatal("expired entry still served")
	}
	// Expired entries are evicted, not merely hidden.
	cache.mu.RLock()
	_, present := cache.entries["k"]
	cache.mu.RUnlock()
	if present {
		t.Fatal("expired entry not evicted")
	}
}

func TestMemoryCacheDefaultTTL(t *testing.T) {
	cache := NewMemoryCache().(*memoryCache)
	current := time.Now()
	cache.now = func() time.Time { return current }
	ctx := context.Background()

	cache.Set(ctx, "k", eligibility.Verification{Verified: true}, 0)

	current = current.Add(DefaultTTL - time.Minute)
	if _, ok := cache.Get(ctx, "k"); !ok {
		t.Fatal("entry expired before the default TTL")
	}
	current = current.Add(2 * time.Minute)
	if _, ok := cache.Get(ctx, "k"); ok {
		t.Fatal("entry outlived the default TTL")
	}
}
