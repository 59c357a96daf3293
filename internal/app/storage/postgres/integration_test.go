package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bigkatzo/storefront-checkout/internal/app/domain/order"
	"github.com/bigkatzo/storefront-checkout/internal/app/storage"
)

// Exercises the real schema: migrations, the unique token index and the CAS
// guards, against a live database.
func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	store, err := Open(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	token := uuid.NewString()

	seed := order.BatchOrder{
		OrderIDs:       []string{uuid.NewString()},
		TotalAmount:    decimal.NewFromInt(42),
		Currency:       "USDC",
		ReceiverWallet: "merchant",
		BuyerWallet:    "buyer",
		PaymentKind:    "native",
	}

	first, err := store.CreateBatchOrder(ctx, token, seed)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := store.CreateBatchOrder(ctx, token, seed)
	if err != nil {
		t.Fatalf("replay create: %v", err)
	}
	if first.BatchOrderID != second.BatchOrderID {
		t.Fatalf("same token produced two orders: %s vs %s", first.BatchOrderID, second.BatchOrderID)
	}

	if err := store.AttachTransaction(ctx, first.BatchOrderID, "sig_"+token, first.TotalAmount); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := store.TransitionStatus(ctx, first.BatchOrderID, order.StatusAwaitingPayment, order.StatusConfirmed, ""); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	// Confirmed is terminal; a concurrent fail loses the CAS.
	err = store.TransitionStatus(ctx, first.BatchOrderID, order.StatusAwaitingPayment, order.StatusFailed, "late failure")
	if !errors.Is(err, storage.ErrStatusConflict) {
		t.Fatalf("err = %v, want ErrStatusConflict after confirm", err)
	}

	got, err := store.GetBatchOrder(ctx, first.BatchOrderID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != order.StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", got.Status)
	}
}
