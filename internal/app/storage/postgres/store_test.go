package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/bigkatzo/storefront-checkout/internal/app/domain/order"
	"github.com/bigkatzo/storefront-checkout/internal/app/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

func orderRows(o order.BatchOrder) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"batch_order_id", "idempotency_token", "order_ids", "order_numbers",
		"total_amount", "currency", "receiver_wallet", "buyer_wallet", "tx_reference",
		"payment_kind", "coupon_code", "discount_amount", "status", "failure_reason",
		"created_at", "updated_at",
	}).AddRow(
		o.BatchOrderID, o.IdempotencyToken, pq.StringArray(o.OrderIDs), pq.StringArray(o.OrderNumbers),
		o.TotalAmount.String(), o.Currency, o.ReceiverWallet, o.BuyerWallet, o.TxReference,
		o.PaymentKind, o.CouponCode, o.DiscountAmount.String(), string(o.Status), o.FailureReason,
		o.CreatedAt, o.UpdatedAt,
	)
}

func sampleOrder() order.BatchOrder {
	now := time.Now().UTC().Truncate(time.Second)
	return order.BatchOrder{
		BatchOrderID:     "9f2b7a1c-0000-4000-8000-000000000001",
		IdempotencyToken: "tok-1",
		OrderIDs:         []string{"o-1", "o-2"},
		OrderNumbers:     []string{"ORD-9F2B7A1C-01", "ORD-9F2B7A1C-02"},
		TotalAmount:      decimal.NewFromInt(100),
		Currency:         "USDC",
		ReceiverWallet:   "merchant",
		BuyerWallet:      "buyer",
		PaymentKind:      "native",
		Status:           order.StatusCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestCreateBatchOrderIdempotent(t *testing.T) {
	store, mock := newMockStore(t)
	stored := sampleOrder()

	// First insert lands, second hits the unique token index; both re-read
	// the row and converge on one batch order id.
	for i := 0; i < 2; i++ {
		affected := int64(1)
		if i == 1 {
			affected = 0 // ON CONFLICT DO NOTHING
		}
		mock.ExpectExec("INSERT INTO batch_orders").
			WillReturnResult(sqlmock.NewResult(0, affected))
		mock.ExpectQuery("SELECT (.+) FROM batch_orders WHERE idempotency_token").
			WithArgs("tok-1").
			WillReturnRows(orderRows(stored))
	}

	first, err := store.CreateBatchOrder(context.Background(), "tok-1", sampleOrder())
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := store.CreateBatchOrder(context.Background(), "tok-1", sampleOrder())
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.BatchOrderID != second.BatchOrderID {
		t.Fatalf("creates diverged: %s vs %s", first.BatchOrderID, second.BatchOrderID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateBatchOrderRequiresToken(t *testing.T) {
	store, _ := newMockStore(t)
	if _, err := store.CreateBatchOrder(context.Background(), "  ", sampleOrder()); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestGetBatchOrderNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	// Empty result set maps to ErrNotFound.
	mock.ExpectQuery("SELECT (.+) FROM batch_orders WHERE batch_order_id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"batch_order_id"}))
	_, err := store.GetBatchOrder(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTransitionStatusCAS(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE batch_orders").
		WillReturnResult(sqlmock.NewResult(0, 1))
	err := store.TransitionStatus(context.Background(), "b-1",
		order.StatusAwaitingPayment, order.StatusConfirmed, "")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}

	// Zero rows with an existing record is a CAS miss.
	existing := sampleOrder()
	existing.Status = order.StatusConfirmed
	mock.ExpectExec("UPDATE batch_orders").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM batch_orders WHERE batch_order_id").
		WillReturnRows(orderRows(existing))
	err = store.TransitionStatus(context.Background(), "b-1",
		order.StatusAwaitingPayment, order.StatusConfirmed, "")
	if !errors.Is(err, storage.ErrStatusConflict) {
		t.Fatalf("err = %v, want ErrStatusConflict", err)
	}
}

func TestTransitionStatusRejectsIllegalEdge(t *testing.T) {
	store, _ := newMockStore(t)
	err := store.TransitionStatus(context.Background(), "b-1",
		order.StatusConfirmed, order.StatusFailed, "no")
	if !errors.Is(err, storage.ErrStatusConflict) {
		t.Fatalf("err = %v, want ErrStatusConflict for terminal edge", err)
	}
}

func TestAttachTransactionGuardsStatus(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE batch_orders").
		WillReturnResult(sqlmock.NewResult(0, 1))
	err := store.AttachTransaction(context.Background(), "b-1", "sig", decimal.NewFromInt(80))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	if err := store.AttachTransaction(context.Background(), "b-1", "  ", decimal.Zero); err == nil {
		t.Fatal("expected error for empty reference")
	}

	// Attaching to a finalized order touches zero rows.
	finalized := sampleOrder()
	finalized.Status = order.StatusConfirmed
	mock.ExpectExec("UPDATE batch_orders").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM batch_orders WHERE batch_order_id").
		WillReturnRows(orderRows(finalized))
	err = store.AttachTransaction(context.Background(), "b-1", "sig2", decimal.NewFromInt(80))
	if !errors.Is(err, storage.ErrStatusConflict) {
		t.Fatalf("err = %v, want ErrStatusConflict", err)
	}
}

func TestGetCouponDecodesRules(t *testing.T) {
	store, mock := newMockStore(t)

	rules := []byte(`{"groups":[[{"type":"nft","value":"col-x","quantity":1}]],"operators":["AND"]}`)
	mock.ExpectQuery("SELECT (.+) FROM coupons WHERE code").
		WithArgs("SAVE20").
		WillReturnRows(sqlmock.NewRows([]string{
			"code", "discount_type", "discount_value", "max_discount", "collection_scope", "rules",
		}).AddRow("SAVE20", "percentage", "20", nil, pq.StringArray{}, rules))

	c, err := store.GetCoupon(context.Background(), "save20")
	if err != nil {
		t.Fatalf("GetCoupon: %v", err)
	}
	if c.EligibilityRules == nil || len(c.EligibilityRules.Groups) != 1 {
		t.Fatalf("rules not decoded: %+v", c.EligibilityRules)
	}
	if !c.DiscountValue.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("discount value = %s, want 20", c.DiscountValue)
	}
}
