package checkout

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	checkoutdomain "github.com/bigkatzo/storefront-checkout/internal/app/domain/checkout"
	"github.com/bigkatzo/storefront-checkout/internal/app/domain/coupon"
	"github.com/bigkatzo/storefront-checkout/internal/app/domain/eligibility"
	"github.com/bigkatzo/storefront-checkout/internal/app/domain/order"
	couponsvc "github.com/bigkatzo/storefront-checkout/internal/app/services/coupon"
	eligibilitysvc "github.com/bigkatzo/storefront-checkout/internal/app/services/eligibility"
	ledgersvc "github.com/bigkatzo/storefront-checkout/internal/app/services/ledger"
	"github.com/bigkatzo/storefront-checkout/internal/app/services/rails"
	"github.com/bigkatzo/storefront-checkout/internal/app/services/settlement"
	"github.com/bigkatzo/storefront-checkout/internal/app/storage/memory"
)

type stubRail struct {
	submit   func(ctx context.Context, o order.BatchOrder, m checkoutdomain.PaymentMethod) (rails.Submission, error)
	interval time.Duration
	max      time.Duration
	calls    atomic.Int64
}

func (r *stubRail) Submit(ctx context.Context, o order.BatchOrder, m checkoutdomain.PaymentMethod) (rails.Submission, error) {
	r.calls.Add(1)
	if r.submit == nil {
		return rails.Submission{Reference: "tx_stub"}, nil
	}
	return r.submit(ctx, o, m)
}

func (r *stubRail) ConfirmationBudget() (time.Duration, time.Duration) {
	interval, max := r.interval, r.max
	if interval == 0 {
		interval = 5 * time.Millisecond
	}
	if max == 0 {
		max = 250 * time.Millisecond
	}
	return interval, max
}

type harness struct {
	orch  *Orchestrator
	store *memory.Store
	rail  *stubRail
}

// newHarness wires an orchestrator over the in-memory store with an
// always-eligible checker and a verifier that immediately confirms.
func newHarness(t *testing.T, rail *stubRail, verify settlement.VerifierFunc) *harness {
	t.Helper()
	if rail == nil {
		rail = &stubRail{}
	}
	if verify == nil {
		verify = func(context.Context, string, settlement.Expectation) (bool, error) { return true, nil }
	}
	store := memory.New()
	checker := eligibilitysvc.CheckerFunc(func(context.Context, string, eligibility.Rule) (bool, error) {
		return true, nil
	})
	eligSvc := eligibilitysvc.New(checker, nil, nil)
	orch := New(
		eligSvc,
		couponsvc.New(store, eligSvc, nil),
		ledgersvc.New(store, nil),
		rails.NewDispatcher(rail, rail, rail, rail, nil),
		settlement.NewMonitor(verify, nil),
		Config{ReceiverWallet: "merchant-wallet", Currency: "USDC"},
		nil,
	)
	return &harness{orch: orch, store: store, rail: rail}
}

func testCart() []checkoutdomain.CartLine {
	return []checkoutdomain.CartLine{
		{ItemID: "item-1", ItemName: "Hoodie", CollectionID: "col-1", Quantity: 2, UnitPrice: decimal.NewFromInt(40)},
		{ItemID: "item-2", ItemName: "Cap", CollectionID: "col-1", Quantity: 1, UnitPrice: decimal.NewFromInt(20)},
	}
}

func testShipping() checkoutdomain.ShippingInfo {
	return checkoutdomain.ShippingInfo{
		Recipient: "Ada Buyer",
		Email:     "ada@example.com",
		Address:   "1 Main St",
		City:      "Lisbon",
		Country:   "PT",
	}
}

func startRequest() StartRequest {
	return StartRequest{
		Wallet:   "buyer-wallet",
		Cart:     testCart(),
		Shipping: testShipping(),
		Method:   checkoutdomain.NativeToken{Token: "USDC"},
	}
}

func waitTerminal(t *testing.T, o *Orchestrator, sessionID string) checkoutdomain.Session {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap, ok := o.GetProgress(sessionID)
		if !ok {
			t.Fatalf("session %s disappeared", sessionID)
		}
		if snap.State.Terminal() {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session %s never reached a terminal state", sessionID)
	return checkoutdomain.Session{}
}

func TestStartCheckoutValidation(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	req := startRequest()
	req.Cart = nil
	if _, err := h.orch.StartCheckout(ctx, req); err == nil {
		t.Fatal("expected error for empty cart")
	}

	req = startRequest()
	req.Wallet = ""
	if _, err := h.orch.StartCheckout(ctx, req); err == nil {
		t.Fatal("expected error for on-chain payment without wallet")
	}

	req = startRequest()
	req.Shipping.Email = "nope"
	_, err := h.orch.StartCheckout(ctx, req)
	if err == nil {
		t.Fatal("expected error for invalid shipping email")
	}
	cerr := checkoutdomain.AsError(err)
	if cerr.Kind != checkoutdomain.KindValidation {
		t.Fatalf("Kind = %s, want %s", cerr.Kind, checkoutdomain.KindValidation)
	}
}

func TestCheckoutNativeHappyPath(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	snap, err := h.orch.StartCheckout(ctx, startRequest())
	if err != nil {
		t.Fatalf("StartCheckout: %v", err)
	}
	final := waitTerminal(t, h.orch, snap.ID)

	if final.State != checkoutdomain.StateSuccess {
		t.Fatalf("state = %s, want success (err: %+v)", final.State, final.Err)
	}
	if !final.CartCleared {
		t.Fatal("cart should be cleared on success")
	}
	if final.TxReference == "" {
		t.Fatal("expected a transaction reference")
	}

	batch, err := h.store.GetBatchOrder(ctx, final.BatchOrderID)
	if err != nil {
		t.Fatalf("GetBatchOrder: %v", err)
	}
	if batch.Status != order.StatusConfirmed {
		t.Fatalf("order status = %s, want %s", batch.Status, order.StatusConfirmed)
	}
	if !batch.TotalAmount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("order total = %s, want 100", batch.TotalAmount)
	}
	if got := h.rail.calls.Load(); got != 1 {
		t.Fatalf("rail submissions = %d, want 1", got)
	}
}

func TestCheckoutPercentageCoupon(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	if err := h.store.PutCoupon(ctx, coupon.Coupon{
		Code:          "SAVE20",
		DiscountType:  coupon.DiscountPercentage,
		DiscountValue: decimal.NewFromInt(20),
	}); err != nil {
		t.Fatalf("PutCoupon: %v", err)
	}

	req := startRequest()
	req.CouponCode = "SAVE20"
	snap, err := h.orch.StartCheckout(ctx, req)
	if err != nil {
		t.Fatalf("StartCheckout: %v", err)
	}
	final := waitTerminal(t, h.orch, snap.ID)
	if final.State != checkoutdomain.StateSuccess {
		t.Fatalf("state = %s, want success (err: %+v)", final.State, final.Err)
	}

	batch, err := h.store.GetBatchOrder(ctx, final.BatchOrderID)
	if err != nil {
		t.Fatalf("GetBatchOrder: %v", err)
	}
	if !batch.TotalAmount.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("discounted total = %s, want 80", batch.TotalAmount)
	}
	if !batch.DiscountAmount.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("discount = %s, want 20", batch.DiscountAmount)
	}
}

func TestCheckoutFreeOrderBypassesRails(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	if err := h.store.PutCoupon(ctx, coupon.Coupon{
		Code:          "COMP",
		DiscountType:  coupon.DiscountPercentage,
		DiscountValue: decimal.NewFromInt(100),
	}); err != nil {
		t.Fatalf("PutCoupon: %v", err)
	}

	req := startRequest()
	req.CouponCode = "COMP"
	snap, err := h.orch.StartCheckout(ctx, req)
	if err != nil {
		t.Fatalf("StartCheckout: %v", err)
	}
	final := waitTerminal(t, h.orch, snap.ID)

	if final.State != checkoutdomain.StateSuccess {
		t.Fatalf("state = %s, want success (err: %+v)", final.State, final.Err)
	}
	if got := h.rail.calls.Load(); got != 0 {
		t.Fatalf("rail submissions = %d, want 0 for a free order", got)
	}
	if !strings.HasPrefix(final.TxReference, "free_") {
		t.Fatalf("reference = %q, want free_ prefix", final.TxReference)
	}

	batch, err := h.store.GetBatchOrder(ctx, final.BatchOrderID)
	if err != nil {
		t.Fatalf("GetBatchOrder: %v", err)
	}
	if batch.Status != order.StatusConfirmed {
		t.Fatalf("order status = %s, want %s", batch.Status, order.StatusConfirmed)
	}
	if batch.TotalAmount.Sign() != 0 {
		t.Fatalf("order total = %s, want 0", batch.TotalAmount)
	}
}

func TestCheckoutEligibilityFailureCreatesNoOrder(t *testing.T) {
	rail := &stubRail{}
	store := memory.New()
	checker := eligibilitysvc.CheckerFunc(func(_ context.Context, _ string, r eligibility.Rule) (bool, error) {
		return r.Type != eligibility.RuleNFT, nil
	})
	eligSvc := eligibilitysvc.New(checker, nil, nil)
	orch := New(
		eligSvc,
		couponsvc.New(store, eligSvc, nil),
		ledgersvc.New(store, nil),
		rails.NewDispatcher(rail, rail, rail, rail, nil),
		settlement.NewMonitor(settlement.VerifierFunc(func(context.Context, string, settlement.Expectation) (bool, error) {
			return true, nil
		}), nil),
		Config{ReceiverWallet: "merchant-wallet"},
		nil,
	)

	req := startRequest()
	req.Cart[0].AccessRule = &eligibility.Rule{Type: eligibility.RuleNFT, Value: "gate-collection"}
	snap, err := orch.StartCheckout(context.Background(), req)
	if err != nil {
		t.Fatalf("StartCheckout: %v", err)
	}
	final := waitTerminal(t, orch, snap.ID)

	if final.State != checkoutdomain.StateError {
		t.Fatalf("state = %s, want error", final.State)
	}
	if final.Err == nil || final.Err.Kind != checkoutdomain.KindEligibility {
		t.Fatalf("err = %+v, want kind %s", final.Err, checkoutdomain.KindEligibility)
	}
	if final.BatchOrderID != "" {
		t.Fatal("no order should exist after an eligibility failure")
	}
	if got := rail.calls.Load(); got != 0 {
		t.Fatalf("rail submissions = %d, want 0", got)
	}
	if final.CartCleared {
		t.Fatal("cart must not be cleared on failure")
	}
}

func TestCheckoutTimeoutLeavesOrderAwaitingPayment(t *testing.T) {
	rail := &stubRail{max: 40 * time.Millisecond}
	verify := settlement.VerifierFunc(func(context.Context, string, settlement.Expectation) (bool, error) {
		return false, nil // never lands within the budget
	})
	h := newHarness(t, rail, verify)
	ctx := context.Background()

	snap, err := h.orch.StartCheckout(ctx, startRequest())
	if err != nil {
		t.Fatalf("StartCheckout: %v", err)
	}
	final := waitTerminal(t, h.orch, snap.ID)

	if final.State != checkoutdomain.StateError {
		t.Fatalf("state = %s, want error", final.State)
	}
	if final.Err == nil || final.Err.Kind != checkoutdomain.KindConfirmationTimeout {
		t.Fatalf("err = %+v, want kind %s", final.Err, checkoutdomain.KindConfirmationTimeout)
	}
	if !final.Err.Pending() {
		t.Fatal("confirmation timeout must be reported as pending")
	}

	// The order is left open for background reconciliation, never failed.
	batch, err := h.store.GetBatchOrder(ctx, final.BatchOrderID)
	if err != nil {
		t.Fatalf("GetBatchOrder: %v", err)
	}
	if batch.Status != order.StatusAwaitingPayment {
		t.Fatalf("order status = %s, want %s", batch.Status, order.StatusAwaitingPayment)
	}
}

func TestCheckoutMismatchFailsOrder(t *testing.T) {
	verify := settlement.VerifierFunc(func(context.Context, string, settlement.Expectation) (bool, error) {
		return false, settlement.ErrMismatch
	})
	h := newHarness(t, nil, verify)
	ctx := context.Background()

	snap, err := h.orch.StartCheckout(ctx, startRequest())
	if err != nil {
		t.Fatalf("StartCheckout: %v", err)
	}
	final := waitTerminal(t, h.orch, snap.ID)

	if final.Err == nil || final.Err.Kind != checkoutdomain.KindReconciliationMismatch {
		t.Fatalf("err = %+v, want kind %s", final.Err, checkoutdomain.KindReconciliationMismatch)
	}
	batch, err := h.store.GetBatchOrder(ctx, final.BatchOrderID)
	if err != nil {
		t.Fatalf("GetBatchOrder: %v", err)
	}
	if batch.Status != order.StatusFailed {
		t.Fatalf("order status = %s, want %s", batch.Status, order.StatusFailed)
	}
}

func TestRetryPaymentReusesBatchOrder(t *testing.T) {
	var failFirst atomic.Bool
	failFirst.Store(true)
	rail := &stubRail{
		submit: func(_ context.Context, o order.BatchOrder, _ checkoutdomain.PaymentMethod) (rails.Submission, error) {
			if failFirst.CompareAndSwap(true, false) {
				return rails.Submission{}, checkoutdomain.NewError(checkoutdomain.KindRailTransient,
					"rpc node unavailable", errors.New("connection refused"))
			}
			return rails.Submission{Reference: "tx_retry"}, nil
		},
	}
	h := newHarness(t, rail, nil)
	ctx := context.Background()

	snap, err := h.orch.StartCheckout(ctx, startRequest())
	if err != nil {
		t.Fatalf("StartCheckout: %v", err)
	}
	failed := waitTerminal(t, h.orch, snap.ID)
	if failed.State != checkoutdomain.StateError {
		t.Fatalf("state = %s, want error", failed.State)
	}
	if failed.Err == nil || !failed.Err.Retryable() {
		t.Fatalf("err = %+v, want retryable", failed.Err)
	}
	firstOrderID := failed.BatchOrderID
	if firstOrderID == "" {
		t.Fatal("order should exist before the rail failure")
	}

	if _, err := h.orch.RetryPayment(ctx, snap.ID); err != nil {
		t.Fatalf("RetryPayment: %v", err)
	}
	final := waitTerminal(t, h.orch, snap.ID)

	if final.State != checkoutdomain.StateSuccess {
		t.Fatalf("state = %s, want success (err: %+v)", final.State, final.Err)
	}
	if final.BatchOrderID != firstOrderID {
		t.Fatalf("retry created order %s, want reuse of %s", final.BatchOrderID, firstOrderID)
	}
	if got := h.rail.calls.Load(); got != 2 {
		t.Fatalf("rail submissions = %d, want 2", got)
	}

	batch, err := h.store.GetBatchOrder(ctx, firstOrderID)
	if err != nil {
		t.Fatalf("GetBatchOrder: %v", err)
	}
	if batch.Status != order.StatusConfirmed {
		t.Fatalf("order status = %s, want %s", batch.Status, order.StatusConfirmed)
	}
}

func TestRetryPaymentRejectsNonRetryableFailure(t *testing.T) {
	rail := &stubRail{
		submit: func(context.Context, order.BatchOrder, checkoutdomain.PaymentMethod) (rails.Submission, error) {
			return rails.Submission{}, checkoutdomain.NewError(checkoutdomain.KindValidation, "card declined", nil)
		},
	}
	h := newHarness(t, rail, nil)
	ctx := context.Background()

	snap, err := h.orch.StartCheckout(ctx, startRequest())
	if err != nil {
		t.Fatalf("StartCheckout: %v", err)
	}
	waitTerminal(t, h.orch, snap.ID)

	if _, err := h.orch.RetryPayment(ctx, snap.ID); err == nil {
		t.Fatal("expected retry of a non-retryable failure to be rejected")
	}
}

func TestCancelCheckoutFailsOpenOrder(t *testing.T) {
	release := make(chan struct{})
	rail := &stubRail{
		submit: func(ctx context.Context, _ order.BatchOrder, _ checkoutdomain.PaymentMethod) (rails.Submission, error) {
			select {
			case <-ctx.Done():
				return rails.Submission{}, ctx.Err()
			case <-release:
				return rails.Submission{Reference: "tx_late"}, nil
			}
		},
	}
	h := newHarness(t, rail, nil)
	defer close(release)
	ctx := context.Background()

	snap, err := h.orch.StartCheckout(ctx, startRequest())
	if err != nil {
		t.Fatalf("StartCheckout: %v", err)
	}

	// Wait until the attempt holds an order and is parked inside the rail.
	deadline := time.Now().Add(2 * time.Second)
	for {
		cur, _ := h.orch.GetProgress(snap.ID)
		if cur.BatchOrderID != "" && cur.State == checkoutdomain.StateProcessingPayment {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("attempt never reached processing_payment with an order")
		}
		time.Sleep(2 * time.Millisecond)
	}

	cancelled, err := h.orch.CancelCheckout(ctx, snap.ID)
	if err != nil {
		t.Fatalf("CancelCheckout: %v", err)
	}
	if cancelled.State != checkoutdomain.StateError {
		t.Fatalf("state = %s, want error", cancelled.State)
	}
	if cancelled.Err == nil || cancelled.Err.Kind != checkoutdomain.KindCancelled {
		t.Fatalf("err = %+v, want kind %s", cancelled.Err, checkoutdomain.KindCancelled)
	}
	if cancelled.Err.Retryable() {
		t.Fatal("cancellation must not be retryable")
	}

	batch, err := h.store.GetBatchOrder(ctx, cancelled.BatchOrderID)
	if err != nil {
		t.Fatalf("GetBatchOrder: %v", err)
	}
	if batch.Status != order.StatusFailed {
		t.Fatalf("order status = %s, want %s", batch.Status, order.StatusFailed)
	}

	// Terminal sessions cannot be cancelled again.
	if _, err := h.orch.CancelCheckout(ctx, snap.ID); err == nil {
		t.Fatal("expected cancel of a terminal session to be rejected")
	}
}

func TestCardWebhookConfirmsAttempt(t *testing.T) {
	rail := &stubRail{
		submit: func(context.Context, order.BatchOrder, checkoutdomain.PaymentMethod) (rails.Submission, error) {
			return rails.Submission{Reference: "pi_123", Async: true}, nil
		},
		max: time.Second,
	}
	h := newHarness(t, rail, nil)
	ctx := context.Background()

	req := startRequest()
	req.Method = checkoutdomain.Card{}
	snap, err := h.orch.StartCheckout(ctx, req)
	if err != nil {
		t.Fatalf("StartCheckout: %v", err)
	}

	// Wait for the attempt to park on the webhook.
	var cur checkoutdomain.Session
	deadline := time.Now().Add(2 * time.Second)
	for {
		cur, _ = h.orch.GetProgress(snap.ID)
		if cur.State == checkoutdomain.StateConfirmingTransaction {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("attempt never reached confirming_transaction (state %s)", cur.State)
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := h.orch.HandleCardResult(ctx, cur.BatchOrderID, "pi_123", true); err != nil {
		t.Fatalf("HandleCardResult: %v", err)
	}
	final := waitTerminal(t, h.orch, snap.ID)
	if final.State != checkoutdomain.StateSuccess {
		t.Fatalf("state = %s, want success (err: %+v)", final.State, final.Err)
	}

	batch, err := h.store.GetBatchOrder(ctx, cur.BatchOrderID)
	if err != nil {
		t.Fatalf("GetBatchOrder: %v", err)
	}
	if batch.Status != order.StatusConfirmed {
		t.Fatalf("order status = %s, want %s", batch.Status, order.StatusConfirmed)
	}
}

func TestCardWebhookAfterTimeoutHitsLedger(t *testing.T) {
	rail := &stubRail{
		submit: func(context.Context, order.BatchOrder, checkoutdomain.PaymentMethod) (rails.Submission, error) {
			return rails.Submission{Reference: "pi_late", Async: true}, nil
		},
		max: 30 * time.Millisecond,
	}
	h := newHarness(t, rail, nil)
	ctx := context.Background()

	req := startRequest()
	req.Method = checkoutdomain.Card{}
	snap, err := h.orch.StartCheckout(ctx, req)
	if err != nil {
		t.Fatalf("StartCheckout: %v", err)
	}
	final := waitTerminal(t, h.orch, snap.ID)
	if final.Err == nil || final.Err.Kind != checkoutdomain.KindConfirmationTimeout {
		t.Fatalf("err = %+v, want kind %s", final.Err, checkoutdomain.KindConfirmationTimeout)
	}

	// The late webhook still settles the order through the ledger.
	if err := h.orch.HandleCardResult(ctx, final.BatchOrderID, "pi_late", true); err != nil {
		t.Fatalf("HandleCardResult: %v", err)
	}
	batch, err := h.store.GetBatchOrder(ctx, final.BatchOrderID)
	if err != nil {
		t.Fatalf("GetBatchOrder: %v", err)
	}
	if batch.Status != order.StatusConfirmed {
		t.Fatalf("order status = %s, want %s", batch.Status, order.StatusConfirmed)
	}
}

func TestCloseSessionOnlyDiscardsTerminal(t *testing.T) {
	release := make(chan struct{})
	rail := &stubRail{
		submit: func(ctx context.Context, _ order.BatchOrder, _ checkoutdomain.PaymentMethod) (rails.Submission, error) {
			select {
			case <-ctx.Done():
				return rails.Submission{}, ctx.Err()
			case <-release:
				return rails.Submission{Reference: "tx_ok"}, nil
			}
		},
	}
	h := newHarness(t, rail, nil)
	ctx := context.Background()

	snap, err := h.orch.StartCheckout(ctx, startRequest())
	if err != nil {
		t.Fatalf("StartCheckout: %v", err)
	}

	h.orch.CloseSession(snap.ID)
	if _, ok := h.orch.GetProgress(snap.ID); !ok {
		t.Fatal("in-flight session must survive CloseSession")
	}

	close(release)
	waitTerminal(t, h.orch, snap.ID)
	h.orch.CloseSession(snap.ID)
	if _, ok := h.orch.GetProgress(snap.ID); ok {
		t.Fatal("terminal session should be discarded")
	}
}

// overrideStore wraps the memory store to inject failures or delays into
// individual ledger calls.
type overrideStore struct {
	*memory.Store
	create func(ctx context.Context, token string, o order.BatchOrder) (order.BatchOrder, error)
	attach func(ctx context.Context, batchOrderID, reference string, amount decimal.Decimal) error
}

func (s *overrideStore) CreateBatchOrder(ctx context.Context, token string, o order.BatchOrder) (order.BatchOrder, error) {
	if s.create != nil {
		return s.create(ctx, token, o)
	}
	return s.Store.CreateBatchOrder(ctx, token, o)
}

func (s *overrideStore) AttachTransaction(ctx context.Context, batchOrderID, reference string, amount decimal.Decimal) error {
	if s.attach != nil {
		return s.attach(ctx, batchOrderID, reference, amount)
	}
	return s.Store.AttachTransaction(ctx, batchOrderID, reference, amount)
}

func newOrchestratorOver(t *testing.T, store *overrideStore, rail *stubRail) *Orchestrator {
	t.Helper()
	if rail == nil {
		rail = &stubRail{}
	}
	checker := eligibilitysvc.CheckerFunc(func(context.Context, string, eligibility.Rule) (bool, error) {
		return true, nil
	})
	eligSvc := eligibilitysvc.New(checker, nil, nil)
	verify := settlement.VerifierFunc(func(context.Context, string, settlement.Expectation) (bool, error) {
		return true, nil
	})
	return New(
		eligSvc,
		couponsvc.New(store.Store, eligSvc, nil),
		ledgersvc.New(store, nil),
		rails.NewDispatcher(rail, rail, rail, rail, nil),
		settlement.NewMonitor(verify, nil),
		Config{ReceiverWallet: "merchant-wallet", Currency: "USDC"},
		nil,
	)
}

func TestCardWebhookIgnoresStaleIntent(t *testing.T) {
	rail := &stubRail{
		submit: func(context.Context, order.BatchOrder, checkoutdomain.PaymentMethod) (rails.Submission, error) {
			return rails.Submission{Reference: "pi_live", Async: true}, nil
		},
		max: time.Second,
	}
	h := newHarness(t, rail, nil)
	ctx := context.Background()

	req := startRequest()
	req.Method = checkoutdomain.Card{}
	snap, err := h.orch.StartCheckout(ctx, req)
	if err != nil {
		t.Fatalf("StartCheckout: %v", err)
	}

	var cur checkoutdomain.Session
	deadline := time.Now().Add(2 * time.Second)
	for {
		cur, _ = h.orch.GetProgress(snap.ID)
		if cur.State == checkoutdomain.StateConfirmingTransaction {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("attempt never reached confirming_transaction (state %s)", cur.State)
		}
		time.Sleep(2 * time.Millisecond)
	}

	// A failure report for an intent the order is not waiting on must not
	// move the order.
	if err := h.orch.HandleCardResult(ctx, cur.BatchOrderID, "pi_stale", false); err != nil {
		t.Fatalf("HandleCardResult(stale): %v", err)
	}
	batch, err := h.store.GetBatchOrder(ctx, cur.BatchOrderID)
	if err != nil {
		t.Fatalf("GetBatchOrder: %v", err)
	}
	if batch.Status != order.StatusAwaitingPayment {
		t.Fatalf("order status = %s after stale webhook, want %s", batch.Status, order.StatusAwaitingPayment)
	}
	if mid, _ := h.orch.GetProgress(snap.ID); mid.State.Terminal() {
		t.Fatalf("attempt finished on a stale webhook (state %s)", mid.State)
	}

	// The live intent still resolves the attempt.
	if err := h.orch.HandleCardResult(ctx, cur.BatchOrderID, "pi_live", true); err != nil {
		t.Fatalf("HandleCardResult(live): %v", err)
	}
	final := waitTerminal(t, h.orch, snap.ID)
	if final.State != checkoutdomain.StateSuccess {
		t.Fatalf("state = %s, want success (err: %+v)", final.State, final.Err)
	}
	batch, err = h.store.GetBatchOrder(ctx, cur.BatchOrderID)
	if err != nil {
		t.Fatalf("GetBatchOrder: %v", err)
	}
	if batch.Status != order.StatusConfirmed {
		t.Fatalf("order status = %s, want %s", batch.Status, order.StatusConfirmed)
	}
}

func TestCancelDuringCreateFailsCommittedOrder(t *testing.T) {
	mem := memory.New()
	entered := make(chan struct{})
	release := make(chan struct{})
	var token atomic.Value

	store := &overrideStore{Store: mem}
	store.create = func(ctx context.Context, tok string, o order.BatchOrder) (order.BatchOrder, error) {
		token.Store(tok)
		close(entered)
		<-release
		// The row commits server-side even though the client call comes
		// back cancelled.
		if _, err := mem.CreateBatchOrder(context.Background(), tok, o); err != nil {
			return order.BatchOrder{}, err
		}
		return order.BatchOrder{}, ctx.Err()
	}
	orch := newOrchestratorOver(t, store, nil)
	ctx := context.Background()

	snap, err := orch.StartCheckout(ctx, startRequest())
	if err != nil {
		t.Fatalf("StartCheckout: %v", err)
	}
	<-entered

	cancelled, err := orch.CancelCheckout(ctx, snap.ID)
	if err != nil {
		t.Fatalf("CancelCheckout: %v", err)
	}
	if cancelled.Err == nil || cancelled.Err.Kind != checkoutdomain.KindCancelled {
		t.Fatalf("session error = %+v, want cancelled", cancelled.Err)
	}
	close(release)

	tok := token.Load().(string)
	deadline := time.Now().Add(3 * time.Second)
	for {
		batch, err := mem.GetBatchOrderByToken(ctx, tok)
		if err == nil && batch.Status == order.StatusFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("committed order never failed after cancel (batch: %+v, err: %v)", batch, err)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestAttachFailureLeavesOrderOpen(t *testing.T) {
	mem := memory.New()
	store := &overrideStore{Store: mem}
	store.attach = func(context.Context, string, string, decimal.Decimal) error {
		return errors.New("ledger write rejected")
	}
	orch := newOrchestratorOver(t, store, nil)
	ctx := context.Background()

	snap, err := orch.StartCheckout(ctx, startRequest())
	if err != nil {
		t.Fatalf("StartCheckout: %v", err)
	}

	final := waitTerminal(t, orch, snap.ID)
	if final.Err == nil || !final.Err.Pending() {
		t.Fatalf("error = %+v, want pending", final.Err)
	}
	if final.TxReference == "" {
		t.Fatal("session lost the broadcast reference")
	}
	if final.CartCleared {
		t.Fatal("cart cleared without a confirmed payment")
	}

	// The payment may still land; the order must not be failed.
	batch, err := mem.GetBatchOrder(ctx, final.BatchOrderID)
	if err != nil {
		t.Fatalf("GetBatchOrder: %v", err)
	}
	if batch.Status == order.StatusFailed {
		t.Fatalf("order status = %s, want left open", batch.Status)
	}
}
