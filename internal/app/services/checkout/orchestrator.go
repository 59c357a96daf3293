// Package checkout implements the checkout orchestrator: the state machine
// that sequences eligibility, discounting, order creation, payment rail
// dispatch and settlement monitoring, and drives every attempt to a
// terminal, user-visible state.
package checkout

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	checkoutdomain "github.com/bigkatzo/storefront-checkout/internal/app/domain/checkout"
	"github.com/bigkatzo/storefront-checkout/internal/app/metrics"
	couponsvc "github.com/bigkatzo/storefront-checkout/internal/app/services/coupon"
	eligibilitysvc "github.com/bigkatzo/storefront-checkout/internal/app/services/eligibility"
	ledgersvc "github.com/bigkatzo/storefront-checkout/internal/app/services/ledger"
	"github.com/bigkatzo/storefront-checkout/internal/app/services/rails"
	"github.com/bigkatzo/storefront-checkout/internal/app/services/settlement"
	"github.com/bigkatzo/storefront-checkout/pkg/logger"
)

// Per-stage deadlines. Every suspending call gets an explicit bound so the
// attempt goroutine cannot run indefinitely.
const (
	eligibilityTimeout = 15 * time.Second
	couponTimeout      = 10 * time.Second
	ledgerTimeout      = 15 * time.Second
	railTimeout        = 60 * time.Second
)

// Config carries the orchestrator's merchant-side settlement parameters.
type Config struct {
	ReceiverWallet string
	Currency       string
}

// session is the orchestrator's mutable per-attempt state. The embedded
// Session value is what callers observe through GetProgress.
type session struct {
	mu sync.Mutex
	checkoutdomain.Session

	token     string // idempotency token, pinned once an order exists
	cancel    context.CancelFunc
	cardDone  chan bool // card webhook outcome, nil for synchronous rails
	startedAt time.Time
	finished  bool // attempt outcome recorded; reset on retry
}

// Orchestrator owns all in-flight checkout sessions.
type Orchestrator struct {
	eligibility *eligibilitysvc.Service
	coupons     *couponsvc.Service
	ledger      *ledgersvc.Service
	rails       *rails.Dispatcher
	monitor     *settlement.Monitor
	cfg         Config
	log         *logger.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// New constructs the orchestrator.
func New(eligibility *eligibilitysvc.Service, coupons *couponsvc.Service, ledgerSvc *ledgersvc.Service, dispatcher *rails.Dispatcher, monitor *settlement.Monitor, cfg Config, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.NewDefault("checkout")
	}
	if cfg.Currency == "" {
		cfg.Currency = "USDC"
	}
	return &Orchestrator{
		eligibility: eligibility,
		coupons:     coupons,
		ledger:      ledgerSvc,
		rails:       dispatcher,
		monitor:     monitor,
		cfg:         cfg,
		log:         log,
		sessions:    make(map[string]*session),
	}
}

// StartRequest is everything a checkout attempt needs up front.
type StartRequest struct {
	Wallet     string
	Cart       []checkoutdomain.CartLine
	Shipping   checkoutdomain.ShippingInfo
	Method     checkoutdomain.PaymentMethod
	CouponCode string
}

// validate runs every precondition before any side effect.
func (r StartRequest) validate() error {
	if len(r.Cart) == 0 {
		return fmt.Errorf("cart is empty")
	}
	for _, line := range r.Cart {
		if err := line.Validate(); err != nil {
			return err
		}
	}
	if err := r.Shipping.Validate(); err != nil {
		return err
	}
	if err := checkoutdomain.ValidateMethod(r.Method); err != nil {
		return err
	}
	if r.Method.RequiresWallet() && strings.TrimSpace(r.Wallet) == "" {
		return fmt.Errorf("a connected wallet is required for %s payments", r.Method.Kind())
	}
	return nil
}

// StartCheckout validates the request, registers a session and runs the
// attempt on its own goroutine. The returned snapshot is in CreatingOrder;
// callers follow progress via GetProgress.
func (o *Orchestrator) StartCheckout(ctx context.Context, req StartRequest) (checkoutdomain.Session, error) {
	if err := req.validate(); err != nil {
		return checkoutdomain.Session{}, checkoutdomain.NewError(checkoutdomain.KindValidation, err.Error(), err)
	}

	now := time.Now().UTC()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		Session: checkoutdomain.Session{
			ID:         uuid.NewString(),
			Wallet:     strings.TrimSpace(req.Wallet),
			Cart:       req.Cart,
			Shipping:   req.Shipping,
			Method:     req.Method,
			CouponCode: strings.TrimSpace(req.CouponCode),
			State:      checkoutdomain.StateInitial,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		token:     uuid.NewString(),
		cancel:    cancel,
		startedAt: now,
	}

	o.mu.Lock()
	o.sessions[s.ID] = s
	o.mu.Unlock()

	s.setState(checkoutdomain.StateCreatingOrder)
	go o.run(runCtx, s, false)

	return s.snapshot(), nil
}

// GetProgress returns the current session snapshot.
func (o *Orchestrator) GetProgress(sessionID string) (checkoutdomain.Session, bool) {
	o.mu.Lock()
	s, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		return checkoutdomain.Session{}, false
	}
	return s.snapshot(), true
}

// CancelCheckout aborts an attempt from CreatingOrder or ProcessingPayment.
// An order that already exists is marked Failed, never deleted.
func (o *Orchestrator) CancelCheckout(ctx context.Context, sessionID string) (checkoutdomain.Session, error) {
	o.mu.Lock()
	s, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		return checkoutdomain.Session{}, fmt.Errorf("unknown checkout session %s", sessionID)
	}

	s.mu.Lock()
	state := s.State
	batchOrderID := s.BatchOrderID
	cancel := s.cancel
	s.mu.Unlock()

	switch state {
	case checkoutdomain.StateCreatingOrder, checkoutdomain.StateProcessingPayment:
	default:
		return s.snapshot(), fmt.Errorf("cannot cancel from state %s", state)
	}

	if cancel != nil {
		cancel()
	}
	if batchOrderID != "" {
		failCtx, done := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
		defer done()
		if err := o.ledger.Fail(failCtx, batchOrderID, "cancelled by user"); err != nil {
			o.log.WithError(err).Warnf("mark cancelled order %s failed", batchOrderID)
		}
	}

	s.fail(checkoutdomain.NewError(checkoutdomain.KindCancelled, "checkout cancelled", nil))
	o.finish(s, "cancelled")
	return s.snapshot(), nil
}

// RetryPayment re-enters the flow after a retryable failure. With an
// existing order it resumes at ProcessingPayment on the same batch order id;
// without one the attempt starts over under a fresh idempotency token.
func (o *Orchestrator) RetryPayment(ctx context.Context, sessionID string) (checkoutdomain.Session, error) {
	o.mu.Lock()
	s, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		return checkoutdomain.Session{}, fmt.Errorf("unknown checkout session %s", sessionID)
	}

	s.mu.Lock()
	if s.State != checkoutdomain.StateError || s.Err == nil || !s.Err.Retryable() {
		state, errInfo := s.State, s.Err
		s.mu.Unlock()
		if errInfo != nil && !errInfo.Retryable() {
			return checkoutdomain.Session{}, fmt.Errorf("attempt is not retryable (%s); start a new checkout", errInfo.Kind)
		}
		return checkoutdomain.Session{}, fmt.Errorf("cannot retry from state %s", state)
	}

	hasOrder := s.BatchOrderID != ""
	if !hasOrder {
		// The token changes only when no order exists yet; once an order is
		// created the token and batch order id are pinned for the attempt.
		s.token = uuid.NewString()
	}
	s.Err = nil
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.startedAt = time.Now().UTC()
	s.finished = false
	s.mu.Unlock()

	if hasOrder {
		s.setState(checkoutdomain.StateProcessingPayment)
	} else {
		s.setState(checkoutdomain.StateCreatingOrder)
	}
	go o.run(runCtx, s, hasOrder)
	return s.snapshot(), nil
}

// CloseSession discards a terminal session once the UI surface closes.
func (o *Orchestrator) CloseSession(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.sessions[sessionID]; ok {
		if s.snapshot().State.Terminal() {
			delete(o.sessions, sessionID)
		}
	}
}

// run executes one attempt as a strict sequence of bounded suspending calls.
// resume skips straight to payment when the order already exists.
func (o *Orchestrator) run(ctx context.Context, s *session, resume bool) {
	if !resume {
		if err := o.prepareOrder(ctx, s); err != nil {
			cerr := o.classify(ctx, err)
			o.failOrder(ctx, s, cerr)
			s.fail(cerr)
			o.finish(s, "error")
			return
		}
		s.mu.Lock()
		done := s.State.Terminal()
		s.mu.Unlock()
		if done {
			// Free order settled during prepare.
			o.finish(s, "success")
			return
		}
	}

	if err := o.processPayment(ctx, s); err != nil {
		cerr := o.classify(ctx, err)
		if cerr.Pending() {
			// Soft failure: the order stays AwaitingPayment and background
			// reconciliation may still confirm it.
			s.fail(cerr)
			o.finish(s, "pending")
			return
		}
		o.failOrder(ctx, s, cerr)
		s.fail(cerr)
		o.finish(s, "error")
		return
	}

	s.succeed()
	o.finish(s, "success")
}

// prepareOrder runs eligibility, discounting and order creation, and settles
// free orders immediately.
func (o *Orchestrator) prepareOrder(ctx context.Context, s *session) error {
	snap := s.snapshot()

	// Eligibility: fail fast before any order exists.
	eligCtx, cancel := context.WithTimeout(ctx, eligibilityTimeout)
	results, allOK, err := o.eligibility.VerifyCart(eligCtx, snap.Wallet, snap.Cart)
	cancel()
	if err != nil {
		return checkoutdomain.NewError(checkoutdomain.KindEligibility,
			"could not verify item eligibility, please try again", err)
	}
	if !allOK {
		var failed []string
		for _, r := range results {
			if !r.Verified {
				failed = append(failed, r.ItemName)
			}
		}
		return checkoutdomain.NewError(checkoutdomain.KindEligibility,
			fmt.Sprintf("you are not eligible to purchase: %s", strings.Join(failed, ", ")), nil)
	}

	// Discount.
	total := checkoutdomain.CartTotal(snap.Cart)
	discount := decimal.Zero
	final := total
	free := false
	if snap.CouponCode != "" {
		couponCtx, cancel := context.WithTimeout(ctx, couponTimeout)
		result, err := o.coupons.Validate(couponCtx, snap.CouponCode, snap.Wallet, checkoutdomain.CollectionIDs(snap.Cart), total)
		cancel()
		if err != nil {
			return checkoutdomain.NewError(checkoutdomain.KindValidation, couponMessage(err), err)
		}
		discount, final, free = result.Discount, result.Final, result.Free
	}

	// Create the batch order exactly once under the attempt's pinned token.
	createCtx, cancel := context.WithTimeout(ctx, ledgerTimeout)
	created, err := o.ledger.CreateBatchOrder(createCtx, ledgersvc.CreateRequest{
		IdempotencyToken: s.idempotencyToken(),
		Cart:             snap.Cart,
		Shipping:         snap.Shipping,
		BuyerWallet:      snap.Wallet,
		ReceiverWallet:   o.cfg.ReceiverWallet,
		Currency:         o.cfg.Currency,
		PaymentKind:      snap.Method.Kind(),
		CouponCode:       snap.CouponCode,
		DiscountAmount:   discount,
		TotalAmount:      final,
	})
	cancel()
	if err != nil {
		return checkoutdomain.NewError(checkoutdomain.KindLedger,
			"your order could not be created, please try again", err)
	}
	s.attachOrder(created.BatchOrderID)

	// Free-order shortcut: settle with a synthetic reference and never touch
	// the payment rails.
	if free || final.Sign() == 0 {
		finalizeCtx, cancel := context.WithTimeout(ctx, ledgerTimeout)
		defer cancel()
		reference := "free_" + uuid.NewString()
		if err := o.ledger.AttachTransaction(finalizeCtx, created.BatchOrderID, reference, decimal.Zero); err != nil {
			return checkoutdomain.NewError(checkoutdomain.KindLedger,
				"your order could not be finalized, please contact support", err)
		}
		if err := o.ledger.Confirm(finalizeCtx, created.BatchOrderID); err != nil {
			return checkoutdomain.NewError(checkoutdomain.KindLedger,
				"your order could not be finalized, please contact support", err)
		}
		s.setReference(reference)
		s.succeed()
	}
	return nil
}

// processPayment dispatches the payment rail and waits for settlement.
func (o *Orchestrator) processPayment(ctx context.Context, s *session) error {
	snap := s.snapshot()
	s.setState(checkoutdomain.StateProcessingPayment)

	getCtx, cancel := context.WithTimeout(ctx, ledgerTimeout)
	batch, err := o.ledger.Get(getCtx, snap.BatchOrderID)
	cancel()
	if err != nil {
		return checkoutdomain.NewError(checkoutdomain.KindLedger,
			"your order could not be loaded, please try again", err)
	}

	railCtx, cancel := context.WithTimeout(ctx, railTimeout)
	sub, err := o.rails.Submit(railCtx, batch, snap.Method)
	cancel()
	metrics.RecordRailSubmission(string(snap.Method.Kind()), err == nil)
	if err != nil {
		return err
	}

	attachCtx, cancel := context.WithTimeout(ctx, ledgerTimeout)
	err = o.ledger.AttachTransaction(attachCtx, batch.BatchOrderID, sub.Reference, batch.TotalAmount)
	cancel()
	if err != nil {
		// The broadcast is out regardless, so the order must stay open; the
		// session keeps the reference and reconciliation can still land it.
		s.setReference(sub.Reference)
		return checkoutdomain.NewError(checkoutdomain.KindConfirmationTimeout,
			"payment was submitted but could not be recorded yet; we will confirm your order once it lands", err)
	}
	s.setReference(sub.Reference)
	s.setState(checkoutdomain.StateConfirmingTransaction)

	interval, max := o.rails.ConfirmationBudget(snap.Method)
	if sub.Async {
		return o.awaitCardConfirmation(ctx, s, max)
	}

	result, err := o.monitor.Watch(ctx, sub.Reference, settlement.Expectation{
		Amount:    batch.TotalAmount,
		Buyer:     batch.BuyerWallet,
		Recipient: batch.ReceiverWallet,
	}, batch.BatchOrderID, interval, max)
	if err != nil {
		return checkoutdomain.NewError(checkoutdomain.KindInternal,
			"payment confirmation could not be tracked", err)
	}
	metrics.RecordSettlement(string(result.Outcome))

	switch result.Outcome {
	case settlement.OutcomeConfirmed:
		confirmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
		defer cancel()
		if err := o.ledger.Confirm(confirmCtx, batch.BatchOrderID); err != nil {
			return checkoutdomain.NewError(checkoutdomain.KindLedger,
				"payment confirmed but the order could not be finalized, please contact support", err)
		}
		return nil
	case settlement.OutcomeFailed:
		return checkoutdomain.NewError(checkoutdomain.KindReconciliationMismatch,
			"payment verification failed, please contact support", fmt.Errorf("%s", result.Reason))
	default:
		return checkoutdomain.NewError(checkoutdomain.KindConfirmationTimeout,
			"payment is still pending; we will confirm your order once it lands", nil)
	}
}

// awaitCardConfirmation parks the attempt until the processor webhook
// reports the intent outcome or the confirmation budget runs out.
func (o *Orchestrator) awaitCardConfirmation(ctx context.Context, s *session, max time.Duration) error {
	s.mu.Lock()
	if s.cardDone == nil {
		s.cardDone = make(chan bool, 1)
	}
	done := s.cardDone
	batchOrderID := s.BatchOrderID
	s.mu.Unlock()

	timer := time.NewTimer(max)
	defer timer.Stop()

	select {
	case succeeded := <-done:
		if !succeeded {
			return checkoutdomain.NewError(checkoutdomain.KindRailUserRejected,
				"card payment was not completed", nil)
		}
		confirmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
		defer cancel()
		if err := o.ledger.Confirm(confirmCtx, batchOrderID); err != nil {
			return checkoutdomain.NewError(checkoutdomain.KindLedger,
				"payment confirmed but the order could not be finalized, please contact support", err)
		}
		return nil
	case <-timer.C:
		return checkoutdomain.NewError(checkoutdomain.KindConfirmationTimeout,
			"card confirmation is still pending; we will confirm your order once the processor reports it", nil)
	case <-ctx.Done():
		return checkoutdomain.NewError(checkoutdomain.KindCancelled, "checkout cancelled", ctx.Err())
	}
}

// HandleCardResult processes the card processor's webhook. A session still
// in flight is signalled; otherwise the ledger is finalized directly, which
// also covers webhooks arriving after a restart. CAS transitions make the
// two paths race-safe.
func (o *Orchestrator) HandleCardResult(ctx context.Context, batchOrderID, intentID string, succeeded bool) error {
	o.mu.Lock()
	var target *session
	for _, s := range o.sessions {
		snap := s.snapshot()
		if snap.BatchOrderID == batchOrderID && snap.TxReference == intentID {
			target = s
			break
		}
	}
	o.mu.Unlock()

	if target != nil {
		target.mu.Lock()
		terminal := target.State.Terminal()
		if !terminal && target.cardDone == nil {
			// Webhook raced ahead of the waiter; buffer the outcome for it.
			target.cardDone = make(chan bool, 1)
		}
		done := target.cardDone
		target.mu.Unlock()
		if !terminal && done != nil {
			select {
			case done <- succeeded:
				return nil
			default:
				// The attempt consumed an earlier signal; fall through.
			}
		}
	}

	// Finalize through the ledger only for the intent actually attached to
	// the order. A retry supersedes the previous intent, and a webhook for a
	// superseded one must not move a live order.
	batch, err := o.ledger.Get(ctx, batchOrderID)
	if err != nil {
		return err
	}
	if batch.TxReference != intentID {
		o.log.WithField("batch_order_id", batchOrderID).
			WithField("intent", intentID).
			WithField("reference", batch.TxReference).
			Warn("card webhook for a superseded intent ignored")
		return nil
	}
	if succeeded {
		return o.ledger.Confirm(ctx, batchOrderID)
	}
	return o.ledger.Fail(ctx, batchOrderID, "card payment failed")
}

// classify maps an attempt error onto the checkout taxonomy. A run whose
// context was cancelled always reports cancellation regardless of which
// stage observed it first.
func (o *Orchestrator) classify(ctx context.Context, err error) *checkoutdomain.Error {
	if ctx.Err() != nil {
		return checkoutdomain.NewError(checkoutdomain.KindCancelled, "checkout cancelled", ctx.Err())
	}
	return checkoutdomain.AsError(err)
}

// failOrder marks the ledger record failed for errors that end the attempt.
// Orders with a pending timeout are deliberately left AwaitingPayment, and
// retryable rail errors keep the order open for a payment retry.
func (o *Orchestrator) failOrder(ctx context.Context, s *session, cerr *checkoutdomain.Error) {
	snap := s.snapshot()
	batchOrderID := snap.BatchOrderID
	if batchOrderID == "" && cerr.Kind == checkoutdomain.KindCancelled {
		// A create cut short by the cancel may still have committed under
		// the attempt's pinned token; without this lookup the row would sit
		// in Created forever, outside the reconciler's sweep.
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
		batch, err := o.ledger.GetByToken(lookupCtx, s.idempotencyToken())
		cancel()
		if err == nil {
			batchOrderID = batch.BatchOrderID
			s.attachOrder(batchOrderID)
		}
	}
	if batchOrderID == "" || cerr.Pending() || cerr.Retryable() {
		return
	}
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
	defer cancel()
	if err := o.ledger.Fail(failCtx, batchOrderID, cerr.Message); err != nil {
		o.log.WithError(err).Warnf("mark order %s failed", batchOrderID)
	}
}

// finish records the attempt outcome exactly once per attempt.
func (o *Orchestrator) finish(s *session, outcome string) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	duration := time.Since(s.startedAt)
	id := s.ID
	state := s.State
	s.mu.Unlock()

	metrics.RecordCheckout(outcome, duration)
	o.log.WithField("session", id).
		WithField("state", string(state)).
		WithField("outcome", outcome).
		WithField("duration", duration.String()).
		Info("checkout attempt finished")
}

func couponMessage(err error) string {
	msg := err.Error()
	if idx := strings.Index(msg, ": "); idx > 0 {
		return msg[idx+2:]
	}
	return msg
}

// session helpers -------------------------------------------------------------

func (s *session) snapshot() checkoutdomain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Session
}

func (s *session) idempotencyToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// setState advances progress monotonically; regressions are ignored.
func (s *session) setState(next checkoutdomain.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.State.CanAdvance(next) {
		return
	}
	s.State = next
	s.UpdatedAt = time.Now().UTC()
}

func (s *session) attachOrder(batchOrderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BatchOrderID = batchOrderID
	s.UpdatedAt = time.Now().UTC()
}

func (s *session) setReference(reference string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TxReference = reference
	s.UpdatedAt = time.Now().UTC()
}

func (s *session) succeed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State.Terminal() {
		return
	}
	s.State = checkoutdomain.StateSuccess
	// The cart is cleared only at Success; a pending confirmation must not
	// signal premature success.
	s.CartCleared = true
	s.Err = nil
	s.UpdatedAt = time.Now().UTC()
}

func (s *session) fail(cerr *checkoutdomain.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State == checkoutdomain.StateSuccess {
		return
	}
	s.State = checkoutdomain.StateError
	s.Err = cerr
	s.UpdatedAt = time.Now().UTC()
}
