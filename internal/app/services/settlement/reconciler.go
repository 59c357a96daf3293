package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bigkatzo/storefront-checkout/internal/app/domain/order"
	"github.com/bigkatzo/storefront-checkout/internal/app/services/ledger"
	"github.com/bigkatzo/storefront-checkout/internal/app/system"
	"github.com/bigkatzo/storefront-checkout/pkg/logger"
)

// Reconciler sweeps orders left AwaitingPayment after their monitor timed
// out. Transactions that landed late are confirmed; definitive mismatches
// are failed; everything else stays pending for the next sweep. Ledger
// transitions are CAS-guarded, so a webhook confirming the same order
// concurrently cannot double-finalize.
type Reconciler struct {
	ledger   *ledger.Service
	verifier Verifier
	schedule string
	minAge   time.Duration
	log      *logger.Logger

	mu          sync.Mutex
	cron        *cron.Cron
	running     bool
	nextAttempt map[string]time.Time
}

var _ system.Service = (*Reconciler)(nil)

// NewReconciler creates the background reconciliation sweep. schedule is a
// cron spec; empty defaults to every minute.
func NewReconciler(ledgerSvc *ledger.Service, verifier Verifier, schedule string, log *logger.Logger) *Reconciler {
	if schedule == "" {
		schedule = "@every 1m"
	}
	if log == nil {
		log = logger.NewDefault("settlement-reconciler")
	}
	return &Reconciler{
		ledger:      ledgerSvc,
		verifier:    verifier,
		schedule:    schedule,
		minAge:      time.Minute,
		log:         log,
		nextAttempt: make(map[string]time.Time),
	}
}

func (r *Reconciler) Name() string { return "settlement-reconciler" }

func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(r.schedule, func() { r.sweep(ctx) }); err != nil {
		return err
	}
	c.Start()
	r.cron = c
	r.running = true

	r.log.Infof("settlement reconciler started (schedule %s)", r.schedule)
	return nil
}

func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	c := r.cron
	r.running = false
	r.cron = nil
	r.mu.Unlock()

	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	r.log.Info("settlement reconciler stopped")
	return nil
}

// sweep re-verifies every stale AwaitingPayment order once per backoff
// window.
func (r *Reconciler) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	pending, err := r.ledger.ListAwaitingPayment(sweepCtx, r.minAge)
	if err != nil {
		r.log.WithError(err).Warn("list pending orders failed")
		return
	}

	now := time.Now()
	for _, o := range pending {
		if !r.shouldAttempt(o.BatchOrderID, now) {
			continue
		}
		r.reconcile(sweepCtx, o)
	}
}

func (r *Reconciler) reconcile(ctx context.Context, o order.BatchOrder) {
	if o.TxReference == "" {
		// No reference was ever attached; nothing to verify against.
		r.scheduleNext(o.BatchOrderID, 10*time.Minute)
		return
	}

	confirmed, err := r.verifier.VerifyTransaction(ctx, o.TxReference, Expectation{
		Amount:    o.TotalAmount,
		Buyer:     o.BuyerWallet,
		Recipient: o.ReceiverWallet,
	})
	if err != nil {
		if errors.Is(err, ErrMismatch) {
			if failErr := r.ledger.Fail(ctx, o.BatchOrderID, err.Error()); failErr != nil {
				r.log.WithError(failErr).Warnf("fail order %s", o.BatchOrderID)
			}
			r.clearSchedule(o.BatchOrderID)
			return
		}
		r.log.WithError(err).Warnf("verify order %s failed", o.BatchOrderID)
		r.scheduleNext(o.BatchOrderID, 2*time.Minute)
		return
	}

	if !confirmed {
		r.scheduleNext(o.BatchOrderID, 5*time.Minute)
		return
	}

	if err := r.ledger.Confirm(ctx, o.BatchOrderID); err != nil {
		r.log.WithError(err).Warnf("confirm order %s failed", o.BatchOrderID)
		r.scheduleNext(o.BatchOrderID, 2*time.Minute)
		return
	}
	r.log.WithField("batch_order_id", o.BatchOrderID).Info("late settlement reconciled")
	r.clearSchedule(o.BatchOrderID)
}

func (r *Reconciler) shouldAttempt(id string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, ok := r.nextAttempt[id]
	return !ok || now.After(next)
}

func (r *Reconciler) scheduleNext(id string, after time.Duration) {
	r.mu.Lock()
	r.nextAttempt[id] = time.Now().Add(after)
	r.mu.Unlock()
}

func (r *Reconciler) clearSchedule(id string) {
	r.mu.Lock()
	delete(r.nextAttempt, id)
	r.mu.Unlock()
}
