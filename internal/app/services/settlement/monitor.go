// Package settlement watches submitted payments for finality. The monitor
// runs a bounded poll loop per payment reference; the reconciler sweeps
// orders whose confirmation outlived the monitor's budget.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bigkatzo/storefront-checkout/pkg/logger"
)

// Outcome is the terminal result of watching one payment reference.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
)

// Result reports how a watch ended. Reason is set for failures.
type Result struct {
	Outcome Outcome
	Reason  string
}

// ErrWatchInFlight is returned when a watch is already running for the same
// batch order. At most one in-flight poll per order is allowed.
var ErrWatchInFlight = errors.New("a settlement watch is already running for this order")

// Monitor polls the verifier until the reference confirms, definitively
// fails, or the budget runs out.
type Monitor struct {
	verifier Verifier
	log      *logger.Logger

	mu       sync.Mutex
	inFlight map[string]bool // batchOrderID -> watching
}

// NewMonitor constructs a settlement monitor.
func NewMonitor(verifier Verifier, log *logger.Logger) *Monitor {
	if log == nil {
		log = logger.NewDefault("settlement-monitor")
	}
	return &Monitor{
		verifier: verifier,
		log:      log,
		inFlight: make(map[string]bool),
	}
}

// Watch polls until the reference is confirmed or the budget is exhausted.
// On timeout the caller must leave the order AwaitingPayment: the underlying
// transaction may still land and background reconciliation picks it up.
func (m *Monitor) Watch(ctx context.Context, reference string, expected Expectation, batchOrderID string, interval, max time.Duration) (Result, error) {
	if m.verifier == nil {
		return Result{}, fmt.Errorf("no settlement verifier configured")
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}

	m.mu.Lock()
	if m.inFlight[batchOrderID] {
		m.mu.Unlock()
		return Result{}, ErrWatchInFlight
	}
	m.inFlight[batchOrderID] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.inFlight, batchOrderID)
		m.mu.Unlock()
	}()

	watchCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	attempts := 0
	for {
		attempts++
		confirmed, err := m.verifier.VerifyTransaction(watchCtx, reference, expected)
		if err != nil {
			if errors.Is(err, ErrMismatch) {
				m.log.WithError(err).
					WithField("batch_order_id", batchOrderID).
					WithField("reference", reference).
					Error("settlement mismatch")
				return Result{Outcome: OutcomeFailed, Reason: err.Error()}, nil
			}
			if watchCtx.Err() != nil {
				break
			}
			m.log.WithError(err).
				WithField("batch_order_id", batchOrderID).
				Warnf("settlement check attempt %d failed", attempts)
		} else if confirmed {
			m.log.WithField("batch_order_id", batchOrderID).
				WithField("reference", reference).
				WithField("attempts", attempts).
				Info("payment confirmed")
			return Result{Outcome: OutcomeConfirmed}, nil
		}

		select {
		case <-watchCtx.Done():
			m.log.WithField("batch_order_id", batchOrderID).
				WithField("reference", reference).
				WithField("attempts", attempts).
				Warn("settlement watch timed out; order left awaiting payment")
			return Result{Outcome: OutcomeTimedOut}, nil
		case <-ticker.C:
		}
	}

	return Result{Outcome: OutcomeTimedOut}, nil
}

// Watching reports whether a watch is in flight for the order. Used by tests
// and the orchestrator's duplicate-start guard.
func (m *Monitor) Watching(batchOrderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight[batchOrderID]
}
