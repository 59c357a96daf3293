// Package rails implements the payment rail strategies and the dispatcher
// that selects exactly one of them per checkout attempt. Rails must report
// user rejection, transient errors and expired quotes distinctly because the
// orchestrator's retry policy differs per cause.
package rails

import (
	"context"
	"fmt"
	"time"

	"github.com/bigkatzo/storefront-checkout/internal/app/domain/checkout"
	"github.com/bigkatzo/storefront-checkout/internal/app/domain/order"
	"github.com/bigkatzo/storefront-checkout/pkg/logger"
)

// Submission is the result of handing an order to a rail. Async submissions
// (the card rail) complete through an external callback; the reference then
// identifies a payment intent rather than a broadcast transaction.
type Submission struct {
	Reference string
	Async     bool
}

// Rail executes payment for one batch order.
type Rail interface {
	// Submit hands the order to the rail and returns a payment reference.
	// A returned reference means submitted, not settled.
	Submit(ctx context.Context, o order.BatchOrder, method checkout.PaymentMethod) (Submission, error)

	// ConfirmationBudget returns the poll interval and maximum confirmation
	// wait appropriate for this rail's settlement latency.
	ConfirmationBudget() (interval, max time.Duration)
}

// Dispatcher selects a rail by payment method variant.
type Dispatcher struct {
	card   Rail
	native Rail
	swap   Rail
	bridge Rail
	log    *logger.Logger
}

// NewDispatcher wires the closed set of rails.
func NewDispatcher(card, native, swap, bridge Rail, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewDefault("rails")
	}
	return &Dispatcher{card: card, native: native, swap: swap, bridge: bridge, log: log}
}

// railFor maps the sealed method union onto a rail. The switch is exhaustive
// over the union's variants; an unknown variant is a programming error.
func (d *Dispatcher) railFor(method checkout.PaymentMethod) (Rail, error) {
	switch method.(type) {
	case checkout.Card:
		return d.card, nil
	case checkout.NativeToken:
		return d.native, nil
	case checkout.SplToken:
		return d.swap, nil
	case checkout.CrossChain:
		return d.bridge, nil
	default:
		return nil, fmt.Errorf("no rail for payment method %T", method)
	}
}

// Submit invokes exactly one rail for this order.
func (d *Dispatcher) Submit(ctx context.Context, o order.BatchOrder, method checkout.PaymentMethod) (Submission, error) {
	rail, err := d.railFor(method)
	if err != nil {
		return Submission{}, checkout.NewError(checkout.KindInternal, "unsupported payment method", err)
	}
	if rail == nil {
		return Submission{}, checkout.NewError(checkout.KindInternal, "payment method not available",
			fmt.Errorf("rail for %s not configured", method.Kind()))
	}

	sub, err := rail.Submit(ctx, o, method)
	if err != nil {
		return Submission{}, err
	}

	d.log.WithField("batch_order_id", o.BatchOrderID).
		WithField("rail", string(method.Kind())).
		WithField("reference", sub.Reference).
		WithField("async", sub.Async).
		Info("payment submitted")
	return sub, nil
}

// ConfirmationBudget returns the confirmation budget of the rail serving the
// given method. Falls back to a conservative default for async rails.
func (d *Dispatcher) ConfirmationBudget(method checkout.PaymentMethod) (time.Duration, time.Duration) {
	rail, err := d.railFor(method)
	if err != nil || rail == nil {
		return 2 * time.Second, 30 * time.Second
	}
	return rail.ConfirmationBudget()
}
