package rails

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bigkatzo/storefront-checkout/internal/app/domain/checkout"
	"github.com/bigkatzo/storefront-checkout/internal/app/domain/order"
	"github.com/bigkatzo/storefront-checkout/pkg/logger"
)

// MinCardCharge is the processor-enforced floor for card payments, in the
// settlement currency.
var MinCardCharge = decimal.NewFromFloat(0.50)

// CardRail requests a payment intent from the card processor. Completion is
// asynchronous: the hosted payment element confirms the intent and the
// processor reports the outcome via webhook, so Submit returns Async.
type CardRail struct {
	client   *http.Client
	endpoint string
	apiKey   string
	interval time.Duration
	max      time.Duration
	log      *logger.Logger
}

var _ Rail = (*CardRail)(nil)

// NewCardRail builds the card rail against the processor's intent endpoint.
func NewCardRail(client *http.Client, endpoint, apiKey string, log *logger.Logger) (*CardRail, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("card processor endpoint is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = logger.NewDefault("card-rail")
	}
	return &CardRail{
		client:   client,
		endpoint: endpoint,
		apiKey:   apiKey,
		interval: 5 * time.Second,
		max:      2 * time.Minute,
		log:      log,
	}, nil
}

func (r *CardRail) ConfirmationBudget() (time.Duration, time.Duration) {
	return r.interval, r.max
}

func (r *CardRail) Submit(ctx context.Context, o order.BatchOrder, _ checkout.PaymentMethod) (Submission, error) {
	if o.TotalAmount.LessThan(MinCardCharge) {
		return Submission{}, checkout.NewError(checkout.KindValidation,
			fmt.Sprintf("card payments require a minimum of %s", MinCardCharge.StringFixed(2)),
			fmt.Errorf("amount %s below card floor", o.TotalAmount))
	}

	payload, err := json.Marshal(map[string]any{
		"amount":         o.TotalAmount,
		"currency":       o.Currency,
		"batch_order_id": o.BatchOrderID,
	})
	if err != nil {
		return Submission{}, checkout.NewError(checkout.KindInternal, "card payment could not be prepared", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/payment_intents", bytes.NewReader(payload))
	if err != nil {
		return Submission{}, checkout.NewError(checkout.KindInternal, "card payment could not be prepared", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Submission{}, checkout.NewError(checkout.KindRailTransient,
			"card processor is unreachable, please retry", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Submission{}, checkout.NewError(checkout.KindRailTransient,
			"card processor response could not be read", err)
	}
	if resp.StatusCode >= 500 {
		return Submission{}, checkout.NewError(checkout.KindRailTransient,
			"card processor is unavailable, please retry",
			fmt.Errorf("processor returned %d: %s", resp.StatusCode, body))
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Submission{}, checkout.NewError(checkout.KindValidation,
			"card payment was declined",
			fmt.Errorf("processor returned %d: %s", resp.StatusCode, body))
	}

	var result struct {
		IntentID string `json:"intent_id"`
	}
	if err := json.Unmarshal(body, &result); err != nil || result.IntentID == "" {
		return Submission{}, checkout.NewError(checkout.KindRailTransient,
			"card processor returned an invalid response", err)
	}

	// The hosted payment element confirms the intent; the outcome arrives by
	// webhook, not here.
	return Submission{Reference: result.IntentID, Async: true}, nil
}
