package rails

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/bigkatzo/storefront-checkout/internal/app/domain/checkout"
	"github.com/bigkatzo/storefront-checkout/internal/app/domain/order"
	"github.com/bigkatzo/storefront-checkout/pkg/logger"
)

// BridgeRail pays with a stable asset bridged from another chain. Settlement
// latency is minutes, not seconds, which its confirmation budget reflects.
type BridgeRail struct {
	client    *http.Client
	quoteURL  string
	submitter ChainSubmitter
	interval  time.Duration
	max       time.Duration
	log       *logger.Logger
}

var _ Rail = (*BridgeRail)(nil)

// NewBridgeRail builds the cross-chain rail.
func NewBridgeRail(client *http.Client, quoteURL string, submitter ChainSubmitter, log *logger.Logger) (*BridgeRail, error) {
	if quoteURL == "" {
		return nil, fmt.Errorf("bridge quote endpoint is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = logger.NewDefault("bridge-rail")
	}
	return &BridgeRail{
		client:    client,
		quoteURL:  quoteURL,
		submitter: submitter,
		interval:  15 * time.Second,
		max:       10 * time.Minute,
		log:       log,
	}, nil
}

func (r *BridgeRail) ConfirmationBudget() (time.Duration, time.Duration) {
	return r.interval, r.max
}

// quote returns the source-chain amount to send, bridge fee included.
func (r *BridgeRail) quote(ctx context.Context, method checkout.CrossChain, o order.BatchOrder) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("sourceChain", method.SourceChain)
	query.Set("asset", method.Asset)
	query.Set("amount", o.TotalAmount.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.quoteURL+"?"+query.Encode(), nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, err
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("bridge returned %d: %s", resp.StatusCode, body)
	}

	parsed := gjson.ParseBytes(body)
	total := parsed.Get("totalAmount").String()
	if total == "" {
		amount := parsed.Get("amount").String()
		fee := parsed.Get("bridgeFee").String()
		if amount == "" {
			return decimal.Zero, fmt.Errorf("bridge response missing amount")
		}
		a, err := decimal.NewFromString(amount)
		if err != nil {
			return decimal.Zero, err
		}
		f := decimal.Zero
		if fee != "" {
			if f, err = decimal.NewFromString(fee); err != nil {
				return decimal.Zero, err
			}
		}
		return a.Add(f), nil
	}
	return decimal.NewFromString(total)
}

func (r *BridgeRail) Submit(ctx context.Context, o order.BatchOrder, method checkout.PaymentMethod) (Submission, error) {
	cross, ok := method.(checkout.CrossChain)
	if !ok {
		return Submission{}, checkout.NewError(checkout.KindInternal, "payment method mismatch",
			fmt.Errorf("bridge rail received %T", method))
	}
	if r.submitter == nil {
		return Submission{}, checkout.NewError(checkout.KindInternal, "cross-chain payments are not available",
			fmt.Errorf("no chain submitter configured"))
	}

	sourceAmount, err := r.quote(ctx, cross, o)
	if err != nil {
		return Submission{}, checkout.NewError(checkout.KindRailTransient,
			"could not get a bridge quote, please retry", err)
	}

	r.log.WithField("batch_order_id", o.BatchOrderID).
		WithField("source_chain", cross.SourceChain).
		WithField("source_amount", sourceAmount.String()).
		Info("bridge quote obtained")

	signature, err := r.submitter.SubmitTransfer(ctx, TransferRequest{
		From:   o.BuyerWallet,
		To:     o.ReceiverWallet,
		Amount: sourceAmount,
		Token:  cross.Asset,
		Memo:   o.BatchOrderID,
	})
	if err != nil {
		return Submission{}, classifyChainError(err)
	}
	return Submission{Reference: signature}, nil
}
