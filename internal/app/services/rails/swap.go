package rails

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/bigkatzo/storefront-checkout/internal/app/domain/checkout"
	"github.com/bigkatzo/storefront-checkout/internal/app/domain/order"
	"github.com/bigkatzo/storefront-checkout/pkg/logger"
)

// SwapRail pays with an arbitrary held token: it quotes a swap into the
// settlement asset via the liquidity aggregator, then executes the
// swap-and-transfer as a single client-signed transaction.
type SwapRail struct {
	client    *http.Client
	quoteURL  string
	submitter ChainSubmitter
	quoteTTL  time.Duration
	interval  time.Duration
	max       time.Duration
	log       *logger.Logger
	now       func() time.Time
}

var _ Rail = (*SwapRail)(nil)

// NewSwapRail builds the swap-then-pay rail.
func NewSwapRail(client *http.Client, quoteURL string, submitter ChainSubmitter, log *logger.Logger) (*SwapRail, error) {
	if quoteURL == "" {
		return nil, fmt.Errorf("swap quote endpoint is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = logger.NewDefault("swap-rail")
	}
	return &SwapRail{
		client:    client,
		quoteURL:  quoteURL,
		submitter: submitter,
		quoteTTL:  30 * time.Second,
		interval:  2 * time.Second,
		max:       45 * time.Second,
		log:       log,
		now:       time.Now,
	}, nil
}

func (r *SwapRail) ConfirmationBudget() (time.Duration, time.Duration) {
	return r.interval, r.max
}

// quote asks the aggregator for a route. Responses are loosely shaped across
// aggregator versions, so fields are extracted tolerantly.
func (r *SwapRail) quote(ctx context.Context, sourceMint string, o order.BatchOrder) (route string, expiresAt time.Time, err error) {
	query := url.Values{}
	query.Set("inputMint", sourceMint)
	query.Set("outputAmount", o.TotalAmount.String())
	query.Set("outputCurrency", o.Currency)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.quoteURL+"?"+query.Encode(), nil)
	if err != nil {
		return "", time.Time{}, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", time.Time{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", time.Time{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("aggregator returned %d: %s", resp.StatusCode, body)
	}

	parsed := gjson.ParseBytes(body)
	route = parsed.Get("route").Raw
	if route == "" {
		route = parsed.Get("data.route").Raw
	}
	if route == "" {
		return "", time.Time{}, fmt.Errorf("aggregator response missing route")
	}

	expiresAt = r.now().Add(r.quoteTTL)
	if ts := parsed.Get("expiresAt").Int(); ts > 0 {
		expiresAt = time.Unix(ts, 0)
	}
	return route, expiresAt, nil
}

func (r *SwapRail) Submit(ctx context.Context, o order.BatchOrder, method checkout.PaymentMethod) (Submission, error) {
	spl, ok := method.(checkout.SplToken)
	if !ok {
		return Submission{}, checkout.NewError(checkout.KindInternal, "payment method mismatch",
			fmt.Errorf("swap rail received %T", method))
	}
	if r.submitter == nil {
		return Submission{}, checkout.NewError(checkout.KindInternal, "token payments are not available",
			fmt.Errorf("no chain submitter configured"))
	}

	route, expiresAt, err := r.quote(ctx, spl.Mint, o)
	if err != nil {
		return Submission{}, checkout.NewError(checkout.KindRailTransient,
			"could not get a swap quote, please retry", err)
	}
	if r.now().After(expiresAt) {
		return Submission{}, checkout.NewError(checkout.KindQuoteExpired,
			"the swap quote expired, please retry", fmt.Errorf("quote expired at %s", expiresAt))
	}

	signature, err := r.submitter.SubmitTransfer(ctx, TransferRequest{
		From:       o.BuyerWallet,
		To:         o.ReceiverWallet,
		Amount:     o.TotalAmount,
		Token:      spl.Symbol,
		SourceMint: spl.Mint,
		SwapQuote:  route,
		Memo:       o.BatchOrderID,
	})
	if err != nil {
		return Submission{}, classifyChainError(err)
	}
	return Submission{Reference: signature}, nil
}
