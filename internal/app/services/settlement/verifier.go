package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/bigkatzo/storefront-checkout/pkg/logger"
)

// Expectation pins what the referenced transaction must actually contain.
// The verification endpoint independently checks amount and counterparties,
// defending against a forged or wrong-amount reference.
type Expectation struct {
	Amount    decimal.Decimal
	Buyer     string
	Recipient string
}

// Verifier checks whether a payment reference has settled correctly.
type Verifier interface {
	// VerifyTransaction returns (true, nil) when the transaction is final and
	// matches the expectation, (false, nil) when not yet confirmed, and an
	// error for mismatches or transport failures.
	VerifyTransaction(ctx context.Context, reference string, expected Expectation) (bool, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, reference string, expected Expectation) (bool, error)

func (f VerifierFunc) VerifyTransaction(ctx context.Context, reference string, expected Expectation) (bool, error) {
	if f == nil {
		return false, nil
	}
	return f(ctx, reference, expected)
}

// ErrMismatch is returned when a confirmed transaction does not match the
// expected amount or parties. Always fatal, never auto-confirmed.
var ErrMismatch = fmt.Errorf("transaction does not match expected amount or parties")

// HTTPVerifier checks references against a verification endpoint.
type HTTPVerifier struct {
	client   *http.Client
	endpoint string
	apiKey   string
	log      *logger.Logger
}

// NewHTTPVerifier builds a verifier posting to the given endpoint.
func NewHTTPVerifier(client *http.Client, endpoint, apiKey string, log *logger.Logger) (*HTTPVerifier, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("verification endpoint is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = logger.NewDefault("settlement-verifier")
	}
	return &HTTPVerifier{client: client, endpoint: endpoint, apiKey: apiKey, log: log}, nil
}

func (v *HTTPVerifier) VerifyTransaction(ctx context.Context, reference string, expected Expectation) (bool, error) {
	payload, err := json.Marshal(map[string]any{
		"reference": reference,
		"expected": map[string]any{
			"amount":    expected.Amount,
			"buyer":     expected.Buyer,
			"recipient": expected.Recipient,
		},
	})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if v.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+v.apiKey)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, err
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("verification endpoint returned %d", resp.StatusCode)
	}

	var result struct {
		Confirmed bool   `json:"confirmed"`
		Mismatch  bool   `json:"mismatch"`
		Error     string `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return false, fmt.Errorf("decode verification response: %w", err)
	}
	if result.Mismatch {
		return false, fmt.Errorf("%w: %s", ErrMismatch, result.Error)
	}
	if result.Error != "" {
		return false, fmt.Errorf("verification failed: %s", result.Error)
	}
	return result.Confirmed, nil
}
