package eligibility

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bigkatzo/storefront-checkout/internal/app/domain/eligibility"
	"github.com/bigkatzo/storefront-checkout/pkg/logger"
)

// Checker answers whether a wallet satisfies a single access rule.
type Checker interface {
	VerifyAccess(ctx context.Context, wallet string, rule eligibility.Rule) (bool, error)
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context, wallet string, rule eligibility.Rule) (bool, error)

func (f CheckerFunc) VerifyAccess(ctx context.Context, wallet string, rule eligibility.Rule) (bool, error) {
	if f == nil {
		return false, nil
	}
	return f(ctx, wallet, rule)
}

// HTTPChecker verifies access rules against the catalog/eligibility service.
type HTTPChecker struct {
	client   *http.Client
	endpoint string
	apiKey   string
	log      *logger.Logger
}

// NewHTTPChecker builds a checker posting to the given endpoint. The API key
// is optional and sent as a bearer token when present.
func NewHTTPChecker(client *http.Client, endpoint, apiKey string, log *logger.Logger) (*HTTPChecker, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("eligibility endpoint is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = logger.NewDefault("eligibility-checker")
	}
	return &HTTPChecker{client: client, endpoint: endpoint, apiKey: apiKey, log: log}, nil
}

func (c *HTTPChecker) VerifyAccess(ctx context.Context, wallet string, rule eligibility.Rule) (bool, error) {
	payload, err := json.Marshal(map[string]any{
		"wallet_address": wallet,
		"rule": map[string]any{
			"type":     rule.Type,
			"value":    rule.Value,
			"quantity": rule.Quantity,
		},
	})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, err
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("eligibility service returned %d", resp.StatusCode)
	}

	var result struct {
		IsValid bool   `json:"isValid"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return false, fmt.Errorf("decode eligibility response: %w", err)
	}
	if result.Error != "" {
		return false, fmt.Errorf("eligibility check failed: %s", result.Error)
	}
	return result.IsValid, nil
}
