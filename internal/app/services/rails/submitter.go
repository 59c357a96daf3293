package rails

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bigkatzo/storefront-checkout/pkg/logger"
)

// HTTPSubmitter broadcasts transfers through the wallet relay service, which
// holds the signing session for the buyer's connected wallet. The relay
// reports a user rejection distinctly so the rails never auto-retry it.
type HTTPSubmitter struct {
	client   *http.Client
	endpoint string
	apiKey   string
	log      *logger.Logger
}

var _ ChainSubmitter = (*HTTPSubmitter)(nil)

// NewHTTPSubmitter builds a submitter posting to the given relay endpoint.
// The API key is optional and sent as a bearer token when present.
func NewHTTPSubmitter(client *http.Client, endpoint, apiKey string, log *logger.Logger) (*HTTPSubmitter, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("wallet relay endpoint is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = logger.NewDefault("chain-submitter")
	}
	return &HTTPSubmitter{client: client, endpoint: endpoint, apiKey: apiKey, log: log}, nil
}

func (s *HTTPSubmitter) SubmitTransfer(ctx context.Context, transfer TransferRequest) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"from":        transfer.From,
		"to":          transfer.To,
		"amount":      transfer.Amount,
		"token":       transfer.Token,
		"source_mint": transfer.SourceMint,
		"swap_quote":  transfer.SwapQuote,
		"memo":        transfer.Memo,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/transfers", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	var result struct {
		Signature string `json:"signature"`
		Rejected  bool   `json:"rejected"`
		Error     string `json:"error"`
	}
	if resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(body, &result); err != nil {
			return "", fmt.Errorf("decode relay response: %w", err)
		}
		if result.Rejected {
			return "", ErrUserRejected
		}
		if result.Signature == "" {
			return "", errors.New("relay returned no signature")
		}
		return result.Signature, nil
	}

	if json.Unmarshal(body, &result) == nil && result.Rejected {
		return "", ErrUserRejected
	}
	return "", fmt.Errorf("wallet relay returned %d", resp.StatusCode)
}
