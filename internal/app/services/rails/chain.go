package rails

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// TransferRequest describes an on-chain payment to broadcast. For the swap
// rail, SourceMint names the held token being swapped into the settlement
// asset inside the same client-signed transaction.
type TransferRequest struct {
	From       string
	To         string
	Amount     decimal.Decimal
	Token      string
	SourceMint string
	SwapQuote  string // opaque serialized route from the aggregator
	Memo       string // batch order id, for on-chain traceability
}

// ErrUserRejected is returned by chain submitters when the user declined the
// transaction in their wallet. It must stay distinguishable from transport
// errors: user rejection is never auto-retried.
var ErrUserRejected = errors.New("transaction rejected in wallet")

// ChainSubmitter broadcasts a signed transfer and returns its signature.
// Broadcast is not finality; the settlement monitor verifies independently.
type ChainSubmitter interface {
	SubmitTransfer(ctx context.Context, req TransferRequest) (signature string, err error)
}

// ChainSubmitterFunc adapts a function to the ChainSubmitter interface.
type ChainSubmitterFunc func(ctx context.Context, req TransferRequest) (string, error)

func (f ChainSubmitterFunc) SubmitTransfer(ctx context.Context, req TransferRequest) (string, error) {
	if f == nil {
		return "", errors.New("no chain submitter configured")
	}
	return f(ctx, req)
}
