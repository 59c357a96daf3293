package rails

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bigkatzo/storefront-checkout/internal/app/domain/checkout"
	"github.com/bigkatzo/storefront-checkout/internal/app/domain/order"
	"github.com/bigkatzo/storefront-checkout/pkg/logger"
)

// NativeRail transfers the quoted amount of the chosen settlement token
// directly to the receiver wallet. The returned signature means the
// transaction was broadcast, not that it is final.
type NativeRail struct {
	submitter ChainSubmitter
	interval  time.Duration
	max       time.Duration
	log       *logger.Logger
}

var _ Rail = (*NativeRail)(nil)

// NewNativeRail builds the direct-transfer rail.
func NewNativeRail(submitter ChainSubmitter, log *logger.Logger) *NativeRail {
	if log == nil {
		log = logger.NewDefault("native-rail")
	}
	return &NativeRail{
		submitter: submitter,
		interval:  2 * time.Second,
		max:       30 * time.Second,
		log:       log,
	}
}

func (r *NativeRail) ConfirmationBudget() (time.Duration, time.Duration) {
	return r.interval, r.max
}

func (r *NativeRail) Submit(ctx context.Context, o order.BatchOrder, method checkout.PaymentMethod) (Submission, error) {
	native, ok := method.(checkout.NativeToken)
	if !ok {
		return Submission{}, checkout.NewError(checkout.KindInternal, "payment method mismatch",
			fmt.Errorf("native rail received %T", method))
	}
	if r.submitter == nil {
		return Submission{}, checkout.NewError(checkout.KindInternal, "on-chain payments are not available",
			errors.New("no chain submitter configured"))
	}

	signature, err := r.submitter.SubmitTransfer(ctx, TransferRequest{
		From:   o.BuyerWallet,
		To:     o.ReceiverWallet,
		Amount: o.TotalAmount,
		Token:  native.Token,
		Memo:   o.BatchOrderID,
	})
	if err != nil {
		return Submission{}, classifyChainError(err)
	}
	return Submission{Reference: signature}, nil
}

// classifyChainError separates wallet rejection from transport failures so
// the orchestrator can decide whether auto-retry is appropriate.
func classifyChainError(err error) error {
	if errors.Is(err, ErrUserRejected) {
		return checkout.NewError(checkout.KindRailUserRejected,
			"transaction was rejected in your wallet", err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return checkout.NewError(checkout.KindRailTransient,
			"the network timed out, please retry", err)
	}
	return checkout.NewError(checkout.KindRailTransient,
		"payment could not be broadcast, please retry", err)
}
