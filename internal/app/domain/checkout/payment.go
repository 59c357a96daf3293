package checkout

import (
	"fmt"
	"strings"
)

// MethodKind labels a payment method variant for logging and metrics.
type MethodKind string

const (
	MethodNative     MethodKind = "native"
	MethodCard       MethodKind = "card"
	MethodSplToken   MethodKind = "spl_token"
	MethodCrossChain MethodKind = "cross_chain"
)

// Settlement tokens accepted by the native rail.
const (
	TokenSOL      = "SOL"
	TokenUSDC     = "USDC"
	TokenMerchant = "MERCHANT"
)

// PaymentMethod is a closed set of payment rail selections. The marker method
// seals the union so the rail dispatcher can switch exhaustively instead of
// probing optional fields.
type PaymentMethod interface {
	Kind() MethodKind
	RequiresWallet() bool
	paymentMethod()
}

// NativeToken pays by direct transfer of an accepted settlement token.
type NativeToken struct {
	Token string // SOL, USDC or the merchant token
}

func (NativeToken) Kind() MethodKind     { return MethodNative }
func (NativeToken) RequiresWallet() bool { return true }
func (NativeToken) paymentMethod()       {}

// Validate rejects unknown settlement tokens.
func (m NativeToken) Validate() error {
	switch strings.ToUpper(strings.TrimSpace(m.Token)) {
	case TokenSOL, TokenUSDC, TokenMerchant:
		return nil
	}
	return fmt.Errorf("unsupported settlement token %q", m.Token)
}

// Card pays through the hosted card processor.
type Card struct{}

func (Card) Kind() MethodKind     { return MethodCard }
func (Card) RequiresWallet() bool { return false }
func (Card) paymentMethod()       {}

// SplToken pays with an arbitrary held token, swapped to the settlement asset
// and transferred in a single client-signed transaction.
type SplToken struct {
	Mint     string
	Symbol   string
	Decimals int
}

func (SplToken) Kind() MethodKind     { return MethodSplToken }
func (SplToken) RequiresWallet() bool { return true }
func (SplToken) paymentMethod()       {}

// Validate checks the token mint shape.
func (m SplToken) Validate() error {
	if strings.TrimSpace(m.Mint) == "" {
		return fmt.Errorf("token mint address is required")
	}
	if m.Decimals < 0 || m.Decimals > 18 {
		return fmt.Errorf("token decimals out of range: %d", m.Decimals)
	}
	return nil
}

// CrossChain pays with a bridged stable asset from another chain.
type CrossChain struct {
	SourceChain string
	Asset       string
}

func (CrossChain) Kind() MethodKind     { return MethodCrossChain }
func (CrossChain) RequiresWallet() bool { return true }
func (CrossChain) paymentMethod()       {}

// Validate checks the bridge source parameters.
func (m CrossChain) Validate() error {
	if strings.TrimSpace(m.SourceChain) == "" {
		return fmt.Errorf("source chain is required")
	}
	if strings.TrimSpace(m.Asset) == "" {
		return fmt.Errorf("bridged asset is required")
	}
	return nil
}

// ValidateMethod runs the variant-specific validation for any method.
func ValidateMethod(method PaymentMethod) error {
	switch m := method.(type) {
	case NativeToken:
		return m.Validate()
	case Card:
		return nil
	case SplToken:
		return m.Validate()
	case CrossChain:
		return m.Validate()
	case nil:
		return fmt.Errorf("payment method is required")
	default:
		return fmt.Errorf("unknown payment method %T", method)
	}
}
