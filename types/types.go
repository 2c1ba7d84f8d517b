package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// WalletKind identifies a wallet integration
type WalletKind string

const (
	WalletMetaMask    WalletKind = "metamask"
	WalletTrustWallet WalletKind = "trustwallet"
	WalletTronLink    WalletKind = "tronlink"
	WalletPhantom     WalletKind = "phantom"
)

// Family returns the chain family a wallet kind can connect to.
func (w WalletKind) Family() (ChainFamily, bool) {
	switch w {
	case WalletMetaMask, WalletTrustWallet:
		return FamilyEVM, true
	case WalletTronLink:
		return FamilyTron, true
	case WalletPhantom:
		return FamilySolana, true
	default:
		return "", false
	}
}

func (w WalletKind) String() string {
	return string(w)
}

// WalletInfo is the display entry for a wallet offered on a chain.
type WalletInfo struct {
	Kind        WalletKind `json:"type"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
}

// Account is what a wallet reports after connecting.
type Account struct {
	Address string `json:"address"`
	// ChainID is only reported by EVM wallets.
	ChainID *int64 `json:"chainId,omitempty"`
}

// WalletSession is the connector's view of the current wallet.
type WalletSession struct {
	Connected  bool       `json:"connected"`
	Connecting bool       `json:"connecting"`
	Address    string     `json:"address,omitempty"`
	ChainID    *int64     `json:"chainId,omitempty"`
	Wallet     WalletKind `json:"wallet,omitempty"`
	Chain      ChainKey   `json:"chain,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// TransferStatus tracks a direct token transfer.
type TransferStatus string

const (
	TransferIdle       TransferStatus = "idle"
	TransferPending    TransferStatus = "pending"
	TransferConfirming TransferStatus = "confirming"
	TransferSuccess    TransferStatus = "success"
	TransferFailed     TransferStatus = "failed"
)

// TransferRequest describes a direct token transfer. An empty Destination
// resolves to the merchant address configured for the chain.
type TransferRequest struct {
	Chain       ChainKey    `json:"chain" validate:"required,chain"`
	Token       TokenSymbol `json:"token" validate:"required,oneof=USDT USDC"`
	Amount      string      `json:"amount" validate:"required,amount"`
	Destination string      `json:"destination,omitempty"`
}

// ApprovalPolicy controls the token approval performed before escrow creation.
type ApprovalPolicy string

const (
	// ApproveIfInsufficient queries the allowance and approves only when it is below the amount.
	ApproveIfInsufficient ApprovalPolicy = "check-allowance"
	// ApproveAlways sends an approval on every escrow creation.
	ApproveAlways ApprovalPolicy = "always"
)

// EscrowRequest describes an escrow deposit tied to a backend payment record.
type EscrowRequest struct {
	Chain ChainKey    `json:"chain" validate:"required,chain"`
	Token TokenSymbol `json:"token" validate:"required,oneof=USDT USDC"`
	// TokenAddress overrides the registry address when set.
	TokenAddress string `json:"tokenAddress,omitempty"`
	Amount       string `json:"amount" validate:"required,amount"`
	Reference    string `json:"reference" validate:"required"`
	Category     string `json:"category,omitempty"`
}

// Confirmation describes how much is known about an escrow creation.
type Confirmation int

const (
	// Confirmed means the transaction was mined and the escrow id was read from its events.
	Confirmed Confirmation = iota
	// ConfirmedUnknownID means the transaction was mined but no EscrowCreated event was found.
	ConfirmedUnknownID
	// TimedOutAssumePending means confirmation was not observed in time; the transaction may still land.
	TimedOutAssumePending
)

func (c Confirmation) String() string {
	switch c {
	case Confirmed:
		return "confirmed"
	case ConfirmedUnknownID:
		return "confirmed_unknown_id"
	case TimedOutAssumePending:
		return "timed_out_assume_pending"
	default:
		return "unknown"
	}
}

// EscrowResult is returned by a successful escrow creation.
type EscrowResult struct {
	Success      bool            `json:"success"`
	Chain        ChainKey        `json:"chain"`
	TxHash       string          `json:"txHash"`
	EscrowID     *big.Int        `json:"escrowId"`
	Confirmation Confirmation    `json:"confirmation"`
	Receipt      json.RawMessage `json:"receipt,omitempty"`
}

// EscrowStatus mirrors the on-chain escrow state enum.
type EscrowStatus string

const (
	EscrowActive   EscrowStatus = "Active"
	EscrowReleased EscrowStatus = "Released"
	EscrowRefunded EscrowStatus = "Refunded"
	EscrowExpired  EscrowStatus = "Expired"
)

// EscrowStatusFromIndex maps the contract's uint8 status.
func EscrowStatusFromIndex(i uint8) EscrowStatus {
	switch i {
	case 0:
		return EscrowActive
	case 1:
		return EscrowReleased
	case 2:
		return EscrowRefunded
	case 3:
		return EscrowExpired
	default:
		return EscrowStatus(fmt.Sprintf("Unknown(%d)", i))
	}
}

// EscrowRecord is an escrow read back from the contract.
type EscrowRecord struct {
	ID        *big.Int        `json:"id"`
	User      string          `json:"user"`
	Token     string          `json:"token"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"createdAt"`
	TimeoutAt time.Time       `json:"timeoutAt"`
	Reference string          `json:"paymentId"`
	Status    EscrowStatus    `json:"status"`
	Category  string          `json:"category"`
}

// ExpiredAt reports whether the escrow timeout has passed at now.
func (r *EscrowRecord) ExpiredAt(now time.Time) bool {
	return r.TimeoutAt.Before(now)
}

// ContextSource records how a checkout context was resolved.
type ContextSource string

const (
	SourcePaymentID   ContextSource = "payment-id"
	SourcePaymentLink ContextSource = "payment-link"
	SourceQuery       ContextSource = "query"
)

// Merchant is the display identity of the payee.
type Merchant struct {
	Name string `json:"name"`
	Logo string `json:"logo,omitempty"`
}

// CheckoutContext is the resolved, immutable description of what is being paid.
type CheckoutContext struct {
	Source           ContextSource   `json:"source"`
	Merchant         Merchant        `json:"merchant"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Reference        string          `json:"reference"`
	Email            string          `json:"email,omitempty"`
	Description      string          `json:"description,omitempty"`
	CallbackURL      string          `json:"callbackUrl,omitempty"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
	OnchainReference string          `json:"onchainReference,omitempty"`
	PaymentID        string          `json:"paymentId,omitempty"`
	Slug             string          `json:"slug,omitempty"`
}

// ProviderError is a wallet provider failure carrying an EIP-1193 style code.
type ProviderError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *ProviderError) Error() string {
	return e.Message
}

// Provider error codes
const (
	ProviderUserRejected      = 4001
	ProviderUnauthorized      = 4100
	ProviderUnsupported       = 4200
	ProviderDisconnected      = 4900
	ProviderUnrecognizedChain = 4902
)

// PaymentError is the coded error returned across package boundaries.
type PaymentError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Err     error       `json:"-"`
}

func (e *PaymentError) Error() string {
	return e.Message
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// NewError builds a PaymentError.
func NewError(code, message string) *PaymentError {
	return &PaymentError{Code: code, Message: message}
}

// WrapError builds a PaymentError around a cause.
func WrapError(code, message string, err error) *PaymentError {
	return &PaymentError{Code: code, Message: message, Err: err}
}

// ErrorCode returns the PaymentError code in err's chain, or "".
func ErrorCode(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsCode reports whether err carries the given PaymentError code.
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}

// Common error codes
const (
	ErrProviderNotFound        = "PROVIDER_NOT_FOUND"
	ErrProviderNotReady        = "PROVIDER_NOT_READY"
	ErrUserRejected            = "USER_REJECTED"
	ErrWrongNetwork            = "WRONG_NETWORK"
	ErrChainSwitchFailed       = "CHAIN_SWITCH_FAILED"
	ErrWalletNotConnected      = "WALLET_NOT_CONNECTED"
	ErrInvalidRequest          = "INVALID_REQUEST"
	ErrUnsupportedChain        = "UNSUPPORTED_CHAIN"
	ErrUnsupportedToken        = "UNSUPPORTED_TOKEN"
	ErrEscrowUnsupported       = "ESCROW_UNSUPPORTED"
	ErrTransactionFailed       = "TRANSACTION_FAILED"
	ErrInsufficientBalance     = "INSUFFICIENT_BALANCE"
	ErrConfirmationTimeout     = "CONFIRMATION_TIMEOUT"
	ErrInvalidPaymentLink      = "INVALID_PAYMENT_LINK"
	ErrOnchainReferenceMissing = "ONCHAIN_REFERENCE_MISSING"
	ErrBackend                 = "BACKEND_ERROR"
	ErrInvalidState            = "INVALID_STATE"
	ErrConfigError             = "CONFIG_ERROR"
)

// User-facing messages
const (
	MsgUserRejected            = "Transaction rejected by user"
	MsgInsufficientBalance     = "Insufficient token balance"
	MsgWalletNotConnected      = "Wallet not connected"
	MsgTronNotReady            = "TronLink not installed or not ready"
	MsgTransactionFailed       = "Transaction failed"
	MsgOnchainReferenceMissing = "Payment onchain reference not found"
	MsgInvalidPaymentLink      = "Invalid payment link. Please provide payment details."
)
