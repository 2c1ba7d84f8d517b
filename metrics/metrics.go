package metrics

import "time"

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Event and operation names
const (
	EventWalletConnected   = "wallet_connected"
	EventWalletFailed      = "wallet_connect_failed"
	EventTransferSubmitted = "transfer_submitted"
	EventTransferFailed    = "transfer_failed"
	EventEscrowCreated     = "escrow_created"
	EventEscrowFailed      = "escrow_failed"
	EventEscrowPending     = "escrow_pending"
	EventCheckoutSucceeded = "checkout_succeeded"
	EventCheckoutFailed    = "checkout_failed"
	EventRateFallback      = "rate_fallback"

	OpTransfer     = "transfer"
	OpCreateEscrow = "create_escrow"
	OpCheckout     = "checkout"
	OpBackend      = "backend_request"
)

// LabelChain is the label key every recorder reads.
const LabelChain = "chain"
