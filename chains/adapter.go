// Package chains implements the per-family wallet and contract interactions
// behind a single Adapter interface.
package chains

import (
	"context"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitwit/stablepay/logger"
	"github.com/vitwit/stablepay/types"
)

// Adapter is the capability set every chain family provides.
type Adapter interface {
	Family() types.ChainFamily
	Connect(ctx context.Context, chain types.ChainDescriptor) (*types.Account, error)
	Transfer(ctx context.Context, call *TransferCall) (string, error)
	CreateEscrow(ctx context.Context, call *EscrowCall) (*types.EscrowResult, error)
	ExplorerTxURL(chain types.ChainKey, txHash string) string
}

// ChainSwitcher is implemented by families whose wallets can change network.
type ChainSwitcher interface {
	SwitchChain(ctx context.Context, chain types.ChainDescriptor) bool
}

// AccountWatcher is implemented by families whose wallets push account and network changes.
type AccountWatcher interface {
	Watch(onAccounts func(accounts []string), onChain func(chainID int64)) (stop func())
}

// EscrowReader is implemented by families that can read escrows back.
type EscrowReader interface {
	GetEscrow(ctx context.Context, call *EscrowQuery, id *big.Int) (*types.EscrowRecord, error)
	UserEscrows(ctx context.Context, call *EscrowQuery, user string) ([]*big.Int, error)
}

// TransferCall is a fully resolved direct transfer.
type TransferCall struct {
	Chain        types.ChainDescriptor
	Token        types.TokenDescriptor
	TokenAddress string
	Amount       decimal.Decimal
	Destination  string
	// OnSubmitted, if set, runs once the transaction is broadcast and before
	// any confirmation wait.
	OnSubmitted func(txHash string)
}

// EscrowCall is a fully resolved escrow creation.
type EscrowCall struct {
	Chain         types.ChainDescriptor
	Token         types.TokenDescriptor
	TokenAddress  string
	EscrowAddress string
	Amount        decimal.Decimal
	Reference     [32]byte
	Category      string
	Approval      types.ApprovalPolicy
}

// EscrowQuery addresses an escrow contract for reads.
type EscrowQuery struct {
	Chain         types.ChainDescriptor
	EscrowAddress string
	// Decimals formats amounts; tokens are looked up by address when zero.
	Decimals int
}

// TronFeeLimit caps energy spent per contract call, in sun (100 TRX).
const TronFeeLimit int64 = 100_000_000

type adapterConfig struct {
	logger   logger.Logger
	poller   Poller
	approval types.ApprovalPolicy
}

// Option configures an adapter.
type Option func(*adapterConfig)

func WithLogger(l logger.Logger) Option {
	return func(c *adapterConfig) {
		c.logger = l
	}
}

// WithPoller overrides the confirmation polling schedule.
func WithPoller(p Poller) Option {
	return func(c *adapterConfig) {
		c.poller = p
	}
}

// WithApprovalPolicy sets the default approval policy used when a call does not set one.
func WithApprovalPolicy(p types.ApprovalPolicy) Option {
	return func(c *adapterConfig) {
		c.approval = p
	}
}

func newAdapterConfig(interval time.Duration, attempts int, opts []Option) adapterConfig {
	cfg := adapterConfig{
		logger:   logger.NoopLogger{},
		poller:   Poller{Interval: interval, Attempts: attempts},
		approval: types.ApproveIfInsufficient,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (c adapterConfig) policy(p types.ApprovalPolicy) types.ApprovalPolicy {
	if p == "" {
		return c.approval
	}
	return p
}
