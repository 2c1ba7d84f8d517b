// Package transfer sends direct token transfers from the connected wallet.
package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vitwit/stablepay/chains"
	"github.com/vitwit/stablepay/logger"
	"github.com/vitwit/stablepay/metrics"
	"github.com/vitwit/stablepay/notify"
	"github.com/vitwit/stablepay/registry"
	"github.com/vitwit/stablepay/types"
	"github.com/vitwit/stablepay/utils"
	"github.com/vitwit/stablepay/wallet"
)

const (
	msgConfirm   = "Please confirm the transaction in your wallet..."
	msgSubmitted = "Transaction submitted successfully!"
)

// Engine runs one transfer at a time and exposes its status.
type Engine struct {
	registry  *registry.Registry
	connector *wallet.Connector
	notifier  notify.Notifier
	logger    logger.Logger
	metrics   metrics.Recorder

	mu     sync.RWMutex
	status types.TransferStatus
	txHash string
	err    string
}

type Option func(*Engine)

func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(e *Engine) {
		e.metrics = r
	}
}

func NewEngine(reg *registry.Registry, connector *wallet.Connector, opts ...Option) *Engine {
	e := &Engine{
		registry:  reg,
		connector: connector,
		notifier:  notify.Noop{},
		logger:    logger.NoopLogger{},
		metrics:   metrics.NoopRecorder{},
		status:    types.TransferIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Transfer validates req, resolves the destination (the merchant address
// when empty) and submits the transfer through the chain's adapter.
func (e *Engine) Transfer(ctx context.Context, req types.TransferRequest) (string, error) {
	call, adapter, err := e.prepare(req)
	if err != nil {
		e.finish(types.TransferFailed, "", err)
		return "", err
	}

	log := logger.FromContext(ctx, e.logger).With(map[string]any{"chain": req.Chain, "token": req.Token})
	labels := map[string]string{metrics.LabelChain: string(req.Chain)}

	e.set(types.TransferPending, "", "")
	e.notifier.Notify(notify.LevelInfo, msgConfirm)

	// Solana waits for confirmation after broadcast.
	if adapter.Family() == types.FamilySolana {
		call.OnSubmitted = func(hash string) {
			e.set(types.TransferConfirming, hash, "")
		}
	}

	start := time.Now()
	hash, err := adapter.Transfer(ctx, call)
	e.metrics.ObserveLatency(metrics.OpTransfer, time.Since(start), labels)
	if err != nil {
		classified := chains.Classify(err)
		log.Error("transfer failed", map[string]any{"error": err, "tx_hash": hash})
		e.metrics.IncCounter(metrics.EventTransferFailed, labels)
		e.finish(types.TransferFailed, hash, classified)
		e.notifier.Notify(notify.LevelError, classified.Message)
		return hash, classified
	}

	log.Info("transfer submitted", map[string]any{"tx_hash": hash})
	e.metrics.IncCounter(metrics.EventTransferSubmitted, labels)
	e.finish(types.TransferSuccess, hash, nil)
	e.notifier.Notify(notify.LevelSuccess, msgSubmitted)
	return hash, nil
}

func (e *Engine) prepare(req types.TransferRequest) (*chains.TransferCall, chains.Adapter, error) {
	if err := utils.ValidateStruct(req); err != nil {
		return nil, nil, err
	}
	amount, err := utils.ValidatePositiveAmount(req.Amount)
	if err != nil {
		return nil, nil, types.WrapError(types.ErrInvalidRequest, err.Error(), err)
	}

	chain, ok := e.registry.Chain(req.Chain)
	if !ok {
		return nil, nil, types.NewError(types.ErrUnsupportedChain, fmt.Sprintf("unsupported chain %q", req.Chain))
	}
	token, ok := chain.FindToken(req.Token)
	if !ok {
		return nil, nil, types.NewError(types.ErrUnsupportedToken, fmt.Sprintf("%s is not available on %s", req.Token, chain.Name))
	}
	tokenAddr, ok := e.registry.TokenAddress(req.Chain, req.Token)
	if !ok {
		return nil, nil, types.NewError(types.ErrUnsupportedToken, fmt.Sprintf("%s has no contract on %s", req.Token, chain.Name))
	}

	dest := req.Destination
	if dest == "" {
		dest, _ = e.registry.MerchantAddress(req.Chain)
	}
	if dest == "" {
		return nil, nil, types.NewError(types.ErrInvalidRequest, "destination address is required")
	}
	if err := utils.ValidateAddressForFamily(dest, chain.Family); err != nil {
		return nil, nil, types.WrapError(types.ErrInvalidRequest, err.Error(), err)
	}

	if !e.connector.IsConnected() {
		return nil, nil, types.NewError(types.ErrWalletNotConnected, types.MsgWalletNotConnected)
	}
	adapter, ok := e.connector.Adapter(chain.Family)
	if !ok {
		return nil, nil, types.NewError(types.ErrProviderNotFound, fmt.Sprintf("no %s wallet available", chain.Family))
	}

	return &chains.TransferCall{
		Chain:        chain,
		Token:        token,
		TokenAddress: tokenAddr,
		Amount:       *amount,
		Destination:  dest,
	}, adapter, nil
}

func (e *Engine) set(status types.TransferStatus, hash, errMsg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = status
	if hash != "" {
		e.txHash = hash
	}
	e.err = errMsg
}

func (e *Engine) finish(status types.TransferStatus, hash string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	e.set(status, hash, msg)
}

// Status returns the current status, last transaction hash and last error.
func (e *Engine) Status() (types.TransferStatus, string, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status, e.txHash, e.err
}

// Reset returns the engine to idle.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = types.TransferIdle
	e.txHash = ""
	e.err = ""
}

func (e *Engine) ExplorerURL(chain types.ChainKey, txHash string) string {
	return e.registry.ExplorerTxURL(chain, txHash)
}
