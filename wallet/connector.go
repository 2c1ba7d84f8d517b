// Package wallet tracks the customer's wallet session across chain families.
package wallet

import (
	"context"
	"fmt"
	"sync"

	"github.com/vitwit/stablepay/chains"
	"github.com/vitwit/stablepay/logger"
	"github.com/vitwit/stablepay/metrics"
	"github.com/vitwit/stablepay/notify"
	"github.com/vitwit/stablepay/registry"
	"github.com/vitwit/stablepay/types"
)

// Connector owns the single wallet session of a checkout.
type Connector struct {
	mu       sync.RWMutex
	registry *registry.Registry
	adapters map[types.ChainFamily]chains.Adapter
	notifier notify.Notifier
	logger   logger.Logger
	metrics  metrics.Recorder

	session types.WalletSession
	// generation invalidates provider events from earlier sessions.
	generation uint64
	stopWatch  func()
}

type Option func(*Connector)

func WithNotifier(n notify.Notifier) Option {
	return func(c *Connector) {
		c.notifier = n
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Connector) {
		c.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(c *Connector) {
		c.metrics = r
	}
}

// NewConnector creates a disconnected connector over one adapter per family.
func NewConnector(reg *registry.Registry, adapters []chains.Adapter, opts ...Option) *Connector {
	c := &Connector{
		registry: reg,
		adapters: make(map[types.ChainFamily]chains.Adapter, len(adapters)),
		notifier: notify.Noop{},
		logger:   logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
	}
	for _, a := range adapters {
		if a != nil {
			c.adapters[a.Family()] = a
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Adapter returns the adapter serving family.
func (c *Connector) Adapter(family types.ChainFamily) (chains.Adapter, bool) {
	a, ok := c.adapters[family]
	return a, ok
}

// Session returns a snapshot of the current session.
func (c *Connector) Session() types.WalletSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.session
	if s.ChainID != nil {
		id := *s.ChainID
		s.ChainID = &id
	}
	return s
}

func (c *Connector) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.Connected
}

// Connect connects wallet kind on chain. The kind must belong to the
// chain's family; a mismatch fails before any wallet prompt.
func (c *Connector) Connect(ctx context.Context, kind types.WalletKind, chain types.ChainKey) error {
	desc, adapter, err := c.resolve(kind, chain)
	if err != nil {
		c.fail(kind, chain, err)
		return err
	}

	c.mu.Lock()
	c.teardownLocked()
	c.generation++
	gen := c.generation
	c.session = types.WalletSession{Connecting: true, Wallet: kind, Chain: chain}
	c.mu.Unlock()

	log := c.logger.With(map[string]any{"wallet": kind, "chain": chain})
	log.Debug("connecting wallet", nil)

	acct, err := adapter.Connect(ctx, desc)
	if err != nil {
		c.mu.Lock()
		if c.generation == gen {
			c.session = types.WalletSession{Wallet: kind, Chain: chain, Error: chains.Classify(err).Message}
		}
		c.mu.Unlock()

		log.Warn("wallet connection failed", map[string]any{"error": err})
		c.metrics.IncCounter(metrics.EventWalletFailed, map[string]string{metrics.LabelChain: string(chain)})
		c.notifier.Notify(notify.LevelError, connectErrorMessage(err))
		return err
	}

	c.mu.Lock()
	if c.generation != gen {
		// Disconnected while the wallet prompt was open.
		c.mu.Unlock()
		return types.NewError(types.ErrWalletNotConnected, "Wallet disconnected during connection")
	}
	c.session = types.WalletSession{
		Connected: true,
		Address:   acct.Address,
		ChainID:   acct.ChainID,
		Wallet:    kind,
		Chain:     chain,
	}
	c.mu.Unlock()

	if w, ok := adapter.(chains.AccountWatcher); ok {
		stop := w.Watch(
			func(accounts []string) { c.onAccounts(gen, accounts) },
			func(id int64) { c.onChain(gen, id) },
		)
		c.mu.Lock()
		if c.generation == gen {
			c.stopWatch = stop
			stop = nil
		}
		c.mu.Unlock()
		if stop != nil {
			stop()
		}
	}

	log.Info("wallet connected", map[string]any{"address": acct.Address})
	c.metrics.IncCounter(metrics.EventWalletConnected, map[string]string{metrics.LabelChain: string(chain)})
	c.notifier.Notify(notify.LevelSuccess, "Wallet connected successfully")
	return nil
}

func (c *Connector) resolve(kind types.WalletKind, chain types.ChainKey) (types.ChainDescriptor, chains.Adapter, error) {
	family, ok := kind.Family()
	if !ok {
		return types.ChainDescriptor{}, nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("unknown wallet %q", kind))
	}
	desc, ok := c.registry.Chain(chain)
	if !ok {
		return types.ChainDescriptor{}, nil, types.NewError(types.ErrUnsupportedChain, fmt.Sprintf("unsupported chain %q", chain))
	}
	if desc.Family != family {
		return types.ChainDescriptor{}, nil, types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("%s cannot be used on %s", kind, desc.Name))
	}
	adapter, ok := c.adapters[family]
	if !ok {
		return types.ChainDescriptor{}, nil, types.NewError(types.ErrProviderNotFound, fmt.Sprintf("no %s wallet available", family))
	}
	return desc, adapter, nil
}

func (c *Connector) fail(kind types.WalletKind, chain types.ChainKey, err error) {
	c.logger.Warn("wallet connection rejected", map[string]any{"wallet": kind, "chain": chain, "error": err})
	c.notifier.Notify(notify.LevelError, connectErrorMessage(err))
}

func connectErrorMessage(err error) string {
	if chains.IsUserRejected(err) {
		return "Connection request rejected by user"
	}
	return chains.Classify(err).Message
}

// SwitchChain moves a connected EVM wallet to chain. It reports false for
// non-EVM chains, a missing or disconnected wallet, or a refused switch.
func (c *Connector) SwitchChain(ctx context.Context, chain types.ChainKey) bool {
	desc, ok := c.registry.Chain(chain)
	if !ok || !desc.IsEVM() {
		return false
	}
	switcher, ok := c.adapters[types.FamilyEVM].(chains.ChainSwitcher)
	if !ok {
		return false
	}

	c.mu.Lock()
	if !c.session.Connected || c.session.Connecting {
		c.mu.Unlock()
		return false
	}
	gen := c.generation
	c.session.Connecting = true
	c.mu.Unlock()

	switched := switcher.SwitchChain(ctx, desc)

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return switched
	}
	c.session.Connecting = false
	if !switched {
		msg := fmt.Sprintf("Failed to switch to %s", desc.Name)
		c.session.Error = msg
		c.mu.Unlock()
		c.notifier.Notify(notify.LevelError, msg)
		return false
	}
	id := c.registry.ChainID(chain)
	c.session.Chain = chain
	c.session.ChainID = &id
	c.session.Error = ""
	c.mu.Unlock()
	return true
}

// Disconnect resets the session unconditionally.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	wasConnected := c.session.Connected
	c.teardownLocked()
	c.generation++
	c.session = types.WalletSession{}
	c.mu.Unlock()

	if wasConnected {
		c.logger.Info("wallet disconnected", nil)
		c.notifier.Notify(notify.LevelInfo, "Wallet disconnected")
	}
}

func (c *Connector) teardownLocked() {
	if c.stopWatch != nil {
		c.stopWatch()
		c.stopWatch = nil
	}
}

func (c *Connector) onAccounts(gen uint64, accounts []string) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	if len(accounts) == 0 {
		c.mu.Unlock()
		c.Disconnect()
		return
	}
	c.session.Address = accounts[0]
	c.mu.Unlock()
	c.logger.Info("wallet account changed", map[string]any{"address": accounts[0]})
}

func (c *Connector) onChain(gen uint64, id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return
	}
	c.session.ChainID = &id
}
