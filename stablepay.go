// Package stablepay wires the checkout components for multi-chain stablecoin
// payments: chain registry, wallet connection, token transfers, on-chain
// escrow and the checkout backend.
package stablepay

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/vitwit/stablepay/backend"
	"github.com/vitwit/stablepay/chains"
	"github.com/vitwit/stablepay/checkout"
	"github.com/vitwit/stablepay/clients"
	"github.com/vitwit/stablepay/config"
	"github.com/vitwit/stablepay/escrow"
	"github.com/vitwit/stablepay/logger"
	"github.com/vitwit/stablepay/metrics"
	"github.com/vitwit/stablepay/notify"
	"github.com/vitwit/stablepay/rates"
	"github.com/vitwit/stablepay/registry"
	"github.com/vitwit/stablepay/settlement"
	"github.com/vitwit/stablepay/transfer"
	"github.com/vitwit/stablepay/types"
	"github.com/vitwit/stablepay/wallet"
)

// Providers are the wallets a gateway talks to. Any of them may be nil;
// connecting a wallet of a missing family then fails with PROVIDER_NOT_FOUND.
type Providers struct {
	EVM    chains.EVMProvider
	Tron   chains.TronProvider
	Solana chains.SolanaProvider

	// SolanaRPC defaults to a client for the registry's Solana endpoint.
	SolanaRPC chains.SolanaRPC
}

// Gateway owns one wallet connection and the services built on it.
type Gateway struct {
	config     *config.Config
	registry   *registry.Registry
	connector  *wallet.Connector
	transfers  *transfer.Engine
	escrow     *escrow.Orchestrator
	backend    *backend.Client
	rates      *rates.Service
	settlement *settlement.Service

	logger   logger.Logger
	metrics  metrics.Recorder
	notifier notify.Notifier
	timeout  time.Duration
}

// New validates cfg and builds a gateway over providers.
func New(cfg *config.Config, providers Providers, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, types.NewError(types.ErrConfigError, "config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Gateway{
		config:  cfg,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		timeout: cfg.Backend.Timeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.timeout <= 0 {
		g.timeout = 30 * time.Second
	}
	if g.notifier == nil {
		g.notifier = notify.LogNotifier{Logger: g.logger}
	}

	g.registry = registry.New(cfg.Environment, cfg.RegistryOptions()...)

	g.connector = wallet.NewConnector(g.registry, g.adapters(providers),
		wallet.WithNotifier(g.notifier),
		wallet.WithLogger(g.logger),
		wallet.WithMetrics(g.metrics),
	)
	g.transfers = transfer.NewEngine(g.registry, g.connector,
		transfer.WithNotifier(g.notifier),
		transfer.WithLogger(g.logger),
		transfer.WithMetrics(g.metrics),
	)
	g.escrow = escrow.NewOrchestrator(g.registry, g.connector,
		escrow.WithNotifier(g.notifier),
		escrow.WithLogger(g.logger),
		escrow.WithMetrics(g.metrics),
	)

	backendOpts := []backend.Option{
		backend.WithHTTPClient(&http.Client{Timeout: g.timeout}),
		backend.WithLogger(g.logger),
		backend.WithMetrics(g.metrics),
	}
	if cfg.Backend.APIKey != "" {
		backendOpts = append(backendOpts, backend.WithAPIKey(cfg.Backend.APIKey))
	}
	g.backend = backend.NewClient(cfg.Backend.URL, backendOpts...)

	rateOpts := []rates.Option{
		rates.WithInterval(cfg.Rates.Interval),
		rates.WithLogger(g.logger),
		rates.WithMetrics(g.metrics),
	}
	if fallback := cfg.Rates.FallbackRate(); fallback.IsPositive() {
		rateOpts = append(rateOpts, rates.WithFallback(fallback))
	}
	g.rates = rates.NewService(g.backend, rateOpts...)

	g.settlement = settlement.NewService(g.escrow, g.timeout, settlement.WithLogger(g.logger))

	g.logger.Info("gateway ready", map[string]any{
		"environment": cfg.Environment,
		"chains":      len(g.registry.ListEnabledChains()),
	})
	return g, nil
}

func (g *Gateway) adapters(p Providers) []chains.Adapter {
	evmOpts := []chains.Option{chains.WithLogger(g.logger)}
	if g.config.Escrow.EVMApproval != "" {
		evmOpts = append(evmOpts, chains.WithApprovalPolicy(g.config.Escrow.EVMApproval))
	}
	tronOpts := []chains.Option{chains.WithLogger(g.logger)}
	if g.config.Escrow.TronApproval != "" {
		tronOpts = append(tronOpts, chains.WithApprovalPolicy(g.config.Escrow.TronApproval))
	}

	return []chains.Adapter{
		chains.NewEVMAdapter(g.registry, p.EVM, evmOpts...),
		chains.NewTronAdapter(g.registry, p.Tron, tronOpts...),
		chains.NewSolanaAdapter(g.registry, p.Solana, p.SolanaRPC, chains.WithLogger(g.logger)),
	}
}

// KeyWallets builds server-side wallets for every private key present in
// cfg.Wallet. EVM networks are registered for every enabled EVM chain.
func KeyWallets(ctx context.Context, cfg *config.Config, log logger.Logger) (Providers, error) {
	if log == nil {
		log = logger.NoopLogger{}
	}
	reg := registry.New(cfg.Environment, cfg.RegistryOptions()...)
	opts := []clients.Option{clients.WithLogger(log), clients.WithRateLimit(cfg.Wallet.RequestsPerSec)}

	var p Providers
	if cfg.Wallet.EVMPrivateKey != "" {
		w, err := clients.NewEVMWallet(cfg.Wallet.EVMPrivateKey, opts...)
		if err != nil {
			return Providers{}, types.WrapError(types.ErrConfigError, err.Error(), err)
		}
		for _, c := range reg.ListEnabledChains() {
			if c.Family != types.FamilyEVM {
				continue
			}
			if err := w.AddNetwork(ctx, reg.ChainID(c.Key), reg.RPCURL(c.Key)); err != nil {
				return Providers{}, fmt.Errorf("%s: %w", c.Key, err)
			}
		}
		p.EVM = w
	}
	if cfg.Wallet.TronPrivateKey != "" {
		apiURL := cfg.Wallet.TronAPIURL
		if apiURL == "" {
			apiURL = reg.RPCURL(types.ChainTron)
		}
		w, err := clients.NewTronWallet(apiURL, cfg.Wallet.TronAPIKey, cfg.Wallet.TronPrivateKey, opts...)
		if err != nil {
			return Providers{}, types.WrapError(types.ErrConfigError, err.Error(), err)
		}
		p.Tron = w
	}
	if cfg.Wallet.SolanaPrivateKey != "" {
		w, err := clients.NewSolanaWallet(cfg.Wallet.SolanaPrivateKey, opts...)
		if err != nil {
			return Providers{}, types.WrapError(types.ErrConfigError, err.Error(), err)
		}
		p.Solana = w
	}
	return p, nil
}

// NewSession starts a checkout session on the gateway's wallet connection.
// Extra options are applied after the gateway defaults.
func (g *Gateway) NewSession(opts ...checkout.Option) *checkout.Session {
	base := []checkout.Option{
		checkout.WithTransfer(g.transfers),
		checkout.WithRates(g.rates),
		checkout.WithNotifier(g.notifier),
		checkout.WithLogger(g.logger),
		checkout.WithMetrics(g.metrics),
	}
	return checkout.NewSession(g.registry, g.connector, g.backend, g.escrow, append(base, opts...)...)
}

func (g *Gateway) Registry() *registry.Registry { return g.registry }
func (g *Gateway) Connector() *wallet.Connector { return g.connector }
func (g *Gateway) Transfers() *transfer.Engine { return g.transfers }
func (g *Gateway) Escrow() *escrow.Orchestrator { return g.escrow }
func (g *Gateway) Backend() *backend.Client { return g.backend }
func (g *Gateway) Rates() *rates.Service { return g.rates }
func (g *Gateway) Settlement() *settlement.Service { return g.settlement }

// Close disconnects the wallet.
func (g *Gateway) Close() {
	g.connector.Disconnect()
}

// Version information
const Version = "1.0.0"

// GetVersion returns version information
func GetVersion() map[string]interface{} {
	return map[string]interface{}{
		"library_version": Version,
		"supported_chains": []types.ChainKey{
			types.ChainEthereum, types.ChainBase, types.ChainArbitrum, types.ChainTron, types.ChainSolana,
		},
		"supported_tokens":  []types.TokenSymbol{types.TokenUSDT, types.TokenUSDC},
		"supported_wallets": []types.WalletKind{types.WalletMetaMask, types.WalletTrustWallet, types.WalletTronLink, types.WalletPhantom},
	}
}
