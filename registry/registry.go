// Package registry holds the static table of supported chains and tokens,
// resolved against one environment at construction time.
package registry

import (
	"fmt"
	"strings"

	"github.com/vitwit/stablepay/types"
)

// Registry is immutable after New returns and safe for concurrent use.
type Registry struct {
	env       types.Environment
	order     []types.ChainKey
	chains    map[types.ChainKey]types.ChainDescriptor
	merchants map[types.ChainKey]string

	// overrides run after the chain table is final.
	overrides []func(*Registry)
}

// Option configures a Registry. Per-chain overrides apply to the final
// chain table, so their order relative to WithChains does not matter.
type Option func(*Registry)

func override(fn func(*Registry)) Option {
	return func(r *Registry) {
		r.overrides = append(r.overrides, fn)
	}
}

// WithChains replaces the built-in chain table.
func WithChains(chains ...types.ChainDescriptor) Option {
	return func(r *Registry) {
		r.order = r.order[:0]
		r.chains = make(map[types.ChainKey]types.ChainDescriptor, len(chains))
		for _, c := range chains {
			r.add(c)
		}
	}
}

// WithEscrowContract sets the escrow contract of chain for the active environment.
func WithEscrowContract(chain types.ChainKey, address string) Option {
	return override(func(r *Registry) {
		c, ok := r.chains[chain]
		if !ok {
			return
		}
		if r.env == types.EnvMainnet {
			c.EscrowContract.Mainnet = address
		} else {
			c.EscrowContract.Testnet = address
		}
		r.chains[chain] = c
	})
}

// WithMerchantAddress sets the receiving address used for direct transfers on chain.
func WithMerchantAddress(chain types.ChainKey, address string) Option {
	return func(r *Registry) {
		r.merchants[chain] = address
	}
}

// WithChainEnabled toggles a chain without touching the rest of its descriptor.
func WithChainEnabled(chain types.ChainKey, enabled bool) Option {
	return override(func(r *Registry) {
		if c, ok := r.chains[chain]; ok {
			c.Enabled = enabled
			r.chains[chain] = c
		}
	})
}

// WithRPCURL overrides the RPC endpoint of chain for the active environment.
func WithRPCURL(chain types.ChainKey, url string) Option {
	return override(func(r *Registry) {
		c, ok := r.chains[chain]
		if !ok {
			return
		}
		if r.env == types.EnvMainnet {
			c.RPCURL.Mainnet = url
		} else {
			c.RPCURL.Testnet = url
		}
		r.chains[chain] = c
	})
}

// New builds a registry for env from the built-in table and opts.
func New(env types.Environment, opts ...Option) *Registry {
	if env != types.EnvMainnet {
		env = types.EnvTestnet
	}

	r := &Registry{
		env:       env,
		chains:    make(map[types.ChainKey]types.ChainDescriptor),
		merchants: make(map[types.ChainKey]string),
	}
	for _, c := range DefaultChains() {
		r.add(c)
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, fn := range r.overrides {
		fn(r)
	}
	r.overrides = nil
	return r
}

func (r *Registry) add(c types.ChainDescriptor) {
	if _, exists := r.chains[c.Key]; !exists {
		r.order = append(r.order, c.Key)
	}
	c.Tokens = append([]types.TokenDescriptor(nil), c.Tokens...)
	r.chains[c.Key] = c
}

func (r *Registry) Environment() types.Environment {
	return r.env
}

func (r *Registry) IsTestnet() bool {
	return r.env.IsTestnet()
}

// ListEnabledChains returns enabled chains that have at least one token
// deployed in the active environment. Unusable tokens are filtered out.
func (r *Registry) ListEnabledChains() []types.ChainDescriptor {
	out := make([]types.ChainDescriptor, 0, len(r.order))
	for _, key := range r.order {
		c := r.chains[key]
		if !c.Enabled {
			continue
		}
		tokens := r.usableTokens(c)
		if len(tokens) == 0 {
			continue
		}
		c.Tokens = tokens
		out = append(out, c)
	}
	return out
}

// Chain returns the descriptor for key.
func (r *Registry) Chain(key types.ChainKey) (types.ChainDescriptor, bool) {
	c, ok := r.chains[key]
	if !ok {
		return types.ChainDescriptor{}, false
	}
	c.Tokens = append([]types.TokenDescriptor(nil), c.Tokens...)
	return c, true
}

// Family returns the chain family of key.
func (r *Registry) Family(key types.ChainKey) (types.ChainFamily, bool) {
	c, ok := r.chains[key]
	return c.Family, ok
}

// Token returns the token descriptor for (chain, symbol).
func (r *Registry) Token(chain types.ChainKey, symbol types.TokenSymbol) (types.TokenDescriptor, bool) {
	c, ok := r.chains[chain]
	if !ok {
		return types.TokenDescriptor{}, false
	}
	return c.FindToken(symbol)
}

// TokenAddress returns the token contract/mint for the active environment.
// Placeholder addresses are reported as absent.
func (r *Registry) TokenAddress(chain types.ChainKey, symbol types.TokenSymbol) (string, bool) {
	t, ok := r.Token(chain, symbol)
	if !ok {
		return "", false
	}
	addr := t.Address.Pick(r.env)
	if !types.UsableAddress(addr) {
		return "", false
	}
	return addr, true
}

// TokenDecimals returns the token precision, defaulting to 6.
func (r *Registry) TokenDecimals(chain types.ChainKey, symbol types.TokenSymbol) int {
	if t, ok := r.Token(chain, symbol); ok {
		return t.Decimals
	}
	return 6
}

// TokenByAddress finds the token deployed at addr on chain.
func (r *Registry) TokenByAddress(chain types.ChainKey, addr string) (types.TokenDescriptor, bool) {
	c, ok := r.chains[chain]
	if !ok {
		return types.TokenDescriptor{}, false
	}
	for _, t := range c.Tokens {
		if strings.EqualFold(t.Address.Pick(r.env), addr) {
			return t, true
		}
	}
	return types.TokenDescriptor{}, false
}

// AvailableTokens lists token symbols usable on chain.
func (r *Registry) AvailableTokens(chain types.ChainKey) []types.TokenSymbol {
	c, ok := r.chains[chain]
	if !ok {
		return nil
	}
	tokens := r.usableTokens(c)
	out := make([]types.TokenSymbol, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, t.Symbol)
	}
	return out
}

func (r *Registry) ChainID(chain types.ChainKey) int64 {
	c, ok := r.chains[chain]
	if !ok {
		return 0
	}
	return c.ChainID.Pick(r.env)
}

// HexChainID is the 0x-prefixed chain id used by EVM wallet switching.
func (r *Registry) HexChainID(chain types.ChainKey) string {
	return fmt.Sprintf("0x%x", r.ChainID(chain))
}

func (r *Registry) RPCURL(chain types.ChainKey) string {
	c, ok := r.chains[chain]
	if !ok {
		return ""
	}
	return c.RPCURL.Pick(r.env)
}

func (r *Registry) Explorer(chain types.ChainKey) string {
	c, ok := r.chains[chain]
	if !ok {
		return ""
	}
	return c.Explorer.Pick(r.env)
}

// ExplorerTxURL builds the block explorer link for a transaction, or "#"
// when the chain has no explorer.
func (r *Registry) ExplorerTxURL(chain types.ChainKey, txHash string) string {
	c, ok := r.chains[chain]
	if !ok {
		return "#"
	}
	base := strings.TrimRight(c.Explorer.Pick(r.env), "/")
	if base == "" {
		return "#"
	}

	switch c.ExplorerStyle {
	case types.ExplorerHashRoute:
		return base + "/#/transaction/" + txHash
	case types.ExplorerClusterQuery:
		if r.env.IsTestnet() {
			return base + "/tx/" + txHash + "?cluster=devnet"
		}
		return base + "/tx/" + txHash
	default:
		return base + "/tx/" + txHash
	}
}

// EscrowContract returns the escrow manager deployed on chain.
func (r *Registry) EscrowContract(chain types.ChainKey) (string, bool) {
	c, ok := r.chains[chain]
	if !ok {
		return "", false
	}
	addr := c.EscrowContract.Pick(r.env)
	return addr, types.UsableAddress(addr)
}

// MerchantAddress returns the configured receiving address for chain.
func (r *Registry) MerchantAddress(chain types.ChainKey) (string, bool) {
	addr, ok := r.merchants[chain]
	return addr, ok && addr != ""
}

// WalletsForChain lists the wallets that can pay on chain.
func (r *Registry) WalletsForChain(chain types.ChainKey) []types.WalletInfo {
	c, ok := r.chains[chain]
	if !ok {
		return nil
	}
	return append([]types.WalletInfo(nil), familyWallets[c.Family]...)
}

func (r *Registry) usableTokens(c types.ChainDescriptor) []types.TokenDescriptor {
	out := make([]types.TokenDescriptor, 0, len(c.Tokens))
	for _, t := range c.Tokens {
		if types.UsableAddress(t.Address.Pick(r.env)) {
			out = append(out, t)
		}
	}
	return out
}
