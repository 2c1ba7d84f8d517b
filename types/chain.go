package types

// Environment selects which half of every environment-dependent pair is active.
type Environment string

const (
	EnvTestnet Environment = "testnet"
	EnvMainnet Environment = "mainnet"
)

func (e Environment) IsTestnet() bool {
	return e != EnvMainnet
}

func (e Environment) String() string {
	return string(e)
}

// ChainKey identifies a supported chain
type ChainKey string

const (
	ChainEthereum ChainKey = "ethereum"
	ChainBase     ChainKey = "base"
	ChainArbitrum ChainKey = "arbitrum"
	ChainTron     ChainKey = "tron"
	ChainSolana   ChainKey = "solana"
)

func (c ChainKey) String() string {
	return string(c)
}

// ChainFamily classifies a chain by wallet/transaction model.
type ChainFamily string

const (
	FamilyEVM    ChainFamily = "evm"
	FamilyTron   ChainFamily = "tron"
	FamilySolana ChainFamily = "solana"
)

// TokenSymbol is a supported stablecoin
type TokenSymbol string

const (
	TokenUSDT TokenSymbol = "USDT"
	TokenUSDC TokenSymbol = "USDC"
)

func (t TokenSymbol) String() string {
	return string(t)
}

// ExplorerStyle decides how a transaction URL is built from an explorer base.
type ExplorerStyle int

const (
	// ExplorerPath appends /tx/{hash}
	ExplorerPath ExplorerStyle = iota
	// ExplorerHashRoute appends /#/transaction/{hash}
	ExplorerHashRoute
	// ExplorerClusterQuery appends /tx/{hash} and a ?cluster=devnet selector on testnet
	ExplorerClusterQuery
)

// ZeroAddress is the placeholder used for tokens that have no deployment.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// Pair holds one value per environment.
type Pair[T any] struct {
	Testnet T `json:"testnet" mapstructure:"testnet"`
	Mainnet T `json:"mainnet" mapstructure:"mainnet"`
}

// Pick returns the value for env.
func (p Pair[T]) Pick(env Environment) T {
	if env == EnvMainnet {
		return p.Mainnet
	}
	return p.Testnet
}

// NativeCurrency describes the gas token of a chain.
type NativeCurrency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// TokenDescriptor describes a stablecoin deployment on one chain.
type TokenDescriptor struct {
	Symbol   TokenSymbol  `json:"symbol" validate:"required"`
	Decimals int          `json:"decimals" validate:"gte=0,lte=36"`
	Address  Pair[string] `json:"address"`
}

// ChainDescriptor is the static description of a supported chain.
type ChainDescriptor struct {
	Key            ChainKey          `json:"key" validate:"required"`
	Family         ChainFamily       `json:"family" validate:"required,oneof=evm tron solana"`
	Name           string            `json:"name"`
	DisplayName    string            `json:"displayName"`
	ChainID        Pair[int64]       `json:"chainId"`
	RPCURL         Pair[string]      `json:"rpcUrl"`
	Explorer       Pair[string]      `json:"explorer"`
	ExplorerStyle  ExplorerStyle     `json:"-"`
	NativeCurrency NativeCurrency    `json:"nativeCurrency"`
	Tokens         []TokenDescriptor `json:"tokens" validate:"dive"`
	EscrowContract Pair[string]      `json:"escrowContract"`
	Fee            string            `json:"fee,omitempty"`
	Enabled        bool              `json:"enabled"`
}

func (c ChainDescriptor) IsEVM() bool {
	return c.Family == FamilyEVM
}

// FindToken looks up a token by symbol.
func (c ChainDescriptor) FindToken(symbol TokenSymbol) (TokenDescriptor, bool) {
	for _, t := range c.Tokens {
		if t.Symbol == symbol {
			return t, true
		}
	}
	return TokenDescriptor{}, false
}

// UsableAddress reports whether addr is a real token deployment.
func UsableAddress(addr string) bool {
	return addr != "" && addr != ZeroAddress
}
