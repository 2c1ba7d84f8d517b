package registry

import "github.com/vitwit/stablepay/types"

const defaultEVMEscrow = "0xF09DaDf498C01af003Ed6592039932163f124DDf"

var evmNative = types.NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18}

// DefaultChains returns the built-in chain table in display order.
func DefaultChains() []types.ChainDescriptor {
	return []types.ChainDescriptor{
		{
			Key:            types.ChainEthereum,
			Family:         types.FamilyEVM,
			Name:           "Ethereum",
			DisplayName:    "Ethereum Mainnet",
			ChainID:        types.Pair[int64]{Testnet: 11155111, Mainnet: 1},
			RPCURL:         types.Pair[string]{Testnet: "https://ethereum-sepolia-rpc.publicnode.com", Mainnet: "https://eth.llamarpc.com"},
			Explorer:       types.Pair[string]{Testnet: "https://sepolia.etherscan.io", Mainnet: "https://etherscan.io"},
			ExplorerStyle:  types.ExplorerPath,
			NativeCurrency: evmNative,
			Tokens: []types.TokenDescriptor{
				{Symbol: types.TokenUSDT, Decimals: 6, Address: types.Pair[string]{Testnet: "0x7169D38820dfd117C3FA1f22a697dBA58d90BA06", Mainnet: "0xdAC17F958D2ee523a2206206994597C13D831ec7"}},
				{Symbol: types.TokenUSDC, Decimals: 6, Address: types.Pair[string]{Testnet: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238", Mainnet: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"}},
			},
			Fee:     "High (~$5-20)",
			Enabled: true,
		},
		{
			Key:            types.ChainBase,
			Family:         types.FamilyEVM,
			Name:           "Base",
			DisplayName:    "Base",
			ChainID:        types.Pair[int64]{Testnet: 84532, Mainnet: 8453},
			RPCURL:         types.Pair[string]{Testnet: "https://sepolia.base.org", Mainnet: "https://mainnet.base.org"},
			Explorer:       types.Pair[string]{Testnet: "https://sepolia.basescan.org", Mainnet: "https://basescan.org"},
			ExplorerStyle:  types.ExplorerPath,
			NativeCurrency: evmNative,
			Tokens: []types.TokenDescriptor{
				{Symbol: types.TokenUSDC, Decimals: 6, Address: types.Pair[string]{Testnet: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Mainnet: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"}},
			},
			EscrowContract: types.Pair[string]{Testnet: defaultEVMEscrow, Mainnet: defaultEVMEscrow},
			Fee:            "Very Low (~$0.01)",
			Enabled:        true,
		},
		{
			Key:            types.ChainArbitrum,
			Family:         types.FamilyEVM,
			Name:           "Arbitrum",
			DisplayName:    "Arbitrum One",
			ChainID:        types.Pair[int64]{Testnet: 421614, Mainnet: 42161},
			RPCURL:         types.Pair[string]{Testnet: "https://sepolia-rollup.arbitrum.io/rpc", Mainnet: "https://arb1.arbitrum.io/rpc"},
			Explorer:       types.Pair[string]{Testnet: "https://sepolia.arbiscan.io", Mainnet: "https://arbiscan.io"},
			ExplorerStyle:  types.ExplorerPath,
			NativeCurrency: evmNative,
			Tokens: []types.TokenDescriptor{
				// no official testnet USDT
				{Symbol: types.TokenUSDT, Decimals: 6, Address: types.Pair[string]{Testnet: types.ZeroAddress, Mainnet: "0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9"}},
				{Symbol: types.TokenUSDC, Decimals: 6, Address: types.Pair[string]{Testnet: "0x75faf114eafb1BDbe2F0316DF893fd58CE46AA4d", Mainnet: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831"}},
			},
			EscrowContract: types.Pair[string]{Testnet: defaultEVMEscrow, Mainnet: defaultEVMEscrow},
			Fee:            "Low (~$0.10)",
			Enabled:        true,
		},
		{
			Key:            types.ChainTron,
			Family:         types.FamilyTron,
			Name:           "Tron",
			DisplayName:    "Tron (TRC20)",
			ChainID:        types.Pair[int64]{Testnet: 2494104990, Mainnet: 728126428},
			RPCURL:         types.Pair[string]{Testnet: "https://nile.trongrid.io", Mainnet: "https://api.trongrid.io"},
			Explorer:       types.Pair[string]{Testnet: "https://nile.tronscan.org", Mainnet: "https://tronscan.org"},
			ExplorerStyle:  types.ExplorerHashRoute,
			NativeCurrency: types.NativeCurrency{Name: "Tronix", Symbol: "TRX", Decimals: 6},
			Tokens: []types.TokenDescriptor{
				{Symbol: types.TokenUSDT, Decimals: 6, Address: types.Pair[string]{Testnet: "TXLAQ63Xg1NAzckPwKHvzw7CSEmLMEqcdj", Mainnet: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"}},
			},
			EscrowContract: types.Pair[string]{Testnet: "TWKLegNH41NRzPJ3wH7StZd3XXMK7XHVAr"},
			Fee:            "Low (~$1-2)",
			Enabled:        true,
		},
		{
			Key:            types.ChainSolana,
			Family:         types.FamilySolana,
			Name:           "Solana",
			DisplayName:    "Solana",
			ChainID:        types.Pair[int64]{Testnet: 102, Mainnet: 101},
			RPCURL:         types.Pair[string]{Testnet: "https://api.devnet.solana.com", Mainnet: "https://api.mainnet-beta.solana.com"},
			Explorer:       types.Pair[string]{Testnet: "https://solscan.io", Mainnet: "https://solscan.io"},
			ExplorerStyle:  types.ExplorerClusterQuery,
			NativeCurrency: types.NativeCurrency{Name: "Solana", Symbol: "SOL", Decimals: 9},
			Tokens: []types.TokenDescriptor{
				{Symbol: types.TokenUSDC, Decimals: 6, Address: types.Pair[string]{Testnet: "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU", Mainnet: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"}},
				// devnet reuses the USDC mint
				{Symbol: types.TokenUSDT, Decimals: 6, Address: types.Pair[string]{Testnet: "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU", Mainnet: "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"}},
			},
			Fee:     "Extremely Low (~$0.001)",
			Enabled: true,
		},
	}
}

var evmWallets = []types.WalletInfo{
	{Kind: types.WalletMetaMask, Name: "MetaMask", Description: "Browser extension"},
	{Kind: types.WalletTrustWallet, Name: "Trust Wallet", Description: "Mobile wallet"},
}

var familyWallets = map[types.ChainFamily][]types.WalletInfo{
	types.FamilyEVM:    evmWallets,
	types.FamilyTron:   {{Kind: types.WalletTronLink, Name: "TronLink", Description: "Tron wallet"}},
	types.FamilySolana: {{Kind: types.WalletPhantom, Name: "Phantom", Description: "Solana wallet"}},
}
