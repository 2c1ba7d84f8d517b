package clients

import (
	"context"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/vitwit/stablepay/chains"
	"github.com/vitwit/stablepay/types"
)

var _ chains.SolanaProvider = (*SolanaWallet)(nil)

// SolanaWallet signs with a local ed25519 keypair, standing in for Phantom.
// The public key stays hidden until Connect, like a browser wallet.
type SolanaWallet struct {
	key  solana.PrivateKey
	opts options

	mu        sync.RWMutex
	connected bool
}

// NewSolanaWallet accepts the base58 secret key exported by Solana wallets.
func NewSolanaWallet(base58Key string, opts ...Option) (*SolanaWallet, error) {
	key, err := solana.PrivateKeyFromBase58(base58Key)
	if err != nil {
		return nil, fmt.Errorf("invalid solana private key: %w", err)
	}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid solana private key: %w", err)
	}
	return &SolanaWallet{key: key, opts: newOptions(opts)}, nil
}

func (w *SolanaWallet) Connect(context.Context) (solana.PublicKey, error) {
	w.mu.Lock()
	w.connected = true
	w.mu.Unlock()
	return w.key.PublicKey(), nil
}

func (w *SolanaWallet) PublicKey() solana.PublicKey {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.connected {
		return solana.PublicKey{}
	}
	return w.key.PublicKey()
}

// Disconnect hides the public key again.
func (w *SolanaWallet) Disconnect() {
	w.mu.Lock()
	w.connected = false
	w.mu.Unlock()
}

// SignTransaction signs tx in place. The wallet must be the fee payer or
// one of the required signers.
func (w *SolanaWallet) SignTransaction(_ context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	if w.PublicKey().IsZero() {
		return nil, types.NewError(types.ErrWalletNotConnected, types.MsgWalletNotConnected)
	}
	owner := w.key.PublicKey()
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(owner) {
			return &w.key
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	w.opts.logger.Debug("solana transaction signed", map[string]any{"signer": owner.String()})
	return tx, nil
}
