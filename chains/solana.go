package chains

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/vitwit/stablepay/registry"
	"github.com/vitwit/stablepay/types"
	"github.com/vitwit/stablepay/utils"
)

// SolanaAdapter sends SPL token transfers through a Phantom style wallet.
// Escrow is not deployed on Solana.
type SolanaAdapter struct {
	adapterConfig
	provider SolanaProvider
	rpc      SolanaRPC
	registry *registry.Registry
}

var _ Adapter = (*SolanaAdapter)(nil)

// NewSolanaAdapter creates an adapter over provider. When client is nil an
// RPC client for the registry's Solana endpoint is used. Signature status is
// polled every second for 30 seconds.
func NewSolanaAdapter(reg *registry.Registry, provider SolanaProvider, client SolanaRPC, opts ...Option) *SolanaAdapter {
	if client == nil {
		client = rpc.New(reg.RPCURL(types.ChainSolana))
	}
	return &SolanaAdapter{
		adapterConfig: newAdapterConfig(time.Second, 30, opts),
		provider:      provider,
		rpc:           client,
		registry:      reg,
	}
}

func (a *SolanaAdapter) Family() types.ChainFamily {
	return types.FamilySolana
}

func (a *SolanaAdapter) ExplorerTxURL(chain types.ChainKey, txHash string) string {
	return a.registry.ExplorerTxURL(chain, txHash)
}

func (a *SolanaAdapter) Connect(ctx context.Context, chain types.ChainDescriptor) (*types.Account, error) {
	if a.provider == nil {
		return nil, types.NewError(types.ErrProviderNotFound, "Phantom wallet not detected. Please install Phantom.")
	}
	pk, err := a.provider.Connect(ctx)
	if err != nil {
		if IsUserRejected(err) {
			return nil, types.WrapError(types.ErrUserRejected, "Connection request rejected by user", err)
		}
		return nil, err
	}
	if pk.IsZero() {
		return nil, types.NewError(types.ErrWalletNotConnected, types.MsgWalletNotConnected)
	}
	return &types.Account{Address: pk.String()}, nil
}

// Transfer moves tokens between the associated token accounts of the
// connected wallet and the destination, then waits for confirmation.
func (a *SolanaAdapter) Transfer(ctx context.Context, call *TransferCall) (string, error) {
	if a.provider == nil {
		return "", types.NewError(types.ErrProviderNotFound, "Phantom wallet not detected. Please install Phantom.")
	}
	owner := a.provider.PublicKey()
	if owner.IsZero() {
		return "", types.NewError(types.ErrWalletNotConnected, types.MsgWalletNotConnected)
	}

	mint, err := solana.PublicKeyFromBase58(call.TokenAddress)
	if err != nil {
		return "", types.WrapError(types.ErrUnsupportedToken, fmt.Sprintf("invalid mint %q", call.TokenAddress), err)
	}
	dest, err := solana.PublicKeyFromBase58(call.Destination)
	if err != nil {
		return "", types.WrapError(types.ErrInvalidRequest, fmt.Sprintf("invalid destination address %q", call.Destination), err)
	}

	source, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return "", fmt.Errorf("derive source token account: %w", err)
	}
	target, _, err := solana.FindAssociatedTokenAddress(dest, mint)
	if err != nil {
		return "", fmt.Errorf("derive destination token account: %w", err)
	}

	units := utils.ToSmallestUnit(call.Amount, call.Token.Decimals)
	if !units.IsUint64() {
		return "", types.NewError(types.ErrInvalidRequest, "amount out of range")
	}

	recent, err := a.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			token.NewTransferInstruction(units.Uint64(), source, target, owner, nil).Build(),
		},
		recent.Value.Blockhash,
		solana.TransactionPayer(owner),
	)
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}

	signed, err := a.provider.SignTransaction(ctx, tx)
	if err != nil {
		return "", err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("serialize transaction: %w", err)
	}

	sig, err := a.rpc.SendRawTransaction(ctx, raw)
	if err != nil {
		return "", err
	}
	if call.OnSubmitted != nil {
		call.OnSubmitted(sig.String())
	}

	if err := a.waitConfirmed(ctx, sig); err != nil {
		return sig.String(), err
	}
	return sig.String(), nil
}

func (a *SolanaAdapter) waitConfirmed(ctx context.Context, sig solana.Signature) error {
	found, err := a.poller.Poll(ctx, func(ctx context.Context, attempt int) (bool, error) {
		out, err := a.rpc.GetSignatureStatuses(ctx, false, sig)
		if err != nil {
			a.logger.Debug("signature status lookup failed", map[string]any{"tx_hash": sig.String(), "attempt": attempt, "error": err})
			return false, nil
		}
		if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
			return false, nil
		}
		status := out.Value[0]
		if status.Err != nil {
			return false, &types.PaymentError{
				Code:    types.ErrTransactionFailed,
				Message: fmt.Sprintf("%s: %v", types.MsgTransactionFailed, status.Err),
				Data:    sig.String(),
			}
		}
		switch status.ConfirmationStatus {
		case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if !found {
		return &types.PaymentError{Code: types.ErrConfirmationTimeout, Message: "Transaction was not confirmed in time", Data: sig.String()}
	}
	return nil
}

func (a *SolanaAdapter) CreateEscrow(ctx context.Context, call *EscrowCall) (*types.EscrowResult, error) {
	return nil, types.NewError(types.ErrEscrowUnsupported, "Escrow is not available on Solana")
}
