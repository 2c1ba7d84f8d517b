package chains

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/stablepay/registry"
	"github.com/vitwit/stablepay/types"
	"github.com/vitwit/stablepay/utils"
)

// TronAdapter drives a TronLink style wallet for TRC20 transfers and escrows.
type TronAdapter struct {
	adapterConfig
	provider TronProvider
	registry *registry.Registry
}

var _ Adapter = (*TronAdapter)(nil)

// NewTronAdapter creates an adapter over provider, which may be nil. Transaction
// info is polled every 3s, 20 times.
func NewTronAdapter(reg *registry.Registry, provider TronProvider, opts ...Option) *TronAdapter {
	return &TronAdapter{
		adapterConfig: newAdapterConfig(3*time.Second, 20, opts),
		provider:      provider,
		registry:      reg,
	}
}

func (a *TronAdapter) Family() types.ChainFamily {
	return types.FamilyTron
}

func (a *TronAdapter) ExplorerTxURL(chain types.ChainKey, txHash string) string {
	return a.registry.ExplorerTxURL(chain, txHash)
}

// Connect uses the wallet's default address, asking for authorization when
// there is none yet.
func (a *TronAdapter) Connect(ctx context.Context, chain types.ChainDescriptor) (*types.Account, error) {
	if a.provider == nil {
		return nil, types.NewError(types.ErrProviderNotFound, "TronLink not detected. Please install TronLink.")
	}

	if addr := a.provider.DefaultAddress(); addr != "" {
		return &types.Account{Address: addr}, nil
	}

	code, err := a.provider.RequestAccounts(ctx)
	if err != nil {
		if IsUserRejected(err) {
			return nil, types.WrapError(types.ErrUserRejected, "Connection request rejected by user", err)
		}
		return nil, err
	}
	if code != 200 {
		return nil, types.NewError(types.ErrUserRejected, "TronLink authorization was not granted")
	}

	addr := a.provider.DefaultAddress()
	if addr == "" {
		return nil, types.NewError(types.ErrWalletNotConnected, "TronLink returned no address")
	}
	return &types.Account{Address: addr}, nil
}

func (a *TronAdapter) owner() (string, error) {
	if a.provider == nil || !a.provider.Ready() {
		return "", types.NewError(types.ErrProviderNotReady, types.MsgTronNotReady)
	}
	addr := a.provider.DefaultAddress()
	if addr == "" {
		return "", types.NewError(types.ErrProviderNotReady, types.MsgTronNotReady)
	}
	return addr, nil
}

// Transfer triggers a TRC20 transfer and returns without waiting for inclusion.
func (a *TronAdapter) Transfer(ctx context.Context, call *TransferCall) (string, error) {
	owner, err := a.owner()
	if err != nil {
		return "", err
	}
	to, err := utils.TronToEVMAddress(call.Destination)
	if err != nil {
		return "", types.WrapError(types.ErrInvalidRequest, fmt.Sprintf("invalid destination address %q", call.Destination), err)
	}

	units := utils.ToSmallestUnit(call.Amount, call.Token.Decimals)
	params, err := stripSelector(EncodeTransfer(to, units))
	if err != nil {
		return "", fmt.Errorf("encode transfer: %w", err)
	}

	txID, err := a.provider.TriggerContract(ctx, TronContractCall{
		Contract:  call.TokenAddress,
		Owner:     owner,
		Selector:  tronSelectorTransfer,
		Parameter: params,
		FeeLimit:  TronFeeLimit,
	})
	if err != nil {
		return "", err
	}
	if call.OnSubmitted != nil {
		call.OnSubmitted(txID)
	}
	return txID, nil
}

// CreateEscrow approves the escrow contract per policy and creates the
// escrow. A creation that is not seen within the polling budget is reported
// as pending rather than failed.
func (a *TronAdapter) CreateEscrow(ctx context.Context, call *EscrowCall) (*types.EscrowResult, error) {
	owner, err := a.owner()
	if err != nil {
		return nil, err
	}

	token, err := utils.TronToEVMAddress(call.TokenAddress)
	if err != nil {
		return nil, types.WrapError(types.ErrInvalidRequest, fmt.Sprintf("invalid token address %q", call.TokenAddress), err)
	}
	escrow, err := utils.TronToEVMAddress(call.EscrowAddress)
	if err != nil {
		return nil, types.WrapError(types.ErrInvalidRequest, fmt.Sprintf("invalid escrow address %q", call.EscrowAddress), err)
	}
	units := utils.ToSmallestUnit(call.Amount, call.Token.Decimals)

	if err := a.ensureAllowance(ctx, call, owner, token, escrow, units); err != nil {
		return nil, err
	}

	params, err := stripSelector(EncodeCreateEscrow(token, units, call.Reference, call.Category))
	if err != nil {
		return nil, fmt.Errorf("encode createEscrow: %w", err)
	}
	txID, err := a.provider.TriggerContract(ctx, TronContractCall{
		Contract:  call.EscrowAddress,
		Owner:     owner,
		Selector:  tronSelectorCreateEscrow,
		Parameter: params,
		FeeLimit:  TronFeeLimit,
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("escrow transaction sent", map[string]any{"chain": call.Chain.Key, "tx_hash": txID})

	info, err := a.waitInfo(ctx, txID)
	if err != nil {
		return nil, err
	}

	result := &types.EscrowResult{Success: true, Chain: call.Chain.Key, TxHash: txID}
	if info == nil {
		a.logger.Warn("escrow transaction not confirmed in time; assuming pending", map[string]any{"chain": call.Chain.Key, "tx_hash": txID})
		result.Confirmation = types.TimedOutAssumePending
		return result, nil
	}
	if info.Failed() {
		return nil, &types.PaymentError{
			Code:    types.ErrTransactionFailed,
			Message: fmt.Sprintf("%s: %s", types.MsgTransactionFailed, tronFailureReason(info)),
			Data:    txID,
		}
	}

	result.EscrowID = a.escrowID(ctx, txID, info)
	if result.EscrowID == nil {
		result.Confirmation = types.ConfirmedUnknownID
	} else {
		result.Confirmation = types.Confirmed
	}
	return result, nil
}

func (a *TronAdapter) ensureAllowance(ctx context.Context, call *EscrowCall, owner string, token, escrow common.Address, units *big.Int) error {
	policy := a.policy(call.Approval)

	if policy == types.ApproveIfInsufficient {
		ownerEVM, err := utils.TronToEVMAddress(owner)
		if err != nil {
			return types.WrapError(types.ErrWalletNotConnected, fmt.Sprintf("invalid wallet address %q", owner), err)
		}
		params, err := stripSelector(EncodeAllowance(ownerEVM, escrow))
		if err != nil {
			return fmt.Errorf("encode allowance: %w", err)
		}
		out, err := a.provider.CallConstant(ctx, TronContractCall{
			Contract:  call.TokenAddress,
			Owner:     owner,
			Selector:  tronSelectorAllowance,
			Parameter: params,
		})
		if err != nil {
			return err
		}
		allowance, err := decodeUint256(out)
		if err != nil {
			return err
		}
		if allowance.Cmp(units) >= 0 {
			a.logger.Debug("allowance sufficient", map[string]any{"chain": call.Chain.Key, "allowance": allowance.String()})
			return nil
		}
	}

	params, err := stripSelector(EncodeApprove(escrow, units))
	if err != nil {
		return fmt.Errorf("encode approve: %w", err)
	}
	txID, err := a.provider.TriggerContract(ctx, TronContractCall{
		Contract:  call.TokenAddress,
		Owner:     owner,
		Selector:  tronSelectorApprove,
		Parameter: params,
		FeeLimit:  TronFeeLimit,
	})
	if err != nil {
		return err
	}
	a.logger.Info("approval sent", map[string]any{"chain": call.Chain.Key, "tx_hash": txID})

	if policy == types.ApproveAlways {
		return nil
	}

	info, err := a.waitInfo(ctx, txID)
	if err != nil {
		return err
	}
	if info == nil {
		a.logger.Warn("approval not confirmed in time; continuing", map[string]any{"chain": call.Chain.Key, "tx_hash": txID})
		return nil
	}
	if info.Failed() {
		return &types.PaymentError{
			Code:    types.ErrTransactionFailed,
			Message: fmt.Sprintf("Token approval failed: %s", tronFailureReason(info)),
			Data:    txID,
		}
	}
	return nil
}

// waitInfo polls transaction info until the node knows the transaction.
// A nil info with a nil error means the budget ran out.
func (a *TronAdapter) waitInfo(ctx context.Context, txID string) (*TronTransactionInfo, error) {
	var info *TronTransactionInfo
	found, err := a.poller.Poll(ctx, func(ctx context.Context, attempt int) (bool, error) {
		got, err := a.provider.TransactionInfo(ctx, txID)
		if err != nil {
			a.logger.Debug("transaction info lookup failed", map[string]any{"tx_hash": txID, "attempt": attempt, "error": err})
			return false, nil
		}
		if !got.Found() {
			return false, nil
		}
		info = got
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return info, nil
}

// escrowID prefers the decoded event feed and falls back to raw log topics.
func (a *TronAdapter) escrowID(ctx context.Context, txID string, info *TronTransactionInfo) *big.Int {
	events, err := a.provider.TransactionEvents(ctx, txID)
	if err != nil {
		a.logger.Debug("event lookup failed", map[string]any{"tx_hash": txID, "error": err})
	}
	for _, ev := range events {
		if ev.EventName != "EscrowCreated" {
			continue
		}
		raw, ok := ev.Result["escrowId"]
		if !ok {
			raw, ok = ev.Result["0"]
		}
		if !ok {
			continue
		}
		if id, ok := new(big.Int).SetString(strings.TrimPrefix(raw, "0x"), numberBase(raw)); ok {
			return id
		}
	}

	topic := strings.TrimPrefix(EscrowCreatedTopic.Hex(), "0x")
	for _, l := range info.Log {
		if len(l.Topics) < 2 || !strings.EqualFold(strings.TrimPrefix(l.Topics[0], "0x"), topic) {
			continue
		}
		b, err := hex.DecodeString(strings.TrimPrefix(l.Topics[1], "0x"))
		if err != nil {
			continue
		}
		return new(big.Int).SetBytes(b)
	}
	return nil
}

func numberBase(s string) int {
	if strings.HasPrefix(s, "0x") {
		return 16
	}
	return 10
}

// tronFailureReason decodes resMessage, which nodes return hex encoded.
func tronFailureReason(info *TronTransactionInfo) string {
	if info.ResMessage != "" {
		if b, err := hex.DecodeString(info.ResMessage); err == nil {
			return string(b)
		}
		return info.ResMessage
	}
	if info.Receipt.Result != "" {
		return info.Receipt.Result
	}
	return info.Result
}
