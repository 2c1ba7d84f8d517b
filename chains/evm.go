package chains

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/vitwit/stablepay/registry"
	"github.com/vitwit/stablepay/types"
	"github.com/vitwit/stablepay/utils"
)

// EVMAdapter drives an EIP-1193 wallet on any EVM chain of the registry.
type EVMAdapter struct {
	adapterConfig
	provider EVMProvider
	registry *registry.Registry
}

var (
	_ Adapter        = (*EVMAdapter)(nil)
	_ ChainSwitcher  = (*EVMAdapter)(nil)
	_ AccountWatcher = (*EVMAdapter)(nil)
	_ EscrowReader   = (*EVMAdapter)(nil)
)

// NewEVMAdapter creates an adapter over provider, which may be nil when no
// EVM wallet is installed. Receipts are polled every 2s for up to 3 minutes.
func NewEVMAdapter(reg *registry.Registry, provider EVMProvider, opts ...Option) *EVMAdapter {
	return &EVMAdapter{
		adapterConfig: newAdapterConfig(2*time.Second, 90, opts),
		provider:      provider,
		registry:      reg,
	}
}

func (a *EVMAdapter) Family() types.ChainFamily {
	return types.FamilyEVM
}

func (a *EVMAdapter) ExplorerTxURL(chain types.ChainKey, txHash string) string {
	return a.registry.ExplorerTxURL(chain, txHash)
}

func (a *EVMAdapter) requireProvider() error {
	if a.provider == nil {
		return types.NewError(types.ErrProviderNotFound, "No EVM wallet detected. Please install MetaMask or Trust Wallet.")
	}
	return nil
}

// Connect requests accounts and moves the wallet onto chain when needed.
func (a *EVMAdapter) Connect(ctx context.Context, chain types.ChainDescriptor) (*types.Account, error) {
	if err := a.requireProvider(); err != nil {
		return nil, err
	}

	var accounts []string
	if err := a.call(ctx, &accounts, "eth_requestAccounts"); err != nil {
		if IsUserRejected(err) {
			return nil, types.WrapError(types.ErrUserRejected, "Connection request rejected by user", err)
		}
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, types.NewError(types.ErrWalletNotConnected, "No accounts returned by wallet")
	}

	current, err := a.chainID(ctx)
	if err != nil {
		return nil, err
	}

	expected := chain.ChainID.Pick(a.registry.Environment())
	if current != expected {
		if !a.SwitchChain(ctx, chain) {
			return nil, types.NewError(types.ErrWrongNetwork, fmt.Sprintf("Please switch to %s in your wallet", chain.Name))
		}
		current = expected
	}

	return &types.Account{Address: accounts[0], ChainID: &current}, nil
}

type addChainParams struct {
	ChainID           string               `json:"chainId"`
	ChainName         string               `json:"chainName"`
	NativeCurrency    types.NativeCurrency `json:"nativeCurrency"`
	RPCURLs           []string             `json:"rpcUrls"`
	BlockExplorerURLs []string             `json:"blockExplorerUrls,omitempty"`
}

// SwitchChain asks the wallet to change network, registering the network
// first when the wallet does not know it. It reports the final outcome.
func (a *EVMAdapter) SwitchChain(ctx context.Context, chain types.ChainDescriptor) bool {
	if a.provider == nil || !chain.IsEVM() {
		return false
	}

	env := a.registry.Environment()
	hexID := fmt.Sprintf("0x%x", chain.ChainID.Pick(env))

	_, err := a.provider.Request(ctx, "wallet_switchEthereumChain", map[string]string{"chainId": hexID})
	if err == nil {
		return true
	}

	var pe *types.ProviderError
	if !errors.As(err, &pe) || pe.Code != types.ProviderUnrecognizedChain {
		a.logger.Warn("chain switch failed", map[string]any{"chain": chain.Key, "error": err})
		return false
	}

	params := addChainParams{
		ChainID:        hexID,
		ChainName:      chain.DisplayName,
		NativeCurrency: chain.NativeCurrency,
		RPCURLs:        []string{chain.RPCURL.Pick(env)},
	}
	if explorer := chain.Explorer.Pick(env); explorer != "" {
		params.BlockExplorerURLs = []string{explorer}
	}

	if _, err := a.provider.Request(ctx, "wallet_addEthereumChain", params); err != nil {
		a.logger.Warn("add chain failed", map[string]any{"chain": chain.Key, "error": err})
		return false
	}
	return true
}

// Watch forwards account and network changes pushed by the wallet.
func (a *EVMAdapter) Watch(onAccounts func([]string), onChain func(int64)) func() {
	if a.provider == nil {
		return func() {}
	}

	stopAccounts := a.provider.On(EventAccountsChanged, func(payload json.RawMessage) {
		var accounts []string
		if err := json.Unmarshal(payload, &accounts); err != nil {
			a.logger.Warn("malformed accountsChanged payload", map[string]any{"error": err})
			return
		}
		onAccounts(accounts)
	})
	stopChain := a.provider.On(EventChainChanged, func(payload json.RawMessage) {
		id, err := parseChainID(payload)
		if err != nil {
			a.logger.Warn("malformed chainChanged payload", map[string]any{"error": err})
			return
		}
		onChain(id)
	})

	return func() {
		stopAccounts()
		stopChain()
	}
}

// Transfer sends an ERC20 transfer from the connected account. Gas is left to the wallet.
func (a *EVMAdapter) Transfer(ctx context.Context, call *TransferCall) (string, error) {
	if err := a.requireProvider(); err != nil {
		return "", err
	}
	from, err := a.signer(ctx)
	if err != nil {
		return "", err
	}
	if !common.IsHexAddress(call.Destination) {
		return "", types.NewError(types.ErrInvalidRequest, fmt.Sprintf("invalid destination address %q", call.Destination))
	}

	units := utils.ToSmallestUnit(call.Amount, call.Token.Decimals)
	data, err := EncodeTransfer(common.HexToAddress(call.Destination), units)
	if err != nil {
		return "", fmt.Errorf("encode transfer: %w", err)
	}

	hash, err := a.sendTransaction(ctx, from, common.HexToAddress(call.TokenAddress), data)
	if err != nil {
		return "", err
	}
	if call.OnSubmitted != nil {
		call.OnSubmitted(hash)
	}
	return hash, nil
}

// CreateEscrow approves the escrow contract per policy, calls createEscrow
// and reads the escrow id from the EscrowCreated log.
func (a *EVMAdapter) CreateEscrow(ctx context.Context, call *EscrowCall) (*types.EscrowResult, error) {
	if err := a.requireProvider(); err != nil {
		return nil, err
	}
	from, err := a.signer(ctx)
	if err != nil {
		return nil, err
	}

	escrow := common.HexToAddress(call.EscrowAddress)
	token := common.HexToAddress(call.TokenAddress)
	units := utils.ToSmallestUnit(call.Amount, call.Token.Decimals)

	if err := a.ensureAllowance(ctx, call, from, token, escrow, units); err != nil {
		return nil, err
	}

	data, err := EncodeCreateEscrow(token, units, call.Reference, call.Category)
	if err != nil {
		return nil, fmt.Errorf("encode createEscrow: %w", err)
	}
	hash, err := a.sendTransaction(ctx, from, escrow, data)
	if err != nil {
		return nil, err
	}
	a.logger.Info("escrow transaction sent", map[string]any{"chain": call.Chain.Key, "tx_hash": hash})

	receipt, raw, err := a.waitReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}

	result := &types.EscrowResult{Success: true, Chain: call.Chain.Key, TxHash: hash, Receipt: raw}
	if receipt == nil {
		a.logger.Warn("escrow receipt not seen in time; assuming pending", map[string]any{"chain": call.Chain.Key, "tx_hash": hash})
		result.Confirmation = types.TimedOutAssumePending
		return result, nil
	}
	if uint64(receipt.Status) == 0 {
		return nil, types.NewError(types.ErrTransactionFailed, types.MsgTransactionFailed)
	}

	result.EscrowID = escrowIDFromLogs(receipt.Logs, escrow)
	if result.EscrowID == nil {
		result.Confirmation = types.ConfirmedUnknownID
	} else {
		result.Confirmation = types.Confirmed
	}
	return result, nil
}

func (a *EVMAdapter) ensureAllowance(ctx context.Context, call *EscrowCall, from, token, escrow common.Address, units *big.Int) error {
	if a.policy(call.Approval) == types.ApproveIfInsufficient {
		data, err := EncodeAllowance(from, escrow)
		if err != nil {
			return fmt.Errorf("encode allowance: %w", err)
		}
		out, err := a.ethCall(ctx, token, data)
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

	data, err := EncodeApprove(escrow, units)
	if err != nil {
		return fmt.Errorf("encode approve: %w", err)
	}
	hash, err := a.sendTransaction(ctx, from, token, data)
	if err != nil {
		return err
	}
	a.logger.Info("approval sent", map[string]any{"chain": call.Chain.Key, "tx_hash": hash})

	receipt, _, err := a.waitReceipt(ctx, hash)
	if err != nil {
		return err
	}
	if receipt == nil {
		return &types.PaymentError{Code: types.ErrConfirmationTimeout, Message: "Token approval was not confirmed in time", Data: hash}
	}
	if uint64(receipt.Status) == 0 {
		return types.NewError(types.ErrTransactionFailed, "Token approval failed")
	}
	return nil
}

// GetEscrow reads one escrow from the contract.
func (a *EVMAdapter) GetEscrow(ctx context.Context, q *EscrowQuery, id *big.Int) (*types.EscrowRecord, error) {
	if err := a.requireProvider(); err != nil {
		return nil, err
	}
	data, err := escrowABI.Pack("getEscrow", id)
	if err != nil {
		return nil, fmt.Errorf("encode getEscrow: %w", err)
	}
	out, err := a.ethCall(ctx, common.HexToAddress(q.EscrowAddress), data)
	if err != nil {
		return nil, err
	}

	var view escrowView
	if err := escrowABI.UnpackIntoInterface(&view, "getEscrow", out); err != nil {
		return nil, fmt.Errorf("decode getEscrow: %w", err)
	}

	decimals := q.Decimals
	if decimals == 0 {
		decimals = a.registry.TokenDecimals(q.Chain.Key, "")
		if tok, ok := a.registry.TokenByAddress(q.Chain.Key, view.Token.Hex()); ok {
			decimals = tok.Decimals
		}
	}

	return &types.EscrowRecord{
		ID:        id,
		User:      view.User.Hex(),
		Token:     view.Token.Hex(),
		Amount:    utils.FromSmallestUnit(view.Amount, decimals),
		CreatedAt: time.Unix(view.CreatedAt.Int64(), 0).UTC(),
		TimeoutAt: time.Unix(view.TimeoutAt.Int64(), 0).UTC(),
		Reference: utils.DecodeBytes32String(view.PaymentId),
		Status:    types.EscrowStatusFromIndex(view.Status),
		Category:  view.Category,
	}, nil
}

// UserEscrows lists escrow ids created by user.
func (a *EVMAdapter) UserEscrows(ctx context.Context, q *EscrowQuery, user string) ([]*big.Int, error) {
	if err := a.requireProvider(); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(user) {
		return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("invalid address %q", user))
	}
	data, err := escrowABI.Pack("getUserEscrows", common.HexToAddress(user))
	if err != nil {
		return nil, fmt.Errorf("encode getUserEscrows: %w", err)
	}
	out, err := a.ethCall(ctx, common.HexToAddress(q.EscrowAddress), data)
	if err != nil {
		return nil, err
	}

	values, err := escrowABI.Unpack("getUserEscrows", out)
	if err != nil {
		return nil, fmt.Errorf("decode getUserEscrows: %w", err)
	}
	ids, ok := values[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected getUserEscrows output %T", values[0])
	}
	return ids, nil
}

func (a *EVMAdapter) call(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	raw, err := a.provider.Request(ctx, method, params...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

func (a *EVMAdapter) chainID(ctx context.Context) (int64, error) {
	raw, err := a.provider.Request(ctx, "eth_chainId")
	if err != nil {
		return 0, err
	}
	return parseChainID(raw)
}

// signer returns the first connected account.
func (a *EVMAdapter) signer(ctx context.Context) (common.Address, error) {
	var accounts []string
	if err := a.call(ctx, &accounts, "eth_accounts"); err != nil {
		return common.Address{}, err
	}
	if len(accounts) == 0 || !common.IsHexAddress(accounts[0]) {
		return common.Address{}, types.NewError(types.ErrWalletNotConnected, types.MsgWalletNotConnected)
	}
	return common.HexToAddress(accounts[0]), nil
}

type txRequest struct {
	From common.Address `json:"from"`
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
}

func (a *EVMAdapter) sendTransaction(ctx context.Context, from, to common.Address, data []byte) (string, error) {
	var hash string
	if err := a.call(ctx, &hash, "eth_sendTransaction", txRequest{From: from, To: to, Data: data}); err != nil {
		return "", err
	}
	return hash, nil
}

type callRequest struct {
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
}

func (a *EVMAdapter) ethCall(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var out hexutil.Bytes
	if err := a.call(ctx, &out, "eth_call", callRequest{To: to, Data: data}, "latest"); err != nil {
		return nil, err
	}
	return out, nil
}

type evmLog struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
}

type evmReceipt struct {
	TransactionHash common.Hash    `json:"transactionHash"`
	Status          hexutil.Uint64 `json:"status"`
	Logs            []evmLog       `json:"logs"`
}

// waitReceipt polls for the receipt of hash. A nil receipt with a nil error
// means the poll budget ran out.
func (a *EVMAdapter) waitReceipt(ctx context.Context, hash string) (*evmReceipt, json.RawMessage, error) {
	var (
		receipt *evmReceipt
		raw     json.RawMessage
	)

	found, err := a.poller.Poll(ctx, func(ctx context.Context, attempt int) (bool, error) {
		out, err := a.provider.Request(ctx, "eth_getTransactionReceipt", hash)
		if err != nil {
			a.logger.Debug("receipt lookup failed", map[string]any{"tx_hash": hash, "attempt": attempt, "error": err})
			return false, nil
		}
		if isJSONNull(out) {
			return false, nil
		}
		var r evmReceipt
		if err := json.Unmarshal(out, &r); err != nil {
			return false, fmt.Errorf("decode receipt: %w", err)
		}
		receipt, raw = &r, out
		return true, nil
	})
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, nil
	}
	return receipt, raw, nil
}

func escrowIDFromLogs(logs []evmLog, escrow common.Address) *big.Int {
	for _, l := range logs {
		if l.Address != escrow || len(l.Topics) < 2 || l.Topics[0] != EscrowCreatedTopic {
			continue
		}
		return new(big.Int).SetBytes(l.Topics[1].Bytes())
	}
	return nil
}

func parseChainID(raw json.RawMessage) (int64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		id, err := hexutil.DecodeUint64(strings.ToLower(s))
		if err != nil {
			return 0, fmt.Errorf("invalid chain id %q: %w", s, err)
		}
		return int64(id), nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("invalid chain id %s", string(raw))
	}
	return n, nil
}

func isJSONNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}
