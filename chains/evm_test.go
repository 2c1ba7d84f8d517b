package chains

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/stablepay/registry"
	"github.com/vitwit/stablepay/types"
	"github.com/vitwit/stablepay/utils"
)

const testAccount = "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"

func baseChain(t *testing.T, reg *registry.Registry) types.ChainDescriptor {
	t.Helper()
	c, ok := reg.Chain(types.ChainBase)
	require.True(t, ok)
	return c
}

func connectedEVM(chainHex string) *fakeEVM {
	return newFakeEVM().
		result("eth_requestAccounts", []string{testAccount}).
		result("eth_accounts", []string{testAccount}).
		result("eth_chainId", chainHex)
}

func escrowCall(t *testing.T, reg *registry.Registry, amount string) *EscrowCall {
	t.Helper()
	chain := baseChain(t, reg)
	tok, ok := chain.FindToken(types.TokenUSDC)
	require.True(t, ok)
	addr, ok := reg.TokenAddress(types.ChainBase, types.TokenUSDC)
	require.True(t, ok)
	escrow, ok := reg.EscrowContract(types.ChainBase)
	require.True(t, ok)

	return &EscrowCall{
		Chain:         chain,
		Token:         tok,
		TokenAddress:  addr,
		EscrowAddress: escrow,
		Amount:        decimal.RequireFromString(amount),
		Reference:     utils.EncodeBytes32String("pay_123"),
		Category:      "payment",
	}
}

func TestEVMConnect_SameChain(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	p := connectedEVM("0x14a34")
	a := NewEVMAdapter(reg, p)

	acct, err := a.Connect(context.Background(), baseChain(t, reg))
	require.NoError(t, err)
	assert.Equal(t, testAccount, acct.Address)
	require.NotNil(t, acct.ChainID)
	assert.Equal(t, int64(84532), *acct.ChainID)
	assert.Zero(t, p.count("wallet_switchEthereumChain"))
}

func TestEVMConnect_SwitchesChain(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	p := connectedEVM("0x1").result("wallet_switchEthereumChain", nil)
	a := NewEVMAdapter(reg, p)

	acct, err := a.Connect(context.Background(), baseChain(t, reg))
	require.NoError(t, err)
	assert.Equal(t, int64(84532), *acct.ChainID)

	params := p.params["wallet_switchEthereumChain"]
	require.Len(t, params, 1)
	assert.Equal(t, map[string]string{"chainId": "0x14a34"}, params[0])
}

func TestEVMConnect_SwitchFailsIsWrongNetwork(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	p := connectedEVM("0x1").handle("wallet_switchEthereumChain", func([]interface{}) (interface{}, error) {
		return nil, &types.ProviderError{Code: -32603, Message: "internal"}
	})
	a := NewEVMAdapter(reg, p)

	_, err := a.Connect(context.Background(), baseChain(t, reg))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrWrongNetwork))
}

func TestEVMConnect_UserRejected(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	p := newFakeEVM().handle("eth_requestAccounts", func([]interface{}) (interface{}, error) {
		return nil, &types.ProviderError{Code: types.ProviderUserRejected, Message: "User denied account authorization"}
	})
	a := NewEVMAdapter(reg, p)

	_, err := a.Connect(context.Background(), baseChain(t, reg))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrUserRejected))
}

func TestEVMConnect_NoProvider(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	a := NewEVMAdapter(reg, nil)

	_, err := a.Connect(context.Background(), baseChain(t, reg))
	assert.True(t, types.IsCode(err, types.ErrProviderNotFound))
}

func TestEVMSwitchChain_AddsUnknownChain(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	p := newFakeEVM().
		handle("wallet_switchEthereumChain", func([]interface{}) (interface{}, error) {
			return nil, &types.ProviderError{Code: types.ProviderUnrecognizedChain, Message: "Unrecognized chain ID"}
		}).
		result("wallet_addEthereumChain", nil)
	a := NewEVMAdapter(reg, p)

	ok := a.SwitchChain(context.Background(), baseChain(t, reg))
	require.True(t, ok)
	assert.Equal(t, []string{"wallet_switchEthereumChain", "wallet_addEthereumChain"}, p.called())

	added, isParams := p.params["wallet_addEthereumChain"][0].(addChainParams)
	require.True(t, isParams)
	assert.Equal(t, "0x14a34", added.ChainID)
	assert.Equal(t, []string{"https://sepolia.base.org"}, added.RPCURLs)
	assert.Equal(t, []string{"https://sepolia.basescan.org"}, added.BlockExplorerURLs)
	assert.Equal(t, "ETH", added.NativeCurrency.Symbol)
}

func TestEVMSwitchChain_AddRejected(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	p := newFakeEVM().
		handle("wallet_switchEthereumChain", func([]interface{}) (interface{}, error) {
			return nil, &types.ProviderError{Code: types.ProviderUnrecognizedChain}
		}).
		handle("wallet_addEthereumChain", func([]interface{}) (interface{}, error) {
			return nil, &types.ProviderError{Code: types.ProviderUserRejected}
		})
	a := NewEVMAdapter(reg, p)

	assert.False(t, a.SwitchChain(context.Background(), baseChain(t, reg)))
}

func TestEVMWatch(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	p := newFakeEVM()
	a := NewEVMAdapter(reg, p)

	var (
		accounts []string
		chainID  int64
	)
	stop := a.Watch(func(acc []string) { accounts = acc }, func(id int64) { chainID = id })

	p.emit(EventAccountsChanged, []string{testAccount})
	p.emit(EventChainChanged, "0x2105")
	assert.Equal(t, []string{testAccount}, accounts)
	assert.Equal(t, int64(8453), chainID)

	stop()
	p.emit(EventChainChanged, "0x1")
	assert.Equal(t, int64(8453), chainID)
}

func TestEVMTransfer(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	p := connectedEVM("0x14a34").result("eth_sendTransaction", "0xfeed")
	a := NewEVMAdapter(reg, p)

	chain := baseChain(t, reg)
	tok, _ := chain.FindToken(types.TokenUSDC)
	tokenAddr, _ := reg.TokenAddress(types.ChainBase, types.TokenUSDC)

	var submitted string
	hash, err := a.Transfer(context.Background(), &TransferCall{
		Chain:        chain,
		Token:        tok,
		TokenAddress: tokenAddr,
		Amount:       decimal.RequireFromString("1.5"),
		Destination:  "0x384Aa214be0B279cbf211e9b2C992d8633F77848",
		OnSubmitted:  func(h string) { submitted = h },
	})
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", hash)
	assert.Equal(t, "0xfeed", submitted)

	req, ok := p.params["eth_sendTransaction"][0].(txRequest)
	require.True(t, ok)
	assert.Equal(t, common.HexToAddress(tokenAddr), req.To)

	want, err := EncodeTransfer(common.HexToAddress("0x384Aa214be0B279cbf211e9b2C992d8633F77848"), big.NewInt(1_500_000))
	require.NoError(t, err)
	assert.Equal(t, want, []byte(req.Data))
}

func TestEVMCreateEscrow_ApprovesBeforeCreating(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	escrow, _ := reg.EscrowContract(types.ChainBase)

	sent := 0
	p := connectedEVM("0x14a34").
		result("eth_call", uint256Word(0)).
		handle("eth_sendTransaction", func([]interface{}) (interface{}, error) {
			sent++
			if sent == 1 {
				return "0xapprove", nil
			}
			return "0xcreate", nil
		}).
		handle("eth_getTransactionReceipt", func(params []interface{}) (interface{}, error) {
			if params[0] == "0xapprove" {
				return receiptJSON(1), nil
			}
			return receiptJSON(1, escrowCreatedLog(common.HexToAddress(escrow), 7)), nil
		})
	a := NewEVMAdapter(reg, p, WithPoller(instantPoller(3)))

	res, err := a.CreateEscrow(context.Background(), escrowCall(t, reg, "35.74"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "0xcreate", res.TxHash)
	assert.Equal(t, types.Confirmed, res.Confirmation)
	require.NotNil(t, res.EscrowID)
	assert.Equal(t, int64(7), res.EscrowID.Int64())

	assert.Equal(t, []string{
		"eth_accounts",
		"eth_call",
		"eth_sendTransaction",
		"eth_getTransactionReceipt",
		"eth_sendTransaction",
		"eth_getTransactionReceipt",
	}, p.called())
}

func TestEVMCreateEscrow_SufficientAllowanceSkipsApprove(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	escrow, _ := reg.EscrowContract(types.ChainBase)

	p := connectedEVM("0x14a34").
		result("eth_call", uint256Word(100_000_000)).
		result("eth_sendTransaction", "0xcreate").
		result("eth_getTransactionReceipt", receiptJSON(1, escrowCreatedLog(common.HexToAddress(escrow), 12)))
	a := NewEVMAdapter(reg, p, WithPoller(instantPoller(3)))

	res, err := a.CreateEscrow(context.Background(), escrowCall(t, reg, "35.74"))
	require.NoError(t, err)
	assert.Equal(t, 1, p.count("eth_sendTransaction"))
	assert.Equal(t, int64(12), res.EscrowID.Int64())
}

func TestEVMCreateEscrow_AlwaysApprove(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	escrow, _ := reg.EscrowContract(types.ChainBase)

	p := connectedEVM("0x14a34").
		result("eth_sendTransaction", "0xtx").
		result("eth_getTransactionReceipt", receiptJSON(1, escrowCreatedLog(common.HexToAddress(escrow), 1)))
	a := NewEVMAdapter(reg, p, WithPoller(instantPoller(3)), WithApprovalPolicy(types.ApproveAlways))

	_, err := a.CreateEscrow(context.Background(), escrowCall(t, reg, "10"))
	require.NoError(t, err)
	assert.Zero(t, p.count("eth_call"))
	assert.Equal(t, 2, p.count("eth_sendTransaction"))
}

func TestEVMCreateEscrow_NoEventIsUnknownID(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	p := connectedEVM("0x14a34").
		result("eth_call", uint256Word(100_000_000)).
		result("eth_sendTransaction", "0xcreate").
		result("eth_getTransactionReceipt", receiptJSON(1))
	a := NewEVMAdapter(reg, p, WithPoller(instantPoller(3)))

	res, err := a.CreateEscrow(context.Background(), escrowCall(t, reg, "35.74"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Nil(t, res.EscrowID)
	assert.Equal(t, types.ConfirmedUnknownID, res.Confirmation)
}

func TestEVMCreateEscrow_EventFromOtherContractIgnored(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	p := connectedEVM("0x14a34").
		result("eth_call", uint256Word(100_000_000)).
		result("eth_sendTransaction", "0xcreate").
		result("eth_getTransactionReceipt", receiptJSON(1, escrowCreatedLog(common.HexToAddress("0x9999999999999999999999999999999999999999"), 5)))
	a := NewEVMAdapter(reg, p, WithPoller(instantPoller(3)))

	res, err := a.CreateEscrow(context.Background(), escrowCall(t, reg, "1"))
	require.NoError(t, err)
	assert.Nil(t, res.EscrowID)
}

func TestEVMCreateEscrow_ReceiptTimeoutAssumesPending(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	p := connectedEVM("0x14a34").
		result("eth_call", uint256Word(100_000_000)).
		result("eth_sendTransaction", "0xcreate").
		result("eth_getTransactionReceipt", nil)
	a := NewEVMAdapter(reg, p, WithPoller(instantPoller(4)))

	res, err := a.CreateEscrow(context.Background(), escrowCall(t, reg, "1"))
	require.NoError(t, err)
	assert.Equal(t, types.TimedOutAssumePending, res.Confirmation)
	assert.Equal(t, "0xcreate", res.TxHash)
	assert.Equal(t, 4, p.count("eth_getTransactionReceipt"))
}

func TestEVMCreateEscrow_ApprovalTimeoutFails(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	p := connectedEVM("0x14a34").
		result("eth_call", uint256Word(0)).
		result("eth_sendTransaction", "0xapprove").
		result("eth_getTransactionReceipt", nil)
	a := NewEVMAdapter(reg, p, WithPoller(instantPoller(2)))

	_, err := a.CreateEscrow(context.Background(), escrowCall(t, reg, "1"))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConfirmationTimeout))
	assert.Equal(t, 1, p.count("eth_sendTransaction"))
}

func TestEVMCreateEscrow_Reverted(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	p := connectedEVM("0x14a34").
		result("eth_call", uint256Word(100_000_000)).
		result("eth_sendTransaction", "0xcreate").
		result("eth_getTransactionReceipt", receiptJSON(0))
	a := NewEVMAdapter(reg, p, WithPoller(instantPoller(2)))

	_, err := a.CreateEscrow(context.Background(), escrowCall(t, reg, "1"))
	assert.True(t, types.IsCode(err, types.ErrTransactionFailed))
}

func TestEVMCreateEscrow_RejectedPrompt(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	p := connectedEVM("0x14a34").
		result("eth_call", uint256Word(0)).
		handle("eth_sendTransaction", func([]interface{}) (interface{}, error) {
			return nil, &types.ProviderError{Code: types.ProviderUserRejected, Message: "User rejected the request."}
		})
	a := NewEVMAdapter(reg, p, WithPoller(instantPoller(2)))

	_, err := a.CreateEscrow(context.Background(), escrowCall(t, reg, "1"))
	require.Error(t, err)
	assert.True(t, IsUserRejected(err))
	assert.Equal(t, types.MsgUserRejected, Classify(err).Message)
}

func TestEVMGetEscrow(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	escrow, _ := reg.EscrowContract(types.ChainBase)
	tokenAddr, _ := reg.TokenAddress(types.ChainBase, types.TokenUSDC)

	out, err := escrowABI.Methods["getEscrow"].Outputs.Pack(
		common.HexToAddress(testAccount),
		common.HexToAddress(tokenAddr),
		big.NewInt(35_740_000),
		big.NewInt(1_700_000_000),
		big.NewInt(1_700_086_400),
		utils.EncodeBytes32String("pay_123"),
		uint8(0),
		"payment",
	)
	require.NoError(t, err)

	p := newFakeEVM().result("eth_call", hexBytes(out))
	a := NewEVMAdapter(reg, p)

	rec, err := a.GetEscrow(context.Background(), &EscrowQuery{Chain: baseChain(t, reg), EscrowAddress: escrow}, big.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.ID.Int64())
	assert.Equal(t, "pay_123", rec.Reference)
	assert.Equal(t, types.EscrowActive, rec.Status)
	assert.Equal(t, "35.74", rec.Amount.String())
	assert.Equal(t, "payment", rec.Category)
	assert.True(t, rec.ExpiredAt(rec.TimeoutAt.Add(1)))
}

func TestEVMUserEscrows(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	escrow, _ := reg.EscrowContract(types.ChainBase)

	out, err := escrowABI.Methods["getUserEscrows"].Outputs.Pack([]*big.Int{big.NewInt(3), big.NewInt(7)})
	require.NoError(t, err)

	p := newFakeEVM().result("eth_call", hexBytes(out))
	a := NewEVMAdapter(reg, p)

	ids, err := a.UserEscrows(context.Background(), &EscrowQuery{Chain: baseChain(t, reg), EscrowAddress: escrow}, testAccount)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, int64(7), ids[1].Int64())

	_, err = a.UserEscrows(context.Background(), &EscrowQuery{EscrowAddress: escrow}, "nope")
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
}
