package chains

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/stablepay/registry"
	"github.com/vitwit/stablepay/types"
	"github.com/vitwit/stablepay/utils"
)

var (
	tronOwner  = utils.TronAddressFromEVM(common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"))
	tronEscrow = utils.TronAddressFromEVM(common.HexToAddress("0xF09DaDf498C01af003Ed6592039932163f124DDf"))
	tronToken  = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
)

func tronEscrowCall(t *testing.T, reg *registry.Registry) *EscrowCall {
	t.Helper()
	chain, ok := reg.Chain(types.ChainTron)
	require.True(t, ok)
	tok, ok := chain.FindToken(types.TokenUSDT)
	require.True(t, ok)
	return &EscrowCall{
		Chain:         chain,
		Token:         tok,
		TokenAddress:  tronToken,
		EscrowAddress: tronEscrow,
		Amount:        decimal.RequireFromString("12.5"),
		Reference:     utils.EncodeBytes32String("pay_123"),
		Category:      "payment",
	}
}

func fastTron(reg *registry.Registry, p TronProvider, opts ...Option) *TronAdapter {
	a := NewTronAdapter(reg, p, opts...)
	a.poller.Sleep = func(context.Context, time.Duration) error { return nil }
	return a
}

func TestTronPollingSchedule(t *testing.T) {
	a := NewTronAdapter(registry.New(types.EnvTestnet), nil)
	assert.Equal(t, 3*time.Second, a.poller.Interval)
	assert.Equal(t, 20, a.poller.Attempts)
	assert.Equal(t, time.Minute, a.poller.Budget())
}

func TestTronConnect(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	chain, _ := reg.Chain(types.ChainTron)

	acct, err := NewTronAdapter(reg, newFakeTron(tronOwner)).Connect(context.Background(), chain)
	require.NoError(t, err)
	assert.Equal(t, tronOwner, acct.Address)
	assert.Nil(t, acct.ChainID)

	_, err = NewTronAdapter(reg, nil).Connect(context.Background(), chain)
	assert.True(t, types.IsCode(err, types.ErrProviderNotFound))
}

func TestTronCreateEscrow_ApprovesThenCreates(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	p := newFakeTron(tronOwner)
	p.infos["tx1"] = []*TronTransactionInfo{{}, {ID: "tx1"}}
	p.infos["tx2"] = []*TronTransactionInfo{{ID: "tx2"}}
	p.events["tx2"] = []TronEvent{{EventName: "EscrowCreated", Result: map[string]string{"escrowId": "9"}}}

	res, err := fastTron(reg, p).CreateEscrow(context.Background(), tronEscrowCall(t, reg))
	require.NoError(t, err)
	assert.Equal(t, []string{tronSelectorApprove, tronSelectorCreateEscrow}, p.selectors())
	assert.Equal(t, "tx2", res.TxHash)
	assert.Equal(t, types.Confirmed, res.Confirmation)
	assert.Equal(t, int64(9), res.EscrowID.Int64())

	for _, c := range p.triggered {
		assert.Equal(t, TronFeeLimit, c.FeeLimit)
		assert.Equal(t, tronOwner, c.Owner)
	}

	args, err := escrowABI.Methods["createEscrow"].Inputs.Unpack(p.triggered[1].Parameter)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(12_500_000), args[1])
	assert.Equal(t, "payment", args[3])
}

func TestTronCreateEscrow_SufficientAllowance(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	p := newFakeTron(tronOwner)
	p.allowance = 50_000_000
	p.infos["tx1"] = []*TronTransactionInfo{{ID: "tx1"}}

	res, err := fastTron(reg, p).CreateEscrow(context.Background(), tronEscrowCall(t, reg))
	require.NoError(t, err)
	assert.Equal(t, []string{tronSelectorCreateEscrow}, p.selectors())
	assert.Equal(t, types.ConfirmedUnknownID, res.Confirmation)
}

func TestTronCreateEscrow_TimeoutIsOptimistic(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	p := newFakeTron(tronOwner)
	p.allowance = 50_000_000

	res, err := fastTron(reg, p).CreateEscrow(context.Background(), tronEscrowCall(t, reg))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, types.TimedOutAssumePending, res.Confirmation)
	assert.Equal(t, "tx1", res.TxHash)
	assert.Nil(t, res.EscrowID)
	assert.Equal(t, 20, p.infoCalls)
}

func TestTronCreateEscrow_RevertFails(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	p := newFakeTron(tronOwner)
	p.allowance = 50_000_000
	revert := &TronTransactionInfo{ID: "tx1", Result: "FAILED", ResMessage: "5452433230"}
	revert.Receipt.Result = "REVERT"
	revert.Log = []TronLog{{Topics: []string{
		strings.TrimPrefix(EscrowCreatedTopic.Hex(), "0x"),
		"0000000000000000000000000000000000000000000000000000000000000005",
	}}}
	p.infos["tx1"] = []*TronTransactionInfo{revert}
	p.events["tx1"] = []TronEvent{{EventName: "EscrowCreated", Result: map[string]string{"escrowId": "5"}}}

	res, err := fastTron(reg, p).CreateEscrow(context.Background(), tronEscrowCall(t, reg))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, types.IsCode(err, types.ErrTransactionFailed))
	assert.Contains(t, err.Error(), "TRC20")
}

func TestTronCreateEscrow_ApprovalRevertStops(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	p := newFakeTron(tronOwner)
	revert := &TronTransactionInfo{ID: "tx1"}
	revert.Receipt.Result = "REVERT"
	p.infos["tx1"] = []*TronTransactionInfo{revert}

	_, err := fastTron(reg, p).CreateEscrow(context.Background(), tronEscrowCall(t, reg))
	require.Error(t, err)
	assert.Equal(t, []string{tronSelectorApprove}, p.selectors())
}

func TestTronCreateEscrow_ApprovalTimeoutContinues(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	p := newFakeTron(tronOwner)
	p.infos["tx2"] = []*TronTransactionInfo{{ID: "tx2"}}

	res, err := fastTron(reg, p).CreateEscrow(context.Background(), tronEscrowCall(t, reg))
	require.NoError(t, err)
	assert.Equal(t, []string{tronSelectorApprove, tronSelectorCreateEscrow}, p.selectors())
	assert.Equal(t, types.ConfirmedUnknownID, res.Confirmation)
}

func TestTronCreateEscrow_AlwaysApproveDoesNotWait(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	p := newFakeTron(tronOwner)
	p.allowance = 50_000_000
	p.infos["tx2"] = []*TronTransactionInfo{{ID: "tx2"}}

	call := tronEscrowCall(t, reg)
	call.Approval = types.ApproveAlways
	_, err := fastTron(reg, p).CreateEscrow(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, []string{tronSelectorApprove, tronSelectorCreateEscrow}, p.selectors())
	assert.Equal(t, 1, p.infoCalls)
}

func TestTronCreateEscrow_IDFromLogTopics(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	p := newFakeTron(tronOwner)
	p.allowance = 50_000_000
	p.infos["tx1"] = []*TronTransactionInfo{{
		ID: "tx1",
		Log: []TronLog{{
			Topics: []string{
				strings.TrimPrefix(EscrowCreatedTopic.Hex(), "0x"),
				strings.TrimPrefix(common.BigToHash(big.NewInt(42)).Hex(), "0x"),
			},
		}},
	}}

	res, err := fastTron(reg, p).CreateEscrow(context.Background(), tronEscrowCall(t, reg))
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.EscrowID.Int64())
}

func TestTronCreateEscrow_NotReady(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	p := newFakeTron(tronOwner)
	p.ready = false

	_, err := fastTron(reg, p).CreateEscrow(context.Background(), tronEscrowCall(t, reg))
	require.Error(t, err)
	assert.Equal(t, types.MsgTronNotReady, err.Error())

	_, err = fastTron(reg, newFakeTron("")).CreateEscrow(context.Background(), tronEscrowCall(t, reg))
	assert.True(t, types.IsCode(err, types.ErrProviderNotReady))
}

func TestTronTransfer(t *testing.T) {
	reg := registry.New(types.EnvTestnet)
	p := newFakeTron(tronOwner)
	chain, _ := reg.Chain(types.ChainTron)
	tok, _ := chain.FindToken(types.TokenUSDT)

	var submitted string
	hash, err := fastTron(reg, p).Transfer(context.Background(), &TransferCall{
		Chain:        chain,
		Token:        tok,
		TokenAddress: tronToken,
		Amount:       decimal.RequireFromString("1"),
		Destination:  tronEscrow,
		OnSubmitted:  func(h string) { submitted = h },
	})
	require.NoError(t, err)
	assert.Equal(t, "tx1", hash)
	assert.Equal(t, "tx1", submitted)
	assert.Equal(t, []string{tronSelectorTransfer}, p.selectors())
	assert.Zero(t, p.infoCalls)

	_, err = fastTron(reg, p).Transfer(context.Background(), &TransferCall{Destination: "0xnot-tron"})
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
}
