package checkout

import (
	"context"
	"errors"
	"math/big"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/vitwit/stablepay/backend"
	"github.com/vitwit/stablepay/chains"
	"github.com/vitwit/stablepay/escrow"
	"github.com/vitwit/stablepay/notify"
	"github.com/vitwit/stablepay/registry"
	"github.com/vitwit/stablepay/types"
	"github.com/vitwit/stablepay/utils"
	"github.com/vitwit/stablepay/wallet"
)

type fakeBackend struct {
	mu         sync.Mutex
	payment    *backend.PaymentResponse
	link       *backend.PaymentLink
	initialize *backend.PaymentResponse
	lookupErr  error
	initReqs   []*backend.InitializeRequest
	completes  []*backend.CompleteRequest
	completeID []string
	// completeErrs fail the next Complete calls in order.
	completeErrs []error
}

func (f *fakeBackend) GetPayment(_ context.Context, id string) (*backend.PaymentResponse, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.payment, nil
}

func (f *fakeBackend) GetPaymentLink(_ context.Context, slug string) (*backend.PaymentLink, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.link, nil
}

func (f *fakeBackend) InitializeBySlug(_ context.Context, slug string, req *backend.InitializeRequest) (*backend.PaymentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initReqs = append(f.initReqs, req)
	return f.initialize, nil
}

func (f *fakeBackend) Complete(_ context.Context, id string, req *backend.CompleteRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeID = append(f.completeID, id)
	f.completes = append(f.completes, req)
	if len(f.completeErrs) > 0 {
		err := f.completeErrs[0]
		f.completeErrs = f.completeErrs[1:]
		return err
	}
	return nil
}

type fixedRate struct{ rate decimal.Decimal }

func (f fixedRate) Current(string) decimal.Decimal { return f.rate }
func (f fixedRate) Run(ctx context.Context, _ string) {
	<-ctx.Done()
}

type evmWallet struct {
	result  *types.EscrowResult
	err     error
	escrows []*chains.EscrowCall
}

func (w *evmWallet) Family() types.ChainFamily { return types.FamilyEVM }

func (w *evmWallet) Connect(context.Context, types.ChainDescriptor) (*types.Account, error) {
	id := int64(84532)
	return &types.Account{Address: "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", ChainID: &id}, nil
}

func (w *evmWallet) Transfer(context.Context, *chains.TransferCall) (string, error) {
	return "", errors.New("not used")
}

func (w *evmWallet) CreateEscrow(_ context.Context, call *chains.EscrowCall) (*types.EscrowResult, error) {
	w.escrows = append(w.escrows, call)
	return w.result, w.err
}

func (w *evmWallet) ExplorerTxURL(types.ChainKey, string) string { return "#" }

type fixture struct {
	session   *Session
	api       *fakeBackend
	wallet    *evmWallet
	connector *wallet.Connector
	mem       *notify.Memory
	spans     *tracetest.SpanRecorder
	now       *time.Time
}

func newFixture(t *testing.T, api *fakeBackend, w *evmWallet) *fixture {
	t.Helper()
	reg := registry.New(types.EnvTestnet)
	mem := &notify.Memory{}
	conn := wallet.NewConnector(reg, []chains.Adapter{w})
	orch := escrow.NewOrchestrator(reg, conn, escrow.WithNotifier(mem))

	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	f := &fixture{api: api, wallet: w, connector: conn, mem: mem, spans: spans, now: &now}
	f.session = NewSession(reg, conn, api, orch,
		WithRates(fixedRate{rate: decimal.NewFromInt(1420)}),
		WithNotifier(mem),
		WithTracer(tp.Tracer("test")),
		WithClock(func() time.Time { return *f.now }),
	)
	t.Cleanup(f.session.Close)
	return f
}

func pay123() *fakeBackend {
	return &fakeBackend{payment: &backend.PaymentResponse{
		Merchant: types.Merchant{Name: "Tech Store"},
		Payment: backend.Payment{
			ID:               "pay_123",
			Amount:           decimal.NewFromInt(50000),
			Currency:         "NGN",
			Reference:        "TXN-ABC",
			Email:            "buyer@example.com",
			OnchainReference: "0xref-pay-123",
			Metadata:         map[string]any{"description": "Order"},
		},
	}}
}

// toPayment walks a resolved session to the payment step on Base/USDC.
func (f *fixture) toPayment(t *testing.T) {
	t.Helper()
	require.NoError(t, f.session.SelectChain(types.ChainBase))
	require.NoError(t, f.session.SelectToken(types.TokenUSDC))
	require.NoError(t, f.session.Begin())
	require.NoError(t, f.session.ConnectWallet(context.Background(), types.WalletMetaMask))
	require.Equal(t, StepPayment, f.session.Step())
}

func TestComputeAmounts(t *testing.T) {
	a := ComputeAmounts(decimal.NewFromInt(50000), decimal.NewFromInt(1420))
	assert.Equal(t, "35.21", a.Crypto.StringFixed(2))
	assert.Equal(t, "0.53", a.Fee.StringFixed(2))
	assert.Equal(t, "35.74", a.Total.StringFixed(2))

	zero := ComputeAmounts(decimal.NewFromInt(50000), decimal.Zero)
	assert.True(t, zero.Total.IsZero())
}

func TestComputeAmounts_TotalIsSumOfRoundedParts(t *testing.T) {
	rates := []string{"1420", "1555.5", "3.7", "0.98"}
	fiats := []string{"1", "99.99", "12345.67", "50000", "1000000"}
	for _, r := range rates {
		for _, fi := range fiats {
			a := ComputeAmounts(decimal.RequireFromString(fi), decimal.RequireFromString(r))
			assert.True(t, a.Total.Equal(a.Crypto.Add(a.Fee)), "fiat=%s rate=%s", fi, r)
			assert.True(t, a.Fee.Equal(utils.Round2(a.Crypto.Mul(PlatformFeeRate))), "fiat=%s rate=%s", fi, r)
		}
	}
}

func TestParamsFromQuery(t *testing.T) {
	q, err := url.ParseQuery("paymentId=pay_1&ref=sale&amount=500&currency=ngn&chain=Base&desc=Shoes&email=a@b.c&token=usdc")
	require.NoError(t, err)

	p := ParamsFromQuery(q)
	assert.Equal(t, Params{
		PaymentID: "pay_1", Ref: "sale", Amount: "500", Currency: "NGN",
		Chain: types.ChainBase, Desc: "Shoes", Email: "a@b.c", Token: types.TokenUSDC,
	}, p)
}

func TestResolve_NormalizesParams(t *testing.T) {
	f := newFixture(t, pay123(), &evmWallet{})

	require.NoError(t, f.session.Resolve(context.Background(), Params{PaymentID: " pay_123 ", Chain: "BASE", Token: "usdc"}))
	v := f.session.State()
	assert.Equal(t, types.ChainBase, v.Chain)
	assert.Equal(t, types.TokenUSDC, v.Token)
}

func TestResolve_InvalidLinkBlocks(t *testing.T) {
	f := newFixture(t, &fakeBackend{}, &evmWallet{})

	err := f.session.Resolve(context.Background(), Params{Amount: "100"})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidPaymentLink))

	v := f.session.State()
	assert.Equal(t, StepBlocked, v.Step)
	assert.Equal(t, types.MsgInvalidPaymentLink, v.Error)
	assert.Nil(t, v.Context)

	assert.Error(t, f.session.SelectChain(types.ChainBase))
	assert.Error(t, f.session.Begin())
}

func TestResolve_LookupFailureBlocks(t *testing.T) {
	f := newFixture(t, &fakeBackend{lookupErr: &backend.APIError{Status: 404, Message: "Payment not found"}}, &evmWallet{})

	err := f.session.Resolve(context.Background(), Params{PaymentID: "missing"})
	require.Error(t, err)
	assert.Equal(t, StepBlocked, f.session.Step())
	assert.Equal(t, "Payment not found", f.session.State().Error)
}

func TestResolve_PaymentLinkReference(t *testing.T) {
	f := newFixture(t, &fakeBackend{link: &backend.PaymentLink{
		Merchant: types.Merchant{Name: "Acme"},
		Amount:   decimal.NewFromInt(1420),
		Currency: "NGN",
	}}, &evmWallet{})

	require.NoError(t, f.session.Resolve(context.Background(), Params{Ref: "summer"}))
	v := f.session.State()
	assert.Equal(t, types.SourcePaymentLink, v.Context.Source)
	assert.Equal(t, "PLNK-summer-1790856000000", v.Context.Reference)
	assert.Equal(t, "summer", v.Context.Slug)
	assert.Equal(t, "1", v.Amounts.Crypto.String())
}

func TestResolve_QueryParams(t *testing.T) {
	f := newFixture(t, &fakeBackend{}, &evmWallet{})

	require.NoError(t, f.session.Resolve(context.Background(), Params{
		Amount: "7100", Currency: "NGN", Chain: types.ChainTron, Token: types.TokenUSDC,
	}))
	v := f.session.State()
	assert.Equal(t, StepInitial, v.Step)
	assert.Equal(t, types.SourceQuery, v.Context.Source)
	assert.Equal(t, "TXN-1790856000000", v.Context.Reference)
	assert.Equal(t, types.ChainTron, v.Chain)
	// Tron only carries USDT in the registry, so the token is re-pinned.
	assert.Equal(t, types.TokenUSDT, v.Token)
}

func TestSelectChain_RepinsToken(t *testing.T) {
	f := newFixture(t, pay123(), &evmWallet{})
	require.NoError(t, f.session.Resolve(context.Background(), Params{PaymentID: "pay_123", Token: types.TokenUSDC}))

	require.NoError(t, f.session.SelectChain(types.ChainTron))
	assert.Equal(t, types.TokenUSDT, f.session.State().Token)

	assert.True(t, types.IsCode(f.session.SelectToken(types.TokenUSDC), types.ErrUnsupportedToken))
	assert.True(t, types.IsCode(f.session.SelectChain("polygon"), types.ErrUnsupportedChain))
}

func TestGuards(t *testing.T) {
	f := newFixture(t, pay123(), &evmWallet{})
	require.NoError(t, f.session.Resolve(context.Background(), Params{PaymentID: "pay_123"}))

	assert.True(t, types.IsCode(f.session.Begin(), types.ErrInvalidRequest))
	_, err := f.session.Pay(context.Background())
	assert.True(t, types.IsCode(err, types.ErrInvalidState))

	require.NoError(t, f.session.SelectChain(types.ChainBase))
	require.NoError(t, f.session.Begin())
	assert.True(t, types.IsCode(f.session.Continue(), types.ErrWalletNotConnected))

	// A wallet of the wrong family fails before any prompt.
	err = f.session.ConnectWallet(context.Background(), types.WalletPhantom)
	require.Error(t, err)
	assert.Equal(t, StepWalletConnect, f.session.Step())

	require.NoError(t, f.session.Back())
	assert.Equal(t, StepInitial, f.session.Step())
}

func TestCountdown_RunsOnlyInPayment(t *testing.T) {
	f := newFixture(t, pay123(), &evmWallet{})
	require.NoError(t, f.session.Resolve(context.Background(), Params{PaymentID: "pay_123"}))
	assert.Equal(t, Countdown, f.session.TimeLeft())

	*f.now = f.now.Add(time.Minute)
	assert.Equal(t, Countdown, f.session.TimeLeft())

	f.toPayment(t)
	*f.now = f.now.Add(90 * time.Second)
	assert.Equal(t, 510*time.Second, f.session.TimeLeft())

	require.NoError(t, f.session.Back())
	*f.now = f.now.Add(time.Hour)
	assert.Equal(t, 510*time.Second, f.session.TimeLeft())

	require.NoError(t, f.session.ConnectWallet(context.Background(), types.WalletMetaMask))
	*f.now = f.now.Add(20 * time.Minute)
	assert.Equal(t, time.Duration(0), f.session.TimeLeft())
	assert.Equal(t, StepPayment, f.session.Step())
}

func TestPay_EndToEnd(t *testing.T) {
	api := pay123()
	w := &evmWallet{result: &types.EscrowResult{
		Success: true, Chain: types.ChainBase, TxHash: "0xabc123", EscrowID: big.NewInt(7), Confirmation: types.Confirmed,
	}}
	f := newFixture(t, api, w)

	require.NoError(t, f.session.Resolve(context.Background(), Params{PaymentID: "pay_123"}))
	f.toPayment(t)

	res, err := f.session.Pay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pay_123", res.PaymentID)
	assert.Equal(t, "7", res.EscrowID)
	assert.Equal(t, "https://sepolia.basescan.org/tx/0xabc123", res.ExplorerURL)
	assert.Equal(t, StepSuccess, f.session.Step())

	assert.Empty(t, api.initReqs)
	require.Len(t, w.escrows, 1)
	assert.Equal(t, "35.74", w.escrows[0].Amount.String())
	assert.Equal(t, utils.EncodeBytes32String("0xref-pay-123"), w.escrows[0].Reference)
	assert.Equal(t, EscrowCategory, w.escrows[0].Category)

	require.Len(t, api.completes, 1)
	assert.Equal(t, "pay_123", api.completeID[0])
	assert.Equal(t, &backend.CompleteRequest{
		EscrowID:     big.NewInt(7),
		Chain:        types.ChainBase,
		Token:        types.TokenUSDC,
		CryptoAmount: "35.74",
		TxHash:       "0xabc123",
	}, api.completes[0])

	assert.Equal(t, 1, f.mem.Count(notify.LevelSuccess, msgPaid))
	ended := f.spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "checkout.Pay", ended[0].Name())
}

func TestPay_RejectedEscrow(t *testing.T) {
	api := pay123()
	w := &evmWallet{err: &types.ProviderError{Code: types.ProviderUserRejected, Message: "User denied transaction signature."}}
	f := newFixture(t, api, w)

	require.NoError(t, f.session.Resolve(context.Background(), Params{PaymentID: "pay_123"}))
	f.toPayment(t)

	_, err := f.session.Pay(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.MsgUserRejected, err.Error())

	v := f.session.State()
	assert.Equal(t, StepFailed, v.Step)
	assert.Equal(t, types.MsgUserRejected, v.Error)
	assert.Empty(t, api.completes)
	assert.True(t, f.connector.IsConnected())

	// The escrow layer already reported the rejection.
	assert.Equal(t, 1, f.mem.Count(notify.LevelError, types.MsgUserRejected))

	ended := f.spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)

	require.NoError(t, f.session.Retry())
	assert.Equal(t, StepPayment, f.session.Step())
	assert.Empty(t, f.session.State().Error)
	assert.True(t, f.connector.IsConnected())
}

func TestPay_CompletionFailureKeepsEscrow(t *testing.T) {
	api := pay123()
	api.completeErrs = []error{&backend.APIError{Status: 502, Message: "Bad Gateway"}}
	w := &evmWallet{result: &types.EscrowResult{
		Success: true, Chain: types.ChainBase, TxHash: "0xabc", EscrowID: big.NewInt(7), Confirmation: types.Confirmed,
	}}
	f := newFixture(t, api, w)

	require.NoError(t, f.session.Resolve(context.Background(), Params{PaymentID: "pay_123"}))
	f.toPayment(t)

	_, err := f.session.Pay(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrBackend))
	assert.Contains(t, err.Error(), "0xabc")
	var apiErr *backend.APIError
	assert.ErrorAs(t, err, &apiErr)

	v := f.session.State()
	assert.Equal(t, StepFailed, v.Step)
	assert.Nil(t, v.Result)
	require.NotNil(t, v.Unconfirmed)
	assert.Equal(t, "0xabc", v.Unconfirmed.TxHash)
	assert.Equal(t, "7", v.Unconfirmed.EscrowID)
	assert.Equal(t, "pay_123", v.Unconfirmed.PaymentID)

	require.NoError(t, f.session.Retry())
	res, err := f.session.Pay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0xabc", res.TxHash)
	assert.Equal(t, "7", res.EscrowID)
	assert.Equal(t, StepSuccess, f.session.Step())
	assert.Nil(t, f.session.State().Unconfirmed)

	require.Len(t, w.escrows, 1, "escrow must not be created twice")
	require.Len(t, api.completes, 2)
	assert.Equal(t, api.completes[0], api.completes[1])
}

func TestPay_InitializesPaymentLink(t *testing.T) {
	api := &fakeBackend{
		link: &backend.PaymentLink{
			Merchant:    types.Merchant{Name: "Acme"},
			Amount:      decimal.NewFromInt(14200),
			Currency:    "NGN",
			CallbackURL: "https://acme.test/done",
		},
		initialize: &backend.PaymentResponse{Payment: backend.Payment{ID: "pay_9", OnchainReference: "0xlinkref"}},
	}
	w := &evmWallet{result: &types.EscrowResult{Success: true, TxHash: "0xdef", Confirmation: types.ConfirmedUnknownID}}
	f := newFixture(t, api, w)

	require.NoError(t, f.session.Resolve(context.Background(), Params{Ref: "summer"}))
	f.toPayment(t)

	res, err := f.session.Pay(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.EscrowID)

	require.Len(t, api.initReqs, 1)
	assert.Equal(t, "PLNK-summer-1790856000000", api.initReqs[0].Reference)
	assert.Equal(t, "https://acme.test/done", api.initReqs[0].CallbackURL)
	assert.Equal(t, utils.EncodeBytes32String("0xlinkref"), w.escrows[0].Reference)

	require.Len(t, api.completes, 1)
	assert.Equal(t, "pay_9", api.completeID[0])
	assert.Nil(t, api.completes[0].EscrowID)
	assert.Equal(t, "10.15", api.completes[0].CryptoAmount)
}

func TestPay_MissingOnchainReference(t *testing.T) {
	api := &fakeBackend{
		link:       &backend.PaymentLink{Amount: decimal.NewFromInt(1000), Currency: "NGN"},
		initialize: &backend.PaymentResponse{Payment: backend.Payment{ID: "pay_9"}},
	}
	w := &evmWallet{}
	f := newFixture(t, api, w)

	require.NoError(t, f.session.Resolve(context.Background(), Params{Ref: "summer"}))
	f.toPayment(t)

	_, err := f.session.Pay(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.MsgOnchainReferenceMissing, err.Error())
	assert.Empty(t, w.escrows)
	assert.Equal(t, 1, f.mem.Count(notify.LevelError, types.MsgOnchainReferenceMissing))
}

func TestClose_DisconnectsAndIgnoresLateCalls(t *testing.T) {
	f := newFixture(t, pay123(), &evmWallet{})
	require.NoError(t, f.session.Resolve(context.Background(), Params{PaymentID: "pay_123"}))
	f.toPayment(t)

	f.session.Close()
	assert.False(t, f.connector.IsConnected())

	_, err := f.session.Pay(context.Background())
	assert.Error(t, err)
	assert.True(t, types.IsCode(f.session.Retry(), types.ErrInvalidState))
}
