// Package checkout drives one customer checkout from payment resolution to
// a settled escrow: network selection, wallet connection, pricing, escrow
// submission and backend reconciliation.
package checkout

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vitwit/stablepay/backend"
	"github.com/vitwit/stablepay/chains"
	"github.com/vitwit/stablepay/logger"
	"github.com/vitwit/stablepay/metrics"
	"github.com/vitwit/stablepay/notify"
	"github.com/vitwit/stablepay/rates"
	"github.com/vitwit/stablepay/registry"
	"github.com/vitwit/stablepay/types"
	"github.com/vitwit/stablepay/utils"
	"github.com/vitwit/stablepay/wallet"
)

type Step string

const (
	StepInitial       Step = "initial"
	StepWalletConnect Step = "wallet-connect"
	StepPayment       Step = "payment"
	StepProcessing    Step = "processing"
	StepSuccess       Step = "success"
	StepFailed        Step = "failed"
	// StepBlocked is terminal: the payment context could not be resolved.
	StepBlocked Step = "blocked"
)

const (
	// Countdown is the display timer shown while the customer reviews the payment.
	Countdown = 600 * time.Second

	// EscrowCategory labels escrows created by checkout.
	EscrowCategory = "payment"

	tracerName = "github.com/vitwit/stablepay/checkout"

	msgConnectFirst  = "Please connect your wallet first"
	msgSelectNetwork = "Please select a payment network"
	msgPaid          = "Payment completed successfully!"
	msgPaymentFailed = "Payment failed. Please try again."

	msgCompletionFailed = "Payment sent in transaction %s but the merchant could not be notified. Retry to resend the confirmation."
)

// Backend is the part of the checkout REST API a session uses.
type Backend interface {
	GetPayment(ctx context.Context, id string) (*backend.PaymentResponse, error)
	GetPaymentLink(ctx context.Context, slug string) (*backend.PaymentLink, error)
	InitializeBySlug(ctx context.Context, slug string, req *backend.InitializeRequest) (*backend.PaymentResponse, error)
	Complete(ctx context.Context, id string, req *backend.CompleteRequest) error
}

type EscrowCreator interface {
	CreateEscrow(ctx context.Context, req *types.EscrowRequest) (*types.EscrowResult, error)
}

type Transferer interface {
	Transfer(ctx context.Context, req types.TransferRequest) (string, error)
}

// RateSource prices the checkout. Current must never block.
type RateSource interface {
	Current(currency string) decimal.Decimal
	Run(ctx context.Context, currency string)
}

// Result is the outcome of a successful payment.
type Result struct {
	PaymentID    string             `json:"paymentId"`
	TxHash       string             `json:"txHash"`
	EscrowID     string             `json:"escrowId,omitempty"`
	Confirmation types.Confirmation `json:"confirmation"`
	CryptoAmount string             `json:"cryptoAmount"`
	ExplorerURL  string             `json:"explorerUrl"`
}

// View is a snapshot of a session.
type View struct {
	ID       string                 `json:"id"`
	Step     Step                   `json:"step"`
	Context  *types.CheckoutContext `json:"context,omitempty"`
	Chain    types.ChainKey         `json:"chain,omitempty"`
	Token    types.TokenSymbol      `json:"token"`
	Amounts  Amounts                `json:"amounts"`
	TimeLeft time.Duration          `json:"timeLeft"`
	Error    string                 `json:"error,omitempty"`
	Result   *Result                `json:"result,omitempty"`
	// Unconfirmed is an on-chain payment still waiting for the backend
	// to acknowledge it.
	Unconfirmed *Result `json:"unconfirmed,omitempty"`
}

// Session is a single checkout. Methods are safe for concurrent use but a
// session runs one step at a time.
type Session struct {
	id        string
	registry  *registry.Registry
	connector *wallet.Connector
	api       Backend
	escrow    EscrowCreator
	transfer  Transferer
	rates     RateSource
	notifier  notify.Notifier
	logger    logger.Logger
	metrics   metrics.Recorder
	tracer    trace.Tracer
	now       func() time.Time

	mu       sync.Mutex
	step     Step
	checkout *types.CheckoutContext
	chain    types.ChainKey
	token    types.TokenSymbol
	err      string
	result   *Result
	placed   *placement
	closed   bool
	stopRate context.CancelFunc

	// remaining is frozen outside the payment step; tickFrom marks when
	// the payment step was last entered.
	remaining time.Duration
	tickFrom  time.Time
}

// placement is a payment that reached the chain but whose completion the
// backend has not acknowledged. It outlives Retry so the funds are never
// placed twice.
type placement struct {
	paymentID string
	chain     types.ChainKey
	token     types.TokenSymbol
	total     string
	escrow    *types.EscrowResult
}

func (p *placement) result(reg *registry.Registry) *Result {
	out := &Result{
		PaymentID:    p.paymentID,
		TxHash:       p.escrow.TxHash,
		Confirmation: p.escrow.Confirmation,
		CryptoAmount: p.total,
		ExplorerURL:  reg.ExplorerTxURL(p.chain, p.escrow.TxHash),
	}
	if p.escrow.EscrowID != nil {
		out.EscrowID = p.escrow.EscrowID.String()
	}
	return out
}

type Option func(*Session)

// WithTransfer enables direct transfers on chains without an escrow contract.
func WithTransfer(t Transferer) Option {
	return func(s *Session) {
		s.transfer = t
	}
}

func WithRates(r RateSource) Option {
	return func(s *Session) {
		s.rates = r
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Session) {
		s.notifier = n
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *Session) {
		s.metrics = r
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Session) {
		s.tracer = t
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// NewSession creates an unresolved session. Call Resolve before anything else.
func NewSession(reg *registry.Registry, connector *wallet.Connector, api Backend, esc EscrowCreator, opts ...Option) *Session {
	s := &Session{
		id:        uuid.NewString(),
		registry:  reg,
		connector: connector,
		api:       api,
		escrow:    esc,
		notifier:  notify.Noop{},
		logger:    logger.NoopLogger{},
		metrics:   metrics.NoopRecorder{},
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
		token:     types.TokenUSDT,
		remaining: Countdown,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(map[string]any{"checkout_id": s.id})
	return s
}

func (s *Session) ID() string {
	return s.id
}

// Resolve loads the payment context from params: a payment id first, then
// a payment link slug, then raw amount and currency. When none resolves
// the session is blocked.
func (s *Session) Resolve(ctx context.Context, params Params) error {
	params = params.Normalize()

	s.mu.Lock()
	if s.step != "" {
		s.mu.Unlock()
		return types.NewError(types.ErrInvalidState, "checkout already resolved")
	}
	s.mu.Unlock()

	cc, err := s.resolveContext(ctx, params)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.NewError(types.ErrInvalidState, "checkout closed")
	}
	if err != nil {
		s.step = StepBlocked
		s.err = err.Error()
		s.logger.Warn("checkout blocked", map[string]any{"error": err})
		return err
	}

	s.checkout = cc
	s.step = StepInitial
	if params.Token != "" {
		s.token = params.Token
	}
	if params.Chain != "" && s.enabled(params.Chain) {
		s.chain = params.Chain
		s.repinTokenLocked()
	}

	if s.rates != nil && cc.Currency != "" {
		rctx, cancel := context.WithCancel(context.Background())
		s.stopRate = cancel
		go s.rates.Run(rctx, cc.Currency)
	}

	s.logger.Info("checkout resolved", map[string]any{
		"source":    cc.Source,
		"amount":    cc.Amount.String(),
		"currency":  cc.Currency,
		"reference": cc.Reference,
	})
	return nil
}

func (s *Session) resolveContext(ctx context.Context, p Params) (*types.CheckoutContext, error) {
	switch {
	case p.PaymentID != "":
		resp, err := s.api.GetPayment(ctx, p.PaymentID)
		if err != nil {
			return nil, err
		}
		pay := resp.Payment
		return &types.CheckoutContext{
			Source:           types.SourcePaymentID,
			Merchant:         resp.Merchant,
			Amount:           pay.Amount,
			Currency:         pay.Currency,
			Reference:        pay.Reference,
			Email:            pay.Email,
			Description:      pay.Description(),
			CallbackURL:      pay.CallbackURL(),
			Metadata:         pay.Metadata,
			OnchainReference: pay.OnchainReference,
			PaymentID:        p.PaymentID,
			Slug:             p.Ref,
		}, nil

	case p.Ref != "":
		link, err := s.api.GetPaymentLink(ctx, p.Ref)
		if err != nil {
			return nil, err
		}
		return &types.CheckoutContext{
			Source:      types.SourcePaymentLink,
			Merchant:    link.Merchant,
			Amount:      link.Amount,
			Currency:    link.Currency,
			Reference:   fmt.Sprintf("PLNK-%s-%d", p.Ref, s.now().UnixMilli()),
			Email:       link.Email,
			Description: link.Description,
			CallbackURL: link.CallbackURL,
			Metadata:    link.Metadata,
			Slug:        p.Ref,
		}, nil

	case p.Amount != "" && p.Currency != "":
		amount, err := utils.ValidatePositiveAmount(p.Amount)
		if err != nil {
			return nil, types.WrapError(types.ErrInvalidPaymentLink, types.MsgInvalidPaymentLink, err)
		}
		return &types.CheckoutContext{
			Source:      types.SourceQuery,
			Amount:      *amount,
			Currency:    p.Currency,
			Reference:   fmt.Sprintf("TXN-%d", s.now().UnixMilli()),
			Email:       p.Email,
			Description: p.Desc,
		}, nil
	}
	return nil, types.NewError(types.ErrInvalidPaymentLink, types.MsgInvalidPaymentLink)
}

func (s *Session) enabled(chain types.ChainKey) bool {
	for _, c := range s.registry.ListEnabledChains() {
		if c.Key == chain {
			return true
		}
	}
	return false
}

// repinTokenLocked keeps the selected token available on the selected chain.
func (s *Session) repinTokenLocked() {
	available := s.registry.AvailableTokens(s.chain)
	for _, t := range available {
		if t == s.token {
			return
		}
	}
	if len(available) > 0 {
		s.token = available[0]
		return
	}
	s.token = types.TokenUSDT
}

// SelectChain picks the payment network while choosing a network.
func (s *Session) SelectChain(chain types.ChainKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step != StepInitial {
		return s.stateErrorLocked("select a network")
	}
	if !s.enabled(chain) {
		return types.NewError(types.ErrUnsupportedChain, fmt.Sprintf("unsupported chain %q", chain))
	}
	s.chain = chain
	s.repinTokenLocked()
	return nil
}

// SelectToken picks the stablecoin used to pay.
func (s *Session) SelectToken(token types.TokenSymbol) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.step {
	case StepInitial, StepWalletConnect, StepPayment:
	default:
		return s.stateErrorLocked("select a token")
	}
	if s.chain != "" {
		if _, ok := s.registry.TokenAddress(s.chain, token); !ok {
			return types.NewError(types.ErrUnsupportedToken, fmt.Sprintf("%s is not available on %s", token, s.chain))
		}
	}
	s.token = token
	return nil
}

// Begin moves from network selection to wallet connection.
func (s *Session) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step != StepInitial {
		return s.stateErrorLocked("continue")
	}
	if s.chain == "" {
		return types.NewError(types.ErrInvalidRequest, msgSelectNetwork)
	}
	s.step = StepWalletConnect
	return nil
}

// ConnectWallet connects kind on the selected chain and moves to payment
// once the connector reports connected.
func (s *Session) ConnectWallet(ctx context.Context, kind types.WalletKind) error {
	s.mu.Lock()
	if s.step != StepWalletConnect {
		defer s.mu.Unlock()
		return s.stateErrorLocked("connect a wallet")
	}
	chain := s.chain
	s.mu.Unlock()

	if err := s.connector.Connect(ctx, kind, chain); err != nil {
		return err
	}
	return s.Continue()
}

// Continue moves to payment when a wallet is already connected.
func (s *Session) Continue() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.step != StepWalletConnect {
		return s.stateErrorLocked("continue to payment")
	}
	if !s.connector.IsConnected() {
		return types.NewError(types.ErrWalletNotConnected, types.MsgWalletNotConnected)
	}
	s.enterPaymentLocked()
	return nil
}

// Back returns to the previous step and disconnects the wallet: from
// wallet connection to network selection, and from payment to wallet
// connection.
func (s *Session) Back() error {
	s.mu.Lock()
	switch s.step {
	case StepWalletConnect:
		s.step = StepInitial
	case StepPayment:
		s.leavePaymentLocked()
		s.step = StepWalletConnect
	default:
		defer s.mu.Unlock()
		return s.stateErrorLocked("go back")
	}
	s.mu.Unlock()

	s.connector.Disconnect()
	return nil
}

func (s *Session) enterPaymentLocked() {
	s.step = StepPayment
	s.tickFrom = s.now()
}

func (s *Session) leavePaymentLocked() {
	s.remaining = s.timeLeftLocked()
}

func (s *Session) timeLeftLocked() time.Duration {
	if s.step != StepPayment {
		return s.remaining
	}
	left := s.remaining - s.now().Sub(s.tickFrom)
	if left < 0 {
		return 0
	}
	return left.Truncate(time.Second)
}

// TimeLeft is the display countdown. It only runs during payment and does
// not stop the checkout when it reaches zero.
func (s *Session) TimeLeft() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeLeftLocked()
}

// Amounts prices the checkout at the current rate.
func (s *Session) Amounts() Amounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amountsLocked()
}

func (s *Session) amountsLocked() Amounts {
	if s.checkout == nil {
		return Amounts{}
	}
	rate := decimal.NewFromInt(rates.DefaultFallback)
	if s.rates != nil {
		rate = s.rates.Current(s.checkout.Currency)
	}
	return ComputeAmounts(s.checkout.Amount, rate)
}

func (s *Session) Step() Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// State returns a snapshot of the session.
func (s *Session) State() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		ID:       s.id,
		Step:     s.step,
		Chain:    s.chain,
		Token:    s.token,
		Amounts:  s.amountsLocked(),
		TimeLeft: s.timeLeftLocked(),
		Error:    s.err,
	}
	if s.checkout != nil {
		cc := *s.checkout
		v.Context = &cc
	}
	if s.result != nil {
		r := *s.result
		v.Result = &r
	}
	if s.placed != nil {
		v.Unconfirmed = s.placed.result(s.registry)
	}
	return v
}

// Pay submits the payment: it makes sure a backend payment with an on-chain
// reference exists, places the total in escrow (or transfers it directly on
// chains without escrow) and reports the result to the backend. The
// session ends in success or failed. After a failed completion only the
// completion is sent again.
func (s *Session) Pay(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	if s.closed || s.step != StepPayment {
		defer s.mu.Unlock()
		return nil, s.stateErrorLocked("pay")
	}
	prior := s.placed
	if prior != nil {
		s.chain, s.token = prior.chain, prior.token
	}
	if prior == nil && !s.connector.IsConnected() {
		s.mu.Unlock()
		s.notifier.Notify(notify.LevelError, msgConnectFirst)
		return nil, types.NewError(types.ErrWalletNotConnected, msgConnectFirst)
	}
	if prior == nil && s.chain == "" {
		s.mu.Unlock()
		s.notifier.Notify(notify.LevelError, msgSelectNetwork)
		return nil, types.NewError(types.ErrInvalidRequest, msgSelectNetwork)
	}
	s.leavePaymentLocked()
	s.step = StepProcessing
	s.err = ""
	cc := *s.checkout
	chain, token := s.chain, s.token
	amounts := s.amountsLocked()
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "checkout.Pay", trace.WithAttributes(
		attribute.String("checkout_id", s.id),
		attribute.String("chain", string(chain)),
		attribute.String("token", string(token)),
		attribute.String("total", amounts.Total.StringFixed(2)),
	))
	defer span.End()

	log := logger.FromContext(ctx, s.logger).With(map[string]any{"chain": chain, "token": token})
	labels := map[string]string{metrics.LabelChain: string(chain)}
	start := time.Now()

	result, err := s.submit(ctx, &cc, chain, token, amounts, prior)
	s.metrics.ObserveLatency(metrics.OpCheckout, time.Since(start), labels)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		log.Info("checkout closed before payment finished", map[string]any{"error": err})
		return nil, types.NewError(types.ErrInvalidState, "checkout closed")
	}
	if err != nil {
		classified := chains.Classify(err)
		s.step = StepFailed
		s.err = classified.Message
		placed := s.placed
		s.mu.Unlock()

		span.RecordError(err)
		span.SetStatus(codes.Error, classified.Message)
		fields := map[string]any{"error": err}
		if placed != nil {
			fields["tx_hash"] = placed.escrow.TxHash
			fields["payment_id"] = placed.paymentID
		}
		log.Error("payment failed", fields)
		s.metrics.IncCounter(metrics.EventCheckoutFailed, labels)
		if !strings.Contains(strings.ToLower(classified.Message), "rejected") {
			msg := classified.Message
			if msg == "" {
				msg = msgPaymentFailed
			}
			s.notifier.Notify(notify.LevelError, msg)
		}
		return nil, classified
	}
	s.step = StepSuccess
	s.result = result
	s.placed = nil
	s.mu.Unlock()

	span.SetAttributes(attribute.String("tx_hash", result.TxHash), attribute.String("payment_id", result.PaymentID))
	log.Info("payment completed", map[string]any{
		"payment_id":   result.PaymentID,
		"tx_hash":      result.TxHash,
		"escrow_id":    result.EscrowID,
		"confirmation": result.Confirmation.String(),
	})
	s.metrics.IncCounter(metrics.EventCheckoutSucceeded, labels)
	s.notifier.Notify(notify.LevelSuccess, msgPaid)
	return result, nil
}

func (s *Session) submit(ctx context.Context, cc *types.CheckoutContext, chain types.ChainKey, token types.TokenSymbol, amounts Amounts, prior *placement) (*Result, error) {
	p := prior
	if p == nil {
		if !amounts.Total.IsPositive() {
			return nil, types.NewError(types.ErrInvalidRequest, "payment amount is not available")
		}
		total := amounts.Total.StringFixed(2)

		paymentID, onchainRef, err := s.initialize(ctx, cc)
		if err != nil {
			return nil, err
		}

		res, err := s.place(ctx, chain, token, total, onchainRef)
		if err != nil {
			return nil, err
		}
		if res.TxHash == "" {
			return nil, types.NewError(types.ErrTransactionFailed, types.MsgTransactionFailed)
		}

		p = &placement{paymentID: paymentID, chain: chain, token: token, total: total, escrow: res}
		s.mu.Lock()
		s.placed = p
		s.mu.Unlock()
	}

	// Completion is sent even without an escrow id; the backend reconciles
	// by reference.
	if err := s.api.Complete(ctx, p.paymentID, &backend.CompleteRequest{
		EscrowID:     p.escrow.EscrowID,
		Chain:        p.chain,
		Token:        p.token,
		CryptoAmount: p.total,
		TxHash:       p.escrow.TxHash,
	}); err != nil {
		return nil, types.WrapError(types.ErrBackend, fmt.Sprintf(msgCompletionFailed, p.escrow.TxHash), err)
	}
	return p.result(s.registry), nil
}

// initialize returns the backend payment id and on-chain reference,
// creating the payment from its link when needed.
func (s *Session) initialize(ctx context.Context, cc *types.CheckoutContext) (string, string, error) {
	if cc.Source == types.SourcePaymentID && cc.OnchainReference != "" {
		return cc.PaymentID, cc.OnchainReference, nil
	}
	if cc.Slug == "" {
		if cc.Source == types.SourcePaymentID {
			return "", "", types.NewError(types.ErrOnchainReferenceMissing, types.MsgOnchainReferenceMissing)
		}
		return "", "", types.NewError(types.ErrInvalidRequest, "This checkout has no payment link to initialize")
	}

	resp, err := s.api.InitializeBySlug(ctx, cc.Slug, &backend.InitializeRequest{
		Reference:   cc.Reference,
		CallbackURL: cc.CallbackURL,
		Metadata:    cc.Metadata,
	})
	if err != nil {
		return "", "", err
	}
	if resp.Payment.ID == "" {
		return "", "", types.NewError(types.ErrBackend, "Payment ID not found")
	}
	if resp.Payment.OnchainReference == "" {
		return "", "", types.NewError(types.ErrOnchainReferenceMissing, types.MsgOnchainReferenceMissing)
	}
	return resp.Payment.ID, resp.Payment.OnchainReference, nil
}

// place escrows total, falling back to a direct transfer to the merchant
// where no escrow contract exists.
func (s *Session) place(ctx context.Context, chain types.ChainKey, token types.TokenSymbol, total, onchainRef string) (*types.EscrowResult, error) {
	family, _ := s.registry.Family(chain)
	_, hasEscrow := s.registry.EscrowContract(chain)

	if (family == types.FamilySolana || !hasEscrow) && s.transfer != nil {
		hash, err := s.transfer.Transfer(ctx, types.TransferRequest{Chain: chain, Token: token, Amount: total})
		if err != nil {
			return nil, err
		}
		return &types.EscrowResult{
			Success:      true,
			Chain:        chain,
			TxHash:       hash,
			Confirmation: types.ConfirmedUnknownID,
		}, nil
	}

	return s.escrow.CreateEscrow(ctx, &types.EscrowRequest{
		Chain:     chain,
		Token:     token,
		Amount:    total,
		Reference: onchainRef,
		Category:  EscrowCategory,
	})
}

// Retry returns a failed checkout to payment. The wallet stays connected.
func (s *Session) Retry() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step != StepFailed {
		return s.stateErrorLocked("retry")
	}
	s.err = ""
	s.result = nil
	if r, ok := s.transfer.(interface{ Reset() }); ok {
		r.Reset()
	}
	s.enterPaymentLocked()
	return nil
}

// Close ends the session: the wallet is disconnected, rate refresh stops
// and results of in-flight calls are discarded.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stop := s.stopRate
	s.stopRate = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.connector.Disconnect()
}

func (s *Session) stateErrorLocked(action string) error {
	if s.closed {
		return types.NewError(types.ErrInvalidState, "checkout closed")
	}
	step := s.step
	if step == "" {
		step = "unresolved"
	}
	return types.NewError(types.ErrInvalidState, fmt.Sprintf("cannot %s while checkout is %s", action, step))
}
