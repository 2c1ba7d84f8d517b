// Package escrow places checkout funds in the on-chain escrow contract of
// the selected chain and reads escrows back.
package escrow

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vitwit/stablepay/chains"
	"github.com/vitwit/stablepay/logger"
	"github.com/vitwit/stablepay/metrics"
	"github.com/vitwit/stablepay/notify"
	"github.com/vitwit/stablepay/registry"
	"github.com/vitwit/stablepay/types"
	"github.com/vitwit/stablepay/utils"
	"github.com/vitwit/stablepay/wallet"
)

const (
	// DefaultCategory tags escrows created by checkout.
	DefaultCategory = "payment"

	tracerName = "github.com/vitwit/stablepay/escrow"
	msgConfirm = "Please confirm the escrow deposit in your wallet..."
)

// Orchestrator routes escrow operations to the adapter of the chain family.
type Orchestrator struct {
	registry  *registry.Registry
	connector *wallet.Connector
	notifier  notify.Notifier
	logger    logger.Logger
	metrics   metrics.Recorder
	tracer    trace.Tracer
	approval  types.ApprovalPolicy
	now       func() time.Time
}

type Option func(*Orchestrator)

func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(o *Orchestrator) {
		o.metrics = r
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = t
	}
}

// WithApprovalPolicy overrides the adapters' approval policy for every escrow.
func WithApprovalPolicy(p types.ApprovalPolicy) Option {
	return func(o *Orchestrator) {
		o.approval = p
	}
}

// WithClock replaces time.Now when checking expiry.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

func NewOrchestrator(reg *registry.Registry, connector *wallet.Connector, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:  reg,
		connector: connector,
		notifier:  notify.Noop{},
		logger:    logger.NoopLogger{},
		metrics:   metrics.NoopRecorder{},
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateEscrow deposits req.Amount of req.Token into the escrow contract,
// tagged with req.Reference. The wallet stays connected on failure.
func (o *Orchestrator) CreateEscrow(ctx context.Context, req *types.EscrowRequest) (*types.EscrowResult, error) {
	ctx, span := o.tracer.Start(ctx, "escrow.CreateEscrow", trace.WithAttributes(
		attribute.String("chain", string(req.Chain)),
		attribute.String("token", string(req.Token)),
		attribute.String("reference", req.Reference),
	))
	defer span.End()

	log := logger.FromContext(ctx, o.logger).With(map[string]any{"chain": req.Chain, "token": req.Token, "reference": req.Reference})
	labels := map[string]string{metrics.LabelChain: string(req.Chain)}

	call, adapter, err := o.prepare(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.metrics.IncCounter(metrics.EventEscrowFailed, labels)
		return nil, err
	}

	o.notifier.Notify(notify.LevelInfo, msgConfirm)
	log.Info("creating escrow", map[string]any{"amount": call.Amount.String(), "escrow": call.EscrowAddress})

	start := time.Now()
	result, err := adapter.CreateEscrow(ctx, call)
	o.metrics.ObserveLatency(metrics.OpCreateEscrow, time.Since(start), labels)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.metrics.IncCounter(metrics.EventEscrowFailed, labels)
		log.Error("escrow creation failed", map[string]any{"error": err})
		if chains.IsUserRejected(err) {
			o.notifier.Notify(notify.LevelError, types.MsgUserRejected)
		}
		return nil, err
	}

	span.SetAttributes(
		attribute.String("tx_hash", result.TxHash),
		attribute.String("confirmation", result.Confirmation.String()),
	)
	fields := map[string]any{"tx_hash": result.TxHash, "confirmation": result.Confirmation.String()}
	if result.EscrowID != nil {
		fields["escrow_id"] = result.EscrowID.String()
		span.SetAttributes(attribute.String("escrow_id", result.EscrowID.String()))
	}

	if result.Confirmation == types.TimedOutAssumePending {
		o.metrics.IncCounter(metrics.EventEscrowPending, labels)
		log.Warn("escrow submitted but not yet confirmed", fields)
	} else {
		o.metrics.IncCounter(metrics.EventEscrowCreated, labels)
		log.Info("escrow created", fields)
	}
	return result, nil
}

func (o *Orchestrator) prepare(req *types.EscrowRequest) (*chains.EscrowCall, chains.Adapter, error) {
	if err := utils.ValidateStruct(req); err != nil {
		return nil, nil, err
	}
	amount, err := utils.ValidatePositiveAmount(req.Amount)
	if err != nil {
		return nil, nil, types.WrapError(types.ErrInvalidRequest, err.Error(), err)
	}

	chain, ok := o.registry.Chain(req.Chain)
	if !ok {
		return nil, nil, types.NewError(types.ErrUnsupportedChain, fmt.Sprintf("unsupported chain %q", req.Chain))
	}
	if chain.Family == types.FamilySolana {
		return nil, nil, types.NewError(types.ErrEscrowUnsupported, fmt.Sprintf("Escrow is not available on %s", chain.Name))
	}

	token, ok := chain.FindToken(req.Token)
	if !ok {
		return nil, nil, types.NewError(types.ErrUnsupportedToken, fmt.Sprintf("%s is not available on %s", req.Token, chain.Name))
	}
	tokenAddr := req.TokenAddress
	if tokenAddr == "" {
		if tokenAddr, ok = o.registry.TokenAddress(req.Chain, req.Token); !ok {
			return nil, nil, types.NewError(types.ErrUnsupportedToken, fmt.Sprintf("%s has no contract on %s", req.Token, chain.Name))
		}
	}
	if err := utils.ValidateAddressForFamily(tokenAddr, chain.Family); err != nil {
		return nil, nil, types.WrapError(types.ErrInvalidRequest, fmt.Sprintf("invalid token address: %v", err), err)
	}

	escrowAddr, ok := o.registry.EscrowContract(req.Chain)
	if !ok {
		return nil, nil, types.NewError(types.ErrEscrowUnsupported, fmt.Sprintf("No escrow contract deployed on %s", chain.Name))
	}

	if o.connector == nil || !o.connector.IsConnected() {
		return nil, nil, types.NewError(types.ErrWalletNotConnected, types.MsgWalletNotConnected)
	}
	adapter, ok := o.connector.Adapter(chain.Family)
	if !ok {
		return nil, nil, types.NewError(types.ErrProviderNotFound, fmt.Sprintf("no %s wallet available", chain.Family))
	}

	category := req.Category
	if category == "" {
		category = DefaultCategory
	}

	return &chains.EscrowCall{
		Chain:         chain,
		Token:         token,
		TokenAddress:  tokenAddr,
		EscrowAddress: escrowAddr,
		Amount:        *amount,
		Reference:     utils.EncodeBytes32String(req.Reference),
		Category:      category,
		Approval:      o.approval,
	}, adapter, nil
}

func (o *Orchestrator) reader(chain types.ChainKey) (chains.EscrowReader, *chains.EscrowQuery, error) {
	desc, ok := o.registry.Chain(chain)
	if !ok {
		return nil, nil, types.NewError(types.ErrUnsupportedChain, fmt.Sprintf("unsupported chain %q", chain))
	}
	escrowAddr, ok := o.registry.EscrowContract(chain)
	if !ok {
		return nil, nil, types.NewError(types.ErrEscrowUnsupported, fmt.Sprintf("No escrow contract deployed on %s", desc.Name))
	}
	if o.connector == nil {
		return nil, nil, types.NewError(types.ErrProviderNotFound, "no wallet available")
	}
	adapter, ok := o.connector.Adapter(desc.Family)
	if !ok {
		return nil, nil, types.NewError(types.ErrProviderNotFound, fmt.Sprintf("no %s wallet available", desc.Family))
	}
	r, ok := adapter.(chains.EscrowReader)
	if !ok {
		return nil, nil, types.NewError(types.ErrEscrowUnsupported, fmt.Sprintf("Escrow reads are not available on %s", desc.Name))
	}
	return r, &chains.EscrowQuery{Chain: desc, EscrowAddress: escrowAddr}, nil
}

// GetEscrow reads escrow id from chain's contract.
func (o *Orchestrator) GetEscrow(ctx context.Context, chain types.ChainKey, id *big.Int) (*types.EscrowRecord, error) {
	r, q, err := o.reader(chain)
	if err != nil {
		return nil, err
	}
	return r.GetEscrow(ctx, q, id)
}

// UserEscrows lists escrow ids created by user on chain.
func (o *Orchestrator) UserEscrows(ctx context.Context, chain types.ChainKey, user string) ([]*big.Int, error) {
	r, q, err := o.reader(chain)
	if err != nil {
		return nil, err
	}
	return r.UserEscrows(ctx, q, user)
}

// IsExpired reports whether escrow id is past its timeout.
func (o *Orchestrator) IsExpired(ctx context.Context, chain types.ChainKey, id *big.Int) (bool, error) {
	rec, err := o.GetEscrow(ctx, chain, id)
	if err != nil {
		return false, err
	}
	return rec.ExpiredAt(o.now()), nil
}
