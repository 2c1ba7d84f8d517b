// Package settlement tracks what happened to escrows after checkout:
// whether they were released to the merchant, refunded, or are past their
// timeout and waiting for a refund.
package settlement

import (
	"context"
	"math/big"
	"time"

	"github.com/vitwit/stablepay/logger"
	"github.com/vitwit/stablepay/types"
)

// Reader reads escrows back from chain. *escrow.Orchestrator implements it.
type Reader interface {
	GetEscrow(ctx context.Context, chain types.ChainKey, id *big.Int) (*types.EscrowRecord, error)
	UserEscrows(ctx context.Context, chain types.ChainKey, user string) ([]*big.Int, error)
}

// Lookup names one escrow.
type Lookup struct {
	Chain types.ChainKey
	ID    *big.Int
}

// Result is the settlement state of one escrow. Err is set instead of
// Record when the read failed.
type Result struct {
	Lookup
	Record *types.EscrowRecord
	// Refundable is an active escrow past its timeout.
	Refundable bool
	Err        error
}

// Summary counts results per outcome.
type Summary struct {
	Active     int `json:"active"`
	Released   int `json:"released"`
	Refunded   int `json:"refunded"`
	Expired    int `json:"expired"`
	Refundable int `json:"refundable"`
	Failed     int `json:"failed"`
}

type Service struct {
	reader  Reader
	timeout time.Duration
	logger  logger.Logger
	now     func() time.Time
}

type Option func(*Service)

func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a settlement service; each read is bounded by timeout.
func NewService(reader Reader, timeout time.Duration, opts ...Option) *Service {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s := &Service{
		reader:  reader,
		timeout: timeout,
		logger:  logger.NoopLogger{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Status reads a single escrow.
func (s *Service) Status(ctx context.Context, l Lookup) Result {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rec, err := s.reader.GetEscrow(ctx, l.Chain, l.ID)
	if err != nil {
		s.logger.Warn("escrow read failed", map[string]any{"chain": l.Chain, "escrow_id": l.ID, "error": err})
		return Result{Lookup: l, Err: err}
	}
	return Result{
		Lookup:     l,
		Record:     rec,
		Refundable: rec.Status == types.EscrowActive && rec.ExpiredAt(s.now()),
	}
}

// Batch reads every lookup concurrently. Results keep the input order and
// individual failures are reported in Result.Err.
func (s *Service) Batch(ctx context.Context, lookups []Lookup) ([]Result, error) {
	results := make([]Result, len(lookups))

	type indexed struct {
		index  int
		result Result
	}
	resultChan := make(chan indexed, len(lookups))

	for i, l := range lookups {
		go func(index int, l Lookup) {
			resultChan <- indexed{index: index, result: s.Status(ctx, l)}
		}(i, l)
	}

	for i := 0; i < len(lookups); i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-resultChan:
			results[res.index] = res.result
		}
	}
	return results, nil
}

// ForUser lists the escrows user created on chain and reads each one.
func (s *Service) ForUser(ctx context.Context, chain types.ChainKey, user string) ([]Result, error) {
	listCtx, cancel := context.WithTimeout(ctx, s.timeout)
	ids, err := s.reader.UserEscrows(listCtx, chain, user)
	cancel()
	if err != nil {
		return nil, err
	}

	lookups := make([]Lookup, len(ids))
	for i, id := range ids {
		lookups[i] = Lookup{Chain: chain, ID: id}
	}
	return s.Batch(ctx, lookups)
}

func Summarize(results []Result) Summary {
	var sum Summary
	for _, r := range results {
		if r.Err != nil {
			sum.Failed++
			continue
		}
		switch r.Record.Status {
		case types.EscrowActive:
			sum.Active++
		case types.EscrowReleased:
			sum.Released++
		case types.EscrowRefunded:
			sum.Refunded++
		case types.EscrowExpired:
			sum.Expired++
		}
		if r.Refundable {
			sum.Refundable++
		}
	}
	return sum
}
