// Package rates caches the fiat to stablecoin exchange rate used to price a
// checkout, refreshing it on a fixed interval.
package rates

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/vitwit/stablepay/backend"
	"github.com/vitwit/stablepay/logger"
	"github.com/vitwit/stablepay/metrics"
)

const (
	DefaultInterval = 60 * time.Second
	// DefaultFallback is used until a rate has been fetched successfully.
	DefaultFallback = 1420
)

// Fetcher returns the current rate for a fiat currency.
type Fetcher interface {
	CurrentRate(ctx context.Context, currency string) (*backend.ExchangeRate, error)
}

// Service holds the last known rate per currency. Concurrent refreshes for
// the same currency share one backend call.
type Service struct {
	fetcher  Fetcher
	interval time.Duration
	fallback decimal.Decimal
	logger   logger.Logger
	metrics  metrics.Recorder
	now      func() time.Time

	group singleflight.Group

	mu    sync.RWMutex
	known map[string]quote
}

type quote struct {
	rate      decimal.Decimal
	fetchedAt time.Time
}

type Option func(*Service)

func WithInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithFallback(rate decimal.Decimal) Option {
	return func(s *Service) {
		if rate.IsPositive() {
			s.fallback = rate
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *Service) {
		s.metrics = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(fetcher Fetcher, opts ...Option) *Service {
	s := &Service{
		fetcher:  fetcher,
		interval: DefaultInterval,
		fallback: decimal.NewFromInt(DefaultFallback),
		logger:   logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
		now:      time.Now,
		known:    make(map[string]quote),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Current returns the last known rate for currency, or the fallback.
func (s *Service) Current(currency string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if q, ok := s.known[currency]; ok {
		return q.rate
	}
	return s.fallback
}

// FetchedAt reports when currency was last refreshed successfully.
func (s *Service) FetchedAt(currency string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.known[currency]
	return q.fetchedAt, ok
}

// Refresh fetches the rate for currency. On failure it returns the value
// Current would return together with the error.
func (s *Service) Refresh(ctx context.Context, currency string) (decimal.Decimal, error) {
	v, err, _ := s.group.Do(currency, func() (interface{}, error) {
		return s.fetch(ctx, currency)
	})
	if err != nil {
		s.metrics.IncCounter(metrics.EventRateFallback, nil)
		s.logger.Warn("exchange rate unavailable, using last known rate", map[string]any{
			"currency": currency,
			"error":    err,
		})
		return s.Current(currency), err
	}
	return v.(decimal.Decimal), nil
}

func (s *Service) fetch(ctx context.Context, currency string) (decimal.Decimal, error) {
	if s.fetcher == nil {
		return decimal.Zero, fmt.Errorf("no rate source configured")
	}
	r, err := s.fetcher.CurrentRate(ctx, currency)
	if err != nil {
		return decimal.Zero, err
	}
	if !r.EffectiveRate.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid effective rate %s for %s", r.EffectiveRate, currency)
	}

	s.mu.Lock()
	s.known[currency] = quote{rate: r.EffectiveRate, fetchedAt: s.now()}
	s.mu.Unlock()
	return r.EffectiveRate, nil
}

// Run refreshes currency immediately and then on every interval until ctx
// is done.
func (s *Service) Run(ctx context.Context, currency string) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		_, _ = s.Refresh(ctx, currency)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
