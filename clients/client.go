// Package clients provides server-side wallets backed by private keys. They
// implement the provider interfaces of package chains so the same adapters
// drive both browser wallets and unattended checkouts.
package clients

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/vitwit/stablepay/logger"
	"github.com/vitwit/stablepay/types"
)

// DefaultRequestsPerSec throttles node traffic when no limit is configured.
const DefaultRequestsPerSec = 5

type options struct {
	logger     logger.Logger
	limiter    *rate.Limiter
	httpClient *http.Client
}

type Option func(*options)

func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithHTTPClient replaces the client used for HTTP node APIs.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithRateLimit caps outgoing node requests; rps <= 0 disables the cap.
func WithRateLimit(rps float64) Option {
	return func(o *options) {
		if rps <= 0 {
			o.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger:     logger.NoopLogger{},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRequestsPerSec), DefaultRequestsPerSec),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) wait(ctx context.Context) error {
	if err := o.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("node request throttled: %w", err)
	}
	return nil
}

func unsupported(method string) error {
	return &types.ProviderError{Code: types.ProviderUnsupported, Message: "unsupported method " + method}
}
