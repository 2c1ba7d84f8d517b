package stablepay

import (
	"time"

	"github.com/vitwit/stablepay/logger"
	"github.com/vitwit/stablepay/metrics"
	"github.com/vitwit/stablepay/notify"
)

type Option func(*Gateway)

func WithLogger(l logger.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(g *Gateway) {
		if r != nil {
			g.metrics = r
		}
	}
}

// WithTimeout bounds backend requests and escrow reads, overriding
// backend.timeout from the config.
func WithTimeout(t time.Duration) Option {
	return func(g *Gateway) {
		g.timeout = t
	}
}

// WithNotifier receives customer-facing messages. It defaults to logging them.
func WithNotifier(n notify.Notifier) Option {
	return func(g *Gateway) {
		g.notifier = n
	}
}
