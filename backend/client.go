// Package backend is the REST client for the checkout backend: payment
// lookups, payment initialization and completion, and exchange rates.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"

	"github.com/vitwit/stablepay/logger"
	"github.com/vitwit/stablepay/metrics"
	"github.com/vitwit/stablepay/types"
)

// APIError is a non-2xx backend response.
type APIError struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Body    json.RawMessage `json:"-"`
}

func (e *APIError) Error() string {
	return e.Message
}

// Payment is a backend payment record.
type Payment struct {
	ID               string          `json:"id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Reference        string          `json:"reference"`
	Email            string          `json:"email,omitempty"`
	Status           string          `json:"status,omitempty"`
	OnchainReference string          `json:"onchainReference,omitempty"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
}

// Description reads the description stored in the payment metadata.
func (p *Payment) Description() string {
	s, _ := p.Metadata["description"].(string)
	return s
}

// CallbackURL reads the callback stored in the payment metadata.
func (p *Payment) CallbackURL() string {
	s, _ := p.Metadata["callbackUrl"].(string)
	return s
}

// PaymentResponse is returned by payment lookups and initialization.
type PaymentResponse struct {
	Merchant types.Merchant `json:"merchant"`
	Payment  Payment        `json:"payment"`
}

// PaymentLink is a reusable payment link resolved by slug.
type PaymentLink struct {
	Merchant    types.Merchant  `json:"merchant"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Email       string          `json:"email,omitempty"`
	Description string          `json:"description,omitempty"`
	CallbackURL string          `json:"callbackUrl,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

type InitializeRequest struct {
	Reference   string         `json:"reference"`
	CallbackURL string         `json:"callbackUrl,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// CompleteRequest reports the on-chain escrow of a payment. EscrowID is
// encoded as null when it could not be read from the transaction.
type CompleteRequest struct {
	EscrowID     *big.Int          `json:"escrowId"`
	Chain        types.ChainKey    `json:"chain"`
	Token        types.TokenSymbol `json:"token"`
	CryptoAmount string            `json:"cryptoAmount"`
	TxHash       string            `json:"txHash"`
}

type ExchangeRate struct {
	Token         string          `json:"token"`
	Currency      string          `json:"currency"`
	MarketRate    decimal.Decimal `json:"marketRate"`
	Spread        decimal.Decimal `json:"spread"`
	EffectiveRate decimal.Decimal `json:"effectiveRate"`
	Timestamp     int64           `json:"timestamp"`
	ExpiresAt     int64           `json:"expiresAt"`
}

// Client talks to the backend through a circuit breaker. Only transport
// failures and 5xx responses count against the breaker.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
	logger     logger.Logger
	metrics    metrics.Recorder
}

type Option func(*Client)

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.httpClient = h
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(c *Client) {
		c.metrics = r
	}
}

// WithBreakerSettings replaces the default breaker settings. Name and
// IsSuccessful are always set by the client.
func WithBreakerSettings(s gobreaker.Settings) Option {
	return func(c *Client) {
		c.breaker = newBreaker(s)
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.NoopLogger{},
		metrics:    metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = newBreaker(gobreaker.Settings{
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return c
}

func newBreaker(s gobreaker.Settings) *gobreaker.CircuitBreaker[[]byte] {
	s.Name = "stablepay-backend"
	s.IsSuccessful = func(err error) bool {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return apiErr.Status < http.StatusInternalServerError
		}
		return err == nil || errors.Is(err, context.Canceled)
	}
	return gobreaker.NewCircuitBreaker[[]byte](s)
}

// GetPayment loads a payment by id.
func (c *Client) GetPayment(ctx context.Context, id string) (*PaymentResponse, error) {
	var out PaymentResponse
	if err := c.do(ctx, http.MethodGet, "/checkout/payment/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPaymentLink resolves a payment link slug.
func (c *Client) GetPaymentLink(ctx context.Context, slug string) (*PaymentLink, error) {
	var out PaymentLink
	if err := c.do(ctx, http.MethodGet, "/checkout/payment-link/"+url.PathEscape(slug), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InitializeBySlug creates the payment record behind a payment link.
func (c *Client) InitializeBySlug(ctx context.Context, slug string, req *InitializeRequest) (*PaymentResponse, error) {
	var out PaymentResponse
	if err := c.do(ctx, http.MethodPost, "/checkout/payment/initialize-by-slug/"+url.PathEscape(slug), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Complete reports the escrow created for payment id. It is sent once.
func (c *Client) Complete(ctx context.Context, id string, req *CompleteRequest) error {
	return c.do(ctx, http.MethodPost, "/checkout/payment/"+url.PathEscape(id)+"/complete", req, nil)
}

// CurrentRate fetches the current stablecoin rate for a fiat currency.
func (c *Client) CurrentRate(ctx context.Context, currency string) (*ExchangeRate, error) {
	var out ExchangeRate
	if err := c.do(ctx, http.MethodGet, "/exchange-rate/current/"+url.PathEscape(currency), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	start := time.Now()
	log := logger.FromContext(ctx, c.logger).With(map[string]any{"method": method, "path": path})

	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, method, path, in)
	})
	c.metrics.ObserveLatency(metrics.OpBackend, time.Since(start), nil)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			log.Warn("backend circuit open", nil)
			return types.WrapError(types.ErrBackend, "Payment service temporarily unavailable", err)
		}
		log.Warn("backend request failed", map[string]any{"error": err})
		return err
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return types.WrapError(types.ErrBackend, fmt.Sprintf("invalid response from %s", path), err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in any) ([]byte, error) {
	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Body: body}
		var payload struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
			apiErr.Message = payload.Message
		} else {
			apiErr.Message = "Something went wrong"
		}
		return nil, apiErr
	}
	return body, nil
}
