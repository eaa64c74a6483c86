package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	EndpointMobileMoney = "/mobile-money/request-payment"
	EndpointCard        = "/card/request-payment"

	DefaultMaxAttempts    = 3
	DefaultAttemptTimeout = 30 * time.Second
	DefaultBaseDelay      = time.Second
	DefaultMaxDelay       = 10 * time.Second

	maxResponseBytes = 1 << 20
	failureMessage   = "Relworx API failed after retries"
)

// RelworxClient dispatches payment requests to the Relworx API.
type RelworxClient struct {
	accountNo string
	apiKey    string
	baseURL   string

	httpClient     *http.Client
	maxAttempts    int
	attemptTimeout time.Duration
	baseDelay      time.Duration
	maxDelay       time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
	logger         *slog.Logger
}

type ClientOption func(*RelworxClient)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *RelworxClient) { c.httpClient = hc }
}

func WithMaxAttempts(n int) ClientOption {
	return func(c *RelworxClient) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func WithBackoff(base, max time.Duration) ClientOption {
	return func(c *RelworxClient) {
		c.baseDelay = base
		c.maxDelay = max
	}
}

func WithAttemptTimeout(d time.Duration) ClientOption {
	return func(c *RelworxClient) { c.attemptTimeout = d }
}

// WithSleep replaces the wait between attempts (tests record delays with it).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *RelworxClient) { c.sleep = fn }
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *RelworxClient) { c.logger = l }
}

func NewRelworxClient(accountNo, apiKey, baseURL string, opts ...ClientOption) *RelworxClient {
	c := &RelworxClient{
		accountNo:      accountNo,
		apiKey:         apiKey,
		baseURL:        baseURL,
		httpClient:     &http.Client{},
		maxAttempts:    DefaultMaxAttempts,
		attemptTimeout: DefaultAttemptTimeout,
		baseDelay:      DefaultBaseDelay,
		maxDelay:       DefaultMaxDelay,
		sleep:          sleepContext,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PaymentRequest is the body Relworx expects on both request-payment endpoints.
type PaymentRequest struct {
	AccountNo   string      `json:"account_no"`
	Reference   string      `json:"reference"`
	Currency    string      `json:"currency"`
	Amount      json.Number `json:"amount"`
	Description string      `json:"description"`
	Msisdn      string      `json:"msisdn,omitempty"`
	Provider    string      `json:"provider,omitempty"`
}

// Charge holds the normalized values an order contributes to a dispatch.
type Charge struct {
	Method           string
	Reference        string
	Currency         string
	Amount           decimal.Decimal
	SubscriptionType string
	Msisdn           string
	Provider         string
}

// Result is what every dispatch returns; Send never reports a Go error.
type Result struct {
	Succeeded  bool
	StatusCode int
	Attempts   int
	Body       json.RawMessage
}

// Message extracts the "message" field of the body, if any.
func (r Result) Message() string {
	var m struct {
		Message string `json:"message"`
	}
	if len(r.Body) == 0 || json.Unmarshal(r.Body, &m) != nil {
		return ""
	}
	return m.Message
}

// EndpointFor maps a payment method onto its Relworx path; anything that is
// not "card" goes to mobile money.
func EndpointFor(method string) string {
	if method == "card" {
		return EndpointCard
	}
	return EndpointMobileMoney
}

// BuildRequest picks the endpoint and assembles the payload for a charge.
func (c *RelworxClient) BuildRequest(ch Charge) (string, PaymentRequest) {
	endpoint := EndpointFor(ch.Method)

	req := PaymentRequest{
		AccountNo:   c.accountNo,
		Reference:   ch.Reference,
		Currency:    ch.Currency,
		Amount:      json.Number(ch.Amount.String()),
		Description: Description(ch.SubscriptionType),
	}
	if endpoint == EndpointMobileMoney {
		req.Msisdn = ch.Msisdn
		req.Provider = ch.Provider
	}
	return endpoint, req
}

func Description(subscriptionType string) string {
	if subscriptionType == "" {
		subscriptionType = "new subscription"
	}
	return "ApplePark IPTV - " + subscriptionType
}

// RequestPayment builds and sends a charge.
func (c *RelworxClient) RequestPayment(ctx context.Context, ch Charge) Result {
	endpoint, req := c.BuildRequest(ch)
	return c.Send(ctx, endpoint, req)
}

// Send posts payload to endpointPath, retrying with exponential backoff.
func (c *RelworxClient) Send(ctx context.Context, endpointPath string, payload any) Result {
	correlationID := uuid.NewString()

	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("failed to encode relworx payload", "correlation_id", correlationID, "error", err)
		return c.failure(correlationID, 0, 0, err, nil)
	}

	url := c.baseURL + endpointPath

	var (
		lastErr    error
		lastStatus int
		lastBody   json.RawMessage
		attempt    int
	)
	for attempt = 1; attempt <= c.maxAttempts; attempt++ {
		body, status, err := c.do(ctx, url, data)
		if err == nil {
			c.logger.Info("relworx request succeeded",
				"endpoint", endpointPath, "attempt", attempt, "status", status, "correlation_id", correlationID)
			return Result{Succeeded: true, StatusCode: status, Attempts: attempt, Body: body}
		}

		lastErr, lastStatus = err, status
		if json.Valid(body) {
			lastBody = body
		}

		if status == http.StatusTooManyRequests {
			c.logger.Warn("relworx rate limited request",
				"endpoint", endpointPath, "attempt", attempt, "correlation_id", correlationID)
		} else {
			c.logger.Warn("relworx attempt failed",
				"endpoint", endpointPath, "attempt", attempt, "status", status,
				"correlation_id", correlationID, "error", err)
		}

		if attempt == c.maxAttempts {
			break
		}
		if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
			lastErr = err
			break
		}
	}

	c.logger.Error("relworx request exhausted retries",
		"endpoint", endpointPath, "attempts", attempt, "correlation_id", correlationID, "error", lastErr)
	return c.failure(correlationID, attempt, lastStatus, lastErr, lastBody)
}

var errMalformedBody = errors.New("malformed response body")

func (c *RelworxClient) do(ctx context.Context, url string, data []byte) (json.RawMessage, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/vnd.relworx.v2")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := Result{Body: body}.Message()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return body, resp.StatusCode, fmt.Errorf("relworx returned status %d: %s", resp.StatusCode, msg)
	}

	if !json.Valid(body) {
		return nil, resp.StatusCode, errMalformedBody
	}

	return json.RawMessage(body), resp.StatusCode, nil
}

func (c *RelworxClient) backoff(attempt int) time.Duration {
	delay := c.baseDelay * time.Duration(1<<(attempt-1))
	if c.maxDelay > 0 {
		delay = min(delay, c.maxDelay)
	}
	return delay
}

func (c *RelworxClient) failure(correlationID string, attempts, status int, err error, last json.RawMessage) Result {
	diag := map[string]any{
		"message":        failureMessage,
		"correlation_id": correlationID,
		"attempts":       attempts,
	}
	if err != nil {
		diag["last_error"] = err.Error()
	}
	if len(last) > 0 {
		diag["last_response"] = last
	}

	body, _ := json.Marshal(diag)
	return Result{Succeeded: false, StatusCode: status, Attempts: attempts, Body: body}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
