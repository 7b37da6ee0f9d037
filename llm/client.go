// Package llm provides a provider-agnostic LLM client with retry and
// endpoint fallback support. Every call site in Commander pairs a Complete
// invocation with a bounded timeout and a deterministic fallback, so a slow
// or failing model degrades the conversation instead of stalling it.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// maxResponseSize caps how much of a completion body is read.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Endpoint is one entry in the fallback chain.
type Endpoint struct {
	// Provider is the registered provider name ("openai", "anthropic", "ollama").
	Provider string
	// BaseURL overrides the provider's default API base. Empty keeps the default.
	BaseURL string
	// Model is the model identifier to request.
	Model string
}

// Message is one chat turn sent to the model.
type Message struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

// Request is a completion request. The context passed to Complete carries
// the deadline; there is no per-request timeout field.
type Request struct {
	Messages []Message

	// Temperature controls randomness. nil means endpoint default; a pointer
	// to 0 pins deterministic output.
	Temperature *float64

	// MaxTokens limits response length. 0 uses the endpoint default.
	MaxTokens int
}

// TokenUsage reports token consumption when the provider supplies it.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a completion result.
type Response struct {
	// RequestID correlates log lines for one Complete call across retries
	// and fallback endpoints.
	RequestID string

	// Content is the generated text.
	Content string

	// Model is the model that actually answered.
	Model string

	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// Client tries its endpoints in order. Transient failures retry on the same
// endpoint with backoff; fatal failures (auth, bad request) move straight to
// the next endpoint in the chain.
type Client struct {
	endpoints  []Endpoint
	httpClient *http.Client
	retry      RetryConfig
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) { client.httpClient = c }
}

// WithRetryConfig replaces the default retry settings.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) { client.retry = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) { client.logger = logger }
}

// NewClient builds a client over the given fallback chain.
func NewClient(endpoints []Endpoint, opts ...ClientOption) *Client {
	c := &Client{
		endpoints: endpoints,
		retry:     DefaultRetryConfig(),
		httpClient: &http.Client{
			// Outer cap only; callers set tighter deadlines via ctx.
			Timeout: 60 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete runs the request through the fallback chain. The caller's context
// deadline bounds the whole chain: when it expires the in-flight HTTP
// request is abandoned and its late result discarded.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}
	if len(c.endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints configured")
	}

	requestID := uuid.New().String()

	var lastErr error
	for _, ep := range c.endpoints {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		resp, err := c.completeOnEndpoint(ctx, ep, req)
		if err == nil {
			resp.RequestID = requestID
			return resp, nil
		}

		lastErr = err
		c.logger.Warn("Endpoint failed, trying fallback",
			"request_id", requestID,
			"provider", ep.Provider,
			"model", ep.Model,
			"error", err)
	}

	return nil, fmt.Errorf("all endpoints failed: %w", lastErr)
}

// completeOnEndpoint retries transient failures against a single endpoint.
func (c *Client) completeOnEndpoint(ctx context.Context, ep Endpoint, req Request) (*Response, error) {
	var lastErr error

	for attempt := 1; ; attempt++ {
		resp, err := c.send(ctx, ep, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		// Auth and request-shape errors won't heal on retry.
		if IsFatal(err) || attempt >= c.retry.MaxAttempts {
			return nil, lastErr
		}

		wait := c.backoff(attempt)
		c.logger.Debug("Request failed, retrying",
			"attempt", attempt,
			"max_attempts", c.retry.MaxAttempts,
			"backoff", wait,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// backoff grows exponentially per attempt, capped, with ±25% jitter so
// concurrent calls don't retry in lockstep.
func (c *Client) backoff(attempt int) time.Duration {
	d := float64(c.retry.BackoffBase)
	for i := 1; i < attempt; i++ {
		d *= c.retry.BackoffMultiplier
	}
	if capped := float64(c.retry.MaxBackoff); d > capped {
		d = capped
	}
	jitter := d * 0.25 * (rand.Float64()*2 - 1)
	return time.Duration(d + jitter)
}

// send performs one HTTP round trip through the endpoint's provider.
func (c *Client) send(ctx context.Context, ep Endpoint, req Request) (*Response, error) {
	provider := GetProvider(ep.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", ep.Provider))
	}

	url := provider.BuildURL(ep.BaseURL)
	body, err := provider.BuildRequestBody(ep.Model, req.Messages, req.Temperature, req.MaxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("Sending LLM request",
		"provider", ep.Provider,
		"model", ep.Model,
		"url", url,
		"messages", len(req.Messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// The caller's deadline fired: surface that directly so the caller
		// can take its fallback path without another attempt.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyStatus(httpResp.StatusCode, respBody)
	}

	return provider.ParseResponse(respBody, ep.Model)
}

// classifyStatus sorts a non-200 response into transient or fatal.
func classifyStatus(statusCode int, body []byte) error {
	detail := string(body)
	if len(detail) > 200 {
		detail = detail[:200] + "..."
	}
	err := fmt.Errorf("LLM API error (status %d): %s", statusCode, detail)

	switch {
	case statusCode == http.StatusTooManyRequests, statusCode >= 500:
		// Rate limits and server-side errors can clear on retry.
		return NewTransientError(err)
	default:
		// 401/403/400 and anything unrecognized: retrying the same request
		// would just repeat the failure.
		return NewFatalError(err)
	}
}
