package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/drjanduffy/heyberkshire/internal/resilience"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"

	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 1024

	// ContextChat is the rate-limit context chat calls are admitted under.
	ContextChat = "chat"

	// limiterKey identifies this client in the shared rate limiter.
	limiterKey = "llm"
)

// Client calls the LLM provider's messages API with rate limiting, local
// response caching, retries and cost accounting layered around it.
// It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	model   string

	httpClient *http.Client
	invoker    *resilience.Invoker
	limiter    *resilience.RateLimiter
	cache      *resilience.ResponseCache
	costs      *resilience.CostTracker
	logger     *slog.Logger

	retryCfg resilience.RetryConfig
	breaker  *resilience.CircuitBreaker
	metrics  *resilience.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a custom endpoint (tests, proxies).
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithModel sets the default model.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimiter attaches local admission control.
func WithRateLimiter(l *resilience.RateLimiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithResponseCache attaches a local request/response cache.
func WithResponseCache(rc *resilience.ResponseCache) Option {
	return func(c *Client) { c.cache = rc }
}

// WithCostTracker attaches cost accounting.
func WithCostTracker(t *resilience.CostTracker) Option {
	return func(c *Client) { c.costs = t }
}

// WithRetryConfig overrides retry behavior.
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(c *Client) { c.retryCfg = cfg }
}

// WithBreaker attaches a circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *resilience.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates an LLM client.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, resilience.NewError(resilience.KindValidation, "llm api key must not be empty", nil)
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		model:      defaultModel,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     slog.Default(),
		retryCfg:   resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if !KnownModel(c.model) {
		return nil, resilience.NewError(resilience.KindValidation,
			fmt.Sprintf("unknown default model %q", c.model), nil)
	}

	invOpts := []resilience.InvokerOption{
		resilience.WithInvokerLogger(c.logger),
		resilience.WithAdmission(c.admitChat),
	}
	if c.breaker != nil {
		invOpts = append(invOpts, resilience.WithBreaker(c.breaker))
	}
	if c.metrics != nil {
		invOpts = append(invOpts, resilience.WithInvokerMetrics(c.metrics))
	}
	inv, err := resilience.NewInvoker(c.httpClient, c.retryCfg, invOpts...)
	if err != nil {
		return nil, err
	}
	c.invoker = inv
	return c, nil
}

// admitChat re-checks the rate limiter. The invoker calls it per attempt,
// so a retried call is a fresh admission event.
func (c *Client) admitChat(context.Context) error {
	if c.limiter == nil {
		return nil
	}
	d, err := c.limiter.Admit(limiterKey, ContextChat)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return &resilience.Error{
			Kind:       resilience.KindRateLimited,
			Message:    "chat admission denied",
			RetryAfter: d.RetryAfter,
		}
	}
	return nil
}

func (c *Client) resolve(req Request) Request {
	if req.Model == "" {
		req.Model = c.model
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = defaultMaxTokens
	}
	return req
}

func (c *Client) validate(req Request) error {
	if len(req.Messages) == 0 {
		return resilience.NewError(resilience.KindValidation, "chat request needs at least one message", nil)
	}
	if !KnownModel(req.Model) {
		return resilience.NewError(resilience.KindValidation,
			fmt.Sprintf("unknown model %q", req.Model), nil)
	}
	return nil
}

func (c *Client) wireBody(req Request, stream bool) ([]byte, error) {
	w := wireRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Messages:  req.Messages,
		Stream:    stream,
	}
	if req.Temperature != 0 {
		temp := req.Temperature
		w.Temperature = &temp
	}
	if req.System != "" {
		block := wireSystemBlock{Type: "text", Text: req.System}
		if req.EnableCache {
			// Provider-side prompt caching: repeated identical system
			// prompts are billed at the cache-read rate.
			block.CacheControl = &wireCacheControl{Type: "ephemeral"}
		}
		w.System = []wireSystemBlock{block}
	}
	return json.Marshal(w)
}

func (c *Client) fingerprint(req Request) string {
	turns := make([]resilience.Turn, len(req.Messages))
	for i, m := range req.Messages {
		turns[i] = resilience.Turn{Role: m.Role, Content: m.Content}
	}
	return "chat:" + resilience.Fingerprint(req.System, turns)
}

// SendMessage performs a single-shot chat call. The local response cache is
// consulted first; on miss the call is admitted, invoked with retries, and
// the result is priced, recorded and cached.
func (c *Client) SendMessage(ctx context.Context, req Request) (*Response, error) {
	req = c.resolve(req)
	if err := c.validate(req); err != nil {
		return nil, err
	}

	key := c.fingerprint(req)
	if c.cache != nil {
		if entry, ok := c.cache.Get(ctx, key); ok {
			return responseFromEntry(entry), nil
		}
	}

	body, err := c.wireBody(req, false)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	resp, err := c.invoker.Do(ctx, func() (*http.Request, error) {
		return c.newRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}

	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("llm: decode response: %w", err)
	}
	if wire.Usage == nil {
		// Pricing from a body without usage would silently undercount.
		return nil, fmt.Errorf("llm: response missing usage fields")
	}

	var content string
	for _, block := range wire.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	model := wire.Model
	if model == "" {
		model = req.Model
	}
	cost, err := Price(req.Model, *wire.Usage)
	if err != nil {
		return nil, err
	}
	if c.costs != nil {
		c.costs.Record(cost)
	}

	out := &Response{
		Content: content,
		Model:   model,
		Usage:   *wire.Usage,
		Cost:    cost,
	}

	if c.cache != nil {
		c.cache.Put(ctx, key, &resilience.Entry{
			Value: []byte(content),
			Model: model,
			Usage: resilience.TokenCounts{
				Input:      wire.Usage.InputTokens,
				Output:     wire.Usage.OutputTokens,
				CacheWrite: wire.Usage.CacheWriteTokens,
				CacheRead:  wire.Usage.CacheReadTokens,
			},
			Cost: cost.Total,
		})
	}

	return out, nil
}

func responseFromEntry(entry *resilience.Entry) *Response {
	return &Response{
		Content: string(entry.Value),
		Model:   entry.Model,
		Usage: Usage{
			InputTokens:      entry.Usage.Input,
			OutputTokens:     entry.Usage.Output,
			CacheWriteTokens: entry.Usage.CacheWrite,
			CacheReadTokens:  entry.Usage.CacheRead,
		},
		Cost:   resilience.Cost{Total: entry.Cost},
		Cached: true,
	}
}

func (c *Client) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	return req, nil
}
