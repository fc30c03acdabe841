package resilience

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// AdmitFunc is the admission hook consulted before every attempt. A retried
// call is a new admission event, so the hook runs again per retry.
type AdmitFunc func(ctx context.Context) error

// Invoker wraps a single outbound call with bounded exponential backoff,
// honoring server-supplied retry hints and distinguishing retryable from
// fatal failures.
//
// Classification: 429 is always retryable and honors Retry-After; 5xx is
// retryable; other 4xx is fatal and surfaces immediately; transport errors
// are retryable. Exhausting the attempts surfaces KindRetryExhausted
// wrapping the last failure.
type Invoker struct {
	client  *http.Client
	cfg     RetryConfig
	admit   AdmitFunc
	breaker *CircuitBreaker
	logger  *slog.Logger
	metrics *Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithAdmission sets the per-attempt admission hook.
func WithAdmission(fn AdmitFunc) InvokerOption {
	return func(inv *Invoker) { inv.admit = fn }
}

// WithBreaker attaches a circuit breaker consulted before every attempt.
func WithBreaker(cb *CircuitBreaker) InvokerOption {
	return func(inv *Invoker) { inv.breaker = cb }
}

// WithInvokerLogger sets the logger for retry scheduling events.
func WithInvokerLogger(l *slog.Logger) InvokerOption {
	return func(inv *Invoker) { inv.logger = l }
}

// WithInvokerMetrics attaches a metrics collector.
func WithInvokerMetrics(m *Metrics) InvokerOption {
	return func(inv *Invoker) { inv.metrics = m }
}

func withSleep(fn func(ctx context.Context, d time.Duration) error) InvokerOption {
	return func(inv *Invoker) { inv.sleep = fn }
}

// NewInvoker creates an Invoker using the given HTTP client and retry
// configuration.
func NewInvoker(client *http.Client, cfg RetryConfig, opts ...InvokerOption) (*Invoker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	inv := &Invoker{
		client: client,
		cfg:    cfg,
		logger: slog.Default(),
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Do executes the request with retries. build constructs a fresh request
// per attempt so bodies can be re-sent. Responses with status < 400 are
// returned to the caller, who owns the body.
func (inv *Invoker) Do(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < inv.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			inv.logger.Debug("retrying request", "attempt", attempt, "maxAttempts", inv.cfg.MaxAttempts)
			if inv.metrics != nil {
				inv.metrics.RecordRetry()
			}
		}

		if inv.admit != nil {
			if err := inv.admit(ctx); err != nil {
				return nil, err
			}
		}

		if inv.breaker != nil && !inv.breaker.Allow() {
			return nil, &Error{Kind: KindCircuitOpen, Message: "circuit breaker is open"}
		}

		req, err := build()
		if err != nil {
			return nil, NewError(KindValidation, "building request", err)
		}
		req = req.WithContext(ctx)

		start := time.Now()
		resp, err := inv.client.Do(req)
		if inv.metrics != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			inv.metrics.RecordRequest(req.Method, status, time.Since(start))
		}

		if err != nil {
			// Transport failure: retryable.
			if inv.breaker != nil {
				inv.breaker.RecordFailure()
			}
			lastErr = err
			if err := inv.backoffSleep(ctx, attempt, 0); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case resp.StatusCode < 400:
			if inv.breaker != nil {
				inv.breaker.RecordSuccess()
			}
			return resp, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			hint := parseRetryAfter(resp.Header.Get("Retry-After"))
			drainAndClose(resp)
			lastErr = &Error{
				Kind:       KindRateLimited,
				Message:    "remote rate limited the request",
				StatusCode: resp.StatusCode,
				RetryAfter: hint,
			}
			if err := inv.backoffSleep(ctx, attempt, hint); err != nil {
				return nil, err
			}
			continue

		case resp.StatusCode >= 500:
			if inv.breaker != nil {
				inv.breaker.RecordFailure()
			}
			snippet := readSnippet(resp)
			lastErr = &Error{
				Kind:       KindRetryExhausted,
				Message:    fmt.Sprintf("server error: %s", snippet),
				StatusCode: resp.StatusCode,
			}
			hint := parseRetryAfter(resp.Header.Get("Retry-After"))
			if err := inv.backoffSleep(ctx, attempt, hint); err != nil {
				return nil, err
			}
			continue

		default:
			// Non-retryable client error. Surface immediately.
			snippet := readSnippet(resp)
			kind := KindUpstreamRejected
			if resp.StatusCode == http.StatusNotFound {
				kind = KindNotFound
			}
			return nil, &Error{
				Kind:       kind,
				Message:    fmt.Sprintf("remote rejected request: %s", snippet),
				StatusCode: resp.StatusCode,
			}
		}
	}

	return nil, &Error{
		Kind:    KindRetryExhausted,
		Message: fmt.Sprintf("giving up after %d attempts", inv.cfg.MaxAttempts),
		Cause:   lastErr,
	}
}

// backoffSleep waits before the next attempt. A server hint overrides the
// computed backoff; the final attempt never sleeps.
func (inv *Invoker) backoffSleep(ctx context.Context, attempt int, hint time.Duration) error {
	if attempt >= inv.cfg.MaxAttempts-1 {
		return nil
	}
	delay := inv.cfg.backoffFor(attempt)
	if hint > 0 {
		delay = hint
		if delay > inv.cfg.MaxDelay {
			delay = inv.cfg.MaxDelay
		}
	}
	inv.logger.Debug("scheduling retry", "delay", delay, "attempt", attempt+1)
	return inv.sleep(ctx, delay)
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

func readSnippet(resp *http.Response) string {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_ = resp.Body.Close()
	if len(buf) == 0 {
		return http.StatusText(resp.StatusCode)
	}
	return string(buf)
}
