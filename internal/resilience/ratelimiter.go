package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RateConfig holds the admission limit for one rate context.
type RateConfig struct {
	// Limit is the maximum number of admissions inside a trailing Window.
	Limit int
	// Window is the trailing interval the limit applies to.
	Window time.Duration
}

// Validate reports configuration errors at construction time.
func (c RateConfig) Validate() error {
	if c.Limit <= 0 {
		return NewError(KindValidation, "rate limit must be positive", nil)
	}
	if c.Window <= 0 {
		return NewError(KindValidation, "rate window must be positive", nil)
	}
	return nil
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	// RetryAfter is the time until the oldest entry ages out of the
	// window. Zero when Allowed.
	RetryAfter time.Duration
}

// RateLimiter performs sliding-window admission control per
// (clientKey, context) pair. Each context carries an independent window and
// its own limit; contexts never configured fall back to the default.
// Admit never blocks; callers decide whether to sleep, queue or reject.
//
// It is safe for concurrent use.
type RateLimiter struct {
	mu       sync.Mutex
	fallback RateConfig
	contexts map[string]RateConfig
	windows  map[string][]time.Time
	now      func() time.Time

	metrics *Metrics
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithRateContext registers a context-specific limit at construction.
func WithRateContext(name string, cfg RateConfig) RateLimiterOption {
	return func(l *RateLimiter) { l.contexts[name] = cfg }
}

// WithRateMetrics attaches a metrics collector.
func WithRateMetrics(m *Metrics) RateLimiterOption {
	return func(l *RateLimiter) { l.metrics = m }
}

func withRateClock(now func() time.Time) RateLimiterOption {
	return func(l *RateLimiter) { l.now = now }
}

// NewRateLimiter creates a limiter with the given fallback config for
// unconfigured contexts.
func NewRateLimiter(fallback RateConfig, opts ...RateLimiterOption) (*RateLimiter, error) {
	if err := fallback.Validate(); err != nil {
		return nil, err
	}
	l := &RateLimiter{
		fallback: fallback,
		contexts: make(map[string]RateConfig),
		windows:  make(map[string][]time.Time),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	for name, cfg := range l.contexts {
		if err := cfg.Validate(); err != nil {
			return nil, NewError(KindValidation, fmt.Sprintf("context %q", name), err)
		}
	}
	return l, nil
}

// Configure registers or replaces the limit for a context.
func (l *RateLimiter) Configure(contextName string, cfg RateConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.contexts[contextName] = cfg
	return nil
}

func (l *RateLimiter) configFor(contextName string) RateConfig {
	if cfg, ok := l.contexts[contextName]; ok {
		return cfg
	}
	return l.fallback
}

// Admit checks whether one more request may proceed for the given client
// and context. On denial the decision carries the time until the oldest
// window entry ages out. An admitted request is recorded immediately.
func (l *RateLimiter) Admit(clientKey, contextName string) (Decision, error) {
	if clientKey == "" {
		// A shared bucket would let distinct callers interfere.
		return Decision{}, NewError(KindValidation, "rate limiter client key must not be empty", nil)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cfg := l.configFor(contextName)
	key := clientKey + "\x00" + contextName
	now := l.now()
	cutoff := now.Add(-cfg.Window)

	window := l.windows[key]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= cfg.Limit {
		l.windows[key] = kept
		oldest := kept[0]
		for _, ts := range kept[1:] {
			if ts.Before(oldest) {
				oldest = ts
			}
		}
		retryAfter := oldest.Sub(cutoff)
		if retryAfter <= 0 {
			retryAfter = time.Millisecond
		}
		if l.metrics != nil {
			l.metrics.RecordRateLimitDenied(contextName)
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}, nil
	}

	l.windows[key] = append(kept, now)
	if l.metrics != nil {
		l.metrics.RecordRateLimitAllowed(contextName)
	}
	return Decision{Allowed: true}, nil
}

// CheckLimit admits the request, sleeping out the hint and re-admitting at
// most once. A second denial surfaces KindRateLimited with the hint; it
// never loops, so a caller retrying after the sleep must go through
// admission again.
func (l *RateLimiter) CheckLimit(ctx context.Context, clientKey, contextName string) error {
	d, err := l.Admit(clientKey, contextName)
	if err != nil {
		return err
	}
	if d.Allowed {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.RetryAfter):
	}

	d, err = l.Admit(clientKey, contextName)
	if err != nil {
		return err
	}
	if d.Allowed {
		return nil
	}
	return &Error{
		Kind:       KindRateLimited,
		Message:    fmt.Sprintf("admission denied for %s/%s", clientKey, contextName),
		RetryAfter: d.RetryAfter,
	}
}
