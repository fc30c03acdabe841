package resilience

import (
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryConfig holds retry and backoff parameters for the Invoker.
type RetryConfig struct {
	// MaxAttempts is the total number of tries including the first.
	MaxAttempts int
	// InitialDelay seeds the exponential backoff.
	InitialDelay time.Duration
	// MaxDelay caps any computed or server-supplied delay.
	MaxDelay time.Duration
	// Multiplier grows the delay per attempt.
	Multiplier float64
	// Jitter in [0,1] adds a random fraction of the delay.
	Jitter float64
}

// DefaultRetryConfig returns the documented defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Validate reports configuration errors at construction time.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return NewError(KindValidation, "retry max attempts must be at least 1", nil)
	}
	if c.InitialDelay <= 0 {
		return NewError(KindValidation, "retry initial delay must be positive", nil)
	}
	if c.MaxDelay < c.InitialDelay {
		return NewError(KindValidation, "retry max delay must be >= initial delay", nil)
	}
	if c.Multiplier <= 0 {
		return NewError(KindValidation, "retry multiplier must be positive", nil)
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return NewError(KindValidation, "retry jitter must be between 0 and 1", nil)
	}
	return nil
}

// backoffFor computes delay = initial * multiplier^attempt, capped at max,
// plus jitter.
func (c RetryConfig) backoffFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := time.Duration(float64(c.InitialDelay) * pow(c.Multiplier, attempt))
	if delay < 0 || delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.Jitter > 0 {
		jitterAmount := time.Duration(float64(delay) * c.Jitter * rand.Float64())
		if delay+jitterAmount > c.MaxDelay {
			delay = c.MaxDelay
		} else {
			delay += jitterAmount
		}
	}
	return delay
}

func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}

// parseRetryAfter parses a Retry-After header value, supporting both
// delay-seconds and HTTP-date formats. Unparseable values yield zero.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > time.Hour {
				delay = time.Hour
			}
			return delay
		}
		return 0
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := time.Until(t)
		if delay > 0 && delay <= time.Hour {
			return delay
		}
	}

	return 0
}
