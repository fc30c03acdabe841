package resilience

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testInvoker(t *testing.T, cfg RetryConfig, opts ...InvokerOption) (*Invoker, *[]time.Duration) {
	t.Helper()
	var slept []time.Duration
	opts = append(opts, withSleep(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}))
	inv, err := NewInvoker(&http.Client{}, cfg, opts...)
	if err != nil {
		t.Fatalf("NewInvoker: %v", err)
	}
	return inv, &slept
}

func buildGet(url string) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, url, nil)
	}
}

func TestInvokerRetriesOn429HonoringRetryAfter(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	inv, slept := testInvoker(t, DefaultRetryConfig())
	resp, err := inv.Do(context.Background(), buildGet(srv.URL))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("expected exactly one retry (2 calls), got %d", got)
	}
	if len(*slept) != 1 || (*slept)[0] < time.Second {
		t.Errorf("expected a single sleep of at least 1s per Retry-After, got %v", *slept)
	}
}

func TestInvokerRetriesOn5xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	inv, _ := testInvoker(t, DefaultRetryConfig())
	resp, err := inv.Do(context.Background(), buildGet(srv.URL))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestInvokerFatalOn4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad field", http.StatusBadRequest)
	}))
	defer srv.Close()

	inv, _ := testInvoker(t, DefaultRetryConfig())
	_, err := inv.Do(context.Background(), buildGet(srv.URL))
	if err == nil {
		t.Fatal("expected error for 400")
	}
	if !IsUpstreamRejected(err) {
		t.Errorf("expected upstream rejection, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("4xx must not be retried, got %d calls", calls)
	}
}

func TestInvokerNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	inv, _ := testInvoker(t, DefaultRetryConfig())
	_, err := inv.Do(context.Background(), buildGet(srv.URL))
	if !IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestInvokerExhaustionTagged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = 2
	inv, _ := testInvoker(t, cfg)
	_, err := inv.Do(context.Background(), buildGet(srv.URL))
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if !IsRetryExhausted(err) {
		t.Errorf("expected retry-exhausted classification, got %v", err)
	}
	if IsUpstreamRejected(err) {
		t.Error("exhaustion must be distinct from a fatal client error")
	}
}

func TestInvokerReadmitsPerAttempt(t *testing.T) {
	var admissions int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = 3
	inv, _ := testInvoker(t, cfg, WithAdmission(func(context.Context) error {
		atomic.AddInt32(&admissions, 1)
		return nil
	}))

	inv.Do(context.Background(), buildGet(srv.URL))
	if got := atomic.LoadInt32(&admissions); got != 3 {
		t.Errorf("each retry is a new admission event; expected 3 admissions, got %d", got)
	}
}

func TestInvokerAdmissionDenialShortCircuits(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	denied := &Error{Kind: KindRateLimited, Message: "denied", RetryAfter: time.Second}
	inv, _ := testInvoker(t, DefaultRetryConfig(), WithAdmission(func(context.Context) error {
		return denied
	}))

	_, err := inv.Do(context.Background(), buildGet(srv.URL))
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected rate limited error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Error("denied admission must prevent any network call")
	}
}

func TestInvokerNetworkErrorRetries(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = 2
	inv, slept := testInvoker(t, cfg)

	_, err := inv.Do(context.Background(), buildGet("http://127.0.0.1:1"))
	if err == nil {
		t.Fatal("expected transport error")
	}
	if !IsRetryExhausted(err) {
		t.Errorf("expected retry-exhausted wrapping transport error, got %v", err)
	}
	if len(*slept) != 1 {
		t.Errorf("expected one backoff sleep, got %d", len(*slept))
	}
}

func TestInvokerBreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cb, err := NewCircuitBreaker(BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour, SuccessThreshold: 1})
	if err != nil {
		t.Fatalf("NewCircuitBreaker: %v", err)
	}
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = 5
	inv, _ := testInvoker(t, cfg, WithBreaker(cb))

	_, err = inv.Do(context.Background(), buildGet(srv.URL))
	if err == nil {
		t.Fatal("expected failure")
	}
	if cb.State() != BreakerOpen {
		t.Errorf("expected breaker open after threshold failures, got %v", cb.State())
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected circuit-open short circuit on a later attempt, got %v", err)
	}
}
