package judge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, baseURL string, cfg Config) (*Client, *[]time.Duration) {
	t.Helper()
	cfg.BaseURL = baseURL
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	c := NewClient(cfg, nil)
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return c, &slept
}

func TestDecideSuccess(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost || r.URL.Path != "/api/generate" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"response":"true - paper beats rock"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, Config{LenientFallback: true})
	v, err := c.Decide(context.Background(), "paper", []string{"rock"})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if v.Outcome != OutcomeWin || v.Message != "paper beats rock" {
		t.Fatalf("unexpected verdict: %+v", v)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 upstream call, got %d", calls.Load())
	}
}

func TestDecideRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"response":"false - rock blunts scissors"}`))
	}))
	defer srv.Close()

	c, slept := newTestClient(t, srv.URL, Config{RetryAttempts: 3})
	v, err := c.Decide(context.Background(), "scissors", nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if v.Outcome != OutcomeLose {
		t.Fatalf("unexpected verdict: %+v", v)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 upstream calls, got %d", calls.Load())
	}
	if len(*slept) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", len(*slept))
	}
}

func TestDecideExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, slept := newTestClient(t, srv.URL, Config{RetryAttempts: 3})
	if _, err := c.Decide(context.Background(), "rock", nil); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	// no sleep after the final attempt
	if len(*slept) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", len(*slept))
	}
}

func TestDecideHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"response":"yes"}`))
	}))
	defer srv.Close()

	c, slept := newTestClient(t, srv.URL, Config{RetryAttempts: 2})
	if _, err := c.Decide(context.Background(), "rock", nil); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if len(*slept) != 1 {
		t.Fatalf("expected 1 sleep, got %d", len(*slept))
	}
	wait := (*slept)[0]
	if wait < time.Second || wait >= 1500*time.Millisecond {
		t.Fatalf("expected Retry-After wait in [1s, 1.5s), got %v", wait)
	}
}

func TestDecideBadRequestNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, Config{RetryAttempts: 3})
	_, err := c.Decide(context.Background(), "rock", nil)
	var bad *BadStatusError
	if !errors.As(err, &bad) || bad.Status != http.StatusBadRequest {
		t.Fatalf("expected BadStatusError(400), got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", calls.Load())
	}
}

func TestDecideInvalidPayloadNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"unexpected":42}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, Config{RetryAttempts: 3, LenientFallback: false})
	if _, err := c.Decide(context.Background(), "rock", nil); !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("invalid payloads must not be retried, got %d calls", calls.Load())
	}
}

func TestDecideBreakerFastFail(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, Config{
		RetryAttempts:    2,
		BreakerThreshold: 2,
		BreakerCooldown:  50 * time.Millisecond,
	})

	// First call records two failures and trips the breaker.
	if _, err := c.Decide(context.Background(), "rock", nil); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	before := calls.Load()

	// Breaker open: fail fast with no network attempt.
	if _, err := c.Decide(context.Background(), "rock", nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if calls.Load() != before {
		t.Fatalf("open breaker must not touch the network")
	}

	// After the cooldown the next call goes live again.
	time.Sleep(60 * time.Millisecond)
	if _, err := c.Decide(context.Background(), "rock", nil); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable after cooldown, got %v", err)
	}
	if calls.Load() == before {
		t.Fatalf("expected live attempts after cooldown")
	}
}

func TestDecideNotConfigured(t *testing.T) {
	c := NewClient(Config{}, nil)
	if _, err := c.Decide(context.Background(), "rock", nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
