package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Client talks to the external judging service. It owns the retry/backoff
// loop, the shared circuit breaker, and response normalization. One Client is
// constructed at startup and shared by all request handlers.
type Client struct {
	cfg     Config
	breaker *breaker
	logger  *zap.Logger

	mu   sync.RWMutex
	http *fasthttp.Client

	sleep func(ctx context.Context, d time.Duration) error
}

type generateRequest struct {
	Model     string   `json:"model"`
	Prompt    string   `json:"prompt"`
	Stream    bool     `json:"stream"`
	MaxTokens int      `json:"max_tokens"`
	Stop      []string `json:"stop,omitempty"`
}

type promptPayload struct {
	Move  string   `json:"move"`
	Chain []string `json:"chain"`
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Path == "" {
		cfg.Path = "/api/generate"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 50
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 6
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		breaker: newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		logger:  logger,
		sleep:   sleepWithContext,
	}
}

// httpClient lazily builds the shared connection pool. Double-checked so
// concurrent first callers do not create duplicate pools.
func (c *Client) httpClient() *fasthttp.Client {
	c.mu.RLock()
	h := c.http
	c.mu.RUnlock()
	if h != nil {
		return h
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.http == nil {
		c.http = &fasthttp.Client{
			ReadTimeout:         c.cfg.Timeout,
			WriteTimeout:        c.cfg.Timeout,
			MaxConnsPerHost:     c.cfg.MaxConns,
			MaxIdleConnDuration: c.cfg.KeepAlive,
		}
		c.logger.Info("judge client initialized",
			zap.String("base_url", c.cfg.BaseURL),
			zap.Duration("timeout", c.cfg.Timeout),
			zap.Int("max_conns", c.cfg.MaxConns),
		)
	}
	return c.http
}

// Close drains the shared connection pool.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.http != nil {
		c.http.CloseIdleConnections()
		c.http = nil
	}
}

// Decide submits a move plus its chain context for adjudication.
//
// The breaker only gates new top-level calls: once a retry loop is in flight
// it runs to completion even if its own recorded failures open the breaker.
func (c *Client) Decide(ctx context.Context, move string, chain []string) (Verdict, error) {
	if !c.breaker.allow() {
		c.logger.Warn("judge circuit open, fast-failing")
		return Verdict{}, ErrUnavailable
	}
	if strings.TrimSpace(c.cfg.BaseURL) == "" {
		return Verdict{}, ErrNotConfigured
	}

	prompt, err := json.Marshal(promptPayload{Move: move, Chain: chainOrEmpty(chain)})
	if err != nil {
		return Verdict{}, fmt.Errorf("marshal prompt: %w", err)
	}
	payload, err := json.Marshal(generateRequest{
		Model:     c.cfg.Model,
		Prompt:    string(prompt),
		Stream:    false,
		MaxTokens: c.cfg.MaxTokens,
		Stop:      c.cfg.Stop,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("marshal judge request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(strings.TrimRight(c.cfg.BaseURL, "/") + c.cfg.Path)
	req.Header.SetContentType("application/json")
	req.SetBody(payload)

	attempts := c.cfg.RetryAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.httpClient().DoDeadline(req, resp, c.computeDeadline(ctx))
		if err != nil {
			// Connection and timeout faults are retryable. The failure is
			// recorded before the sleep so the breaker can open mid-loop.
			c.breaker.recordFailure()
			c.logger.Warn("judge transport error",
				zap.Int("attempt", attempt), zap.Int("max", attempts), zap.Error(err))
			if attempt == attempts {
				break
			}
			if serr := c.sleep(ctx, transportBackoff(attempt)); serr != nil {
				return Verdict{}, serr
			}
			continue
		}

		status := resp.StatusCode()
		switch {
		case status >= 200 && status < 300:
			c.breaker.recordSuccess()
			verdict, nerr := Normalize(resp.Body(), c.cfg.LenientFallback)
			if nerr != nil {
				c.breaker.recordFailure()
				c.logger.Error("judge payload rejected",
					zap.Int("attempt", attempt), zap.Error(nerr),
					zap.String("body", truncate(string(resp.Body()), 512)))
				return Verdict{}, nerr
			}
			return verdict, nil

		case status == fasthttp.StatusTooManyRequests:
			c.breaker.recordFailure()
			wait := rateLimitBackoff(attempt, retryAfter(resp))
			c.logger.Warn("judge rate limited",
				zap.Int("attempt", attempt), zap.Int("max", attempts), zap.Duration("wait", wait))
			if attempt == attempts {
				break
			}
			if serr := c.sleep(ctx, wait); serr != nil {
				return Verdict{}, serr
			}
			continue

		case status >= 500:
			c.breaker.recordFailure()
			c.logger.Warn("judge server error",
				zap.Int("status", status), zap.Int("attempt", attempt), zap.Int("max", attempts))
			if attempt == attempts {
				break
			}
			if serr := c.sleep(ctx, serverBackoff(attempt)); serr != nil {
				return Verdict{}, serr
			}
			continue

		default:
			// Remaining 4xx are non-retriable: the request itself is wrong.
			c.breaker.recordFailure()
			c.logger.Error("judge rejected request",
				zap.Int("status", status),
				zap.String("body", truncate(string(resp.Body()), 512)))
			return Verdict{}, &BadStatusError{Status: status, Body: truncate(string(resp.Body()), 512)}
		}
	}

	c.logger.Error("judge unreachable", zap.Int("attempts", attempts))
	return Verdict{}, ErrUnreachable
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.cfg.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// transportBackoff: exponential from 0.25s, jitter in [0, 0.3), capped at 10s.
func transportBackoff(attempt int) time.Duration {
	return capped(0.25*math.Pow(2, float64(attempt-1))+rand.Float64()*0.3, 10)
}

// serverBackoff: exponential from 0.5s, jitter in [0, 0.3), capped at 10s.
func serverBackoff(attempt int) time.Duration {
	return capped(0.5*math.Pow(2, float64(attempt-1))+rand.Float64()*0.3, 10)
}

// rateLimitBackoff honors a parseable server-supplied delay, otherwise backs
// off exponentially capped at 30s. Jitter in [0, 0.5) is always added.
func rateLimitBackoff(attempt int, retryAfter float64) time.Duration {
	wait := retryAfter
	if wait <= 0 {
		wait = math.Min(math.Pow(2, float64(attempt)), 30)
	}
	return time.Duration((wait + rand.Float64()*0.5) * float64(time.Second))
}

func capped(seconds, limit float64) time.Duration {
	return time.Duration(math.Min(seconds, limit) * float64(time.Second))
}

func retryAfter(resp *fasthttp.Response) float64 {
	v := strings.TrimSpace(string(resp.Header.Peek(fasthttp.HeaderRetryAfter)))
	if v == "" {
		return 0
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func chainOrEmpty(chain []string) []string {
	if chain == nil {
		return []string{}
	}
	return chain
}
