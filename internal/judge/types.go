package judge

import (
	"errors"
	"fmt"
	"time"
)

// Outcome is the normalized judge decision.
type Outcome string

const (
	OutcomeWin   Outcome = "win"
	OutcomeLose  Outcome = "lose"
	OutcomeTie   Outcome = "tie"
	OutcomeError Outcome = "error"
)

// Verdict is the canonical decision extracted from whatever shape the judge
// chose to answer in.
type Verdict struct {
	Outcome     Outcome
	Message     string
	Explanation string
}

// Won reports whether the verdict extends the chain.
func (v Verdict) Won() bool { return v.Outcome == OutcomeWin }

var (
	// ErrUnavailable is returned without a network attempt while the circuit
	// breaker is open.
	ErrUnavailable = errors.New("judge service temporarily unavailable")
	// ErrUnreachable is returned when every retry attempt was spent without a
	// usable answer.
	ErrUnreachable = errors.New("judge service unreachable")
	// ErrInvalidResponse is returned for judge payloads no decoder accepted.
	// Not retriable: a second call will not fix a shape the judge chose to emit.
	ErrInvalidResponse = errors.New("invalid judge response")
	// ErrNotConfigured is returned when no base URL was supplied.
	ErrNotConfigured = errors.New("judge service not configured")
)

// BadStatusError is a non-retriable HTTP error from the judge (4xx other than 429).
type BadStatusError struct {
	Status int
	Body   string
}

func (e *BadStatusError) Error() string {
	return fmt.Sprintf("judge http error: status=%d", e.Status)
}

type Config struct {
	BaseURL string
	Path    string
	Model   string

	Timeout       time.Duration
	RetryAttempts int
	MaxTokens     int
	Stop          []string
	KeepAlive     time.Duration
	MaxConns      int

	BreakerThreshold int
	BreakerCooldown  time.Duration

	// LenientFallback resolves judge output that no decoder accepts as a win
	// carrying the raw text. With it off such output is an ErrInvalidResponse.
	LenientFallback bool
}
