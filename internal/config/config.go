package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	ListenAddr string

	RedisURL    string
	DatabaseURL string

	JudgeBaseURL string
	JudgePath    string
	JudgeModel   string

	JudgeTimeout       time.Duration
	JudgeRetryAttempts int
	JudgeMaxTokens     int
	JudgeStop          []string
	JudgeKeepAlive     time.Duration
	JudgeMaxConns      int

	JudgeBreakerThreshold int
	JudgeBreakerCooldown  time.Duration

	// JudgeLenientFallback keeps the historical behavior of treating judge
	// output that parses as nothing at all as a win for the player, with the
	// raw text as the message. Turn it off to fail closed instead.
	JudgeLenientFallback bool

	LeaderboardDefault int
	LeaderboardMax     int

	SessionCacheTTLSec int

	MessageOverrideDir string
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:            ":8080",
		JudgePath:             "/api/generate",
		JudgeModel:            "gemma3",
		JudgeTimeout:          10 * time.Second,
		JudgeRetryAttempts:    3,
		JudgeMaxTokens:        120,
		JudgeStop:             []string{"\n\n"},
		JudgeKeepAlive:        60 * time.Second,
		JudgeMaxConns:         50,
		JudgeBreakerThreshold: 6,
		JudgeBreakerCooldown:  30 * time.Second,
		JudgeLenientFallback:  true,
		LeaderboardDefault:    10,
		LeaderboardMax:        100,
		SessionCacheTTLSec:    3600,
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))

	cfg.JudgeBaseURL = strings.TrimSpace(os.Getenv("JUDGE_BASE_URL"))
	if v := strings.TrimSpace(os.Getenv("JUDGE_PATH")); v != "" {
		cfg.JudgePath = v
	}
	if v := strings.TrimSpace(os.Getenv("JUDGE_MODEL")); v != "" {
		cfg.JudgeModel = v
	}
	if v := strings.TrimSpace(os.Getenv("JUDGE_TIMEOUT")); v != "" {
		if d, err := parseSecondsOrDuration(v); err == nil && d > 0 {
			cfg.JudgeTimeout = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("JUDGE_RETRY_ATTEMPTS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.JudgeRetryAttempts = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("JUDGE_MAX_TOKENS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.JudgeMaxTokens = n
		}
	}
	if v := os.Getenv("JUDGE_STOP"); strings.TrimSpace(v) != "" {
		parts := strings.Split(v, "|")
		stops := make([]string, 0, len(parts))
		for _, p := range parts {
			if p != "" {
				stops = append(stops, p)
			}
		}
		if len(stops) > 0 {
			cfg.JudgeStop = stops
		}
	}
	if v := strings.TrimSpace(os.Getenv("JUDGE_KEEPALIVE")); v != "" {
		if d, err := parseSecondsOrDuration(v); err == nil && d > 0 {
			cfg.JudgeKeepAlive = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("JUDGE_MAX_CONNECTIONS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.JudgeMaxConns = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("JUDGE_CIRCUIT_THRESHOLD")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.JudgeBreakerThreshold = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("JUDGE_CIRCUIT_COOLDOWN")); v != "" {
		if d, err := parseSecondsOrDuration(v); err == nil && d > 0 {
			cfg.JudgeBreakerCooldown = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("JUDGE_LENIENT_FALLBACK")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.JudgeLenientFallback = b
		}
	}

	if v := strings.TrimSpace(os.Getenv("LEADERBOARD_DEFAULT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LeaderboardDefault = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("LEADERBOARD_MAX")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LeaderboardMax = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("SESSION_CACHE_TTL")); v != "" { // seconds
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SessionCacheTTLSec = n
		}
	}
	cfg.MessageOverrideDir = strings.TrimSpace(os.Getenv("MESSAGE_OVERRIDE_DIR"))

	if cfg.JudgeBaseURL == "" {
		return nil, errors.New("JUDGE_BASE_URL is required")
	}
	if cfg.LeaderboardDefault > cfg.LeaderboardMax {
		cfg.LeaderboardDefault = cfg.LeaderboardMax
	}

	return cfg, nil
}

// parseSecondsOrDuration accepts either a bare number of seconds ("10")
// or a Go duration string ("10s", "1m30s").
func parseSecondsOrDuration(v string) (time.Duration, error) {
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}
