package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	appcfg "github.com/OpenTabCommunity/tab-chain-go/internal/config"
	"github.com/OpenTabCommunity/tab-chain-go/internal/httpapi"
	"github.com/OpenTabCommunity/tab-chain-go/internal/judge"
	"github.com/OpenTabCommunity/tab-chain-go/internal/msgcat"
	"github.com/OpenTabCommunity/tab-chain-go/internal/obslog"
	"github.com/OpenTabCommunity/tab-chain-go/internal/service/cache"
	"github.com/OpenTabCommunity/tab-chain-go/internal/service/game"
)

func main() {
	// .env is optional, real deployments set the environment directly
	_ = godotenv.Load()

	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	cfg, err := appcfg.Load()
	if err != nil {
		logger.Fatal("config error", zap.Error(err))
	}

	repo, err := buildRepository(cfg, logger)
	if err != nil {
		logger.Fatal("repository init error", zap.Error(err))
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis url error", zap.Error(err))
		}
		rdb = redis.NewClient(opts)
		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(pctx).Err(); err != nil {
			logger.Warn("redis unreachable, session cache disabled", zap.Error(err))
			_ = rdb.Close()
			rdb = nil
		}
		cancel()
	}
	store := cache.NewStore(rdb, time.Duration(cfg.SessionCacheTTLSec)*time.Second)

	judgeClient := judge.NewClient(judge.Config{
		BaseURL:          cfg.JudgeBaseURL,
		Path:             cfg.JudgePath,
		Model:            cfg.JudgeModel,
		Timeout:          cfg.JudgeTimeout,
		RetryAttempts:    cfg.JudgeRetryAttempts,
		MaxTokens:        cfg.JudgeMaxTokens,
		Stop:             cfg.JudgeStop,
		KeepAlive:        cfg.JudgeKeepAlive,
		MaxConns:         cfg.JudgeMaxConns,
		BreakerThreshold: cfg.JudgeBreakerThreshold,
		BreakerCooldown:  cfg.JudgeBreakerCooldown,
		LenientFallback:  cfg.JudgeLenientFallback,
	}, logger)

	svc, err := game.NewService(judgeClient, repo, store, game.Config{
		LeaderboardDefault: cfg.LeaderboardDefault,
		LeaderboardMax:     cfg.LeaderboardMax,
	}, logger)
	if err != nil {
		logger.Fatal("service init error", zap.Error(err))
	}

	msgs, err := msgcat.New(cfg.MessageOverrideDir)
	if err != nil {
		logger.Fatal("message catalog error", zap.Error(err))
	}

	srv := httpapi.NewServer(svc, msgs, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(cfg.ListenAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server stopped", zap.Error(err))
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = srv.Shutdown(sctx)
	cancel()

	judgeClient.Close()
	if rdb != nil {
		_ = rdb.Close()
	}
	_ = repo.Close()
}

func buildRepository(cfg *appcfg.AppConfig, logger *zap.Logger) (game.Repository, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory repository")
		return game.NewMemoryRepository(), nil
	}
	repo, err := game.NewRepository(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := game.EnsureSchema(ctx, repo); err != nil {
		_ = repo.Close()
		return nil, err
	}
	return repo, nil
}
