// memtierd runs the tiered memory service: Redis-backed STM/ITM,
// a persistent vector LTM, the promotion engine, the nightly
// distillation job, and the owner-scoped HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cognimesh/memtier/config"
	"github.com/cognimesh/memtier/distill"
	"github.com/cognimesh/memtier/memory"
	"github.com/cognimesh/memtier/memory/embedder/cached"
	"github.com/cognimesh/memtier/memory/embedder/mock"
	chromemstore "github.com/cognimesh/memtier/memory/store/chromem"
	redisstore "github.com/cognimesh/memtier/memory/store/redis"
	"github.com/cognimesh/memtier/policy"
	"github.com/cognimesh/memtier/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "memtierd:", err)
		os.Exit(1)
	}
}

func run() error {
	// A local .env is a convenience, not a requirement.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password.Value(),
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	ephemeral := redisstore.New(rdb, logger.Named("redis"))
	if err := ephemeral.Ping(ctx); err != nil {
		return fmt.Errorf("redis at %s: %w", cfg.Redis.Addr, err)
	}

	durable, err := chromemstore.New(chromemstore.Config{
		Path:       cfg.Vector.Path,
		Compress:   cfg.Vector.Compress,
		Dimensions: cfg.Vector.Dimensions,
	}, logger.Named("chromem"))
	if err != nil {
		return fmt.Errorf("open vector store: %w", err)
	}
	defer durable.Close()

	embedder, err := cached.New(mock.New(cfg.Vector.Dimensions), 4096)
	if err != nil {
		return fmt.Errorf("build embedder: %w", err)
	}
	defer embedder.Close()

	var validator memory.PolicyValidator
	if cfg.Policy.URL != "" {
		validator = policy.NewHTTPValidator(cfg.Policy.URL, cfg.Policy.Timeout, logger.Named("policy"))
	} else {
		logger.Warn("no policy service configured, treating all memories as valid")
		validator = policy.AlwaysValid()
	}

	promoter := memory.NewPromoter(ephemeral, durable, embedder, validator,
		memory.PromoterConfig{ITMTTL: cfg.Memory.ITMTTL}, logger.Named("promoter"))

	repo := memory.NewRepository(ephemeral, durable, embedder, promoter,
		memory.RepositoryConfig{
			STMTTL:        cfg.Memory.STMTTL,
			ITMTTL:        cfg.Memory.ITMTTL,
			ContextBudget: cfg.Memory.ContextBudget,
		}, logger.Named("repo"))

	var synth distill.Synthesizer
	if cfg.Distill.AnthropicModel != "" && os.Getenv("ANTHROPIC_API_KEY") != "" {
		synth = distill.NewAnthropicSynthesizer(anthropic.NewClient(), cfg.Distill.AnthropicModel)
		logger.Info("llm synthesis enabled", zap.String("model", cfg.Distill.AnthropicModel))
	}

	job := distill.NewJob(ephemeral, durable, embedder, promoter, synth,
		distill.Config{}, logger.Named("distill"))
	repo.SetRunProbe(job)

	scheduler := distill.NewScheduler(job, cfg.Distill.Hour, cfg.Distill.Bootstrap, logger.Named("scheduler"))
	go scheduler.Start(ctx)

	if !cfg.Server.TokenSecret.IsSet() {
		return fmt.Errorf("server.token_secret must be set (MEMTIER_SERVER_TOKEN_SECRET)")
	}
	srv := server.New(repo, ephemeral, cfg.Server.TokenSecret.Value(), logger.Named("http"))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.Server.Addr) }()
	logger.Info("memtierd listening", zap.String("addr", cfg.Server.Addr))

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
