// Command orchestrator runs the edward backend: the streaming session
// orchestrator, sandbox manager, workflow engine and HTTP API in one process.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/edward-labs/edward/internal/auth"
	"github.com/edward-labs/edward/internal/config"
	"github.com/edward-labs/edward/internal/gate"
	"github.com/edward-labs/edward/internal/httpapi"
	"github.com/edward-labs/edward/internal/kv"
	"github.com/edward-labs/edward/internal/llm"
	"github.com/edward-labs/edward/internal/locks"
	"github.com/edward-labs/edward/internal/orchestrator"
	"github.com/edward-labs/edward/internal/run"
	"github.com/edward-labs/edward/internal/sandbox"
	"github.com/edward-labs/edward/internal/skills"
	"github.com/edward-labs/edward/internal/storage"
	"github.com/edward-labs/edward/internal/streamhub"
	"github.com/edward-labs/edward/internal/tools"
	"github.com/edward-labs/edward/internal/tracing"
	"github.com/edward-labs/edward/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	if err := runService(cfg, logger); err != nil {
		logger.Fatal("orchestrator exited", zap.Error(err))
	}
}

func runService(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	kvStore, err := kv.New(kv.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer kvStore.Close()

	runs, err := run.Open(run.Options{Driver: cfg.DB.Driver, DSN: dbDSN(cfg.DB)}, logger)
	if err != nil {
		return fmt.Errorf("open run store: %w", err)
	}
	defer runs.Close()

	obj, err := storage.NewDiskStore(cfg.Storage.Dir)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}

	mgr := sandbox.NewManager(sandbox.NewDockerCLI("", logger), obj, kvStore, sandbox.Config{
		Image:          cfg.Sandbox.Image,
		Workspace:      cfg.Sandbox.Workspace,
		PoolSize:       cfg.Sandbox.PoolSize,
		FlushDebounce:  cfg.Sandbox.FlushDebounce,
		MaxBufferBytes: int64(cfg.Sandbox.MaxBufferBytes),
		TTL:            cfg.Sandbox.TTL,
		ExecTimeout:    cfg.Sandbox.ExecTimeout,
	}, logger)
	defer mgr.Shutdown(context.Background())

	if err := mgr.Reconcile(ctx); err != nil {
		logger.Warn("sandbox reconcile failed; continuing with empty pool", zap.Error(err))
	}

	model := llm.NewOpenAI(llm.OpenAIOptions{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	}, logger)

	lockMgr := locks.NewManager(kvStore, logger)
	wfStore := workflow.NewStore(kvStore)
	phases := workflow.NewPhases(mgr, model, obj, cfg.Preview.BaseURL, logger)
	engine := workflow.NewEngine(wfStore, lockMgr, phases.Executors(), logger)

	var searcher tools.Searcher
	if cfg.Search.BaseURL != "" {
		searcher = tools.NewSearxSearcher(cfg.Search.BaseURL)
	} else {
		logger.Info("web search disabled; no endpoint configured")
		searcher = &tools.FakeSearcher{}
	}

	reg := skills.NewRegistry()
	if err := reg.LoadDirectory(cfg.Skills.Dir); err != nil {
		logger.Warn("skill packs unavailable", zap.String("dir", cfg.Skills.Dir), zap.Error(err))
	}

	var limiter *rate.Limiter
	if cfg.Stream.LLMRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Stream.LLMRatePerSec), 1)
	}

	hub := streamhub.New(1024)
	orch := orchestrator.New(orchestrator.Config{
		Model:              cfg.LLM.Model,
		MaxTurns:           cfg.Stream.MaxTurns,
		MaxToolCalls:       cfg.Stream.MaxToolCalls,
		WallClock:          cfg.Stream.WallClock,
		MaxRawBytes:        cfg.Stream.MaxRawBytes,
		CheckpointFileEnds: cfg.Stream.CheckpointFileEvery,
		MaxTokens:          cfg.LLM.MaxTokens,
	}, model, mgr, engine, wfStore, runs, hub, tools.NewShell(mgr), searcher, reg, limiter, logger)

	g := gate.New(kvStore, cfg.Gate.MaxConcurrentPerUser, cfg.Gate.SlotTTL, logger)

	if cfg.Auth.JWTSecret == "" && !cfg.Auth.SkipAuth {
		return fmt.Errorf("auth.jwt_secret is required unless auth.skip_auth is set")
	}
	mw := auth.NewMiddleware(auth.NewJWTManager(cfg.Auth.JWTSecret, 0),
		cfg.Auth.APIKeys, cfg.Auth.SkipAuth, logger)

	api := httpapi.New(orch, g, runs, wfStore, engine, hub, kvStore, mw, logger)

	// Hot-reload the sandbox tunables when the config file changes.
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/edward.yaml"
	}
	watcher, err := config.NewWatcher(configPath, config.Tunables{
		PoolSize:       cfg.Sandbox.PoolSize,
		FlushDebounce:  cfg.Sandbox.FlushDebounce,
		MaxBufferBytes: cfg.Sandbox.MaxBufferBytes,
	}, func(t config.Tunables) {
		mgr.SetTunables(t.PoolSize, t.FlushDebounce, int64(t.MaxBufferBytes))
	}, logger)
	if err != nil {
		logger.Warn("config watcher unavailable", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("metrics listening", zap.Int("port", cfg.Server.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: SSE responses stay open for the whole session.
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown incomplete", zap.Error(err))
	}
	metricsSrv.Shutdown(shutdownCtx)

	// Let in-flight backups and post-stream builds finish before the sandbox
	// manager and stores go away.
	orch.Wait()
	return nil
}

// dbDSN renders the connection string for the configured driver.
func dbDSN(db config.DBConfig) string {
	if db.Driver == "sqlite3" {
		return db.Path
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.User, db.Password, db.Database, db.SSLMode)
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
