package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/virek/outpost/internal/agent"
	"github.com/virek/outpost/internal/api"
	"github.com/virek/outpost/internal/config"
	"github.com/virek/outpost/internal/events"
	"github.com/virek/outpost/internal/plan"
	"github.com/virek/outpost/internal/provider"
	"github.com/virek/outpost/internal/sandbox"
	"github.com/virek/outpost/internal/store"
	"github.com/virek/outpost/internal/tool"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Outpost...")

	// Load configuration
	cfg := loadConfig(logger)

	// Sandbox gate: verified once, before any tool becomes callable. There
	// is no degraded mode.
	gate := sandbox.NewGate(sandbox.DefaultProbe(), logger)
	if err := gate.Verify(); err != nil {
		logger.Fatal("refusing to start: no sandbox attestation found; run inside the host CLI sandbox", zap.Error(err))
	}

	root, err := os.Getwd()
	if err != nil {
		logger.Fatal("resolve working directory", zap.Error(err))
	}
	root, err = filepath.Abs(root)
	if err != nil {
		logger.Fatal("resolve working directory", zap.Error(err))
	}

	// Model client
	backend := provider.NewOllamaBackend(cfg.Backend.BaseURL, cfg.BackendTimeout(), logger)
	client := provider.NewClient(backend, cfg.Backend.Model, cfg.Backend.MaxRetries, logger)
	if err := backend.HealthCheck(context.Background()); err != nil {
		logger.Warn("inference backend not reachable yet; sessions will retry",
			zap.String("base_url", cfg.Backend.BaseURL), zap.Error(err))
	}

	// Tool registry, fixed for the server's lifetime
	registry := tool.NewRegistry(cfg.ToolTimeout(), cfg.Agent.MaxToolOutputBytes, logger)
	if err := tool.RegisterBuiltins(registry, root, client); err != nil {
		logger.Fatal("register tools", zap.Error(err))
	}

	// Agent loop controller
	plans := plan.NewManager(logger)
	controller := agent.NewController(client, registry, plans,
		filepath.Join(root, cfg.Agent.PlanPath),
		agent.Budgets{
			MaxIterations: cfg.Agent.MaxIterations,
			MaxDuration:   cfg.SessionTimeout(),
		}, logger)

	// Optional session audit store
	var sessions *store.Store
	if cfg.Database.Postgres.DSN != "" {
		s, err := store.New(cfg.Database.Postgres.DSN, logger)
		if err != nil {
			logger.Warn("PostgreSQL unavailable, running without session audit", zap.Error(err))
		} else {
			if err := s.Migrate(context.Background(), "migrations"); err != nil {
				logger.Fatal("migration failed", zap.Error(err))
			}
			sessions = s
		}
	}

	// Optional lifecycle event stream
	var bus *events.Bus
	if cfg.Redis.URL != "" {
		b, err := events.NewBus(cfg.Redis.URL, logger)
		if err != nil {
			logger.Warn("Redis unavailable, running without event stream", zap.Error(err))
		} else {
			bus = b
		}
	}
	if bus != nil {
		controller.OnStart(func(sessionID string, mode agent.Mode, capability string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			ev := events.SessionEvent{
				SessionID:  sessionID,
				Type:       events.TypeSessionStarted,
				Mode:       string(mode),
				Capability: capability,
			}
			if err := bus.Publish(ctx, ev); err != nil {
				logger.Warn("event publish failed", zap.Error(err))
			}
		})
	}

	handler := api.NewHandler(controller, client, sessions, bus, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Outpost listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("model", cfg.Backend.Model),
			zap.String("root", root))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Outpost...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	if sessions != nil {
		sessions.Close()
	}
	if bus != nil {
		bus.Close()
	}
}

func loadConfig(logger *zap.Logger) *config.Config {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/outpost.json"
	}
	if _, err := os.Stat(cfgPath); err != nil {
		logger.Info("no config file, using environment defaults", zap.String("path", cfgPath))
		return config.Default()
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))
	return cfg
}
