// Package main is the entry point for the agent broker. It wires config,
// storage, the runner pool, the engine adapter, and the task manager
// together behind a single HTTP server.
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

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentbroker/internal/agentsdk"
	"github.com/kandev/agentbroker/internal/api"
	"github.com/kandev/agentbroker/internal/archive"
	"github.com/kandev/agentbroker/internal/bus"
	"github.com/kandev/agentbroker/internal/config"
	"github.com/kandev/agentbroker/internal/credentials"
	"github.com/kandev/agentbroker/internal/engine"
	"github.com/kandev/agentbroker/internal/engine/mcppolicy"
	"github.com/kandev/agentbroker/internal/eventlog"
	"github.com/kandev/agentbroker/internal/eventlog/pgstore"
	"github.com/kandev/agentbroker/internal/gateway/statusws"
	"github.com/kandev/agentbroker/internal/logger"
	"github.com/kandev/agentbroker/internal/ratelimit"
	"github.com/kandev/agentbroker/internal/resource"
	"github.com/kandev/agentbroker/internal/runnerpool"
	"github.com/kandev/agentbroker/internal/task"
	"github.com/kandev/agentbroker/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	log.Info("starting agent broker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var eventLog eventlog.Store
	switch cfg.Storage.EventLogBackend {
	case "postgres":
		log.Info("connecting to postgres event log", zap.String("dsn", cfg.Storage.PostgresDSN))
		pg, err := pgstore.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			log.Fatal("failed to open postgres event log", zap.Error(err))
		}
		eventLog = pg
	default:
		eventsDir := filepath.Join(cfg.Storage.DataDir, "events")
		log.Info("using file-backed event log", zap.String("dir", eventsDir))
		fs, err := eventlog.NewFileStore(eventsDir, log)
		if err != nil {
			log.Fatal("failed to open file event log", zap.Error(err))
		}
		eventLog = fs
	}
	defer eventLog.Close()

	var eventBus bus.EventBus
	if cfg.EventBus.NATSURL != "" {
		log.Info("connecting to NATS event bus", zap.String("url", cfg.EventBus.NATSURL))
		natsBus, err := bus.NewNATSEventBus(cfg.EventBus, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		defer natsBus.Close()
	} else {
		log.Info("using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	var archiveStore *archive.Store
	if cfg.Storage.ArchiveEnabled {
		archiveStore, err = archive.Open(cfg.Storage.ArchiveDBPath)
		if err != nil {
			log.Fatal("failed to open archive store", zap.Error(err))
		}
		defer archiveStore.Close()
	} else {
		log.Info("archive disabled; GET /tasks/{client_id}/history will return 503")
	}

	credStore, err := credentials.NewStore(filepath.Join(cfg.Storage.DataDir, "profiles"), log)
	if err != nil {
		log.Fatal("failed to open credentials store", zap.Error(err))
	}
	credSwapper := credentials.NewSwapper(credStore, cfg.Storage.CredentialsPath, log)

	rateLimits, err := ratelimit.NewTracker(filepath.Join(cfg.Storage.DataDir, "profiles", "_rate_limits.json"), log)
	if err != nil {
		log.Fatal("failed to open rate limit tracker", zap.Error(err))
	}

	launchConfig := agentsdk.LaunchConfig{
		Command: agentCommand(),
		Args:    agentArgs(),
	}

	pool := runnerpool.New(runnerpool.Config{
		MaxSize:             cfg.Pool.MaxSize,
		MinGeneric:          cfg.Pool.MinGeneric,
		TTL:                 time.Duration(cfg.Pool.TTLSeconds) * time.Second,
		MaintenanceInterval: time.Duration(cfg.Pool.MaintenanceIntervalSec) * time.Second,
	}, func(ctx context.Context) (runnerpool.Runner, error) {
		return agentsdk.Launch(ctx, launchConfig, log)
	}, log)
	pool.StartMaintenance(ctx)
	if n := pool.PreWarm(ctx, cfg.Pool.MinGeneric); n > 0 {
		log.Info("pre-warmed runner pool", zap.Int("count", n))
	}

	adapter := engine.New(pool, launchConfig, rateLimits, log)
	resources := resource.New(cfg.Server.MaxConcurrentRuns, 10*time.Second)

	tasks := task.New(cfg.Storage.DataDir, eventLog, archiveStore, eventBus, log)
	if err := tasks.Load(); err != nil {
		log.Fatal("failed to load persisted tasks", zap.Error(err))
	}
	tasks.Start()
	defer tasks.Stop()

	statusHub := statusws.NewHub(func() statusws.Snapshot {
		return statusws.Snapshot{Tasks: tasks.Stats(), Pool: pool.Stats()}
	}, 5*time.Second, log)
	go statusHub.Run(ctx)

	telemetry.Tracer("agentbroker")
	defer telemetry.Shutdown(context.Background())

	server := &api.Server{
		Tasks:       tasks,
		Adapter:     adapter,
		Resources:   resources,
		Pool:        pool,
		Archive:     archiveStore,
		Credentials: credStore,
		Swapper:     credSwapper,
		RateLimits:  rateLimits,
		StatusHub:   statusHub,
		MCPPolicy:   mcppolicy.DefaultPolicy(),
		Auth:        cfg.Auth,
		Log:         log,
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := server.Router()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	go func() {
		log.Info("listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	if n := tasks.CancelRunningTasks(10 * time.Second); n > 0 {
		log.Info("canceled running tasks", zap.Int("count", n))
	}
	if n := pool.Shutdown(shutdownCtx); n > 0 {
		log.Info("disconnected pooled runners", zap.Int("count", n))
	}

	log.Info("shutdown complete")
}

func agentCommand() string {
	if v := os.Getenv("AGENTBROKER_AGENT_COMMAND"); v != "" {
		return v
	}
	return "agent"
}

func agentArgs() []string {
	if v := os.Getenv("AGENTBROKER_AGENT_ARGS"); v != "" {
		return []string{v}
	}
	return nil
}
