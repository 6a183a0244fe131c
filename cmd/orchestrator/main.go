// Command orchestrator boots the core orchestration engine: the event
// bus, work queue, lock manager, sandbox spawner, coordination/merge
// services, the worker-pool loop, and the guardian monitor, then serves
// the runtime callback HTTP surface and a health endpoint. Adapted from
// the teacher's cmd/tarsy/main.go boot sequence.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/kivo360/omoios/ent/task"
	"github.com/kivo360/omoios/internal/config"
	"github.com/kivo360/omoios/internal/database"
	"github.com/kivo360/omoios/pkg/callback"
	"github.com/kivo360/omoios/pkg/cleanup"
	"github.com/kivo360/omoios/pkg/coordination"
	"github.com/kivo360/omoios/pkg/discovery"
	"github.com/kivo360/omoios/pkg/eventbus"
	"github.com/kivo360/omoios/pkg/guardian"
	"github.com/kivo360/omoios/pkg/lockmanager"
	"github.com/kivo360/omoios/pkg/merge"
	"github.com/kivo360/omoios/pkg/orchestrator"
	"github.com/kivo360/omoios/pkg/queue"
	"github.com/kivo360/omoios/pkg/runtimerpc"
	sandboxpkg "github.com/kivo360/omoios/pkg/sandbox"
	"github.com/kivo360/omoios/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		logger.Warn("could not load .env file, continuing with existing environment", "path", envPath, "error", err)
	} else {
		logger.Info("loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	gin.SetMode(getEnv("GIN_MODE", "release"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		logger.Error("failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Error("error closing database client", "error", err)
		}
	}()
	logger.Info("connected to PostgreSQL", "database", dbCfg.Database)

	runtimeAddr := os.Getenv("RUNTIME_GRPC_ADDR")
	var runtime *runtimerpc.Client
	if runtimeAddr != "" {
		runtime, err = runtimerpc.New(runtimeAddr)
		if err != nil {
			logger.Error("failed to dial runtime service", "addr", runtimeAddr, "error", err)
			os.Exit(1)
		}
		defer runtime.Close()
	} else {
		logger.Warn("RUNTIME_GRPC_ADDR not set, type=remote sandboxes and external merge resolution are unavailable")
	}

	bus := eventbus.New(dbClient.DB(), dbClient.Client, dbCfg.ConnString())
	if err := bus.Listen(ctx); err != nil {
		logger.Error("failed to start event bus", "error", err)
		os.Exit(1)
	}
	defer bus.Stop(ctx)

	lockCfg, err := config.LoadLockConfigFromEnv()
	if err != nil {
		logger.Error("failed to load lock config", "error", err)
		os.Exit(1)
	}
	locks := lockmanager.New(dbClient.Client, lockCfg.SweepInterval, lockCfg.DefaultTTL)
	go locks.RunSweepLoop(ctx)

	sandboxCfg, err := config.LoadSandboxConfigFromEnv()
	if err != nil {
		logger.Error("failed to load sandbox config", "error", err)
		os.Exit(1)
	}
	var remoteClient sandboxpkg.RuntimeClient
	if runtime != nil {
		remoteClient = runtime
	}
	sandboxes := sandboxpkg.New(ctx, dbClient.Client, remoteClient, sandboxpkg.Config{
		WorkspaceRoot: sandboxCfg.WorkspaceRoot,
		MaxConcurrent: sandboxCfg.MaxConcurrent,
	})

	q := queue.New(dbClient.Client, bus)
	joins := coordination.NewJoinService(dbClient.Client)
	synthesis := coordination.NewSynthesisService(dbClient.Client, joins, bus, logger)
	if err := synthesis.Start(); err != nil {
		logger.Error("failed to start synthesis service", "error", err)
		os.Exit(1)
	}

	mergeCfg, err := config.LoadMergeConfigFromEnv()
	if err != nil {
		logger.Error("failed to load merge config", "error", err)
		os.Exit(1)
	}
	var resolver merge.ConflictResolver
	if runtime != nil {
		resolver = runtime
	}
	merger := merge.New(dbClient.Client, sandboxes, resolver, bus, merge.Config{
		MaxAttemptsPerSource: mergeCfg.MaxAttemptsPerSource,
	}, logger)
	if err := merger.Start(); err != nil {
		logger.Error("failed to start merge service", "error", err)
		os.Exit(1)
	}

	disc := discovery.New(dbClient.Client)

	orchCfg, err := config.LoadOrchestratorConfigFromEnv()
	if err != nil {
		logger.Error("failed to load orchestrator config", "error", err)
		os.Exit(1)
	}
	loop := orchestrator.New(dbClient.Client, q, locks, sandboxes, joins, merger, bus, orchestrator.Config{
		WorkerCount:  orchCfg.WorkerCount,
		PollInterval: orchCfg.PollInterval,
		ErrorBackoff: orchCfg.ErrorBackoff,
	})

	projects, err := dbClient.Client.Project.Query().All(ctx)
	if err != nil {
		logger.Error("failed to load projects", "error", err)
		os.Exit(1)
	}
	for _, proj := range projects {
		if err := bus.SubscribeProject(ctx, proj.ID); err != nil {
			logger.Error("failed to subscribe to project channel", "project_id", proj.ID, "error", err)
			continue
		}
		if err := loop.Start(ctx, proj.ID); err != nil {
			logger.Error("failed to start orchestrator loop", "project_id", proj.ID, "error", err)
			os.Exit(1)
		}
		logger.Info("orchestrator loop started", "project_id", proj.ID)
	}

	guardCfg, err := config.LoadGuardianConfigFromEnv()
	if err != nil {
		logger.Error("failed to load guardian config", "error", err)
		os.Exit(1)
	}
	monitor := guardian.New(dbClient.Client, bus, guardian.Config{
		ScanInterval:      guardCfg.ScanInterval,
		HeartbeatMaxAge:   guardCfg.HeartbeatMaxAge,
		AlignmentMinScore: guardCfg.AlignmentMinScore,
		StuckMultiple:     guardCfg.StuckMultiple,
	})
	monitor.Start(ctx)
	defer monitor.Stop()

	cleaner := cleanup.NewService(dbClient.Client, cleanup.DefaultConfig())
	cleaner.Start(ctx)
	defer cleaner.Stop()

	if err := recoverStartupOrphans(ctx, dbClient, logger); err != nil {
		logger.Error("startup orphan recovery failed", "error", err)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		status, err := database.Health(c.Request.Context(), dbClient.DB())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
		c.JSON(http.StatusOK, gin.H{"version": version.Full(), "database": status})
	})

	callbackServer := callback.NewServer(dbClient.Client, q, disc, logger)
	callbackServer.Register(router)

	srv := &http.Server{Addr: ":" + httpPort, Handler: router}
	go func() {
		logger.Info("http server listening", "port", httpPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}
	loop.Stop()
	logger.Info("orchestrator shut down cleanly")
}

// recoverStartupOrphans resets tasks left in status=running from a prior
// process that never cleanly shut down back to pending, so the worker
// pool picks them up again — grounded on the teacher's
// CleanupStartupOrphans, generalized from "alert session" to "task".
func recoverStartupOrphans(ctx context.Context, dbClient *database.Client, logger *slog.Logger) error {
	stale, err := dbClient.Client.Task.Query().
		Where(task.StatusEQ(task.StatusRunning)).
		All(ctx)
	if err != nil {
		return fmt.Errorf("query running tasks: %w", err)
	}

	for _, t := range stale {
		if _, err := dbClient.Client.Task.UpdateOneID(t.ID).
			SetStatus(task.StatusPending).
			SetLastError("recovered from unclean shutdown").
			Save(ctx); err != nil {
			logger.Error("failed to recover orphaned task", "task_id", t.ID, "error", err)
			continue
		}
		logger.Info("recovered orphaned task", "task_id", t.ID)
	}
	return nil
}
