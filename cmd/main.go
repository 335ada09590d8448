// runbox server entrypoint: ordered startup and signal-driven graceful
// shutdown of the API, the worker pool, and their shared infrastructure.

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"runbox/internal/catalog"
	"runbox/internal/db"
	"runbox/internal/handlers"
	"runbox/internal/logging"
	"runbox/internal/metrics"
	"runbox/internal/queue"
	"runbox/internal/sandbox"
	"runbox/internal/worker"
	"runbox/internal/workspace"
)

// AppConfig aggregates the per-subsystem configuration read at startup.
type AppConfig struct {
	Port        string
	Environment string

	Queue   queue.Config
	Worker  worker.Config
	Sandbox sandbox.Config
	API     handlers.Config
}

func main() {
	// Load .env before logging init so LOG_LEVEL and friends apply.
	dotenvLoaded := godotenv.Load() == nil
	if !dotenvLoaded {
		dotenvLoaded = godotenv.Load("../.env") == nil
	}

	logging.Init()
	defer logging.Sync()
	logger := logging.L()

	logger.Info("Starting runbox execution service")
	if !dotenvLoaded {
		logger.Info("No .env file found, using system environment")
	}

	appConfig, err := loadConfig()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	if appConfig.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Language catalog. Bad image overrides surface here, before anything
	// touches redis or Docker.
	cat, err := catalog.Default()
	if err != nil {
		logger.Fatal("Failed to load language catalog", zap.Error(err))
	}
	logger.Info("Language catalog loaded", zap.Strings("languages", cat.Tags()))

	// Workspace root must exist and be writable before any job runs.
	ws := workspace.NewManager("")
	if err := ws.Ensure(); err != nil {
		logger.Fatal("Failed to prepare workspace", zap.Error(err))
	}
	if appConfig.Sandbox.Workspace == "" {
		appConfig.Sandbox.Workspace = ws.Root()
	}
	logger.Info("Workspace ready", zap.String("root", ws.Root()))

	// Redis and the job queue.
	redisClient, err := db.NewRedisClient(nil)
	if err != nil {
		logger.Fatal("Failed to connect to redis", zap.Error(err))
	}
	jobQueue := queue.New(redisClient, appConfig.Queue)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)

	// Jobs stranded on the active list by a previous crash are dispositioned
	// before new work starts.
	recovered, err := jobQueue.RecoverStalled(startupCtx)
	if err != nil {
		logger.Warn("Stalled job recovery failed", zap.Error(err))
	} else if recovered > 0 {
		disposition := "failed"
		if appConfig.Queue.RetryStalled {
			disposition = "requeued"
		}
		metrics.RecordStalledJobs(disposition, recovered)
		logger.Info("Recovered stalled jobs",
			zap.Int("count", recovered),
			zap.String("disposition", disposition))
	}

	// Sandbox driver. A dead Docker daemon is not fatal: submissions keep
	// queueing and executions fail until it returns.
	driver, err := sandbox.NewDockerDriver(appConfig.Sandbox)
	if err != nil {
		logger.Fatal("Failed to initialize sandbox driver", zap.Error(err))
	}
	if err := driver.Ping(startupCtx); err != nil {
		logger.Warn("Docker daemon unreachable; executions will fail until it returns", zap.Error(err))
	} else {
		logger.Info("Docker daemon reachable")
	}
	cancelStartup()

	// Worker pool.
	pool := worker.New(jobQueue, driver, ws, cat, appConfig.Worker)
	pool.Start()
	logger.Info("Worker pool started",
		zap.Int("concurrency", appConfig.Worker.Concurrency),
		zap.Duration("drain_timeout", appConfig.Worker.DrainTimeout))

	// Metrics.
	var collector *metrics.QueueMetricsCollector
	if metricsEnabled() {
		m := metrics.Get()
		m.SetBuildInfo(getEnv("VERSION", "dev"), getEnv("GIT_COMMIT", "unknown"), getEnv("BUILD_DATE", "unknown"))
		collector = metrics.NewQueueMetricsCollector(jobQueue.Counts, 15*time.Second)
		collector.Start(context.Background())
		logger.Info("Prometheus metrics enabled")
	}

	// HTTP API.
	handler := handlers.NewHandler(jobQueue, cat, appConfig.API)
	router := handlers.Router(handler)

	httpServer := &http.Server{
		Addr:              ":" + appConfig.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()
	logger.Info("Server ready",
		zap.String("port", appConfig.Port),
		zap.String("environment", appConfig.Environment))

	// Wait for a signal or a listener failure.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatal("Server failed", zap.Error(err))
	case sig := <-quit:
		logger.Info("Received signal, starting graceful shutdown", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	// 1. Stop accepting new submissions and drain in-flight requests.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", zap.Error(err))
	}
	logger.Info("HTTP server stopped")

	// 2. Drain the worker pool. Jobs still running after the drain window
	// stay on the active list; the next startup dispositions them.
	if err := pool.Stop(shutdownCtx); err != nil {
		logger.Warn("Worker pool did not drain cleanly", zap.Error(err))
	} else {
		logger.Info("Worker pool drained")
	}

	// 3. Stop background collectors and the delayed-job promoter.
	if collector != nil {
		collector.Stop()
	}
	jobQueue.Close()

	// 4. Release external connections.
	if err := driver.Close(); err != nil {
		logger.Warn("Docker client close error", zap.Error(err))
	}
	if err := redisClient.Close(); err != nil {
		logger.Warn("Redis close error", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}

// loadConfig reads every subsystem's configuration from the environment.
func loadConfig() (*AppConfig, error) {
	queueCfg, err := queue.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	workerCfg, err := worker.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	sandboxCfg, err := sandbox.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	apiCfg, err := handlers.ConfigFromEnv()
	if err != nil {
		return nil, err
	}

	// Timeout failure reasons quote the sandbox deadline.
	workerCfg.TimeoutSeconds = sandboxCfg.TimeoutSeconds()

	return &AppConfig{
		Port:        getEnv("PORT", "3000"),
		Environment: getEnv("ENVIRONMENT", "development"),
		Queue:       queueCfg,
		Worker:      workerCfg,
		Sandbox:     sandboxCfg,
		API:         apiCfg,
	}, nil
}

func metricsEnabled() bool {
	enabled, err := strconv.ParseBool(getEnv("ENABLE_METRICS", "true"))
	if err != nil {
		return true
	}
	return enabled
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
