package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/hyperengineering/lakesync/internal/api"
	"github.com/hyperengineering/lakesync/internal/auth"
	"github.com/hyperengineering/lakesync/internal/config"
	"github.com/hyperengineering/lakesync/internal/gateway"
	"github.com/hyperengineering/lakesync/internal/lake"
	"github.com/hyperengineering/lakesync/internal/metering"
	"github.com/hyperengineering/lakesync/internal/metrics"
	"github.com/hyperengineering/lakesync/internal/objstore"
	"github.com/hyperengineering/lakesync/internal/shard"
	"github.com/hyperengineering/lakesync/internal/store"
	"github.com/hyperengineering/lakesync/internal/worker"
	"github.com/hyperengineering/lakesync/internal/ws"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "lakesync",
	Short: "Lakesync - multi-tenant delta sync gateway",
	RunE:  run,
}

func main() {
	// Local development convenience; a missing .env is fine.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("configuration loaded")

	// 3. Initialize logger
	logger := slog.New(newLogHandler(cfg.Log))
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level)

	// 4. Initialize durable store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	// 5. Initialize the lake adapter
	objects, err := newObjectStore(cfg.ObjectStore)
	if err != nil {
		return err
	}

	// 6. Metrics and usage metering
	m := metrics.New()
	usage := metering.New(db, metering.WithInterval(cfg.Metering.FlushInterval.Std()),
		metering.WithMaxBuckets(cfg.Metering.MaxBuckets))

	// 7. Gateway sessions
	registry := gateway.NewRegistry(gateway.Deps{
		Store:   db,
		Objects: objects,
		Usage:   usage,
		Metrics: m,
		Limits: gateway.Limits{
			MaxBufferBytes:      cfg.Buffer.MaxBytes,
			HighWatermarkBytes:  cfg.Buffer.HighWatermarkBytes,
			MaxBufferAge:        cfg.Buffer.MaxAge.Std(),
			MaxPushPayloadBytes: cfg.Buffer.MaxPushPayloadBytes,
			MaxDeltasPerPush:    cfg.Buffer.MaxDeltasPerPush,
			MaxPullLimit:        cfg.Buffer.MaxPullLimit,
			DefaultPullLimit:    cfg.Buffer.DefaultPullLimit,
		},
	})

	// 8. Shard router, when a shard config is present
	local := &shard.LocalDispatcher{Registry: registry, Objects: objects}
	router, err := newShardRouter(cfg, local)
	if err != nil {
		return err
	}

	// 9. Auth and HTTP surface
	verifier, err := auth.NewVerifier(auth.ParseSecrets(cfg.Auth.Secret)...)
	if err != nil {
		return err
	}
	wsServer := ws.NewServer(cfg.Server.AllowedOrigins, m)
	handler := api.NewHandler(registry, local, router, wsServer, Version)
	mux := api.NewRouter(handler, api.RouterOptions{
		Verifier:           verifier,
		Metrics:            m,
		Usage:              usage,
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		AdminRatePerSecond: cfg.Server.AdminRatePerSecond,
	})
	slog.Info("router initialized", "sharded", router != nil)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	// 10. Background workers
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "metering", usage.Run)
	checkpoints := worker.NewCheckpointCoordinator(
		registry,
		lake.NewBuilder(objects, cfg.Checkpoint.ChunkSize),
		cfg.Checkpoint.Interval.Std(),
	)
	startWorker(ctx, &wg, "checkpoint-coordinator", checkpoints.Run)

	// 11. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called
		// gracefully. Any other error indicates an actual server failure
		// that should trigger shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 12. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 13. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		cfg.Server.ShutdownTimeout.Std())
	defer shutdownCancel()

	// 13a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 13b. Drain in-flight cross-shard broadcasts
	if router != nil {
		router.Close()
	}

	// 13c. Flush every buffered gateway and stop the alarms
	registry.Close()

	// 13d. Wait for workers to complete (metering drains on exit)
	wg.Wait()

	// 13e. Close durable store
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// newObjectStore selects the lake backend: S3-compatible when a bucket
// is configured, local filesystem otherwise.
func newObjectStore(cfg config.ObjectStoreConfig) (objstore.Adapter, error) {
	if cfg.Bucket != "" {
		adapter, err := objstore.NewS3(objstore.S3Options{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			UseSSL:    cfg.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("object store initialized", "backend", "s3", "bucket", cfg.Bucket)
		return adapter, nil
	}
	adapter, err := objstore.NewFS(cfg.LocalDir)
	if err != nil {
		return nil, err
	}
	slog.Info("object store initialized", "backend", "fs", "dir", cfg.LocalDir)
	return adapter, nil
}

// newShardRouter builds the fan-out router when a shard config is
// present. Gateways with a peer URL are dispatched over HTTP, the rest
// in-process.
func newShardRouter(cfg *config.Config, local *shard.LocalDispatcher) (*shard.Router, error) {
	doc, err := cfg.ShardDocument()
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	parsed, err := shard.ParseConfig(doc)
	if err != nil {
		return nil, err
	}

	var dispatcher shard.Dispatcher = local
	if len(cfg.Shard.Peers) > 0 {
		dispatcher = &shard.HybridDispatcher{
			Local: local,
			HTTP:  &shard.HTTPDispatcher{Peers: cfg.Shard.Peers},
		}
	}
	return shard.NewRouter(parsed, dispatcher), nil
}

func newLogHandler(cfg config.LogConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.NewJSONHandler(os.Stdout, opts)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
