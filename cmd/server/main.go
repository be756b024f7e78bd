package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/maneesh/gridbox/internal/config"
	"github.com/maneesh/gridbox/internal/handlers"
	"github.com/maneesh/gridbox/internal/logging"
	"github.com/maneesh/gridbox/internal/objstore"
	"github.com/maneesh/gridbox/internal/storage"
	"github.com/maneesh/gridbox/internal/tracing"
	"golang.org/x/sync/errgroup"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func Run(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := logging.Setup(os.Stdout, cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}

	slog.Info("Starting gridbox", "service", cfg.ServiceName, "port", cfg.ServicePort, "version", version)

	shutdownTracer, err := tracing.InitTracer(ctx, cfg.ServiceName, version, cfg.JaegerEndpoint)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			slog.Warn("Error shutting down tracer", "error", err)
		}
	}()

	store := objstore.New(objstore.Options{
		ChunkSize: cfg.GetChunkSizeBytes(),
		ReadAhead: cfg.ReadAheadChunks,
		StaleAge:  cfg.StaleUploadAge,
	})

	server, err := handlers.NewServer(store, handlers.Options{
		MaxUploadFiles: cfg.MaxUploadFiles,
		MaxUploadBytes: cfg.GetMaxUploadBytes(),
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	// Uploads are long lived streams, so only the header read is bounded.
	httpServer := &http.Server{
		Addr:              ":" + cfg.ServicePort,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				slog.Warn("Error closing backend", "error", err)
			}
		}
	}()

	eg, ctx := errgroup.WithContext(ctx)

	// The listener comes up first; the store opens in the background and
	// requests get 503 until it is ready.
	eg.Go(func() error {
		backends, opened, err := openBackends(ctx, cfg)
		closers = opened
		if err != nil {
			return err
		}
		if err := store.Open(ctx, backends); err != nil {
			return fmt.Errorf("failed to open object store: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		slog.Info("Server listening", "port", cfg.ServicePort)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		<-ctx.Done()
		slog.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = eg.Wait()
	slog.Info("Server exited")
	return err
}

// openBackends connects the configured metadata, chunk and cache backends.
// It returns whatever it opened so far, even on error, so the caller can
// close it.
func openBackends(ctx context.Context, cfg *config.Config) (objstore.Backends, []io.Closer, error) {
	var (
		b       objstore.Backends
		closers []io.Closer
	)

	switch cfg.MetadataDriver {
	case config.MetadataMySQL:
		slog.Info("Connecting to TiDB...", "host", cfg.TiDBHost, "port", cfg.TiDBPort)
		db, err := storage.NewTiDBClient(cfg.GetDSN())
		if err != nil {
			return b, closers, fmt.Errorf("failed to initialize TiDB client: %w", err)
		}
		closers = append(closers, db)
		b.Metadata = db
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return b, closers, fmt.Errorf("failed to create metadata directory: %w", err)
		}
		slog.Info("Opening SQLite metadata", "path", cfg.SQLitePath)
		db, err := storage.NewSQLiteClient(cfg.SQLitePath)
		if err != nil {
			return b, closers, fmt.Errorf("failed to initialize SQLite client: %w", err)
		}
		closers = append(closers, db)
		b.Metadata = db
	}

	switch cfg.BlobBackend {
	case config.BlobMinIO:
		slog.Info("Connecting to MinIO...", "endpoint", cfg.MinIOEndpoint, "bucket", cfg.MinIOBucketName)
		mc, err := storage.NewMinioClient(ctx, cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOBucketName, cfg.MinIOUseSSL)
		if err != nil {
			return b, closers, fmt.Errorf("failed to initialize MinIO client: %w", err)
		}
		b.Chunks = mc
	case config.BlobMemory:
		slog.Warn("Chunk payloads are kept in memory and lost on restart")
		b.Chunks = storage.NewMemoryStore()
	default:
		ls, err := storage.NewLocalStore(cfg.DataDir)
		if err != nil {
			return b, closers, fmt.Errorf("failed to initialize local chunk store: %w", err)
		}
		slog.Info("Storing chunks on local disk", "dir", cfg.DataDir)
		b.Chunks = ls
	}

	switch cfg.CacheBackend {
	case config.CacheRedis:
		slog.Info("Connecting to Redis...", "addr", cfg.GetRedisAddr())
		rc, err := storage.NewRedisClient(ctx, cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB, cfg.CacheTTL)
		if err != nil {
			return b, closers, fmt.Errorf("failed to initialize Redis client: %w", err)
		}
		closers = append(closers, rc)
		b.Cache = rc
	case config.CacheMemory:
		b.Cache = storage.NewLRUCache(cfg.CacheSize, cfg.CacheTTL)
	}

	return b, closers, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := Run(ctx)
	stop()

	if err != nil {
		slog.Error("gridbox exited with error", "error", err)
		os.Exit(1)
	}
}
