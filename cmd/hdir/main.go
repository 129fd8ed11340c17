package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/formbricks/hdir/internal/config"
	"github.com/formbricks/hdir/internal/inference"
	"github.com/formbricks/hdir/internal/repository"
	"github.com/formbricks/hdir/internal/vision"
	"github.com/formbricks/hdir/pkg/database"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)

		return 1
	}

	setupLogging(cfg.LogLevel)

	loaded, err := loadModels(cfg)
	if err != nil {
		slog.Error("Failed to load models", "error", err)

		return 1
	}

	var db *pgxpool.Pool

	if cfg.IndexEnabled() {
		db, err = openIndexDatabase(context.Background(), cfg)
		if err != nil {
			slog.Error("Failed to prepare image index database", "error", err)
			loaded.Close()

			return 1
		}

		defer db.Close()
	} else {
		slog.Info("image index disabled (DATABASE_URL not set)")
	}

	app, err := NewApp(cfg, db, loaded)
	if err != nil {
		slog.Error("Failed to create app", "error", err)
		loaded.Close()

		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exitCode := 0

	if err := app.Run(ctx); err != nil {
		slog.Error("Server stopped", "error", err)

		exitCode = 1
	}

	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown failed", "error", err)

		exitCode = 1
	}

	slog.Info("Server exited")

	return exitCode
}

// setupLogging configures slog with the specified log level
func setupLogging(level string) {
	var logLevel slog.Level

	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	slog.SetDefault(slog.New(handler))
}

// loadedModels owns the ONNX runtime and every model opened from it.
type loadedModels struct {
	runtime    *inference.Runtime
	classifier *vision.Classifier
	embedder   *vision.CLIPModel
}

// count is the number of models the process should be serving.
func (m *loadedModels) count() int {
	n := 0
	if m.classifier != nil {
		n++
	}

	if m.embedder != nil {
		n++
	}

	return n
}

// Close releases the models before the runtime that created them.
func (m *loadedModels) Close() {
	if m == nil {
		return
	}

	if m.classifier != nil {
		if err := m.classifier.Close(); err != nil {
			slog.Error("close classifier", "error", err)
		}
	}

	if m.embedder != nil {
		if err := m.embedder.Close(); err != nil {
			slog.Error("close embedding model", "error", err)
		}
	}

	if m.runtime != nil {
		if err := m.runtime.Close(); err != nil {
			slog.Error("close onnx runtime", "error", err)
		}
	}
}

func loadModels(cfg *config.Config) (*loadedModels, error) {
	loaded := &loadedModels{}

	if !cfg.ClassifierEnabled() && !cfg.EmbeddingEnabled() {
		slog.Warn("no models configured (CLASSIFIER_MODEL_DIR and EMBEDDING_MODEL unset); only health routes will work")

		return loaded, nil
	}

	runtime, err := inference.Init(inference.RuntimeConfig{
		LibraryPath:    cfg.OnnxRuntimeLibPath,
		Device:         cfg.InferenceDevice,
		DeviceID:       cfg.InferenceDeviceID,
		IntraOpThreads: cfg.InferenceThreads,
		MaxConcurrent:  cfg.InferenceMaxConcurrent,
	})
	if err != nil {
		return nil, fmt.Errorf("init onnx runtime: %w", err)
	}

	loaded.runtime = runtime

	if cfg.ClassifierEnabled() {
		classifier, err := vision.LoadClassifier(runtime, cfg.ClassifierModelDir)
		if err != nil {
			loaded.Close()

			return nil, fmt.Errorf("load classifier: %w", err)
		}

		loaded.classifier = classifier
		slog.Info("classifier loaded", "model", classifier.Name(), "labels", classifier.Labels())
	}

	if cfg.EmbeddingEnabled() {
		embedder, err := vision.LoadCLIP(runtime, vision.Variant(cfg.EmbeddingModel), cfg.EmbeddingModelDir, cfg.EmbeddingModelName)
		if err != nil {
			loaded.Close()

			return nil, fmt.Errorf("load embedding model: %w", err)
		}

		loaded.embedder = embedder
		slog.Info("embedding model loaded",
			"model", embedder.Name(),
			"variant", embedder.Variant(),
			"dim", embedder.Dim(),
			"device", cfg.InferenceDevice,
		)
	}

	return loaded, nil
}

var errIndexNeedsEmbedding = errors.New("DATABASE_URL is set but no EMBEDDING_MODEL is configured")

// openIndexDatabase installs the vector extension, opens the pool with pgvector types registered
// and applies the index and (optionally) River migrations.
func openIndexDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if !cfg.EmbeddingEnabled() {
		return nil, errIndexNeedsEmbedding
	}

	if err := database.Bootstrap(ctx, cfg.DatabaseURL, repository.ExtensionStatement); err != nil {
		return nil, err
	}

	db, err := database.NewPostgresPool(ctx, cfg.DatabaseURL,
		database.WithVectorTypes(),
		database.WithMaxConns(int32(min(cfg.DatabaseMaxConns, math.MaxInt32))), //nolint:gosec // clamped to MaxInt32
	)
	if err != nil {
		return nil, err
	}

	if err := repository.Migrate(ctx, db); err != nil {
		db.Close()

		return nil, err
	}

	if cfg.RiverMigrate {
		migrator, err := rivermigrate.New(riverpgxv5.New(db), nil)
		if err != nil {
			db.Close()

			return nil, fmt.Errorf("create river migrator: %w", err)
		}

		res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
		if err != nil {
			db.Close()

			return nil, fmt.Errorf("river migrate: %w", err)
		}

		slog.Info("river migrations applied", "versions", len(res.Versions))
	}

	return db, nil
}
