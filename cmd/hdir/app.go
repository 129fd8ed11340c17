package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/formbricks/hdir/internal/api/handlers"
	"github.com/formbricks/hdir/internal/api/middleware"
	"github.com/formbricks/hdir/internal/config"
	"github.com/formbricks/hdir/internal/observability"
	"github.com/formbricks/hdir/internal/repository"
	"github.com/formbricks/hdir/internal/service"
	"github.com/formbricks/hdir/internal/workers"
)

// App holds all server dependencies and coordinates startup and shutdown.
type App struct {
	cfg            *config.Config
	db             *pgxpool.Pool
	server         *http.Server
	river          *river.Client[pgx.Tx]
	models         *loadedModels
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	metrics        *observability.Metrics
}

const (
	riverQueueDepthInterval = 15 * time.Second
	indexEnqueueRetries     = 3
)

// setupMetrics creates the meter provider and hdir metrics. The returned handler is non-nil only
// for the prometheus exporter.
func setupMetrics(cfg *config.Config) (*sdkmetric.MeterProvider, http.Handler, *observability.Metrics, error) {
	mp, handler, err := observability.NewMeterProvider(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create meter provider: %w", err)
	}

	if mp == nil {
		return nil, nil, nil, nil
	}

	metrics, err := observability.NewMetrics(mp.Meter(observability.MeterName()))
	if err != nil {
		if err2 := observability.ShutdownMeterProvider(context.Background(), mp); err2 != nil {
			slog.Error("shutdown meter provider after metrics error", "error", err2)
		}

		return nil, nil, nil, fmt.Errorf("create metrics: %w", err)
	}

	return mp, handler, metrics, nil
}

// NewApp builds and wires all components. db is nil when the image index is disabled.
// It does not start the HTTP server or River; call Run to start and block until shutdown or failure.
// On success the App owns models and closes them in Shutdown.
func NewApp(cfg *config.Config, db *pgxpool.Pool, models *loadedModels) (*App, error) {
	var (
		err            error
		meterProvider  *sdkmetric.MeterProvider
		metricsHandler http.Handler
		metrics        *observability.Metrics
	)

	if cfg.OtelMetricsExporter == "" {
		slog.Warn("metrics not enabled (OTEL_METRICS_EXPORTER empty or unset)")
	} else {
		meterProvider, metricsHandler, metrics, err = setupMetrics(cfg)
		if err != nil {
			return nil, err
		}
	}

	var tracerProvider *sdktrace.TracerProvider

	if cfg.OtelTracesExporter == "" {
		slog.Warn("tracing not enabled (OTEL_TRACES_EXPORTER empty or unset)")
	} else {
		tracerProvider, err = observability.NewTracerProvider(cfg)
		if err != nil {
			if meterProvider != nil {
				if err2 := observability.ShutdownMeterProvider(context.Background(), meterProvider); err2 != nil {
					slog.Error("shutdown meter provider after tracer provider error", "error", err2)
				}
			}

			return nil, fmt.Errorf("create tracer provider: %w", err)
		}
	}

	// Installed unconditionally so request_id (and trace_id/span_id when tracing is on) appear in logs.
	defaultHandler := slog.Default().Handler()
	slog.SetDefault(slog.New(observability.NewTraceContextHandler(defaultHandler)))

	if tracerProvider != nil {
		otel.SetTracerProvider(tracerProvider)
	}

	if meterProvider != nil {
		otel.SetMeterProvider(meterProvider)
	}

	fail := func(err error) (*App, error) {
		if err2 := shutdownObservability(context.Background(), tracerProvider, meterProvider); err2 != nil {
			slog.Error("shutdown observability after setup error", "error", err2)
		}

		return nil, err
	}

	fetcher := service.NewImageFetcher(service.ImageFetcherConfig{
		Timeout:    cfg.ImageFetchTimeout,
		MaxRetries: cfg.ImageFetchMaxRetries,
		MaxBytes:   cfg.MaxRequestBodyBytes,
	})
	loader := service.NewImageLoader(service.ImageRoots{
		Default: cfg.ImageRoot,
		Aliases: cfg.ImageRootAliases,
	}, fetcher, cfg.MaxRequestBodyBytes)

	var repo *repository.ImageEmbeddingsRepository
	if db != nil {
		repo = repository.NewImageEmbeddingsRepository(db)
	}

	encoderParams := service.EncoderServiceParams{
		Loader:         loader,
		ImageCacheSize: cfg.ImageCacheSize,
		TextCacheSize:  cfg.TextCacheSize,
		DefaultTopK:    cfg.ClassifierTopK,
		Metrics:        metrics,
		Logger:         slog.Default(),
	}
	// Interface fields stay nil (not typed-nil) for disabled models.
	if models.embedder != nil {
		encoderParams.Embedder = models.embedder
	}

	if models.classifier != nil {
		encoderParams.Classifier = models.classifier
	}

	if repo != nil {
		encoderParams.Store = repo
	}

	encoder, err := service.NewEncoderService(encoderParams)
	if err != nil {
		return fail(fmt.Errorf("create encoder service: %w", err))
	}

	var (
		riverClient  *river.Client[pgx.Tx]
		indexHandler *handlers.IndexHandler
		healthDB     handlers.Pinger
	)

	if repo != nil {
		var indexMetrics observability.IndexMetrics
		if metrics != nil {
			indexMetrics = metrics.Index
		}

		indexService := service.NewIndexService(service.IndexServiceParams{
			Encoder:        encoder,
			Repo:           repo,
			MaxAttempts:    cfg.IndexMaxAttempts,
			ScoreThreshold: cfg.SearchScoreThreshold,
			Metrics:        indexMetrics,
			Logger:         slog.Default(),
		})

		riverWorkers := river.NewWorkers()
		river.AddWorker(riverWorkers, workers.NewImageIndexWorker(indexService, cfg.IndexRateLimit, indexMetrics))

		riverClient, err = river.NewClient(riverpgxv5.New(db), &river.Config{
			Queues: map[string]river.QueueConfig{
				service.ImageIndexQueueName: {MaxWorkers: cfg.IndexWorkers},
			},
			Workers: riverWorkers,
		})
		if err != nil {
			return fail(fmt.Errorf("create River client: %w", err))
		}

		// The worker holds the same service instance, so async submissions and job execution agree on the model.
		indexService.SetInserter(service.NewRetryingImageIndexInserter(riverClient, service.RetryingImageIndexInserterConfig{
			MaxRetries:     indexEnqueueRetries,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Metrics:        indexMetrics,
		}))

		indexHandler = handlers.NewIndexHandler(indexService)
		healthDB = db

		slog.Info("image index enabled",
			"model", indexService.Model(),
			"workers", cfg.IndexWorkers,
			"max_attempts", cfg.IndexMaxAttempts,
			"rate_limit", cfg.IndexRateLimit,
		)
	}

	var apiMetrics observability.APIMetrics
	if metrics != nil {
		apiMetrics = metrics.API
	}

	server := newHTTPServer(
		cfg,
		handlers.NewHealthHandler(encoder, models.count(), healthDB),
		handlers.NewInferenceHandler(encoder),
		indexHandler,
		metricsHandler,
		apiMetrics,
		meterProvider, tracerProvider,
	)

	return &App{
		cfg:            cfg,
		db:             db,
		server:         server,
		river:          riverClient,
		models:         models,
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		metrics:        metrics,
	}, nil
}

// newHTTPServer builds the HTTP server. /health, /ready and /metrics are public; everything else
// requires the API key when one is configured.
// Handler chain: RequestID -> otelhttp(Logging(MaxBody(mux))) so access logs get trace_id/span_id from context.
func newHTTPServer(
	cfg *config.Config,
	health *handlers.HealthHandler,
	inference *handlers.InferenceHandler,
	index *handlers.IndexHandler,
	metricsHandler http.Handler,
	apiMetrics observability.APIMetrics,
	meterProvider *sdkmetric.MeterProvider,
	tracerProvider *sdktrace.TracerProvider,
) *http.Server {
	protected := http.NewServeMux()
	protected.HandleFunc("POST /classify", inference.Classify)
	protected.HandleFunc("GET /encode", inference.Encode)
	protected.HandleFunc("POST /encode", inference.Encode)
	protected.HandleFunc("POST /encode-text", inference.EncodeText)
	protected.HandleFunc("POST /match", inference.Match)
	protected.HandleFunc("POST /similarity", inference.Similarity)

	// Index is nil when DATABASE_URL is unset; /v1/images routes are not registered then.
	if index != nil {
		protected.HandleFunc("POST /v1/images", index.Create)
		protected.HandleFunc("DELETE /v1/images", index.DropAll)
		protected.HandleFunc("POST /v1/images/search", index.Search)
		protected.HandleFunc("GET /v1/images/stats", index.Stats)
		protected.HandleFunc("GET /v1/images/{id}", index.Get)
		protected.HandleFunc("DELETE /v1/images/{id}", index.Delete)
	}

	// Auth wraps the mux as a whole, so unknown paths also get 401 before 404.
	var unauthorized middleware.UnauthorizedRecorder
	if apiMetrics != nil {
		unauthorized = apiMetrics
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", health.Check)
	mux.HandleFunc("GET /ready", health.Ready)

	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	mux.Handle("/", middleware.Auth(cfg.APIKey, unauthorized)(protected))

	otelOpts := []otelhttp.Option{
		// Skip tracing and HTTP metrics for probes and scrapes to reduce noise.
		otelhttp.WithFilter(func(r *http.Request) bool {
			switch r.URL.Path {
			case "/health", "/ready", "/metrics":
				return false
			default:
				return true
			}
		}),
	}
	if meterProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithMeterProvider(meterProvider))
	}

	if tracerProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(tracerProvider))
	}

	var tooLarge middleware.RequestBodyTooLargeRecorder
	if apiMetrics != nil {
		tooLarge = apiMetrics
	}

	// Logging runs inside otelhttp so r.Context() has the span when we log (trace_id/span_id in access logs).
	inner := middleware.Logging(middleware.MaxBody(cfg.MaxRequestBodyBytes, tooLarge)(mux))
	handler := otelhttp.NewHandler(inner, "hdir-api", otelOpts...)
	handler = middleware.RequestID(handler)

	const (
		readTimeout  = 30 * time.Second
		writeTimeout = 60 * time.Second
		idleTimeout  = 120 * time.Second
	)

	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
}

// Run starts the HTTP server and River (when the index is enabled), then blocks until ctx is
// cancelled or a component fails. Caller should then call Shutdown.
func (a *App) Run(ctx context.Context) error {
	runErr := make(chan error, 1)

	riverCtx, cancelRiver := context.WithCancel(ctx)
	defer cancelRiver()

	if a.river != nil {
		if a.metrics != nil && a.metrics.Index != nil {
			go runRiverQueueDepthPoller(riverCtx, a.db, a.metrics.Index)
		}

		go func() {
			if err := a.river.Start(riverCtx); err != nil && !errors.Is(err, context.Canceled) {
				select {
				case runErr <- fmt.Errorf("river: %w", err):
				default:
				}
			}
		}()
	}

	go func() {
		slog.Info("Starting server", "port", a.cfg.Port)

		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case runErr <- fmt.Errorf("server: %w", err):
			default:
			}
		}
	}()

	select {
	case err := <-runErr:
		cancelRiver()

		return err
	case <-ctx.Done():
		cancelRiver()

		return nil
	}
}

// runRiverQueueDepthPoller periodically updates the image index queue depth gauge.
func runRiverQueueDepthPoller(ctx context.Context, db *pgxpool.Pool, indexMetrics observability.IndexMetrics) {
	ticker := time.NewTicker(riverQueueDepthInterval)
	defer ticker.Stop()

	update := func() {
		var count int64

		err := db.QueryRow(ctx,
			`SELECT COUNT(*) FROM river_job WHERE queue = $1 AND state IN ($2, $3, $4)`,
			service.ImageIndexQueueName,
			rivertype.JobStateAvailable, rivertype.JobStateRetryable, rivertype.JobStateScheduled,
		).Scan(&count)
		if err != nil {
			if ctx.Err() == nil {
				slog.WarnContext(ctx, "river queue depth poll failed", "error", err)
			}

			return
		}

		indexMetrics.SetQueueDepth(count)
	}

	update()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}

// shutdownObservability shuts down tracer and meter providers. Logs secondary errors, returns the first.
func shutdownObservability(ctx context.Context, tracer *sdktrace.TracerProvider, meter *sdkmetric.MeterProvider) error {
	var first error

	if tracer != nil {
		if err := observability.ShutdownTracerProvider(ctx, tracer); err != nil {
			first = err
		}
	}

	if meter != nil {
		if err := observability.ShutdownMeterProvider(ctx, meter); err != nil {
			if first == nil {
				first = err
			} else {
				slog.Error("shutdown meter provider", "error", err)
			}
		}
	}

	return first
}

// Shutdown stops the server, then River, then releases models and observability. Call after Run returns.
// Observability errors are returned only when server and River shut down successfully.
func (a *App) Shutdown(ctx context.Context) (err error) {
	defer func() {
		a.models.Close()

		obsErr := shutdownObservability(ctx, a.tracerProvider, a.meterProvider)
		if err == nil {
			err = obsErr
		} else if obsErr != nil {
			slog.Error("shutdown observability", "error", obsErr)
		}
	}()

	if err = a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if a.river != nil {
			if stopErr := a.river.Stop(ctx); stopErr != nil {
				slog.Error("river stop during server shutdown", "error", stopErr)
			}
		}

		return fmt.Errorf("server shutdown: %w", err)
	}

	if a.river != nil {
		if err = a.river.Stop(ctx); err != nil {
			return fmt.Errorf("river stop: %w", err)
		}
	}

	return nil
}
