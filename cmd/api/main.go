package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/celoptima/backend/internal/bootstrap"
	"github.com/celoptima/backend/internal/handlers"
	"github.com/celoptima/backend/internal/platform/config"
	pfirebase "github.com/celoptima/backend/internal/platform/firebase"
	"github.com/celoptima/backend/internal/platform/health"
	"github.com/celoptima/backend/internal/platform/idempotency"
	"github.com/celoptima/backend/internal/platform/observability"
	"github.com/celoptima/backend/internal/platform/secrets"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	resolver, err := newSecretResolver(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret resolver", zap.Error(err))
	}
	defer func() {
		if err := resolver.Close(); err != nil {
			logger.Warn("secret resolver close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(resolver))
	if err != nil {
		var validation *config.ValidationError
		if errors.As(err, &validation) {
			logger.Fatal("invalid configuration", zap.Strings("fields", validation.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	backend := pfirebase.FromConfig(cfg, pfirebase.WithLogger(logger.Named("analytics")))
	handles, err := pfirebase.Bootstrap(ctx, backend, cfg.Firebase,
		bootstrap.WithAnalyticsSupported(cfg.Analytics.Supported),
		bootstrap.WithLogger(logger.Named("firebase")),
	)
	if err != nil {
		var initErr *bootstrap.InitError
		if errors.As(err, &initErr) {
			logger.Fatal("firebase initialisation failed", zap.String("stage", string(initErr.Stage)), zap.Error(initErr.Err))
		}
		logger.Fatal("firebase initialisation failed", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := handles.Close(closeCtx); err != nil {
			logger.Warn("firebase handles close error", zap.Error(err))
		}
	}()

	build := health.BuildInfo{
		Version:     versionOrDefault(cfg.Build.Version),
		CommitSHA:   cfg.Build.CommitSHA,
		Environment: cfg.Build.Environment,
		StartedAt:   startedAt,
	}

	checker, err := health.NewChecker([]health.Dependency{
		health.FirestoreDependency(handles.Database()),
		health.AnalyticsDependency(handles, cfg.Analytics.Required),
	}, health.WithBuildInfo(build))
	if err != nil {
		logger.Fatal("failed to initialise health checks", zap.Error(err))
	}

	eventKeys, err := idempotency.NewFirestoreStore(handles.Database())
	if err != nil {
		logger.Fatal("failed to initialise event idempotency store", zap.Error(err))
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.RequestLoggerMiddleware(logger.Named("http")),
			observability.RecoveryMiddleware(logger.Named("http")),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthReporter(checker),
			handlers.WithHealthBuildInfo(build),
		)),
		handlers.WithStatusHandlers(handlers.NewStatusHandlers(handles, handles.App().ProjectID())),
		handlers.WithEventHandlers(handlers.NewEventHandlers(
			analyticsSource(handles),
			handlers.WithEventIdempotency(eventKeys, idempotency.DefaultTTL),
		)),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("celoptima backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func analyticsSource(handles *pfirebase.Handles) handlers.EventLoggerSource {
	return func() (handlers.EventLogger, bool) {
		client, ok := handles.Analytics()
		if !ok || client == nil {
			return nil, false
		}
		return client, true
	}
}

func newSecretResolver(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Resolver, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithEnvironment(lookup("APP_ENVIRONMENT")),
		secrets.WithProjectMap(config.ParseKeyValueList(lookup("APP_SECRET_PROJECT_IDS"))),
		secrets.WithDefaultProject(lookup(config.EnvFirebaseProjectID)),
	}
	if path := lookup("APP_SECRET_FALLBACK_FILE"); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	return secrets.NewResolver(ctx, opts...)
}

func versionOrDefault(version string) string {
	if strings.TrimSpace(version) == "" {
		return "dev"
	}
	return version
}
