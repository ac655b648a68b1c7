package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/sitewise/api/internal/di"
	"github.com/sitewise/api/internal/handlers"
	"github.com/sitewise/api/internal/platform/auth"
	"github.com/sitewise/api/internal/platform/config"
	pfirestore "github.com/sitewise/api/internal/platform/firestore"
	"github.com/sitewise/api/internal/platform/observability"
	"github.com/sitewise/api/internal/platform/secrets"
	firestoreRepo "github.com/sitewise/api/internal/repositories/firestore"
)

const auditPurgeInterval = time.Hour

func main() {
	ctx := context.Background()

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

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}

	registry, err := firestoreRepo.NewRegistry(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	var containerOpts []di.Option
	if cfg.Firebase.CredentialsFile != "" {
		containerOpts = append(containerOpts, di.WithClientOptions(option.WithCredentialsFile(cfg.Firebase.CredentialsFile)))
	}
	container, err := di.NewContainer(ctx, cfg, registry, containerOpts...)
	if err != nil {
		logger.Fatal("failed to assemble container", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	housekeepingCtx, housekeepingCancel := context.WithCancel(context.Background())
	var housekeepingWG sync.WaitGroup

	if cfg.Cache.SweepInterval > 0 {
		container.Cache.StartSweeper(housekeepingCtx, cfg.Cache.SweepInterval)
	}

	housekeepingWG.Add(1)
	go func() {
		defer housekeepingWG.Done()
		purgeLogger := logger.Named("audit")
		ticker := time.NewTicker(auditPurgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				runCtx, cancel := context.WithTimeout(housekeepingCtx, time.Minute)
				removed, err := container.Services.Audit.PurgeExpired(runCtx)
				cancel()
				if err != nil {
					purgeLogger.Error("audit purge error", zap.Error(err))
					continue
				}
				if removed > 0 {
					purgeLogger.Info("audit purge removed expired entries", zap.Int("count", removed))
				}
			case <-housekeepingCtx.Done():
				return
			}
		}
	}()

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	sitemapHandlers := handlers.NewSitemapHandlers(container.Services.Sitemaps)
	seoPageHandlers := handlers.NewSEOPageHandlers(container.Services.Pages, container.Services.Bulk)
	auditHandlers := handlers.NewAuditHandlers(container.Services.Audit)
	publicHandlers := handlers.NewPublicSEOHandlers(container.Services.Pages, container.Catalog)
	internalHandlers := handlers.NewInternalHandlers(container.Services.Sitemaps, container.Services.Audit)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithReadinessCheck("firestore", func(ctx context.Context) error {
			iter := firestoreClient.Collections(ctx)
			_, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			return err
		}),
	)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithSitemapRoutes(sitemapHandlers.Routes),
		handlers.WithAdminSEORoutes(func(r chi.Router) {
			seoPageHandlers.Routes(r)
			auditHandlers.Routes(r)
		}),
		handlers.WithAdminMiddlewares(authenticator.RequireRoles("admin", "editor")),
		handlers.WithPublicRoutes(publicHandlers.Routes),
		handlers.WithPublicMiddlewares(handlers.CORSMiddleware),
	}

	if cfg.Security.ServiceTokenSecret != "" {
		serviceTokens := auth.NewServiceTokenVerifier(cfg.Security.ServiceTokenSecret, cfg.Security.ServiceTokenAudience)
		opts = append(opts,
			handlers.WithInternalRoutes(internalHandlers.Routes),
			handlers.WithInternalMiddlewares(serviceTokens.RequireServiceToken()),
		)
	} else {
		logger.Warn("service token secret not configured; internal routes disabled")
	}

	router := handlers.NewRouter(opts...)
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
		serverLogger.Info("sitewise api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	housekeepingCancel()
	housekeepingWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithMeter(otel.GetMeterProvider().Meter("github.com/sitewise/api/cmd/api")),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if fallbackPath != "" {
		opts = append(opts, secrets.WithFallbackFile(fallbackPath))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}
