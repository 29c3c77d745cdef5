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

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/hanko-field/settlement/internal/di"
	"github.com/hanko-field/settlement/internal/handlers"
	"github.com/hanko-field/settlement/internal/payments"
	"github.com/hanko-field/settlement/internal/platform/auth"
	"github.com/hanko-field/settlement/internal/platform/config"
	pfirestore "github.com/hanko-field/settlement/internal/platform/firestore"
	"github.com/hanko-field/settlement/internal/platform/health"
	"github.com/hanko-field/settlement/internal/platform/idempotency"
	"github.com/hanko-field/settlement/internal/platform/jobs"
	"github.com/hanko-field/settlement/internal/platform/metrics"
	"github.com/hanko-field/settlement/internal/platform/observability"
	"github.com/hanko-field/settlement/internal/platform/secrets"
	platformstorage "github.com/hanko-field/settlement/internal/platform/storage"
	firestoreRepo "github.com/hanko-field/settlement/internal/repositories/firestore"
)

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

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets("Gateway.StripeAPIKey", "Gateway.StripeWebhookSecret"),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore, clientOptions(cfg)...)
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	registry, err := firestoreRepo.NewRegistry(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	metricsRegistry := metrics.NewRegistry()
	infra := di.Infrastructure{
		Repositories: registry,
		Metrics:      metricsRegistry,
		Logger:       logger,
		Clock:        time.Now,
	}
	checks := []health.Check{{Name: "firestore", Probe: firestoreProvider.Ping}}

	pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()
	topic := pubsubClient.Topic(cfg.PubSub.SettlementTopic)
	defer topic.Stop()
	publisher, err := jobs.NewPubSubSettlementPublisher(topic)
	if err != nil {
		logger.Fatal("failed to initialise settlement publisher", zap.Error(err))
	}
	infra.Publisher = publisher
	checks = append(checks, health.Check{
		Name:     "pubsub",
		Optional: true,
		Probe: func(ctx context.Context) error {
			ok, err := topic.Exists(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("topic %s does not exist", cfg.PubSub.SettlementTopic)
			}
			return nil
		},
	})

	storageClient, err := cloudstorage.NewClient(ctx)
	if err != nil {
		logger.Fatal("failed to initialise storage client", zap.Error(err))
	}
	defer func() {
		if err := storageClient.Close(); err != nil {
			logger.Warn("storage close error", zap.Error(err))
		}
	}()
	if bucket := strings.TrimSpace(cfg.Storage.WebhookArchiveBucket); bucket != "" {
		archive, err := platformstorage.NewWebhookArchive(bucket, platformstorage.GCSWriterFactory(storageClient))
		if err != nil {
			logger.Fatal("failed to initialise webhook archive", zap.Error(err))
		}
		infra.Archive = archive
		checks = append(checks, health.Check{
			Name:     "webhook_archive",
			Optional: true,
			Probe: func(ctx context.Context) error {
				_, err := storageClient.Bucket(bucket).Attrs(ctx)
				return err
			},
		})
	} else {
		logger.Warn("webhook archive bucket not configured; raw callbacks will not be archived")
	}

	gateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
		APIKey:   cfg.Gateway.StripeAPIKey,
		QRMethod: cfg.Gateway.QRMethod,
		Logger:   observability.EventLogger(logger, "gateway"),
		Clock:    time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise payment gateway", zap.Error(err))
	}
	infra.Gateway = gateway

	container, err := di.NewContainer(cfg, infra)
	if err != nil {
		logger.Fatal("failed to assemble services", zap.Error(err))
	}
	svc := container.Services

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	replayStore, err := idempotency.NewFirestoreStore(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise submission replay store", zap.Error(err))
	}
	replay := idempotency.Middleware(
		replayStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLease(cfg.Idempotency.Lease),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)
	stopCleanup := startReplayCleanup(logger.Named("idempotency"), replayStore, cfg.Idempotency)

	checker, err := health.NewChecker(checks)
	if err != nil {
		logger.Fatal("failed to initialise readiness checks", zap.Error(err))
	}
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfoFromEnv(envValues, cfg, startedAt)),
		handlers.WithHealthChecker(checker),
	)

	checkoutHandlers := handlers.NewCheckoutHandlers(authenticator, svc.Checkout, svc.Freight,
		handlers.WithCheckoutRateLimit(cfg.RateLimits.CheckoutPerMinute, cfg.RateLimits.Burst),
		handlers.WithSubmissionReplay(replay),
	)
	orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Orders,
		handlers.WithPaymentService(svc.Payments),
		handlers.WithReconciliationService(svc.Reconciliation),
		handlers.WithPaymentRateLimit(cfg.RateLimits.PaymentPerMinute, cfg.RateLimits.Burst),
	)
	webhookHandlers := handlers.NewWebhookHandlers(svc.Webhooks,
		handlers.WithWebhookSignatureHeader(cfg.Webhooks.SignatureHeader),
		handlers.WithWebhookBodyLimit(cfg.Webhooks.MaxBodyBytes),
	)
	internalHandlers := handlers.NewInternalHandlers(svc.Reconciliation)

	authAdapter := observability.NewPrintfAdapter(logger.Named("auth"))
	webhookVerifier := auth.NewWebhookVerifier(
		auth.StaticSecret(cfg.Gateway.StripeWebhookSecret),
		"Gateway.StripeWebhookSecret",
		auth.WithWebhookHeader(cfg.Webhooks.SignatureHeader),
		auth.WithWebhookTolerance(cfg.Webhooks.Tolerance),
		auth.WithWebhookMaxBody(cfg.Webhooks.MaxBodyBytes),
		auth.WithWebhookLogger(authAdapter),
		auth.WithWebhookMetrics(metricsRegistry),
	)

	projectID := traceProjectID(cfg)
	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithMetricsHandler(metricsRegistry.Handler()),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithWebhookMiddlewares(
			observability.WebhookContextMiddleware(cfg.Webhooks.SignatureHeader),
			webhookVerifier.RequireSignature(),
		),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	if oidc := buildOIDCMiddleware(logger.Named("auth"), metricsRegistry, cfg); oidc != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidc))
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handlers.NewRouter(opts...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("settlement api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	stopCleanup()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if err := container.Close(shutdownCtx); err != nil {
		logger.Warn("container close error", zap.Error(err))
	}
}

// startReplayCleanup purges expired submission records on an interval. The returned func stops
// the loop and waits for an in-flight purge to finish.
func startReplayCleanup(logger *zap.Logger, store idempotency.Store, cfg config.IdempotencyConfig) func() {
	if cfg.CleanupInterval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	ticker := time.NewTicker(cfg.CleanupInterval)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ticker.C:
				runCtx, runCancel := context.WithTimeout(ctx, time.Minute)
				removed, err := store.Purge(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
				runCancel()
				if err != nil {
					logger.Error("submission replay cleanup error", zap.Error(err))
					continue
				}
				if removed > 0 {
					logger.Info("submission replay cleanup removed records", zap.Int("count", removed))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		cancel()
		wg.Wait()
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func buildOIDCMiddleware(logger *zap.Logger, recorder auth.VerificationRecorder, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}

	adapter := observability.NewPrintfAdapter(logger)
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL)
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(adapter), auth.WithOIDCMetrics(recorder))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func clientOptions(cfg config.Config) []pfirestore.ProviderOption {
	if file := strings.TrimSpace(cfg.Firebase.CredentialsFile); file != "" {
		return []pfirestore.ProviderOption{pfirestore.WithClientOptions(option.WithCredentialsFile(file))}
	}
	return nil
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if file := lookup("API_FIREBASE_CREDENTIALS_FILE"); file != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(file)))
	}
	return secrets.NewFetcher(ctx, opts...)
}
