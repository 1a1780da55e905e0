package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	cacheadapter "github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/adapters/cache"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/adapters/devices"
	eventadapter "github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/adapters/events"
	grpcadapter "github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/adapters/grpc"
	httpadapter "github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/adapters/http"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/adapters/matching"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/adapters/postgres"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/adapters/security"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/adapters/telemetry"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/application"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
)

type Runtime struct {
	cfg        Config
	logger     *slog.Logger
	service    *application.Service
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *eventadapter.AlgorithmHealthWorker
	workers    []worker
	cleanupFn  func(context.Context)
}

type worker interface {
	Run(ctx context.Context) error
}

func NewRuntime(ctx context.Context, configPath string) (*Runtime, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("bootstrapping m21 biometric identity service", "http_port", cfg.HTTPPort, "grpc_port", cfg.GRPCPort)

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.MaxDBConns)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}
	if err := postgres.RunMigrations(ctx, db); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	redisClient, err := cacheadapter.Connect(ctx, cfg.RedisURL)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	closeAll := func() {
		_ = redisClient.Close()
		_ = sqlDB.Close()
	}

	verifier, err := security.NewJWTVerifier(cfg.JWTKeyID, cfg.JWTIssuer, cfg.JWTPublicKeyPEM)
	if err != nil {
		if !cfg.AllowEphemeralJWT {
			closeAll()
			return nil, fmt.Errorf("init jwt verifier: %w", err)
		}
		logger.Warn("using ephemeral JWT keys for local/dev runtime")
		verifier, err = security.NewEphemeralJWTVerifier(cfg.JWTKeyID, cfg.JWTIssuer)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("init ephemeral jwt verifier: %w", err)
		}
	}

	cipher, err := security.NewFeatureCipher(cfg.FeatureKey)
	if err != nil {
		if !cfg.AllowEphemeralCrypt {
			closeAll()
			return nil, fmt.Errorf("init feature cipher: %w", err)
		}
		logger.Warn("using ephemeral feature key; stored templates will not survive a restart")
		cipher, err = security.NewEphemeralFeatureCipher()
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("init ephemeral feature cipher: %w", err)
		}
	}

	algorithms, err := buildAlgorithms(cfg.Algorithms)
	if err != nil {
		closeAll()
		return nil, err
	}

	transport := devices.TransportConfig{
		Timeout:         cfg.DeviceTimeout,
		RatePerSecond:   cfg.DeviceRatePerSecond,
		Burst:           cfg.DeviceBurst,
		UserAgent:       cfg.ServiceID,
		IdempotencySeed: cfg.DeviceIdempotency,
	}
	protocols := application.NewProtocolRegistry(
		devices.NewJSONProtocol(transport),
		devices.NewCBORProtocol(transport),
	)

	repos := postgres.NewRepositories(db)
	metrics := telemetry.NewCollector()

	svc := application.NewService(application.Dependencies{
		Config:     applicationConfig(cfg),
		Templates:  repos.Templates,
		Syncs:      repos.Syncs,
		Attempts:   repos.Attempts,
		Devices:    repos.Devices,
		Outbox:     repos.Outbox,
		Leases:     cacheadapter.NewRedisLeaseStore(redisClient),
		Failures:   cacheadapter.NewRedisFailureWindowStore(redisClient),
		Cipher:     cipher,
		Metrics:    metrics,
		Algorithms: algorithms,
		Protocols:  protocols,
		SyncHook:   application.OutboxSyncHook(repos.Outbox, logger),
		Logger:     logger,
	})

	handler := httpadapter.NewHandler(svc, httpadapter.HandlerOptions{
		Verifier: verifier,
		Metrics:  func() any { return metrics.Snapshot() },
		Ready: func(ctx context.Context) error {
			if err := sqlDB.PingContext(ctx); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			return nil
		},
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           httpadapter.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	grpcadapter.Register(grpcServer, grpcadapter.NewDeviceGatewayServer(svc))

	healthWorker := eventadapter.NewAlgorithmHealthWorker(svc, cfg.HealthCheckInterval, func(statuses map[string]ports.HealthStatus) {
		for biometricType, status := range statuses {
			serving := healthpb.HealthCheckResponse_SERVING
			if status == ports.HealthDown {
				serving = healthpb.HealthCheckResponse_NOT_SERVING
			}
			healthSrv.SetServingStatus("biometric."+biometricType, serving)
		}
		if !svc.Algorithms().Serving() {
			healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
			return
		}
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	})

	var publisher ports.EventPublisher = eventadapter.NewLoggingPublisher(logger)
	closePublisher := func() {}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher, err := eventadapter.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopics)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("init kafka publisher: %w", err)
		}
		publisher = kafkaPublisher
		closePublisher = func() { _ = kafkaPublisher.Close() }
	}

	workers := []worker{
		eventadapter.NewOutboxWorker(logger, repos.Outbox, publisher, eventadapter.OutboxConfig{
			Interval:   cfg.OutboxPollInterval,
			BatchSize:  cfg.OutboxBatchSize,
			ClaimTTL:   cfg.OutboxClaimTTL,
			MaxRetries: cfg.OutboxMaxRetries,
		}),
		eventadapter.NewSyncRetryWorker(logger, svc, cfg.SyncRetryInterval),
		eventadapter.NewReviewEscalationWorker(logger, svc, cfg.ReviewScanInterval),
		eventadapter.NewTemplateExpiryWorker(logger, svc, cfg.ExpiryScanInterval),
		healthWorker,
	}

	return &Runtime{
		cfg:        cfg,
		logger:     logger,
		service:    svc,
		httpServer: httpServer,
		grpcServer: grpcServer,
		health:     healthWorker,
		workers:    workers,
		cleanupFn: func(ctx context.Context) {
			svc.Wait()
			closePublisher()
			closeAll()
		},
	}, nil
}

// applicationConfig maps resolved runtime settings onto the service tunables.
func applicationConfig(cfg Config) application.Config {
	appCfg := application.DefaultConfig()
	appCfg.ServiceID = cfg.ServiceID
	appCfg.MinQualityScore = cfg.MinQualityScore
	appCfg.TemplateValidity = cfg.TemplateValidity
	appCfg.EngineMaxConcurrency = cfg.EngineMaxConcurrency
	appCfg.EngineQueueWait = cfg.EngineQueueWait
	appCfg.MatchTimeout = cfg.MatchTimeout
	appCfg.Suspicion.QuietHoursEnabled = cfg.QuietHoursEnabled
	appCfg.Suspicion.QuietStartHour = cfg.QuietStartHour
	appCfg.Suspicion.QuietEndHour = cfg.QuietEndHour
	appCfg.Suspicion.BorderlineMargin = cfg.BorderlineMargin
	appCfg.Suspicion.FailureThreshold = cfg.FailureThreshold
	appCfg.Suspicion.MinDistinctDevices = cfg.MinDistinctDevices
	appCfg.FailureWindow = cfg.FailureWindow
	appCfg.AttemptPersistRetries = cfg.AttemptPersistRetries
	appCfg.LeaseTTL = cfg.LeaseTTL
	appCfg.LeaseWait = cfg.LeaseWait
	appCfg.ReviewSLA = cfg.ReviewSLA
	appCfg.SyncAlertAfter = cfg.SyncAlertAfter
	appCfg.SyncPushMaxAttempts = cfg.SyncPushMaxAttempts
	appCfg.SyncTransmitTimeout = cfg.DeviceTimeout
	appCfg.SyncBackoffBase = cfg.SyncBackoffBase
	appCfg.SyncBackoffCeiling = cfg.SyncBackoffCeiling
	appCfg.SyncBatchSize = cfg.SyncBatchSize
	appCfg.SyncFanOut = cfg.SyncFanOut
	appCfg.SyncClaimTTL = cfg.SyncClaimTTL
	return appCfg
}

func buildAlgorithms(configs []AlgorithmConfig) (*application.AlgorithmRegistry, error) {
	registry := application.NewAlgorithmRegistry()
	for _, c := range configs {
		biometricType, err := domain.ParseBiometricType(c.BiometricType)
		if err != nil {
			return nil, fmt.Errorf("algorithm config: %w", err)
		}
		if err := registry.Register(application.AlgorithmBinding{
			BiometricType:         biometricType,
			Algorithm:             matching.NewRemoteMatcher(c.URL, biometricType, c.Timeout),
			Version:               c.Version,
			DefaultMatchThreshold: c.MatchThreshold,
			LivenessThreshold:     c.LivenessThreshold,
		}); err != nil {
			return nil, fmt.Errorf("register %s matcher: %w", biometricType, err)
		}
	}
	return registry, nil
}

// RunAPI serves HTTP and gRPC. The health worker runs alongside so readiness
// follows the matchers.
func (r *Runtime) RunAPI(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", r.cfg.GRPCPort))
	if err != nil {
		r.cleanupFn(ctx)
		return fmt.Errorf("listen gRPC: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		r.logger.Info("http server started", "addr", r.httpServer.Addr)
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		r.logger.Info("grpc server started", "addr", lis.Addr().String())
		if err := r.grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		_ = r.health.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		r.logger.Info("shutdown signal received")
	case err := <-errCh:
		r.logger.Error("server failure", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = r.httpServer.Shutdown(shutdownCtx)
	r.grpcServer.GracefulStop()
	r.cleanupFn(shutdownCtx)
	return nil
}

// RunWorker drives the outbox publisher and the maintenance sweeps until
// the context ends or one of them fails.
func (r *Runtime) RunWorker(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r.logger.Info("workers started", "count", len(r.workers))
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		w := w
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.cleanupFn(shutdownCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
