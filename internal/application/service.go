package application

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
	"golang.org/x/sync/semaphore"
)

// SyncHook runs after every recorded sync outcome. It must not block for long.
type SyncHook func(ctx context.Context, event SyncEvent)

type Service struct {
	cfg        Config
	templates  ports.TemplateRepository
	syncs      ports.SyncOutcomeRepository
	attempts   ports.AuthAttemptRepository
	devices    ports.DeviceRepository
	outbox     ports.OutboxRepository
	leases     ports.LeaseStore
	failures   ports.FailureWindowStore
	cipher     ports.FeatureCipher
	metrics    ports.MetricsSink
	algorithms *AlgorithmRegistry
	protocols  *ProtocolRegistry
	syncHook   SyncHook
	engine     *semaphore.Weighted
	background sync.WaitGroup
	logger     *slog.Logger
	nowFn      func() time.Time
}

type Dependencies struct {
	Config     Config
	Templates  ports.TemplateRepository
	Syncs      ports.SyncOutcomeRepository
	Attempts   ports.AuthAttemptRepository
	Devices    ports.DeviceRepository
	Outbox     ports.OutboxRepository
	Leases     ports.LeaseStore
	Failures   ports.FailureWindowStore
	Cipher     ports.FeatureCipher
	Metrics    ports.MetricsSink
	Algorithms *AlgorithmRegistry
	Protocols  *ProtocolRegistry
	SyncHook   SyncHook
	Logger     *slog.Logger
	Now        func() time.Time
}

func NewService(deps Dependencies) *Service {
	cfg := deps.Config
	if cfg.EngineMaxConcurrency <= 0 {
		cfg.EngineMaxConcurrency = 1
	}
	if cfg.SyncFanOut <= 0 {
		cfg.SyncFanOut = 1
	}
	if cfg.UsageRetries <= 0 {
		cfg.UsageRetries = 1
	}
	if cfg.AttemptPersistRetries <= 0 {
		cfg.AttemptPersistRetries = 1
	}
	if cfg.LeasePoll <= 0 {
		cfg.LeasePoll = 50 * time.Millisecond
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := deps.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	algorithms := deps.Algorithms
	if algorithms == nil {
		algorithms = NewAlgorithmRegistry()
	}
	protocols := deps.Protocols
	if protocols == nil {
		protocols = NewProtocolRegistry()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Service{
		cfg:        cfg,
		templates:  deps.Templates,
		syncs:      deps.Syncs,
		attempts:   deps.Attempts,
		devices:    deps.Devices,
		outbox:     deps.Outbox,
		leases:     deps.Leases,
		failures:   deps.Failures,
		cipher:     deps.Cipher,
		metrics:    metrics,
		algorithms: algorithms,
		protocols:  protocols,
		syncHook:   deps.SyncHook,
		engine:     semaphore.NewWeighted(int64(cfg.EngineMaxConcurrency)),
		logger:     logger,
		nowFn:      nowFn,
	}
}

// Wait blocks until background fan-outs and async authentications finish.
func (s *Service) Wait() {
	s.background.Wait()
}

// Algorithms exposes the registry so transports can report readiness.
func (s *Service) Algorithms() *AlgorithmRegistry {
	return s.algorithms
}

type noopMetrics struct{}

func (noopMetrics) RecordAuth(ports.AuthMetric) {}
func (noopMetrics) RecordSync(ports.SyncMetric) {}
