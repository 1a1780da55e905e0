package ports

import (
	"time"

	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
)

type AuthMetric struct {
	BiometricType domain.BiometricType
	Result        domain.AuthResult
	Reason        domain.FailureReason
	Duration      time.Duration
	Suspicious    bool
}

type SyncMetric struct {
	Direction domain.SyncDirection
	Result    domain.SyncResult
	Duration  time.Duration
}

// MetricsSink receives telemetry emitted by the core. Implementations must not block.
type MetricsSink interface {
	RecordAuth(m AuthMetric)
	RecordSync(m SyncMetric)
}
