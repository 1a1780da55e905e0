package application

import (
	"context"
	"strings"

	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
)

// RefreshAlgorithmHealth probes every algorithm binding and logs degraded ones.
func (s *Service) RefreshAlgorithmHealth(ctx context.Context) map[domain.BiometricType]ports.HealthStatus {
	statuses := s.algorithms.RefreshHealth(ctx)
	for t, status := range statuses {
		if status == ports.HealthReady {
			continue
		}
		s.logger.WarnContext(ctx, "matching algorithm not ready",
			"module", "engine",
			"layer", "application",
			"operation", "health_check",
			"outcome", strings.ToLower(string(status)),
			"biometric_type", t,
		)
	}
	return statuses
}
