package ports

import (
	"context"

	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
)

type HealthStatus string

const (
	HealthReady    HealthStatus = "READY"
	HealthDegraded HealthStatus = "DEGRADED"
	HealthDown     HealthStatus = "DOWN"
)

type MatchResult struct {
	MatchScore    float64
	LivenessScore float64
}

// MatchingAlgorithm is the plug-in contract for one modality.
// Match must honor ctx; a returned error is treated as an algorithm fault.
type MatchingAlgorithm interface {
	Match(ctx context.Context, probe []byte, template domain.Template) (MatchResult, error)
	HealthCheck(ctx context.Context) HealthStatus
}
