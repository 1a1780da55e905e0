package ports

import (
	"context"
	"time"

	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
)

// LeaseStore is a TTL lease keyed by identity. A holder that crashes loses
// the lease when the TTL lapses.
type LeaseStore interface {
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

// FailureWindowStore tracks recent authentication failures per user,
// remembering which device each failure came from.
type FailureWindowStore interface {
	RecordFailure(ctx context.Context, userID, deviceID string, at time.Time, window time.Duration) (domain.FailureWindow, error)
	Clear(ctx context.Context, userID string) error
}
