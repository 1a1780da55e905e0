package ports

import (
	"context"

	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
)

// SyncRequest is what a protocol needs to build and send one device operation.
// FeatureData is plaintext and only populated for PUSH.
type SyncRequest struct {
	TemplateID       string
	UserID           string
	BiometricType    domain.BiometricType
	AlgorithmVersion string
	FeatureData      []byte
	Direction        domain.SyncDirection
	Attempt          int
}

// DeviceProtocol is the pluggable payload/transport pair for a controller family.
// Transmit returns nil on acknowledgement, an error wrapping
// domain.ErrDeviceRejected on a confirmed refusal and any other error when the
// device could not be reached.
type DeviceProtocol interface {
	ID() string
	BuildPayload(ctx context.Context, req SyncRequest) ([]byte, error)
	Transmit(ctx context.Context, device domain.Device, req SyncRequest, payload []byte) error
}
