package ports

import (
	"time"

	"github.com/google/uuid"
)

// FeatureCipher seals feature data at rest. The template id is bound as
// associated data so ciphertext cannot be moved between rows.
type FeatureCipher interface {
	Seal(templateID uuid.UUID, plaintext []byte) ([]byte, error)
	Open(templateID uuid.UUID, sealed []byte) ([]byte, error)
}

// OperatorClaims identify the human calling the operator API.
type OperatorClaims struct {
	Subject   string    `json:"sub"`
	Role      string    `json:"role"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	KeyID     string    `json:"kid"`
}

type TokenVerifier interface {
	ParseAndValidate(token string) (OperatorClaims, error)
}
