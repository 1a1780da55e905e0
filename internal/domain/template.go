package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BiometricType is the closed set of modalities a template can carry.
type BiometricType string

const (
	BiometricFace        BiometricType = "FACE"
	BiometricFingerprint BiometricType = "FINGERPRINT"
	BiometricIris        BiometricType = "IRIS"
	BiometricVoice       BiometricType = "VOICE"
	BiometricPalm        BiometricType = "PALM"
)

var biometricTypes = []BiometricType{
	BiometricFace,
	BiometricFingerprint,
	BiometricIris,
	BiometricVoice,
	BiometricPalm,
}

// BiometricTypes lists every supported modality in a stable order.
func BiometricTypes() []BiometricType {
	out := make([]BiometricType, len(biometricTypes))
	copy(out, biometricTypes)
	return out
}

// ParseBiometricType normalizes user input into a known modality.
func ParseBiometricType(raw string) (BiometricType, error) {
	candidate := BiometricType(strings.ToUpper(strings.TrimSpace(raw)))
	for _, t := range biometricTypes {
		if t == candidate {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedBiometricType, raw)
}

// TemplateStatus is the lifecycle state of a stored template.
type TemplateStatus string

const (
	TemplateActive   TemplateStatus = "ACTIVE"
	TemplateInactive TemplateStatus = "INACTIVE"
	TemplateExpired  TemplateStatus = "EXPIRED"
	TemplateDeleted  TemplateStatus = "DELETED"
)

func ParseTemplateStatus(raw string) (TemplateStatus, error) {
	switch s := TemplateStatus(strings.ToUpper(strings.TrimSpace(raw))); s {
	case TemplateActive, TemplateInactive, TemplateExpired, TemplateDeleted:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown template status %q", ErrInvalidInput, raw)
	}
}

// CanTransitionTo validates an administrative status change.
// DELETED is terminal; every other state may move to any other state.
func (s TemplateStatus) CanTransitionTo(next TemplateStatus) error {
	if s == TemplateDeleted {
		return ErrTerminalStatus
	}
	if s == next {
		return fmt.Errorf("%w: template already %s", ErrInvalidTransition, next)
	}
	switch next {
	case TemplateActive, TemplateInactive, TemplateExpired, TemplateDeleted:
		return nil
	default:
		return fmt.Errorf("%w: unknown target status %q", ErrInvalidTransition, next)
	}
}

// Template is a stored biometric reference usable for 1:1 matching.
// FeatureData is opaque to the service; adapters seal it at rest.
type Template struct {
	TemplateID       uuid.UUID
	UserID           string
	BiometricType    BiometricType
	FeatureData      []byte
	QualityScore     float64
	MatchThreshold   float64
	AlgorithmVersion string
	Status           TemplateStatus
	CaptureTime      time.Time
	ExpireTime       time.Time
	UseCount         int64
	SuccessCount     int64
	FailCount        int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
	DeletedAt        *time.Time
}

// Matchable reports whether the template may take part in matching at now.
func (t Template) Matchable(now time.Time) bool {
	if t.Status != TemplateActive {
		return false
	}
	return t.ExpireTime.IsZero() || t.ExpireTime.After(now)
}

// UsageOutcome is the counter bucket an authentication result lands in.
type UsageOutcome string

const (
	UsageSuccess UsageOutcome = "SUCCESS"
	UsageFailure UsageOutcome = "FAILURE"
)

// ValidateScore checks a normalized [0,1] score.
func ValidateScore(name string, v float64) error {
	if v < 0 || v > 1 || v != v {
		return fmt.Errorf("%w: %s must be within [0,1]", ErrInvalidInput, name)
	}
	return nil
}

// TemplateStats is an aggregate view of the store, grouped by modality and status.
type TemplateStats struct {
	ByTypeAndStatus map[BiometricType]map[TemplateStatus]int64
	Total           int64
}
