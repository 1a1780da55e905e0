package application

import (
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
)

// Config carries the tunables of the template store, sync pipeline,
// authentication engine and review escalation.
type Config struct {
	ServiceID string

	MinQualityScore  float64
	TemplateValidity time.Duration
	LeaseTTL         time.Duration
	LeaseWait        time.Duration
	LeasePoll        time.Duration
	UsageRetries     int
	ExpiryBatchSize  int

	// AttemptPersistRetries bounds inserts of one audit record before the
	// loss is alerted and surfaced to the caller.
	AttemptPersistRetries int

	EngineMaxConcurrency   int
	EngineQueueWait        time.Duration
	MatchTimeout           time.Duration
	IdentifyCandidateLimit int
	Suspicion              domain.SuspicionPolicy
	FailureWindow          time.Duration

	SyncTransmitTimeout time.Duration
	SyncClaimTTL        time.Duration
	SyncBatchSize       int
	SyncFanOut          int
	SyncBackoffBase     time.Duration
	SyncBackoffCeiling  time.Duration
	SyncPushMaxAttempts int
	SyncAlertAfter      time.Duration

	ReviewSLA       time.Duration
	ReviewBatchSize int
}

// DefaultConfig mirrors configs/default.yaml.
func DefaultConfig() Config {
	return Config{
		ServiceID:              "M21-Biometric-Identity-Service",
		MinQualityScore:        0.6,
		TemplateValidity:       2 * 365 * 24 * time.Hour,
		LeaseTTL:               30 * time.Second,
		LeaseWait:              5 * time.Second,
		LeasePoll:              50 * time.Millisecond,
		UsageRetries:           3,
		AttemptPersistRetries:  3,
		ExpiryBatchSize:        100,
		EngineMaxConcurrency:   32,
		EngineQueueWait:        250 * time.Millisecond,
		MatchTimeout:           2 * time.Second,
		IdentifyCandidateLimit: 500,
		Suspicion: domain.SuspicionPolicy{
			BorderlineMargin:   0.03,
			FailureThreshold:   3,
			MinDistinctDevices: 2,
			QuietStartHour:     23,
			QuietEndHour:       6,
		},
		FailureWindow:       10 * time.Minute,
		SyncTransmitTimeout: 5 * time.Second,
		SyncClaimTTL:        2 * time.Minute,
		SyncBatchSize:       100,
		SyncFanOut:          8,
		SyncBackoffBase:     2 * time.Second,
		SyncBackoffCeiling:  5 * time.Minute,
		SyncPushMaxAttempts: 10,
		SyncAlertAfter:      15 * time.Minute,
		ReviewSLA:           4 * time.Hour,
		ReviewBatchSize:     100,
	}
}

type EnrollRequest struct {
	UserID         string
	BiometricType  domain.BiometricType
	FeatureData    []byte
	QualityScore   float64
	MinQuality     *float64
	MatchThreshold *float64
	CaptureTime    time.Time
}

type EnrollResponse struct {
	TemplateID    uuid.UUID `json:"template_id"`
	Status        string    `json:"status"`
	ExpireTime    time.Time `json:"expire_time"`
	QueuedDevices int       `json:"queued_devices"`
}

type RevokeResponse struct {
	TemplateID uuid.UUID `json:"template_id"`
	Status     string    `json:"status"`
	Pending    int       `json:"pending_devices"`
}

// RevokeUserResponse lists one revoke result per template of the user.
type RevokeUserResponse struct {
	UserID    string           `json:"user_id"`
	Templates []RevokeResponse `json:"templates"`
}

// TemplateView is the read model of a template. Feature data never leaves the service.
type TemplateView struct {
	TemplateID       uuid.UUID  `json:"template_id"`
	UserID           string     `json:"user_id"`
	BiometricType    string     `json:"biometric_type"`
	QualityScore     float64    `json:"quality_score"`
	MatchThreshold   float64    `json:"match_threshold"`
	AlgorithmVersion string     `json:"algorithm_version"`
	Status           string     `json:"status"`
	CaptureTime      time.Time  `json:"capture_time"`
	ExpireTime       time.Time  `json:"expire_time"`
	UseCount         int64      `json:"use_count"`
	SuccessCount     int64      `json:"success_count"`
	FailCount        int64      `json:"fail_count"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
}

func toTemplateView(t domain.Template) TemplateView {
	return TemplateView{
		TemplateID:       t.TemplateID,
		UserID:           t.UserID,
		BiometricType:    string(t.BiometricType),
		QualityScore:     t.QualityScore,
		MatchThreshold:   t.MatchThreshold,
		AlgorithmVersion: t.AlgorithmVersion,
		Status:           string(t.Status),
		CaptureTime:      t.CaptureTime,
		ExpireTime:       t.ExpireTime,
		UseCount:         t.UseCount,
		SuccessCount:     t.SuccessCount,
		FailCount:        t.FailCount,
		DeletedAt:        t.DeletedAt,
	}
}

type AuthenticateRequest struct {
	UserID        string
	BiometricType domain.BiometricType
	ProbeData     []byte
	DeviceID      string
	AuthType      domain.AuthType
}

// AuthOutcome is delivered by AuthenticateAsync.
type AuthOutcome struct {
	Attempt domain.AuthAttempt
	Err     error
}

type DeviceRequest struct {
	DeviceID       string
	Protocol       string
	Endpoint       string
	Enabled        bool
	SupportedTypes []string
}

// SweepResult summarizes one pass over claimed sync rows.
type SweepResult struct {
	Claimed int
	Acked   int
	Failed  int
	Pending int
	Alerts  int
}
