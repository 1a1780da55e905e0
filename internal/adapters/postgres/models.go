package postgres

import (
	"time"

	"github.com/google/uuid"
)

type templateModel struct {
	TemplateID       uuid.UUID  `gorm:"column:template_id;type:uuid;primaryKey"`
	UserID           string     `gorm:"column:user_id"`
	BiometricType    string     `gorm:"column:biometric_type"`
	FeatureData      []byte     `gorm:"column:feature_data"`
	QualityScore     float64    `gorm:"column:quality_score"`
	MatchThreshold   float64    `gorm:"column:match_threshold"`
	AlgorithmVersion string     `gorm:"column:algorithm_version"`
	Status           string     `gorm:"column:status"`
	CaptureTime      time.Time  `gorm:"column:capture_time"`
	ExpireTime       *time.Time `gorm:"column:expire_time"`
	UseCount         int64      `gorm:"column:use_count"`
	SuccessCount     int64      `gorm:"column:success_count"`
	FailCount        int64      `gorm:"column:fail_count"`
	CreatedAt        time.Time  `gorm:"column:created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at"`
	DeletedAt        *time.Time `gorm:"column:deleted_at"`
}

func (templateModel) TableName() string { return "biometric_templates" }

type syncOutcomeModel struct {
	TemplateID      uuid.UUID  `gorm:"column:template_id;type:uuid;primaryKey"`
	DeviceID        string     `gorm:"column:device_id;primaryKey"`
	Direction       string     `gorm:"column:direction;primaryKey"`
	Result          string     `gorm:"column:result"`
	AttemptCount    int        `gorm:"column:attempt_count"`
	FirstQueuedAt   time.Time  `gorm:"column:first_queued_at"`
	LastAttemptTime *time.Time `gorm:"column:last_attempt_time"`
	NextAttemptAt   time.Time  `gorm:"column:next_attempt_at"`
	LastError       string     `gorm:"column:last_error"`
	AlertedAt       *time.Time `gorm:"column:alerted_at"`
	ClaimToken      *string    `gorm:"column:claim_token"`
	ClaimUntil      *time.Time `gorm:"column:claim_until"`
}

func (syncOutcomeModel) TableName() string { return "device_sync_outcomes" }

type authAttemptModel struct {
	AuthID              uuid.UUID  `gorm:"column:auth_id;type:uuid;primaryKey"`
	UserID              string     `gorm:"column:user_id"`
	TemplateID          *uuid.UUID `gorm:"column:template_id;type:uuid"`
	DeviceID            string     `gorm:"column:device_id"`
	BiometricType       string     `gorm:"column:biometric_type"`
	AuthType            string     `gorm:"column:auth_type"`
	AuthResult          string     `gorm:"column:auth_result"`
	FailureReason       string     `gorm:"column:failure_reason"`
	MatchScore          float64    `gorm:"column:match_score"`
	MatchThreshold      float64    `gorm:"column:match_threshold"`
	LivenessScore       float64    `gorm:"column:liveness_score"`
	LivenessThreshold   float64    `gorm:"column:liveness_threshold"`
	LivenessPassed      bool       `gorm:"column:liveness_passed"`
	AuthDurationMs      int64      `gorm:"column:auth_duration_ms"`
	SuspiciousOperation bool       `gorm:"column:suspicious_operation"`
	SuspiciousReason    string     `gorm:"column:suspicious_reason"`
	ManualReviewStatus  string     `gorm:"column:manual_review_status"`
	ReviewerID          string     `gorm:"column:reviewer_id"`
	ReviewTime          *time.Time `gorm:"column:review_time"`
	ReviewComment       string     `gorm:"column:review_comment"`
	ReviewAlertedAt     *time.Time `gorm:"column:review_alerted_at"`
	AlgorithmVersion    string     `gorm:"column:algorithm_version"`
	AttemptedAt         time.Time  `gorm:"column:attempted_at"`
}

func (authAttemptModel) TableName() string { return "biometric_auth_attempts" }

type deviceModel struct {
	DeviceID       string    `gorm:"column:device_id;primaryKey"`
	Protocol       string    `gorm:"column:protocol"`
	Endpoint       string    `gorm:"column:endpoint"`
	Enabled        bool      `gorm:"column:enabled"`
	SupportedTypes string    `gorm:"column:supported_types"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

func (deviceModel) TableName() string { return "biometric_devices" }

type outboxModel struct {
	OutboxID       uuid.UUID  `gorm:"column:outbox_id;type:uuid;primaryKey"`
	EventType      string     `gorm:"column:event_type"`
	PartitionKey   string     `gorm:"column:partition_key"`
	Payload        string     `gorm:"column:payload;type:jsonb"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
	FirstSeenAt    time.Time  `gorm:"column:first_seen_at"`
	PublishedAt    *time.Time `gorm:"column:published_at"`
	RetryCount     int        `gorm:"column:retry_count"`
	LastError      *string    `gorm:"column:last_error"`
	LastErrorAt    *time.Time `gorm:"column:last_error_at"`
	ClaimToken     *string    `gorm:"column:claim_token"`
	ClaimUntil     *time.Time `gorm:"column:claim_until"`
	DeadLetteredAt *time.Time `gorm:"column:dead_lettered_at"`
}

func (outboxModel) TableName() string { return "biometric_outbox" }
