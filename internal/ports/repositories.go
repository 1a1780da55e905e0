package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
)

// TemplateRepository persists biometric templates.
// Writes that change device state carry their sync rows and outbox events so
// both commit in one transaction.
type TemplateRepository interface {
	CreateWithSyncTx(ctx context.Context, params CreateTemplateTxParams) (domain.Template, error)
	GetByID(ctx context.Context, templateID uuid.UUID) (domain.Template, error)
	GetActive(ctx context.Context, userID string, biometricType domain.BiometricType) (domain.Template, error)
	ListActiveByType(ctx context.Context, biometricType domain.BiometricType, limit int) ([]domain.Template, error)
	// ListByUser returns every template of the user in any status, newest
	// first. An empty biometricType matches all modalities.
	ListByUser(ctx context.Context, userID string, biometricType domain.BiometricType) ([]domain.Template, error)
	TransitionWithSyncTx(ctx context.Context, params TransitionTxParams) (domain.Template, error)
	IncrementUsage(ctx context.Context, templateID uuid.UUID, outcome domain.UsageOutcome, at time.Time) error
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]domain.Template, error)
	Stats(ctx context.Context) (domain.TemplateStats, error)
}

// CreateTemplateTxParams is the atomic enroll write: template row, PUSH rows
// for every target device and the enrolled event.
type CreateTemplateTxParams struct {
	Template    domain.Template
	PushDevices []string
	Events      []OutboxEvent
}

// TransitionTxParams describes one status change and the device work it implies.
// ExpectedStatus guards against concurrent writers; a mismatch returns
// domain.ErrInvalidTransition.
type TransitionTxParams struct {
	TemplateID     uuid.UUID
	ExpectedStatus domain.TemplateStatus
	NewStatus      domain.TemplateStatus
	At             time.Time
	// QueueRevoke queues REVOKE rows for every device holding any PUSH row
	// and supersedes still pending PUSH rows.
	QueueRevoke bool
	// PushDevices queues PUSH rows and supersedes pending REVOKE rows.
	PushDevices []string
	Events      []OutboxEvent
}

// SyncOutcomeRepository stores per-device delivery state.
// Claims follow the outbox pattern: a row is owned by one claim token until
// its claim expires.
type SyncOutcomeRepository interface {
	ClaimDue(ctx context.Context, now time.Time, limit int, claimToken string, claimUntil time.Time) ([]domain.SyncOutcome, error)
	ClaimForTemplate(ctx context.Context, templateID uuid.UUID, direction domain.SyncDirection, now time.Time, claimToken string, claimUntil time.Time) ([]domain.SyncOutcome, error)
	Record(ctx context.Context, params SyncRecordParams) error
	MarkAlerted(ctx context.Context, key domain.SyncKey, at time.Time) error
	ListByTemplate(ctx context.Context, templateID uuid.UUID) ([]domain.SyncOutcome, error)
	// RequeueRevokes makes sure every device that ever received a PUSH has a
	// REVOKE row and marks non-ACKED REVOKE rows due now. It returns the number
	// of rows left to deliver.
	RequeueRevokes(ctx context.Context, templateID uuid.UUID, at time.Time) (int, error)
}

// SyncRecordParams is the outcome of one pipeline run for a claimed row.
type SyncRecordParams struct {
	Key           domain.SyncKey
	ClaimToken    string
	Result        domain.SyncResult
	AttemptCount  int
	AttemptedAt   time.Time
	NextAttemptAt time.Time
	LastError     string
}

// AuthAttemptRepository stores the append-only authentication log.
type AuthAttemptRepository interface {
	Insert(ctx context.Context, attempt domain.AuthAttempt) error
	GetByID(ctx context.Context, authID uuid.UUID) (domain.AuthAttempt, error)
	ListPendingReview(ctx context.Context, filter domain.AttemptFilter) ([]domain.AuthAttempt, error)
	ListByUser(ctx context.Context, filter domain.AttemptFilter) ([]domain.AuthAttempt, error)
	// ResolveReview updates only rows still PENDING. When no row matches the
	// current review state decides the error.
	ResolveReview(ctx context.Context, params ReviewResolution) (domain.AuthAttempt, error)
	ListOverduePending(ctx context.Context, attemptedBefore time.Time, limit int) ([]domain.AuthAttempt, error)
	MarkReviewAlerted(ctx context.Context, authID uuid.UUID, at time.Time) error
}

type ReviewResolution struct {
	AuthID     uuid.UUID
	Decision   domain.ReviewStatus
	ReviewerID string
	Comment    string
	At         time.Time
}

// DeviceRepository is the read side of the controller registry plus an admin upsert.
type DeviceRepository interface {
	GetByID(ctx context.Context, deviceID string) (domain.Device, error)
	ListEnabledForType(ctx context.Context, biometricType domain.BiometricType) ([]domain.Device, error)
	Upsert(ctx context.Context, device domain.Device) (domain.Device, error)
}

// OutboxEvent is the write-side event payload prior to storage.
type OutboxEvent struct {
	EventID      uuid.UUID
	EventType    string
	PartitionKey string
	Payload      []byte
	OccurredAt   time.Time
}

// OutboxRecord represents durable outbox state, including retry/error metadata.
type OutboxRecord struct {
	OutboxID       uuid.UUID
	EventType      string
	PartitionKey   string
	Payload        []byte
	RetryCount     int
	LastError      *string
	CreatedAt      time.Time
	PublishedAt    *time.Time
	LastErrorAt    *time.Time
	FirstSeenAt    time.Time
	ClaimToken     *string
	ClaimUntil     *time.Time
	DeadLetteredAt *time.Time
}

// OutboxRepository controls the publish-retry workflow for domain events.
type OutboxRepository interface {
	Enqueue(ctx context.Context, event OutboxEvent) error
	ClaimUnpublished(ctx context.Context, limit int, claimToken string, claimUntil time.Time) ([]OutboxRecord, error)
	MarkPublished(ctx context.Context, outboxID uuid.UUID, claimToken string, at time.Time) error
	MarkFailed(ctx context.Context, outboxID uuid.UUID, claimToken, errMsg string, at time.Time) error
	MarkDeadLettered(ctx context.Context, outboxID uuid.UUID, claimToken, errMsg string, at time.Time) error
	// Release drops the claim without counting a publish attempt.
	Release(ctx context.Context, outboxID uuid.UUID, claimToken string) error
}
