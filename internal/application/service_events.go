package application

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
)

const (
	eventTypeTemplateEnrolled      = "biometric.template.enrolled"
	eventTypeTemplateRevoked       = "biometric.template.revoked"
	eventTypeTemplateStatusChanged = "biometric.template.status_changed"
	eventTypeSyncOutcome           = "biometric.sync.outcome"
	eventTypeAuthSuspicious        = "biometric.auth.suspicious"
	eventTypeReviewResolved        = "biometric.review.resolved"
	// eventTypeAlertRaised carries operator alerts; delivery is owned downstream.
	eventTypeAlertRaised = "biometric.alert.raised"
)

const (
	alertRevokePending   = "REVOKE_PENDING"
	alertPushPending     = "PUSH_PENDING"
	alertReviewOverdue   = "REVIEW_OVERDUE"
	alertPushFailed      = "PUSH_FAILED"
	alertUsageLost       = "USAGE_COUNTER_LOST"
	alertAttemptNotSaved = "AUTH_ATTEMPT_NOT_RECORDED"
)

// SyncEvent is the post-sync notification handed to the hook.
type SyncEvent struct {
	TemplateID   uuid.UUID `json:"template_id"`
	DeviceID     string    `json:"device_id"`
	Direction    string    `json:"direction"`
	Result       string    `json:"result"`
	AttemptCount int       `json:"attempt_count"`
	LastError    string    `json:"last_error,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// OutboxSyncHook publishes every recorded outcome as a biometric.sync.outcome event.
func OutboxSyncHook(outbox ports.OutboxRepository, logger *slog.Logger) SyncHook {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, event SyncEvent) {
		payload, _ := json.Marshal(event)
		err := outbox.Enqueue(ctx, ports.OutboxEvent{
			EventID:      uuid.New(),
			EventType:    eventTypeSyncOutcome,
			PartitionKey: event.TemplateID.String(),
			Payload:      payload,
			OccurredAt:   event.OccurredAt,
		})
		if err != nil {
			logger.WarnContext(ctx, "sync outcome event not enqueued",
				"module", "sync",
				"layer", "application",
				"operation", "sync_hook",
				"outcome", "failure",
				"template_id", event.TemplateID,
				"device_id", event.DeviceID,
				"error", err,
			)
		}
	}
}

func newOutboxEvent(eventType, partitionKey string, at time.Time, body map[string]any) ports.OutboxEvent {
	payload, _ := json.Marshal(body)
	return ports.OutboxEvent{
		EventID:      uuid.New(),
		EventType:    eventType,
		PartitionKey: partitionKey,
		Payload:      payload,
		OccurredAt:   at,
	}
}

// enqueue is used for events that are not part of a state-changing transaction.
func (s *Service) enqueue(ctx context.Context, event ports.OutboxEvent) {
	if s.outbox == nil {
		return
	}
	if err := s.outbox.Enqueue(context.WithoutCancel(ctx), event); err != nil {
		s.logger.WarnContext(ctx, "outbox enqueue failed",
			"module", "events",
			"layer", "application",
			"operation", "enqueue",
			"outcome", "failure",
			"event_type", event.EventType,
			"error", err,
		)
	}
}

// raiseAlert is the operator escalation path: an ERROR log line plus an
// outbox event for the notification system.
func (s *Service) raiseAlert(ctx context.Context, kind, key string, attrs map[string]any) {
	now := s.nowFn()
	args := []any{
		"module", "alerts",
		"layer", "application",
		"operation", "raise_alert",
		"outcome", "raised",
		"alert", kind,
		"key", key,
	}
	body := map[string]any{"alert": kind, "key": key, "raised_at": now, "service": s.cfg.ServiceID}
	for k, v := range attrs {
		args = append(args, k, v)
		body[k] = v
	}
	s.logger.ErrorContext(ctx, "operator alert", args...)
	s.enqueue(ctx, newOutboxEvent(eventTypeAlertRaised, key, now, body))
}

func templateEventBody(t domain.Template, at time.Time) map[string]any {
	return map[string]any{
		"template_id":       t.TemplateID,
		"user_id":           t.UserID,
		"biometric_type":    t.BiometricType,
		"status":            t.Status,
		"algorithm_version": t.AlgorithmVersion,
		"occurred_at":       at,
	}
}
