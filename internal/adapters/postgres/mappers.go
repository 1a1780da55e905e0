package postgres

import (
	"errors"
	"strings"
	"time"

	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
	"gorm.io/gorm"
)

func toTemplateModel(t domain.Template) templateModel {
	return templateModel{
		TemplateID:       t.TemplateID,
		UserID:           t.UserID,
		BiometricType:    string(t.BiometricType),
		FeatureData:      t.FeatureData,
		QualityScore:     t.QualityScore,
		MatchThreshold:   t.MatchThreshold,
		AlgorithmVersion: t.AlgorithmVersion,
		Status:           string(t.Status),
		CaptureTime:      t.CaptureTime,
		ExpireTime:       nullableTime(t.ExpireTime),
		UseCount:         t.UseCount,
		SuccessCount:     t.SuccessCount,
		FailCount:        t.FailCount,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
		DeletedAt:        t.DeletedAt,
	}
}

func toDomainTemplate(row templateModel) domain.Template {
	out := domain.Template{
		TemplateID:       row.TemplateID,
		UserID:           row.UserID,
		BiometricType:    domain.BiometricType(row.BiometricType),
		FeatureData:      row.FeatureData,
		QualityScore:     row.QualityScore,
		MatchThreshold:   row.MatchThreshold,
		AlgorithmVersion: row.AlgorithmVersion,
		Status:           domain.TemplateStatus(row.Status),
		CaptureTime:      row.CaptureTime,
		UseCount:         row.UseCount,
		SuccessCount:     row.SuccessCount,
		FailCount:        row.FailCount,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
		DeletedAt:        row.DeletedAt,
	}
	if row.ExpireTime != nil {
		out.ExpireTime = *row.ExpireTime
	}
	return out
}

func toDomainSyncOutcome(row syncOutcomeModel) domain.SyncOutcome {
	out := domain.SyncOutcome{
		TemplateID:      row.TemplateID,
		DeviceID:        row.DeviceID,
		Direction:       domain.SyncDirection(row.Direction),
		Result:          domain.SyncResult(row.Result),
		AttemptCount:    row.AttemptCount,
		FirstQueuedAt:   row.FirstQueuedAt,
		LastAttemptTime: row.LastAttemptTime,
		NextAttemptAt:   row.NextAttemptAt,
		LastError:       row.LastError,
		AlertedAt:       row.AlertedAt,
		ClaimUntil:      row.ClaimUntil,
	}
	if row.ClaimToken != nil {
		out.ClaimToken = *row.ClaimToken
	}
	return out
}

func toAuthAttemptModel(a domain.AuthAttempt) authAttemptModel {
	return authAttemptModel{
		AuthID:              a.AuthID,
		UserID:              a.UserID,
		TemplateID:          a.TemplateID,
		DeviceID:            a.DeviceID,
		BiometricType:       string(a.BiometricType),
		AuthType:            string(a.AuthType),
		AuthResult:          string(a.Result),
		FailureReason:       string(a.FailureReason),
		MatchScore:          a.MatchScore,
		MatchThreshold:      a.MatchThreshold,
		LivenessScore:       a.LivenessScore,
		LivenessThreshold:   a.LivenessThreshold,
		LivenessPassed:      a.LivenessPassed,
		AuthDurationMs:      a.DurationMs,
		SuspiciousOperation: a.Suspicious,
		SuspiciousReason:    a.SuspiciousReason(),
		ManualReviewStatus:  string(a.ReviewStatus),
		ReviewerID:          a.ReviewerID,
		ReviewTime:          a.ReviewTime,
		ReviewComment:       a.ReviewComment,
		ReviewAlertedAt:     a.ReviewAlertedAt,
		AlgorithmVersion:    a.AlgorithmVersion,
		AttemptedAt:         a.AttemptedAt,
	}
}

func toDomainAuthAttempt(row authAttemptModel) domain.AuthAttempt {
	return domain.AuthAttempt{
		AuthID:            row.AuthID,
		UserID:            row.UserID,
		TemplateID:        row.TemplateID,
		DeviceID:          row.DeviceID,
		BiometricType:     domain.BiometricType(row.BiometricType),
		AuthType:          domain.AuthType(row.AuthType),
		Result:            domain.AuthResult(row.AuthResult),
		FailureReason:     domain.FailureReason(row.FailureReason),
		MatchScore:        row.MatchScore,
		MatchThreshold:    row.MatchThreshold,
		LivenessScore:     row.LivenessScore,
		LivenessThreshold: row.LivenessThreshold,
		LivenessPassed:    row.LivenessPassed,
		DurationMs:        row.AuthDurationMs,
		Suspicious:        row.SuspiciousOperation,
		SuspiciousReasons: splitCSV(row.SuspiciousReason),
		ReviewStatus:      domain.ReviewStatus(row.ManualReviewStatus),
		ReviewerID:        row.ReviewerID,
		ReviewTime:        row.ReviewTime,
		ReviewComment:     row.ReviewComment,
		ReviewAlertedAt:   row.ReviewAlertedAt,
		AlgorithmVersion:  row.AlgorithmVersion,
		AttemptedAt:       row.AttemptedAt,
		State:             domain.AttemptRecorded,
	}
}

func toDeviceModel(d domain.Device) deviceModel {
	types := make([]string, 0, len(d.SupportedTypes))
	for _, t := range d.SupportedTypes {
		types = append(types, string(t))
	}
	return deviceModel{
		DeviceID:       d.DeviceID,
		Protocol:       d.Protocol,
		Endpoint:       d.Endpoint,
		Enabled:        d.Enabled,
		SupportedTypes: strings.Join(types, ","),
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func toDomainDevice(row deviceModel) domain.Device {
	raw := splitCSV(row.SupportedTypes)
	types := make([]domain.BiometricType, 0, len(raw))
	for _, t := range raw {
		types = append(types, domain.BiometricType(t))
	}
	return domain.Device{
		DeviceID:       row.DeviceID,
		Protocol:       row.Protocol,
		Endpoint:       row.Endpoint,
		Enabled:        row.Enabled,
		SupportedTypes: types,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
}

func toOutboxModel(event ports.OutboxEvent) outboxModel {
	payload := event.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	return outboxModel{
		OutboxID:     event.EventID,
		EventType:    event.EventType,
		PartitionKey: event.PartitionKey,
		Payload:      string(payload),
		CreatedAt:    event.OccurredAt,
		FirstSeenAt:  event.OccurredAt,
	}
}

func toOutboxRecord(row outboxModel) ports.OutboxRecord {
	return ports.OutboxRecord{
		OutboxID:       row.OutboxID,
		EventType:      row.EventType,
		PartitionKey:   row.PartitionKey,
		Payload:        []byte(row.Payload),
		RetryCount:     row.RetryCount,
		LastError:      row.LastError,
		CreatedAt:      row.CreatedAt,
		PublishedAt:    row.PublishedAt,
		LastErrorAt:    row.LastErrorAt,
		FirstSeenAt:    row.FirstSeenAt,
		ClaimToken:     row.ClaimToken,
		ClaimUntil:     row.ClaimUntil,
		DeadLetteredAt: row.DeadLetteredAt,
	}
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return err
}
