package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type syncOutcomeRepository struct {
	db *gorm.DB
}

// A row is claimable when it is due, unclaimed (or its claim lapsed) and the
// opposite direction for the same device is not claimed right now.
const siblingUnclaimed = `NOT EXISTS (
	SELECT 1 FROM device_sync_outcomes s
	WHERE s.template_id = device_sync_outcomes.template_id
	  AND s.device_id = device_sync_outcomes.device_id
	  AND s.direction <> device_sync_outcomes.direction
	  AND s.claim_until > ?)`

func (r *syncOutcomeRepository) ClaimDue(ctx context.Context, now time.Time, limit int, claimToken string, claimUntil time.Time) ([]domain.SyncOutcome, error) {
	return r.claim(ctx, now, limit, claimToken, claimUntil, nil)
}

func (r *syncOutcomeRepository) ClaimForTemplate(ctx context.Context, templateID uuid.UUID, direction domain.SyncDirection, now time.Time, claimToken string, claimUntil time.Time) ([]domain.SyncOutcome, error) {
	return r.claim(ctx, now, 0, claimToken, claimUntil, func(q *gorm.DB) *gorm.DB {
		return q.Where("template_id = ?", templateID).Where("direction = ?", string(direction))
	})
}

func (r *syncOutcomeRepository) claim(ctx context.Context, now time.Time, limit int, claimToken string, claimUntil time.Time, scope func(*gorm.DB) *gorm.DB) ([]domain.SyncOutcome, error) {
	if claimToken == "" {
		return nil, fmt.Errorf("claim token is required")
	}

	var rows []syncOutcomeModel
	if err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subquery := tx.Model(&syncOutcomeModel{}).
			Select("template_id, device_id, direction").
			Where("result = ?", string(domain.SyncPendingRetry)).
			Where("next_attempt_at <= ?", now).
			Where("claim_until IS NULL OR claim_until <= ?", now).
			Where(siblingUnclaimed, now).
			Order("next_attempt_at ASC").
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if scope != nil {
			subquery = scope(subquery)
		}
		if limit > 0 {
			subquery = subquery.Limit(limit)
		}

		if err := tx.Model(&syncOutcomeModel{}).
			Where("(template_id, device_id, direction) IN (?)", subquery).
			Updates(map[string]any{
				"claim_token": claimToken,
				"claim_until": claimUntil,
			}).Error; err != nil {
			return err
		}

		return tx.Where("claim_token = ?", claimToken).
			Where("result = ?", string(domain.SyncPendingRetry)).
			Order("next_attempt_at ASC").
			Find(&rows).Error
	}); err != nil {
		return nil, err
	}

	result := make([]domain.SyncOutcome, 0, len(rows))
	for _, row := range rows {
		result = append(result, toDomainSyncOutcome(row))
	}
	return result, nil
}

// Record stores the outcome of a claimed row. Rows superseded while the claim
// was held keep their result; only the claim is cleared.
func (r *syncOutcomeRepository) Record(ctx context.Context, params ports.SyncRecordParams) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row syncOutcomeModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(keyClause(params.Key)).
			Take(&row).Error; err != nil {
			return notFound(err)
		}
		if row.ClaimToken == nil || *row.ClaimToken != params.ClaimToken {
			return domain.ErrClaimLost
		}

		updates := map[string]any{
			"claim_token": nil,
			"claim_until": nil,
		}
		if row.Result == string(domain.SyncPendingRetry) {
			updates["result"] = string(params.Result)
			updates["attempt_count"] = params.AttemptCount
			updates["last_attempt_time"] = params.AttemptedAt
			updates["last_error"] = params.LastError
			if !params.NextAttemptAt.IsZero() {
				updates["next_attempt_at"] = params.NextAttemptAt
			}
		}
		return tx.Model(&syncOutcomeModel{}).Where(keyClause(params.Key)).Updates(updates).Error
	})
}

func (r *syncOutcomeRepository) MarkAlerted(ctx context.Context, key domain.SyncKey, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&syncOutcomeModel{}).
		Where(keyClause(key)).
		Update("alerted_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *syncOutcomeRepository) ListByTemplate(ctx context.Context, templateID uuid.UUID) ([]domain.SyncOutcome, error) {
	var rows []syncOutcomeModel
	if err := r.db.WithContext(ctx).
		Where("template_id = ?", templateID).
		Order("device_id ASC, direction ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.SyncOutcome, 0, len(rows))
	for _, row := range rows {
		result = append(result, toDomainSyncOutcome(row))
	}
	return result, nil
}

func (r *syncOutcomeRepository) RequeueRevokes(ctx context.Context, templateID uuid.UUID, at time.Time) (int, error) {
	var pending int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`
			INSERT INTO device_sync_outcomes
				(template_id, device_id, direction, result, attempt_count, first_queued_at, next_attempt_at, last_error)
			SELECT template_id, device_id, ?, ?, 0, ?, ?, ''
			FROM device_sync_outcomes
			WHERE template_id = ? AND direction = ?
			ON CONFLICT (template_id, device_id, direction) DO NOTHING`,
			string(domain.SyncRevoke), string(domain.SyncPendingRetry), at, at,
			templateID, string(domain.SyncPush),
		).Error; err != nil {
			return err
		}
		res := tx.Model(&syncOutcomeModel{}).
			Where("template_id = ?", templateID).
			Where("direction = ?", string(domain.SyncRevoke)).
			Where("result <> ?", string(domain.SyncAcked)).
			Updates(map[string]any{
				"result":          string(domain.SyncPendingRetry),
				"next_attempt_at": at,
			})
		if res.Error != nil {
			return res.Error
		}
		pending = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(pending), nil
}

func keyClause(key domain.SyncKey) map[string]any {
	return map[string]any{
		"template_id": key.TemplateID,
		"device_id":   key.DeviceID,
		"direction":   string(key.Direction),
	}
}

// queueSyncRows inserts or resets rows to PENDING_RETRY due at.
func queueSyncRows(tx *gorm.DB, templateID uuid.UUID, deviceIDs []string, direction domain.SyncDirection, at time.Time) error {
	if len(deviceIDs) == 0 {
		return nil
	}
	rows := make([]syncOutcomeModel, 0, len(deviceIDs))
	for _, deviceID := range deviceIDs {
		rows = append(rows, syncOutcomeModel{
			TemplateID:    templateID,
			DeviceID:      deviceID,
			Direction:     string(direction),
			Result:        string(domain.SyncPendingRetry),
			FirstQueuedAt: at,
			NextAttemptAt: at,
		})
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "template_id"},
			{Name: "device_id"},
			{Name: "direction"},
		},
		DoUpdates: clause.Assignments(map[string]any{
			"result":          string(domain.SyncPendingRetry),
			"attempt_count":   0,
			"first_queued_at": at,
			"next_attempt_at": at,
			"last_error":      "",
			"alerted_at":      nil,
		}),
	}).Create(&rows).Error
}

// queueRevokesForPushed queues a REVOKE for every device holding any PUSH row.
func queueRevokesForPushed(tx *gorm.DB, templateID uuid.UUID, at time.Time) error {
	return tx.Exec(`
		INSERT INTO device_sync_outcomes
			(template_id, device_id, direction, result, attempt_count, first_queued_at, next_attempt_at, last_error)
		SELECT template_id, device_id, ?, ?, 0, ?, ?, ''
		FROM device_sync_outcomes
		WHERE template_id = ? AND direction = ?
		ON CONFLICT (template_id, device_id, direction) DO UPDATE SET
			result = EXCLUDED.result,
			attempt_count = 0,
			first_queued_at = EXCLUDED.first_queued_at,
			next_attempt_at = EXCLUDED.next_attempt_at,
			last_error = '',
			alerted_at = NULL`,
		string(domain.SyncRevoke), string(domain.SyncPendingRetry), at, at,
		templateID, string(domain.SyncPush),
	).Error
}

func supersedePending(tx *gorm.DB, templateID uuid.UUID, direction domain.SyncDirection) error {
	return tx.Model(&syncOutcomeModel{}).
		Where("template_id = ?", templateID).
		Where("direction = ?", string(direction)).
		Where("result = ?", string(domain.SyncPendingRetry)).
		Updates(map[string]any{
			"result":     string(domain.SyncFailed),
			"last_error": domain.SupersededError,
		}).Error
}
