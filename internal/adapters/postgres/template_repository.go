package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
	"gorm.io/gorm"
)

type templateRepository struct {
	db *gorm.DB
}

func (r *templateRepository) CreateWithSyncTx(ctx context.Context, params ports.CreateTemplateTxParams) (domain.Template, error) {
	rec := toTemplateModel(params.Template)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			if isUniqueViolation(err) {
				return domain.ErrDuplicateEnrollment
			}
			return err
		}
		if err := queueSyncRows(tx, rec.TemplateID, params.PushDevices, domain.SyncPush, rec.CreatedAt); err != nil {
			return err
		}
		return insertOutbox(tx, params.Events)
	})
	if err != nil {
		return domain.Template{}, err
	}
	return toDomainTemplate(rec), nil
}

func (r *templateRepository) GetByID(ctx context.Context, templateID uuid.UUID) (domain.Template, error) {
	var rec templateModel
	if err := r.db.WithContext(ctx).Where("template_id = ?", templateID).Take(&rec).Error; err != nil {
		return domain.Template{}, notFound(err)
	}
	return toDomainTemplate(rec), nil
}

func (r *templateRepository) GetActive(ctx context.Context, userID string, biometricType domain.BiometricType) (domain.Template, error) {
	var rec templateModel
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("biometric_type = ?", string(biometricType)).
		Where("status = ?", string(domain.TemplateActive)).
		Take(&rec).Error; err != nil {
		return domain.Template{}, notFound(err)
	}
	return toDomainTemplate(rec), nil
}

func (r *templateRepository) ListActiveByType(ctx context.Context, biometricType domain.BiometricType, limit int) ([]domain.Template, error) {
	query := r.db.WithContext(ctx).
		Where("biometric_type = ?", string(biometricType)).
		Where("status = ?", string(domain.TemplateActive)).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []templateModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.Template, 0, len(rows))
	for _, row := range rows {
		result = append(result, toDomainTemplate(row))
	}
	return result, nil
}

func (r *templateRepository) ListByUser(ctx context.Context, userID string, biometricType domain.BiometricType) ([]domain.Template, error) {
	query := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if biometricType != "" {
		query = query.Where("biometric_type = ?", string(biometricType))
	}
	var rows []templateModel
	if err := query.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.Template, 0, len(rows))
	for _, row := range rows {
		result = append(result, toDomainTemplate(row))
	}
	return result, nil
}

func (r *templateRepository) TransitionWithSyncTx(ctx context.Context, params ports.TransitionTxParams) (domain.Template, error) {
	var rec templateModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"status":     string(params.NewStatus),
			"updated_at": params.At,
		}
		if params.NewStatus == domain.TemplateDeleted {
			updates["deleted_at"] = params.At
		}
		res := tx.Model(&templateModel{}).
			Where("template_id = ?", params.TemplateID).
			Where("status = ?", string(params.ExpectedStatus)).
			Updates(updates)
		if res.Error != nil {
			if isUniqueViolation(res.Error) {
				return domain.ErrDuplicateEnrollment
			}
			return res.Error
		}
		if res.RowsAffected == 0 {
			var exists int64
			if err := tx.Model(&templateModel{}).Where("template_id = ?", params.TemplateID).Count(&exists).Error; err != nil {
				return err
			}
			if exists == 0 {
				return domain.ErrNotFound
			}
			return fmt.Errorf("%w: status changed concurrently", domain.ErrInvalidTransition)
		}

		if params.QueueRevoke {
			if err := queueRevokesForPushed(tx, params.TemplateID, params.At); err != nil {
				return err
			}
			if err := supersedePending(tx, params.TemplateID, domain.SyncPush); err != nil {
				return err
			}
		}
		if len(params.PushDevices) > 0 {
			if err := supersedePending(tx, params.TemplateID, domain.SyncRevoke); err != nil {
				return err
			}
			if err := queueSyncRows(tx, params.TemplateID, params.PushDevices, domain.SyncPush, params.At); err != nil {
				return err
			}
		}
		if err := insertOutbox(tx, params.Events); err != nil {
			return err
		}
		return tx.Where("template_id = ?", params.TemplateID).Take(&rec).Error
	})
	if err != nil {
		return domain.Template{}, err
	}
	return toDomainTemplate(rec), nil
}

func (r *templateRepository) IncrementUsage(ctx context.Context, templateID uuid.UUID, outcome domain.UsageOutcome, at time.Time) error {
	updates := map[string]any{
		"use_count":  gorm.Expr("use_count + 1"),
		"updated_at": at,
	}
	if outcome == domain.UsageSuccess {
		updates["success_count"] = gorm.Expr("success_count + 1")
	} else {
		updates["fail_count"] = gorm.Expr("fail_count + 1")
	}
	res := r.db.WithContext(ctx).
		Model(&templateModel{}).
		Where("template_id = ?", templateID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *templateRepository) ListExpiring(ctx context.Context, before time.Time, limit int) ([]domain.Template, error) {
	query := r.db.WithContext(ctx).
		Where("status = ?", string(domain.TemplateActive)).
		Where("expire_time IS NOT NULL AND expire_time <= ?", before).
		Order("expire_time ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []templateModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.Template, 0, len(rows))
	for _, row := range rows {
		result = append(result, toDomainTemplate(row))
	}
	return result, nil
}

func (r *templateRepository) Stats(ctx context.Context) (domain.TemplateStats, error) {
	var rows []struct {
		BiometricType string `gorm:"column:biometric_type"`
		Status        string `gorm:"column:status"`
		Total         int64  `gorm:"column:total"`
	}
	if err := r.db.WithContext(ctx).
		Model(&templateModel{}).
		Select("biometric_type, status, COUNT(*) AS total").
		Group("biometric_type, status").
		Scan(&rows).Error; err != nil {
		return domain.TemplateStats{}, err
	}
	stats := domain.TemplateStats{ByTypeAndStatus: map[domain.BiometricType]map[domain.TemplateStatus]int64{}}
	for _, row := range rows {
		t := domain.BiometricType(row.BiometricType)
		if stats.ByTypeAndStatus[t] == nil {
			stats.ByTypeAndStatus[t] = map[domain.TemplateStatus]int64{}
		}
		stats.ByTypeAndStatus[t][domain.TemplateStatus(row.Status)] = row.Total
		stats.Total += row.Total
	}
	return stats, nil
}

func insertOutbox(tx *gorm.DB, events []ports.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]outboxModel, 0, len(events))
	for _, e := range events {
		rows = append(rows, toOutboxModel(e))
	}
	if err := tx.Create(&rows).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("outbox event already stored: %w", err)
		}
		return err
	}
	return nil
}
