package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
	"gorm.io/gorm"
)

type authAttemptRepository struct {
	db *gorm.DB
}

func (r *authAttemptRepository) Insert(ctx context.Context, attempt domain.AuthAttempt) error {
	rec := toAuthAttemptModel(attempt)
	return r.db.WithContext(ctx).Create(&rec).Error
}

func (r *authAttemptRepository) GetByID(ctx context.Context, authID uuid.UUID) (domain.AuthAttempt, error) {
	var rec authAttemptModel
	if err := r.db.WithContext(ctx).Where("auth_id = ?", authID).Take(&rec).Error; err != nil {
		return domain.AuthAttempt{}, notFound(err)
	}
	return toDomainAuthAttempt(rec), nil
}

func (r *authAttemptRepository) ListPendingReview(ctx context.Context, filter domain.AttemptFilter) ([]domain.AuthAttempt, error) {
	query := applyAttemptFilter(r.db.WithContext(ctx), filter).
		Where("manual_review_status = ?", string(domain.ReviewPending))
	return findAttempts(query)
}

func (r *authAttemptRepository) ListByUser(ctx context.Context, filter domain.AttemptFilter) ([]domain.AuthAttempt, error) {
	return findAttempts(applyAttemptFilter(r.db.WithContext(ctx), filter))
}

func (r *authAttemptRepository) ResolveReview(ctx context.Context, params ports.ReviewResolution) (domain.AuthAttempt, error) {
	var rec authAttemptModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&authAttemptModel{}).
			Where("auth_id = ?", params.AuthID).
			Where("manual_review_status = ?", string(domain.ReviewPending)).
			Updates(map[string]any{
				"manual_review_status": string(params.Decision),
				"reviewer_id":          params.ReviewerID,
				"review_comment":       params.Comment,
				"review_time":          params.At,
			})
		if res.Error != nil {
			return res.Error
		}
		if err := tx.Where("auth_id = ?", params.AuthID).Take(&rec).Error; err != nil {
			return notFound(err)
		}
		if res.RowsAffected == 0 {
			return domain.ReviewStatus(rec.ManualReviewStatus).Resolve(params.Decision)
		}
		return nil
	})
	if err != nil {
		return domain.AuthAttempt{}, err
	}
	return toDomainAuthAttempt(rec), nil
}

func (r *authAttemptRepository) ListOverduePending(ctx context.Context, attemptedBefore time.Time, limit int) ([]domain.AuthAttempt, error) {
	query := r.db.WithContext(ctx).
		Where("manual_review_status = ?", string(domain.ReviewPending)).
		Where("review_alerted_at IS NULL").
		Where("attempted_at < ?", attemptedBefore).
		Order("attempted_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []authAttemptModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.AuthAttempt, 0, len(rows))
	for _, row := range rows {
		result = append(result, toDomainAuthAttempt(row))
	}
	return result, nil
}

func (r *authAttemptRepository) MarkReviewAlerted(ctx context.Context, authID uuid.UUID, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&authAttemptModel{}).
		Where("auth_id = ?", authID).
		Update("review_alerted_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func applyAttemptFilter(query *gorm.DB, filter domain.AttemptFilter) *gorm.DB {
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.DeviceID != "" {
		query = query.Where("device_id = ?", filter.DeviceID)
	}
	if filter.BiometricType != "" {
		query = query.Where("biometric_type = ?", string(filter.BiometricType))
	}
	if !filter.Since.IsZero() {
		query = query.Where("attempted_at >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		query = query.Where("attempted_at < ?", filter.Until)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	return query.Order("attempted_at DESC")
}

func findAttempts(query *gorm.DB) ([]domain.AuthAttempt, error) {
	var rows []authAttemptModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.AuthAttempt, 0, len(rows))
	for _, row := range rows {
		result = append(result, toDomainAuthAttempt(row))
	}
	return result, nil
}
