package postgres

import (
	"context"

	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type deviceRepository struct {
	db *gorm.DB
}

func (r *deviceRepository) GetByID(ctx context.Context, deviceID string) (domain.Device, error) {
	var rec deviceModel
	if err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Take(&rec).Error; err != nil {
		return domain.Device{}, notFound(err)
	}
	return toDomainDevice(rec), nil
}

// ListEnabledForType filters modality in Go because supported_types is a
// comma-separated list where empty means every modality.
func (r *deviceRepository) ListEnabledForType(ctx context.Context, biometricType domain.BiometricType) ([]domain.Device, error) {
	var rows []deviceModel
	if err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("device_id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.Device, 0, len(rows))
	for _, row := range rows {
		device := toDomainDevice(row)
		if device.Supports(biometricType) {
			result = append(result, device)
		}
	}
	return result, nil
}

func (r *deviceRepository) Upsert(ctx context.Context, device domain.Device) (domain.Device, error) {
	rec := toDeviceModel(device)
	var stored deviceModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"protocol", "endpoint", "enabled", "supported_types", "updated_at"}),
		}).Create(&rec).Error; err != nil {
			return err
		}
		return tx.Where("device_id = ?", device.DeviceID).Take(&stored).Error
	})
	if err != nil {
		return domain.Device{}, err
	}
	return toDomainDevice(stored), nil
}
