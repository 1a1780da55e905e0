package postgres

import (
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
	"gorm.io/gorm"
)

type Repositories struct {
	Templates ports.TemplateRepository
	Syncs     ports.SyncOutcomeRepository
	Attempts  ports.AuthAttemptRepository
	Devices   ports.DeviceRepository
	Outbox    ports.OutboxRepository
}

func NewRepositories(db *gorm.DB) Repositories {
	return Repositories{
		Templates: &templateRepository{db: db},
		Syncs:     &syncOutcomeRepository{db: db},
		Attempts:  &authAttemptRepository{db: db},
		Devices:   &deviceRepository{db: db},
		Outbox:    &outboxRepository{db: db},
	}
}
