package postgres

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
	"gorm.io/gorm"
)

func TestTemplateWithoutExpiryStoresNull(t *testing.T) {
	tpl := domain.Template{
		TemplateID:    uuid.New(),
		UserID:        "u1",
		BiometricType: domain.BiometricFace,
		Status:        domain.TemplateActive,
	}
	rec := toTemplateModel(tpl)
	if rec.ExpireTime != nil {
		t.Fatalf("expected NULL expire_time, got %v", rec.ExpireTime)
	}
	if back := toDomainTemplate(rec); !back.ExpireTime.IsZero() {
		t.Fatalf("expected zero expiry after mapping back, got %v", back.ExpireTime)
	}
}

func TestAttemptReasonsRoundTripThroughCSV(t *testing.T) {
	a := domain.AuthAttempt{
		AuthID:            uuid.New(),
		UserID:            "u1",
		Result:            domain.AuthSuccess,
		Suspicious:        true,
		SuspiciousReasons: []string{domain.SuspicionBorderline, domain.SuspicionQuietHours},
		ReviewStatus:      domain.ReviewPending,
		AttemptedAt:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	back := toDomainAuthAttempt(toAuthAttemptModel(a))
	if len(back.SuspiciousReasons) != 2 || back.SuspiciousReasons[1] != domain.SuspicionQuietHours {
		t.Fatalf("unexpected reasons %v", back.SuspiciousReasons)
	}
	if back.State != domain.AttemptRecorded {
		t.Fatalf("stored attempts must map as recorded, got %v", back.State)
	}
}

func TestDeviceSupportedTypes(t *testing.T) {
	rec := toDeviceModel(domain.Device{DeviceID: "dev1", SupportedTypes: []domain.BiometricType{domain.BiometricFace, domain.BiometricIris}})
	if rec.SupportedTypes != "FACE,IRIS" {
		t.Fatalf("unexpected column value %q", rec.SupportedTypes)
	}
	all := toDomainDevice(deviceModel{DeviceID: "dev2", SupportedTypes: " "})
	if len(all.SupportedTypes) != 0 || !all.Supports(domain.BiometricFingerprint) {
		t.Fatalf("empty list must accept every modality")
	}
}

func TestOutboxEmptyPayloadBecomesObject(t *testing.T) {
	rec := toOutboxModel(ports.OutboxEvent{EventID: uuid.New(), EventType: "x"})
	if rec.Payload != "{}" {
		t.Fatalf("expected {}, got %q", rec.Payload)
	}
}

func TestErrorTranslation(t *testing.T) {
	if !errors.Is(notFound(gorm.ErrRecordNotFound), domain.ErrNotFound) {
		t.Fatal("record not found must map to ErrNotFound")
	}
	other := errors.New("boom")
	if notFound(other) != other {
		t.Fatal("other errors must pass through")
	}
	if !isUniqueViolation(gorm.ErrDuplicatedKey) {
		t.Fatal("duplicated key must count as unique violation")
	}
}

func TestMigrationsAreEmbeddedInOrder(t *testing.T) {
	names, err := migrationNames()
	if err != nil {
		t.Fatalf("migration names: %v", err)
	}
	if len(names) == 0 || names[0] != "0001_biometric_identity.sql" {
		t.Fatalf("unexpected migrations %v", names)
	}
}
