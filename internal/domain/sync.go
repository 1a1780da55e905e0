package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SyncDirection is the operation a device row carries.
type SyncDirection string

const (
	SyncPush   SyncDirection = "PUSH"
	SyncRevoke SyncDirection = "REVOKE"
)

type SyncResult string

const (
	SyncAcked        SyncResult = "ACKED"
	SyncFailed       SyncResult = "FAILED"
	SyncPendingRetry SyncResult = "PENDING_RETRY"
)

// SupersededError is stored on rows made obsolete by a later template change.
const SupersededError = "superseded"

// SyncOutcome is the durable per-(template, device, direction) delivery record.
// A REVOKE row never moves to FAILED; it stays PENDING_RETRY until ACKED.
type SyncOutcome struct {
	TemplateID      uuid.UUID
	DeviceID        string
	Direction       SyncDirection
	Result          SyncResult
	AttemptCount    int
	FirstQueuedAt   time.Time
	LastAttemptTime *time.Time
	NextAttemptAt   time.Time
	LastError       string
	AlertedAt       *time.Time
	ClaimToken      string
	ClaimUntil      *time.Time
}

// SyncKey identifies one outcome row.
type SyncKey struct {
	TemplateID uuid.UUID
	DeviceID   string
	Direction  SyncDirection
}

func (k SyncKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.TemplateID, k.DeviceID, k.Direction)
}

func (o SyncOutcome) Key() SyncKey {
	return SyncKey{TemplateID: o.TemplateID, DeviceID: o.DeviceID, Direction: o.Direction}
}

// NextSyncResult decides how a finished transmit is recorded.
// err is nil on acknowledgement. exhausted reports the PUSH attempt budget is spent.
func NextSyncResult(direction SyncDirection, err error, rejected, invalidTarget, exhausted bool) SyncResult {
	if err == nil {
		return SyncAcked
	}
	if direction == SyncRevoke {
		return SyncPendingRetry
	}
	if rejected || invalidTarget || exhausted {
		return SyncFailed
	}
	return SyncPendingRetry
}

// Backoff returns base * 2^(attempts-1), capped at ceiling.
func Backoff(base, ceiling time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if ceiling > 0 && d >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

// Device is a physical controller registered with the service.
type Device struct {
	DeviceID       string
	Protocol       string
	Endpoint       string
	Enabled        bool
	SupportedTypes []BiometricType
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Supports reports whether the device accepts templates of the given modality.
// An empty list accepts every modality.
func (d Device) Supports(t BiometricType) bool {
	if len(d.SupportedTypes) == 0 {
		return true
	}
	for _, s := range d.SupportedTypes {
		if s == t {
			return true
		}
	}
	return false
}

// ParseSupportedTypes parses a comma separated modality list.
func ParseSupportedTypes(raw []string) ([]BiometricType, error) {
	out := make([]BiometricType, 0, len(raw))
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			continue
		}
		t, err := ParseBiometricType(r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
