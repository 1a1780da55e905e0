package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AuthType is the business context a live authentication was requested for.
type AuthType string

const (
	AuthLogin      AuthType = "LOGIN"
	AuthAccess     AuthType = "ACCESS"
	AuthAttendance AuthType = "ATTENDANCE"
	AuthPayment    AuthType = "PAYMENT"
	AuthRegister   AuthType = "REGISTER"
)

func ParseAuthType(raw string) (AuthType, error) {
	switch t := AuthType(strings.ToUpper(strings.TrimSpace(raw))); t {
	case AuthLogin, AuthAccess, AuthAttendance, AuthPayment, AuthRegister:
		return t, nil
	case "":
		return AuthAccess, nil
	default:
		return "", fmt.Errorf("%w: unknown auth type %q", ErrInvalidInput, raw)
	}
}

type AuthResult string

const (
	AuthSuccess AuthResult = "SUCCESS"
	AuthFailed  AuthResult = "FAILED"
	AuthTimeout AuthResult = "TIMEOUT"
	AuthError   AuthResult = "ERROR"
)

// FailureReason narrows a non-SUCCESS result for operators and metrics.
type FailureReason string

const (
	ReasonNone                 FailureReason = ""
	ReasonNoEnrolledTemplate   FailureReason = "NO_ENROLLED_TEMPLATE"
	ReasonScoreBelowThreshold  FailureReason = "SCORE_BELOW_THRESHOLD"
	ReasonLivenessFailed       FailureReason = "LIVENESS_FAILED"
	ReasonAlgorithmFault       FailureReason = "ALGORITHM_FAULT"
	ReasonAlgorithmUnavailable FailureReason = "ALGORITHM_UNAVAILABLE"
	ReasonDeadlineExceeded     FailureReason = "DEADLINE_EXCEEDED"
	ReasonCancelled            FailureReason = "CANCELLED"
	ReasonEngineOverloaded     FailureReason = "ENGINE_OVERLOADED"
	ReasonStoreUnavailable     FailureReason = "STORE_UNAVAILABLE"
)

// AttemptState tracks an in-flight attempt. Attempts are only persisted once
// they reach RECORDED.
type AttemptState string

const (
	AttemptReceived AttemptState = "RECEIVED"
	AttemptMatching AttemptState = "MATCHING"
	AttemptDecided  AttemptState = "DECIDED"
	AttemptRecorded AttemptState = "RECORDED"
)

var attemptOrder = map[AttemptState]int{
	AttemptReceived: 0,
	AttemptMatching: 1,
	AttemptDecided:  2,
	AttemptRecorded: 3,
}

// Advance moves the state forward. MATCHING may be skipped when no algorithm
// is dispatched (missing template, overload, unavailable binding).
func (s AttemptState) Advance(next AttemptState) (AttemptState, error) {
	from, ok := attemptOrder[s]
	to, ok2 := attemptOrder[next]
	if !ok || !ok2 || to <= from {
		return s, fmt.Errorf("%w: attempt %s -> %s", ErrInvalidTransition, s, next)
	}
	return next, nil
}

// AuthAttempt is the append-only record of one live authentication.
// Only the review fields change after insert.
type AuthAttempt struct {
	AuthID            uuid.UUID
	UserID            string
	TemplateID        *uuid.UUID
	DeviceID          string
	BiometricType     BiometricType
	AuthType          AuthType
	Result            AuthResult
	FailureReason     FailureReason
	MatchScore        float64
	MatchThreshold    float64
	LivenessScore     float64
	LivenessThreshold float64
	LivenessPassed    bool
	DurationMs        int64
	Suspicious        bool
	SuspiciousReasons []string
	ReviewStatus      ReviewStatus
	ReviewerID        string
	ReviewTime        *time.Time
	ReviewComment     string
	ReviewAlertedAt   *time.Time
	AlgorithmVersion  string
	AttemptedAt       time.Time
	State             AttemptState
}

// SuspiciousReason joins the flagged rule names the way they are stored.
func (a AuthAttempt) SuspiciousReason() string {
	return strings.Join(a.SuspiciousReasons, ",")
}

// AttemptFilter narrows review and history listings.
type AttemptFilter struct {
	UserID        string
	DeviceID      string
	BiometricType BiometricType
	Since         time.Time
	Until         time.Time
	Limit         int
}
