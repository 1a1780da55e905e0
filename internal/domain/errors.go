package domain

import "errors"

var (
	// ErrNotFound is returned when the requested resource does not exist.
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")

	// ErrDuplicateEnrollment signals that an ACTIVE template already exists for
	// the (user, biometric type) pair. Enrollment never overwrites it.
	ErrDuplicateEnrollment = errors.New("duplicate enrollment")
	// ErrQualityRejected is returned when a capture is below the accepted quality floor.
	ErrQualityRejected          = errors.New("capture quality rejected")
	ErrUnsupportedBiometricType = errors.New("unsupported biometric type")
	// ErrTerminalStatus rejects any transition out of DELETED.
	ErrTerminalStatus     = errors.New("template status is terminal")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrNoEnrolledTemplate = errors.New("no enrolled template")
	ErrInvalidSyncTarget  = errors.New("invalid sync target")
	ErrReviewClosed       = errors.New("review already resolved")
	ErrNotUnderReview     = errors.New("attempt is not pending review")

	// ErrLeaseUnavailable means the per-identity enrollment lease could not be
	// acquired before the wait elapsed. Callers may retry.
	ErrLeaseUnavailable  = errors.New("enrollment lease unavailable")
	ErrEngineOverloaded  = errors.New("authentication engine overloaded")
	ErrDeviceUnreachable = errors.New("device unreachable")
	// ErrDeviceRejected is a confirmed refusal from the controller, as opposed
	// to a transport failure.
	ErrDeviceRejected       = errors.New("device rejected operation")
	ErrAlgorithmFault       = errors.New("matching algorithm fault")
	ErrAlgorithmUnavailable = errors.New("matching algorithm unavailable")
	// ErrClaimLost means a sync row was re-claimed by another sweeper before
	// its outcome could be recorded.
	ErrClaimLost = errors.New("sync claim no longer held")
)
