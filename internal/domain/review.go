package domain

import (
	"fmt"
	"strings"
)

// ReviewStatus is the manual review state of an authentication attempt.
type ReviewStatus string

const (
	ReviewNotReviewed ReviewStatus = "NOT_REVIEWED"
	ReviewPending     ReviewStatus = "PENDING"
	ReviewApproved    ReviewStatus = "APPROVED"
	ReviewRejected    ReviewStatus = "REJECTED"
)

// InitialReviewStatus is PENDING for suspicious attempts, NOT_REVIEWED otherwise.
func InitialReviewStatus(suspicious bool) ReviewStatus {
	if suspicious {
		return ReviewPending
	}
	return ReviewNotReviewed
}

func ParseReviewDecision(raw string) (ReviewStatus, error) {
	switch s := ReviewStatus(strings.ToUpper(strings.TrimSpace(raw))); s {
	case ReviewApproved, ReviewRejected:
		return s, nil
	default:
		return "", fmt.Errorf("%w: review decision must be APPROVED or REJECTED", ErrInvalidInput)
	}
}

// Terminal reports whether no further review transition is allowed.
func (s ReviewStatus) Terminal() bool {
	return s == ReviewApproved || s == ReviewRejected
}

// Resolve validates PENDING -> APPROVED|REJECTED.
func (s ReviewStatus) Resolve(decision ReviewStatus) error {
	if decision != ReviewApproved && decision != ReviewRejected {
		return fmt.Errorf("%w: unsupported decision %q", ErrInvalidInput, decision)
	}
	switch s {
	case ReviewPending:
		return nil
	case ReviewApproved, ReviewRejected:
		return ErrReviewClosed
	default:
		return ErrNotUnderReview
	}
}
