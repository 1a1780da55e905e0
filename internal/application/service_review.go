package application

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// ListPendingReviews returns suspicious attempts still awaiting a reviewer.
func (s *Service) ListPendingReviews(ctx context.Context, filter domain.AttemptFilter) ([]domain.AuthAttempt, error) {
	filter.Limit = clampLimit(filter.Limit)
	return s.attempts.ListPendingReview(ctx, filter)
}

// ListAttempts returns the authentication history of one user, newest first.
func (s *Service) ListAttempts(ctx context.Context, filter domain.AttemptFilter) ([]domain.AuthAttempt, error) {
	if strings.TrimSpace(filter.UserID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", domain.ErrInvalidInput)
	}
	filter.Limit = clampLimit(filter.Limit)
	return s.attempts.ListByUser(ctx, filter)
}

// ResolveReview closes a PENDING review. APPROVED and REJECTED are terminal.
func (s *Service) ResolveReview(ctx context.Context, authID uuid.UUID, decision domain.ReviewStatus, reviewerID, comment string) (domain.AuthAttempt, error) {
	reviewerID = strings.TrimSpace(reviewerID)
	if reviewerID == "" {
		return domain.AuthAttempt{}, domain.ErrUnauthorized
	}
	if decision != domain.ReviewApproved && decision != domain.ReviewRejected {
		return domain.AuthAttempt{}, fmt.Errorf("%w: decision must be APPROVED or REJECTED", domain.ErrInvalidInput)
	}
	now := s.nowFn()
	resolved, err := s.attempts.ResolveReview(ctx, ports.ReviewResolution{
		AuthID:     authID,
		Decision:   decision,
		ReviewerID: reviewerID,
		Comment:    strings.TrimSpace(comment),
		At:         now,
	})
	if err != nil {
		return domain.AuthAttempt{}, err
	}

	s.logger.InfoContext(ctx, "review resolved",
		"module", "review",
		"layer", "application",
		"operation", "resolve",
		"outcome", "success",
		"auth_id", authID,
		"decision", decision,
		"reviewer_id", reviewerID,
	)
	s.enqueue(ctx, newOutboxEvent(eventTypeReviewResolved, resolved.UserID, now, map[string]any{
		"auth_id":     authID,
		"user_id":     resolved.UserID,
		"decision":    decision,
		"reviewer_id": reviewerID,
		"resolved_at": now,
	}))
	return resolved, nil
}

// EscalateOverdueReviews raises one alert per PENDING review older than the
// SLA. Reviews are never resolved automatically.
func (s *Service) EscalateOverdueReviews(ctx context.Context) (int, error) {
	if s.cfg.ReviewSLA <= 0 {
		return 0, nil
	}
	now := s.nowFn()
	overdue, err := s.attempts.ListOverduePending(ctx, now.Add(-s.cfg.ReviewSLA), s.cfg.ReviewBatchSize)
	if err != nil {
		return 0, err
	}
	escalated := 0
	for _, attempt := range overdue {
		s.raiseAlert(ctx, alertReviewOverdue, attempt.AuthID.String(), map[string]any{
			"auth_id":      attempt.AuthID.String(),
			"user_id":      attempt.UserID,
			"device_id":    attempt.DeviceID,
			"reasons":      attempt.SuspiciousReason(),
			"attempted_at": attempt.AttemptedAt,
		})
		if err := s.attempts.MarkReviewAlerted(ctx, attempt.AuthID, now); err != nil {
			return escalated, err
		}
		escalated++
	}
	return escalated, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
