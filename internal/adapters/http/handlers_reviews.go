package http

import (
	"net/http"

	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
)

type resolveReviewRequest struct {
	Decision string `json:"decision"`
	Comment  string `json:"comment,omitempty"`
}

func (h *Handler) listReviews(w http.ResponseWriter, r *http.Request) {
	filter, err := attemptFilterFromQuery(r)
	if err != nil {
		writeMappedError(r.Context(), w, "list_pending_reviews", err)
		return
	}
	attempts, err := h.service.ListPendingReviews(r.Context(), filter)
	if err != nil {
		writeMappedError(r.Context(), w, "list_pending_reviews", err)
		return
	}
	writeSuccess(w, http.StatusOK, toAttemptViews(attempts))
}

func (h *Handler) listAttempts(w http.ResponseWriter, r *http.Request) {
	filter, err := attemptFilterFromQuery(r)
	if err != nil {
		writeMappedError(r.Context(), w, "list_attempts", err)
		return
	}
	attempts, err := h.service.ListAttempts(r.Context(), filter)
	if err != nil {
		writeMappedError(r.Context(), w, "list_attempts", err)
		return
	}
	writeSuccess(w, http.StatusOK, toAttemptViews(attempts))
}

// resolveReview records the decision of the operator named by the token subject.
func (h *Handler) resolveReview(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeMappedError(r.Context(), w, "resolve_review", domain.ErrUnauthorized)
		return
	}
	authID, err := uuidParam(r, "auth_id")
	if err != nil {
		writeMappedError(r.Context(), w, "resolve_review", err)
		return
	}
	var req resolveReviewRequest
	if err := decodeBody(r, &req); err != nil {
		writeMappedError(r.Context(), w, "resolve_review", err)
		return
	}
	decision, err := domain.ParseReviewDecision(req.Decision)
	if err != nil {
		writeMappedError(r.Context(), w, "resolve_review", err)
		return
	}
	attempt, err := h.service.ResolveReview(r.Context(), authID, decision, claims.Subject, req.Comment)
	if err != nil {
		writeMappedError(r.Context(), w, "resolve_review", err)
		return
	}
	writeSuccess(w, http.StatusOK, toAttemptView(attempt))
}
