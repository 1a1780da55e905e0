package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/application"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
)

type authenticateRequest struct {
	UserID        string `json:"user_id,omitempty"`
	BiometricType string `json:"biometric_type"`
	ProbeData     []byte `json:"probe_data"`
	DeviceID      string `json:"device_id"`
	AuthType      string `json:"auth_type,omitempty"`
}

type attemptView struct {
	AuthID            string     `json:"auth_id"`
	UserID            string     `json:"user_id,omitempty"`
	TemplateID        *string    `json:"template_id,omitempty"`
	DeviceID          string     `json:"device_id"`
	BiometricType     string     `json:"biometric_type"`
	AuthType          string     `json:"auth_type"`
	Result            string     `json:"result"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	MatchScore        float64    `json:"match_score"`
	MatchThreshold    float64    `json:"match_threshold"`
	LivenessScore     float64    `json:"liveness_score"`
	LivenessThreshold float64    `json:"liveness_threshold"`
	LivenessPassed    bool       `json:"liveness_passed"`
	DurationMs        int64      `json:"duration_ms"`
	Suspicious        bool       `json:"suspicious"`
	SuspiciousReason  string     `json:"suspicious_reason,omitempty"`
	ReviewStatus      string     `json:"review_status"`
	ReviewerID        string     `json:"reviewer_id,omitempty"`
	ReviewTime        *time.Time `json:"review_time,omitempty"`
	ReviewComment     string     `json:"review_comment,omitempty"`
	AlgorithmVersion  string     `json:"algorithm_version,omitempty"`
	AttemptedAt       time.Time  `json:"attempted_at"`
}

func toAttemptView(a domain.AuthAttempt) attemptView {
	view := attemptView{
		AuthID:            a.AuthID.String(),
		UserID:            a.UserID,
		DeviceID:          a.DeviceID,
		BiometricType:     string(a.BiometricType),
		AuthType:          string(a.AuthType),
		Result:            string(a.Result),
		FailureReason:     string(a.FailureReason),
		MatchScore:        a.MatchScore,
		MatchThreshold:    a.MatchThreshold,
		LivenessScore:     a.LivenessScore,
		LivenessThreshold: a.LivenessThreshold,
		LivenessPassed:    a.LivenessPassed,
		DurationMs:        a.DurationMs,
		Suspicious:        a.Suspicious,
		SuspiciousReason:  a.SuspiciousReason(),
		ReviewStatus:      string(a.ReviewStatus),
		ReviewerID:        a.ReviewerID,
		ReviewTime:        a.ReviewTime,
		ReviewComment:     a.ReviewComment,
		AlgorithmVersion:  a.AlgorithmVersion,
		AttemptedAt:       a.AttemptedAt,
	}
	if a.TemplateID != nil {
		id := a.TemplateID.String()
		view.TemplateID = &id
	}
	return view
}

func toAttemptViews(attempts []domain.AuthAttempt) []attemptView {
	out := make([]attemptView, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, toAttemptView(a))
	}
	return out
}

// authenticate always answers 200 with the recorded attempt unless the request
// was malformed or the engine shed it.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) {
	var req authenticateRequest
	if err := decodeBody(r, &req); err != nil {
		writeMappedError(r.Context(), w, "authenticate", err)
		return
	}
	biometricType, err := domain.ParseBiometricType(req.BiometricType)
	if err != nil {
		writeMappedError(r.Context(), w, "authenticate", err)
		return
	}
	authType, err := domain.ParseAuthType(req.AuthType)
	if err != nil {
		writeMappedError(r.Context(), w, "authenticate", err)
		return
	}
	attempt, err := h.service.Authenticate(r.Context(), application.AuthenticateRequest{
		UserID:        req.UserID,
		BiometricType: biometricType,
		ProbeData:     req.ProbeData,
		DeviceID:      req.DeviceID,
		AuthType:      authType,
	})
	if errors.Is(err, domain.ErrEngineOverloaded) {
		status, code, message := mapDomainError(err)
		logHTTPOperationError(r.Context(), "authenticate", status, code, message, err)
		w.Header().Set("Retry-After", "1")
		writeJSON(w, status, apiError{Status: "error", Code: code, Message: message, AuthID: attempt.AuthID.String()})
		return
	}
	if err != nil {
		writeMappedError(r.Context(), w, "authenticate", err)
		return
	}
	writeSuccess(w, http.StatusOK, toAttemptView(attempt))
}
