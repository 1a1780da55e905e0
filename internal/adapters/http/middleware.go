package http

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
)

type ctxKey string

const (
	ctxKeyRequestID ctxKey = "request_id"
	ctxKeyClaims    ctxKey = "operator_claims"
)

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				httpLogger().ErrorContext(r.Context(), "panic recovered",
					"operation", "http_panic_recovery",
					"outcome", "failure",
					"request_id", requestIDFromContext(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec,
				)
				writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(payload []byte) (int, error) {
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(payload)
	r.bytes += n
	return n, err
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		statusCode := recorder.statusCode
		if statusCode == 0 {
			statusCode = http.StatusOK
		}
		outcome := "success"
		if statusCode >= 400 {
			outcome = "failure"
		}

		fields := []any{
			"operation", "http_request",
			"outcome", outcome,
			"method", r.Method,
			"path", r.URL.Path,
			"status_code", statusCode,
			"bytes", recorder.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestIDFromContext(r.Context()),
		}
		switch {
		case statusCode >= 500:
			httpLogger().ErrorContext(r.Context(), "http request completed", fields...)
		case statusCode >= 400:
			httpLogger().WarnContext(r.Context(), "http request completed", fields...)
		default:
			httpLogger().InfoContext(r.Context(), "http request completed", fields...)
		}
	})
}

// authMiddleware requires a valid operator token carrying one of roles.
func (h *Handler) authMiddleware(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerTokenFromHeader(r.Header.Get("Authorization"))
			if err != nil {
				writeMissingBearerError(r.Context(), w, "operator_auth")
				return
			}
			if h.verifier == nil {
				writeMappedError(r.Context(), w, "operator_auth", domain.ErrUnauthorized)
				return
			}
			claims, err := h.verifier.ParseAndValidate(raw)
			if err != nil {
				writeMappedError(r.Context(), w, "operator_auth", errors.Join(domain.ErrUnauthorized, err))
				return
			}
			if len(roles) > 0 && !slices.Contains(roles, claims.Role) {
				logHTTPOperationError(r.Context(), "operator_auth", http.StatusForbidden, "FORBIDDEN", "role not allowed", nil)
				writeError(w, http.StatusForbidden, "FORBIDDEN", "role not allowed")
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func requestIDFromContext(ctx context.Context) string {
	v := ctx.Value(ctxKeyRequestID)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func claimsFromContext(ctx context.Context) (ports.OperatorClaims, bool) {
	v := ctx.Value(ctxKeyClaims)
	claims, ok := v.(ports.OperatorClaims)
	return claims, ok
}

func bearerTokenFromHeader(header string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("missing bearer token")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func mapDomainError(err error) (int, string, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error()
	case errors.Is(err, domain.ErrUnsupportedBiometricType):
		return http.StatusBadRequest, "UNSUPPORTED_BIOMETRIC_TYPE", err.Error()
	case errors.Is(err, domain.ErrInvalidSyncTarget):
		return http.StatusBadRequest, "INVALID_SYNC_TARGET", err.Error()
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing credentials"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "resource not found"
	case errors.Is(err, domain.ErrDuplicateEnrollment):
		return http.StatusConflict, "DUPLICATE_ENROLLMENT", "an active template already exists for this user and type"
	case errors.Is(err, domain.ErrTerminalStatus):
		return http.StatusConflict, "TERMINAL_STATUS", err.Error()
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION", err.Error()
	case errors.Is(err, domain.ErrReviewClosed):
		return http.StatusConflict, "REVIEW_CLOSED", "review already resolved"
	case errors.Is(err, domain.ErrNotUnderReview):
		return http.StatusConflict, "NOT_UNDER_REVIEW", "attempt is not pending review"
	case errors.Is(err, domain.ErrQualityRejected):
		return http.StatusUnprocessableEntity, "QUALITY_REJECTED", err.Error()
	case errors.Is(err, domain.ErrNoEnrolledTemplate):
		return http.StatusUnprocessableEntity, "NO_ENROLLED_TEMPLATE", err.Error()
	case errors.Is(err, domain.ErrLeaseUnavailable):
		return http.StatusServiceUnavailable, "LEASE_UNAVAILABLE", "identity is being modified, retry later"
	case errors.Is(err, domain.ErrEngineOverloaded):
		return http.StatusServiceUnavailable, "ENGINE_OVERLOADED", "authentication engine overloaded"
	case errors.Is(err, domain.ErrDeviceUnreachable):
		return http.StatusBadGateway, "DEVICE_UNREACHABLE", err.Error()
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"
	}
}
