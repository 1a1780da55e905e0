package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
)

const maxBodyBytes = 4 << 20

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s must be a uuid", domain.ErrInvalidInput, name)
	}
	return id, nil
}

// biometricTypeFromQuery reads an optional biometric_type filter; empty means all.
func biometricTypeFromQuery(r *http.Request) (domain.BiometricType, error) {
	raw := r.URL.Query().Get("biometric_type")
	if raw == "" {
		return "", nil
	}
	return domain.ParseBiometricType(raw)
}

// attemptFilterFromQuery reads user_id, device_id, biometric_type, since, until
// and limit. The service clamps the limit.
func attemptFilterFromQuery(r *http.Request) (domain.AttemptFilter, error) {
	q := r.URL.Query()
	biometricType, err := biometricTypeFromQuery(r)
	if err != nil {
		return domain.AttemptFilter{}, err
	}
	filter := domain.AttemptFilter{
		UserID:        strings.TrimSpace(q.Get("user_id")),
		DeviceID:      strings.TrimSpace(q.Get("device_id")),
		BiometricType: biometricType,
		Limit:         parseIntDefault(q.Get("limit"), 0),
	}
	for _, p := range []struct {
		key string
		dst *time.Time
	}{{"since", &filter.Since}, {"until", &filter.Until}} {
		raw := q.Get(p.key)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return domain.AttemptFilter{}, fmt.Errorf("%w: %s must be RFC3339", domain.ErrInvalidInput, p.key)
		}
		*p.dst = ts
	}
	return filter, nil
}

func writeMappedError(ctx context.Context, w http.ResponseWriter, operation string, err error) {
	status, code, message := mapDomainError(err)
	logHTTPOperationError(ctx, operation, status, code, message, err)
	writeError(w, status, code, message)
}

func writeMissingBearerError(ctx context.Context, w http.ResponseWriter, operation string) {
	logHTTPOperationError(ctx, operation, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token", errors.New("missing bearer token"))
	writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
}
