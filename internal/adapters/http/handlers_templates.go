package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/application"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
)

type enrollRequest struct {
	UserID         string     `json:"user_id"`
	BiometricType  string     `json:"biometric_type"`
	FeatureData    []byte     `json:"feature_data"`
	QualityScore   float64    `json:"quality_score"`
	MinQuality     *float64   `json:"min_quality,omitempty"`
	MatchThreshold *float64   `json:"match_threshold,omitempty"`
	CaptureTime    *time.Time `json:"capture_time,omitempty"`
}

type setStatusRequest struct {
	Status string `json:"status"`
}

type syncOutcomeView struct {
	TemplateID      string     `json:"template_id"`
	DeviceID        string     `json:"device_id"`
	Direction       string     `json:"direction"`
	Result          string     `json:"result"`
	AttemptCount    int        `json:"attempt_count"`
	FirstQueuedAt   time.Time  `json:"first_queued_at"`
	LastAttemptTime *time.Time `json:"last_attempt_time,omitempty"`
	NextAttemptAt   time.Time  `json:"next_attempt_at"`
	LastError       string     `json:"last_error,omitempty"`
	AlertedAt       *time.Time `json:"alerted_at,omitempty"`
}

func (h *Handler) enroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := decodeBody(r, &req); err != nil {
		writeMappedError(r.Context(), w, "enroll_template", err)
		return
	}
	biometricType, err := domain.ParseBiometricType(req.BiometricType)
	if err != nil {
		writeMappedError(r.Context(), w, "enroll_template", err)
		return
	}
	in := application.EnrollRequest{
		UserID:         strings.TrimSpace(req.UserID),
		BiometricType:  biometricType,
		FeatureData:    req.FeatureData,
		QualityScore:   req.QualityScore,
		MinQuality:     req.MinQuality,
		MatchThreshold: req.MatchThreshold,
	}
	if req.CaptureTime != nil {
		in.CaptureTime = *req.CaptureTime
	}
	resp, err := h.service.Enroll(r.Context(), in)
	if err != nil {
		writeMappedError(r.Context(), w, "enroll_template", err)
		return
	}
	writeSuccess(w, http.StatusCreated, resp)
}

func (h *Handler) getTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "template_id")
	if err != nil {
		writeMappedError(r.Context(), w, "get_template", err)
		return
	}
	view, err := h.service.GetTemplate(r.Context(), id)
	if err != nil {
		writeMappedError(r.Context(), w, "get_template", err)
		return
	}
	writeSuccess(w, http.StatusOK, view)
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "template_id")
	if err != nil {
		writeMappedError(r.Context(), w, "revoke_template", err)
		return
	}
	resp, err := h.service.Revoke(r.Context(), id)
	if err != nil {
		writeMappedError(r.Context(), w, "revoke_template", err)
		return
	}
	writeSuccess(w, http.StatusAccepted, resp)
}

func (h *Handler) listUserTemplates(w http.ResponseWriter, r *http.Request) {
	biometricType, err := biometricTypeFromQuery(r)
	if err != nil {
		writeMappedError(r.Context(), w, "list_user_templates", err)
		return
	}
	views, err := h.service.ListUserTemplates(r.Context(), chi.URLParam(r, "user_id"), biometricType)
	if err != nil {
		writeMappedError(r.Context(), w, "list_user_templates", err)
		return
	}
	writeSuccess(w, http.StatusOK, views)
}

func (h *Handler) revokeUser(w http.ResponseWriter, r *http.Request) {
	biometricType, err := biometricTypeFromQuery(r)
	if err != nil {
		writeMappedError(r.Context(), w, "revoke_user", err)
		return
	}
	resp, err := h.service.RevokeUser(r.Context(), chi.URLParam(r, "user_id"), biometricType)
	if err != nil {
		writeMappedError(r.Context(), w, "revoke_user", err)
		return
	}
	writeSuccess(w, http.StatusAccepted, resp)
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "template_id")
	if err != nil {
		writeMappedError(r.Context(), w, "set_template_status", err)
		return
	}
	var req setStatusRequest
	if err := decodeBody(r, &req); err != nil {
		writeMappedError(r.Context(), w, "set_template_status", err)
		return
	}
	status, err := domain.ParseTemplateStatus(req.Status)
	if err != nil {
		writeMappedError(r.Context(), w, "set_template_status", err)
		return
	}
	view, err := h.service.SetStatus(r.Context(), id, status)
	if err != nil {
		writeMappedError(r.Context(), w, "set_template_status", err)
		return
	}
	writeSuccess(w, http.StatusOK, view)
}

func (h *Handler) templateStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.TemplateStats(r.Context())
	if err != nil {
		writeMappedError(r.Context(), w, "template_stats", err)
		return
	}
	byType := make(map[string]map[string]int64, len(stats.ByTypeAndStatus))
	for t, statuses := range stats.ByTypeAndStatus {
		inner := make(map[string]int64, len(statuses))
		for s, n := range statuses {
			inner[string(s)] = n
		}
		byType[string(t)] = inner
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"total":   stats.Total,
		"by_type": byType,
	})
}

func (h *Handler) listSyncOutcomes(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "template_id")
	if err != nil {
		writeMappedError(r.Context(), w, "list_sync_outcomes", err)
		return
	}
	rows, err := h.service.ListSyncOutcomes(r.Context(), id)
	if err != nil {
		writeMappedError(r.Context(), w, "list_sync_outcomes", err)
		return
	}
	out := make([]syncOutcomeView, 0, len(rows))
	for _, row := range rows {
		out = append(out, syncOutcomeView{
			TemplateID:      row.TemplateID.String(),
			DeviceID:        row.DeviceID,
			Direction:       string(row.Direction),
			Result:          string(row.Result),
			AttemptCount:    row.AttemptCount,
			FirstQueuedAt:   row.FirstQueuedAt,
			LastAttemptTime: row.LastAttemptTime,
			NextAttemptAt:   row.NextAttemptAt,
			LastError:       row.LastError,
			AlertedAt:       row.AlertedAt,
		})
	}
	writeSuccess(w, http.StatusOK, out)
}

type deviceRequest struct {
	Protocol       string   `json:"protocol"`
	Endpoint       string   `json:"endpoint"`
	Enabled        *bool    `json:"enabled,omitempty"`
	SupportedTypes []string `json:"supported_types,omitempty"`
}

type deviceView struct {
	DeviceID       string    `json:"device_id"`
	Protocol       string    `json:"protocol"`
	Endpoint       string    `json:"endpoint"`
	Enabled        bool      `json:"enabled"`
	SupportedTypes []string  `json:"supported_types"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (h *Handler) upsertDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := decodeBody(r, &req); err != nil {
		writeMappedError(r.Context(), w, "upsert_device", err)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	device, err := h.service.UpsertDevice(r.Context(), application.DeviceRequest{
		DeviceID:       chi.URLParam(r, "device_id"),
		Protocol:       req.Protocol,
		Endpoint:       req.Endpoint,
		Enabled:        enabled,
		SupportedTypes: req.SupportedTypes,
	})
	if err != nil {
		writeMappedError(r.Context(), w, "upsert_device", err)
		return
	}
	types := make([]string, 0, len(device.SupportedTypes))
	for _, t := range device.SupportedTypes {
		types = append(types, string(t))
	}
	writeSuccess(w, http.StatusOK, deviceView{
		DeviceID:       device.DeviceID,
		Protocol:       device.Protocol,
		Endpoint:       device.Endpoint,
		Enabled:        device.Enabled,
		SupportedTypes: types,
		CreatedAt:      device.CreatedAt,
		UpdatedAt:      device.UpdatedAt,
	})
}
