package http

import (
	"context"
	"net/http"
	"time"
)

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeMessage(w, http.StatusOK, "ok")
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			logHTTPOperationError(r.Context(), "readyz", http.StatusServiceUnavailable, "NOT_READY", "dependency unavailable", err)
			writeError(w, http.StatusServiceUnavailable, "NOT_READY", "dependency unavailable")
			return
		}
	}
	registry := h.service.Algorithms()
	algorithms := map[string]string{}
	for _, t := range registry.Types() {
		algorithms[string(t)] = string(registry.Health(t))
	}
	if !registry.Serving() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":     "error",
			"code":       "NOT_READY",
			"message":    "no matching algorithm is serving",
			"algorithms": algorithms,
		})
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"algorithms": algorithms})
}

func (h *Handler) metricsSnapshot(w http.ResponseWriter, _ *http.Request) {
	if h.metrics == nil {
		writeSuccess(w, http.StatusOK, map[string]any{})
		return
	}
	writeSuccess(w, http.StatusOK, h.metrics())
}
