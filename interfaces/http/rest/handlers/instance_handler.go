package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"echocog/application/metrics"
	pkgerrors "echocog/pkg/errors"
)

// History returns sampled system metrics. metrics.Monitor implements it.
type History interface {
	History(d time.Duration) []metrics.SystemMetrics
}

const defaultHistoryWindow = time.Hour

// InstanceHandler opens and closes instances and reports on them
type InstanceHandler struct {
	base
	history History
}

func NewInstanceHandler(pool InstancePool, history History, logger *zap.Logger, errorHandler *pkgerrors.ErrorHandler) *InstanceHandler {
	return &InstanceHandler{
		base:    base{pool: pool, logger: logger, errorHandler: errorHandler},
		history: history,
	}
}

// OpenInstance handles POST /instances
func (h *InstanceHandler) OpenInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.pool.Open(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]string{"instanceId": inst.ID()})
}

// ListInstances handles GET /instances
func (h *InstanceHandler) ListInstances(w http.ResponseWriter, r *http.Request) {
	ids := h.pool.List()
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"instances": ids,
		"count":     len(ids),
	})
}

// CloseInstance handles DELETE /instances/{instanceID}
func (h *InstanceHandler) CloseInstance(w http.ResponseWriter, r *http.Request) {
	if err := h.pool.Close(r.Context(), chi.URLParam(r, "instanceID")); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SyncStatus handles GET /sync/status as a server-sent event stream. The
// current status is sent first, then every change until the client goes
// away or the instance closes.
func (h *InstanceHandler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	inst, err := h.instance(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	updates, cancel := inst.SyncStatus()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case s, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(s)
			if err != nil {
				h.logger.Error("Failed to encode sync status", zap.Error(err))
				return
			}
			if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				h.logger.Debug("Streaming not supported", zap.Error(err))
				return
			}
		}
	}
}

// SystemMetricsResponse is the body of GET /metrics/system
type SystemMetricsResponse struct {
	Current               metrics.SystemMetrics   `json:"current"`
	EnergyDistribution    map[string]int          `json:"energyDistribution"`
	ResonanceDistribution map[string]int          `json:"resonanceDistribution"`
	AccessPatterns        map[int]int             `json:"accessPatterns"`
	History               []metrics.SystemMetrics `json:"history,omitempty"`
}

// SystemMetrics handles GET /metrics/system?window=
func (h *InstanceHandler) SystemMetrics(w http.ResponseWriter, r *http.Request) {
	inst, err := h.instance(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	window := defaultHistoryWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		window, err = time.ParseDuration(raw)
		if err != nil || window < 0 {
			h.respondError(w, r, pkgerrors.NewValidationError("window must be a positive duration such as 30m"))
			return
		}
	}

	current, err := inst.Metrics(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	memories, err := inst.AllMemories(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	resp := SystemMetricsResponse{
		Current:               current,
		EnergyDistribution:    metrics.EnergyDistribution(memories),
		ResonanceDistribution: metrics.ResonanceDistribution(memories),
		AccessPatterns:        metrics.AccessPatterns(memories, time.Now()),
	}
	if h.history != nil {
		resp.History = h.history.History(window)
	}
	h.respondJSON(w, http.StatusOK, resp)
}
