package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"echocog/domain/core/entities"
	"echocog/domain/core/valueobjects"
	pkgerrors "echocog/pkg/errors"
)

// MemoryHandler serves the memory operations of one instance
type MemoryHandler struct {
	base
}

func NewMemoryHandler(pool InstancePool, logger *zap.Logger, errorHandler *pkgerrors.ErrorHandler) *MemoryHandler {
	return &MemoryHandler{base{pool: pool, logger: logger, errorHandler: errorHandler}}
}

// CreateMemoryRequest is the body of POST /memories
type CreateMemoryRequest struct {
	Type    string   `json:"type" validate:"required,oneof=declarative procedural episodic intentional"`
	Content string   `json:"content" validate:"required"`
	Tags    []string `json:"tags,omitempty" validate:"omitempty,dive,required"`
}

// ConnectRequest is the body of POST /memories/{memoryID}/connections
type ConnectRequest struct {
	TargetID string `json:"targetId" validate:"required,uuid"`
}

// EnergyRequest is the body of POST /memories/{memoryID}/energy
type EnergyRequest struct {
	Delta *float64 `json:"delta" validate:"required,gte=-1,lte=1"`
}

// ResonanceRequest is the body of POST /memories/{memoryID}/resonance
type ResonanceRequest struct {
	ContextTags []string `json:"contextTags" validate:"required"`
}

// CreateMemory handles POST /memories
func (h *MemoryHandler) CreateMemory(w http.ResponseWriter, r *http.Request) {
	inst, err := h.instance(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req CreateMemoryRequest
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	m, err := inst.CreateMemory(r.Context(), valueobjects.MemoryType(req.Type), req.Content, req.Tags)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, m.Snapshot())
}

// SearchMemories handles GET /memories?q=&type=&tag=&sort=
//
// Without q it lists by tag or by type when either is given. sort=resonance
// orders by descending resonance; otherwise the store order is kept.
func (h *MemoryHandler) SearchMemories(w http.ResponseWriter, r *http.Request) {
	inst, err := h.instance(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	query := r.URL.Query()

	var memType *valueobjects.MemoryType
	if raw := query.Get("type"); raw != "" {
		t, err := valueobjects.ParseMemoryType(raw)
		if err != nil {
			h.respondError(w, r, pkgerrors.NewValidationError(err.Error()))
			return
		}
		memType = &t
	}

	sortBy := query.Get("sort")
	if sortBy != "" && sortBy != "resonance" {
		h.respondError(w, r, pkgerrors.NewValidationError("sort must be resonance"))
		return
	}

	var found []*entities.Memory
	q, tag := query.Get("q"), query.Get("tag")
	switch {
	case q == "" && tag != "":
		found, err = inst.ListByTag(r.Context(), tag)
	case q == "" && memType != nil:
		found, err = inst.ListByType(r.Context(), *memType)
	default:
		found, err = inst.SearchMemories(r.Context(), q, memType)
	}
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if sortBy == "resonance" {
		entities.SortByResonance(found)
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"memories": snapshots(found),
		"count":    len(found),
	})
}

// GetMemory handles GET /memories/{memoryID}
func (h *MemoryHandler) GetMemory(w http.ResponseWriter, r *http.Request) {
	inst, err := h.instance(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	id, err := memoryID(r, "memoryID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	m, err := inst.GetMemory(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if m == nil {
		h.respondError(w, r, pkgerrors.NewNotFoundError("memory "+id.String()))
		return
	}
	h.respondJSON(w, http.StatusOK, m.Snapshot())
}

// DeleteMemory handles DELETE /memories/{memoryID}
func (h *MemoryHandler) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	inst, err := h.instance(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	id, err := memoryID(r, "memoryID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	if err := inst.RemoveMemory(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ConnectMemories handles POST /memories/{memoryID}/connections
func (h *MemoryHandler) ConnectMemories(w http.ResponseWriter, r *http.Request) {
	inst, err := h.instance(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	source, err := memoryID(r, "memoryID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req ConnectRequest
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	target, err := valueobjects.NewMemoryIDFromString(req.TargetID)
	if err != nil {
		h.respondError(w, r, pkgerrors.NewValidationError(err.Error()))
		return
	}

	if err := inst.ConnectMemories(r.Context(), source, target); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{
		"sourceId": source.String(),
		"targetId": target.String(),
	})
}

// UpdateEnergy handles POST /memories/{memoryID}/energy
func (h *MemoryHandler) UpdateEnergy(w http.ResponseWriter, r *http.Request) {
	inst, err := h.instance(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	id, err := memoryID(r, "memoryID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req EnergyRequest
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	m, err := inst.UpdateMemoryEnergy(r.Context(), id, *req.Delta)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, m.Snapshot())
}

// UpdateResonance handles POST /memories/{memoryID}/resonance
func (h *MemoryHandler) UpdateResonance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.instance(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	id, err := memoryID(r, "memoryID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req ResonanceRequest
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	m, err := inst.UpdateMemoryResonance(r.Context(), id, req.ContextTags)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, m.Snapshot())
}
