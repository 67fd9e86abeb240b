// Package handlers adapts HTTP requests to instance operations.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"echocog/application/core"
	"echocog/domain/core/entities"
	"echocog/domain/core/valueobjects"
	pkgerrors "echocog/pkg/errors"
)

// InstancePool is the part of core.Pool the handlers use
type InstancePool interface {
	Open(ctx context.Context) (*core.Instance, error)
	Get(id string) (*core.Instance, error)
	List() []string
	Close(ctx context.Context, id string) error
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// base carries what every handler needs
type base struct {
	pool         InstancePool
	logger       *zap.Logger
	errorHandler *pkgerrors.ErrorHandler
}

func (b *base) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		b.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (b *base) respondError(w http.ResponseWriter, r *http.Request, err error) {
	b.errorHandler.Handle(w, r, err)
}

// decode reads the JSON body into dst and validates its struct tags
func (b *base) decode(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return pkgerrors.NewValidationError("invalid request body: " + err.Error())
	}
	if err := validate.Struct(dst); err != nil {
		return pkgerrors.NewValidationError(validationMessage(err))
	}
	return nil
}

func validationMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Field()+" failed '"+fe.Tag()+"'")
	}
	return "validation error: " + strings.Join(parts, ", ")
}

// instance resolves the {instanceID} path parameter
func (b *base) instance(r *http.Request) (*core.Instance, error) {
	return b.pool.Get(chi.URLParam(r, "instanceID"))
}

// memoryID parses a memory id path parameter
func memoryID(r *http.Request, param string) (valueobjects.MemoryID, error) {
	id, err := valueobjects.NewMemoryIDFromString(chi.URLParam(r, param))
	if err != nil {
		return valueobjects.MemoryID{}, pkgerrors.NewValidationError(err.Error())
	}
	return id, nil
}

func snapshots(memories []*entities.Memory) []entities.MemorySnapshot {
	out := make([]entities.MemorySnapshot, 0, len(memories))
	for _, m := range memories {
		out = append(out, m.Snapshot())
	}
	return out
}
