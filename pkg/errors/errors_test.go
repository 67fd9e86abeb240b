package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		err    *AppError
		typ    ErrorType
		status int
		is     func(error) bool
	}{
		{"validation", NewValidationError("content cannot be empty"), ErrorTypeValidation, http.StatusBadRequest, IsValidation},
		{"not found", NewNotFoundError("memory abc"), ErrorTypeNotFound, http.StatusNotFound, IsNotFound},
		{"invalid connection", NewInvalidConnectionError("self"), ErrorTypeInvalidConnection, http.StatusUnprocessableEntity, IsInvalidConnection},
		{"missing entity", NewMissingEntityError("memory abc"), ErrorTypeMissingEntity, http.StatusNotFound, IsMissingEntity},
		{"conflict", NewConflictError("version moved"), ErrorTypeConflict, http.StatusConflict, IsConflict},
		{"stale", NewStaleError("older"), ErrorTypeStale, http.StatusConflict, IsStale},
		{"transmission", NewTransmissionError("publish failed", errors.New("closed")), ErrorTypeTransmission, http.StatusBadGateway, IsTransmission},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.typ, tt.err.Type)
			assert.Equal(t, tt.status, tt.err.HTTPStatus)
			assert.NotEmpty(t, tt.err.StackTrace)
			assert.True(t, tt.is(tt.err))
			assert.True(t, tt.is(fmt.Errorf("outer: %w", tt.err)), "predicate should see through wrapping")
		})
	}
}

func TestWrap(t *testing.T) {
	t.Run("Should keep the type of an AppError", func(t *testing.T) {
		original := NewNotFoundError("memory x")
		wrapped := Wrap(original, "connect")

		assert.True(t, IsNotFound(wrapped))
		assert.Contains(t, wrapped.Error(), "connect: memory x not found")
		assert.Equal(t, "memory x not found", original.Message, "original must not be mutated")
	})

	t.Run("Should wrap plain errors as internal", func(t *testing.T) {
		cause := errors.New("disk full")
		wrapped := Wrap(cause, "save")

		assert.True(t, IsType(wrapped, ErrorTypeInternal))
		assert.ErrorIs(t, wrapped, cause)
	})

	t.Run("Should return nil for nil", func(t *testing.T) {
		assert.Nil(t, Wrap(nil, "noop"))
	})
}

func TestErrorHandler_Handle(t *testing.T) {
	h := NewErrorHandler(zap.NewNop(), false)

	t.Run("Should map AppError status and type", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/memories/x", nil)
		h.Handle(rec, req, NewNotFoundError("memory x"))

		require.Equal(t, http.StatusNotFound, rec.Code)
		var body ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.True(t, body.Error)
		assert.Equal(t, string(ErrorTypeNotFound), body.Type)
	})

	t.Run("Should hide plain error messages outside debug", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		h.Handle(rec, req, errors.New("secret detail"))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "secret detail")
	})

	t.Run("Should flag retryable failures", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		h.Handle(rec, req, NewUnavailableError("instance a"))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "1", rec.Header().Get("Retry-After"))
		var body ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.True(t, body.Retryable)
	})

	t.Run("Should recover panics in middleware", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		h.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		})).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
