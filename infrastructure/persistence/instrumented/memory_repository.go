// Package instrumented decorates a MemoryRepository with tracing spans and
// operation metrics without changing its behavior.
package instrumented

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"echocog/application/ports"
	"echocog/domain/core/entities"
	"echocog/domain/core/valueobjects"
	pkgerrors "echocog/pkg/errors"
	"echocog/pkg/observability"
)

// Recorder receives one call per repository operation.
// observability.Collector implements it.
type Recorder interface {
	RecordStoreOperation(operation string, d time.Duration, err error)
}

type MemoryRepository struct {
	inner    ports.MemoryRepository
	tracer   trace.Tracer
	recorder Recorder
	backend  string
}

var _ ports.MemoryRepository = (*MemoryRepository)(nil)

// Wrap decorates inner. backend names the storage engine on every span.
func Wrap(inner ports.MemoryRepository, tracer trace.Tracer, recorder Recorder, backend string) *MemoryRepository {
	return &MemoryRepository{inner: inner, tracer: tracer, recorder: recorder, backend: backend}
}

func (r *MemoryRepository) observe(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(context.Context) error) error {
	attrs = append(attrs, attribute.String("db.system", r.backend))
	ctx, span := r.tracer.Start(ctx, "MemoryRepository."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)

	start := time.Now()
	err := fn(ctx)
	if r.recorder != nil {
		r.recorder.RecordStoreOperation(op, time.Since(start), err)
	}

	if pkgerrors.IsNotFound(err) || pkgerrors.IsConflict(err) {
		// expected outcomes the callers branch on
		span.SetAttributes(observability.AttrOutcome.String(string(pkgerrors.GetAppError(err).Type)))
		span.End()
		return err
	}
	observability.EndSpan(span, err)
	return err
}

func memoryAttr(id valueobjects.MemoryID) []attribute.KeyValue {
	return []attribute.KeyValue{observability.AttrMemoryID.String(id.String())}
}

func (r *MemoryRepository) Get(ctx context.Context, id valueobjects.MemoryID) (*entities.Memory, error) {
	var m *entities.Memory
	err := r.observe(ctx, "Get", memoryAttr(id), func(ctx context.Context) error {
		var err error
		m, err = r.inner.Get(ctx, id)
		return err
	})
	return m, err
}

func (r *MemoryRepository) Add(ctx context.Context, memory *entities.Memory) error {
	return r.observe(ctx, "Add", memoryAttr(memory.ID()), func(ctx context.Context) error {
		return r.inner.Add(ctx, memory)
	})
}

func (r *MemoryRepository) Update(ctx context.Context, memory *entities.Memory, expectedVersion int) error {
	attrs := append(memoryAttr(memory.ID()), attribute.Int("memory.expected_version", expectedVersion))
	return r.observe(ctx, "Update", attrs, func(ctx context.Context) error {
		return r.inner.Update(ctx, memory, expectedVersion)
	})
}

func (r *MemoryRepository) Delete(ctx context.Context, id valueobjects.MemoryID) error {
	return r.observe(ctx, "Delete", memoryAttr(id), func(ctx context.Context) error {
		return r.inner.Delete(ctx, id)
	})
}

func (r *MemoryRepository) Transact(ctx context.Context, tx ports.Transaction) error {
	attrs := []attribute.KeyValue{
		attribute.Int("tx.puts", len(tx.Puts)),
		attribute.Int("tx.deletes", len(tx.Deletes)),
	}
	return r.observe(ctx, "Transact", attrs, func(ctx context.Context) error {
		return r.inner.Transact(ctx, tx)
	})
}

func (r *MemoryRepository) RecordAccess(ctx context.Context, id valueobjects.MemoryID, at time.Time) error {
	return r.observe(ctx, "RecordAccess", memoryAttr(id), func(ctx context.Context) error {
		return r.inner.RecordAccess(ctx, id, at)
	})
}

func (r *MemoryRepository) FindByType(ctx context.Context, memType valueobjects.MemoryType) ([]*entities.Memory, error) {
	var out []*entities.Memory
	attrs := []attribute.KeyValue{attribute.String("memory.type", string(memType))}
	err := r.observe(ctx, "FindByType", attrs, func(ctx context.Context) error {
		var err error
		out, err = r.inner.FindByType(ctx, memType)
		return err
	})
	return out, err
}

func (r *MemoryRepository) FindByTag(ctx context.Context, tag string) ([]*entities.Memory, error) {
	var out []*entities.Memory
	attrs := []attribute.KeyValue{attribute.String("memory.tag", tag)}
	err := r.observe(ctx, "FindByTag", attrs, func(ctx context.Context) error {
		var err error
		out, err = r.inner.FindByTag(ctx, tag)
		return err
	})
	return out, err
}

func (r *MemoryRepository) List(ctx context.Context) ([]*entities.Memory, error) {
	var out []*entities.Memory
	err := r.observe(ctx, "List", nil, func(ctx context.Context) error {
		var err error
		out, err = r.inner.List(ctx)
		return err
	})
	return out, err
}

func (r *MemoryRepository) Close() error {
	return r.inner.Close()
}
