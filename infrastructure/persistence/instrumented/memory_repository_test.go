package instrumented

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"echocog/application/ports"
	"echocog/domain/core/valueobjects"
	"echocog/infrastructure/persistence/memory"
	"echocog/infrastructure/persistence/repotest"
	"echocog/pkg/observability"
)

func TestInstrumentedRepository_Contract(t *testing.T) {
	repotest.RunContract(t, func(t *testing.T) ports.MemoryRepository {
		tp := sdktrace.NewTracerProvider()
		return Wrap(memory.NewMemoryRepository(), tp.Tracer("test"), observability.NewCollector("test"), "memory")
	})
}

func TestInstrumentedRepository_RecordsSpansAndMetrics(t *testing.T) {
	ctx := context.Background()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	collector := observability.NewCollector("test")
	repo := Wrap(memory.NewMemoryRepository(), tp.Tracer("test"), collector, "memory")

	m := repotest.NewMemory(t, valueobjects.MemoryTypeDeclarative, "traced")
	require.NoError(t, repo.Add(ctx, m))
	_, err := repo.Get(ctx, m.ID())
	require.NoError(t, err)
	_, err = repo.Get(ctx, valueobjects.NewMemoryID())
	require.Error(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 3)
	assert.Equal(t, "MemoryRepository.Add", spans[0].Name)
	assert.Equal(t, "MemoryRepository.Get", spans[1].Name)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.StoreOperations.WithLabelValues("Get", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.StoreOperations.WithLabelValues("Get", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.StoreOperations.WithLabelValues("Add", "ok")))
}
