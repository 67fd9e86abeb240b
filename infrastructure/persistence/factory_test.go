package persistence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"echocog/domain/core/entities"
	"echocog/domain/core/valueobjects"
	"echocog/infrastructure/config"
	"echocog/pkg/observability"
)

func TestOpen(t *testing.T) {
	tracer := noop.NewTracerProvider().Tracer("test")

	tests := []struct {
		name string
		cfg  config.StorageConfig
	}{
		{"memory", config.StorageConfig{Backend: BackendMemory}},
		{"sqlite", config.StorageConfig{Backend: BackendSQLite, SQLitePath: filepath.Join(t.TempDir(), "echocog.db")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			collector := observability.NewCollector("test")

			repo, err := Open(ctx, tt.cfg, tracer, collector, zap.NewNop())
			require.NoError(t, err)
			defer repo.Close()

			m, err := entities.NewMemory(valueobjects.MemoryTypeDeclarative, "opened", nil, nil)
			require.NoError(t, err)
			require.NoError(t, repo.Add(ctx, m))

			all, err := repo.List(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 1)
		})
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.StorageConfig{Backend: "etcd"},
		noop.NewTracerProvider().Tracer("test"), nil, zap.NewNop())
	assert.Error(t, err)
}
