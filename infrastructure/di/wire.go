//go:build wireinject
// +build wireinject

package di

import (
	"context"

	"github.com/google/wire"
	"go.uber.org/zap"

	"echocog/infrastructure/config"
)

// InitializeContainer creates a fully wired container. The cleanup closes
// instances, then the repository, then flushes traces.
func InitializeContainer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Container, func(), error) {
	wire.Build(SuperSet)
	return nil, nil, nil
}
