// Package persistence opens the shared memory repository selected by
// configuration.
package persistence

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"echocog/application/ports"
	"echocog/infrastructure/config"
	"echocog/infrastructure/persistence/dynamodb"
	"echocog/infrastructure/persistence/instrumented"
	"echocog/infrastructure/persistence/memory"
	"echocog/infrastructure/persistence/sqlite"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
)

// Open creates the repository for cfg.Backend and wraps it with tracing and
// operation metrics. recorder may be nil.
func Open(ctx context.Context, cfg config.StorageConfig, tracer trace.Tracer, recorder instrumented.Recorder, logger *zap.Logger) (ports.MemoryRepository, error) {
	var (
		repo ports.MemoryRepository
		err  error
	)
	switch cfg.Backend {
	case BackendMemory:
		repo = memory.NewMemoryRepository()
	case BackendSQLite:
		repo, err = sqlite.NewMemoryRepository(cfg.SQLitePath, logger)
	case BackendDynamoDB:
		var client *awsdynamodb.Client
		client, err = NewDynamoDBClient(ctx, cfg)
		if err == nil {
			repo = dynamodb.NewMemoryRepository(client, cfg.DynamoDBTable, logger)
		}
	default:
		err = fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Repository opened", zap.String("backend", cfg.Backend))
	return instrumented.Wrap(repo, tracer, recorder, cfg.Backend), nil
}

// LoadAWSConfig resolves credentials and region for the AWS clients
func LoadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(loadCtx, awsconfig.WithRegion(region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

// NewDynamoDBClient builds a client, pointed at DynamoDBEndpoint when one
// is configured
func NewDynamoDBClient(ctx context.Context, cfg config.StorageConfig) (*awsdynamodb.Client, error) {
	awsCfg, err := LoadAWSConfig(ctx, cfg.AWSRegion)
	if err != nil {
		return nil, err
	}
	return awsdynamodb.NewFromConfig(awsCfg, func(o *awsdynamodb.Options) {
		o.HTTPClient = &http.Client{Timeout: 15 * time.Second}
		if cfg.DynamoDBEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoDBEndpoint)
		}
	}), nil
}
