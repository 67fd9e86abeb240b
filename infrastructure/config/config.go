// Package config loads process configuration from the environment, with an
// optional YAML file underneath.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	domainconfig "echocog/domain/config"
)

// ConfigFileEnv names the environment variable pointing at the YAML file
const ConfigFileEnv = "ECHOCOG_CONFIG_FILE"

// StorageConfig selects and configures the shared repository
type StorageConfig struct {
	Backend       string `yaml:"backend" validate:"oneof=memory sqlite dynamodb"`
	SQLitePath    string `yaml:"sqlitePath" validate:"required_if=Backend sqlite"`
	DynamoDBTable string `yaml:"dynamodbTable" validate:"required_if=Backend dynamodb"`
	AWSRegion     string `yaml:"awsRegion"`

	// DynamoDBEndpoint points the client at a local emulator when set
	DynamoDBEndpoint string `yaml:"dynamodbEndpoint"`
}

// SyncOverrides adjusts the replication tuning of the selected preset.
// Zero values keep the preset.
type SyncOverrides struct {
	RetryAttempts     int           `yaml:"retryAttempts" validate:"gte=0"`
	RetryDelay        time.Duration `yaml:"retryDelay" validate:"gte=0"`
	BatchSize         int           `yaml:"batchSize" validate:"gte=0"`
	EventDebounce     time.Duration `yaml:"eventDebounce" validate:"gte=0"`
	InstanceTimeout   time.Duration `yaml:"instanceTimeout" validate:"gte=0"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval" validate:"gte=0"`
	MaxQueueSize      int           `yaml:"maxQueueSize" validate:"gte=0"`
}

// Config holds all application configuration
type Config struct {
	ServerAddress string `yaml:"serverAddress" validate:"required"`
	Environment   string `yaml:"environment" validate:"oneof=development staging production test"`
	LogLevel      string `yaml:"logLevel" validate:"oneof=debug info warn error"`

	Storage StorageConfig `yaml:"storage"`
	Sync    SyncOverrides `yaml:"sync"`

	// EventBusName enables mirroring sync events to EventBridge when set
	EventBusName string `yaml:"eventBusName"`

	EnableMetrics   bool    `yaml:"enableMetrics"`
	EnableTracing   bool    `yaml:"enableTracing"`
	TracingEndpoint string  `yaml:"tracingEndpoint"`
	TraceSampleRate float64 `yaml:"traceSampleRate" validate:"gte=0,lte=1"`

	EnableCORS     bool     `yaml:"enableCORS"`
	AllowedOrigins []string `yaml:"allowedOrigins"`

	MetricsSchedule string `yaml:"metricsSchedule" validate:"required"`

	// File is the YAML file the configuration was overlaid with, if any
	File string `yaml:"-"`
}

func defaults() *Config {
	return &Config{
		ServerAddress: ":8080",
		Environment:   "development",
		LogLevel:      "info",
		Storage: StorageConfig{
			Backend:       "sqlite",
			SQLitePath:    "data/echocog.db",
			DynamoDBTable: "echocog",
			AWSRegion:     "us-west-2",
		},
		EnableMetrics:   true,
		EnableCORS:      true,
		AllowedOrigins:  []string{"*"},
		MetricsSchedule: "@every 5s",
	}
}

// LoadConfig builds the configuration from defaults, then the YAML file
// named by ECHOCOG_CONFIG_FILE, then environment variables
func LoadConfig() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
		cfg.File = path
	}
	cfg.overlayEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv() {
	c.ServerAddress = getEnv("SERVER_ADDRESS", c.ServerAddress)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)
	c.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", c.LogLevel))

	c.Storage.Backend = getEnv("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.SQLitePath = getEnv("SQLITE_PATH", c.Storage.SQLitePath)
	c.Storage.DynamoDBTable = getEnv("TABLE_NAME", c.Storage.DynamoDBTable)
	c.Storage.AWSRegion = getEnv("AWS_REGION", c.Storage.AWSRegion)
	c.Storage.DynamoDBEndpoint = getEnv("DYNAMODB_ENDPOINT", c.Storage.DynamoDBEndpoint)

	c.Sync.RetryAttempts = getEnvInt("SYNC_RETRY_ATTEMPTS", c.Sync.RetryAttempts)
	c.Sync.RetryDelay = getEnvDuration("SYNC_RETRY_DELAY", c.Sync.RetryDelay)
	c.Sync.BatchSize = getEnvInt("SYNC_BATCH_SIZE", c.Sync.BatchSize)
	c.Sync.EventDebounce = getEnvDuration("SYNC_EVENT_DEBOUNCE", c.Sync.EventDebounce)
	c.Sync.InstanceTimeout = getEnvDuration("SYNC_INSTANCE_TIMEOUT", c.Sync.InstanceTimeout)
	c.Sync.HeartbeatInterval = getEnvDuration("SYNC_HEARTBEAT_INTERVAL", c.Sync.HeartbeatInterval)
	c.Sync.MaxQueueSize = getEnvInt("SYNC_MAX_QUEUE_SIZE", c.Sync.MaxQueueSize)

	c.EventBusName = getEnv("EVENT_BUS_NAME", c.EventBusName)

	c.EnableMetrics = getEnvBool("ENABLE_METRICS", c.EnableMetrics)
	c.EnableTracing = getEnvBool("ENABLE_TRACING", c.EnableTracing)
	c.TracingEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.TracingEndpoint)
	c.EnableCORS = getEnvBool("ENABLE_CORS", c.EnableCORS)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = strings.Split(origins, ",")
	}
	c.MetricsSchedule = getEnv("METRICS_SCHEDULE", c.MetricsSchedule)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct tags and the resulting domain configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Domain().Validate(); err != nil {
		return fmt.Errorf("invalid sync configuration: %w", err)
	}
	return nil
}

// Domain returns the domain preset for the environment with the sync
// overrides applied
func (c *Config) Domain() *domainconfig.DomainConfig {
	var d *domainconfig.DomainConfig
	switch c.Environment {
	case "production":
		d = domainconfig.ProductionDomainConfig()
	case "development":
		d = domainconfig.DevelopmentDomainConfig()
	default:
		d = domainconfig.DefaultDomainConfig()
	}

	s := &d.Sync
	if c.Sync.RetryAttempts > 0 {
		s.RetryAttempts = c.Sync.RetryAttempts
	}
	if c.Sync.RetryDelay > 0 {
		s.RetryDelay = c.Sync.RetryDelay
	}
	if c.Sync.BatchSize > 0 {
		s.BatchSize = c.Sync.BatchSize
	}
	if c.Sync.EventDebounce > 0 {
		s.EventDebounce = c.Sync.EventDebounce
		if s.DebounceMaxWait < s.EventDebounce {
			s.DebounceMaxWait = s.EventDebounce
		}
	}
	if c.Sync.InstanceTimeout > 0 {
		s.InstanceTimeout = c.Sync.InstanceTimeout
	}
	if c.Sync.HeartbeatInterval > 0 {
		s.HeartbeatInterval = c.Sync.HeartbeatInterval
	}
	if c.Sync.MaxQueueSize > 0 {
		s.MaxQueueSize = c.Sync.MaxQueueSize
	}
	return d
}

// IsDevelopment checks if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction checks if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("250ms", "2s")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
