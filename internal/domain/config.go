package domain

import (
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Component configurations
	Store    StoreConfig    `json:"store"`
	Cache    CacheConfig    `json:"cache"`
	EventBus EventBusConfig `json:"eventBus"`
	Model    ModelConfig    `json:"model"`

	// Aggregation settings
	Aggregation AggregationConfig `json:"aggregation"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// Classifier kinds understood by the model loader.
const (
	ModelTypeLogistic = "logistic"
	ModelTypeForest   = "forest"
)

// ModelConfig holds the trained artifact locations.
type ModelConfig struct {
	// Type is the classifier kind: "logistic" or "forest"
	Type string `json:"type"`

	// ScalerPath is the fitted scaler artifact (JSON).
	ScalerPath string `json:"scalerPath"`

	// ClassifierPath is the fitted classifier artifact (JSON).
	ClassifierPath string `json:"classifierPath"`
}

// AggregationConfig controls the async aggregation refresh.
type AggregationConfig struct {
	// RefreshDebounce is how long the worker waits after the last ingest
	// event before recomputing aggregates.
	RefreshDebounce time.Duration `json:"refreshDebounce"`

	// PeriodicInterval triggers a recompute even without ingest events.
	// Zero disables the periodic pass.
	PeriodicInterval time.Duration `json:"periodicInterval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Store: StoreConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			AggregateTTL: 30 * time.Second,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		// Empty artifact paths select the built-in pretrained model.
		Model: ModelConfig{
			Type: ModelTypeLogistic,
		},
		Aggregation: AggregationConfig{
			RefreshDebounce:  2 * time.Second,
			PeriodicInterval: 0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Store = StoreConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		AggregateTTL:   30 * time.Second,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Aggregation.PeriodicInterval = 15 * time.Minute
	cfg.Tracing.Enabled = true
	return cfg
}
