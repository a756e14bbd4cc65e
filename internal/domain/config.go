package domain

import (
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier" yaml:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"eventBus"`

	// Decisioning pipeline settings
	Decision DecisionConfig `json:"decision" yaml:"decision"`
	Scoring  ScoringConfig  `json:"scoring" yaml:"scoring"`
	Features FeatureConfig  `json:"features" yaml:"features"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"readTimeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"writeTimeout"` // seconds
}

// DecisionConfig holds orchestrator settings.
type DecisionConfig struct {
	// DeadlineMs is the end-to-end budget per transaction. On breach the
	// orchestrator emits REVIEW immediately.
	DeadlineMs int `json:"deadlineMs" yaml:"deadlineMs"`

	// ApproveCutoff is the low-risk probability below which a transaction
	// is approved when no rule blocked or escalated.
	ApproveCutoff float64 `json:"approveCutoff" yaml:"approveCutoff"`
}

// Deadline returns the decision budget as a duration.
func (c DecisionConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineMs) * time.Millisecond
}

// ScoringConfig holds scoring adapter settings.
type ScoringConfig struct {
	// Model selects the scoring backend: "logistic" (built-in) or "remote".
	Model string `json:"model" yaml:"model"`

	// Endpoint is the remote model serving URL (model="remote").
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// TimeoutMs bounds a single model invocation.
	TimeoutMs int `json:"timeoutMs" yaml:"timeoutMs"`

	// FallbackProbability is substituted on model timeout or error.
	FallbackProbability float64 `json:"fallbackProbability" yaml:"fallbackProbability"`
}

// Timeout returns the model invocation budget as a duration.
func (c ScoringConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// FeatureConfig holds feature store settings.
type FeatureConfig struct {
	Windows []WindowConfig `json:"windows" yaml:"windows"`
}

// WindowConfig defines one sliding window in configuration.
type WindowConfig struct {
	Name     string `json:"name" yaml:"name"`
	SpanSecs int    `json:"spanSecs" yaml:"spanSecs"`
}

// ToWindows converts configured windows to domain windows,
// falling back to the defaults when none are configured.
func (c FeatureConfig) ToWindows() []Window {
	if len(c.Windows) == 0 {
		return DefaultWindows()
	}
	windows := make([]Window, 0, len(c.Windows))
	for _, w := range c.Windows {
		windows = append(windows, Window{
			Name: w.Name,
			Span: time.Duration(w.SpanSecs) * time.Second,
		})
	}
	return windows
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	ServiceName  string `json:"serviceName" yaml:"serviceName"`
	ExporterType string `json:"exporterType" yaml:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
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
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Decision: DecisionConfig{
			DeadlineMs:    200,
			ApproveCutoff: 0.3,
		},
		Scoring: ScoringConfig{
			Model:               "logistic",
			TimeoutMs:           50,
			FallbackProbability: 0.5,
		},
		Features: FeatureConfig{},
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
	cfg.Repository = RepositoryConfig{
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
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
