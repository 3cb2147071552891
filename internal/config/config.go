package config

import (
	"time"

	"msgflow/pkg/retry"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Broker         BrokerConfig
	Logging        LoggingConfig
	Persistence    PersistenceConfig
	Pipeline       PipelineConfig
	Processor      ProcessorConfig
	API            APIConfig            `mapstructure:"api"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        TracingConfig
}

type ServerConfig struct {
	Port                int           `mapstructure:"port"`
	ReadTimeoutSeconds  time.Duration `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds time.Duration `mapstructure:"write_timeout_seconds"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig
	Redis         RedisConfig
	MongoDB       MongoDBConfig
	RunMigrations bool `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// BrokerConfig selects the ingress transport. Type "none" runs the service
// with HTTP ingest only.
type BrokerConfig struct {
	Type  string      `mapstructure:"type"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers     []string    `mapstructure:"brokers"`
	GroupID     string      `mapstructure:"group_id"`
	InputTopic  string      `mapstructure:"input_topic"`
	OutputTopic string      `mapstructure:"output_topic"`
	DLQTopic    string      `mapstructure:"dlq_topic"`
	Retry       RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

// Policy overlays the configured values on retry.DefaultPolicy.
func (r RetryConfig) Policy() retry.Policy {
	policy := retry.DefaultPolicy()
	if r.MaxAttempts > 0 {
		policy.MaxAttempts = r.MaxAttempts
	}
	if r.InitialInterval > 0 {
		policy.InitialInterval = r.InitialInterval
	}
	if r.MaxInterval > 0 {
		policy.MaxInterval = r.MaxInterval
	}
	if r.Multiplier > 0 {
		policy.Multiplier = r.Multiplier
	}
	if r.MaxElapsedTime > 0 {
		policy.MaxElapsedTime = r.MaxElapsedTime
	}
	return policy
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type PersistenceConfig struct {
	Backend         string        `mapstructure:"backend"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RedisKeyPrefix  string        `mapstructure:"redis_key_prefix"`
	MongoCollection string        `mapstructure:"mongo_collection"`
}

type PipelineConfig struct {
	Name    string        `mapstructure:"name"`
	Version string        `mapstructure:"version"`
	Stages  []StageConfig `mapstructure:"stages"`
}

// StageConfig describes one catalog stage. Only the fields relevant to Type
// are read.
type StageConfig struct {
	Name       string      `mapstructure:"name"`
	Type       string      `mapstructure:"type"`
	Policy     string      `mapstructure:"policy"`
	Field      string      `mapstructure:"field"`
	Fields     []string    `mapstructure:"fields"`
	Expression string      `mapstructure:"expression"`
	Value      interface{} `mapstructure:"value"`
	KeyPattern string      `mapstructure:"key_pattern"`
	Target     string      `mapstructure:"target"`
}

type ProcessorConfig struct {
	MaxConcurrency int         `mapstructure:"max_concurrency"`
	SkipPersisted  bool        `mapstructure:"skip_persisted"`
	PersistRetry   RetryConfig `mapstructure:"persist_retry"`
}

type APIConfig struct {
	Enabled   bool            `mapstructure:"enabled"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
