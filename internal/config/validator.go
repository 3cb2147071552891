package config

import (
	"fmt"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

const (
	BrokerKafka = "kafka"
	BrokerNone  = "none"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongoDB  = "mongodb"
)

var validPolicies = map[string]bool{
	"": true, "fatal": true, "continue": true, "continue_on_error": true, "continue-on-error": true, "skip": true,
}

func ValidateStatic(cfg *Config) error {
	var errors []error

	if err := validateServer(cfg.Server); err != nil {
		errors = append(errors, err)
	}

	if err := validateBroker(cfg.Broker); err != nil {
		errors = append(errors, err)
	}

	if err := validateDatabase(cfg.Database); err != nil {
		errors = append(errors, err)
	}

	if err := validatePersistence(cfg.Persistence, cfg.Database); err != nil {
		errors = append(errors, err)
	}

	if err := validatePipeline(cfg.Pipeline); err != nil {
		errors = append(errors, err)
	}

	if err := validateProcessor(cfg.Processor); err != nil {
		errors = append(errors, err)
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout_seconds",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout_seconds",
			Message: "write timeout must be positive",
		}
	}

	return nil
}

func validateBroker(cfg BrokerConfig) error {
	switch cfg.Type {
	case "", BrokerNone:
		return nil
	case BrokerKafka:
		return validateKafka(cfg.Kafka)
	default:
		return &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unknown broker type: %s (supported: kafka, none)", cfg.Type),
		}
	}
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return &ValidationError{
			Field:   "broker.kafka.brokers",
			Message: "at least one Kafka broker is required",
		}
	}

	for i, broker := range cfg.Brokers {
		if broker == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("broker.kafka.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}

	if cfg.GroupID == "" {
		return &ValidationError{
			Field:   "broker.kafka.group_id",
			Message: "Kafka consumer group ID is required",
		}
	}

	if cfg.InputTopic == "" {
		return &ValidationError{
			Field:   "broker.kafka.input_topic",
			Message: "Kafka input topic is required",
		}
	}

	if cfg.Retry.MaxAttempts < 0 {
		return &ValidationError{
			Field:   "broker.kafka.retry.max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	if cfg.Retry.InitialInterval < 0 {
		return &ValidationError{
			Field:   "broker.kafka.retry.initial_interval",
			Message: "initial_interval must be non-negative",
		}
	}

	if cfg.Retry.MaxInterval < 0 {
		return &ValidationError{
			Field:   "broker.kafka.retry.max_interval",
			Message: "max_interval must be non-negative",
		}
	}

	if cfg.Retry.MaxInterval > 0 && cfg.Retry.InitialInterval > 0 && cfg.Retry.MaxInterval < cfg.Retry.InitialInterval {
		return &ValidationError{
			Field:   "broker.kafka.retry.max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}

	if cfg.Retry.Multiplier <= 0 {
		return &ValidationError{
			Field:   "broker.kafka.retry.multiplier",
			Message: "multiplier must be positive",
		}
	}

	return nil
}

func validateDatabase(cfg DatabaseConfig) error {
	if cfg.Postgres.Host != "" || cfg.Postgres.Port > 0 {
		if err := validatePostgres(cfg.Postgres); err != nil {
			return err
		}
	}

	if cfg.Redis.Host != "" || cfg.Redis.Port > 0 {
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	}

	if cfg.MongoDB.URI != "" {
		if err := validateMongoDB(cfg.MongoDB); err != nil {
			return err
		}
	}

	return nil
}

func validatePostgres(cfg PostgresConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.postgres.host",
			Message: "PostgreSQL host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.postgres.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.User == "" {
		return &ValidationError{
			Field:   "database.postgres.user",
			Message: "PostgreSQL user is required",
		}
	}

	if cfg.DBName == "" {
		return &ValidationError{
			Field:   "database.postgres.dbname",
			Message: "PostgreSQL database name is required",
		}
	}

	validSSLModes := map[string]bool{
		"disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if cfg.SSLMode != "" && !validSSLModes[strings.ToLower(cfg.SSLMode)] {
		return &ValidationError{
			Field:   "database.postgres.sslmode",
			Message: fmt.Sprintf("invalid SSL mode: %s (valid: disable, allow, prefer, require, verify-ca, verify-full)", cfg.SSLMode),
		}
	}

	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.redis.host",
			Message: "Redis host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.redis.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.TTLSeconds < 0 {
		return &ValidationError{
			Field:   "database.redis.ttl_seconds",
			Message: "TTL must be non-negative",
		}
	}

	return nil
}

func validateMongoDB(cfg MongoDBConfig) error {
	if cfg.URI == "" {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI is required",
		}
	}

	if !strings.HasPrefix(cfg.URI, "mongodb://") && !strings.HasPrefix(cfg.URI, "mongodb+srv://") {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI must start with mongodb:// or mongodb+srv://",
		}
	}

	if cfg.Database == "" {
		return &ValidationError{
			Field:   "database.mongodb.database",
			Message: "MongoDB database name is required",
		}
	}

	return nil
}

func validatePersistence(cfg PersistenceConfig, db DatabaseConfig) error {
	switch cfg.Backend {
	case "", BackendMemory:
	case BackendPostgres:
		if db.Postgres.Host == "" {
			return &ValidationError{
				Field:   "database.postgres.host",
				Message: "postgres persistence backend requires database.postgres",
			}
		}
	case BackendRedis:
		if db.Redis.Host == "" {
			return &ValidationError{
				Field:   "database.redis.host",
				Message: "redis persistence backend requires database.redis",
			}
		}
	case BackendMongoDB:
		if db.MongoDB.URI == "" {
			return &ValidationError{
				Field:   "database.mongodb.uri",
				Message: "mongodb persistence backend requires database.mongodb",
			}
		}
	default:
		return &ValidationError{
			Field:   "persistence.backend",
			Message: fmt.Sprintf("unknown backend: %s (supported: memory, postgres, redis, mongodb)", cfg.Backend),
		}
	}

	if cfg.WriteTimeout < 0 {
		return &ValidationError{
			Field:   "persistence.write_timeout",
			Message: "write timeout must be non-negative",
		}
	}

	return nil
}

func validatePipeline(cfg PipelineConfig) error {
	if len(cfg.Stages) == 0 {
		return &ValidationError{
			Field:   "pipeline.stages",
			Message: "at least one stage is required",
		}
	}

	seen := make(map[string]bool, len(cfg.Stages))
	for i, stage := range cfg.Stages {
		if stage.Name == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("pipeline.stages[%d].name", i),
				Message: "stage name is required",
			}
		}
		if seen[stage.Name] {
			return &ValidationError{
				Field:   fmt.Sprintf("pipeline.stages[%d].name", i),
				Message: fmt.Sprintf("duplicate stage name: %s", stage.Name),
			}
		}
		seen[stage.Name] = true

		if stage.Type == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("pipeline.stages[%d].type", i),
				Message: "stage type is required",
			}
		}
		if !validPolicies[strings.ToLower(stage.Policy)] {
			return &ValidationError{
				Field:   fmt.Sprintf("pipeline.stages[%d].policy", i),
				Message: fmt.Sprintf("invalid policy: %s (valid: fatal, continue)", stage.Policy),
			}
		}
	}

	return nil
}

func validateProcessor(cfg ProcessorConfig) error {
	if cfg.MaxConcurrency < 0 {
		return &ValidationError{
			Field:   "processor.max_concurrency",
			Message: "max_concurrency must be non-negative",
		}
	}

	if cfg.PersistRetry.MaxAttempts < 0 {
		return &ValidationError{
			Field:   "processor.persist_retry.max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	return nil
}
