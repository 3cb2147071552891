package constants

import "time"

const (
	ServiceName = "msgflow"
)

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
	KafkaMinBytes     = 10e3
	KafkaMaxBytes     = 10e6
	// pause after a failed fetch before asking the broker again
	KafkaFetchBackoff = time.Second
)

const (
	DefaultInputTopic  = "incoming_messages"
	DefaultOutputTopic = "processed_messages"
	DefaultDLQTopic    = "failed_messages"
)

const (
	DefaultMongoDBName = "msgflow"
)

const (
	ShutdownTimeout = 5 * time.Second
	// upper bound for backend pings during startup and health checks
	PingTimeout = 5 * time.Second
)

const (
	DefaultMaxConcurrency = 64
	DefaultWriteTimeout   = 5 * time.Second
	DefaultTTLSeconds     = 3600
)

const (
	// MaxIngestBodyBytes caps POST /api/v1/messages bodies.
	MaxIngestBodyBytes = 1 << 20
)
