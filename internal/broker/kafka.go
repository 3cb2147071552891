package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"msgflow/internal/config"
	"msgflow/internal/constants"
	"msgflow/internal/logger"
	"msgflow/pkg/errors"
	"msgflow/pkg/logging"
	"msgflow/pkg/metrics"
	"msgflow/pkg/models"
	"msgflow/pkg/retry"
	"msgflow/pkg/tracing"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer      messageWriter
	logger      logger.Logger
	serviceName string
}

func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           constants.KafkaBatchTimeout,
		WriteTimeout:           constants.KafkaWriteTimeout,
		AllowAutoTopicCreation: true,
	}
	return &KafkaProducer{writer: w, logger: log, serviceName: constants.ServiceName}
}

// Publish writes env keyed by message id, so every version of a message lands
// on the same partition.
func (p *KafkaProducer) Publish(ctx context.Context, topic string, env models.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	headers := tracing.InjectTraceContext(ctx, []kafka.Header{})

	start := time.Now()
	err = p.writer.WriteMessages(ctx,
		kafka.Message{
			Topic:   topic,
			Key:     []byte(env.ID),
			Value:   body,
			Headers: headers,
			Time:    start,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}

	metrics.IncKafkaMessagesWritten(p.serviceName, topic)
	metrics.ObserveKafkaMessageSize(p.serviceName, topic, "out", len(body))
	metrics.ObserveKafkaWriteDuration(p.serviceName, topic, time.Since(start))
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

type KafkaConsumer struct {
	cfg         config.KafkaConfig
	wg          sync.WaitGroup
	mu          sync.Mutex
	reader      messageReader
	newReader   func(topic string) messageReader
	logger      logger.Logger
	dlqProducer Producer
	serviceName string
	concurrency int
	now         func() time.Time
}

func NewKafkaConsumer(cfg config.KafkaConfig, log logger.Logger) *KafkaConsumer {
	consumer := &KafkaConsumer{
		cfg:         cfg,
		logger:      log,
		serviceName: constants.ServiceName,
		concurrency: 1,
		now:         time.Now,
	}
	consumer.newReader = func(topic string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    topic,
			MinBytes: constants.KafkaMinBytes,
			MaxBytes: constants.KafkaMaxBytes,
		})
	}

	if cfg.DLQTopic != "" {
		consumer.dlqProducer = NewKafkaProducer(cfg, log)
	}

	return consumer
}

func (c *KafkaConsumer) SetServiceName(name string) {
	c.serviceName = name
}

// SetConcurrency sets how many fetched messages are handled at once. Offsets
// are still committed in fetch order. Values below one mean serial handling.
func (c *KafkaConsumer) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	c.concurrency = n
}

type inflightMessage struct {
	msg  kafka.Message
	done chan struct{}
}

func (c *KafkaConsumer) Consume(ctx context.Context, topic string, handler HandlerFunc) error {
	c.logger.Infow("Creating Kafka reader",
		"topic", topic,
		"brokers", c.cfg.Brokers,
		"group_id", c.cfg.GroupID,
		"service_name", c.serviceName,
	)

	reader := c.newReader(topic)
	c.mu.Lock()
	c.reader = reader
	c.mu.Unlock()

	workers := c.concurrency
	if workers < 1 {
		workers = 1
	}
	sem := semaphore.NewWeighted(int64(workers))
	pending := make(chan inflightMessage, workers)
	consumeCtx := logging.WithServiceName(ctx, c.serviceName)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.commitInOrder(ctx, consumeCtx, reader, pending, topic)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(pending)
		c.logger.InfowCtx(consumeCtx, "Started consuming",
			"topic", topic,
			"concurrency", workers,
		)

		for {
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					c.logger.InfowCtx(consumeCtx, "Stopped consuming",
						"topic", topic,
						"reason", "context canceled",
					)
					return
				}
				c.logger.ErrorwCtx(consumeCtx, "Error fetching kafka message",
					"error", err,
					"topic", topic,
				)
				select {
				case <-ctx.Done():
					return
				case <-time.After(constants.KafkaFetchBackoff):
				}
				continue
			}

			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			item := inflightMessage{msg: m, done: make(chan struct{})}
			pending <- item

			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				defer sem.Release(1)
				defer close(item.done)
				c.handleMessage(consumeCtx, item.msg, topic, handler)
			}()
		}
	}()

	<-ctx.Done()
	return ctx.Err()
}

// commitInOrder commits each message once it and every message fetched before
// it have been handled, so a crash never skips an unhandled offset.
func (c *KafkaConsumer) commitInOrder(ctx, logCtx context.Context, reader messageReader, pending <-chan inflightMessage, topic string) {
	for item := range pending {
		<-item.done
		if err := reader.CommitMessages(ctx, item.msg); err != nil && ctx.Err() == nil {
			c.logger.ErrorwCtx(logCtx, "Failed to commit message",
				"error", err,
				"topic", topic,
				"offset", item.msg.Offset,
			)
		}
	}
}

// handleMessage decodes, validates and processes one fetched message. Every
// path ends with the message either handled or routed to the DLQ, so the
// caller always commits it.
func (c *KafkaConsumer) handleMessage(ctx context.Context, m kafka.Message, topic string, handler HandlerFunc) {
	metrics.IncKafkaMessagesRead(c.serviceName, topic)
	metrics.ObserveKafkaMessageSize(c.serviceName, topic, "in", len(m.Value))

	msgCtx, span := tracing.StartSpanFromKafkaMessage(ctx, "kafka.consume", m.Headers)
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.destination", topic),
		attribute.Int64("messaging.kafka.offset", m.Offset),
	)

	var envelope models.Envelope
	if err := json.Unmarshal(m.Value, &envelope); err != nil {
		c.logger.ErrorwCtx(msgCtx, "Failed to unmarshal message",
			"error", err,
			"topic", topic,
		)
		span.SetStatus(codes.Error, "decode failed")
		c.routeToDLQ(msgCtx, undecodable(m), ReasonDecode, err, topic)
		return
	}

	if envelope.Metadata.TraceID != "" {
		msgCtx = logging.WithTraceID(msgCtx, envelope.Metadata.TraceID)
	}
	if envelope.ID != "" {
		msgCtx = logging.WithMessageID(msgCtx, envelope.ID)
	}

	if err := models.ValidateEnvelope(&envelope); err != nil {
		c.logger.WarnwCtx(msgCtx, "Rejected invalid envelope",
			"error", err,
			"topic", topic,
		)
		span.SetStatus(codes.Error, "invalid envelope")
		c.routeToDLQ(msgCtx, envelope, ReasonInvalid, err, topic)
		return
	}

	if err := c.processMessageWithRetry(msgCtx, envelope, handler, topic); err != nil {
		c.logger.ErrorwCtx(msgCtx, "Failed to process message after retries",
			"error", err,
			"topic", topic,
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		c.routeToDLQ(msgCtx, envelope, ReasonRetriesExceeded, err, topic)
	}
}

func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	reader := c.reader
	c.mu.Unlock()

	var err error
	if reader != nil {
		err = reader.Close()
	}
	if c.dlqProducer != nil {
		if closeErr := c.dlqProducer.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	c.wg.Wait()
	return err
}

func (c *KafkaConsumer) processMessageWithRetry(ctx context.Context, envelope models.Envelope, handler HandlerFunc, topic string) error {
	policy := c.cfg.Retry.Policy()

	return retry.RetryWithCallback(ctx, policy, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.RecoverPanic(r)
				c.logger.ErrorwCtx(ctx, "Panic recovered during message processing",
					"error", err,
					"topic", topic,
				)
			}
		}()
		return handler(ctx, envelope)
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues(c.serviceName, "consume").Inc()
		c.logger.WarnwCtx(ctx, "Retrying message processing",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"next_delay", nextDelay,
			"error", err,
			"topic", topic,
		)
	})
}

func (c *KafkaConsumer) routeToDLQ(ctx context.Context, envelope models.Envelope, reason string, cause error, sourceTopic string) {
	if c.dlqProducer == nil || c.cfg.DLQTopic == "" {
		c.logger.WarnwCtx(ctx, "No DLQ configured, committing message to avoid blocking",
			"topic", sourceTopic,
			"reason", reason,
		)
		return
	}
	if err := c.sendToDLQ(ctx, envelope, reason, cause, sourceTopic); err != nil {
		c.logger.ErrorwCtx(ctx, "Failed to send message to DLQ",
			"error", err,
			"topic", sourceTopic,
		)
	}
}

func (c *KafkaConsumer) sendToDLQ(ctx context.Context, envelope models.Envelope, reason string, cause error, sourceTopic string) error {
	envelope = WithDLQMetadata(envelope, reason, cause, sourceTopic, c.now())

	// the source message may have been abandoned because ctx ended; the DLQ
	// write must still go out
	if err := c.dlqProducer.Publish(context.WithoutCancel(ctx), c.cfg.DLQTopic, envelope); err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}

	metrics.DLQMessagesTotal.WithLabelValues(c.serviceName, sourceTopic, reason).Inc()
	c.logger.InfowCtx(ctx, "Message sent to DLQ",
		"source_topic", sourceTopic,
		"dlq_topic", c.cfg.DLQTopic,
		"reason", reason,
	)
	return nil
}

// WithDLQMetadata returns a copy of env annotated with why and where it was
// dead-lettered.
func WithDLQMetadata(env models.Envelope, reason string, cause error, sourceTopic string, at time.Time) models.Envelope {
	attrs := make(map[string]interface{}, len(env.Attributes)+3)
	for k, v := range env.Attributes {
		attrs[k] = v
	}
	attrs["dlq_source_topic"] = sourceTopic
	attrs["dlq_timestamp"] = at.UTC().Format(time.RFC3339Nano)
	if cause != nil {
		attrs["dlq_error"] = cause.Error()
	}
	env.Attributes = attrs

	if env.Metadata.Outcome == "" {
		env.Metadata.Outcome = "failed"
	}
	env.Metadata.Reason = reason
	return env
}

// undecodable wraps a raw message that is not a JSON envelope so it can still
// be dead-lettered.
func undecodable(m kafka.Message) models.Envelope {
	return models.Envelope{
		ID:        string(m.Key),
		Timestamp: m.Time,
		Attributes: map[string]interface{}{
			"raw_value": string(m.Value),
		},
	}
}
