// Package sphere is the service shell around a Processor: it bounds
// concurrency, retries failed persistence writes and moves results between
// the broker topics.
package sphere

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"msgflow/internal/broker"
	"msgflow/internal/constants"
	"msgflow/internal/logger"
	"msgflow/internal/persistence"
	"msgflow/internal/processor"
	"msgflow/internal/stats"
	pkgerrors "msgflow/pkg/errors"
	"msgflow/pkg/logging"
	"msgflow/pkg/metrics"
	"msgflow/pkg/models"
	"msgflow/pkg/retry"
)

const (
	MetricMessagesHandled   = "messages_handled_total"
	MetricMessagesSkipped   = "messages_skipped_total"
	MetricMessagesPublished = "messages_published_total"
	MetricPublishFailures   = "publish_failures_total"
	MetricPersistRetries    = "persistence_retries_total"
)

// ErrAlreadyProcessed is returned by Handle when skip-persisted is on and a
// record for the message id already exists.
var ErrAlreadyProcessed = pkgerrors.ErrConflict.WithDetail("message", "message already processed")

type Processor interface {
	Process(ctx context.Context, msg models.Message) (processor.Outcome, error)
}

type Store interface {
	Store(ctx context.Context, rec persistence.Record) error
	Exists(ctx context.Context, id string) (bool, error)
}

type Config struct {
	InputTopic     string
	OutputTopic    string
	DLQTopic       string
	MaxConcurrency int64
	SkipPersisted  bool
	PersistRetry   retry.Policy
}

type Option func(*Service)

func WithProducer(p broker.Producer) Option {
	return func(s *Service) {
		s.producer = p
	}
}

func WithConsumer(c broker.Consumer) Option {
	return func(s *Service) {
		s.consumer = c
	}
}

func WithMeter(meter stats.Recorder) Option {
	return func(s *Service) {
		if meter != nil {
			s.meter = meter
		}
	}
}

func WithLogger(log logger.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.logger = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

type Service struct {
	processor Processor
	store     Store
	producer  broker.Producer
	consumer  broker.Consumer
	meter     stats.Recorder
	logger    logger.Logger
	cfg       Config
	sem       *semaphore.Weighted
	now       func() time.Time
}

func New(proc Processor, store Store, cfg Config, opts ...Option) *Service {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = constants.DefaultMaxConcurrency
	}
	s := &Service{
		processor: proc,
		store:     store,
		meter:     stats.Nop(),
		logger:    logger.NopLogger(),
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrency),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle processes one message. It blocks while MaxConcurrency messages are
// already in flight. A persistence failure is retried per PersistRetry; if it
// still fails the Outcome is returned together with the *persistence.Error.
func (s *Service) Handle(ctx context.Context, msg models.Message) (processor.Outcome, error) {
	ctx = logging.WithMessageID(ctx, msg.ID)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return processor.Outcome{}, fmt.Errorf("waiting for processing slot: %w", err)
	}
	defer s.sem.Release(1)

	inFlight := metrics.InFlightMessages.WithLabelValues(constants.ServiceName)
	inFlight.Inc()
	defer inFlight.Dec()

	if s.cfg.SkipPersisted {
		exists, err := s.store.Exists(ctx, msg.ID)
		if err != nil {
			// fail open: processing again is safe because writes are idempotent
			s.logger.WarnwCtx(ctx, "Could not check for an existing record",
				"error", err,
			)
		} else if exists {
			s.increment(MetricMessagesSkipped, nil)
			s.logger.DebugwCtx(ctx, "Skipping already persisted message")
			return processor.Outcome{}, ErrAlreadyProcessed
		}
	}

	outcome, err := s.processor.Process(ctx, msg)
	if err != nil {
		err = s.retryStore(ctx, outcome, err)
	}
	s.increment(MetricMessagesHandled, stats.Tags{"outcome": outcome.Kind.String()})
	if err != nil {
		return outcome, err
	}

	if err := s.publish(ctx, outcome); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// retryStore re-stores the record carried by a persistence error until it
// succeeds or the retry policy gives up.
func (s *Service) retryStore(ctx context.Context, outcome processor.Outcome, storeErr error) error {
	perr, ok := persistence.AsError(storeErr)
	if !ok {
		return storeErr
	}
	rec := outcome.Record()
	if perr.Record != nil {
		rec = *perr.Record
	}
	if !perr.IsRetryable() {
		s.logger.ErrorwCtx(ctx, "Outcome cannot be persisted", "error", perr)
		return perr
	}

	policy := s.cfg.PersistRetry
	err := retry.RetryWithCallback(ctx, policy, func() error {
		s.increment(MetricPersistRetries, nil)
		return s.store.Store(context.WithoutCancel(ctx), rec)
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues(constants.ServiceName, "persist").Inc()
		s.logger.WarnwCtx(ctx, "Retrying outcome persistence",
			"attempt", attempt,
			"next_delay", nextDelay,
			"error", err,
		)
	})
	if err == nil {
		s.logger.InfowCtx(ctx, "Outcome persisted after retry")
		return nil
	}

	s.logger.ErrorwCtx(ctx, "Giving up on outcome persistence",
		"error", err,
	)
	if retried, ok := persistence.AsError(err); ok {
		return retried
	}
	return perr
}

// publish forwards processed messages to the output topic and failed ones to
// the DLQ. Rejected and cancelled outcomes are only recorded.
func (s *Service) publish(ctx context.Context, outcome processor.Outcome) error {
	if s.producer == nil {
		return nil
	}

	var topic string
	env := s.envelope(ctx, outcome)
	switch outcome.Kind {
	case processor.KindProcessed:
		topic = s.cfg.OutputTopic
	case processor.KindFailed:
		topic = s.cfg.DLQTopic
		var cause error
		if text := outcome.ErrorText(); text != "" {
			cause = errors.New(text)
		}
		env = broker.WithDLQMetadata(env, broker.ReasonFailedOutcome, cause, s.cfg.InputTopic, s.now())
		env.Metadata.Stage = outcome.Stage
	}
	if topic == "" {
		return nil
	}

	if err := s.producer.Publish(context.WithoutCancel(ctx), topic, env); err != nil {
		s.increment(MetricPublishFailures, stats.Tags{"topic": topic})
		return fmt.Errorf("publishing %s outcome to %s: %w", outcome.Kind, topic, err)
	}
	s.increment(MetricMessagesPublished, stats.Tags{"topic": topic})
	return nil
}

func (s *Service) envelope(ctx context.Context, outcome processor.Outcome) models.Envelope {
	env := models.EnvelopeFrom(outcome.Message)
	processedAt := s.now().UTC()
	env.Metadata = models.Metadata{
		Outcome:   outcome.Kind.String(),
		Stage:     outcome.Stage,
		Reason:    outcome.Reason,
		Pipeline:  outcome.Pipeline,
		Processed: &processedAt,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		env.Metadata.TraceID = sc.TraceID().String()
	} else {
		env.Metadata.TraceID = logging.GetTraceID(ctx)
	}
	return env
}

// Run consumes the input topic until ctx is done. Without a consumer it just
// waits, leaving HTTP ingest as the only way in.
func (s *Service) Run(ctx context.Context) error {
	if s.consumer == nil {
		s.logger.Info("No consumer configured, broker ingest disabled")
		<-ctx.Done()
		return nil
	}

	s.logger.Infow("Consuming messages",
		"input_topic", s.cfg.InputTopic,
		"output_topic", s.cfg.OutputTopic,
		"dlq_topic", s.cfg.DLQTopic,
		"max_concurrency", s.cfg.MaxConcurrency,
	)
	err := s.consumer.Consume(ctx, s.cfg.InputTopic, s.handleEnvelope)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("consuming %s: %w", s.cfg.InputTopic, err)
	}
	return nil
}

func (s *Service) handleEnvelope(ctx context.Context, env models.Envelope) error {
	_, err := s.Handle(ctx, env.ToMessage())
	if errors.Is(err, ErrAlreadyProcessed) {
		return nil
	}
	return err
}

func (s *Service) increment(name string, tags stats.Tags) {
	defer func() { _ = recover() }()
	s.meter.Increment(name, tags)
}
