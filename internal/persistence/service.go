// Package persistence stores one durable record per processed message. Writes
// are idempotent per message id and outcome; failures are always reported to
// the caller as *Error.
package persistence

import (
	"context"
	"time"

	"msgflow/internal/logger"
	"msgflow/internal/stats"
	pkgerrors "msgflow/pkg/errors"
)

const (
	MetricWrites        = "persistence_writes_total"
	MetricWriteFailures = "persistence_write_failures_total"
	MetricWriteDuration = "persistence_write_duration_ms"
)

type Option func(*Service)

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

// WithWriteTimeout bounds every Store call. Zero disables the bound.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.writeTimeout = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

type Service struct {
	repo         Repository
	meter        stats.Recorder
	logger       logger.Logger
	writeTimeout time.Duration
	now          func() time.Time
}

func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		meter:  stats.Nop(),
		logger: logger.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Backend() string {
	return s.repo.Backend()
}

// Store durably records rec. Storing the same id with the same outcome is a
// no-op; a different outcome overwrites the previous record.
func (s *Service) Store(ctx context.Context, rec Record) error {
	if rec.MessageID == "" {
		return newError("store", "", &rec, pkgerrors.ErrValidation.WithDetail("message", "record has no message id"))
	}
	if rec.StoredAt.IsZero() {
		rec.StoredAt = s.now().UTC()
	}

	if s.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.writeTimeout)
		defer cancel()
	}

	backend := s.repo.Backend()
	start := s.now()
	result, err := s.repo.Upsert(ctx, rec)
	s.observe(MetricWriteDuration, float64(s.now().Sub(start).Microseconds())/1000.0, stats.Tags{"backend": backend})

	if err != nil {
		s.increment(MetricWriteFailures, stats.Tags{"backend": backend})
		s.logger.ErrorwCtx(ctx, "Failed to store record",
			"message_id", rec.MessageID,
			"outcome", rec.Outcome,
			"backend", backend,
			"error", err,
		)
		return newError("store", rec.MessageID, &rec, err)
	}

	s.increment(MetricWrites, stats.Tags{"backend": backend, "result": result.String()})
	s.logger.DebugwCtx(ctx, "Record stored",
		"message_id", rec.MessageID,
		"outcome", rec.Outcome,
		"result", result.String(),
	)
	return nil
}

// Exists reports whether a record for id has been durably stored.
func (s *Service) Exists(ctx context.Context, id string) (bool, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return false, newError("exists", id, nil, err)
	}
	return rec != nil, nil
}

// Get returns the record for id, or ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, newError("get", id, nil, err)
	}
	if rec == nil {
		return nil, ErrNotFound.WithDetail("message_id", id)
	}
	return rec, nil
}

func (s *Service) Count(ctx context.Context) (int64, error) {
	n, err := s.repo.Count(ctx)
	if err != nil {
		return 0, newError("count", "", nil, err)
	}
	return n, nil
}

func (s *Service) increment(name string, tags stats.Tags) {
	defer func() { _ = recover() }()
	s.meter.Increment(name, tags)
}

func (s *Service) observe(name string, value float64, tags stats.Tags) {
	defer func() { _ = recover() }()
	s.meter.Observe(name, value, tags)
}
