package persistence

import (
	"context"
	"fmt"

	"msgflow/internal/config"
	"msgflow/pkg/circuitbreaker"
)

// CircuitBreakerRepository guards a backend with a circuit breaker. A
// disabled config passes every call straight through.
type CircuitBreakerRepository struct {
	repo Repository
	cb   *circuitbreaker.Wrapper
}

func NewCircuitBreakerRepository(repo Repository, cfg config.CircuitBreakerConfig) *CircuitBreakerRepository {
	if !cfg.Enabled {
		return &CircuitBreakerRepository{repo: repo}
	}

	cbConfig := circuitbreaker.DefaultConfig("persistence-" + repo.Backend())
	if cfg.MaxRequests > 0 {
		cbConfig.MaxRequests = cfg.MaxRequests
	}
	if cfg.Interval > 0 {
		cbConfig.Interval = cfg.Interval
	}
	if cfg.Timeout > 0 {
		cbConfig.Timeout = cfg.Timeout
	}
	if cfg.FailureRatio > 0 && cfg.MinRequests > 0 {
		cbConfig.ReadyToTrip = circuitbreaker.RatioTrip(uint32(cfg.MinRequests), cfg.FailureRatio)
	}

	return &CircuitBreakerRepository{
		repo: repo,
		cb:   circuitbreaker.NewWrapper(cbConfig),
	}
}

func (r *CircuitBreakerRepository) Backend() string {
	return r.repo.Backend()
}

func (r *CircuitBreakerRepository) Upsert(ctx context.Context, rec Record) (WriteResult, error) {
	if r.cb == nil {
		return r.repo.Upsert(ctx, rec)
	}

	res, err := circuitbreaker.Execute(ctx, r.cb, func() (WriteResult, error) {
		return r.repo.Upsert(ctx, rec)
	})
	r.cb.RecordRequest(err == nil)
	if err != nil {
		return WriteUnchanged, r.wrap(err)
	}
	return res, nil
}

func (r *CircuitBreakerRepository) Get(ctx context.Context, id string) (*Record, error) {
	if r.cb == nil {
		return r.repo.Get(ctx, id)
	}

	rec, err := circuitbreaker.Execute(ctx, r.cb, func() (*Record, error) {
		return r.repo.Get(ctx, id)
	})
	r.cb.RecordRequest(err == nil)
	if err != nil {
		return nil, r.wrap(err)
	}
	return rec, nil
}

func (r *CircuitBreakerRepository) Count(ctx context.Context) (int64, error) {
	if r.cb == nil {
		return r.repo.Count(ctx)
	}

	n, err := circuitbreaker.Execute(ctx, r.cb, func() (int64, error) {
		return r.repo.Count(ctx)
	})
	r.cb.RecordRequest(err == nil)
	if err != nil {
		return 0, r.wrap(err)
	}
	return n, nil
}

func (r *CircuitBreakerRepository) State() string {
	if r.cb == nil {
		return "disabled"
	}
	return r.cb.State().String()
}

func (r *CircuitBreakerRepository) IsOpen() bool {
	if r.cb == nil {
		return false
	}
	return r.cb.IsOpen()
}

func (r *CircuitBreakerRepository) wrap(err error) error {
	if circuitbreaker.IsBreakerError(err) {
		return fmt.Errorf("circuit breaker is open for %s: %w", r.cb.Name(), err)
	}
	return err
}
