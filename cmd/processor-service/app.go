package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"msgflow/internal/api"
	"msgflow/internal/broker"
	"msgflow/internal/config"
	"msgflow/internal/constants"
	"msgflow/internal/logger"
	"msgflow/internal/persistence"
	"msgflow/internal/pipeline"
	"msgflow/internal/processor"
	"msgflow/internal/sphere"
	"msgflow/internal/stages"
	"msgflow/internal/stats"
	"msgflow/pkg/bootstrap"
	"msgflow/pkg/cel"
	"msgflow/pkg/health"
	"msgflow/pkg/logging"
	"msgflow/pkg/metrics"
	"msgflow/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	backend        *bootstrap.Backend
	meter          *stats.Meter
	store          *persistence.Service
	pipeline       *pipeline.Pipeline
	service        *sphere.Service
	health         *health.CheckerRegistry
	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(constants.ServiceName)
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
		health:      health.NewCheckerRegistry(),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(a.Config.Tracing, a.Config.Tracing.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	a.initMetrics()

	if err := a.initPersistence(ctx); err != nil {
		return fmt.Errorf("failed to initialize persistence: %w", err)
	}

	if err := a.initPipeline(ctx); err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	if err := a.InitBroker(constants.ServiceName); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	a.initService()

	if a.Config.API.Enabled {
		a.initHTTPServer(ctx)
	}

	return nil
}

func (a *App) initMetrics() {
	reg := prometheus.DefaultRegisterer
	metrics.RegisterBrokerMetrics(reg)
	metrics.RegisterCircuitBreakerMetrics(reg)
	metrics.RegisterAPIMetrics(reg)

	a.meter = stats.NewMeter(
		stats.WithRegisterer(reg),
		stats.WithLogger(a.Logger),
	)
}

func (a *App) initPersistence(ctx context.Context) error {
	backend, err := a.dbConnector.InitPersistence(ctx)
	if err != nil {
		return err
	}
	a.backend = backend

	a.store = persistence.NewService(backend.Repository,
		persistence.WithMeter(a.meter),
		persistence.WithLogger(a.Logger),
		persistence.WithWriteTimeout(a.Config.Persistence.WriteTimeout),
	)
	return nil
}

func (a *App) initPipeline(ctx context.Context) error {
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return err
	}

	deps := stages.Deps{
		Evaluator: evaluator,
		Logger:    a.Logger,
	}
	if stages.NeedsRedis(a.Config.Pipeline) {
		rdb, err := a.dbConnector.EnsureRedis(ctx, a.backend)
		if err != nil {
			return fmt.Errorf("cache_lookup stage needs redis: %w", err)
		}
		deps.Redis = rdb
	}

	p, err := stages.Build(a.Config.Pipeline, deps)
	if err != nil {
		return err
	}
	a.pipeline = p

	a.Logger.InfowCtx(logging.WithPipeline(ctx, p.Name()), "Pipeline built",
		"version", p.Version(),
		"stages", p.StageNames(),
	)
	return nil
}

func (a *App) initService() {
	proc := processor.New(a.pipeline, a.store, a.meter,
		processor.WithLogger(a.Logger),
	)

	kafkaCfg := a.Config.Broker.Kafka
	cfg := sphere.Config{
		InputTopic:     topicOrDefault(kafkaCfg.InputTopic, constants.DefaultInputTopic),
		OutputTopic:    topicOrDefault(kafkaCfg.OutputTopic, constants.DefaultOutputTopic),
		DLQTopic:       topicOrDefault(kafkaCfg.DLQTopic, constants.DefaultDLQTopic),
		MaxConcurrency: int64(a.Config.Processor.MaxConcurrency),
		SkipPersisted:  a.Config.Processor.SkipPersisted,
		PersistRetry:   a.Config.Processor.PersistRetry.Policy(),
	}

	if consumer, ok := a.Consumer.(*broker.KafkaConsumer); ok {
		workers := a.Config.Processor.MaxConcurrency
		if workers <= 0 {
			workers = constants.DefaultMaxConcurrency
		}
		consumer.SetConcurrency(workers)
	}

	a.service = sphere.New(proc, a.store, cfg,
		sphere.WithProducer(a.Producer),
		sphere.WithConsumer(a.Consumer),
		sphere.WithMeter(a.meter),
		sphere.WithLogger(a.Logger),
	)
}

func (a *App) initHTTPServer(ctx context.Context) {
	for _, checker := range a.backend.Checkers {
		a.health.Register(checker)
	}

	handler := api.NewHandler(a.service, a.store, a.meter, a.pipeline, a.Logger)
	router := api.NewRouter(ctx, handler, api.RouterOptions{
		ServiceName: constants.ServiceName,
		Tracing:     a.Config.Tracing.Enabled,
		RateLimit:   a.Config.API.RateLimit,
		Health:      a.health,
		Swagger:     true,
	}, a.Logger)

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      router,
		ReadTimeout:  a.Config.Server.ReadTimeoutSeconds,
		WriteTimeout: a.Config.Server.WriteTimeoutSeconds,
	}
}

// Run serves HTTP and consumes the input topic until ctx is cancelled or
// either fails, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	if a.server != nil {
		g.Go(func() error {
			a.Logger.InfowCtx(gCtx, "HTTP server starting", "port", a.Config.Server.Port)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server error: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		return a.service.Run(gCtx)
	})

	g.Go(func() error {
		<-gCtx.Done()
		return a.Shutdown(context.WithoutCancel(ctx))
	})

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.InfowCtx(logging.WithServiceName(ctx, constants.ServiceName), "Shutting down processor service")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.server != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, constants.ShutdownTimeout)
			defer cancel()
			if err := a.server.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
			}
		}

		if a.backend != nil {
			errs = append(errs, a.backend.Close(ctx)...)
		}

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}

func topicOrDefault(topic, fallback string) string {
	if topic == "" {
		return fallback
	}
	return topic
}
