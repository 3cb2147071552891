// Package processor runs messages through a built pipeline, classifies the
// result and records it exactly once through the persistence store.
package processor

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"msgflow/internal/logger"
	"msgflow/internal/persistence"
	"msgflow/internal/pipeline"
	"msgflow/internal/stats"
	pkgerrors "msgflow/pkg/errors"
	"msgflow/pkg/logging"
	"msgflow/pkg/models"
	"msgflow/pkg/tracing"
)

const defaultTracerName = "msgflow/processor"

type Store interface {
	Store(ctx context.Context, rec persistence.Record) error
}

type Meter interface {
	Increment(name string, tags stats.Tags)
	Observe(name string, value float64, tags stats.Tags)
}

type Option func(*Processor)

func WithLogger(log logger.Logger) Option {
	return func(p *Processor) {
		if log != nil {
			p.logger = log
		}
	}
}

func WithTracerName(name string) Option {
	return func(p *Processor) {
		p.tracer = tracing.GetTracer(name)
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

// Processor holds no per-run state and is safe for concurrent use.
type Processor struct {
	pipeline *pipeline.Pipeline
	store    Store
	meter    Meter
	logger   logger.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func New(p *pipeline.Pipeline, store Store, meter Meter, opts ...Option) *Processor {
	if meter == nil {
		meter = stats.Nop()
	}
	proc := &Processor{
		pipeline: p,
		store:    store,
		meter:    meter,
		logger:   logger.NopLogger(),
		tracer:   tracing.GetTracer(defaultTracerName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(proc)
	}
	return proc
}

func (p *Processor) Pipeline() *pipeline.Pipeline {
	return p.pipeline
}

// Process runs msg through every stage in order and stores the outcome. The
// returned error is non-nil only when the store failed, in which case it is a
// *persistence.Error and the Outcome is still valid.
func (p *Processor) Process(ctx context.Context, msg models.Message) (Outcome, error) {
	start := p.now()
	ctx = logging.WithMessageID(ctx, msg.ID)
	ctx = logging.WithPipeline(ctx, p.pipeline.Name())
	ctx, span := p.tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("pipeline.name", p.pipeline.Name()),
		attribute.String("message.id", msg.ID),
	))
	defer span.End()

	out := p.run(ctx, msg)
	out.Duration = p.now().Sub(start)

	tags := stats.Tags{"pipeline": p.pipeline.Name(), "outcome": out.Kind.String()}
	p.increment(MetricPipelineCompleted, tags)
	p.observe(MetricPipelineDuration, millis(out.Duration), tags)

	span.SetAttributes(
		attribute.String("pipeline.outcome", out.Kind.String()),
		attribute.String("pipeline.stage", out.Stage),
	)
	if out.Kind == KindFailed {
		span.SetStatus(codes.Error, out.ErrorText())
	}
	p.logOutcome(ctx, out)

	rec := out.Record()
	if err := p.store.Store(context.WithoutCancel(ctx), rec); err != nil {
		p.increment(MetricPersistenceErrors, stats.Tags{"pipeline": p.pipeline.Name()})
		span.RecordError(err)
		p.logger.ErrorwCtx(ctx, "Failed to persist outcome",
			"pipeline", p.pipeline.Name(),
			"outcome", out.Kind.String(),
			"error", err,
		)
		perr, ok := persistence.AsError(err)
		if !ok {
			perr = &persistence.Error{Op: "store", MessageID: rec.MessageID, Record: &rec, Err: err}
		}
		return out, perr
	}

	return out, nil
}

func (p *Processor) run(ctx context.Context, msg models.Message) Outcome {
	out := Outcome{
		Pipeline:        p.pipeline.Name(),
		PipelineVersion: p.pipeline.Version(),
	}
	// stages are atomic units: they see values and spans, never cancellation
	stageCtx := context.WithoutCancel(ctx)
	current := msg
	succeeded := 0

	for i := 0; i < p.pipeline.Len(); i++ {
		stage := p.pipeline.StageAt(i)

		if err := ctx.Err(); err != nil {
			out.Kind = KindCancelled
			out.Err = err
			out.Message = current
			if succeeded == 0 {
				out.Message = withoutPayload(msg)
			}
			return out
		}

		out.Stage = stage.Name()
		result, err := p.runStage(stageCtx, stage, current)
		if err == nil {
			// a run is always recorded under the identity it arrived with
			result.ID = msg.ID
			result.Sequence = msg.Sequence
			current = result
			succeeded++
			continue
		}

		if rej, ok := pipeline.AsRejection(err); ok {
			out.Kind = KindRejected
			out.Reason = rej.Reason
			out.Message = current
			return out
		}

		if stage.Policy() == pipeline.PolicyContinue {
			out.StageErrors = append(out.StageErrors, StageError{Stage: stage.Name(), Err: err})
			p.logger.WarnwCtx(ctx, "Stage failed, continuing with last good value",
				"pipeline", p.pipeline.Name(),
				"stage", stage.Name(),
				"error", err,
			)
			continue
		}

		out.Kind = KindFailed
		out.Err = err
		out.Message = current
		return out
	}

	out.Kind = KindProcessed
	out.Message = current
	return out
}

func (p *Processor) runStage(ctx context.Context, stage pipeline.Stage, msg models.Message) (result models.Message, err error) {
	tags := stats.Tags{"pipeline": p.pipeline.Name(), "stage": stage.Name()}
	p.increment(MetricStageEntered, tags)

	ctx, span := p.tracer.Start(ctx, "stage."+stage.Name(), trace.WithAttributes(
		attribute.String("stage.name", stage.Name()),
		attribute.String("stage.policy", stage.Policy().String()),
	))
	start := p.now()

	defer func() {
		if r := recover(); r != nil {
			err = pkgerrors.RecoverPanic(r)
			p.logger.ErrorwCtx(ctx, "Stage panicked",
				"pipeline", p.pipeline.Name(),
				"stage", stage.Name(),
				"panic", r,
			)
		}

		p.observe(MetricStageDuration, millis(p.now().Sub(start)), tags)

		switch {
		case err == nil:
			p.increment(MetricStageSucceeded, tags)
		case pipeline.IsRejection(err):
			p.increment(MetricStageRejected, tags)
			span.SetAttributes(attribute.String("stage.rejection", err.Error()))
		default:
			fatal := stage.Policy() == pipeline.PolicyFatal
			p.increment(MetricStageFailed, stats.Tags{
				"pipeline": p.pipeline.Name(),
				"stage":    stage.Name(),
				"fatal":    strconv.FormatBool(fatal),
			})
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	return stage.Transformer().Transform(ctx, msg)
}

func (p *Processor) logOutcome(ctx context.Context, out Outcome) {
	switch out.Kind {
	case KindProcessed:
		p.logger.DebugwCtx(ctx, "Message processed",
			"pipeline", out.Pipeline,
			"stage_errors", len(out.StageErrors),
			"duration_ms", millis(out.Duration),
		)
	case KindRejected:
		p.logger.InfowCtx(ctx, "Message rejected",
			"pipeline", out.Pipeline,
			"stage", out.Stage,
			"reason", out.Reason,
		)
	case KindFailed:
		p.logger.WarnwCtx(ctx, "Message failed",
			"pipeline", out.Pipeline,
			"stage", out.Stage,
			"error", out.Err,
		)
	case KindCancelled:
		p.logger.InfowCtx(ctx, "Message processing cancelled",
			"pipeline", out.Pipeline,
			"stage", out.Stage,
			"error", out.Err,
		)
	}
}

// increment and observe shield the run from a misbehaving meter.
func (p *Processor) increment(name string, tags stats.Tags) {
	defer p.meterRecover(name)
	p.meter.Increment(name, tags)
}

func (p *Processor) observe(name string, value float64, tags stats.Tags) {
	defer p.meterRecover(name)
	p.meter.Observe(name, value, tags)
}

func (p *Processor) meterRecover(name string) {
	if r := recover(); r != nil {
		p.logger.Warnw("Metering failed", "metric", name, "panic", r)
	}
}

func withoutPayload(msg models.Message) models.Message {
	return models.Message{
		ID:        msg.ID,
		Sequence:  msg.Sequence,
		Timestamp: msg.Timestamp,
		Source:    msg.Source,
	}
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
