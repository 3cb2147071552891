package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgflow/internal/persistence"
	"msgflow/internal/pipeline"
	"msgflow/internal/stats"
	"msgflow/pkg/models"
)

type recordingStore struct {
	mu      sync.Mutex
	records []persistence.Record
	err     error
}

func (s *recordingStore) Store(_ context.Context, rec persistence.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.err
}

func (s *recordingStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type panickingMeter struct{}

func (panickingMeter) Increment(string, stats.Tags)        { panic("meter down") }
func (panickingMeter) Observe(string, float64, stats.Tags) { panic("meter down") }

type spyStage struct {
	calls atomic.Int32
}

func (s *spyStage) Transform(_ context.Context, msg models.Message) (models.Message, error) {
	s.calls.Add(1)
	return msg, nil
}

func appendStage(suffix string) pipeline.TransformFunc {
	return func(_ context.Context, msg models.Message) (models.Message, error) {
		return msg.WithPayload(append(append([]byte(nil), msg.Payload...), suffix...)), nil
	}
}

func failingStage(err error) pipeline.TransformFunc {
	return func(context.Context, models.Message) (models.Message, error) {
		return models.Message{}, err
	}
}

func rejectingStage(reason string) pipeline.TransformFunc {
	return func(context.Context, models.Message) (models.Message, error) {
		return models.Message{}, pipeline.Reject(reason)
	}
}

type stageDef struct {
	name   string
	t      pipeline.Transformer
	policy pipeline.Policy
}

func buildPipeline(t *testing.T, stages ...stageDef) *pipeline.Pipeline {
	t.Helper()
	b := pipeline.NewBuilder("test", "v1")
	for _, s := range stages {
		require.NoError(t, b.AddStage(s.name, s.t, s.policy))
	}
	p, err := b.Build()
	require.NoError(t, err)
	return p
}

func TestProcess_StagesRunInOrder(t *testing.T) {
	p := buildPipeline(t,
		stageDef{"a", appendStage("a"), pipeline.PolicyFatal},
		stageDef{"b", appendStage("b"), pipeline.PolicyFatal},
		stageDef{"c", appendStage("c"), pipeline.PolicyFatal},
	)
	store := &recordingStore{}
	meter := stats.NewMeter()
	proc := New(p, store, meter)

	out, err := proc.Process(context.Background(), models.NewMessage("m1", "test", []byte("x")))

	require.NoError(t, err)
	assert.Equal(t, KindProcessed, out.Kind)
	assert.Equal(t, "xabc", string(out.Message.Payload))
	assert.Equal(t, "c", out.Stage)
	require.Equal(t, 1, store.calls())
	assert.Equal(t, persistence.OutcomeProcessed, store.records[0].Outcome)
	assert.Equal(t, "xabc", string(store.records[0].Payload))
	assert.Equal(t, "test", store.records[0].Pipeline)

	snap := meter.Snapshot()
	for _, stage := range []string{"a", "b", "c"} {
		tags := stats.Tags{"pipeline": "test", "stage": stage}
		assert.Equal(t, 1.0, snap.Value(MetricStageEntered, tags))
		assert.Equal(t, 1.0, snap.Value(MetricStageSucceeded, tags))
	}
	assert.Equal(t, 1.0, snap.Value(MetricPipelineCompleted, stats.Tags{"pipeline": "test", "outcome": "processed"}))
}

func TestProcess_RejectionHaltsRun(t *testing.T) {
	spy := &spyStage{}
	p := buildPipeline(t,
		stageDef{"a", appendStage("a"), pipeline.PolicyFatal},
		stageDef{"validate", rejectingStage("bad input"), pipeline.PolicyFatal},
		stageDef{"after", spy, pipeline.PolicyFatal},
	)
	store := &recordingStore{}
	meter := stats.NewMeter()

	out, err := New(p, store, meter).Process(context.Background(), models.NewMessage("m1", "test", []byte("x")))

	require.NoError(t, err)
	assert.Equal(t, KindRejected, out.Kind)
	assert.Equal(t, "validate", out.Stage)
	assert.Equal(t, "bad input", out.Reason)
	assert.Equal(t, "xa", string(out.Message.Payload))
	assert.Nil(t, out.Err)
	assert.Equal(t, int32(0), spy.calls.Load())
	require.Equal(t, 1, store.calls())
	assert.Equal(t, persistence.OutcomeRejected, store.records[0].Outcome)
	assert.Equal(t, "bad input", store.records[0].Reason)

	snap := meter.Snapshot()
	assert.Equal(t, 1.0, snap.Value(MetricStageRejected, stats.Tags{"pipeline": "test", "stage": "validate"}))
	assert.Equal(t, 0.0, snap.Total(MetricStageFailed))
}

func TestProcess_FatalFailureHalts(t *testing.T) {
	spy := &spyStage{}
	boom := errors.New("boom")
	p := buildPipeline(t,
		stageDef{"a", appendStage("a"), pipeline.PolicyFatal},
		stageDef{"broken", failingStage(boom), pipeline.PolicyFatal},
		stageDef{"after", spy, pipeline.PolicyFatal},
	)
	store := &recordingStore{}
	meter := stats.NewMeter()

	out, err := New(p, store, meter).Process(context.Background(), models.NewMessage("m1", "test", []byte("x")))

	require.NoError(t, err)
	assert.Equal(t, KindFailed, out.Kind)
	assert.Equal(t, "broken", out.Stage)
	assert.ErrorIs(t, out.Err, boom)
	assert.Equal(t, "xa", string(out.Message.Payload))
	assert.Equal(t, int32(0), spy.calls.Load())
	require.Equal(t, 1, store.calls())
	assert.Equal(t, persistence.OutcomeFailed, store.records[0].Outcome)
	assert.Contains(t, store.records[0].Error, "boom")

	snap := meter.Snapshot()
	assert.Equal(t, 1.0, snap.Value(MetricStageFailed, stats.Tags{"pipeline": "test", "stage": "broken", "fatal": "true"}))
}

func TestProcess_ContinueOnErrorCarriesLastGoodValue(t *testing.T) {
	p := buildPipeline(t,
		stageDef{"a", appendStage("a"), pipeline.PolicyFatal},
		stageDef{"flaky", failingStage(errors.New("lookup failed")), pipeline.PolicyContinue},
		stageDef{"c", appendStage("c"), pipeline.PolicyFatal},
	)
	store := &recordingStore{}
	meter := stats.NewMeter()

	out, err := New(p, store, meter).Process(context.Background(), models.NewMessage("m1", "test", []byte("x")))

	require.NoError(t, err)
	assert.Equal(t, KindProcessed, out.Kind)
	assert.Equal(t, "xac", string(out.Message.Payload))
	require.Len(t, out.StageErrors, 1)
	assert.Equal(t, "flaky", out.StageErrors[0].Stage)
	assert.Contains(t, store.records[0].Error, "lookup failed")

	snap := meter.Snapshot()
	assert.Equal(t, 1.0, snap.Value(MetricStageFailed, stats.Tags{"pipeline": "test", "stage": "flaky", "fatal": "false"}))
}

func TestProcess_PanicIsStageFailure(t *testing.T) {
	panicking := pipeline.TransformFunc(func(context.Context, models.Message) (models.Message, error) {
		panic("stage exploded")
	})

	t.Run("fatal", func(t *testing.T) {
		p := buildPipeline(t, stageDef{"p", panicking, pipeline.PolicyFatal})
		store := &recordingStore{}

		out, err := New(p, store, nil).Process(context.Background(), models.NewMessage("m1", "test", []byte("x")))

		require.NoError(t, err)
		assert.Equal(t, KindFailed, out.Kind)
		require.Error(t, out.Err)
		assert.Contains(t, out.Err.Error(), "stage exploded")
		assert.Equal(t, 1, store.calls())
	})

	t.Run("continue", func(t *testing.T) {
		p := buildPipeline(t,
			stageDef{"p", panicking, pipeline.PolicyContinue},
			stageDef{"b", appendStage("b"), pipeline.PolicyFatal},
		)

		out, err := New(p, &recordingStore{}, nil).Process(context.Background(), models.NewMessage("m1", "test", []byte("x")))

		require.NoError(t, err)
		assert.Equal(t, KindProcessed, out.Kind)
		assert.Equal(t, "xb", string(out.Message.Payload))
		assert.Len(t, out.StageErrors, 1)
	})
}

func TestProcess_ExactlyOneStorePerKind(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		t    pipeline.Transformer
		want Kind
	}{
		{"processed", context.Background(), appendStage("a"), KindProcessed},
		{"rejected", context.Background(), rejectingStage("no"), KindRejected},
		{"failed", context.Background(), failingStage(errors.New("x")), KindFailed},
		{"cancelled", cancelled, appendStage("a"), KindCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := buildPipeline(t, stageDef{"only", tt.t, pipeline.PolicyFatal})
			store := &recordingStore{}

			out, err := New(p, store, nil).Process(tt.ctx, models.NewMessage("m1", "test", []byte("x")))

			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Kind)
			require.Equal(t, 1, store.calls())
			assert.Equal(t, tt.want.String(), store.records[0].Outcome)
		})
	}
}

func TestProcess_CancellationBetweenStages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	spy := &spyStage{}
	cancelling := pipeline.TransformFunc(func(stageCtx context.Context, msg models.Message) (models.Message, error) {
		cancel()
		// the stage itself is not interrupted
		assert.NoError(t, stageCtx.Err())
		return msg.WithPayload([]byte("partial")), nil
	})
	p := buildPipeline(t,
		stageDef{"first", cancelling, pipeline.PolicyFatal},
		stageDef{"second", spy, pipeline.PolicyFatal},
	)
	store := &recordingStore{}

	out, err := New(p, store, nil).Process(ctx, models.NewMessage("m1", "test", []byte("x")))

	require.NoError(t, err)
	assert.Equal(t, KindCancelled, out.Kind)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, "first", out.Stage)
	assert.Equal(t, "partial", string(out.Message.Payload))
	assert.Equal(t, int32(0), spy.calls.Load())
	require.Equal(t, 1, store.calls())
	assert.Equal(t, "partial", string(store.records[0].Payload))
}

func TestProcess_CancelledBeforeAnyStageHasNoPayload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	spy := &spyStage{}
	p := buildPipeline(t, stageDef{"a", spy, pipeline.PolicyFatal})
	store := &recordingStore{}

	out, err := New(p, store, nil).Process(ctx, models.NewMessage("m1", "test", []byte("x")))

	require.NoError(t, err)
	assert.Equal(t, KindCancelled, out.Kind)
	assert.Nil(t, out.Message.Payload)
	assert.Equal(t, "m1", out.Message.ID)
	assert.Equal(t, int32(0), spy.calls.Load())
	assert.Nil(t, store.records[0].Payload)
}

func TestProcess_RecordKeepsArrivalIdentity(t *testing.T) {
	ctx := context.Background()
	p := buildPipeline(t,
		stageDef{"rebuild", pipeline.TransformFunc(func(_ context.Context, msg models.Message) (models.Message, error) {
			return models.Message{Payload: []byte(`{"rebuilt":true}`)}, nil
		}), pipeline.PolicyFatal},
		stageDef{"rename", pipeline.TransformFunc(func(_ context.Context, msg models.Message) (models.Message, error) {
			msg.ID = "other"
			return msg, nil
		}), pipeline.PolicyFatal},
	)
	store := persistence.NewService(persistence.NewMemoryRepository())
	proc := New(p, store, nil)

	other := models.NewMessage("other", "test", []byte("keep"))
	_, err := New(buildPipeline(t, stageDef{"a", &spyStage{}, pipeline.PolicyFatal}), store, nil).Process(ctx, other)
	require.NoError(t, err)

	msg := models.NewMessage("m1", "test", []byte("x"))
	out, err := proc.Process(ctx, msg)

	require.NoError(t, err)
	assert.Equal(t, KindProcessed, out.Kind)
	assert.Equal(t, "m1", out.Message.ID)
	assert.Equal(t, msg.Sequence, out.Message.Sequence)

	rec, err := store.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, `{"rebuilt":true}`, string(rec.Payload))

	untouched, err := store.Get(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, "keep", string(untouched.Payload))
}

func TestProcess_PersistenceFailureKeepsOutcome(t *testing.T) {
	p := buildPipeline(t, stageDef{"a", appendStage("a"), pipeline.PolicyFatal})
	store := &recordingStore{err: errors.New("disk full")}
	meter := stats.NewMeter()

	out, err := New(p, store, meter).Process(context.Background(), models.NewMessage("m1", "test", []byte("x")))

	require.Error(t, err)
	perr, ok := persistence.AsError(err)
	require.True(t, ok)
	assert.True(t, perr.IsRetryable())
	require.NotNil(t, perr.Record)
	assert.Equal(t, "m1", perr.Record.MessageID)
	assert.Equal(t, KindProcessed, out.Kind)
	assert.Equal(t, "xa", string(out.Message.Payload))
	assert.Equal(t, 1.0, meter.Snapshot().Value(MetricPersistenceErrors, stats.Tags{"pipeline": "test"}))
}

func TestProcess_MeterFailureDoesNotChangeOutcome(t *testing.T) {
	p := buildPipeline(t,
		stageDef{"a", appendStage("a"), pipeline.PolicyFatal},
		stageDef{"r", rejectingStage("nope"), pipeline.PolicyFatal},
	)
	store := &recordingStore{}

	var out Outcome
	var err error
	assert.NotPanics(t, func() {
		out, err = New(p, store, panickingMeter{}).Process(context.Background(), models.NewMessage("m1", "test", []byte("x")))
	})

	require.NoError(t, err)
	assert.Equal(t, KindRejected, out.Kind)
	assert.Equal(t, "nope", out.Reason)
	assert.Equal(t, 1, store.calls())
}

func TestProcess_IdempotentStore(t *testing.T) {
	p := buildPipeline(t, stageDef{"a", appendStage("a"), pipeline.PolicyFatal})
	svc := persistence.NewService(persistence.NewMemoryRepository())
	proc := New(p, svc, nil)
	msg := models.NewMessage("same", "test", []byte("x"))

	_, err := proc.Process(context.Background(), msg)
	require.NoError(t, err)
	_, err = proc.Process(context.Background(), msg)
	require.NoError(t, err)

	exists, err := svc.Exists(context.Background(), "same")
	require.NoError(t, err)
	assert.True(t, exists)
	count, err := svc.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestProcess_ConcurrentCallers(t *testing.T) {
	const n = 64
	p := buildPipeline(t,
		stageDef{"a", appendStage("a"), pipeline.PolicyFatal},
		stageDef{"b", appendStage("b"), pipeline.PolicyFatal},
	)
	svc := persistence.NewService(persistence.NewMemoryRepository())
	meter := stats.NewMeter()
	proc := New(p, svc, meter)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := models.NewMessage(fmt.Sprintf("m-%d", i), "test", []byte("x"))
			out, err := proc.Process(context.Background(), msg)
			if err != nil {
				errs <- err
				return
			}
			if string(out.Message.Payload) != "xab" {
				errs <- fmt.Errorf("message %d: unexpected payload %q", i, out.Message.Payload)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	count, err := svc.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(n), count)
	assert.Equal(t, float64(n), meter.Snapshot().Value(MetricPipelineCompleted, stats.Tags{"pipeline": "test", "outcome": "processed"}))
}

func TestProcess_ValidateEnrichPersistMarker(t *testing.T) {
	validate := pipeline.TransformFunc(func(_ context.Context, msg models.Message) (models.Message, error) {
		if len(msg.Payload) == 0 {
			return models.Message{}, pipeline.Reject("empty payload")
		}
		return msg, nil
	})
	enrich := pipeline.TransformFunc(func(_ context.Context, msg models.Message) (models.Message, error) {
		return msg.WithPayload([]byte(strings.ToUpper(string(msg.Payload)))), nil
	})
	marker := pipeline.TransformFunc(func(_ context.Context, msg models.Message) (models.Message, error) {
		return msg.WithAttribute("persisted", true), nil
	})

	b := pipeline.NewBuilder("example", "1")
	require.NoError(t, b.AddStage("validate", validate, pipeline.PolicyFatal))
	require.NoError(t, b.AddStage("enrich", enrich, pipeline.PolicyFatal))
	require.NoError(t, b.AddStage("persist-marker", marker, pipeline.PolicyFatal))
	p, err := b.Build()
	require.NoError(t, err)

	svc := persistence.NewService(persistence.NewMemoryRepository())
	meter := stats.NewMeter()
	proc := New(p, svc, meter)
	ctx := context.Background()

	out1, err := proc.Process(ctx, models.NewMessage("m1", "test", []byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, KindProcessed, out1.Kind)
	assert.Equal(t, "HELLO", string(out1.Message.Payload))
	v, ok := out1.Message.Attribute("persisted")
	assert.True(t, ok)
	assert.Equal(t, true, v)

	out2, err := proc.Process(ctx, models.NewMessage("m2", "test", []byte("")))
	require.NoError(t, err)
	assert.Equal(t, KindRejected, out2.Kind)
	assert.Equal(t, "validate", out2.Stage)
	assert.Equal(t, "empty payload", out2.Reason)

	for _, id := range []string{"m1", "m2"} {
		exists, err := svc.Exists(ctx, id)
		require.NoError(t, err)
		assert.True(t, exists, id)
	}
	rec, err := svc.Get(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, persistence.OutcomeRejected, rec.Outcome)

	snap := meter.Snapshot()
	assert.Equal(t, 2.0, snap.Value(MetricStageEntered, stats.Tags{"pipeline": "example", "stage": "validate"}))
	assert.Equal(t, 1.0, snap.Value(MetricStageEntered, stats.Tags{"pipeline": "example", "stage": "enrich"}))
	assert.Equal(t, 1.0, snap.Value(MetricStageRejected, stats.Tags{"pipeline": "example", "stage": "validate"}))
}
