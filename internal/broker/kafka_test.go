package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgflow/internal/config"
	"msgflow/internal/logger"
	"msgflow/pkg/models"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		m := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) committedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

type recordingProducer struct {
	mu        sync.Mutex
	published map[string][]models.Envelope
}

func newRecordingProducer() *recordingProducer {
	return &recordingProducer{published: make(map[string][]models.Envelope)}
}

func (p *recordingProducer) Publish(ctx context.Context, topic string, env models.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published[topic] = append(p.published[topic], env)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func (p *recordingProducer) on(topic string) []models.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Envelope(nil), p.published[topic]...)
}

func testConsumer(dlq Producer) *KafkaConsumer {
	c := NewKafkaConsumer(config.KafkaConfig{
		GroupID:  "test",
		DLQTopic: "dlq",
		Retry: config.RetryConfig{
			MaxAttempts:     2,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
			Multiplier:      1,
		},
	}, logger.NopLogger())
	c.dlqProducer = dlq
	c.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return c
}

func kafkaMessage(t *testing.T, env models.Envelope) kafka.Message {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return kafka.Message{Topic: "in", Key: []byte(env.ID), Value: body}
}

func TestKafkaProducer_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaProducer{writer: w, logger: logger.NopLogger(), serviceName: "test"}

	env := models.Envelope{ID: "m-1", Source: "orders", Payload: json.RawMessage(`{"a":1}`)}
	require.NoError(t, p.Publish(context.Background(), "out", env))

	require.Len(t, w.messages, 1)
	assert.Equal(t, "out", w.messages[0].Topic)
	assert.Equal(t, []byte("m-1"), w.messages[0].Key)

	var decoded models.Envelope
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &decoded))
	assert.Equal(t, "orders", decoded.Source)
	assert.JSONEq(t, `{"a":1}`, string(decoded.Payload))
}

func TestKafkaProducer_PublishError(t *testing.T) {
	p := &KafkaProducer{writer: &fakeWriter{err: errors.New("leader not available")}, logger: logger.NopLogger()}

	err := p.Publish(context.Background(), "out", models.Envelope{ID: "m-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader not available")
}

func TestHandleMessage_Success(t *testing.T) {
	dlq := newRecordingProducer()
	c := testConsumer(dlq)

	var got []models.Envelope
	c.handleMessage(context.Background(), kafkaMessage(t, models.Envelope{ID: "m-1", Source: "s"}), "in",
		func(ctx context.Context, env models.Envelope) error {
			got = append(got, env)
			return nil
		})

	require.Len(t, got, 1)
	assert.Equal(t, "m-1", got[0].ID)
	assert.Empty(t, dlq.on("dlq"))
}

func TestHandleMessage_RetriesThenDeadLetters(t *testing.T) {
	dlq := newRecordingProducer()
	c := testConsumer(dlq)

	calls := 0
	c.handleMessage(context.Background(), kafkaMessage(t, models.Envelope{ID: "m-1"}), "in",
		func(ctx context.Context, env models.Envelope) error {
			calls++
			return errors.New("store unavailable")
		})

	assert.Equal(t, 2, calls)
	dead := dlq.on("dlq")
	require.Len(t, dead, 1)
	assert.Equal(t, ReasonRetriesExceeded, dead[0].Metadata.Reason)
	assert.Equal(t, "failed", dead[0].Metadata.Outcome)
	assert.Equal(t, "in", dead[0].Attributes["dlq_source_topic"])
	assert.Equal(t, "store unavailable", dead[0].Attributes["dlq_error"])
}

func TestHandleMessage_RecoversHandlerPanic(t *testing.T) {
	dlq := newRecordingProducer()
	c := testConsumer(dlq)

	assert.NotPanics(t, func() {
		c.handleMessage(context.Background(), kafkaMessage(t, models.Envelope{ID: "m-1"}), "in",
			func(ctx context.Context, env models.Envelope) error {
				panic("boom")
			})
	})
	assert.Len(t, dlq.on("dlq"), 1)
}

func TestHandleMessage_UndecodableGoesToDLQ(t *testing.T) {
	dlq := newRecordingProducer()
	c := testConsumer(dlq)

	called := false
	c.handleMessage(context.Background(), kafka.Message{Key: []byte("k"), Value: []byte("not json")}, "in",
		func(ctx context.Context, env models.Envelope) error {
			called = true
			return nil
		})

	assert.False(t, called)
	dead := dlq.on("dlq")
	require.Len(t, dead, 1)
	assert.Equal(t, ReasonDecode, dead[0].Metadata.Reason)
	assert.Equal(t, "not json", dead[0].Attributes["raw_value"])
	assert.Equal(t, "k", dead[0].ID)
}

func TestHandleMessage_InvalidEnvelopeGoesToDLQ(t *testing.T) {
	dlq := newRecordingProducer()
	c := testConsumer(dlq)

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	c.handleMessage(context.Background(), kafkaMessage(t, models.Envelope{ID: string(long)}), "in",
		func(ctx context.Context, env models.Envelope) error { return nil })

	dead := dlq.on("dlq")
	require.Len(t, dead, 1)
	assert.Equal(t, ReasonInvalid, dead[0].Metadata.Reason)
}

func TestConsume_CommitsEveryMessage(t *testing.T) {
	reader := &fakeReader{}
	c := testConsumer(newRecordingProducer())
	c.newReader = func(topic string) messageReader { return reader }

	reader.pending = []kafka.Message{
		kafkaMessage(t, models.Envelope{ID: "a"}),
		kafkaMessage(t, models.Envelope{ID: "b"}),
		{Value: []byte("garbage")},
	}

	var mu sync.Mutex
	var seen []string
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Consume(ctx, "in", func(ctx context.Context, env models.Envelope) error {
			mu.Lock()
			seen = append(seen, env.ID)
			mu.Unlock()
			return nil
		})
	}()

	require.Eventually(t, func() bool { return reader.committedCount() == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, c.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestConsume_ConcurrentHandlingCommitsInFetchOrder(t *testing.T) {
	reader := &fakeReader{}
	c := testConsumer(newRecordingProducer())
	c.SetConcurrency(3)
	c.newReader = func(topic string) messageReader { return reader }

	for i, id := range []string{"slow", "b", "c"} {
		m := kafkaMessage(t, models.Envelope{ID: id})
		m.Offset = int64(i)
		reader.pending = append(reader.pending, m)
	}

	release := make(chan struct{})
	var active, peak atomic.Int32
	var handled atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Consume(ctx, "in", func(ctx context.Context, env models.Envelope) error {
			n := active.Add(1)
			defer active.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			if env.ID == "slow" {
				<-release
			}
			handled.Add(1)
			return nil
		})
	}()

	require.Eventually(t, func() bool { return handled.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, reader.committedCount(), "later offsets wait for the slow message")

	close(release)
	require.Eventually(t, func() bool { return reader.committedCount() == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, c.Close())

	assert.GreaterOrEqual(t, peak.Load(), int32(2))
	reader.mu.Lock()
	defer reader.mu.Unlock()
	for i, m := range reader.committed {
		assert.Equal(t, int64(i), m.Offset)
	}
}

func TestWithDLQMetadata_DoesNotMutateInput(t *testing.T) {
	env := models.Envelope{ID: "m-1", Attributes: map[string]interface{}{"k": "v"}}
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	dead := WithDLQMetadata(env, ReasonFailedOutcome, nil, "in", at)

	assert.Len(t, env.Attributes, 1)
	assert.Equal(t, "v", dead.Attributes["k"])
	assert.Equal(t, "2024-05-01T12:00:00Z", dead.Attributes["dlq_timestamp"])
	assert.NotContains(t, dead.Attributes, "dlq_error")
	assert.Equal(t, ReasonFailedOutcome, dead.Metadata.Reason)
}

func TestFactory(t *testing.T) {
	p, err := NewProducer(config.BrokerConfig{Type: config.BrokerNone}, logger.NopLogger())
	require.NoError(t, err)
	assert.Nil(t, p)

	cons, err := NewConsumer(config.BrokerConfig{}, logger.NopLogger())
	require.NoError(t, err)
	assert.Nil(t, cons)

	_, err = NewProducer(config.BrokerConfig{Type: "rabbitmq"}, logger.NopLogger())
	assert.Error(t, err)

	p, err = NewProducer(config.BrokerConfig{Type: config.BrokerKafka, Kafka: config.KafkaConfig{Brokers: []string{"localhost:9092"}}}, logger.NopLogger())
	require.NoError(t, err)
	assert.IsType(t, &KafkaProducer{}, p)
	require.NoError(t, p.Close())
}
