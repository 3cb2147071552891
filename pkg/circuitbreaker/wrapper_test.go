package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_TypedResult(t *testing.T) {
	w := NewWrapper(DefaultConfig("typed"))

	n, err := Execute(context.Background(), w, func() (int64, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	var nilPtr *struct{}
	got, err := Execute(context.Background(), w, func() (*struct{}, error) { return nilPtr, nil })
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWrapper_OpensAfterFailures(t *testing.T) {
	var transitions []gobreaker.State
	cfg := DefaultConfig("opens")
	cfg.Timeout = time.Minute
	cfg.OnStateChange = func(name string, from, to gobreaker.State) {
		transitions = append(transitions, to)
	}
	w := NewWrapper(cfg)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_, err := Execute(context.Background(), w, func() (int, error) { return 0, boom })
		require.ErrorIs(t, err, boom)
	}

	assert.True(t, w.IsOpen())
	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, transitions)

	_, err := Execute(context.Background(), w, func() (int, error) { return 1, nil })
	assert.True(t, IsBreakerError(err))
}

func TestWrapper_CancellationDoesNotTrip(t *testing.T) {
	w := NewWrapper(DefaultConfig("cancel"))

	for i := 0; i < 5; i++ {
		_, err := w.ExecuteWithContext(context.Background(), func() (interface{}, error) {
			return nil, context.Canceled
		})
		require.ErrorIs(t, err, context.Canceled)
	}

	assert.False(t, w.IsOpen())
	assert.Equal(t, uint32(0), w.Counts().TotalFailures)
}

func TestWrapper_DoneContextSkipsCall(t *testing.T) {
	w := NewWrapper(DefaultConfig("done"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := w.ExecuteWithContext(ctx, func() (interface{}, error) {
		called = true
		return nil, nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestRatioTrip(t *testing.T) {
	trip := RatioTrip(4, 0.5)
	assert.False(t, trip(gobreaker.Counts{Requests: 3, TotalFailures: 3}))
	assert.False(t, trip(gobreaker.Counts{Requests: 4, TotalFailures: 1}))
	assert.True(t, trip(gobreaker.Counts{Requests: 4, TotalFailures: 2}))
}
