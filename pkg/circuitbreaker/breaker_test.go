package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	cfg := DefaultConfig("smtp")
	cfg.Timeout = time.Hour
	cb, err := New(cfg, nil, OnStateChange(func(_ string, to State) { transitions = append(transitions, to) }))
	require.NoError(t, err)

	ctx := context.Background()
	down := errors.New("connection refused")
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Do(ctx, func(context.Context) error { return down }), down)
	}
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, []State{StateOpen}, transitions)

	called := false
	err = cb.Do(ctx, func(context.Context) error { called = true; return nil })
	assert.False(t, called)
	assert.ErrorIs(t, err, ErrOpen)
	assert.True(t, IsOpen(err))
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	cb, err := New(DefaultConfig("smtp"), nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_ = cb.Do(context.Background(), func(context.Context) error { return context.Canceled })
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestManagerHealthStatus(t *testing.T) {
	m := NewManager(nil)
	b, err := m.GetOrCreate("smtp", DefaultConfig(""))
	require.NoError(t, err)
	again, err := m.GetOrCreate("smtp", DefaultConfig(""))
	require.NoError(t, err)
	assert.Same(t, b, again)
	_, err = m.GetOrCreate("billing", DefaultConfig(""))
	require.NoError(t, err)

	require.NoError(t, b.Do(context.Background(), func(context.Context) error { return nil }))
	status := m.HealthStatus()
	require.Len(t, status, 2)
	assert.Equal(t, "billing", status[0].Name)
	assert.Equal(t, "smtp", status[1].Name)
	assert.EqualValues(t, 1, status[1].Requests)
	assert.True(t, status[1].Healthy)
}
