package core

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RunsAndStops(t *testing.T) {
	s := NewScheduler(nil)
	var runs atomic.Int32
	require.NoError(t, s.Every("tick", time.Second, func(ctx context.Context) {
		runs.Add(1)
	}))
	require.NoError(t, s.Every("panics", time.Second, func(ctx context.Context) {
		panic("job bug")
	}))
	s.Start()

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	s.Stop()
	assert.Error(t, s.ctx.Err())

	after := runs.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestScheduler_RejectsBadInterval(t *testing.T) {
	s := NewScheduler(nil)
	assert.Error(t, s.Every("never", 0, func(context.Context) {}))
}
