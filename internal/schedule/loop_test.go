package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopTick(ctx context.Context) error { return nil }

func TestNoteResult_BackoffMonotonicCapped(t *testing.T) {
	l := NewLoop("test", time.Second, 4*time.Second, 2.0, noopTick, nil)

	boom := errors.New("boom")
	var intervals []time.Duration
	for i := 0; i < 4; i++ {
		l.noteResult(boom)
		intervals = append(intervals, l.Status().CurrentInterval)
	}

	assert.Equal(t, []time.Duration{
		2 * time.Second,
		4 * time.Second,
		4 * time.Second, // capped
		4 * time.Second,
	}, intervals)

	for i := 1; i < len(intervals); i++ {
		assert.GreaterOrEqual(t, intervals[i], intervals[i-1], "backoff must be non-decreasing")
	}
	assert.Equal(t, 4, l.Status().ConsecutiveFailures)
}

func TestNoteResult_SuccessResetsToBase(t *testing.T) {
	l := NewLoop("test", time.Second, 8*time.Second, 2.0, noopTick, nil)

	l.noteResult(errors.New("boom"))
	l.noteResult(errors.New("boom"))
	require.Equal(t, 4*time.Second, l.Status().CurrentInterval)

	l.noteResult(nil)
	st := l.Status()
	assert.Equal(t, time.Second, st.CurrentInterval)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.False(t, st.LastSuccess.IsZero())
}

func TestLoop_StartTicksAndStops(t *testing.T) {
	var ticks atomic.Int32
	l := NewLoop("test", time.Millisecond, 10*time.Millisecond, 2.0, func(ctx context.Context) error {
		ticks.Add(1)
		return nil
	}, nil)

	l.Start()
	assert.True(t, l.Status().Running)

	require.Eventually(t, func() bool { return ticks.Load() >= 2 },
		time.Second, time.Millisecond)

	l.Stop()
	assert.False(t, l.Status().Running)

	seen := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, ticks.Load(), seen+1, "at most one in-flight tick after Stop")

	// idempotent
	l.Stop()
	l.Start()
	l.Stop()
}

func TestLoop_PanicBecomesBackoff(t *testing.T) {
	var crashes atomic.Int32
	l := NewLoop("test", time.Millisecond, 50*time.Millisecond, 2.0, func(ctx context.Context) error {
		panic("tick exploded")
	}, func(err error) {
		crashes.Add(1)
	})

	l.Start()
	defer l.Stop()

	require.Eventually(t, func() bool { return crashes.Load() >= 1 },
		time.Second, time.Millisecond)
	assert.Greater(t, l.Status().ConsecutiveFailures, 0)
	assert.Greater(t, l.Status().CurrentInterval, time.Millisecond)
}
