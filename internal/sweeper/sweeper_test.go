package sweeper_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cwrk-planet/collab-service/internal/sweeper"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTarget struct {
	calls atomic.Int32
	last  atomic.Int64
}

func (c *countingTarget) SweepExpired(now time.Time) int {
	c.calls.Add(1)
	c.last.Store(now.UnixNano())
	return 1
}

func TestSweeper_RunsOnInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	target := &countingTarget{}
	s := sweeper.New("test", target, clock, time.Second)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.ErrorIs(t, s.Start(context.Background()), sweeper.ErrAlreadyStarted)

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return target.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, clock.Now().UnixNano(), target.last.Load())

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return target.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestSweeper_StopCancels(t *testing.T) {
	clock := clockwork.NewFakeClock()
	target := &countingTarget{}
	s := sweeper.New("test", target, clock, time.Second)

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()

	clock.Advance(5 * time.Second)
	assert.Never(t, func() bool { return target.calls.Load() > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	// restartable after Stop
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return target.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSweeper_ContextCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	target := &countingTarget{}
	s := sweeper.New("test", target, clock, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()
	s.Stop()

	clock.Advance(3 * time.Second)
	assert.Never(t, func() bool { return target.calls.Load() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestSweeper_RunOnce(t *testing.T) {
	target := &countingTarget{}
	s := sweeper.New("test", target, clockwork.NewFakeClock(), 0)
	assert.Equal(t, 1, s.RunOnce())
	assert.Equal(t, int32(1), target.calls.Load())
}
