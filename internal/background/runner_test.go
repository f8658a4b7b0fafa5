package background_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"critic/internal/background"
	"critic/internal/wakebus"
)

func TestRun_PassesOnStartAndWake(t *testing.T) {
	bus := wakebus.NewLocal()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var passes atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		background.Run(ctx, wakebus.Replayer, bus, time.Hour, func(context.Context) (time.Duration, error) {
			passes.Add(1)
			return 0, nil
		})
	}()

	require.Eventually(t, func() bool { return passes.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Wake(ctx, wakebus.Replayer))
	require.Eventually(t, func() bool { return passes.Load() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRun_HonoursRequestedDelay(t *testing.T) {
	bus := wakebus.NewLocal()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var passes atomic.Int32
	go background.Run(ctx, wakebus.BranchUpdater, bus, time.Hour, func(context.Context) (time.Duration, error) {
		passes.Add(1)
		return 10 * time.Millisecond, nil
	})

	assert.Eventually(t, func() bool { return passes.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestRun_SurvivesErrorsAndPanics(t *testing.T) {
	bus := wakebus.NewLocal()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var passes atomic.Int32
	go background.Run(ctx, wakebus.ReviewUpdater, bus, time.Hour, func(context.Context) (time.Duration, error) {
		switch passes.Add(1) {
		case 1:
			return 0, errors.New("database unavailable")
		case 2:
			panic("unexpected")
		}
		return 0, nil
	})

	require.Eventually(t, func() bool { return passes.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, bus.Wake(ctx, wakebus.ReviewUpdater))
	require.Eventually(t, func() bool { return passes.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, bus.Wake(ctx, wakebus.ReviewUpdater))
	require.Eventually(t, func() bool { return passes.Load() == 3 }, time.Second, 5*time.Millisecond)
}
