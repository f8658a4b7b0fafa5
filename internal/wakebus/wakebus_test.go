package wakebus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"critic/internal/domain"
	"critic/internal/wakebus"
)

func TestLocal_WakesCollapse(t *testing.T) {
	bus := wakebus.NewLocal()
	ctx := context.Background()

	require.NoError(t, bus.Wake(ctx, wakebus.BranchUpdater))
	require.NoError(t, bus.Wake(ctx, wakebus.BranchUpdater))
	require.NoError(t, bus.Wake(ctx, wakebus.BranchUpdater))

	ch := bus.Subscribe(wakebus.BranchUpdater)
	select {
	case <-ch:
	default:
		t.Fatal("expected a pending wake")
	}
	select {
	case <-ch:
		t.Fatal("wakes should collapse into one")
	default:
	}
}

func TestLocal_ServicesAreIndependent(t *testing.T) {
	bus := wakebus.NewLocal()

	require.NoError(t, bus.Wake(context.Background(), wakebus.ReviewUpdater))

	select {
	case <-bus.Subscribe(wakebus.Replayer):
		t.Fatal("replayer should not be woken")
	default:
	}
	select {
	case <-bus.Subscribe(wakebus.ReviewUpdater):
	case <-time.After(time.Second):
		t.Fatal("review updater not woken")
	}
}

func TestLocal_UnknownService(t *testing.T) {
	bus := wakebus.NewLocal()

	err := bus.Wake(context.Background(), "mailer")
	assert.ErrorIs(t, err, domain.ErrUnknownService)
}

func TestWakeAfterCommit(t *testing.T) {
	bus := wakebus.NewLocal()

	wake := wakebus.WakeAfterCommit(context.Background(), bus, wakebus.Replayer)
	wake()

	select {
	case <-bus.Subscribe(wakebus.Replayer):
	case <-time.After(time.Second):
		t.Fatal("replayer not woken")
	}
}

func TestIsKnown(t *testing.T) {
	for _, service := range wakebus.Services {
		assert.True(t, wakebus.IsKnown(service), service)
	}
	assert.False(t, wakebus.IsKnown(""))
	assert.False(t, wakebus.IsKnown("maintenance"))
}
