package wakebus_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"critic/internal/wakebus"
)

// Runs against a real server when CRITIC_TEST_REDIS_URL is set, e.g. redis://localhost:6379/15.
func TestRedis_WakeCrossesProcesses(t *testing.T) {
	url := os.Getenv("CRITIC_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CRITIC_TEST_REDIS_URL not set")
	}
	ctx := context.Background()

	publisher, err := wakebus.NewRedis(ctx, url)
	require.NoError(t, err)
	defer publisher.Close()

	subscriber, err := wakebus.NewRedis(ctx, url)
	require.NoError(t, err)
	defer subscriber.Close()

	// the subscription is established asynchronously
	require.Eventually(t, func() bool {
		require.NoError(t, publisher.Wake(ctx, wakebus.Replayer))
		select {
		case <-subscriber.Subscribe(wakebus.Replayer):
			return true
		default:
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
}

func TestNewRedis_BadURL(t *testing.T) {
	_, err := wakebus.NewRedis(context.Background(), "not-a-url")
	require.Error(t, err)
}
