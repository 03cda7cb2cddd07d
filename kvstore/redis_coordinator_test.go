package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestRedisCoordinator_WatchReceivesPublishedEvent(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	coord, err := NewRedisCoordinator(mr.Addr())
	require.NoError(t, err)
	defer coord.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := coord.Watch(ctx, Key("nodes", "", ""))
	require.NoError(t, err)

	// miniredis pub/sub delivery is synchronous with the goroutine
	// loop inside RedisCoordinator.Watch, give it a moment to attach.
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, coord.Publish(ctx, Event{Kind: EventPut, Key: Key("nodes", "node-1", "")}))

	select {
	case ev := <-events:
		require.Equal(t, EventPut, ev.Kind)
		require.Equal(t, Key("nodes", "node-1", ""), ev.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}
