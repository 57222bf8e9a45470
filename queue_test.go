package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Scenario 6: queue-mode fan-out with a dynamic event shared by two
// listeners; ref count tracks outstanding queue claims and the pool
// recovers the block once both listeners release it.
func TestQueueModeFanOutWithDynamicEvent(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	l1 := NewQueueListener("L1", 0, 4)
	l2 := NewQueueListener("L2", 0, 4)
	require.NoError(t, bus.Attach(ctx, l1))
	require.NoError(t, bus.Attach(ctx, l2))
	require.NoError(t, bus.Subscribe(ctx, l1, 1))
	require.NoError(t, bus.Subscribe(ctx, l2, 1))

	ev, err := bus.EventAlloc(4, 1, 0)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, ev, false))

	got1 := waitForQueueEvent(t, l1)
	got2 := waitForQueueEvent(t, l2)
	require.Same(t, ev, got1)
	require.Same(t, ev, got2)
	require.Equal(t, 2, ev.RefCount())

	require.NoError(t, bus.EventRelease(ev, l1))
	require.Equal(t, 1, ev.RefCount())
	require.Equal(t, 0, l1.RefCount())

	require.NoError(t, bus.EventRelease(ev, l2))
	require.Equal(t, 0, ev.RefCount())
	require.Equal(t, 0, l2.RefCount())

	info, valid := bus.pools[AllocSmall].Integrity()
	require.True(t, valid)
	require.Equal(t, 0, info.Count)
}

func TestQueueOverflowSetsStickyFlagAndOtherListenersStillReceive(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	full := NewQueueListener("full", 0, 1)
	ok := NewQueueListener("ok", 0, 4)
	require.NoError(t, bus.Attach(ctx, full))
	require.NoError(t, bus.Attach(ctx, ok))
	require.NoError(t, bus.Subscribe(ctx, full, 1))
	require.NoError(t, bus.Subscribe(ctx, ok, 1))

	// Fill the "full" listener's one-slot queue without draining it.
	require.NoError(t, bus.Publish(ctx, StaticEvent(1, 0, nil), false))
	require.False(t, full.Overflow())

	// Second publish must overflow "full" but still reach "ok".
	require.NoError(t, bus.Publish(ctx, StaticEvent(1, 0, nil), false))
	require.True(t, full.Overflow())

	require.Len(t, ok.Queue(), 2)
}

func TestPublishToListenerBypassesFanOut(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	target := NewQueueListener("target", 0, 2)
	other := NewQueueListener("other", 0, 2)
	require.NoError(t, bus.Attach(ctx, target))
	require.NoError(t, bus.Attach(ctx, other))
	// Neither listener subscribes to id 1; PublishToListener must still
	// reach target directly and never touch other.
	ev, err := bus.EventAlloc(4, 1, 0)
	require.NoError(t, err)

	require.NoError(t, bus.PublishToListener(ctx, target, ev))
	require.Equal(t, 1, ev.RefCount())
	require.Equal(t, 1, target.RefCount())
	require.Len(t, other.Queue(), 0)

	got := waitForQueueEvent(t, target)
	require.Same(t, ev, got)
	require.NoError(t, bus.EventRelease(ev, target))
}

func waitForQueueEvent(t *testing.T, l *Listener) *Event {
	t.Helper()
	select {
	case ev := <-l.Queue():
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for delivery on %s", l.Name)
		return nil
	}
}
