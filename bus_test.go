package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.EventCount = 128
	cfg.PublishTimeout = 2 * time.Second
	cfg.WaitEventDefaultTimeout = 2 * time.Second
	return cfg
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := New(testConfig())
	require.NoError(t, err)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = bus.Stop(ctx)
	})
	return bus
}

// Scenario 1: simple pub/sub, callback mode.
func TestSimplePubSub(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var got uint32
	l := NewCallbackListener("L1", 0, func(ev *Event) {
		got = bePayloadUint32(ev.Payload())
	})
	require.NoError(t, bus.Attach(ctx, l))
	require.NoError(t, bus.Subscribe(ctx, l, 1))

	ev := StaticEvent(1, 0, beUint32(0xDEADBEEF))
	require.NoError(t, bus.Publish(ctx, ev, false))

	require.Equal(t, uint32(0xDEADBEEF), got)
}

// Scenario 2: high-bit id, requires mask width >= 3.
func TestHighBitID(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var got uint32
	l := NewCallbackListener("L1", 0, func(ev *Event) {
		got = bePayloadUint32(ev.Payload())
	})
	require.NoError(t, bus.Attach(ctx, l))
	require.NoError(t, bus.Subscribe(ctx, l, 80))

	ev := StaticEvent(80, 0, beUint32(0xBEEF0BEE))
	require.NoError(t, bus.Publish(ctx, ev, false))

	require.Equal(t, uint32(0xBEEF0BEE), got)
}

// Scenario 5: filtered delivery across several ids.
func TestFilteredDelivery(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	results := map[EventID]uint32{1: 0, 2: 0, 3: 0, 4: 0}
	l := NewCallbackListener("L1", 0, func(ev *Event) {
		results[ev.ID] = bePayloadUint32(ev.Payload())
	})
	require.NoError(t, bus.Attach(ctx, l))
	require.NoError(t, bus.SubscribeList(ctx, l, []EventID{1, 4}))

	values := map[EventID]uint32{1: 0xE1, 2: 0xE2, 3: 0xE3, 4: 0xE4}
	for _, id := range []EventID{1, 2, 3, 4} {
		ev := StaticEvent(id, 0, beUint32(values[id]))
		require.NoError(t, bus.Publish(ctx, ev, false))
	}

	require.Equal(t, uint32(0xE1), results[1])
	require.Equal(t, uint32(0x00), results[2])
	require.Equal(t, uint32(0x00), results[3])
	require.Equal(t, uint32(0xE4), results[4])
}

func TestSubscribeIsIdempotent(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var count int
	l := NewCallbackListener("L1", 0, func(ev *Event) { count++ })
	require.NoError(t, bus.Attach(ctx, l))
	require.NoError(t, bus.Subscribe(ctx, l, 1))
	require.NoError(t, bus.Subscribe(ctx, l, 1))

	require.NoError(t, bus.Publish(ctx, StaticEvent(1, 0, nil), false))
	require.Equal(t, 1, count)
}

func TestCallbackTakesPriorityOverQueueAndNotify(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var called bool
	l := NewCallbackListener("L1", 0, func(ev *Event) { called = true })
	require.NoError(t, bus.Attach(ctx, l))
	require.NoError(t, bus.Subscribe(ctx, l, 1))

	require.NoError(t, bus.Publish(ctx, StaticEvent(1, 0, nil), false))
	require.True(t, called)
	// A callback-mode listener never populates queue/notify; dispatch must
	// not panic touching those nil fields.
	require.Nil(t, l.Queue())
	require.Nil(t, l.Notify())
}

func beUint32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func bePayloadUint32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
