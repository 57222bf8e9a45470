package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestHighConcurrencyRace exercises attach/subscribe/publish/release from
// many goroutines at once; it is meant to be run with -race.
func TestHighConcurrencyRace(t *testing.T) {
	cfg := testConfig()
	cfg.PipelineDepth = 256
	cfg.SmallBlockCount = 64
	bus, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, bus.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = bus.Stop(ctx)
	}()

	const listenerCount = 8
	const publisherCount = 8
	const publishesPerPublisher = 50

	listeners := make([]*Listener, listenerCount)
	var delivered atomic.Int64
	for i := range listeners {
		l := NewQueueListener("race-listener", 0, 32)
		require.NoError(t, bus.Attach(context.Background(), l))
		require.NoError(t, bus.Subscribe(context.Background(), l, 1))
		listeners[i] = l
	}

	var wg sync.WaitGroup
	for p := 0; p < publisherCount; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < publishesPerPublisher; i++ {
				if i%2 == 0 {
					bus.PublishFromISR(StaticEvent(1, uint16(p), nil))
					continue
				}
				_ = bus.Publish(context.Background(), StaticEvent(1, uint16(p), nil), false)
			}
		}(p)
	}

	// Drain every listener's queue concurrently with publishing.
	var drainWG sync.WaitGroup
	stop := make(chan struct{})
	for _, l := range listeners {
		drainWG.Add(1)
		go func(l *Listener) {
			defer drainWG.Done()
			for {
				select {
				case <-l.Queue():
					delivered.Add(1)
				case <-stop:
					for {
						select {
						case <-l.Queue():
							delivered.Add(1)
						default:
							return
						}
					}
				}
			}
		}(l)
	}

	wg.Wait()
	time.Sleep(100 * time.Millisecond)
	close(stop)
	drainWG.Wait()

	d, dropped := bus.Stats()
	require.Equal(t, d, uint64(delivered.Load()))
	require.GreaterOrEqual(t, dropped, uint64(0))
	require.Greater(t, delivered.Load(), int64(0))
}
