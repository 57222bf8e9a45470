// Package eventbus implements an in-process publish/subscribe bus for
// real-time embedded-style systems, where independent goroutines ("tasks")
// communicate without direct coupling.
//
// Publishers emit events identified by a small integer id; listeners
// subscribe to subsets of those ids and receive deliveries through one of
// three mechanisms: a synchronous callback, a bounded message queue, or a
// one-shot notification channel. A single serializing worker goroutine
// mediates every mutation of the subscription graph and the retained-event
// table, giving a total order over state-changing operations while still
// allowing publication from any goroutine, including ones that never wait
// on the bus (the "ISR" path).
//
// # Features
//
//   - Bitmap subscriptions over a fixed id space sized by Config at New
//   - Retained events: the most recent retained publish for an id is
//     redelivered to a listener the moment it subscribes
//   - Three delivery modes per listener: callback, bounded queue, notify
//   - A fixed-block-size pool allocator backing dynamically sized event
//     payloads, with reference counting and ownership transfer across
//     goroutines
//   - A non-blocking publish entry point safe to call from any goroutine
//     without risking a block on a full pipeline
//
// # Configuration
//
// The bus is configured through the Config structure:
//
//	cfg := eventbus.Config{
//	    EventCount:                128,
//	    PipelineDepth:              64,
//	    SmallBlockSize:             32, SmallBlockCount:  64,
//	    MediumBlockSize:            128, MediumBlockCount: 32,
//	    LargeBlockSize:             512, LargeBlockCount:  8,
//	    WorkerPriority:             10,
//	    DefaultListenerQueueDepth:  16,
//	    PublishTimeout:             time.Second,
//	}
//	bus, err := eventbus.New(cfg)
//
// # Usage
//
// Synchronous callback subscriber:
//
//	l := eventbus.NewCallbackListener("telemetry", 0, func(ev *eventbus.Event) {
//	    fmt.Println(ev.Payload())
//	})
//	bus.Attach(ctx, l)
//	bus.Subscribe(ctx, l, 1)
//
// Queue-mode subscriber, consuming and releasing dynamic events:
//
//	l := eventbus.NewQueueListener("worker", 0, 16)
//	bus.Attach(ctx, l)
//	bus.Subscribe(ctx, l, 1)
//	go func() {
//	    for ev := range l.Queue() {
//	        handle(ev)
//	        bus.EventRelease(ev, l)
//	    }
//	}()
//
// Publishing a retained, statically allocated event:
//
//	ev := eventbus.StaticEvent(1, 7, payloadBytes)
//	bus.Publish(ctx, ev, true)
//
// Publishing from a context that must never block (an "ISR"):
//
//	accepted := bus.PublishFromISR(dynamicEvent)
package eventbus

// Version identifies the bus implementation.
const Version = "0.1.0"
