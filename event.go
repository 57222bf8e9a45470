package eventbus

import (
	"sync/atomic"
	"time"

	"github.com/kestrelcore/eventbus/pool"
)

// EventID names a channel. Valid ids lie in [0, Config.EventCount).
type EventID uint32

// AllocClass classifies how an Event's storage is owned. Only non-static
// classes participate in reference counting.
type AllocClass uint8

const (
	// AllocStatic records are caller-managed: the bus never frees them and
	// never reference-counts them. Only static records may be retained.
	AllocStatic AllocClass = iota
	AllocSmall
	AllocMedium
	AllocLarge
)

func (c AllocClass) String() string {
	switch c {
	case AllocStatic:
		return "static"
	case AllocSmall:
		return "small"
	case AllocMedium:
		return "medium"
	case AllocLarge:
		return "large"
	default:
		return "unknown"
	}
}

// Event is the unit of publication: an id, a publisher tag, an allocation
// class, a reference count, publish bookkeeping, and a payload.
//
// A static Event (AllocStatic) has caller-managed lifetime: construct it
// with StaticEvent and reuse/discard it however the caller likes. A dynamic
// Event is born from Bus.EventAlloc and must be released exactly
// RefCount() times via Bus.EventRelease; the bus frees it back to its pool
// when the last release brings the count to zero.
type Event struct {
	ID          EventID
	PublisherID uint16
	Alloc       AllocClass

	published   bool
	publishTime time.Time

	payload []byte
	block   *pool.Block // nil for static events

	// refCount is mutated only while the owning Bus's critical-section
	// mutex is held (bus.mu). It is an atomic so that diagnostics may read
	// it outside that lock — an intentionally tolerated torn read — without
	// triggering the race detector.
	refCount atomic.Int32
}

// StaticEvent builds a caller-managed event record. Static events may be
// retained; the bus never frees them.
func StaticEvent(id EventID, publisherID uint16, payload []byte) *Event {
	return &Event{
		ID:          id,
		PublisherID: publisherID,
		Alloc:       AllocStatic,
		payload:     payload,
	}
}

// Payload returns the event's bytes. For dynamic events this slice is only
// valid until the event's ref count reaches zero and it is returned to its
// pool.
func (e *Event) Payload() []byte { return e.payload }

// SetPayload overwrites a static event's payload in place; used by callers
// that reuse one static Event across many publishes (e.g. a retained
// status channel).
func (e *Event) SetPayload(p []byte) { e.payload = p }

// Published reports whether this record has ever been passed to Publish.
// Diagnostics-only.
func (e *Event) Published() bool { return e.published }

// PublishTime returns the timestamp stamped at publish entry into the
// worker. Diagnostics-only.
func (e *Event) PublishTime() time.Time { return e.publishTime }

// RefCount returns the event's current outstanding-claim count. Only
// meaningful for dynamic events; always zero for static ones. Callers
// outside the bus's critical section should treat this as a diagnostic
// snapshot that may race with an in-flight release.
func (e *Event) RefCount() int { return int(e.refCount.Load()) }
