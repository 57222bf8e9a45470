package eventbus

import "time"

// deliver is the delivery engine: invoked by the worker for every publish.
// It updates the retained table, walks the active-listener list testing
// each listener's subscription bit, and dispatches matching listeners by
// mode. If the event is dynamic and nothing queued it, it is freed
// immediately.
func (b *Bus) deliver(ev *Event, retain bool) {
	ev.published = true
	ev.publishTime = time.Now()

	if retain {
		b.retained[ev.ID] = ev
	} else {
		b.retained[ev.ID] = nil
	}

	// The publish path holds its own claim on a dynamic event during
	// fan-out, so a consumer that receives and releases its queued copy
	// before the walk ends cannot bring the count to zero early.
	dynamic := ev.Alloc != AllocStatic
	if dynamic {
		b.mu.Lock()
		ev.refCount.Add(1)
		b.mu.Unlock()
	}

	for l := b.firstListener; l != nil; l = l.next {
		if l.testBit(ev.ID) {
			b.dispatch(l, ev)
		}
	}

	if dynamic {
		b.mu.Lock()
		if ev.refCount.Add(-1) == 0 {
			b.pools[ev.Alloc].Free(ev.block)
		}
		b.mu.Unlock()
	}
}

// dispatch delivers ev to a single listener according to its mode. It is
// also the path retained redelivery on Subscribe takes, and therefore must
// apply the same ref-counting rules fan-out does.
func (b *Bus) dispatch(l *Listener, ev *Event) {
	switch l.mode {
	case ModeCallback:
		l.callback(ev)
		b.mu.Lock()
		b.deliveredCount++
		b.mu.Unlock()

	case ModeQueue:
		// Bump ref counts before attempting the send, not after: once the
		// send succeeds the consumer is free to receive and call
		// EventRelease immediately, and nothing but this bump stands
		// between that release and a double-release/underflow fault or a
		// block that never returns to its pool.
		if ev.Alloc != AllocStatic {
			b.mu.Lock()
			ev.refCount.Add(1)
			l.refCount.Add(1)
			b.mu.Unlock()
		}
		select {
		case l.queue <- ev:
			b.mu.Lock()
			b.deliveredCount++
			b.mu.Unlock()
		default:
			// Undo the speculative bump: nothing queued, so nothing holds
			// a claim on ev through this listener.
			b.mu.Lock()
			if ev.Alloc != AllocStatic {
				ev.refCount.Add(-1)
				l.refCount.Add(-1)
			}
			b.droppedCount++
			b.mu.Unlock()
			l.overflow.Store(true)
			b.logger.Warn("listener queue full", "listener", l.Name, "event", ev.ID)
		}

	case ModeNotify:
		if l.notify != nil {
			select {
			case l.notify <- struct{}{}:
				b.mu.Lock()
				b.deliveredCount++
				b.mu.Unlock()
			default:
				// Already has a pending wakeup; a single notification
				// collapses repeats, matching a counting notification's
				// "at least once" (not "exactly once per publish") wakeup
				// contract for this narrow mode.
			}
		}
	}
}
