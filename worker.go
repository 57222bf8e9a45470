package eventbus

// workerLoop is the bus's single serializing goroutine. It drains the
// command pipeline and applies each command against the listener set and
// retained table, then signals completion back to the caller (if any)
// over a per-command result channel.
//
// Once started, prev/next/subscription on every attached Listener, and the
// retained table, are touched only from this goroutine: that is what gives
// every state-changing operation a total order without any lock around the
// list walk itself.
func (b *Bus) workerLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case cmd := <-b.pipeline:
			err := b.apply(cmd)
			if cmd.done != nil {
				cmd.done <- err
			}
		}
	}
}

func (b *Bus) apply(cmd *command) error {
	switch cmd.kind {
	case cmdAttach:
		return b.applyAttach(cmd.listener)
	case cmdDetach:
		return b.applyDetach(cmd.listener)
	case cmdSubscribeOne:
		return b.applySubscribeOne(cmd.listener, cmd.id)
	case cmdSubscribeList:
		for _, id := range cmd.ids {
			if err := b.applySubscribeOne(cmd.listener, id); err != nil {
				return err
			}
		}
		return nil
	case cmdUnsubscribeOne:
		cmd.listener.clearBit(cmd.id)
		return nil
	case cmdPublish:
		b.deliver(cmd.event, cmd.retain)
		return nil
	case cmdInvalidate:
		b.retained[cmd.id] = nil
		return nil
	case cmdFormatListeners:
		cmd.result = b.renderListeners()
		return nil
	default:
		return nil
	}
}

func (b *Bus) applyAttach(l *Listener) error {
	if l.attached {
		return b.fatal(&FatalError{Code: ErrCodeAttachAlreadyAttached, Context: l.Name})
	}
	if b.firstListener == nil {
		b.firstListener = l
		l.prev, l.next = nil, nil
	} else {
		last := b.firstListener
		for last.next != nil {
			last = last.next
		}
		last.next = l
		l.prev = last
		l.next = nil
	}
	l.attached = true
	return nil
}

func (b *Bus) applyDetach(l *Listener) error {
	if !l.attached {
		return b.fatal(&FatalError{Code: ErrCodeDetachNotAttached, Context: l.Name})
	}
	if l.prev == nil {
		b.firstListener = l.next
		if b.firstListener != nil {
			b.firstListener.prev = nil
		}
	} else {
		l.prev.next = l.next
		if l.next != nil {
			l.next.prev = l.prev
		}
	}
	l.prev, l.next = nil, nil
	l.attached = false
	return nil
}

func (b *Bus) applySubscribeOne(l *Listener, id EventID) error {
	l.setBit(id)
	if retained := b.retained[id]; retained != nil {
		b.dispatch(l, retained)
	}
	return nil
}
