package eventbus

import (
	"context"
	"time"
)

// WaitEvent is a convenience producer primitive: it builds a temporary
// notify-mode listener, attaches it, subscribes to id, waits for either a
// delivery or timeout, detaches, and reports pass/fail.
//
// A non-positive timeout uses Config.WaitEventDefaultTimeout. After the
// timer fires, a second non-blocking check resolves the narrow race where a
// notification arrived between timer expiry and the listener's removal
// from the active set.
func (b *Bus) WaitEvent(ctx context.Context, id EventID, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = b.cfg.WaitEventDefaultTimeout
	}

	l := NewNotifyListener("wait-event", 0)
	if err := b.Attach(ctx, l); err != nil {
		return false, err
	}
	detached := false
	defer func() {
		if !detached {
			_ = b.Detach(context.Background(), l)
		}
	}()

	if err := b.Subscribe(ctx, l, id); err != nil {
		return false, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-l.notify:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		_ = b.Detach(context.Background(), l)
		detached = true
		select {
		case <-l.notify:
			return true, nil
		default:
			return false, nil
		}
	}
}
