package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kestrelcore/eventbus/pool"
)

// Option configures optional Bus behavior at construction time.
type Option func(*Bus)

// WithLogger overrides the bus's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// Bus is the serializing worker, subscription/retain data model, delivery
// fan-out, and pool allocator described by the package doc comment. Build
// one with New, start its worker with Start, and shut it down with Stop.
type Bus struct {
	cfg    Config
	logger *slog.Logger

	pipeline chan *command
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	startMu  sync.Mutex

	// mu is the bus-wide critical section: it guards pool allocate/free and
	// every ref-count mutation that can be touched from more than one
	// goroutine (worker, producers, and listeners releasing events).
	mu        sync.Mutex
	pools     [4]*pool.Pool // indexed by AllocClass; pools[AllocStatic] unused
	minResp   []time.Duration
	maxResp   []time.Duration

	// retained and the listener list are touched only by the worker
	// goroutine once the bus is started; see worker.go and delivery.go.
	retained      []*Event
	firstListener *Listener

	deliveredCount uint64
	droppedCount   uint64
}

// New validates cfg and builds a Bus. It does not start the worker; call
// Start before Attach/Subscribe/Publish.
func New(cfg Config, opts ...Option) (*Bus, error) {
	if cfg.EventCount <= 0 {
		return nil, fmt.Errorf("eventbus: EventCount must be positive")
	}
	if cfg.PipelineDepth <= 0 {
		return nil, fmt.Errorf("eventbus: PipelineDepth must be positive")
	}
	if cfg.WorkerPriority <= 0 {
		return nil, fmt.Errorf("eventbus: WorkerPriority must be positive")
	}

	small, err := pool.New(cfg.SmallBlockSize, cfg.SmallBlockCount)
	if err != nil {
		return nil, fmt.Errorf("eventbus: small pool: %w", err)
	}
	medium, err := pool.New(cfg.MediumBlockSize, cfg.MediumBlockCount)
	if err != nil {
		return nil, fmt.Errorf("eventbus: medium pool: %w", err)
	}
	large, err := pool.New(cfg.LargeBlockSize, cfg.LargeBlockCount)
	if err != nil {
		return nil, fmt.Errorf("eventbus: large pool: %w", err)
	}
	if cfg.SmallBlockSize > cfg.MediumBlockSize || cfg.MediumBlockSize > cfg.LargeBlockSize {
		fe := &FatalError{Code: ErrCodePoolBlockTooSmall, Context: "pools must be configured small <= medium <= large"}
		if cfg.OnFatal != nil {
			cfg.OnFatal(fe)
		}
		return nil, fe
	}

	b := &Bus{
		cfg:      cfg,
		logger:   slog.Default(),
		pipeline: make(chan *command, cfg.PipelineDepth),
		retained: make([]*Event, cfg.EventCount),
		minResp:  make([]time.Duration, cfg.EventCount),
		maxResp:  make([]time.Duration, cfg.EventCount),
	}
	b.pools[AllocSmall] = small
	b.pools[AllocMedium] = medium
	b.pools[AllocLarge] = large

	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Start spawns the worker goroutine. Calling Start on an already-started
// bus returns ErrBusAlreadyStarted.
func (b *Bus) Start(_ context.Context) error {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.started {
		return ErrBusAlreadyStarted
	}
	b.stopCh = make(chan struct{})
	b.started = true
	b.wg.Add(1)
	go b.workerLoop()
	b.logger.Debug("eventbus started", "eventCount", b.cfg.EventCount)
	return nil
}

// Stop signals the worker to exit and waits for it, bounded by ctx. Commands
// still sitting in the pipeline when Stop is called are not guaranteed to be
// applied.
func (b *Bus) Stop(ctx context.Context) error {
	b.startMu.Lock()
	if !b.started {
		b.startMu.Unlock()
		return nil
	}
	b.started = false
	close(b.stopCh)
	b.startMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Debug("eventbus stopped")
		return nil
	case <-ctx.Done():
		return ErrShutdownTimeout
	}
}

func (b *Bus) isStarted() bool {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	return b.started
}

func (b *Bus) fatal(err *FatalError) *FatalError {
	if b.cfg.OnFatal != nil {
		b.cfg.OnFatal(err)
	}
	return err
}

// sendCommand enqueues cmd and, if cmd.done is non-nil, waits for the
// worker's completion signal. ctx bounds both the enqueue and the wait; a
// zero-value ctx.Deadline falls back to Config.PublishTimeout.
func (b *Bus) sendCommand(ctx context.Context, cmd *command) error {
	if !b.isStarted() {
		return ErrBusNotStarted
	}

	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); !ok && b.cfg.PublishTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, b.cfg.PublishTimeout)
		defer cancel()
	}

	select {
	case b.pipeline <- cmd:
	case <-ctx.Done():
		return ErrPipelineFull
	}

	if cmd.done == nil {
		return nil
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) validEventID(id EventID) bool {
	return int(id) < b.cfg.EventCount
}

// Attach adds listener to the active-listener set. The caller's priority
// must be strictly lower than Config.WorkerPriority; violating this is a
// FatalError, not a retryable condition, since a listener that could ever
// run ahead of the worker could observe a half-applied subscription.
func (b *Bus) Attach(ctx context.Context, listener *Listener) error {
	if listener == nil {
		return ErrNilListener
	}
	if listener.Priority >= b.cfg.WorkerPriority {
		return b.fatal(&FatalError{Code: ErrCodePriorityInversion,
			Context: fmt.Sprintf("listener %q priority %d >= worker priority %d", listener.Name, listener.Priority, b.cfg.WorkerPriority)})
	}
	if listener.mode == ModeQueue && listener.queue == nil {
		listener.queue = make(chan *Event, b.cfg.DefaultListenerQueueDepth)
	}
	if listener.subscription == nil {
		listener.subscription = make([]uint32, b.cfg.maskWords())
	}
	cmd := &command{kind: cmdAttach, listener: listener, done: make(chan error, 1)}
	return b.sendCommand(ctx, cmd)
}

// Detach removes listener from the active-listener set. Detaching a
// listener that is not attached is a programmer error (FatalError).
func (b *Bus) Detach(ctx context.Context, listener *Listener) error {
	if listener == nil {
		return ErrNilListener
	}
	cmd := &command{kind: cmdDetach, listener: listener, done: make(chan error, 1)}
	return b.sendCommand(ctx, cmd)
}

// Subscribe sets listener's subscription bit for id. If a retained event
// for id exists, it is delivered to this listener alone before Subscribe
// returns.
func (b *Bus) Subscribe(ctx context.Context, listener *Listener, id EventID) error {
	if listener == nil {
		return ErrNilListener
	}
	if !b.validEventID(id) {
		return b.fatal(&FatalError{Code: ErrCodeInvalidEventID, Context: fmt.Sprintf("id=%d", id)})
	}
	cmd := &command{kind: cmdSubscribeOne, listener: listener, id: id, done: make(chan error, 1)}
	return b.sendCommand(ctx, cmd)
}

// SubscribeList subscribes listener to every id in ids, applying retained
// redelivery for each, in order, as a single worker command.
func (b *Bus) SubscribeList(ctx context.Context, listener *Listener, ids []EventID) error {
	if listener == nil {
		return ErrNilListener
	}
	for _, id := range ids {
		if !b.validEventID(id) {
			return b.fatal(&FatalError{Code: ErrCodeInvalidEventID, Context: fmt.Sprintf("id=%d", id)})
		}
	}
	cmd := &command{kind: cmdSubscribeList, listener: listener, ids: ids, done: make(chan error, 1)}
	return b.sendCommand(ctx, cmd)
}

// Unsubscribe clears listener's subscription bit for id.
func (b *Bus) Unsubscribe(ctx context.Context, listener *Listener, id EventID) error {
	if listener == nil {
		return ErrNilListener
	}
	if !b.validEventID(id) {
		return b.fatal(&FatalError{Code: ErrCodeInvalidEventID, Context: fmt.Sprintf("id=%d", id)})
	}
	cmd := &command{kind: cmdUnsubscribeOne, listener: listener, id: id, done: make(chan error, 1)}
	return b.sendCommand(ctx, cmd)
}

// Publish submits ev for fan-out. If retain is true, ev must be a static
// event (FatalError ErrCodeRetainDynamic otherwise): retained pointers must
// outlive the worker's next action, which a pooled record cannot guarantee.
func (b *Bus) Publish(ctx context.Context, ev *Event, retain bool) error {
	if ev == nil {
		return ErrNilEvent
	}
	if !b.validEventID(ev.ID) {
		return b.fatal(&FatalError{Code: ErrCodeInvalidEventID, Context: fmt.Sprintf("id=%d", ev.ID)})
	}
	if retain && ev.Alloc != AllocStatic {
		return b.fatal(&FatalError{Code: ErrCodeRetainDynamic, Context: fmt.Sprintf("id=%d", ev.ID)})
	}
	cmd := &command{kind: cmdPublish, event: ev, retain: retain, done: make(chan error, 1)}
	return b.sendCommand(ctx, cmd)
}

// PublishFromISR submits ev for fan-out without waiting for the worker and
// without retain support (a retained publish must be able to report the
// ErrCodeRetainDynamic/priority-style failures synchronously, which a
// non-waiting caller cannot observe). It returns false, without blocking,
// if the pipeline is full — the event is then the caller's to discard or
// retry.
func (b *Bus) PublishFromISR(ev *Event) bool {
	if ev == nil || !b.isStarted() || !b.validEventID(ev.ID) {
		return false
	}
	cmd := &command{kind: cmdPublish, event: ev, retain: false}
	select {
	case b.pipeline <- cmd:
		return true
	default:
		return false
	}
}

// Invalidate clears any retained event for id.
func (b *Bus) Invalidate(ctx context.Context, id EventID) error {
	if !b.validEventID(id) {
		return b.fatal(&FatalError{Code: ErrCodeInvalidEventID, Context: fmt.Sprintf("id=%d", id)})
	}
	cmd := &command{kind: cmdInvalidate, id: id, done: make(chan error, 1)}
	return b.sendCommand(ctx, cmd)
}

// PublishToListener bypasses fan-out entirely and enqueues ev directly to
// listener's queue, bumping ref counts exactly as if fan-out had delivered
// it. It is a direct critical-section operation rather than a pipeline
// command, so it never waits on or touches the worker. listener must be in
// queue mode.
func (b *Bus) PublishToListener(ctx context.Context, listener *Listener, ev *Event) error {
	if listener == nil {
		return ErrNilListener
	}
	if ev == nil {
		return ErrNilEvent
	}
	if listener.mode != ModeQueue || listener.queue == nil {
		return fmt.Errorf("eventbus: PublishToListener requires a queue-mode listener")
	}

	b.mu.Lock()
	if ev.Alloc != AllocStatic {
		ev.refCount.Add(1)
		listener.refCount.Add(1)
	}
	b.mu.Unlock()

	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); !ok && b.cfg.PublishTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, b.cfg.PublishTimeout)
		defer cancel()
	}

	select {
	case listener.queue <- ev:
		return nil
	case <-ctx.Done():
		// Undo the speculative ref-count bump; no delivery happened.
		b.mu.Lock()
		if ev.Alloc != AllocStatic {
			ev.refCount.Add(-1)
			listener.refCount.Add(-1)
		}
		b.mu.Unlock()
		return ctx.Err()
	}
}

// EventAlloc carves a dynamic Event out of the smallest pool whose block
// size can hold size bytes. size larger than the largest pool's block size
// is a FatalError (ErrCodeAllocSizeTooLarge): the caller asked for
// something this bus was never configured to provide.
func (b *Bus) EventAlloc(size int, id EventID, publisherID uint16) (*Event, error) {
	if !b.validEventID(id) {
		return nil, b.fatal(&FatalError{Code: ErrCodeInvalidEventID, Context: fmt.Sprintf("id=%d", id)})
	}

	class := AllocLarge
	switch {
	case size <= b.cfg.SmallBlockSize:
		class = AllocSmall
	case size <= b.cfg.MediumBlockSize:
		class = AllocMedium
	case size <= b.cfg.LargeBlockSize:
		class = AllocLarge
	default:
		return nil, b.fatal(&FatalError{Code: ErrCodeAllocSizeTooLarge, Context: fmt.Sprintf("size=%d", size)})
	}

	b.mu.Lock()
	blk, ok := b.pools[class].Allocate()
	b.mu.Unlock()
	if !ok {
		return nil, ErrPoolExhausted
	}

	return &Event{
		ID:          id,
		PublisherID: publisherID,
		Alloc:       class,
		payload:     blk.Data[:size],
		block:       blk,
	}, nil
}

// EventRelease decrements ev's ref count and listener's ref count. When
// ev's count reaches zero it is returned to its pool and per-event
// response-time statistics (min/max delta from publish time to now) are
// updated. Releasing a static event, or releasing more times than
// outstanding claims exist, is a FatalError.
func (b *Bus) EventRelease(ev *Event, listener *Listener) error {
	if ev == nil {
		return ErrNilEvent
	}
	if listener == nil {
		return ErrNilListener
	}
	if ev.Alloc == AllocStatic {
		return b.fatal(&FatalError{Code: ErrCodeReleaseStatic, Context: fmt.Sprintf("id=%d", ev.ID)})
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if ev.refCount.Load() <= 0 {
		return b.fatal(&FatalError{Code: ErrCodeDoubleRelease, Context: fmt.Sprintf("id=%d", ev.ID)})
	}
	if listener.refCount.Load() <= 0 {
		return b.fatal(&FatalError{Code: ErrCodeRefCountUnderflow, Context: fmt.Sprintf("listener=%s", listener.Name)})
	}

	remaining := ev.refCount.Add(-1)
	listener.refCount.Add(-1)

	if remaining == 0 {
		if ev.published {
			delta := time.Since(ev.publishTime)
			if delta > b.maxResp[ev.ID] {
				b.maxResp[ev.ID] = delta
			}
			if b.minResp[ev.ID] == 0 || delta < b.minResp[ev.ID] {
				b.minResp[ev.ID] = delta
			}
		}
		b.pools[ev.Alloc].Free(ev.block)
	}
	return nil
}

// Stats returns cumulative delivered/dropped counts across the bus's
// lifetime.
func (b *Bus) Stats() (delivered, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deliveredCount, b.droppedCount
}

// NewPublisherTag generates an opaque diagnostic publisher_id tag for
// callers that do not track a stable numeric publisher id of their own.
func NewPublisherTag() uint16 {
	id := uuid.New()
	return uint16(id[0])<<8 | uint16(id[1])
}
