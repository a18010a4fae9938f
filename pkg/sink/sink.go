// Package sink delivers lifecycle events to outbound consumers without ever
// blocking the component that raised them.
//
// Events are buffered in a fixed-size ring. When the ring is full the oldest
// pending event is discarded and the dropped counter is incremented.
package sink

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rizome-dev/conductor/pkg/logging"
	"github.com/rizome-dev/conductor/pkg/monitoring"
	"github.com/rizome-dev/conductor/pkg/types"
)

// DefaultBufferSize is used when a non-positive size is given.
const DefaultBufferSize = 1024

// Publisher accepts events. Implementations must not block.
type Publisher interface {
	Emit(ev *types.Event)
}

// Consumer receives events from the emitter's delivery loop.
type Consumer interface {
	Name() string
	Consume(ctx context.Context, ev *types.Event) error
}

// Emitter is a bounded, drop-oldest event buffer drained by a single goroutine.
type Emitter struct {
	mu   sync.Mutex
	ring []*types.Event
	head int
	size int

	notify    chan struct{}
	consumers []Consumer

	dropped   atomic.Uint64
	delivered atomic.Uint64

	monitor *monitoring.Monitor
	logger  *logging.Logger

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// Option configures an Emitter
type Option func(*Emitter)

// WithConsumers appends consumers
func WithConsumers(cs ...Consumer) Option {
	return func(e *Emitter) { e.consumers = append(e.consumers, cs...) }
}

// WithMonitor records emitted and dropped counts
func WithMonitor(m *monitoring.Monitor) Option {
	return func(e *Emitter) { e.monitor = m }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(e *Emitter) { e.logger = l }
}

// NewEmitter creates an emitter holding at most size pending events.
func NewEmitter(size int, opts ...Option) *Emitter {
	if size <= 0 {
		size = DefaultBufferSize
	}
	e := &Emitter{
		ring:   make([]*types.Event, size),
		notify: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.GetLogger()
	}
	e.logger = e.logger.WithComponent("sink")
	return e
}

// AddConsumer registers a consumer. It must be called before Start.
func (e *Emitter) AddConsumer(c Consumer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consumers = append(e.consumers, c)
}

// Emit enqueues ev. It never blocks; on overflow the oldest pending event is dropped.
// Emit is a no-op on a nil emitter.
func (e *Emitter) Emit(ev *types.Event) {
	if e == nil || ev == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	e.mu.Lock()
	if e.size == len(e.ring) {
		e.ring[e.head] = nil
		e.head = (e.head + 1) % len(e.ring)
		e.size--
		e.dropped.Add(1)
		e.monitor.RecordEvent(true)
	}
	e.ring[(e.head+e.size)%len(e.ring)] = ev
	e.size++
	e.mu.Unlock()

	e.monitor.RecordEvent(false)

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Dropped returns the number of events discarded due to overflow.
func (e *Emitter) Dropped() uint64 {
	return e.dropped.Load()
}

// Delivered returns the number of events handed to consumers.
func (e *Emitter) Delivered() uint64 {
	return e.delivered.Load()
}

// Pending returns the number of buffered events.
func (e *Emitter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.size
}

func (e *Emitter) take() []*types.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.size == 0 {
		return nil
	}
	out := make([]*types.Event, 0, e.size)
	for e.size > 0 {
		out = append(out, e.ring[e.head])
		e.ring[e.head] = nil
		e.head = (e.head + 1) % len(e.ring)
		e.size--
	}
	return out
}

// Start launches the delivery loop.
func (e *Emitter) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return fmt.Errorf("sink already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true

	go e.loop(loopCtx)
	return nil
}

// Stop ends the delivery loop and flushes what is still buffered, bounded by ctx.
func (e *Emitter) Stop(ctx context.Context) error {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return nil
	}
	e.running = false
	cancel, done := e.cancel, e.done
	e.runMu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return e.Flush(ctx)
}

// Flush delivers every buffered event synchronously.
func (e *Emitter) Flush(ctx context.Context) error {
	for {
		batch := e.take()
		if len(batch) == 0 {
			return nil
		}
		for _, ev := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			e.deliver(ctx, ev)
		}
	}
}

func (e *Emitter) loop(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.notify:
		}
		batch := e.take()
		for i, ev := range batch {
			if ctx.Err() != nil {
				e.requeue(batch[i:])
				return
			}
			e.deliver(context.WithoutCancel(ctx), ev)
		}
	}
}

// requeue puts undelivered events back ahead of anything emitted since they
// were taken. Overflow drops the oldest, as Emit does.
func (e *Emitter) requeue(events []*types.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pending := make([]*types.Event, 0, len(events)+e.size)
	pending = append(pending, events...)
	for e.size > 0 {
		pending = append(pending, e.ring[e.head])
		e.ring[e.head] = nil
		e.head = (e.head + 1) % len(e.ring)
		e.size--
	}
	if over := len(pending) - len(e.ring); over > 0 {
		pending = pending[over:]
		e.dropped.Add(uint64(over))
		for i := 0; i < over; i++ {
			e.monitor.RecordEvent(true)
		}
	}
	e.head = 0
	e.size = copy(e.ring, pending)
}

func (e *Emitter) deliver(ctx context.Context, ev *types.Event) {
	e.mu.Lock()
	consumers := e.consumers
	e.mu.Unlock()

	for _, c := range consumers {
		e.consume(ctx, c, ev)
	}
	e.delivered.Add(1)
}

func (e *Emitter) consume(ctx context.Context, c Consumer, ev *types.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithField("consumer", c.Name()).Error("consumer panic on event %s: %v", ev.ID, r)
		}
	}()
	if err := c.Consume(ctx, ev); err != nil {
		e.logger.WithField("consumer", c.Name()).WithError(err).Warn("failed to deliver event %s", ev.ID)
	}
}

// FuncConsumer adapts a function to Consumer
type FuncConsumer struct {
	ConsumerName string
	Fn           func(ctx context.Context, ev *types.Event) error
}

func (f FuncConsumer) Name() string { return f.ConsumerName }

func (f FuncConsumer) Consume(ctx context.Context, ev *types.Event) error { return f.Fn(ctx, ev) }
