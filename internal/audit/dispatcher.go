package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Config controls how events are queued between the engine and its sink.
type Config struct {
	Enabled    bool
	BufferSize int
	// DropIfFull discards routine events when the queue is full. Security
	// events still wait for room, bounded by the caller's context.
	DropIfFull bool
}

// Stats counts dispatcher outcomes since construction.
type Stats struct {
	Delivered       uint64
	Dropped         uint64
	DroppedSecurity uint64
}

// Dispatcher hands events to a sink on a single background goroutine so
// sink latency never reaches the request path.
type Dispatcher struct {
	cfg   Config
	sink  Sink
	queue chan Event

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	closing  atomic.Bool

	delivered       atomic.Uint64
	dropped         atomic.Uint64
	droppedSecurity atomic.Uint64
}

// NewDispatcher returns nil when cfg is disabled; every method is safe on a
// nil Dispatcher.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &Dispatcher{
		cfg:     cfg,
		sink:    sink,
		queue:   make(chan Event, cfg.BufferSize),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.stopped)

	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-d.stop:
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ev Event) {
	d.sink.Emit(context.Background(), ev)
	d.delivered.Add(1)
}

func (d *Dispatcher) discard(ev Event) {
	d.dropped.Add(1)
	if ev.Security {
		d.droppedSecurity.Add(1)
	}
}

// Emit queues ev. A full queue drops routine events under DropIfFull;
// otherwise Emit waits until there is room, ctx ends or the dispatcher
// closes, and counts the event as dropped in the latter two cases.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) {
	if d == nil || d.closing.Load() {
		return
	}

	select {
	case d.queue <- ev:
		return
	default:
	}

	if d.cfg.DropIfFull && !ev.Security {
		d.discard(ev)
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case d.queue <- ev:
	case <-ctx.Done():
		d.discard(ev)
	case <-d.stop:
		d.discard(ev)
	}
}

// Close stops accepting events, delivers what is queued and waits for the
// sink to return.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.stopOnce.Do(func() {
		d.closing.Store(true)
		close(d.stop)
	})
	<-d.stopped
}

func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

func (d *Dispatcher) Stats() Stats {
	if d == nil {
		return Stats{}
	}
	return Stats{
		Delivered:       d.delivered.Load(),
		Dropped:         d.dropped.Load(),
		DroppedSecurity: d.droppedSecurity.Load(),
	}
}
