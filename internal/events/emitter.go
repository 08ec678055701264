package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Emitter decouples publication from the caller: Emit never blocks, and a
// single worker goroutine forwards events to the bus in emission order.
// Timer loops and other paths that must not stall behind slow subscribers
// publish through an Emitter instead of calling Publish directly.
type Emitter struct {
	bus    *EventBus
	ch     chan BusEvent
	quit   chan struct{}
	done   chan struct{}
	logger *slog.Logger

	dropped   atomic.Int64
	closeOnce sync.Once
}

// NewEmitter starts an emitter for bus with the given buffer size.
func NewEmitter(bus *EventBus, buffer int, logger *slog.Logger) *Emitter {
	if buffer < 1 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{
		bus:    bus,
		ch:     make(chan BusEvent, buffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go e.run()
	return e
}

func (e *Emitter) run() {
	defer close(e.done)
	for {
		select {
		case ev := <-e.ch:
			e.bus.Publish(ev)
		case <-e.quit:
			// Drain whatever was buffered before Close.
			for {
				select {
				case ev := <-e.ch:
					e.bus.Publish(ev)
				default:
					return
				}
			}
		}
	}
}

// Emit enqueues an event for asynchronous publication. When the buffer is
// full, or the emitter is closed, the event is dropped and counted.
func (e *Emitter) Emit(ev BusEvent) {
	if ev == nil {
		return
	}
	select {
	case <-e.quit:
		e.countDrop(ev)
		return
	default:
	}
	select {
	case e.ch <- ev:
	default:
		e.countDrop(ev)
	}
}

func (e *Emitter) countDrop(ev BusEvent) {
	n := e.dropped.Add(1)
	if n == 1 || n%1000 == 0 {
		e.logger.Debug("emitter dropped events", "dropped", n, "event_type", ev.EventType())
	}
}

// Dropped returns how many events were discarded.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Close stops the worker after publishing everything already buffered.
// Emit after Close drops silently; Close is idempotent.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() { close(e.quit) })
	<-e.done
}
