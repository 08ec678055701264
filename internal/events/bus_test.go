package events

import (
	"sync"
	"testing"
	"time"
)

func TestEventBus_PublishRoutesByType(t *testing.T) {
	bus := NewEventBus(4)

	var mu sync.Mutex
	var waiting, all []string

	bus.Subscribe(SessionWaiting, func(e BusEvent) {
		mu.Lock()
		waiting = append(waiting, e.EventType())
		mu.Unlock()
	})
	bus.SubscribeAll(func(e BusEvent) {
		mu.Lock()
		all = append(all, e.EventType())
		mu.Unlock()
	})

	bus.Publish(NewSessionEvent(SessionWaiting, 1, "waiting_for_input", "which file?", ""))
	bus.Publish(NewSessionEvent(SessionCompleted, 1, "completed", "", ""))

	mu.Lock()
	defer mu.Unlock()
	if len(waiting) != 1 {
		t.Fatalf("typed subscriber got %d events, want 1", len(waiting))
	}
	if len(all) != 2 {
		t.Fatalf("catch-all subscriber got %d events, want 2", len(all))
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus(4)

	var got int
	unsub := bus.SubscribeAll(func(BusEvent) { got++ })

	bus.Publish(NewAutopilotEvent(AutopilotRun, "briefing", 3, ""))
	unsub()
	bus.Publish(NewAutopilotEvent(AutopilotRun, "briefing", 4, ""))

	if got != 1 {
		t.Fatalf("got %d events after unsubscribe, want 1", got)
	}
}

func TestEmitter_PublishesEvent(t *testing.T) {
	bus := NewEventBus(4)
	emitter := NewEmitter(bus, 8, nil)
	defer emitter.Close()

	got := make(chan BusEvent, 1)
	unsub := bus.SubscribeAll(func(e BusEvent) {
		select {
		case got <- e:
		default:
		}
	})
	defer unsub()

	emitter.Emit(NewSessionEvent(SessionSpawned, 7, "running", "", ""))

	select {
	case ev := <-got:
		if ev.EventType() != SessionSpawned {
			t.Fatalf("expected %s, got %q", SessionSpawned, ev.EventType())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event publish")
	}
}

func TestEmitter_DropsWhenBufferFull(t *testing.T) {
	bus := NewEventBus(1)

	block := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	bus.SubscribeAll(func(BusEvent) {
		once.Do(func() { close(started) })
		<-block
	})

	emitter := NewEmitter(bus, 2, nil)

	// First event wedges the worker inside Publish().
	emitter.Emit(NewSessionEvent(SessionSpawned, 1, "running", "", ""))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for blocking handler to start")
	}

	for i := 0; i < 64; i++ {
		emitter.Emit(NewSessionEvent(SessionSpawned, 1, "running", "", ""))
	}

	if emitter.Dropped() == 0 {
		close(block)
		t.Fatalf("expected dropped events when buffer is full")
	}
	close(block)
}

func TestEmitter_CloseDrainsBuffered(t *testing.T) {
	bus := NewEventBus(4)

	var mu sync.Mutex
	var got int
	bus.SubscribeAll(func(BusEvent) {
		mu.Lock()
		got++
		mu.Unlock()
	})

	emitter := NewEmitter(bus, 8, nil)
	for i := 0; i < 5; i++ {
		emitter.Emit(NewAutopilotEvent(AutopilotRun, "briefing", i, ""))
	}
	emitter.Close()

	mu.Lock()
	defer mu.Unlock()
	if got != 5 {
		t.Fatalf("got %d events after Close, want 5", got)
	}

	emitter.Emit(NewAutopilotEvent(AutopilotRun, "briefing", 9, ""))
	if emitter.Dropped() == 0 {
		t.Fatal("Emit after Close should count a drop")
	}
}
