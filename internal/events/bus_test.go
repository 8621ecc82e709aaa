package events

import (
	"sync"
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(64)

	var mu sync.Mutex
	var received []Event

	bus.Subscribe(func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}, EventAgentCreated)

	bus.Publish(NewTypedEvent(SourceStore, AgentCreatedPayload{AgentID: "agt_1", Title: "hello"}))
	bus.Publish(NewTypedEvent(SourceStore, AgentTouchedPayload{AgentID: "agt_1"}))
	bus.Close()

	mu.Lock()
	defer mu.Unlock()

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Type != EventAgentCreated {
		t.Errorf("expected agent.created, got %s", received[0].Type)
	}
	p, ok := ExtractPayload[AgentCreatedPayload](received[0])
	if !ok || p.AgentID != "agt_1" || p.Title != "hello" {
		t.Errorf("payload = %+v, ok=%v", p, ok)
	}
}

func TestBusSubscribeAll(t *testing.T) {
	bus := NewBus(64)

	var mu sync.Mutex
	count := 0

	bus.Subscribe(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(NewTypedEvent(SourceStore, AgentCreatedPayload{AgentID: "agt_1"}))
	bus.Publish(NewTypedEvent(SourceMemory, MemoryLoadedPayload{AgentID: "agt_1", Tokens: 10}))
	bus.Close()

	mu.Lock()
	defer mu.Unlock()

	if count != 2 {
		t.Errorf("expected 2 events, got %d", count)
	}
}

func TestBusCloseDrainsInOrder(t *testing.T) {
	bus := NewBus(128)

	var got []int
	bus.Subscribe(func(e Event) {
		got = append(got, int(e.Payload["tokens"].(float64)))
	}, EventMemoryLoaded)

	for i := 0; i < 100; i++ {
		bus.Publish(NewTypedEvent(SourceMemory, MemoryLoadedPayload{Tokens: i}))
	}
	bus.Close()

	if len(got) != 100 {
		t.Fatalf("delivered %d events, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("event %d carried %d: delivery out of order", i, v)
		}
	}
}

func TestBusClosedIgnoresPublish(t *testing.T) {
	bus := NewBus(4)
	delivered := 0
	bus.Subscribe(func(Event) { delivered++ })
	bus.Close()
	bus.Close()

	bus.Publish(NewEvent(EventAgentTouched, SourceStore, nil))
	if delivered != 0 {
		t.Errorf("delivered %d events after Close", delivered)
	}
	if n := bus.Dropped(); n != 0 {
		t.Errorf("Dropped = %d after Close, want 0", n)
	}
}

func TestBusCountsDroppedEvents(t *testing.T) {
	bus := NewBus(2)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	bus.Subscribe(func(Event) {
		once.Do(func() { close(started) })
		<-release
	})

	bus.Publish(NewEvent(EventAgentTouched, SourceStore, nil))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("dispatcher never picked up the first event")
	}
	// The dispatcher is parked in the handler: two events fit the buffer,
	// the rest are dropped.
	for i := 0; i < 5; i++ {
		bus.Publish(NewEvent(EventAgentTouched, SourceStore, nil))
	}
	if n := bus.Dropped(); n != 3 {
		t.Errorf("Dropped = %d, want 3", n)
	}
	close(release)
	bus.Close()
}
