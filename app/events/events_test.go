package events

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/lysyi3m/threat-comb/app/clock"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPublishDelivers(t *testing.T) {
	bus := NewBus(clock.NewFake(testNow))
	defer bus.Close()

	first, _ := bus.Subscribe(4)
	second, _ := bus.Subscribe(4)

	bus.Publish(Event{Type: ItemCreated, SourceID: "otx", ItemID: "i-1", Action: "NEW"})

	expected := Event{Type: ItemCreated, SourceID: "otx", ItemID: "i-1", Action: "NEW", At: testNow}
	for _, ch := range []<-chan Event{first, second} {
		select {
		case got := <-ch:
			if diff := cmp.Diff(expected, got); diff != "" {
				t.Errorf("Event mismatch (-want +got):\n%s", diff)
			}
		default:
			t.Fatal("Expected an event to be delivered")
		}
	}
	if bus.Published() != 1 {
		t.Errorf("Expected 1 published event, got %d", bus.Published())
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	bus := NewBus(clock.NewFake(testNow))
	defer bus.Close()

	ch, _ := bus.Subscribe(1)
	for range 3 {
		bus.Publish(Event{Type: RunCompleted, SourceID: "otx"})
	}

	if len(ch) != 1 {
		t.Errorf("Expected 1 buffered event, got %d", len(ch))
	}
	if bus.Dropped() != 2 {
		t.Errorf("Expected 2 dropped events, got %d", bus.Dropped())
	}
}

func TestUnsubscribeAndClose(t *testing.T) {
	bus := NewBus(clock.NewFake(testNow))

	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("Expected unsubscribed channel to be closed")
	}

	other, _ := bus.Subscribe(1)
	bus.Close()
	bus.Close()
	if _, ok := <-other; ok {
		t.Error("Expected channel to be closed with the bus")
	}

	bus.Publish(Event{Type: ScoreUpdated})
	if bus.Published() != 0 {
		t.Errorf("Expected publishes after close to be ignored, got %d", bus.Published())
	}

	late, _ := bus.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("Expected subscription on a closed bus to be closed")
	}
}

func TestConcurrentPublishAndClose(t *testing.T) {
	bus := NewBus(clock.Real())
	ch, _ := bus.Subscribe(8)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				bus.Publish(Event{Type: SourceState, Action: "active"})
			}
		}()
	}
	go func() {
		for range ch {
		}
	}()
	wg.Wait()
	bus.Close()

	if got := bus.Published(); got != 400 {
		t.Errorf("Expected 400 published events, got %d", got)
	}
}
