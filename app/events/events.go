package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lysyi3m/threat-comb/app/clock"
)

type Type string

const (
	ItemCreated   Type = "item.created"
	ItemDuplicate Type = "item.duplicate"
	ScoreUpdated  Type = "score.updated"
	SourceState   Type = "source.state"
	RunCompleted  Type = "run.completed"
)

const defaultBuffer = 64

type Event struct {
	Type     Type      `json:"type"`
	SourceID string    `json:"source_id,omitempty"`
	ItemID   string    `json:"item_id,omitempty"`
	Score    float64   `json:"score,omitempty"`
	Action   string    `json:"action,omitempty"` // dedup action, new state or run status
	At       time.Time `json:"at"`
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and the drop is counted.
type Bus struct {
	clock clock.Clock

	mu          sync.RWMutex
	subscribers []chan Event
	closed      bool

	published atomic.Int64
	dropped   atomic.Int64
}

func NewBus(clk clock.Clock) *Bus {
	if clk == nil {
		clk = clock.Real()
	}
	return &Bus{clock: clk}
}

// Subscribe returns a channel of events and a function that unsubscribes and
// closes it. On a closed bus the channel is already closed.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subscribers = append(b.subscribers, ch)

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(ch) })
	}
}

func (b *Bus) unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := slices.Index(b.subscribers, ch)
	if i < 0 {
		return
	}
	b.subscribers = slices.Delete(b.subscribers, i, i+1)
	close(ch)
}

// Publish stamps At when unset and delivers to every subscriber.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = b.clock.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	b.published.Add(1)
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Bus) Published() int64 {
	return b.published.Load()
}

func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
