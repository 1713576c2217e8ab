package session

import (
	"sync"
	"time"
)

// EventType identifies a coordinator event.
type EventType string

const (
	// EventTurnStarted signals that an assistant turn began producing.
	EventTurnStarted EventType = "turn_started"

	// EventFragment carries an incremental piece of assistant text.
	EventFragment EventType = "fragment"

	// EventTurnComplete signals that the assistant turn was frozen and
	// appended to the history; Text carries the full assembled text.
	EventTurnComplete EventType = "turn_complete"

	// EventTurnFailed signals that the in-flight turn was discarded; Error
	// carries the cause.
	EventTurnFailed EventType = "turn_failed"

	// EventModeChanged signals a transcript mode or coordinator state change;
	// Mode carries the new value.
	EventModeChanged EventType = "mode_changed"
)

// Event is a coordinator notification delivered to transport subscribers.
type Event struct {
	// Type identifies the event.
	Type EventType `json:"type"`

	// TurnID identifies the assistant turn for turn-scoped events.
	TurnID string `json:"turn_id,omitempty"`

	// Text carries the fragment text for fragment events and the full
	// assembled text for turn_complete.
	Text string `json:"text,omitempty"`

	// Mode carries the new mode for mode_changed events.
	Mode string `json:"mode,omitempty"`

	// Error carries the failure cause for turn_failed events.
	Error string `json:"error,omitempty"`

	// Timestamp marks when the event was emitted.
	Timestamp time.Time `json:"timestamp"`
}

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls further behind than this loses events rather than stalling the
// coordinator loop.
const subscriberBuffer = 64

// Broadcaster fans coordinator events out to any number of subscribers.
// Publishing never blocks. Safe for concurrent use.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber and returns its event channel plus a
// cancel function. The channel is closed on cancel or when the broadcaster
// shuts down.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers ev to all subscribers without blocking. A full subscriber
// buffer drops the event for that subscriber only.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close shuts the broadcaster down and closes all subscriber channels.
// Safe to call multiple times.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
