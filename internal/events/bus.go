// Package events broadcasts operational events from the sampler and its
// supporting services to live observers such as the status WebSocket.
// Publishing never blocks: an observer that falls behind loses events.
// A nil *Bus accepts and discards everything, so publishers need no
// guard checks.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceSampler   = "sampler"
	SourceTelemetry = "telemetry"
	SourceConnwatch = "connwatch"
)

// Kinds. The Data keys each kind carries are listed alongside.
const (
	// KindSample: series, time, value, buffered.
	KindSample = "sample"
	// KindSampleSkipped: reason.
	KindSampleSkipped = "sample_skipped"
	// KindRegistered: device_id.
	KindRegistered = "registered"
	// KindRegisterFailed: error.
	KindRegisterFailed = "register_failed"
	// KindUploadSucceeded: successes, failures.
	KindUploadSucceeded = "upload_succeeded"
	// KindUploadFailed: error, signature, successes, failures.
	KindUploadFailed = "upload_failed"
	// KindServiceUp: service.
	KindServiceUp = "service_up"
	// KindServiceDown: service, error.
	KindServiceDown = "service_down"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// DefaultHistory is how many recent events a bus retains for late
// subscribers.
const DefaultHistory = 32

// Subscription is a live feed from a [Bus]. Close it when done.
type Subscription struct {
	C <-chan Event

	bus  *Bus
	ch   chan Event
	once sync.Once
}

// Close detaches the subscription and closes C. It is safe to call more
// than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Bus fans events out to subscribers and keeps a short history.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	history []Event
	limit   int
	now     func() time.Time
}

// New returns a bus that retains the last history events. history <= 0
// selects [DefaultHistory].
func New(history int) *Bus {
	if history <= 0 {
		history = DefaultHistory
	}
	return &Bus{
		subs:  make(map[*Subscription]struct{}),
		limit: history,
		now:   time.Now,
	}
}

// Publish delivers e to every subscriber that has room for it. A zero
// Timestamp is filled in.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = append(b.history, e)
	if over := len(b.history) - b.limit; over > 0 {
		b.history = append(b.history[:0], b.history[over:]...)
	}
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Subscribe opens a feed buffered to size events.
func (b *Bus) Subscribe(size int) *Subscription {
	s, _ := b.SubscribeRecent(size)
	return s
}

// SubscribeRecent opens a feed and returns the history retained at
// that moment. Every event appears exactly once across the two: those
// in the returned slice were published before the feed opened.
func (b *Bus) SubscribeRecent(size int) (*Subscription, []Event) {
	ch := make(chan Event, size)
	s := &Subscription{C: ch, bus: b, ch: ch}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[s] = struct{}{}
	recent := make([]Event, len(b.history))
	copy(recent, b.history)
	return s, recent
}

// Recent returns a copy of the retained history, oldest first.
func (b *Bus) Recent() []Event {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// Subscribers reports how many feeds are open.
func (b *Bus) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
