// Package stream fans engine events out to live subscribers.
package stream

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"yield-alerts/internal/metrics"
)

// EventType tags a live event.
type EventType string

const (
	EventWelcome  EventType = "welcome"
	EventSnapshot EventType = "snapshot"
	EventChange   EventType = "change"
	EventAlert    EventType = "alert"
	EventHealth   EventType = "health"
	EventSummary  EventType = "summary"
	EventPing     EventType = "ping"
)

// Event is the envelope every transport carries.
type Event struct {
	ID        uint64    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// DefaultBuffer is the per-subscriber event buffer.
const DefaultBuffer = 64

// Options tune the hub.
type Options struct {
	Buffer int
	// Welcome builds the payload sent to each new subscriber.
	Welcome func() any
	Now     func() time.Time
}

// Subscription is one live listener. Events is closed when the subscriber is
// evicted, unsubscribed or the hub shuts down.
type Subscription struct {
	ID     uint64
	Events <-chan Event

	ch      chan Event
	evicted bool
}

// Evicted reports whether the hub dropped this subscriber for falling behind.
// Only meaningful once Events is closed.
func (s *Subscription) Evicted() bool {
	return s.evicted
}

// Hub broadcasts events with monotonically increasing ids.
type Hub struct {
	mu      sync.Mutex
	subs    map[uint64]*Subscription
	nextSub uint64
	lastID  uint64
	closed  bool

	buffer  int
	welcome func() any
	now     func() time.Time
	logger  zerolog.Logger
}

// NewHub constructs an empty hub.
func NewHub(opts Options, logger zerolog.Logger) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Hub{
		subs:    make(map[uint64]*Subscription),
		buffer:  opts.Buffer,
		welcome: opts.Welcome,
		now:     opts.Now,
		logger:  logger.With().Str("component", "stream").Logger(),
	}
}

// Subscribe registers a listener and queues the welcome event first.
func (h *Hub) Subscribe() *Subscription {
	var payload any
	if h.welcome != nil {
		payload = h.welcome()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, h.buffer+1)
	sub := &Subscription{Events: ch, ch: ch}
	if h.closed {
		close(ch)
		return sub
	}
	h.nextSub++
	sub.ID = h.nextSub
	ch <- h.eventLocked(EventWelcome, payload)
	h.subs[sub.ID] = sub
	metrics.StreamSubscribers.Set(float64(len(h.subs)))
	h.logger.Debug().Uint64("subscriber", sub.ID).Int("subscribers", len(h.subs)).Msg("subscriber connected")
	return sub
}

// Unsubscribe removes a listener; safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.ID]; !ok {
		return
	}
	delete(h.subs, sub.ID)
	close(sub.ch)
	metrics.StreamSubscribers.Set(float64(len(h.subs)))
	h.logger.Debug().Uint64("subscriber", sub.ID).Msg("subscriber disconnected")
}

// Publish sends an event to every subscriber without blocking. A subscriber
// whose buffer is full is evicted.
func (h *Hub) Publish(typ EventType, data any) Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ev := h.eventLocked(typ, data)
	if h.closed {
		return ev
	}
	metrics.StreamEventsTotal.WithLabelValues(string(typ)).Inc()

	for id, sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(h.subs, id)
			sub.evicted = true
			close(sub.ch)
			metrics.StreamEvictionsTotal.Inc()
			h.logger.Warn().Uint64("subscriber", id).Str("event", string(typ)).Msg("subscriber too slow, evicted")
		}
	}
	metrics.StreamSubscribers.Set(float64(len(h.subs)))
	return ev
}

// Len reports connected subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription. Later Publish calls are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
	metrics.StreamSubscribers.Set(0)
	h.logger.Info().Msg("stream closed")
}

func (h *Hub) eventLocked(typ EventType, data any) Event {
	h.lastID++
	return Event{ID: h.lastID, Type: typ, Timestamp: h.now(), Data: data}
}
