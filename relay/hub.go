package relay

import (
	"sync"

	"github.com/onnwee/chat-relay/telemetry"
)

// DefaultSubscriberBuffer is the per-subscriber channel depth when the
// caller does not choose one.
const DefaultSubscriberBuffer = 64

// Item is one hub delivery. Lagged carries the number of events dropped for
// this subscriber since its previous delivery; receivers use it to backfill
// from the log before processing Event.
type Item struct {
	Event  Event
	Lagged int64
}

type subscriber struct {
	ch      chan Item
	dropped int64
}

// Hub fans appended events out to live subscribers, keyed by (client,
// topic). Delivery is non-blocking: a slow subscriber loses items and gets
// the loss reported on its next delivery instead of stalling the log.
// The hub holds no durable state; the log is the source of truth.
type Hub struct {
	mu     sync.Mutex
	subs   map[pairKey]map[*subscriber]struct{}
	buffer int
}

// NewHub builds a hub with the given per-subscriber channel depth. Depths
// below 1 fall back to DefaultSubscriberBuffer.
func NewHub(buffer int) *Hub {
	telemetry.Init()
	if buffer < 1 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{subs: make(map[pairKey]map[*subscriber]struct{}), buffer: buffer}
}

// Subscription is one live listener. Receive from C until it is closed;
// call Close exactly once when done (Close is idempotent).
type Subscription struct {
	C    <-chan Item
	hub  *Hub
	key  pairKey
	sub  *subscriber
	once sync.Once
}

// Subscribe registers a listener for the pair and returns its subscription.
func (h *Hub) Subscribe(clientID, topic string) *Subscription {
	key := pairKey{ClientID: clientID, Topic: topic}
	s := &subscriber{ch: make(chan Item, h.buffer)}

	h.mu.Lock()
	set, ok := h.subs[key]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[key] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	if telemetry.ActiveSubscribers != nil {
		telemetry.ActiveSubscribers.Inc()
	}
	return &Subscription{C: s.ch, hub: h, key: key, sub: s}
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		if set, ok := s.hub.subs[s.key]; ok {
			delete(set, s.sub)
			if len(set) == 0 {
				delete(s.hub.subs, s.key)
			}
		}
		s.hub.mu.Unlock()
		close(s.sub.ch)
		if telemetry.ActiveSubscribers != nil {
			telemetry.ActiveSubscribers.Dec()
		}
	})
}

// Publish delivers the event to every live subscriber of its pair. A full
// subscriber channel increments that subscriber's dropped count; the count
// is attached to the next item that does get through.
func (h *Hub) Publish(ev Event) {
	key := pairKey{ClientID: ev.ClientID, Topic: ev.Topic}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[key] {
		select {
		case s.ch <- Item{Event: ev, Lagged: s.dropped}:
			if s.dropped > 0 && telemetry.LaggedNotices != nil {
				telemetry.LaggedNotices.Inc()
			}
			s.dropped = 0
		default:
			s.dropped++
			if telemetry.FanoutDropped != nil {
				telemetry.FanoutDropped.Inc()
			}
		}
	}
}

// SubscriberCount reports the live subscribers for one pair.
func (h *Hub) SubscriberCount(clientID, topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[pairKey{ClientID: clientID, Topic: topic}])
}

// Subscribers reports live subscriber counts per topic, for the status
// endpoint.
func (h *Hub) Subscribers() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.subs))
	for key, set := range h.subs {
		out[key.Topic] += len(set)
	}
	return out
}
