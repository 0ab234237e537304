// Package progress fans session state transitions out to subscribed
// client connections. Delivery is best-effort: a slow or dead
// subscriber loses events rather than blocking the publisher, and dead
// connections are pruned lazily.
package progress

import (
	"log/slog"
	"sync"

	"streamgate/internal/platform/metrics"
	"streamgate/internal/stream"
)

// subscriberBuffer is the per-subscriber event backlog. Transitions are
// rare per session, so a small buffer absorbs bursts; overflow drops
// the oldest pending event.
const subscriberBuffer = 16

// Subscription is one connection's view of one stream's events.
// Close exactly once when the connection goes away.
type Subscription struct {
	C <-chan stream.Event

	bus      *Bus
	streamID stream.SessionID
	sub      *subscriber
	once     sync.Once
}

// Close detaches the subscription from the bus and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s.streamID, s.sub)
	})
}

type subscriber struct {
	connID string

	mu     sync.Mutex
	ch     chan stream.Event
	closed bool
}

// send delivers without blocking: on a full buffer the oldest pending
// event is dropped to keep the newest state visible. Progress is a UI
// hint, not a log.
func (s *subscriber) send(ev stream.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Bus implements stream.Publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[stream.SessionID]map[*subscriber]struct{}
	log  *slog.Logger
	met  *metrics.Metrics
}

// NewBus returns an empty bus. met may be nil.
func NewBus(log *slog.Logger, met *metrics.Metrics) *Bus {
	return &Bus{
		subs: make(map[stream.SessionID]map[*subscriber]struct{}),
		log:  log,
		met:  met,
	}
}

// Subscribe registers connID for events of streamID. The subscription
// holds no reference to the session itself: a subscriber disconnecting
// never affects the session's lifecycle.
func (b *Bus) Subscribe(connID string, streamID stream.SessionID) *Subscription {
	sub := &subscriber{connID: connID, ch: make(chan stream.Event, subscriberBuffer)}

	b.mu.Lock()
	set, ok := b.subs[streamID]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.subs[streamID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	b.log.Debug("progress subscription added",
		slog.String("connection_id", connID), slog.String("stream_id", string(streamID)))

	return &Subscription{C: sub.ch, bus: b, streamID: streamID, sub: sub}
}

func (b *Bus) unsubscribe(streamID stream.SessionID, sub *subscriber) {
	b.mu.Lock()
	if set, ok := b.subs[streamID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, streamID)
		}
	}
	b.mu.Unlock()
	sub.close()
}

// Publish implements stream.Publisher: it fans ev out to every
// subscriber of ev.StreamID. Events for one stream arrive in publish
// order because the registry serializes transitions per session; no
// ordering holds across streams.
func (b *Bus) Publish(ev stream.Event) {
	b.mu.RLock()
	set := b.subs[ev.StreamID]
	targets := make([]*subscriber, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if sub.send(ev) && b.met != nil {
			b.met.IncProgressEvents()
		}
	}
}

// SubscriberCount reports how many subscriptions a stream currently has.
func (b *Bus) SubscriberCount(streamID stream.SessionID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[streamID])
}
