package streaming

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rendis/ensemble/pkg/schema"
)

// subscriberBuffer is each subscription's channel depth. A consumer
// that falls this far behind starts losing events rather than slowing
// the runs that produce them.
const subscriberBuffer = 64

// HubStats is a point-in-time snapshot of hub activity.
type HubStats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// subscription is one live subscriber. The event-type filter is
// compiled to a set at subscribe time so Publish does no slice scans.
type subscription struct {
	ch     chan RunEvent
	runID  string
	nodeID string
	types  map[string]struct{}

	gone chan struct{}
	once sync.Once
}

func newSubscription(filter EventFilter) *subscription {
	sub := &subscription{
		ch:     make(chan RunEvent, subscriberBuffer),
		runID:  filter.RunID,
		nodeID: filter.NodeID,
		gone:   make(chan struct{}),
	}
	if len(filter.EventTypes) > 0 {
		sub.types = make(map[string]struct{}, len(filter.EventTypes))
		for _, t := range filter.EventTypes {
			sub.types[t] = struct{}{}
		}
	}
	return sub
}

func (s *subscription) wants(e RunEvent) bool {
	if s.runID != "" && s.runID != e.RunID {
		return false
	}
	if s.nodeID != "" && s.nodeID != e.NodeID {
		return false
	}
	if s.types != nil {
		if _, ok := s.types[e.EventType]; !ok {
			return false
		}
	}
	return true
}

// MemoryHub fans run events out to in-process subscribers. Delivery is
// lossy by contract: a subscriber whose buffer is full misses events,
// counted in Stats, and publishers never block. Subscriptions end with
// their context, their cancel func, or Close — whichever comes first —
// and the subscriber sees that as a closed channel.
type MemoryHub struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[int]*subscription)}
}

// Publish delivers the event to every matching live subscription.
func (h *MemoryHub) Publish(ctx context.Context, event RunEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return schema.NewError(schema.ErrCodeConflict, "event hub is closed")
	}
	for _, sub := range h.subs {
		if !sub.wants(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	h.mu.RUnlock()

	h.published.Add(1)
	return nil
}

// Subscribe registers a filtered subscription. It ends when ctx is
// done or the cancel func runs; either closes the returned channel.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan RunEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := newSubscription(filter)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, schema.NewError(schema.ErrCodeConflict, "event hub is closed")
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			h.unsubscribe(id, sub)
		case <-sub.gone:
		}
	}()

	return sub.ch, func() { h.unsubscribe(id, sub) }, nil
}

func (h *MemoryHub) unsubscribe(id int, sub *subscription) {
	sub.once.Do(func() {
		h.mu.Lock()
		delete(h.subs, id)
		close(sub.ch)
		h.mu.Unlock()
		close(sub.gone)
	})
}

// Close ends every subscription and rejects further publishes.
func (h *MemoryHub) Close() error {
	h.mu.Lock()
	h.closed = true
	ended := h.subs
	h.subs = make(map[int]*subscription)
	h.mu.Unlock()

	for _, sub := range ended {
		sub.once.Do(func() {
			close(sub.ch)
			close(sub.gone)
		})
	}
	return nil
}

// Stats reports subscriber count and lifetime publish/drop totals.
func (h *MemoryHub) Stats() HubStats {
	h.mu.RLock()
	subscribers := len(h.subs)
	h.mu.RUnlock()
	return HubStats{
		Subscribers: subscribers,
		Published:   h.published.Load(),
		Dropped:     h.dropped.Load(),
	}
}

var _ EventHub = (*MemoryHub)(nil)
