package stream

import (
	"sync"

	"curvex/internal/observability"
)

const subscriberBuffer = 256

// Subscriber is one WebSocket session's view of the hub. Messages arrive
// on C already marshaled; a session that stops reading loses messages
// rather than stalling the publisher.
type Subscriber struct {
	C chan []byte

	instruments map[string]struct{} // Empty means all instruments
}

func (s *Subscriber) wants(instrument string) bool {
	if len(s.instruments) == 0 {
		return true
	}
	_, ok := s.instruments[instrument]
	return ok
}

// Hub fans outbound envelopes to in-process subscribers.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscriber]struct{}
	metrics *observability.Metrics
}

func NewHub(metrics *observability.Metrics) *Hub {
	return &Hub{
		subs:    make(map[*Subscriber]struct{}),
		metrics: metrics,
	}
}

// Subscribe registers a session, optionally filtered to instruments.
func (h *Hub) Subscribe(instruments ...string) *Subscriber {
	sub := &Subscriber{C: make(chan []byte, subscriberBuffer)}
	if len(instruments) > 0 {
		sub.instruments = make(map[string]struct{}, len(instruments))
		for _, inst := range instruments {
			sub.instruments[inst] = struct{}{}
		}
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WSConnections.Set(float64(n))
	}
	return sub
}

// Unsubscribe removes a session and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	n := len(h.subs)
	h.mu.Unlock()

	if ok {
		close(sub.C)
	}
	if h.metrics != nil {
		h.metrics.WSConnections.Set(float64(n))
	}
}

// Broadcast delivers one message to every matching subscriber,
// dropping for any whose buffer is full.
func (h *Hub) Broadcast(instrument string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs {
		if !sub.wants(instrument) {
			continue
		}
		select {
		case sub.C <- msg:
			if h.metrics != nil {
				h.metrics.WSMessagesSent.Inc()
			}
		default:
		}
	}
}
