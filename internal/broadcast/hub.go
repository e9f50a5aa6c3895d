package broadcast

import (
	"log/slog"
	"sync"

	"github.com/ASDEAhardware/bfg-sub000/pkg/metrics"
)

const defaultSubscriberBuffer = 32

// Publisher is the narrow surface the ingestion core uses to emit events.
type Publisher interface {
	Publish(ev Event)
}

// Hub is the single process-wide broadcast group. Subscribers receive events
// on a buffered channel; when the buffer is full the event is dropped for
// that subscriber.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscriber]struct{}
	logger  *slog.Logger
	metrics *metrics.PushMetrics
	closed  bool
}

// Subscriber is one attached push client.
type Subscriber struct {
	ch chan Event
}

// Events returns the subscriber's receive channel. It is closed when the
// subscriber is detached or the hub shuts down.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// NewHub creates an empty hub. metrics may be nil.
func NewHub(logger *slog.Logger, m *metrics.PushMetrics) *Hub {
	return &Hub{
		subs:    make(map[*Subscriber]struct{}),
		logger:  logger,
		metrics: m,
	}
}

// Subscribe attaches a new subscriber with the default buffer.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan Event, defaultSubscriberBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	if h.metrics != nil {
		h.metrics.Subscribers.Set(float64(len(h.subs)))
	}
	return sub
}

// Unsubscribe detaches a subscriber and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
	if h.metrics != nil {
		h.metrics.Subscribers.Set(float64(len(h.subs)))
	}
}

// Publish delivers an event to every subscriber, fire and forget. A
// subscriber whose buffer is full loses the event.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}

	for sub := range h.subs {
		select {
		case sub.ch <- ev:
			if h.metrics != nil {
				h.metrics.EventsDelivered.WithLabelValues(ev.Type()).Inc()
			}
		default:
			if h.metrics != nil {
				h.metrics.EventsDropped.WithLabelValues(ev.Type()).Inc()
			}
			h.logger.Debug("dropping event for slow subscriber", "type", ev.Type())
		}
	}
}

// Close detaches every subscriber and rejects further publishes.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
	if h.metrics != nil {
		h.metrics.Subscribers.Set(0)
	}
}
