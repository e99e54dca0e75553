package authority

import (
	gosync "sync"

	"driftsync/internal/domain/sync"
	"driftsync/pkg/logger"
)

// subscriberBuffer is each subscriber's event backlog. A device that falls
// this far behind has its slowest events dropped; bulk load repairs the gap
// on its next full sync.
const subscriberBuffer = 64

type subscriber struct {
	deviceID int64
	events   chan sync.Event
}

// Hub fans accepted changes out to connected devices. The originating
// device is excluded from its own broadcasts, which is the server half of
// echo prevention.
type Hub struct {
	mu     gosync.Mutex
	subs   map[*subscriber]struct{}
	logger *logger.Logger
}

// NewHub creates the broadcast hub.
func NewHub(lg *logger.Logger) *Hub {
	if lg == nil {
		lg = logger.Default()
	}
	return &Hub{
		subs:   make(map[*subscriber]struct{}),
		logger: lg.WithComponent("hub"),
	}
}

// Subscribe registers a device's event channel. The returned cancel
// function unregisters and closes it; after cancel returns no further
// sends happen.
func (h *Hub) Subscribe(deviceID int64) (<-chan sync.Event, func()) {
	sub := &subscriber{
		deviceID: deviceID,
		events:   make(chan sync.Event, subscriberBuffer),
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	h.logger.Debugw("device subscribed", "device_id", deviceID)

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[sub]; ok {
			delete(h.subs, sub)
			close(sub.events)
		}
		h.mu.Unlock()
	}
	return sub.events, cancel
}

// Broadcast delivers an event to every subscriber except those registered
// by the originating device. Sends never block: a subscriber with a full
// backlog loses the event.
func (h *Hub) Broadcast(origin int64, ev sync.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		if sub.deviceID == origin {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			h.logger.Warnw("subscriber backlog full, event dropped",
				"device_id", sub.deviceID,
				"table", ev.Table,
				"pk", ev.PKValue,
			)
		}
	}
}

// Len returns the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
