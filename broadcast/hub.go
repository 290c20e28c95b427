package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/voxflow/voxflow/logger"
)

// subscriberBuffer is the per-subscriber send queue depth. Slow consumers drop
// messages rather than blocking the publisher.
const subscriberBuffer = 64

// Hub is a WebSocket fan-out Gateway for deployments where clients connect
// directly to the runtime. Each subscriber attaches to one channel; Publish
// delivers to every subscriber of that channel.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[chan []byte]struct{}

	upgrader websocket.Upgrader
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		channels: make(map[string]map[chan []byte]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Subscribe registers a new subscriber on channel and returns its queue.
func (h *Hub) Subscribe(channel string) chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	h.mu.Lock()
	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[chan []byte]struct{})
		h.channels[channel] = subs
	}
	subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its queue.
func (h *Hub) Unsubscribe(channel string, ch chan []byte) {
	h.mu.Lock()
	if subs, ok := h.channels[channel]; ok {
		if _, member := subs[ch]; member {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
	h.mu.Unlock()
}

// SubscriberCount returns the number of subscribers on channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Publish marshals msg and delivers it to every subscriber of channel.
// Subscribers with full queues miss the message; delivery is best-effort.
func (h *Hub) Publish(ctx context.Context, channel string, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast message: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.channels[channel] {
		select {
		case ch <- payload:
		default:
			logger.Warn("broadcast subscriber queue full, dropping message",
				"channel", channel, "type", msg.Type)
		}
	}
	return nil
}

// ServeWS upgrades an HTTP request to a WebSocket subscription on channel and
// streams messages until the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, channel string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "channel", channel, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	ch := h.Subscribe(channel)
	defer h.Unsubscribe(channel, ch)

	// The read loop exists to notice the peer closing; without it a dead
	// subscriber lingers until the next write fails.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
