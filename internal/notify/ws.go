package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"pkt.systems/pslog"

	"pkt.systems/voicelease/api"
	"pkt.systems/voicelease/internal/svcfields"
)

// Hub streams events to websocket subscribers. A subscriber registered with
// an empty user ID receives every event.
type Hub struct {
	logger       pslog.Logger
	origins      []string
	writeTimeout time.Duration
	buffer       int

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	userID string
	ch     chan api.Event
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithOriginPatterns sets the accepted Origin host patterns.
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) {
		h.origins = append(h.origins, patterns...)
	}
}

// NewHub constructs an empty hub.
func NewHub(logger pslog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		logger:       svcfields.WithSubsystem(logger, "notify.ws"),
		writeTimeout: 5 * time.Second,
		buffer:       32,
		subs:         make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Name() string { return "websocket" }

// Deliver hands ev to every matching subscriber without blocking. Slow
// subscribers lose events.
func (h *Hub) Deliver(_ context.Context, ev api.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.userID != "" && sub.userID != ev.UserID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.logger.Debug("notify.ws.subscriber_lagging", "user_id", sub.userID, "kind", ev.Kind)
		}
	}
	return nil
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for sub := range h.subs {
		close(sub.ch)
		delete(h.subs, sub)
	}
	return nil
}

func (h *Hub) add(userID string) (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	sub := &subscriber{userID: userID, ch: make(chan api.Event, h.buffer)}
	h.subs[sub] = struct{}{}
	return sub, true
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// Serve upgrades the request and streams events for userID until the peer
// goes away or the hub closes. Authorization is the caller's concern.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		return err
	}
	sub, ok := h.add(userID)
	if !ok {
		return conn.Close(websocket.StatusGoingAway, "shutting down")
	}
	defer h.remove(sub)
	h.logger.Debug("notify.ws.subscribed", "user_id", userID)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return nil
		case ev, ok := <-sub.ch:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.logger.Debug("notify.ws.write_failed", "user_id", userID, "error", err)
				return nil
			}
		}
	}
}
