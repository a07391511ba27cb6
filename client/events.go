package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"nhooyr.io/websocket"

	"pkt.systems/voicelease/api"
	"pkt.systems/voicelease/internal/correlation"
)

// EventStream is an open /events subscription.
type EventStream struct {
	conn *websocket.Conn
}

// Events subscribes to lifecycle events for userID. An empty userID needs
// an admin token and receives every event.
func (c *Client) Events(ctx context.Context, userID string) (*EventStream, error) {
	target := c.baseURL + "/events"
	if userID != "" {
		target += "?" + url.Values{"userId": {userID}}.Encode()
	}
	headers := http.Header{}
	headers.Set("User-Agent", c.userAgent)
	if c.bearer != "" {
		headers.Set("Authorization", "Bearer "+c.bearer)
	}
	if c.adminToken != "" {
		headers.Set(headerAdminToken, c.adminToken)
	}
	correlation.Inject(ctx, headers)
	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: headers,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 300 {
			return nil, fmt.Errorf("client: subscribe events: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("client: subscribe events: %w", err)
	}
	c.logDebugCtx(ctx, "client.events.subscribed", "user_id", userID)
	return &EventStream{conn: conn}, nil
}

// Next blocks until the next event arrives.
func (s *EventStream) Next(ctx context.Context) (api.Event, error) {
	var ev api.Event
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return ev, err
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("client: decode event: %w", err)
	}
	return ev, nil
}

// Close ends the subscription.
func (s *EventStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
