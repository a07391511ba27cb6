package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"pkt.systems/voicelease/api"
)

// DefaultNATSSubject is the subject prefix; the event kind is appended.
const DefaultNATSSubject = "voicelease.events"

// NATSSink publishes events to <prefix>.<kind>.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSSink connects to url.
func NewNATSSink(url, prefix string) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.Name("voicelease"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: connect nats: %w", err)
	}
	return &NATSSink{conn: conn, prefix: natsPrefix(prefix)}, nil
}

func natsPrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		return DefaultNATSSubject
	}
	return prefix
}

func (s *NATSSink) subject(kind api.EventKind) string {
	return s.prefix + "." + string(kind)
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Deliver(_ context.Context, ev api.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.conn.Publish(s.subject(ev.Kind), data)
}

// Close flushes pending publishes and closes the connection.
func (s *NATSSink) Close() error {
	return s.conn.Drain()
}
