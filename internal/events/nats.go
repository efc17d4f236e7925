package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/osintops/dragnet/internal/logger"
)

// NatsMirror republishes bus events to NATS subjects so external consumers
// can follow the stream without holding an engine subscription. Subjects are
// `dragnet.events.<channel>`.
type NatsMirror struct {
	conn *nats.Conn
	log  *logger.Logger
}

// NewNatsMirror connects to the NATS server and returns a mirror ready to be
// attached to a Bus.
func NewNatsMirror(url string, log *logger.Logger) (*NatsMirror, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Name("dragnet-events"),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NatsMirror{conn: conn, log: log.WithComponent("nats_mirror")}, nil
}

// Handle publishes one event. Failures are logged and dropped; the local bus
// remains authoritative.
func (m *NatsMirror) Handle(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		m.log.Error("failed to marshal event", "error", err, "channel", ev.Channel)
		return
	}
	subject := "dragnet.events." + ev.Channel
	if err := m.conn.Publish(subject, data); err != nil {
		m.log.Error("failed to publish event", "error", err, "subject", subject)
	}
}

func (m *NatsMirror) Close() {
	if m.conn != nil {
		m.conn.Drain()
	}
}
