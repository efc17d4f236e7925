package streamhub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osintops/dragnet/internal/events"
	"github.com/osintops/dragnet/internal/logger"
)

func newHub(t *testing.T) (*Hub, *events.Bus) {
	t.Helper()
	log := logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
	bus := events.NewBus(64, log)
	hub := New(bus, log)
	t.Cleanup(hub.Close)
	return hub, bus
}

func dial(t *testing.T, hub *Hub, channels []string) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		if _, err := hub.Attach(context.Background(), conn, channels); err != nil {
			t.Error(err)
		}
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestEventsReachClient(t *testing.T) {
	hub, bus := newHub(t)
	conn := dial(t, hub, []string{events.ChannelMessages})

	// The subscription is live once Attach returns, but the dial handler runs
	// concurrently with the test body. Poll until the client is registered.
	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, hub.ClientCount())

	bus.Publish(events.ChannelMessages, "message.new", map[string]any{"dialog_id": int64(7)})

	f := readFrame(t, conn)
	assert.Equal(t, "message.new", f.Type)
	assert.Equal(t, events.ChannelMessages, f.Channel)
	payload, ok := f.Payload.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 7, payload["dialog_id"])
}

func TestClientOnlySeesItsChannels(t *testing.T) {
	hub, bus := newHub(t)
	conn := dial(t, hub, []string{events.ChannelDetections})

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(events.ChannelMessages, "message.new", nil)
	bus.Publish(events.ChannelDetections, "detection.new", map[string]any{"detector": "email"})

	f := readFrame(t, conn)
	assert.Equal(t, "detection.new", f.Type)
	assert.Equal(t, events.ChannelDetections, f.Channel)
}

func TestDisconnectDetachesClient(t *testing.T) {
	hub, _ := newHub(t)
	conn := dial(t, hub, []string{events.ChannelSessions})

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, hub.ClientCount())

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Zero(t, hub.ClientCount())
}

func TestCloseIsIdempotent(t *testing.T) {
	hub, _ := newHub(t)
	dial(t, hub, []string{events.ChannelMedia})
	hub.Close()
	hub.Close()
	assert.Zero(t, hub.ClientCount())
}
