// Package streamhub bridges the in-process event bus to WebSocket clients.
// Each connection picks its channels at attach time; slow clients shed frames
// rather than stall the bus.
package streamhub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/osintops/dragnet/internal/events"
	"github.com/osintops/dragnet/internal/logger"
)

const (
	writeTimeout      = 10 * time.Second
	heartbeatInterval = 30 * time.Second
	sendBuffer        = 100
)

// Frame is the wire envelope for one event delivered to a WebSocket client.
// Type is the domain event type, or "heartbeat" for keepalives.
type Frame struct {
	Type      string `json:"type"`
	Channel   string `json:"channel,omitempty"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

// Hub fans bus events out to WebSocket connections.
type Hub struct {
	bus *events.Bus
	log *logger.Logger

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

type client struct {
	id     string
	conn   *websocket.Conn
	sendCh chan []byte
	subs   []*events.Subscription

	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(bus *events.Bus, log *logger.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		bus:     bus,
		log:     log.WithComponent("streamhub"),
		clients: make(map[string]*client),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Attach takes ownership of conn, subscribes it to the given bus channels,
// and serves it until the client disconnects or the hub closes. The
// connection is closed on return of the serving goroutines, not of Attach.
func (h *Hub) Attach(ctx context.Context, conn *websocket.Conn, channels []string) (string, error) {
	if len(channels) == 0 {
		return "", fmt.Errorf("no channels requested")
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", fmt.Errorf("hub is closed")
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		sendCh: make(chan []byte, sendBuffer),
		ctx:    cctx,
		cancel: cancel,
	}
	for _, channel := range channels {
		c.subs = append(c.subs, h.bus.Subscribe(channel))
	}
	h.clients[c.id] = c

	h.log.Info("client attached",
		slog.String("client_id", c.id),
		slog.Any("channels", channels),
		slog.Int("total_clients", len(h.clients)))

	for _, sub := range c.subs {
		h.wg.Add(1)
		go func(sub *events.Subscription) {
			defer h.wg.Done()
			h.pump(c, sub)
		}(sub)
	}
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.writeLoop(c)
	}()
	go func() {
		defer h.wg.Done()
		h.readLoop(c)
	}()
	h.mu.Unlock()

	return c.id, nil
}

// Detach drops a client and closes its bus subscriptions.
func (h *Hub) Detach(clientID string) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, clientID)
	remaining := len(h.clients)
	h.mu.Unlock()

	c.cancel()
	for _, sub := range c.subs {
		sub.Close()
	}
	h.log.Info("client detached",
		slog.String("client_id", clientID),
		slog.Int("remaining_clients", remaining))
}

// ClientCount returns the number of attached connections.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// pump forwards one subscription's events into the client's send buffer.
func (h *Hub) pump(c *client, sub *events.Subscription) {
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(Frame{
				Type:      ev.Type,
				Channel:   ev.Channel,
				Timestamp: ev.At.Format(time.RFC3339),
				Payload:   ev.Payload,
			})
			if err != nil {
				h.log.Error("frame marshal failed", slog.String("error", err.Error()))
				continue
			}
			select {
			case c.sendCh <- data:
			default:
				h.log.Warn("client buffer full, dropping frame",
					slog.String("client_id", c.id),
					slog.String("channel", ev.Channel))
			}
		case <-c.ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	defer func() {
		c.conn.Close()
		h.Detach(c.id)
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case data := <-c.sendCh:
			if err := h.write(c, data); err != nil {
				h.log.Warn("websocket write failed",
					slog.String("error", err.Error()),
					slog.String("client_id", c.id))
				return
			}
		case <-heartbeat.C:
			data, err := json.Marshal(Frame{Type: "heartbeat", Timestamp: time.Now().Format(time.RFC3339)})
			if err != nil {
				continue
			}
			if err := h.write(c, data); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Hub) write(c *client, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop drains inbound frames so close and ping control messages are
// processed; any read error means the client is gone.
func (h *Hub) readLoop(c *client) {
	defer c.cancel()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close detaches every client and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	h.cancel()
	for _, c := range clients {
		c.conn.Close()
		h.Detach(c.id)
	}
	h.wg.Wait()
	h.log.Info("stream hub closed")
}
