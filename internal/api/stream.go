package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/osintops/dragnet/internal/events"
	"github.com/osintops/dragnet/internal/faults"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin policy is enforced by the CORS middleware in front.
	CheckOrigin: func(*http.Request) bool { return true },
}

// stream upgrades the connection and attaches it to the requested bus
// channels, e.g. ?channels=messages,detections or ?channels=backfill.42.
func (s *Server) stream(c *gin.Context) {
	raw := c.Query("channels")
	if raw == "" {
		respondErr(c, &faults.ValidationFailedError{What: "channels query parameter is required"})
		return
	}
	channels := strings.Split(raw, ",")
	for i, channel := range channels {
		channel = strings.TrimSpace(channel)
		if !validChannel(channel) {
			respondErr(c, &faults.ValidationFailedError{What: "unknown channel " + channel})
			return
		}
		channels[i] = channel
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}
	// The request context ends when this handler returns; the hijacked
	// connection must outlive it, so the hub gets a background context.
	if _, err := s.hub.Attach(context.Background(), conn, channels); err != nil {
		s.log.Error("stream attach failed", "error", err)
		conn.Close()
	}
}

func validChannel(channel string) bool {
	base := channel
	if i := strings.IndexByte(channel, '.'); i >= 0 {
		base = channel[:i]
		if _, err := strconv.ParseInt(channel[i+1:], 10, 64); err != nil {
			return false
		}
	}
	switch base {
	case events.ChannelMessages, events.ChannelDetections, events.ChannelBackfill,
		events.ChannelMedia, events.ChannelSessions:
		return true
	}
	return false
}
