// Package events implements the in-process publish-subscribe bus. Channels
// are named; subscriber streams are bounded. Messages and detections shed
// their oldest events under backpressure, backfill progress blocks instead so
// no page report is lost.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osintops/dragnet/internal/logger"
	"github.com/osintops/dragnet/internal/metrics"
)

const (
	ChannelMessages   = "messages"
	ChannelDetections = "detections"
	ChannelBackfill   = "backfill"
	ChannelMedia      = "media"
	ChannelSessions   = "sessions"
)

// DialogChannel returns the per-dialog specialization of a base channel.
func DialogChannel(base string, dialogID int64) string {
	return fmt.Sprintf("%s.%d", base, dialogID)
}

// Event is one domain event on a channel.
type Event struct {
	Channel string    `json:"channel"`
	Type    string    `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// Policy controls subscriber backpressure for a channel.
type Policy int

const (
	// DropOldest sheds the oldest buffered event when a subscriber lags.
	DropOldest Policy = iota
	// Block makes Publish wait for the slow subscriber.
	Block
)

// PolicyFor resolves the backpressure policy from the channel name. Only
// backfill progress blocks; everything else is shed under pressure.
func PolicyFor(channel string) Policy {
	if channel == ChannelBackfill || hasPrefix(channel, ChannelBackfill+".") {
		return Block
	}
	return DropOldest
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Subscription is one bounded subscriber stream.
type Subscription struct {
	ID      string
	Channel string

	ch     chan Event
	done   chan struct{}
	policy Policy

	closeOnce sync.Once
	bus       *Bus
}

// C is the event stream. Closed by Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close detaches the subscription and closes its stream.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus is the in-process event bus. Mirrors (e.g. the NATS publisher) observe
// every published event after local fan-out.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]*Subscription
	mirrors []func(Event)

	buffer int
	log    *logger.Logger
}

func NewBus(subscriberBuffer int, log *logger.Logger) *Bus {
	if subscriberBuffer <= 0 {
		subscriberBuffer = 256
	}
	return &Bus{
		subs:   make(map[string][]*Subscription),
		buffer: subscriberBuffer,
		log:    log.WithComponent("events"),
	}
}

// AttachMirror registers a function invoked for every published event.
func (b *Bus) AttachMirror(fn func(Event)) {
	b.mu.Lock()
	b.mirrors = append(b.mirrors, fn)
	b.mu.Unlock()
}

// Subscribe opens a bounded stream on a channel.
func (b *Bus) Subscribe(channel string) *Subscription {
	sub := &Subscription{
		ID:      uuid.NewString(),
		Channel: channel,
		ch:      make(chan Event, b.buffer),
		done:    make(chan struct{}),
		policy:  PolicyFor(channel),
		bus:     b,
	}
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	sub.closeOnce.Do(func() {
		// done must close before taking the write lock: a Publish blocked on
		// this stream holds the read lock and only done can release it.
		close(sub.done)
		b.mu.Lock()
		list := b.subs[sub.Channel]
		for i, s := range list {
			if s.ID == sub.ID {
				b.subs[sub.Channel] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(b.subs[sub.Channel]) == 0 {
			delete(b.subs, sub.Channel)
		}
		b.mu.Unlock()
		close(sub.ch)
	})
}

// Publish delivers an event to every subscriber of its channel, in per-channel
// FIFO order, then hands it to mirrors.
func (b *Bus) Publish(channel string, eventType string, payload any) {
	ev := Event{Channel: channel, Type: eventType, At: time.Now().UTC(), Payload: payload}

	// Delivery happens under the read lock so Close cannot close a stream
	// mid-send.
	b.mu.RLock()
	for _, sub := range b.subs[channel] {
		b.deliver(sub, ev)
	}
	mirrors := b.mirrors
	b.mu.RUnlock()

	for _, mirror := range mirrors {
		mirror(ev)
	}
}

func (b *Bus) deliver(sub *Subscription, ev Event) {
	if sub.policy == Block {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		}
		return
	}
	select {
	case sub.ch <- ev:
	default:
		// Shed the oldest buffered event, then retry once.
		select {
		case <-sub.ch:
			metrics.BusDroppedEvents.WithLabelValues(sub.Channel).Inc()
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			metrics.BusDroppedEvents.WithLabelValues(sub.Channel).Inc()
		}
	}
}
