// Package events fans device activity out to in-process subscribers, such as
// the SSE stream of the HTTP API.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bythron/trackerd/internal/metrics"
)

// Kind labels what happened on a device connection.
type Kind string

const (
	KindLogin        Kind = "login"
	KindLocation     Kind = "location"
	KindHeartbeat    Kind = "heartbeat"
	KindAlarm        Kind = "alarm"
	KindCommandReply Kind = "command_reply"
	KindDisconnect   Kind = "disconnect"
	KindTripEnded    Kind = "trip_ended"
)

// Event is one device activity notification.
type Event struct {
	Kind     Kind      `json:"kind"`
	Identity string    `json:"identity"`
	Time     time.Time `json:"time"`

	// Set for location and alarm events.
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Speed     uint8   `json:"speed,omitempty"`
	GPSValid  bool    `json:"gps_valid,omitempty"`

	// Set for alarm events.
	Alarm string `json:"alarm,omitempty"`

	// Set for command replies.
	Content string `json:"content,omitempty"`
}

// Broadcaster delivers events to registered subscriber channels without ever
// blocking the publisher. Slow subscribers lose events rather than stalling
// device connections.
type Broadcaster struct {
	log *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan<- Event]struct{}
}

func NewBroadcaster(log *slog.Logger) *Broadcaster {
	return &Broadcaster{
		log:         log,
		subscribers: make(map[chan<- Event]struct{}),
	}
}

// Subscribe registers a channel to receive events. The channel should be
// buffered to avoid losing events. Returns a function to unsubscribe.
func (b *Broadcaster) Subscribe(ch chan<- Event) func() {
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, ch)
		b.mu.Unlock()
	}
}

// SubscriberCount returns the current number of subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Publish sends the event to all subscribers without blocking.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			metrics.EventsDropped.Inc()
			b.log.Debug("dropped event for slow subscriber", "kind", ev.Kind, "identity", ev.Identity)
		}
	}
}
