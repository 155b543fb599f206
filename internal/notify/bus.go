// Package notify fans change cues out to live subscribers.
//
// Events carry no payload beyond their channel name: the cue only tells a
// client that something it can see changed, and the client re-fetches
// through the normal read paths. Publishing never blocks; a subscriber that
// cannot keep up with its queue is dropped rather than allowed to stall the
// publisher.
package notify

import (
	"log/slog"
	"sync"
)

// ChannelRoster carries identity roster changes (created, deleted, list
// visibility toggled).
const ChannelRoster = "roster"

// Event is a change cue on one channel. Per-identity channels use the
// identity's username as the channel name.
type Event struct {
	Channel string
}

// Subscription is one subscriber's queue. Receive from C until it is closed;
// closure means either Unsubscribe was called or the bus dropped the
// subscriber for falling behind.
type Subscription struct {
	bus *Bus
	id  uint64

	// channel is the subscribed channel; empty subscribes to everything.
	channel string

	c chan Event
}

// C returns the event queue.
func (s *Subscription) C() <-chan Event { return s.c }

// Unsubscribe detaches from the bus and closes the queue. Safe to call more
// than once.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.id)
}

// Bus is an in-process publish/subscribe hub.
type Bus struct {
	log *slog.Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription
	closed bool
}

// NewBus constructs a Bus. A nil logger discards log output.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Bus{log: log, subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a subscriber for one channel, or for all channels when
// channel is empty. queue bounds the number of undelivered events; values
// below 1 get a queue of 1.
func (b *Bus) Subscribe(channel string, queue int) *Subscription {
	if queue < 1 {
		queue = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		bus:     b,
		id:      b.nextID,
		channel: channel,
		c:       make(chan Event, queue),
	}
	if b.closed {
		close(sub.c)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers a cue to every subscriber of the channel and to every
// wildcard subscriber. Subscribers with a full queue are dropped.
func (b *Bus) Publish(channel string) {
	ev := Event{Channel: channel}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for id, sub := range b.subs {
		if sub.channel != "" && sub.channel != ev.Channel {
			continue
		}
		select {
		case sub.c <- ev:
		default:
			delete(b.subs, id)
			close(sub.c)
			b.log.Warn("notify.drop.slow", "channel", sub.channel)
		}
	}
}

// Close drops every subscriber and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.c)
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.c)
	}
}

// Subscribers reports the current subscriber count, for metrics.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
