package bus

import (
	"encoding/json"
	"errors"
	"sync"
)

// Channel names for the two logical topics between UI-facing producers and
// the orchestration core.
const (
	ChannelCommands = "skiff:commands"
	ChannelStatus   = "skiff:status"
)

// ErrClosed is returned by Publish after the bus has been shut down.
// Publish fails loudly so callers can decide to retry or abort.
var ErrClosed = errors.New("bus: closed")

// Message is a raw payload delivered on a channel.
type Message struct {
	Channel string
	Data    []byte
}

// Bus is an in-process pub/sub broker with two delivery guarantees:
// at-least-once to all currently-attached subscribers, and per-publisher
// ordering within a channel. Nothing is persisted past delivery; a
// subscriber attached after a publish never sees that message.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]*Subscription
	closed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[string][]*Subscription),
	}
}

// Publish delivers data to every subscriber currently attached to channel.
// It never blocks on slow consumers: each subscription buffers internally.
func (b *Bus) Publish(channel string, data []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	targets := make([]*Subscription, len(b.subs[channel]))
	copy(targets, b.subs[channel])
	b.mu.Unlock()

	for _, sub := range targets {
		sub.enqueue(data)
	}
	return nil
}

// PublishJSON marshals v and publishes it to channel.
func (b *Bus) PublishJSON(channel string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Publish(channel, data)
}

// Subscribe attaches a new subscriber to channel. The returned subscription
// must be closed to release its delivery goroutine.
func (b *Bus) Subscribe(channel string) *Subscription {
	sub := &Subscription{
		channel: channel,
		bus:     b,
		out:     make(chan Message),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.out)
		close(sub.done)
		return sub
	}
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()

	go sub.pump()
	return sub
}

// Close shuts down the bus and detaches all subscribers. Subsequent
// publishes return ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
}

// detach removes a subscription from the broker's fan-out list.
func (b *Bus) detach(target *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[target.channel]
	for i, sub := range subs {
		if sub == target {
			b.subs[target.channel] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Subscription is one subscriber's handle on a channel. Messages arrive on
// C in publish order. The internal queue is unbounded, so a subscriber that
// stalls delays only itself.
type Subscription struct {
	channel string
	bus     *Bus
	out     chan Message

	mu      sync.Mutex
	queue   [][]byte
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

// C returns the message delivery channel. It is closed when the
// subscription or the bus is closed.
func (s *Subscription) C() <-chan Message {
	return s.out
}

// Close detaches the subscription from the bus and closes C.
func (s *Subscription) Close() {
	s.bus.detach(s)
	s.stop()
}

func (s *Subscription) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.done)
	s.mu.Unlock()
}

func (s *Subscription) enqueue(data []byte) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, data)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump drains the internal queue into the out channel in order.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var next []byte
		if len(s.queue) > 0 {
			next = s.queue[0]
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- Message{Channel: s.channel, Data: next}:
		case <-s.done:
			return
		}
	}
}
