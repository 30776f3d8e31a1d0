package ble

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// defaultSubscriptionBuffer is the per-subscriber queue depth.
const defaultSubscriptionBuffer = 64

// Message is one payload received on a published characteristic.
type Message struct {
	Channel ChannelID `json:"channel"`
	Payload []byte    `json:"payload"`
}

// ChannelBus fans messages out to subscribers by channel. Every subscriber
// whose interest set contains a message's channel receives its own copy.
// Nothing is stored: a subscriber only sees messages published while it is
// subscribed.
type ChannelBus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
}

// NewChannelBus creates a bus whose subscriptions queue up to buffer messages.
func NewChannelBus(buffer int) *ChannelBus {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	return &ChannelBus{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscription is a live handle on a filtered message stream.
type Subscription struct {
	bus      *ChannelBus
	channels map[ChannelID]struct{}
	ch       chan Message
	dropped  atomic.Uint64
	once     sync.Once
}

// Subscribe registers interest in the given channels. The returned
// subscription must be closed when the consumer is done.
func (b *ChannelBus) Subscribe(channels ...ChannelID) *Subscription {
	s := &Subscription{
		bus:      b,
		channels: make(map[ChannelID]struct{}, len(channels)),
		ch:       make(chan Message, b.buffer),
	}
	for _, c := range channels {
		s.channels[ChannelID(NormalizeUUID(string(c)))] = struct{}{}
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish delivers msg to every subscription interested in msg.Channel and
// returns the number of recipients. It never blocks: a subscriber that falls
// behind loses its oldest queued message.
func (b *ChannelBus) Publish(msg Message) int {
	msg.Channel = ChannelID(NormalizeUUID(string(msg.Channel)))

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for s := range b.subs {
		if _, ok := s.channels[msg.Channel]; !ok {
			continue
		}
		s.deliver(Message{Channel: msg.Channel, Payload: bytes.Clone(msg.Payload)})
		delivered++
	}
	return delivered
}

// Len returns the number of live subscriptions.
func (b *ChannelBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// deliver queues msg, evicting the oldest entry when the queue is full.
// Callers hold the bus read lock, so the channel cannot be closed underneath.
func (s *Subscription) deliver(msg Message) {
	for {
		select {
		case s.ch <- msg:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// C returns the receive channel. It is closed by Close.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Channels returns the subscription's interest set.
func (s *Subscription) Channels() []ChannelID {
	out := make([]ChannelID, 0, len(s.channels))
	for c := range s.channels {
		out = append(out, c)
	}
	return out
}

// Dropped returns how many messages were evicted because the consumer lagged.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unregisters the subscription and closes its channel. It is safe to
// call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}
