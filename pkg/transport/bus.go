package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultBusBuffer is the per-subscriber buffer size of the in-memory Bus.
const DefaultBusBuffer = 256

// Bus is an in-process PubSub. All nodes sharing one Bus see each other's
// gossip, which makes it possible to run a multi-node cluster inside a
// single test binary.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*busSub
	buffer int
	logger *slog.Logger
	closed bool
}

type busSub struct {
	ch   chan Message
	done <-chan struct{}
	once sync.Once
}

func (s *busSub) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewBus creates an in-memory Bus with the default buffer size.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string][]*busSub),
		buffer: DefaultBusBuffer,
		logger: logger,
	}
}

// Publish fans the payload out to every subscriber of the channel. A
// subscriber whose buffer is full drops the message: gossip must never
// block on a slow consumer.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("bus closed")
	}

	msg := Message{Channel: channel, Payload: payload}
	for _, sub := range b.subs[channel] {
		select {
		case <-sub.done:
		case sub.ch <- msg:
		default:
			b.logger.Warn("bus subscriber buffer full, dropping message", "channel", channel)
		}
	}
	return nil
}

// Subscribe registers a new subscriber on the channel. The returned channel
// is closed when ctx is cancelled or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus closed")
	}

	sub := &busSub{
		ch:   make(chan Message, b.buffer),
		done: ctx.Done(),
	}
	b.subs[channel] = append(b.subs[channel], sub)

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		b.remove(channel, sub)
		b.mu.Unlock()
		sub.close()
	}()

	return sub.ch, nil
}

// remove unlinks a subscriber. Caller must hold b.mu.
func (b *Bus) remove(channel string, target *busSub) {
	subs := b.subs[channel]
	for i, s := range subs {
		if s == target {
			b.subs[channel] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for channel, subs := range b.subs {
		for _, s := range subs {
			s.close()
		}
		delete(b.subs, channel)
	}
	return nil
}

var _ PubSub = (*Bus)(nil)
