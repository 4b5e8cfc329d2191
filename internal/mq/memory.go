package mq

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// MemoryBackend delivers messages in-process. Subscribers only see messages
// published after they subscribed.
type MemoryBackend struct {
	mu     sync.Mutex
	subs   map[string][]chan Message
	closed bool
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{subs: make(map[string][]chan Message)}
}

func (b *MemoryBackend) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", errors.New("memory backend closed")
	}

	msg := Message{ID: uuid.NewString(), Data: data, Attributes: attrs}
	for _, ch := range b.subs[channel] {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return msg.ID, nil
}

// Subscribe blocks until ctx is done or the backend is closed.
func (b *MemoryBackend) Subscribe(ctx context.Context, channel string, handler Handler) error {
	ch := make(chan Message, 64)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("memory backend closed")
	}
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			b.unsubscribe(channel, ch)
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			_ = handler(ctx, msg)
		}
	}
}

func (b *MemoryBackend) unsubscribe(channel string, ch chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[channel]
	for i, c := range subs {
		if c == ch {
			b.subs[channel] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.subs = nil
	return nil
}

// Subscribers reports the number of active subscribers on channel.
func (b *MemoryBackend) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}
