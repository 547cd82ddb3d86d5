package model

import (
	"context"
	"sync"
)

// MessageBuffer is the append-only store a background subscription writes
// into. One listener appends, the main sequence reads; arrival order is kept.
// Reads go through a cursor so a wait step only sees messages no earlier wait
// step has consumed.
type MessageBuffer struct {
	Topic string

	mu       sync.Mutex
	messages []Message
	consumed int
	closed   bool
	changed  chan struct{}
}

func NewMessageBuffer(topic string) *MessageBuffer {
	return &MessageBuffer{
		Topic:   topic,
		changed: make(chan struct{}),
	}
}

// Append adds a message and wakes any waiter. It reports false once the
// buffer has been closed.
func (b *MessageBuffer) Append(m Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.messages = append(b.messages, m)
	close(b.changed)
	b.changed = make(chan struct{})
	return true
}

// Close stops accepting messages. Already buffered messages stay readable.
func (b *MessageBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

func (b *MessageBuffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Len returns the number of messages received so far.
func (b *MessageBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

// Pending returns the number of messages not yet consumed.
func (b *MessageBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages) - b.consumed
}

// Snapshot copies every message received so far.
func (b *MessageBuffer) Snapshot() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.messages))
	copy(out, b.messages)
	return out
}

// Peek copies the pending messages without consuming them.
func (b *MessageBuffer) Peek() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.messages)-b.consumed)
	copy(out, b.messages[b.consumed:])
	return out
}

// Consume returns up to n pending messages in arrival order and advances the
// cursor past them. A negative n consumes everything pending.
func (b *MessageBuffer) Consume(n int) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	pending := len(b.messages) - b.consumed
	if n < 0 || n > pending {
		n = pending
	}
	out := make([]Message, n)
	copy(out, b.messages[b.consumed:b.consumed+n])
	b.consumed += n
	return out
}

// WaitFor blocks until at least n messages are pending or ctx is done. The
// pending count is re-read after every append, so messages arriving during
// the wait count. It returns the pending count it last observed.
func (b *MessageBuffer) WaitFor(ctx context.Context, n int) (int, error) {
	for {
		b.mu.Lock()
		pending := len(b.messages) - b.consumed
		changed := b.changed
		b.mu.Unlock()

		if pending >= n {
			return pending, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return b.Pending(), ctx.Err()
		}
	}
}

func (b *MessageBuffer) TemplateView() any {
	v := messagesView(b.Snapshot())
	v["pending"] = b.Pending()
	v["topic"] = b.Topic
	return v
}
