package brontide

import (
	"context"
	"sync"
)

// Inbox is a Handler that queues decrypted messages for a pull-style reader.
// When capacity messages are waiting the connection is blocked, and Next
// resumes it once the reader has caught up.
type Inbox struct {
	capacity int

	mu      sync.Mutex
	conn    *Conn
	msgs    [][]byte
	blocked bool
	closed  bool
	err     error

	notify chan struct{}
	ready  chan struct{}
	once   sync.Once
}

// NewInbox returns an Inbox holding at most capacity undelivered messages
// before applying backpressure. capacity < 1 is treated as 1.
func NewInbox(capacity int) *Inbox {
	if capacity < 1 {
		capacity = 1
	}
	return &Inbox{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		ready:    make(chan struct{}),
	}
}

func (b *Inbox) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Ready is closed when the connection's handshake completes.
func (b *Inbox) Ready() <-chan struct{} { return b.ready }

// OnReady implements Handler.
func (b *Inbox) OnReady(c *Conn) {
	b.once.Do(func() { close(b.ready) })
}

// OnMessage implements Handler.
func (b *Inbox) OnMessage(c *Conn, msg []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.conn = c
	b.msgs = append(b.msgs, msg)
	b.signal()

	if len(b.msgs) >= b.capacity {
		b.blocked = true
		return false
	}
	return true
}

// OnError implements Handler.
func (b *Inbox) OnError(c *Conn, err error) {}

// OnEnd implements Handler.
func (b *Inbox) OnEnd(c *Conn) {}

// OnClose implements Handler.
func (b *Inbox) OnClose(c *Conn, err error) {
	b.mu.Lock()
	b.closed = true
	b.err = err
	b.mu.Unlock()
	b.signal()
}

// Len returns the number of queued messages.
func (b *Inbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

// Next returns the next message in arrival order. Messages received before
// the connection closed are still returned; after that Next returns the
// connection's error, or ErrConnClosed for an orderly close.
func (b *Inbox) Next(ctx context.Context) ([]byte, error) {
	for {
		b.mu.Lock()
		if len(b.msgs) > 0 {
			msg := b.msgs[0]
			b.msgs[0] = nil
			b.msgs = b.msgs[1:]

			var resume *Conn
			if b.blocked && len(b.msgs) < b.capacity {
				b.blocked = false
				resume = b.conn
			}
			b.mu.Unlock()

			if resume != nil {
				// A closed connection has nothing left to resume.
				_ = resume.Resume()
			}
			return msg, nil
		}
		if b.closed {
			err := b.err
			b.mu.Unlock()
			if err == nil {
				err = ErrConnClosed
			}
			return nil, err
		}
		b.mu.Unlock()

		select {
		case <-b.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
