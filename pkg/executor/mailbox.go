package executor

import (
	"context"
	"io"
	"sync"
)

// mailbox is an unbounded FIFO of messages. put never blocks, so a sender is
// never held up by a slow or stalled receiver.
type mailbox struct {
	mu     sync.Mutex
	queue  []Message
	ready  chan struct{}
	closed bool
	err    error
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) put(msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrChannelClosed
	}

	m.queue = append(m.queue, msg)

	select {
	case m.ready <- struct{}{}:
	default:
	}

	return nil
}

// take returns the oldest message. After close it drains what is left and
// then returns the close error, or io.EOF.
func (m *mailbox) take(ctx context.Context) (Message, error) {
	for {
		m.mu.Lock()

		if len(m.queue) > 0 {
			msg := m.queue[0]
			m.queue[0] = Message{}
			m.queue = m.queue[1:]
			m.mu.Unlock()

			return msg, nil
		}

		if m.closed {
			err := m.err
			m.mu.Unlock()

			if err == nil {
				err = io.EOF
			}

			return Message{}, err
		}

		m.mu.Unlock()

		select {
		case <-m.ready:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

func (m *mailbox) close() {
	m.closeWithError(nil)
}

// closeWithError closes the mailbox; the first close wins.
func (m *mailbox) closeWithError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	m.closed = true
	m.err = err

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closed
}
