package session

import (
	"sync"

	"github.com/dreamware/tablesync/internal/protocol"
	"github.com/pkg/errors"
)

var (
	// ErrMailboxClosed is returned when pushing to a mailbox whose session has ended.
	ErrMailboxClosed = errors.New("mailbox closed")
	// ErrMailboxFull is returned when a mailbox holds its limit of pending envelopes.
	// The mailbox is closed at that point and its session terminates.
	ErrMailboxFull = errors.New("mailbox full")
)

// Mailbox is the per-connection queue of envelopes waiting to be written
// to the client. Any goroutine may Push; only the owning session drains.
type Mailbox struct {
	mu       sync.Mutex
	items    []protocol.Envelope
	limit    int
	closed   bool
	overflow bool
	wake     chan struct{}
}

// NewMailbox creates an empty mailbox holding at most limit envelopes.
// A limit <= 0 means unbounded.
func NewMailbox(limit int) *Mailbox {
	return &Mailbox{
		limit: limit,
		wake:  make(chan struct{}, 1),
	}
}

// Push appends env to the mailbox and wakes the owner.
//
// Pushing past the limit closes the mailbox and reports ErrMailboxFull:
// a client that cannot keep up is treated as unreachable.
func (m *Mailbox) Push(env protocol.Envelope) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMailboxClosed
	}
	if m.limit > 0 && len(m.items) >= m.limit {
		m.closed = true
		m.overflow = true
		m.mu.Unlock()
		m.signal()
		return ErrMailboxFull
	}
	m.items = append(m.items, env)
	m.mu.Unlock()
	m.signal()
	return nil
}

func (m *Mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Drain removes and returns every pending envelope in push order.
func (m *Mailbox) Drain() []protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

// Close stops the mailbox from accepting envelopes and returns whatever
// was still pending. Close is idempotent.
func (m *Mailbox) Close() []protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	items := m.items
	m.items = nil
	return items
}

// Wake returns a channel that receives after each successful Push.
// Wake-ups coalesce; one receive may stand for many pushes.
func (m *Mailbox) Wake() <-chan struct{} {
	return m.wake
}

// Len returns the number of pending envelopes.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Closed reports whether the mailbox refuses new envelopes.
func (m *Mailbox) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Overflowed reports whether the mailbox was closed by exceeding its limit.
func (m *Mailbox) Overflowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overflow
}
