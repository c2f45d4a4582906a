package hub

import (
	"sync"

	"github.com/dreamware/tablesync/internal/protocol"
	"github.com/dreamware/tablesync/internal/session"
	"github.com/dreamware/tablesync/internal/storage"
	"github.com/dreamware/tablesync/internal/value"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// Hub ties the shared table to the registry of live connections.
// Every applied update is fanned out once, to every other authenticated
// peer's mailbox, in the order updates were applied.
//
// Lock ordering:
//
//	publishMu ──► table lock (released) ──► registry lock (released) ──► each mailbox lock
//
// The table and registry locks are never held together.
type Hub struct {
	table    storage.Table
	registry *Registry
	echo     bool

	// publishMu serializes merges with their fan-out and with admissions,
	// so mailboxes receive deltas in revision order.
	publishMu sync.Mutex
}

// Option configures a Hub.
type Option func(*Hub)

// WithEcho makes the originating peer receive its own updates as well.
func WithEcho(echo bool) Option {
	return func(h *Hub) {
		h.echo = echo
	}
}

// New creates a hub over table and registry.
func New(table storage.Table, registry *Registry, opts ...Option) *Hub {
	h := &Hub{
		table:    table,
		registry: registry,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Table returns the shared table.
func (h *Hub) Table() storage.Table { return h.table }

// Registry returns the connection registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Echo reports whether origins receive their own updates.
func (h *Hub) Echo() bool { return h.echo }

// Join registers p.
func (h *Hub) Join(p Peer) error {
	return h.registry.Add(p)
}

// Leave deregisters the peer with the given id.
func (h *Hub) Leave(id uint64) {
	if h.registry.Remove(id) {
		logger.WithField("conn", id).Debug("Peer left")
	}
}

// Admit calls fn with a table snapshot while no update can be published.
// A peer marked authenticated inside fn receives every update applied
// after its snapshot and none applied before it.
func (h *Hub) Admit(fn func(snapshot map[string]value.Value)) {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()
	fn(h.table.Snapshot())
}

// Publish merges delta into the table and queues it on every other
// authenticated peer (and on origin when echo is enabled).
//
// Delivery never blocks. A peer whose mailbox is closed is leaving and is
// skipped; a peer whose mailbox overflows terminates itself.
func (h *Hub) Publish(origin uint64, delta map[string]value.Value) {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	revision := h.table.Merge(delta)
	entry := logger.WithFields(logrus.Fields{
		"conn":     origin,
		"revision": revision,
		"keys":     len(delta),
	})
	if len(delta) == 0 {
		entry.Debug("Empty update applied")
		return
	}

	shared := make(map[string]value.Value, len(delta))
	for k, v := range delta {
		shared[k] = v
	}
	env := protocol.UpdateOK(shared)

	delivered := 0
	for _, p := range h.registry.Peers() {
		if p.ID() == origin && !h.echo {
			continue
		}
		if !p.Authenticated() {
			continue
		}
		err := p.Deliver(env)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, session.ErrMailboxFull):
			entry.WithField("peer", p.ID()).Warn("Peer cannot keep up, dropping it")
		default:
			entry.WithField("peer", p.ID()).WithError(err).Debug("Fan-out skipped departed peer")
		}
	}
	entry.WithField("delivered", delivered).Debug("Update applied")
}
