package hub

import (
	"cmp"
	"sync"
	"time"

	"github.com/dreamware/tablesync/internal/protocol"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// ErrDuplicatePeer is returned when a peer id is registered twice.
var ErrDuplicatePeer = errors.New("peer already registered")

// Peer is a live connection as seen by the hub. *session.Session
// implements it.
type Peer interface {
	ID() uint64
	Name() string
	Authenticated() bool
	ConnectedAt() time.Time
	Remote() string

	// Deliver queues env for the client without blocking.
	Deliver(env protocol.Envelope) error
	// Terminate queues the terminate directive.
	Terminate() error
	// Reject fails a pending handshake and closes the connection.
	Reject(message string) error
}

// Info is a point-in-time description of a peer, safe to hand to the
// console and the admin API.
type Info struct {
	ID            uint64    `json:"id"`
	Name          string    `json:"name"`
	Authenticated bool      `json:"authenticated"`
	Remote        string    `json:"remote,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
}

// InfoOf captures the current state of p.
func InfoOf(p Peer) Info {
	return Info{
		ID:            p.ID(),
		Name:          p.Name(),
		Authenticated: p.Authenticated(),
		Remote:        p.Remote(),
		ConnectedAt:   p.ConnectedAt(),
	}
}

// Registry indexes the live connections by identifier.
//
// Concurrency Model:
//   - One RWMutex guards the whole map
//   - Peers and Infos return snapshots; no lock is held while callers
//     use them
//   - The registry never calls into a peer while holding its lock,
//     except for the read-only accessors in Infos
type Registry struct {
	peers map[uint64]Peer
	mu    sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[uint64]Peer),
	}
}

// Add registers p under its id.
func (r *Registry) Add(p Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[p.ID()]; exists {
		return errors.Wrapf(ErrDuplicatePeer, "id %d", p.ID())
	}
	r.peers[p.ID()] = p
	return nil
}

// Remove deregisters the peer with the given id.
// It reports whether the peer was registered.
func (r *Registry) Remove(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[id]; !exists {
		return false
	}
	delete(r.peers, id)
	return true
}

// Get returns the peer with the given id.
func (r *Registry) Get(id uint64) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.peers[id]
	return p, ok
}

// Peers returns a snapshot of the registered peers ordered by id.
func (r *Registry) Peers() []Peer {
	r.mu.RLock()
	peers := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.RUnlock()

	slices.SortFunc(peers, func(a, b Peer) int {
		return cmp.Compare(a.ID(), b.ID())
	})
	return peers
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Infos describes every registered peer, ordered by id.
func (r *Registry) Infos() []Info {
	peers := r.Peers()
	infos := make([]Info, 0, len(peers))
	for _, p := range peers {
		infos = append(infos, InfoOf(p))
	}
	return infos
}
