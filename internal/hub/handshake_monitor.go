package hub

import (
	"context"
	"sync"
	"time"
)

// HandshakeTimeoutMessage is the rejection message sent to connections that
// never completed the handshake.
const HandshakeTimeoutMessage = "handshake timeout"

// minCheckInterval bounds how often the monitor scans the registry.
const minCheckInterval = 10 * time.Millisecond

// HandshakeMonitor periodically rejects connections that stay
// unauthenticated longer than a timeout.
// Thread-safe: All methods are safe for concurrent access.
type HandshakeMonitor struct {
	onExpired func(p Peer)       // Callback for an expired peer
	now       func() time.Time   // Clock, replaceable in tests
	expired   map[uint64]bool    // Peers already handled
	ctx       context.Context    // Context for cancellation
	cancel    context.CancelFunc // Cancel function for shutdown
	timeout   time.Duration      // Allowed time to authenticate
	interval  time.Duration      // How often to scan
	mu        sync.Mutex         // Protects expired and onExpired
	wg        sync.WaitGroup     // Wait group for graceful shutdown
}

// NewHandshakeMonitor creates a monitor enforcing timeout. The registry
// is scanned four times per timeout period, and at least every 10ms.
//
// Example:
//
//	monitor := NewHandshakeMonitor(5 * time.Second)
//	monitor.Start(ctx, registry.Peers)
//	defer monitor.Stop()
func NewHandshakeMonitor(timeout time.Duration) *HandshakeMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	interval := timeout / 4
	if interval < minCheckInterval {
		interval = minCheckInterval
	}
	return &HandshakeMonitor{
		timeout:  timeout,
		interval: interval,
		now:      time.Now,
		expired:  make(map[uint64]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetOnExpired replaces the action taken for an expired peer.
// The default rejects it with HandshakeTimeoutMessage.
func (m *HandshakeMonitor) SetOnExpired(callback func(p Peer)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpired = callback
}

// Timeout returns the enforced handshake timeout.
func (m *HandshakeMonitor) Timeout() time.Duration {
	return m.timeout
}

// Start scans the peers returned by provider in the background until ctx
// is cancelled or Stop is called. It returns immediately; a Stop issued
// after Start returns waits for the scan loop to exit.
func (m *HandshakeMonitor) Start(ctx context.Context, provider func() []Peer) {
	if ctx == nil {
		ctx = m.ctx
	}
	m.wg.Add(1)
	go m.run(ctx, provider)
}

func (m *HandshakeMonitor) run(ctx context.Context, provider func() []Peer) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	logger.WithField("timeout", m.timeout).Debug("Handshake monitor started")

	for {
		select {
		case <-ticker.C:
			m.Check(provider())
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// Stop cancels a running Start and waits for it to return.
func (m *HandshakeMonitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Check handles every peer that has been unauthenticated for at least the
// timeout. Each peer is handled once. It returns the number handled.
func (m *HandshakeMonitor) Check(peers []Peer) int {
	now := m.now()

	m.mu.Lock()
	callback := m.onExpired
	current := make(map[uint64]bool, len(peers))
	var due []Peer
	for _, p := range peers {
		current[p.ID()] = true
		if p.Authenticated() || m.expired[p.ID()] {
			continue
		}
		if now.Sub(p.ConnectedAt()) >= m.timeout {
			m.expired[p.ID()] = true
			due = append(due, p)
		}
	}
	// forget peers that have left
	for id := range m.expired {
		if !current[id] {
			delete(m.expired, id)
		}
	}
	m.mu.Unlock()

	for _, p := range due {
		logger.WithField("conn", p.ID()).Info("Handshake timed out")
		if callback != nil {
			callback(p)
			continue
		}
		if err := p.Reject(HandshakeTimeoutMessage); err != nil {
			logger.WithField("conn", p.ID()).WithError(err).Debug("Reject failed")
		}
	}
	return len(due)
}
