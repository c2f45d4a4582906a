package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/tablesync/internal/config"
	"github.com/dreamware/tablesync/internal/hub"
	"github.com/dreamware/tablesync/internal/session"
	"github.com/dreamware/tablesync/internal/storage"
	"github.com/dreamware/tablesync/internal/value"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

var (
	// ErrConnectionNotFound is returned by Terminate for an unknown identifier.
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrServerClosed is returned after Shutdown.
	ErrServerClosed = errors.New("server closed")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("server already started")
)

// Accept backoff bounds for temporary errors.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Server accepts stream connections and runs a session for each.
type Server struct {
	cfg      config.Config
	table    storage.Table
	registry *hub.Registry
	hub      *hub.Hub
	monitor  *hub.HandshakeMonitor

	nextID atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	running  bool
	closed   bool
}

// Option configures a Server.
type Option func(*Server)

// WithTable replaces the in-memory table.
func WithTable(t storage.Table) Option {
	return func(s *Server) {
		s.table = t
	}
}

// WithListener makes Start serve l instead of binding the configured address.
func WithListener(l net.Listener) Option {
	return func(s *Server) {
		s.listener = l
	}
}

// New creates a server for cfg. Nothing is bound until Start.
func New(cfg config.Config, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		registry: hub.NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.table == nil {
		s.table = storage.NewMemoryTable()
	}
	s.hub = hub.New(s.table, s.registry, hub.WithEcho(cfg.Echo))
	if cfg.HandshakeTimeout > 0 {
		s.monitor = hub.NewHandshakeMonitor(cfg.HandshakeTimeout)
	}
	return s
}

// Start binds the listen address and starts accepting connections in the
// background. A bind failure is returned and nothing is started.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.running {
		return ErrAlreadyStarted
	}
	if s.listener == nil {
		addr := s.cfg.ListenAddr()
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return errors.Wrapf(err, "bind %s failed", addr)
		}
		s.listener = l
	}
	s.running = true
	s.wg.Add(1)
	go s.acceptLoop(s.listener)

	if s.monitor != nil {
		s.monitor.Start(s.ctx, s.registry.Peers)
	}

	logger.WithField("addr", s.listener.Addr().String()).Info("Server listening")
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(l net.Listener) {
	defer s.wg.Done()

	var delay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			if delay == 0 {
				delay = minAcceptDelay
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			logger.WithError(err).WithField("retry_in", delay).Warn("Accept failed")
			select {
			case <-time.After(delay):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		delay = 0
		if _, err := s.Serve(conn); err != nil {
			logger.WithError(err).Debug("Connection refused")
		}
	}
}

// Serve runs a session for an already established connection and returns
// it. The connection is registered before Serve returns.
func (s *Server) Serve(conn session.Conn) (*session.Session, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return nil, ErrServerClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	id := s.nextID.Add(1) - 1
	sess := session.New(id, conn, s.hub, session.Options{
		PollInterval: s.cfg.PollInterval,
		WriteTimeout: s.cfg.WriteTimeout,
		MaxFrameSize: s.cfg.MaxFrameSize,
		MailboxSize:  s.cfg.MailboxSize,
	})
	if err := s.hub.Join(sess); err != nil {
		s.wg.Done()
		_ = conn.Close()
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"conn":    id,
		"session": sess.SessionID().String(),
		"remote":  sess.Remote(),
	}).Info("Client connected")

	go func() {
		defer s.wg.Done()
		if err := sess.Run(s.ctx); err != nil {
			logger.WithField("conn", id).WithError(err).Warn("Connection dropped")
		}
	}()
	return sess, nil
}

// Shutdown stops accepting, ends every session and waits for them, or
// until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	l := s.listener
	s.mu.Unlock()

	var err error
	if l != nil {
		if cerr := l.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = errors.Wrap(cerr, "close listener failed")
		}
	}
	s.cancel()
	if s.monitor != nil {
		s.monitor.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("Server stopped")
		return err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "shutdown interrupted")
	}
}

// Hub returns the hub shared by every session.
func (s *Server) Hub() *hub.Hub { return s.hub }

// Config returns the configuration the server was created with.
func (s *Server) Config() config.Config { return s.cfg }

// Connections describes the live connections ordered by identifier.
func (s *Server) Connections() []hub.Info {
	return s.registry.Infos()
}

// Table returns a snapshot of the shared table.
func (s *Server) Table() map[string]value.Value {
	return s.table.Snapshot()
}

// TableStats returns the shared table's counters.
func (s *Server) TableStats() storage.TableStats {
	return s.table.Stats()
}

// Terminate queues the terminate directive on connection id.
func (s *Server) Terminate(id uint64) error {
	p, ok := s.registry.Get(id)
	if !ok {
		return errors.Wrapf(ErrConnectionNotFound, "id %d", id)
	}
	if err := p.Terminate(); err != nil {
		if errors.Is(err, session.ErrMailboxClosed) {
			return errors.Wrapf(ErrConnectionNotFound, "id %d is closing", id)
		}
		return errors.Wrapf(err, "terminate %d failed", id)
	}
	logger.WithField("conn", id).Info("Connection terminated by operator")
	return nil
}
