package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dreamware/tablesync/internal/log"
	"github.com/dreamware/tablesync/internal/protocol"
	"github.com/dreamware/tablesync/internal/value"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// readBufferSize is the size of a single socket read.
const readBufferSize = 4096

var (
	// ErrAlreadyAuthenticated is returned for a second handshake on one connection.
	ErrAlreadyAuthenticated = errors.New("handshake already completed")
	// ErrNotAuthenticated is returned for an update sent before the handshake.
	ErrNotAuthenticated = errors.New("handshake required")
	// ErrInvalidName is returned when a handshake carries an unusable display name.
	ErrInvalidName = errors.New("invalid client name")
	// ErrWriteFailed wraps socket write errors that end a session.
	ErrWriteFailed = errors.New("write failed")
)

// State is the handshake state of a connection.
type State int32

const (
	// StateUnauthenticated accepts only a handshake.
	StateUnauthenticated State = iota
	// StateAuthenticated accepts updates.
	StateAuthenticated
	// StateRejected processes nothing further; the connection is closing.
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Conn is the byte stream a session runs over. *net.TCPConn satisfies it,
// as does the WebSocket adapter in package wsconn.
type Conn interface {
	io.ReadWriteCloser
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

// Hub is the shared state a session reports to.
type Hub interface {
	// Admit calls fn with a snapshot of the table. No update is published
	// while fn runs, so a session admitted inside fn sees every later update.
	Admit(fn func(snapshot map[string]value.Value))
	// Publish merges delta into the table and fans it out on behalf of origin.
	Publish(origin uint64, delta map[string]value.Value)
	// Leave deregisters the session with the given id.
	Leave(id uint64)
}

// Options tune a session's processing loop.
type Options struct {
	PollInterval time.Duration
	WriteTimeout time.Duration
	MaxFrameSize int
	MailboxSize  int
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		PollInterval: 20 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
		MaxFrameSize: protocol.DefaultMaxFrameSize,
		MailboxSize:  1024,
	}
}

// Session is one client connection: its handshake state, its mailbox and
// the loop that moves bytes between the socket and the hub.
type Session struct {
	id          uint64
	uuid        uuid.UUID
	conn        Conn
	hub         Hub
	opts        Options
	mailbox     *Mailbox
	framer      *protocol.Framer
	connectedAt time.Time
	log         logrus.FieldLogger

	mu    sync.RWMutex
	name  string
	state State

	done chan struct{}
}

// New creates a session for conn with the given identifier.
// The session does nothing until Run is called.
func New(id uint64, conn Conn, hub Hub, opts Options) *Session {
	defaults := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = defaults.MaxFrameSize
	}

	sid := uuid.New()
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	return &Session{
		id:          id,
		uuid:        sid,
		conn:        conn,
		hub:         hub,
		opts:        opts,
		mailbox:     NewMailbox(opts.MailboxSize),
		framer:      protocol.NewFramer(opts.MaxFrameSize),
		connectedAt: time.Now(),
		log: logger.WithFields(logrus.Fields{
			"conn":    id,
			"session": sid.String(),
			"remote":  remote,
		}),
		state: StateUnauthenticated,
		done:  make(chan struct{}),
	}
}

// ID returns the connection identifier.
func (s *Session) ID() uint64 { return s.id }

// SessionID returns the random identifier used to correlate log lines.
func (s *Session) SessionID() uuid.UUID { return s.uuid }

// ConnectedAt returns the accept time.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Remote returns the peer address, or "" when unknown.
func (s *Session) Remote() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Name returns the display name, empty until the handshake succeeds.
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// State returns the handshake state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Authenticated reports whether the handshake succeeded.
func (s *Session) Authenticated() bool {
	return s.State() == StateAuthenticated
}

// Pending returns the number of envelopes waiting in the mailbox.
func (s *Session) Pending() int {
	return s.mailbox.Len()
}

// Deliver queues env for the client.
func (s *Session) Deliver(env protocol.Envelope) error {
	return s.mailbox.Push(env)
}

// Terminate queues the bare terminate directive. The loop closes the
// connection once everything queued before it has been written.
func (s *Session) Terminate() error {
	return s.mailbox.Push(protocol.Terminate())
}

// Reject queues a handshake rejection carrying message, which also
// terminates the connection. It is a no-op once the handshake succeeded.
func (s *Session) Reject(message string) error {
	if !s.transition(StateRejected) {
		return nil
	}
	return s.mailbox.Push(protocol.HandshakeRejected(message))
}

// transition leaves the unauthenticated state. It reports false when the
// handshake was already decided.
func (s *Session) transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUnauthenticated {
		return false
	}
	s.state = to
	return true
}

// Done is closed when Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run processes the connection until a terminal condition: the peer closes
// the stream, a write fails, a terminate directive is sent, or ctx ends.
// On return the socket is closed and the session has left the hub.
//
// Run returns nil for orderly endings and the transport error otherwise.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)

	chunks := make(chan []byte, 16)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.readLoop(chunks, readErr, stop)
	}()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	s.log.Debug("Session started")

	var reason error
	skipFlush := false
loop:
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				reason = <-readErr
				break loop
			}
			s.consume(chunk)
		case <-s.mailbox.Wake():
		case <-ticker.C:
		case <-ctx.Done():
			reason = ctx.Err()
			break loop
		}

		done, err := s.flush(s.mailbox.Drain())
		if err != nil {
			reason = err
			skipFlush = true
			break loop
		}
		if done {
			skipFlush = true
			break loop
		}
		if s.mailbox.Overflowed() {
			reason = ErrMailboxFull
			skipFlush = true
			break loop
		}
	}

	pending := s.mailbox.Close()
	if !skipFlush {
		if _, err := s.flush(pending); err != nil {
			s.log.WithError(err).Debug("Final flush failed")
		}
	}

	close(stop)
	if err := s.conn.Close(); err != nil {
		s.log.WithError(err).Trace("Close failed")
	}
	<-readerDone
	s.hub.Leave(s.id)

	reason = normalize(reason)
	entry := s.log.WithField("name", s.Name())
	if reason != nil {
		entry.WithError(reason).Info("Connection closed")
	} else {
		entry.Info("Connection closed")
	}
	return reason
}

// normalize maps orderly endings to nil.
func normalize(err error) error {
	switch {
	case err == nil,
		errors.Is(err, io.EOF),
		errors.Is(err, context.Canceled),
		errors.Is(err, net.ErrClosed):
		return nil
	}
	return err
}

// readLoop turns blocking reads into chunks for the processing loop.
func (s *Session) readLoop(chunks chan<- []byte, readErr chan<- error, stop <-chan struct{}) {
	defer close(chunks)
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case chunks <- chunk:
			case <-stop:
				readErr <- net.ErrClosed
				return
			}
		}
		if err != nil {
			readErr <- err
			return
		}
	}
}

// consume frames a chunk and handles each complete message in order.
func (s *Session) consume(chunk []byte) {
	for _, frame := range s.framer.Push(chunk) {
		if s.State() == StateRejected {
			return
		}
		if frame.Err != nil {
			s.log.WithError(frame.Err).Warn("Discarding frame")
			continue
		}
		env, err := protocol.Decode(frame.Payload)
		if err != nil {
			s.log.WithError(err).Warn("Discarding malformed message")
			continue
		}
		s.log.WithFields(log.EnvelopeToFields(env)).Trace("Received message")
		if err := s.handle(env); err != nil {
			s.log.WithError(err).WithFields(log.EnvelopeToFields(env)).Warn("Message rejected")
		}
	}
}

// handle applies one decoded message to the session state.
// The returned error describes a protocol or rejection error; the
// matching response has already been queued.
func (s *Session) handle(env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeHandshake:
		return s.handshake(env)
	case protocol.TypeUpdate:
		return s.update(env)
	case "":
		s.respond(protocol.Failure("", protocol.ErrMissingType.Error()))
		return protocol.ErrMissingType
	default:
		err := errors.Wrapf(protocol.ErrUnknownType, "%q", env.Type)
		s.respond(protocol.Failure(env.Type, err.Error()))
		return err
	}
}

func (s *Session) handshake(env protocol.Envelope) error {
	switch s.State() {
	case StateAuthenticated:
		s.respond(protocol.Failure(protocol.TypeHandshake, ErrAlreadyAuthenticated.Error()))
		return ErrAlreadyAuthenticated
	case StateRejected:
		return nil
	}

	if !protocol.ValidName(env.Name) {
		if s.transition(StateRejected) {
			s.respond(protocol.HandshakeRejected(ErrInvalidName.Error()))
		}
		return errors.Wrapf(ErrInvalidName, "%q", env.Name)
	}

	admitted := false
	s.hub.Admit(func(snapshot map[string]value.Value) {
		if !s.transition(StateAuthenticated) {
			return
		}
		s.mu.Lock()
		s.name = env.Name
		s.mu.Unlock()
		admitted = true
		s.respond(protocol.HandshakeOK(s.id, snapshot))
	})
	if admitted {
		s.log.WithField("name", env.Name).Info("Client authenticated")
	}
	return nil
}

func (s *Session) update(env protocol.Envelope) error {
	if !s.Authenticated() {
		s.respond(protocol.Failure(protocol.TypeUpdate, ErrNotAuthenticated.Error()))
		return ErrNotAuthenticated
	}
	if env.Table == nil {
		s.respond(protocol.Failure(protocol.TypeUpdate, protocol.ErrMissingTable.Error()))
		return protocol.ErrMissingTable
	}
	s.hub.Publish(s.id, env.Table)
	return nil
}

// respond queues a reply to this client.
func (s *Session) respond(env protocol.Envelope) {
	if err := s.mailbox.Push(env); err != nil {
		s.log.WithError(err).Debug("Reply dropped")
	}
}

// flush writes envs in order. It reports done once a terminate directive
// has been written.
func (s *Session) flush(envs []protocol.Envelope) (bool, error) {
	for _, env := range envs {
		if err := s.write(env); err != nil {
			return false, err
		}
		if env.Terminate {
			return true, nil
		}
	}
	return false, nil
}

func (s *Session) write(env protocol.Envelope) error {
	frame, err := protocol.Encode(env)
	if err != nil {
		s.log.WithError(err).Error("Dropping unencodable message")
		return nil
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return errors.Wrap(ErrWriteFailed, err.Error())
	}
	if _, err := s.conn.Write(frame); err != nil {
		return errors.Wrap(ErrWriteFailed, err.Error())
	}
	s.log.WithFields(log.EnvelopeToFields(env)).Trace("Sent message")
	return nil
}
