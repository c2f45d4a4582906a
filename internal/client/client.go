// Package client is a Go client for the tablesync wire protocol.
//
// Example:
//
//	c, err := client.Dial(ctx, "127.0.0.1:8080")
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	id, table, err := c.Handshake("alice")
//	...
//	err = c.Update(map[string]value.Value{"x": value.Number(1)})
//	env, err := c.Receive()
package client

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/dreamware/tablesync/internal/protocol"
	"github.com/dreamware/tablesync/internal/value"
	"github.com/dreamware/tablesync/internal/wsconn"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

var (
	// ErrRejected is returned when the server refuses the handshake.
	ErrRejected = errors.New("handshake rejected")
	// ErrUnexpected is returned when the server answers with the wrong message.
	ErrUnexpected = errors.New("unexpected response")
	// ErrNoDeadline is returned when the transport does not support deadlines.
	ErrNoDeadline = errors.New("transport has no read deadline")
)

// Client speaks the framed protocol over one connection.
// Sends and receives may run on different goroutines.
type Client struct {
	conn     io.ReadWriteCloser
	maxFrame int

	wmu sync.Mutex
	rmu sync.Mutex

	mu   sync.RWMutex
	id   uint64
	name string
}

// New wraps an established connection.
func New(conn io.ReadWriteCloser) *Client {
	return &Client{
		conn:     conn,
		maxFrame: protocol.DefaultMaxFrameSize,
	}
}

// Dial connects over TCP.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s failed", addr)
	}
	return New(conn), nil
}

// DialWebSocket connects to a server's WebSocket endpoint, e.g.
// ws://127.0.0.1:9090/ws.
func DialWebSocket(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s failed", url)
	}
	return New(wsconn.New(ws)), nil
}

// DialRetry calls dial with exponential backoff until it succeeds, ctx
// ends, or maxElapsed passes. A zero maxElapsed retries until ctx ends.
func DialRetry(ctx context.Context, maxElapsed time.Duration, dial func(context.Context) (*Client, error)) (*Client, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = maxElapsed

	var c *Client
	op := func() error {
		var err error
		c, err = dial(ctx)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return c, nil
}

// ID returns the identifier assigned by the handshake.
func (c *Client) ID() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Name returns the display name sent in the handshake.
func (c *Client) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// Handshake authenticates as name and returns the assigned identifier and
// the table snapshot. A refusal is reported as ErrRejected; the server
// closes the connection after it.
func (c *Client) Handshake(name string) (uint64, map[string]value.Value, error) {
	if err := c.Send(protocol.Handshake(name)); err != nil {
		return 0, nil, err
	}
	env, err := c.Receive()
	if err != nil {
		return 0, nil, errors.Wrap(err, "read handshake response failed")
	}
	if env.Type != protocol.TypeHandshake {
		return 0, nil, errors.Wrapf(ErrUnexpected, "got %q", env.Type)
	}
	if env.Status != protocol.StatusOK {
		return 0, nil, errors.Wrap(ErrRejected, env.Message)
	}
	if env.ID == nil {
		return 0, nil, errors.Wrap(ErrUnexpected, "handshake response has no id")
	}

	c.mu.Lock()
	c.id = *env.ID
	c.name = name
	c.mu.Unlock()

	table := env.Table
	if table == nil {
		table = map[string]value.Value{}
	}
	return *env.ID, table, nil
}

// Update sends delta to be merged into the shared table.
func (c *Client) Update(delta map[string]value.Value) error {
	return c.Send(protocol.Update(delta))
}

// Send writes one envelope.
func (c *Client) Send(env protocol.Envelope) error {
	payload, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	return c.SendRaw(payload)
}

// SendRaw frames and writes an arbitrary payload.
func (c *Client) SendRaw(payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := protocol.WriteFrame(c.conn, payload); err != nil {
		return errors.Wrap(err, "send failed")
	}
	return nil
}

// Receive blocks for the next envelope from the server.
// io.EOF means the server closed the connection.
func (c *Client) Receive() (protocol.Envelope, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	payload, err := protocol.ReadFrame(c.conn, c.maxFrame)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Decode(payload)
}

// SetReadDeadline bounds the next Receive calls.
func (c *Client) SetReadDeadline(t time.Time) error {
	d, ok := c.conn.(interface{ SetReadDeadline(time.Time) error })
	if !ok {
		return ErrNoDeadline
	}
	return d.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
