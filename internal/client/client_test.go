package client

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/dreamware/tablesync/internal/protocol"
	"github.com/dreamware/tablesync/internal/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scripted runs fn as the server end of a pipe.
func scripted(t *testing.T, fn func(conn net.Conn)) *Client {
	t.Helper()
	server, client := net.Pipe()
	go func() {
		defer server.Close()
		fn(server)
	}()
	c := New(client)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	return c
}

func readEnvelope(t *testing.T, conn net.Conn) protocol.Envelope {
	payload, err := protocol.ReadFrame(conn, 0)
	if err != nil {
		t.Errorf("server read failed: %v", err)
		return protocol.Envelope{}
	}
	env, err := protocol.Decode(payload)
	if err != nil {
		t.Errorf("server decode failed: %v", err)
	}
	return env
}

func writeEnvelope(t *testing.T, conn net.Conn, env protocol.Envelope) {
	frame, err := protocol.Encode(env)
	if err != nil {
		t.Errorf("encode failed: %v", err)
		return
	}
	if _, err := conn.Write(frame); err != nil {
		t.Errorf("server write failed: %v", err)
	}
}

// TestHandshake tests the client side of authentication
func TestHandshake(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		c := scripted(t, func(conn net.Conn) {
			req := readEnvelope(t, conn)
			assert.Equal(t, protocol.TypeHandshake, req.Type)
			assert.Equal(t, "alice", req.Name)
			writeEnvelope(t, conn, protocol.HandshakeOK(4, map[string]value.Value{"x": value.Number(1)}))
		})

		id, table, err := c.Handshake("alice")
		require.NoError(t, err)
		assert.Equal(t, uint64(4), id)
		assert.Equal(t, uint64(4), c.ID())
		assert.Equal(t, "alice", c.Name())
		assert.True(t, value.Equal(value.Number(1), table["x"]))
	})

	t.Run("rejected", func(t *testing.T) {
		c := scripted(t, func(conn net.Conn) {
			readEnvelope(t, conn)
			writeEnvelope(t, conn, protocol.HandshakeRejected("invalid client name"))
		})

		_, _, err := c.Handshake("a!")
		assert.ErrorIs(t, err, ErrRejected)
		assert.Contains(t, err.Error(), "invalid client name")
	})

	t.Run("wrong response type", func(t *testing.T) {
		c := scripted(t, func(conn net.Conn) {
			readEnvelope(t, conn)
			writeEnvelope(t, conn, protocol.UpdateOK(nil))
		})

		_, _, err := c.Handshake("bob")
		assert.ErrorIs(t, err, ErrUnexpected)
	})

	t.Run("server hangs up", func(t *testing.T) {
		c := scripted(t, func(conn net.Conn) {
			readEnvelope(t, conn)
		})

		_, _, err := c.Handshake("bob")
		assert.ErrorIs(t, err, io.EOF)
	})
}

// TestUpdateAndReceive tests sending deltas and reading fan-out
func TestUpdateAndReceive(t *testing.T) {
	c := scripted(t, func(conn net.Conn) {
		req := readEnvelope(t, conn)
		assert.Equal(t, protocol.TypeUpdate, req.Type)
		writeEnvelope(t, conn, protocol.UpdateOK(req.Table))
	})

	require.NoError(t, c.Update(map[string]value.Value{"k": value.String("v")}))
	env, err := c.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, env.Status)
	assert.True(t, value.Equal(value.String("v"), env.Table["k"]))

	_, err = c.Receive()
	assert.ErrorIs(t, err, io.EOF)
}

// TestDialRetry tests reconnecting until the server comes up
func TestDialRetry(t *testing.T) {
	// reserve a port, then release it so the first attempts fail
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	go func() {
		time.Sleep(300 * time.Millisecond)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return
		}
		defer l.Close()
		conn, err := l.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	attempts := 0
	c, err := DialRetry(ctx, 0, func(ctx context.Context) (*Client, error) {
		attempts++
		return Dial(ctx, addr)
	})
	require.NoError(t, err)
	defer c.Close()
	assert.Greater(t, attempts, 1)
}

// TestDialRetryGivesUp tests that the elapsed limit is honored
func TestDialRetryGivesUp(t *testing.T) {
	ctx := context.Background()
	_, err := DialRetry(ctx, 200*time.Millisecond, func(ctx context.Context) (*Client, error) {
		return nil, assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
}
