package session

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dreamware/tablesync/internal/protocol"
	"github.com/dreamware/tablesync/internal/storage"
	"github.com/dreamware/tablesync/internal/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ioTimeout = 2 * time.Second

// fakeHub records what sessions report and serializes admission the way
// the real hub does.
type fakeHub struct {
	mu        sync.Mutex
	table     *storage.MemoryTable
	published []map[string]value.Value
	left      []uint64
}

func newFakeHub() *fakeHub {
	return &fakeHub{table: storage.NewMemoryTable()}
}

func (h *fakeHub) Admit(fn func(map[string]value.Value)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h.table.Snapshot())
}

func (h *fakeHub) Publish(origin uint64, delta map[string]value.Value) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.table.Merge(delta)
	h.published = append(h.published, delta)
}

func (h *fakeHub) Leave(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.left = append(h.left, id)
}

func (h *fakeHub) publishedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.published)
}

func (h *fakeHub) leftIDs() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint64(nil), h.left...)
}

type harness struct {
	session *Session
	client  net.Conn
	result  chan error
	cancel  context.CancelFunc
}

func start(t *testing.T, hub Hub, opts Options) *harness {
	t.Helper()
	server, client := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	s := New(7, server, hub, opts)
	result := make(chan error, 1)
	go func() { result <- s.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		client.Close()
		<-s.Done()
	})
	return &harness{session: s, client: client, result: result, cancel: cancel}
}

func (h *harness) send(t *testing.T, env protocol.Envelope) {
	t.Helper()
	frame, err := protocol.Encode(env)
	require.NoError(t, err)
	h.sendRaw(t, frame)
}

func (h *harness) sendRaw(t *testing.T, data []byte) {
	t.Helper()
	require.NoError(t, h.client.SetWriteDeadline(time.Now().Add(ioTimeout)))
	_, err := h.client.Write(data)
	require.NoError(t, err)
}

func (h *harness) recv(t *testing.T) protocol.Envelope {
	t.Helper()
	require.NoError(t, h.client.SetReadDeadline(time.Now().Add(ioTimeout)))
	payload, err := protocol.ReadFrame(h.client, 0)
	require.NoError(t, err)
	env, err := protocol.Decode(payload)
	require.NoError(t, err)
	return env
}

func (h *harness) expectClosed(t *testing.T) {
	t.Helper()
	require.NoError(t, h.client.SetReadDeadline(time.Now().Add(ioTimeout)))
	_, err := protocol.ReadFrame(h.client, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.result:
		return err
	case <-time.After(ioTimeout):
		t.Fatal("session did not stop")
		return nil
	}
}

func (h *harness) handshake(t *testing.T, name string) protocol.Envelope {
	t.Helper()
	h.send(t, protocol.Handshake(name))
	resp := h.recv(t)
	require.Equal(t, protocol.StatusOK, resp.Status, resp.Message)
	return resp
}

// TestHandshake tests the authentication step of a connection
func TestHandshake(t *testing.T) {
	t.Run("valid name on empty table", func(t *testing.T) {
		h := start(t, newFakeHub(), Options{})

		resp := h.handshake(t, "alice")
		assert.Equal(t, protocol.TypeHandshake, resp.Type)
		require.NotNil(t, resp.ID)
		assert.Equal(t, uint64(7), *resp.ID)
		assert.NotNil(t, resp.Table)
		assert.Empty(t, resp.Table)
		assert.False(t, resp.Terminate)

		assert.Equal(t, "alice", h.session.Name())
		assert.True(t, h.session.Authenticated())
		assert.Equal(t, StateAuthenticated, h.session.State())
	})

	t.Run("snapshot carries the current table", func(t *testing.T) {
		hub := newFakeHub()
		hub.table.Merge(map[string]value.Value{
			"x":    value.Number(1),
			"list": value.Array(value.String("a"), value.Bool(false)),
		})
		h := start(t, hub, Options{})

		resp := h.handshake(t, "bob")
		assert.True(t, value.Equal(value.Object(hub.table.Snapshot()), value.Object(resp.Table)))
	})

	invalid := []string{"", "a!", "two words", "under_score", "dash-ed"}
	for _, name := range invalid {
		t.Run("rejects "+name, func(t *testing.T) {
			hub := newFakeHub()
			h := start(t, hub, Options{})

			h.send(t, protocol.Handshake(name))
			resp := h.recv(t)
			assert.Equal(t, protocol.TypeHandshake, resp.Type)
			assert.Equal(t, protocol.StatusError, resp.Status)
			assert.Equal(t, ErrInvalidName.Error(), resp.Message)
			assert.True(t, resp.Terminate)

			h.expectClosed(t)
			assert.NoError(t, h.wait(t))
			assert.Equal(t, StateRejected, h.session.State())
			assert.Equal(t, []uint64{7}, hub.leftIDs())
		})
	}

	t.Run("missing name is rejected", func(t *testing.T) {
		h := start(t, newFakeHub(), Options{})
		h.sendRaw(t, protocol.AppendFrame(nil, []byte(`{"type":"handshake","name":42}`)))

		resp := h.recv(t)
		assert.Equal(t, protocol.StatusError, resp.Status)
		assert.True(t, resp.Terminate)
		h.expectClosed(t)
	})

	t.Run("messages after a rejection are ignored", func(t *testing.T) {
		hub := newFakeHub()
		h := start(t, hub, Options{})

		first, err := protocol.Encode(protocol.Handshake("a!"))
		require.NoError(t, err)
		second, err := protocol.Encode(protocol.Update(map[string]value.Value{"x": value.Number(1)}))
		require.NoError(t, err)
		h.sendRaw(t, append(first, second...))

		resp := h.recv(t)
		assert.True(t, resp.Terminate)
		h.expectClosed(t)
		assert.Zero(t, hub.publishedCount())
	})

	t.Run("second handshake fails without closing", func(t *testing.T) {
		h := start(t, newFakeHub(), Options{})
		h.handshake(t, "alice")

		h.send(t, protocol.Handshake("mallory"))
		resp := h.recv(t)
		assert.Equal(t, protocol.TypeHandshake, resp.Type)
		assert.Equal(t, protocol.StatusError, resp.Status)
		assert.Equal(t, ErrAlreadyAuthenticated.Error(), resp.Message)
		assert.False(t, resp.Terminate)
		assert.Equal(t, "alice", h.session.Name())

		// still usable
		h.send(t, protocol.Handshake("again"))
		assert.Equal(t, protocol.StatusError, h.recv(t).Status)
	})
}

// TestProtocolErrors verifies recoverable errors keep the connection open
func TestProtocolErrors(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantType string
	}{
		{"update before handshake", `{"type":"update","table":{"x":1}}`, protocol.TypeUpdate},
		{"missing type", `{"name":"alice"}`, protocol.TypeError},
		{"non-string type", `{"type":3}`, protocol.TypeError},
		{"unknown type", `{"type":"delete","key":"x"}`, "delete"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := newFakeHub()
			h := start(t, hub, Options{})

			h.sendRaw(t, protocol.AppendFrame(nil, []byte(tt.payload)))
			resp := h.recv(t)
			assert.Equal(t, tt.wantType, resp.Type)
			assert.Equal(t, protocol.StatusError, resp.Status)
			assert.NotEmpty(t, resp.Message)
			assert.False(t, resp.Terminate)

			// the connection survives and can still authenticate
			h.handshake(t, "alice")
			assert.Zero(t, hub.publishedCount())
		})
	}

	t.Run("update without table", func(t *testing.T) {
		h := start(t, newFakeHub(), Options{})
		h.handshake(t, "alice")

		h.sendRaw(t, protocol.AppendFrame(nil, []byte(`{"type":"update","table":"x"}`)))
		resp := h.recv(t)
		assert.Equal(t, protocol.TypeUpdate, resp.Type)
		assert.Equal(t, protocol.ErrMissingTable.Error(), resp.Message)
	})
}

// TestFramingErrors verifies malformed frames are skipped
func TestFramingErrors(t *testing.T) {
	t.Run("malformed payload", func(t *testing.T) {
		h := start(t, newFakeHub(), Options{})
		h.sendRaw(t, protocol.AppendFrame(nil, []byte(`{"type":`)))
		h.sendRaw(t, protocol.AppendFrame(nil, []byte(`[1,2]`)))
		h.handshake(t, "alice")
	})

	t.Run("oversized frame", func(t *testing.T) {
		h := start(t, newFakeHub(), Options{MaxFrameSize: 64})
		big := make([]byte, 200)
		for i := range big {
			big[i] = 'x'
		}
		h.sendRaw(t, protocol.AppendFrame(nil, big))
		h.handshake(t, "alice")
	})

	t.Run("frame split across writes", func(t *testing.T) {
		h := start(t, newFakeHub(), Options{})
		frame, err := protocol.Encode(protocol.Handshake("carol"))
		require.NoError(t, err)
		for i := range frame {
			h.sendRaw(t, frame[i:i+1])
		}
		resp := h.recv(t)
		assert.Equal(t, protocol.StatusOK, resp.Status)
	})
}

// TestUpdate tests that updates reach the hub
func TestUpdate(t *testing.T) {
	t.Run("update is published", func(t *testing.T) {
		hub := newFakeHub()
		h := start(t, hub, Options{})
		h.handshake(t, "alice")

		h.send(t, protocol.Update(map[string]value.Value{"x": value.Number(1)}))
		require.Eventually(t, func() bool { return hub.publishedCount() == 1 }, ioTimeout, 5*time.Millisecond)

		x, err := hub.table.Get("x")
		require.NoError(t, err)
		assert.True(t, value.Equal(value.Number(1), x))
	})

	t.Run("empty update gets no reply", func(t *testing.T) {
		hub := newFakeHub()
		h := start(t, hub, Options{})
		h.handshake(t, "alice")

		h.send(t, protocol.Update(nil))
		require.Eventually(t, func() bool { return hub.publishedCount() == 1 }, ioTimeout, 5*time.Millisecond)

		// the next frame the client sees answers the following message
		h.sendRaw(t, protocol.AppendFrame(nil, []byte(`{"type":"bogus"}`)))
		resp := h.recv(t)
		assert.Equal(t, "bogus", resp.Type)
	})
}

// TestDelivery tests envelopes queued by other components
func TestDelivery(t *testing.T) {
	t.Run("delivered in order", func(t *testing.T) {
		h := start(t, newFakeHub(), Options{})
		h.handshake(t, "alice")

		for i := 0; i < 10; i++ {
			require.NoError(t, h.session.Deliver(numbered(i)))
		}
		for i := 0; i < 10; i++ {
			env := h.recv(t)
			n, _ := env.Table["n"].AsNumber()
			assert.Equal(t, float64(i), n)
		}
	})

	t.Run("terminate directive closes the connection", func(t *testing.T) {
		hub := newFakeHub()
		h := start(t, hub, Options{})
		h.handshake(t, "alice")

		require.NoError(t, h.session.Deliver(numbered(1)))
		require.NoError(t, h.session.Terminate())

		assert.Equal(t, protocol.TypeUpdate, h.recv(t).Type)
		env := h.recv(t)
		assert.True(t, env.Terminate)
		assert.Empty(t, env.Type)

		h.expectClosed(t)
		assert.NoError(t, h.wait(t))
		assert.Equal(t, []uint64{7}, hub.leftIDs())
		assert.ErrorIs(t, h.session.Deliver(numbered(2)), ErrMailboxClosed)
	})

	t.Run("reject before handshake", func(t *testing.T) {
		h := start(t, newFakeHub(), Options{})

		require.NoError(t, h.session.Reject("handshake timeout"))
		env := h.recv(t)
		assert.Equal(t, protocol.StatusError, env.Status)
		assert.Equal(t, "handshake timeout", env.Message)
		assert.True(t, env.Terminate)
		h.expectClosed(t)
	})

	t.Run("reject after handshake is a no-op", func(t *testing.T) {
		h := start(t, newFakeHub(), Options{})
		h.handshake(t, "alice")

		require.NoError(t, h.session.Reject("handshake timeout"))
		assert.Equal(t, StateAuthenticated, h.session.State())
		assert.Zero(t, h.session.Pending())
	})
}

// TestTermination tests the other ways a session ends
func TestTermination(t *testing.T) {
	t.Run("peer closes", func(t *testing.T) {
		hub := newFakeHub()
		h := start(t, hub, Options{})
		h.handshake(t, "alice")

		require.NoError(t, h.client.Close())
		assert.NoError(t, h.wait(t))
		assert.Equal(t, []uint64{7}, hub.leftIDs())
	})

	t.Run("context cancelled", func(t *testing.T) {
		h := start(t, newFakeHub(), Options{})
		h.cancel()
		h.expectClosed(t)
		assert.NoError(t, h.wait(t))
	})

	t.Run("stalled client is dropped", func(t *testing.T) {
		hub := newFakeHub()
		h := start(t, hub, Options{MailboxSize: 4, WriteTimeout: 50 * time.Millisecond})

		// the client never reads, so the first write stalls and the rest pile up
		for i := 0; i < 50; i++ {
			_ = h.session.Deliver(numbered(i))
		}
		assert.Error(t, h.wait(t))
		assert.Equal(t, []uint64{7}, hub.leftIDs())
	})
}

// TestStateString tests State names
func TestStateString(t *testing.T) {
	assert.Equal(t, "unauthenticated", StateUnauthenticated.String())
	assert.Equal(t, "authenticated", StateAuthenticated.String())
	assert.Equal(t, "rejected", StateRejected.String())
	assert.Equal(t, "state(9)", State(9).String())
}
