package wsconn

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pair returns the server and client ends of a WebSocket connection.
func pair(t *testing.T) (*Conn, *Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	serverSide := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		serverSide <- ws
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	server := New(<-serverSide)
	client := New(ws)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

// TestStreamAcrossMessages verifies reads ignore message boundaries
func TestStreamAcrossMessages(t *testing.T) {
	server, client := pair(t)

	for _, part := range []string{"hel", "lo ", "world"} {
		n, err := client.Write([]byte(part))
		require.NoError(t, err)
		assert.Equal(t, len(part), n)
	}

	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, len("hello world"))
	_, err := io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf))
}

// TestSmallReads verifies a message larger than the read buffer is
// delivered in pieces.
func TestSmallReads(t *testing.T) {
	server, client := pair(t)

	_, err := server.Write([]byte("abcdefghij"))
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got []byte
	buf := make([]byte, 3)
	for len(got) < 10 {
		n, err := client.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, "abcdefghij", string(got))
}

// TestCloseReadsAsEOF verifies a peer close ends the stream cleanly
func TestCloseReadsAsEOF(t *testing.T) {
	server, client := pair(t)

	require.NoError(t, client.Close())

	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := server.Read(make([]byte, 8))
	assert.Equal(t, io.EOF, err)
	assert.NotNil(t, server.RemoteAddr())
	assert.NotNil(t, server.LocalAddr())
}
