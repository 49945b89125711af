package hub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnPair(t *testing.T) (server *ws.Conn, client *ws.Conn) {
	t.Helper()
	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ready := make(chan *ws.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ready <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientConn.Close() })

	serverConn := <-ready
	t.Cleanup(func() { _ = serverConn.Close() })

	return serverConn, clientConn
}

func TestWebSocket_DeliversFramesInOrder(t *testing.T) {
	server, client := newTestConnPair(t)
	socket := NewWebSocket(server, clockwork.NewRealClock())
	t.Cleanup(func() { socket.Close("test done") })

	for _, msg := range []string{"one", "two", "three"} {
		require.True(t, socket.Send([]byte(msg)))
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []string{"one", "two", "three"} {
		_, data, err := client.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}
}

func TestWebSocket_CloseFlushesQueueThenSendsReason(t *testing.T) {
	server, client := newTestConnPair(t)
	socket := NewWebSocket(server, clockwork.NewRealClock())

	require.True(t, socket.Send([]byte("bye")))
	socket.Close("server shutdown")
	socket.Close("again")

	assert.False(t, socket.Open())
	assert.False(t, socket.Send([]byte("late")))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "bye", string(data))

	_, _, err = client.ReadMessage()
	var closeErr *ws.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, ws.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "server shutdown", closeErr.Text)
}

func TestWebSocket_ProbeSendsPing(t *testing.T) {
	server, client := newTestConnPair(t)
	socket := NewWebSocket(server, clockwork.NewRealClock())
	t.Cleanup(func() { socket.Close("test done") })

	pinged := make(chan struct{}, 1)
	client.SetPingHandler(func(string) error {
		pinged <- struct{}{}
		return nil
	})
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	socket.Probe()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("expected ping")
	}
}

func TestWebSocket_FullBufferClosesSocket(t *testing.T) {
	server, _ := newTestConnPair(t)
	socket := NewWebSocket(server, clockwork.NewRealClock())
	t.Cleanup(func() { socket.Close("test done") })

	// The client never reads, so the writer eventually stalls and the queue fills.
	payload := []byte(strings.Repeat("x", 64<<10))
	rejected := false
	for range 10 * messageBufferSize {
		if !socket.Send(payload) {
			rejected = true
			break
		}
	}

	require.True(t, rejected)
	assert.Eventually(t, func() bool { return !socket.Open() }, 10*time.Second, 10*time.Millisecond)
}
