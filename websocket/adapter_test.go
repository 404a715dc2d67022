package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/domain"
)

type recordingHandler struct {
	connected    []string
	frames       []string
	disconnected []string
	mu           sync.Mutex
}

func (h *recordingHandler) Connect(conn domain.Connection) {
	h.mu.Lock()
	h.connected = append(h.connected, conn.ID())
	h.mu.Unlock()
	_ = conn.Send([]byte(`{"type":"connected"}`))
}

func (h *recordingHandler) Handle(_ context.Context, conn domain.Connection, data []byte) {
	h.mu.Lock()
	h.frames = append(h.frames, string(data))
	h.mu.Unlock()
	_ = conn.Send(data)
}

func (h *recordingHandler) Disconnect(_ context.Context, conn domain.Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected = append(h.disconnected, conn.ID())
}

func (h *recordingHandler) snapshot() (connected, frames, disconnected []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.connected...),
		append([]string(nil), h.frames...),
		append([]string(nil), h.disconnected...)
}

func newTestServer(t *testing.T, h domain.MessageHandler, opts Options) (*httptest.Server, <-chan *Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conns := make(chan *Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewConn("conn-1", ws, h, opts)
		c.Start(context.Background())
		conns <- c
	}))
	t.Cleanup(srv.Close)
	return srv, conns
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func readText(t *testing.T, client *websocket.Conn) string {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestConn_Lifecycle(t *testing.T) {
	h := &recordingHandler{}
	srv, _ := newTestServer(t, h, DefaultOptions())
	client := dial(t, srv)

	assert.Equal(t, `{"type":"connected"}`, readText(t, client))

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"logon"}`)))
	assert.Equal(t, `{"type":"logon"}`, readText(t, client))

	require.NoError(t, client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	assert.Eventually(t, func() bool {
		_, _, disconnected := h.snapshot()
		return len(disconnected) == 1
	}, 2*time.Second, 10*time.Millisecond)

	connected, frames, disconnected := h.snapshot()
	assert.Equal(t, []string{"conn-1"}, connected)
	assert.Equal(t, []string{`{"type":"logon"}`}, frames)
	assert.Equal(t, []string{"conn-1"}, disconnected)
}

func TestConn_SendAfterClose(t *testing.T) {
	h := &recordingHandler{}
	srv, conns := newTestServer(t, h, DefaultOptions())
	dial(t, srv)

	conn := <-conns
	require.NoError(t, conn.Close())

	assert.ErrorIs(t, conn.Send([]byte("late")), ErrClosed)
	assert.ErrorIs(t, conn.Close(), ErrClosed)

	assert.Eventually(t, func() bool {
		_, _, disconnected := h.snapshot()
		return len(disconnected) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConn_OversizedFrameDisconnects(t *testing.T) {
	h := &recordingHandler{}
	opts := DefaultOptions()
	opts.MaxMessageSize = 16
	srv, _ := newTestServer(t, h, opts)
	client := dial(t, srv)
	readText(t, client)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 64))))

	assert.Eventually(t, func() bool {
		_, _, disconnected := h.snapshot()
		return len(disconnected) == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, frames, _ := h.snapshot()
	assert.Empty(t, frames)
}

func TestConn_MissingPongDisconnects(t *testing.T) {
	h := &recordingHandler{}
	opts := DefaultOptions()
	opts.PingInterval = 20 * time.Millisecond
	opts.PingTimeout = 30 * time.Millisecond
	srv, _ := newTestServer(t, h, opts)

	// a client that never reads never answers pings
	dial(t, srv)

	assert.Eventually(t, func() bool {
		_, _, disconnected := h.snapshot()
		return len(disconnected) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConn_SendBufferFull(t *testing.T) {
	// no pumps are running, so nothing drains the buffer
	conn := NewConn("conn-1", nil, &recordingHandler{}, DefaultOptions())

	for i := 0; i < sendBufferSize; i++ {
		require.NoError(t, conn.Send([]byte("x")))
	}
	assert.ErrorIs(t, conn.Send([]byte("x")), ErrSendBufferFull)
}
