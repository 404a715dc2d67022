package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/config"
	"chatrelay/domain"
	"chatrelay/hub"
	"chatrelay/metrics"
)

func testConfig(t *testing.T, environ map[string]string) config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(environ)
	require.NoError(t, err)
	return cfg
}

func startServer(t *testing.T, cfg config.Config) (*httptest.Server, *Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	fabric, err := NewFabric(context.Background(), cfg, m, logger)
	require.NoError(t, err)

	s := New(cfg, fabric, m, reg, logger)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = s.Close()
	})
	return srv, s
}

type testClient struct {
	t    *testing.T
	ws   *websocket.Conn
	next int
}

func connect(t *testing.T, srv *httptest.Server, path string) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &testClient{t: t, ws: conn}
	f := c.read()
	require.Equal(t, domain.FrameConnected, f.Type)
	return c
}

func (c *testClient) read() domain.Frame {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ws.ReadMessage()
	require.NoError(c.t, err)

	var f domain.Frame
	require.NoError(c.t, json.Unmarshal(data, &f))
	return f
}

// request sends an operation with an ack id and returns the ack payload.
func (c *testClient) request(op string, payload any) map[string]any {
	c.t.Helper()
	c.next++
	id := op + "-" + strconv.Itoa(c.next)
	raw, err := json.Marshal(payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteJSON(domain.Frame{Type: op, ID: id, Payload: raw}))

	f := c.read()
	require.Equal(c.t, domain.FrameAck, f.Type)
	require.Equal(c.t, id, f.ID)

	var resp map[string]any
	require.NoError(c.t, json.Unmarshal(f.Payload, &resp))
	return resp
}

func (c *testClient) expectMessage(text string) {
	c.t.Helper()
	f := c.read()
	require.Equal(c.t, domain.FrameNewMessagesReceived, f.Type)

	var payload struct {
		Messages []domain.Message `json:"messages"`
	}
	require.NoError(c.t, json.Unmarshal(f.Payload, &payload))
	require.Len(c.t, payload.Messages, 1)
	assert.Equal(c.t, text, payload.Messages[0].Text)
	assert.NotZero(c.t, payload.Messages[0].Time)
}

func (c *testClient) expectSilence() {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, data, err := c.ws.ReadMessage()
	require.Error(c.t, err, "unexpected frame %s", data)
}

func TestServer_SessionBroadcast(t *testing.T) {
	srv, _ := startServer(t, testConfig(t, map[string]string{}))

	c1 := connect(t, srv, "/v1/ws")
	c2 := connect(t, srv, "/v1/ws")
	c3 := connect(t, srv, "/v1/ws")

	for i, c := range []*testClient{c1, c2, c3} {
		resp := c.request("logon", map[string]string{"userId": []string{"U1", "U2", "U3"}[i]})
		require.Empty(t, resp["error"])
	}
	require.Empty(t, c1.request("createSession", map[string]string{"sessionId": "Room"})["error"])
	require.Empty(t, c2.request("joinSession", map[string]string{"sessionId": "Room"})["error"])
	require.Empty(t, c3.request("joinSession", map[string]string{"sessionId": "Room"})["error"])

	resp := c1.request("addMessage", map[string]string{"newMessage": "hello"})
	require.Empty(t, resp["error"])
	assert.Equal(t, "hello", resp["text"])

	c2.expectMessage("hello")
	c3.expectMessage("hello")
	c1.expectSilence()
}

func TestServer_AddMessageBeforeLogon(t *testing.T) {
	srv, _ := startServer(t, testConfig(t, map[string]string{}))
	c := connect(t, srv, "/v1/ws")

	resp := c.request("addMessage", map[string]string{"newMessage": "hi"})

	assert.Equal(t, "The user is not logged in", resp["error"])
}

func TestServer_VersionedPath(t *testing.T) {
	srv, _ := startServer(t, testConfig(t, map[string]string{"API_VERSION": "v2"}))

	c := connect(t, srv, "/v2/ws")
	assert.Empty(t, c.request("logon", map[string]string{"userId": "U1"})["error"])

	resp, err := http.Get(srv.URL + "/v1/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Endpoints(t *testing.T) {
	srv, _ := startServer(t, testConfig(t, map[string]string{}))
	c := connect(t, srv, "/v1/ws")
	c.request("logon", map[string]string{"userId": "U1"})
	c.request("joinSession", map[string]string{"sessionId": "Room"})

	tests := []struct {
		path     string
		contains string
	}{
		{path: "/health", contains: `"status":"ok"`},
		{path: "/stats", contains: `"sessions":1`},
		{path: "/metrics", contains: `chatrelay_operations_total{operation="joinSession",outcome="ok"} 1`},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Contains(t, string(body), tt.contains)
		})
	}
}

func TestServer_DisconnectLeavesSession(t *testing.T) {
	srv, s := startServer(t, testConfig(t, map[string]string{}))
	c := connect(t, srv, "/v1/ws")
	c.request("logon", map[string]string{"userId": "U1"})
	c.request("createSession", map[string]string{"sessionId": "Room"})

	require.NoError(t, c.ws.Close())

	assert.Eventually(t, func() bool {
		sessions, connections := s.fabric.Stats()
		return sessions == 0 && connections == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_RelayAcrossProcesses(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, map[string]string{"REDIS_URL": mr.Addr()})

	srvA, _ := startServer(t, cfg)
	srvB, _ := startServer(t, cfg)

	alice := connect(t, srvA, "/v1/ws")
	bob := connect(t, srvB, "/v1/ws")
	carol := connect(t, srvB, "/v1/ws")

	alice.request("logon", map[string]string{"userId": "alice"})
	bob.request("logon", map[string]string{"userId": "bob"})
	carol.request("logon", map[string]string{"userId": "carol"})
	alice.request("createSession", map[string]string{"sessionId": "Room"})
	bob.request("joinSession", map[string]string{"sessionId": "Room"})
	carol.request("joinSession", map[string]string{"sessionId": "Elsewhere"})

	require.Empty(t, alice.request("addMessage", map[string]string{"newMessage": "across"})["error"])

	bob.expectMessage("across")
	alice.expectSilence()
	carol.expectSilence()
}

func TestNewFabric_UnreachableRedis(t *testing.T) {
	cfg := testConfig(t, map[string]string{"REDIS_URL": "127.0.0.1:1"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewFabric(ctx, cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect relay")
}

func TestServer_RunShutsDown(t *testing.T) {
	cfg := testConfig(t, map[string]string{"PORT": "0"})
	s := New(cfg, hub.New(), nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
