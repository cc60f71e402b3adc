package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialOK(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHandler_UpgradeSendsInfo(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleUpgrade))
	defer srv.Close()

	conn := dialOK(t, srv)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "info", frame["type"])
	msg, _ := frame["message"].(string)
	assert.True(t, strings.HasPrefix(msg, "Connected with client_id: "), "unexpected info message %q", msg)

	// Full round trip through a real client.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	frame = map[string]any{}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "pong", frame["type"])
}

func TestHandler_RejectsWhenShuttingDown(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleUpgrade))
	defer srv.Close()

	h.Shutdown()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandler_RejectsOverCapacity(t *testing.T) {
	h := NewHandler(testRegistry(t), testGuard(1), zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(h.HandleUpgrade))
	defer srv.Close()

	conn := dialOK(t, srv)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "info", frame["type"])

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandler_ShutdownClosesSessions(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleUpgrade))
	defer srv.Close()

	conn := dialOK(t, srv)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))

	h.Shutdown()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	require.Eventually(t, func() bool { return h.SessionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), h.guard.CurrentConnections())
}
