package relay

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/config"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/protocol"
)

const testSecret = "relay-test-secret"

func newTestServer(t *testing.T) (*httptest.Server, *Authenticator) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	auth := NewAuthenticator(testSecret)
	srv := NewServer(config.RelayConfig{MachineTokens: []string{"machine-token"}}, New(nil), auth)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, auth
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dialMachine(t *testing.T, ts *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set(HeaderMachineToken, "machine-token")
	header.Set(HeaderMachineID, id)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws"), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func dialBrowser(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/app/ws?token="+token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, msg protocol.Message) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// readUntil reads frames until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(protocol.Message) bool) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		msg, err := protocol.Decode(data)
		require.NoError(t, err)
		if match(msg) {
			return msg
		}
	}
}

func ofType(typ string) func(protocol.Message) bool {
	return func(msg protocol.Message) bool { return msg.Type == typ }
}

func TestServer_EndToEndTerminalStream(t *testing.T) {
	ts, auth := newTestServer(t)
	machine := dialMachine(t, ts, "devbox")
	writeFrame(t, machine, protocol.Message{
		Type:     protocol.TypeSessionList,
		Sessions: json.RawMessage(`[{"id":"s1","cwd":"/work"}]`),
	})

	token, err := auth.Mint("alice", time.Hour)
	require.NoError(t, err)
	browser := dialBrowser(t, ts, token)

	list := readUntil(t, browser, func(msg protocol.Message) bool {
		if msg.Type != protocol.TypeSessionList {
			return false
		}
		sessions, err := msg.SessionList()
		return err == nil && len(sessions) == 1
	})
	sessions, err := list.SessionList()
	require.NoError(t, err)
	require.Equal(t, "devbox", sessions[0].MachineID)

	readUntil(t, machine, ofType(protocol.TypeScanHistory))

	writeFrame(t, browser, protocol.Message{Type: protocol.TypeOpenTerminal, MachineID: "devbox", SessionID: "s1"})
	open := readUntil(t, machine, ofType(protocol.TypePtyOpen))
	require.Equal(t, "s1", open.SessionID)
	require.Equal(t, protocol.DefaultCols, open.Cols)

	writeFrame(t, machine, protocol.Message{Type: protocol.TypePtyData, SessionID: "s1", Data: "aGVsbG8="})
	data := readUntil(t, browser, ofType(protocol.TypePtyData))
	require.Equal(t, "aGVsbG8=", data.Data)
	require.Equal(t, "devbox", data.MachineID)
}

func TestServer_BrowserWithoutValidTokenClosed4001(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, token := range []string{"", "garbage"} {
		conn := dialBrowser(t, ts, token)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, _, err := conn.ReadMessage()
		var closeErr *websocket.CloseError
		require.True(t, errors.As(err, &closeErr), "got %v", err)
		require.Equal(t, CloseUnauthorized, closeErr.Code)
		require.Equal(t, "Unauthorized", closeErr.Text)
	}
}

func TestServer_WrongMachineTokenTreatedAsBrowser(t *testing.T) {
	ts, _ := newTestServer(t)
	header := http.Header{}
	header.Set(HeaderMachineToken, "wrong")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws"), header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, CloseUnauthorized))
}

func TestServer_HTTPEndpoints(t *testing.T) {
	ts, auth := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), "relay_machines_connected")

	resp, err = http.Get(ts.URL + "/api/sessions")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := auth.Mint("alice", time.Hour)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snapshot struct {
		Machines []string               `json:"machines"`
		Sessions []protocol.SessionInfo `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snapshot))
	require.Empty(t, snapshot.Sessions)

	resp, err = http.Get(ts.URL + "/nothing-here")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMakeUpgrader_OriginCheck(t *testing.T) {
	up := makeUpgrader([]string{"https://ok.example"})

	req := httptest.NewRequest("GET", "/ws", nil)
	require.True(t, up.CheckOrigin(req), "no origin")
	req.Header.Set("Origin", "https://ok.example")
	require.True(t, up.CheckOrigin(req))
	req.Header.Set("Origin", "https://evil.example")
	require.False(t, up.CheckOrigin(req))

	require.True(t, makeUpgrader(nil).CheckOrigin(req))
}
