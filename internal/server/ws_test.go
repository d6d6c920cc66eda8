package server_test

import (
	"encoding/json"
	"net"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babachat/relay/internal/server"
)

// startRelay spins up a hub and an httptest server and returns the
// WebSocket URL of the /ws endpoint.
func startRelay(t *testing.T) string {
	t.Helper()

	server.SetConfig(nil)
	t.Cleanup(func() { server.SetConfig(nil) })

	hub := server.NewHub()
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(time.Second) })

	testServer := httptest.NewServer(server.SetupRoutes(hub))
	t.Cleanup(testServer.Close)

	u, err := url.Parse(testServer.URL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = "/ws"
	return u.String()
}

type wsPeer struct {
	conn *websocket.Conn
	id   string
}

// dialPeer connects and consumes the welcome frame, returning the peer with
// its server-assigned connection id.
func dialPeer(t *testing.T, wsURL string) *wsPeer {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = resp.Body.Close()

	welcome := readEvent(t, conn)
	require.Equal(t, "welcome", welcome["type"])
	id, _ := welcome["id"].(string)
	require.NotEmpty(t, id)

	return &wsPeer{conn: conn, id: id}
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var event map[string]any
	require.NoError(t, json.Unmarshal(payload, &event))
	return event
}

func expectNoEvent(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	_, payload, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no event, got %s", payload)
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	t.Fatalf("unexpected error while waiting for absence of an event: %v", err)
}

func sendEvent(t *testing.T, conn *websocket.Conn, event map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(event))
}

func presenceUsers(t *testing.T, event map[string]any) []string {
	t.Helper()
	require.Equal(t, "presence", event["type"])

	raw, ok := event["users"].([]any)
	require.True(t, ok)
	names := make([]string, 0, len(raw))
	for _, u := range raw {
		names = append(names, u.(string))
	}
	return names
}

// TestRelayScenario walks the canonical two-client session: join, presence
// order, message echo with attribution, typing relay, and disconnect
// cleanup.
func TestRelayScenario(t *testing.T) {
	wsURL := startRelay(t)

	a := dialPeer(t, wsURL)
	b := dialPeer(t, wsURL)

	sendEvent(t, a.conn, map[string]any{"type": "join", "user": "alice"})
	assert.Equal(t, []string{"alice"}, presenceUsers(t, readEvent(t, a.conn)))
	assert.Equal(t, []string{"alice"}, presenceUsers(t, readEvent(t, b.conn)))

	sendEvent(t, b.conn, map[string]any{"type": "join", "user": "bob"})
	assert.Equal(t, []string{"alice", "bob"}, presenceUsers(t, readEvent(t, a.conn)))
	assert.Equal(t, []string{"alice", "bob"}, presenceUsers(t, readEvent(t, b.conn)))

	sendEvent(t, a.conn, map[string]any{"type": "message", "text": "hi"})
	for _, peer := range []*wsPeer{a, b} {
		event := readEvent(t, peer.conn)
		assert.Equal(t, "message", event["type"])
		assert.Equal(t, "alice", event["user"])
		assert.Equal(t, "hi", event["text"])
		assert.Equal(t, a.id, event["senderId"])
		assert.NotEmpty(t, event["id"])
	}

	sendEvent(t, b.conn, map[string]any{"type": "typing", "isTyping": true})
	typing := readEvent(t, a.conn)
	assert.Equal(t, "typing", typing["type"])
	assert.Equal(t, "bob", typing["user"])
	assert.Equal(t, true, typing["isTyping"])
	expectNoEvent(t, b.conn, 200*time.Millisecond)

	sendEvent(t, b.conn, map[string]any{"type": "typing", "isTyping": false})
	typing = readEvent(t, a.conn)
	assert.Equal(t, "bob", typing["user"])
	assert.Equal(t, false, typing["isTyping"])

	require.NoError(t, b.conn.Close())
	assert.Equal(t, []string{"alice"}, presenceUsers(t, readEvent(t, a.conn)))
}

func TestMalformedFramesDropped(t *testing.T) {
	wsURL := startRelay(t)

	a := dialPeer(t, wsURL)
	b := dialPeer(t, wsURL)

	// None of these may reach b or tear down a's connection.
	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte(`{{not json`)))
	sendEvent(t, a.conn, map[string]any{"type": "bogus"})
	sendEvent(t, a.conn, map[string]any{"type": "message", "text": "   "})
	sendEvent(t, a.conn, map[string]any{"type": "join", "user": ""})
	expectNoEvent(t, b.conn, 200*time.Millisecond)

	// The connection survives and well-formed traffic still flows.
	sendEvent(t, a.conn, map[string]any{"type": "message", "text": "still here"})
	event := readEvent(t, b.conn)
	assert.Equal(t, "message", event["type"])
	assert.Equal(t, "still here", event["text"])
}

func TestDuplicateNamesPermitted(t *testing.T) {
	wsURL := startRelay(t)

	a := dialPeer(t, wsURL)
	b := dialPeer(t, wsURL)

	sendEvent(t, a.conn, map[string]any{"type": "join", "user": "alice"})
	readEvent(t, a.conn)
	readEvent(t, b.conn)

	sendEvent(t, b.conn, map[string]any{"type": "join", "user": "alice"})
	assert.Equal(t, []string{"alice", "alice"}, presenceUsers(t, readEvent(t, a.conn)))
}

func TestReconnectStartsFresh(t *testing.T) {
	wsURL := startRelay(t)

	a := dialPeer(t, wsURL)
	observer := dialPeer(t, wsURL)

	sendEvent(t, a.conn, map[string]any{"type": "join", "user": "alice"})
	readEvent(t, a.conn)
	readEvent(t, observer.conn)

	require.NoError(t, a.conn.Close())
	assert.Empty(t, presenceUsers(t, readEvent(t, observer.conn)))

	// A reconnecting client gets a fresh connection id and must re-announce
	// before it reappears in the presence list.
	again := dialPeer(t, wsURL)
	assert.NotEqual(t, a.id, again.id)
	expectNoEvent(t, observer.conn, 200*time.Millisecond)

	sendEvent(t, again.conn, map[string]any{"type": "join", "user": "alice"})
	assert.Equal(t, []string{"alice"}, presenceUsers(t, readEvent(t, observer.conn)))
}
