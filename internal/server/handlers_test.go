package server_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babachat/relay/internal/server"
)

func newTestMux(t *testing.T) *httptest.Server {
	t.Helper()

	server.SetConfig(nil)
	t.Cleanup(func() { server.SetConfig(nil) })

	hub := server.NewHub()
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(time.Second) })

	testServer := httptest.NewServer(server.SetupRoutes(hub))
	t.Cleanup(testServer.Close)
	return testServer
}

func TestHealthEndpoint(t *testing.T) {
	testServer := newTestMux(t)

	resp, err := http.Get(testServer.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "running")
}

func TestWebSocketEndpointRejectsNonGet(t *testing.T) {
	testServer := newTestMux(t)

	resp, err := http.Post(testServer.URL+"/ws", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestChatPageServed(t *testing.T) {
	testServer := newTestMux(t)

	resp, err := http.Get(testServer.URL + "/chat")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	page := string(body)
	assert.Contains(t, page, "Baba Chat")
	assert.Contains(t, page, "TYPING_IDLE_MS = 2000")
}
