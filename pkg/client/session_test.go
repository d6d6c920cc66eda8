package client_test

import (
	"context"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babachat/relay/internal/server"
	"github.com/babachat/relay/pkg/client"
	"github.com/babachat/relay/pkg/protocol"
)

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

func dialSession(t *testing.T, wsURL string, handlers client.Handlers, opts ...client.Option) *client.Session {
	t.Helper()

	sess, err := client.Dial(context.Background(), wsURL, handlers, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

type typingSignal struct {
	user     string
	isTyping bool
}

func TestSessionJoinAndEcho(t *testing.T) {
	wsURL := startRelay(t)

	messages := make(chan protocol.MessageEvent, 16)
	presence := make(chan []string, 16)

	sess := dialSession(t, wsURL, client.Handlers{
		OnMessage:  func(ev protocol.MessageEvent) { messages <- ev },
		OnPresence: func(users []string) { presence <- users },
	})

	require.NotEmpty(t, sess.ID())
	assert.Equal(t, client.StateConnected, sess.State())

	require.NoError(t, sess.Join("alice"))
	assert.Equal(t, client.StateActive, sess.State())

	select {
	case users := <-presence:
		assert.Equal(t, []string{"alice"}, users)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence")
	}

	// No optimistic append: the message only shows up via the echo.
	require.NoError(t, sess.Send("  hi  "))

	select {
	case ev := <-messages:
		assert.Equal(t, "hi", ev.Text, "text is trimmed before sending")
		assert.Equal(t, "alice", ev.User)
		assert.Equal(t, sess.ID(), ev.SenderID)
		assert.NotEmpty(t, ev.ID)
		_, err := time.Parse(time.RFC3339, ev.CreatedAt)
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message echo")
	}
}

func TestSessionInputValidation(t *testing.T) {
	wsURL := startRelay(t)
	sess := dialSession(t, wsURL, client.Handlers{})

	assert.ErrorIs(t, sess.Join("   "), protocol.ErrEmptyName)
	assert.ErrorIs(t, sess.Send(""), protocol.ErrEmptyText)
	assert.ErrorIs(t, sess.Send(" \t "), protocol.ErrEmptyText)
}

func TestTypingDebounce(t *testing.T) {
	wsURL := startRelay(t)

	signals := make(chan typingSignal, 16)
	observer := dialSession(t, wsURL, client.Handlers{
		OnTyping: func(user string, isTyping bool) { signals <- typingSignal{user, isTyping} },
	})
	require.NoError(t, observer.Join("bob"))

	typist := dialSession(t, wsURL, client.Handlers{}, client.WithTypingIdle(150*time.Millisecond))
	require.NoError(t, typist.Join("alice"))

	// Three input changes inside one debounce window: three true signals,
	// then exactly one false once the idle period elapses.
	for i := 0; i < 3; i++ {
		require.NoError(t, typist.InputChanged())
		time.Sleep(40 * time.Millisecond)
	}

	var got []typingSignal
	deadline := time.After(2 * time.Second)
	for len(got) < 4 {
		select {
		case sig := <-signals:
			got = append(got, sig)
		case <-deadline:
			t.Fatalf("timed out; received %v", got)
		}
	}

	for i, sig := range got {
		assert.Equal(t, "alice", sig.user)
		assert.Equal(t, i < 3, sig.isTyping, "signal %d", i)
	}

	select {
	case sig := <-signals:
		t.Fatalf("unexpected extra typing signal %v", sig)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestTypingDebounceReschedules(t *testing.T) {
	wsURL := startRelay(t)

	signals := make(chan typingSignal, 16)
	observer := dialSession(t, wsURL, client.Handlers{
		OnTyping: func(user string, isTyping bool) { signals <- typingSignal{user, isTyping} },
	})
	require.NoError(t, observer.Join("bob"))

	typist := dialSession(t, wsURL, client.Handlers{}, client.WithTypingIdle(250*time.Millisecond))
	require.NoError(t, typist.Join("alice"))

	start := time.Now()
	require.NoError(t, typist.InputChanged())
	time.Sleep(150 * time.Millisecond)
	// Second change lands inside the window and pushes the false signal out.
	require.NoError(t, typist.InputChanged())

	var falseAt time.Time
	for {
		select {
		case sig := <-signals:
			if !sig.isTyping {
				falseAt = time.Now()
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for typing=false")
		}
		if !falseAt.IsZero() {
			break
		}
	}

	// One idle window after the second change: ~150ms + 250ms from start.
	assert.GreaterOrEqual(t, falseAt.Sub(start), 350*time.Millisecond,
		"false signal should fire one idle window after the last change")
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	wsURL := startRelay(t)
	sess := dialSession(t, wsURL, client.Handlers{})
	require.NoError(t, sess.Join("alice"))

	require.NoError(t, sess.Close())
	assert.Equal(t, client.StateDisconnected, sess.State())
	require.NoError(t, sess.Close())

	assert.Error(t, sess.Join("alice"), "operations after close must fail")
	assert.Error(t, sess.Send("hi"))

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit after close")
	}
}

func TestSessionLeaveRemovesPresence(t *testing.T) {
	wsURL := startRelay(t)

	presence := make(chan []string, 16)
	observer := dialSession(t, wsURL, client.Handlers{
		OnPresence: func(users []string) { presence <- users },
	})
	require.NoError(t, observer.Join("alice"))

	other := dialSession(t, wsURL, client.Handlers{})
	require.NoError(t, other.Join("bob"))

	waitForPresence := func(want []string) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case users := <-presence:
				if assert.ObjectsAreEqual(want, users) {
					return
				}
			case <-deadline:
				t.Fatalf("timed out waiting for presence %v", want)
			}
		}
	}

	waitForPresence([]string{"alice", "bob"})

	require.NoError(t, other.Close())
	waitForPresence([]string{"alice"})
}
