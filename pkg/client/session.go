// Package client implements a relay session: one persistent WebSocket
// connection plus the local state machine a chat UI binds to. A Session
// translates user actions (join, send, typing) into outbound frames and
// dispatches inbound frames to caller-supplied handlers.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/babachat/relay/pkg/protocol"
)

// State describes where the session is in its lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateActive is CONNECTED with an announced display name; the join
	// gate has been passed.
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// DefaultTypingIdle is the quiet period after the last input change before
// a typing=false signal is emitted.
const DefaultTypingIdle = 2 * time.Second

const welcomeWait = 10 * time.Second

// Handlers receives inbound events. Nil fields are skipped. Handlers are
// invoked from the session's read goroutine, one at a time.
type Handlers struct {
	OnMessage    func(protocol.MessageEvent)
	OnPresence   func(users []string)
	OnTyping     func(user string, isTyping bool)
	OnDisconnect func(err error)
}

// Option customizes a Session before it connects.
type Option func(*Session)

// WithTypingIdle overrides the typing debounce window.
func WithTypingIdle(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.typingIdle = d
		}
	}
}

// Session is one client session bound to one relay connection. It is safe
// for concurrent use.
type Session struct {
	handlers   Handlers
	typingIdle time.Duration

	mu          sync.Mutex
	conn        *websocket.Conn
	state       State
	id          string
	name        string
	typingTimer *time.Timer
	closed      bool

	done chan struct{}
}

// Dial connects to the relay at rawURL (ws:// or wss:// with the /ws path),
// waits for the welcome frame that carries the session's connection id, and
// starts the read loop.
func Dial(ctx context.Context, rawURL string, handlers Handlers, opts ...Option) (*Session, error) {
	s := &Session{
		handlers:   handlers,
		typingIdle: DefaultTypingIdle,
		state:      StateConnecting,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	// The relay sends welcome before anything else on this connection.
	if err := conn.SetReadDeadline(time.Now().Add(welcomeWait)); err != nil {
		conn.Close()
		return nil, err
	}
	var welcome protocol.WelcomeEvent
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Type != protocol.EventWelcome || welcome.ID == "" {
		conn.Close()
		return nil, fmt.Errorf("unexpected first frame %q", welcome.Type)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}

	s.conn = conn
	s.id = welcome.ID
	s.state = StateConnected

	go s.readLoop()
	return s, nil
}

// ID returns the connection id assigned by the relay. Incoming message
// events with a matching SenderID originated from this session.
func (s *Session) ID() string {
	return s.id
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the read loop exits.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Join announces the display name and passes the join gate. Re-announcing
// overwrites the previous name; it never creates a second presence entry.
func (s *Session) Join(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return protocol.ErrEmptyName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected && s.state != StateActive {
		return fmt.Errorf("join in state %s", s.state)
	}

	if err := s.writeLocked(protocol.Envelope{Type: protocol.EventJoin, User: name}); err != nil {
		return err
	}

	s.name = name
	s.state = StateActive
	return nil
}

// Send submits one chat message. Empty trimmed text is rejected locally;
// the message appears in the local view only when the broadcast echo
// arrives (no optimistic append).
func (s *Session) Send(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return protocol.ErrEmptyText
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected && s.state != StateActive {
		return fmt.Errorf("send in state %s", s.state)
	}

	return s.writeLocked(protocol.Envelope{Type: protocol.EventMessage, Text: text})
}

// InputChanged signals that the user changed the message input. Each call
// emits typing=true and reschedules a single debounced typing=false for
// after the idle window; only the last scheduled false-signal fires.
func (s *Session) InputChanged() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected && s.state != StateActive {
		return fmt.Errorf("typing in state %s", s.state)
	}

	if err := s.writeLocked(protocol.Envelope{Type: protocol.EventTyping, IsTyping: true}); err != nil {
		return err
	}

	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(s.typingIdle, s.typingIdleElapsed)
	return nil
}

func (s *Session) typingIdleElapsed() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.conn == nil {
		return
	}
	_ = s.writeLocked(protocol.Envelope{Type: protocol.EventTyping, IsTyping: false})
}

func (s *Session) writeLocked(env protocol.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close leaves the chat and tears the transport down. It is safe to call
// more than once and on every exit path.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = StateDisconnected
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	// Best effort; the server treats an abrupt drop the same way.
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return conn.Close()
}

func (s *Session) readLoop() {
	defer close(s.done)

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			intentional := s.closed
			s.closed = true
			s.state = StateDisconnected
			if s.typingTimer != nil {
				s.typingTimer.Stop()
				s.typingTimer = nil
			}
			s.mu.Unlock()

			s.conn.Close()
			if !intentional && s.handlers.OnDisconnect != nil {
				s.handlers.OnDisconnect(err)
			}
			return
		}

		s.dispatch(raw)
	}
}

func (s *Session) dispatch(raw []byte) {
	var probe struct {
		Type protocol.EventType `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return
	}

	switch probe.Type {
	case protocol.EventMessage:
		var ev protocol.MessageEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return
		}
		if s.handlers.OnMessage != nil {
			s.handlers.OnMessage(ev)
		}
	case protocol.EventPresence:
		var ev protocol.PresenceEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return
		}
		if s.handlers.OnPresence != nil {
			s.handlers.OnPresence(ev.Users)
		}
	case protocol.EventTyping:
		var ev protocol.TypingEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return
		}
		if s.handlers.OnTyping != nil {
			s.handlers.OnTyping(ev.User, ev.IsTyping)
		}
	}
}
