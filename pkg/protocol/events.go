// Package protocol defines the JSON event catalog exchanged between the
// relay server and its clients. Every frame is a tagged envelope: a "type"
// field selects the variant and fixes the remaining field set.
package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

// EventType tags a wire frame with its variant.
type EventType string

const (
	// Client to server.
	EventJoin    EventType = "join"
	EventMessage EventType = "message"
	EventTyping  EventType = "typing"

	// Server to client.
	EventWelcome  EventType = "welcome"
	EventPresence EventType = "presence"
)

var (
	// ErrUnknownEvent is returned for frames whose type is not in the catalog.
	ErrUnknownEvent = errors.New("protocol: unknown event type")
	// ErrEmptyName is returned when a join frame carries no display name.
	ErrEmptyName = errors.New("protocol: display name is empty")
	// ErrEmptyText is returned when a message frame carries no text.
	ErrEmptyText = errors.New("protocol: message text is empty")
)

// Envelope is the inbound client-to-server frame. Which fields are
// meaningful depends on Type: join uses User, message uses Text, typing
// uses IsTyping.
type Envelope struct {
	Type     EventType `json:"type"`
	User     string    `json:"user,omitempty"`
	Text     string    `json:"text,omitempty"`
	IsTyping bool      `json:"isTyping,omitempty"`
}

// ParseEnvelope decodes and normalizes an inbound frame. String fields are
// trimmed, and frames missing their variant's required fields are rejected
// instead of being passed through with empty values.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, err
	}

	switch env.Type {
	case EventJoin:
		env.User = strings.TrimSpace(env.User)
		if env.User == "" {
			return env, ErrEmptyName
		}
	case EventMessage:
		env.Text = strings.TrimSpace(env.Text)
		if env.Text == "" {
			return env, ErrEmptyText
		}
	case EventTyping:
		// The flag passes through as given.
	default:
		return env, ErrUnknownEvent
	}

	return env, nil
}

// WelcomeEvent is sent once to each client right after registration so it
// learns the connection id the relay will attribute its messages to.
type WelcomeEvent struct {
	Type EventType `json:"type"`
	ID   string    `json:"id"`
}

// MessageEvent delivers one chat message to every connection, sender
// included. Clients compare SenderID against their welcome id to style
// their own messages.
type MessageEvent struct {
	Type      EventType `json:"type"`
	ID        string    `json:"id"`
	User      string    `json:"user"`
	Text      string    `json:"text"`
	CreatedAt string    `json:"createdAt"`
	SenderID  string    `json:"senderId"`
}

// PresenceEvent carries the full list of announced display names in join
// order. It is broadcast whenever the list changes.
type PresenceEvent struct {
	Type  EventType `json:"type"`
	Users []string  `json:"users"`
}

// TypingEvent relays a composing-state change to every connection except
// the one it originated from.
type TypingEvent struct {
	Type     EventType `json:"type"`
	User     string    `json:"user"`
	IsTyping bool      `json:"isTyping"`
}
