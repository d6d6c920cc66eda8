// Package server coordinates client registration, presence tracking, and
// event broadcast for the relay via the Hub type.
package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/babachat/relay/pkg/protocol"
)

// clientEvent pairs a normalized inbound frame with the connection it
// arrived on.
type clientEvent struct {
	client *Client
	env    protocol.Envelope
}

// Hub owns the connection registry and the presence list and routes every
// inbound event to its broadcast targets. All registry mutation happens in
// the Run loop, so event handling is serialized; the mutex only guards
// snapshots taken by broadcast fan-out and shutdown.
type Hub struct {
	clients    map[*Client]bool
	presence   []*Client // announced clients in join order
	register   chan *Client
	unregister chan *Client
	events     chan clientEvent
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates and initializes a new Hub. The returned Hub is ready to
// accept registrations once Run is started.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan clientEvent),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop, handling client registration,
// unregistration, and inbound event fan-out. It should be called in a
// separate goroutine as it runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				log.Warn().Msg("Received nil client registration; skipping")
				continue
			}
			h.registerClient(client)

		case client := <-h.unregister:
			if h.removeClient(client) {
				close(client.send)
				log.Info().Str("client", client.id).Str("addr", client.addr).Msg("Client unregistered")
				h.broadcastPresence()
			}

		case ev := <-h.events:
			h.dispatchEvent(ev)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mutex.Lock()
	client.closed = false
	h.clients[client] = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	log.Info().Str("client", client.id).Str("addr", client.addr).Int("total", clientCount).Msg("Client registered")

	// Tell the client which connection id its messages will carry. The send
	// channel preserves ordering, so the welcome frame is delivered before
	// any broadcast reaches this client.
	if payload, err := json.Marshal(protocol.WelcomeEvent{Type: protocol.EventWelcome, ID: client.id}); err == nil {
		h.safeSend(client, payload)
	}

	if client.conn == nil {
		return
	}

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// dispatchEvent applies one inbound event to the registry and fans the
// resulting broadcast out to its targets.
func (h *Hub) dispatchEvent(ev clientEvent) {
	switch ev.env.Type {
	case protocol.EventJoin:
		h.handleJoin(ev.client, ev.env.User)
	case protocol.EventMessage:
		h.handleMessage(ev.client, ev.env.Text)
	case protocol.EventTyping:
		h.handleTyping(ev.client, ev.env.IsTyping)
	default:
		log.Warn().Str("type", string(ev.env.Type)).Msg("Dropping event with unhandled type")
	}
}

// handleJoin sets or overwrites the client's display name. A client joins
// the presence list once; re-announcing replaces the name in place.
func (h *Hub) handleJoin(client *Client, name string) {
	h.mutex.Lock()
	client.name = name
	if !client.announced {
		client.announced = true
		h.presence = append(h.presence, client)
	}
	h.mutex.Unlock()

	log.Info().Str("client", client.id).Str("user", name).Msg("Display name announced")
	h.broadcastPresence()
}

// handleMessage constructs the message record attributed to the sending
// connection and broadcasts it to every client, sender included.
func (h *Hub) handleMessage(client *Client, text string) {
	event := protocol.MessageEvent{
		Type:      protocol.EventMessage,
		ID:        uuid.NewString(),
		User:      client.displayName(),
		Text:      text,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		SenderID:  client.id,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode message event")
		return
	}

	h.broadcastPayload(payload, nil)
}

// handleTyping relays the composing flag to everyone but the sender. No
// registry state changes.
func (h *Hub) handleTyping(client *Client, isTyping bool) {
	event := protocol.TypingEvent{
		Type:     protocol.EventTyping,
		User:     client.displayName(),
		IsTyping: isTyping,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode typing event")
		return
	}

	h.broadcastPayload(payload, client)
}

// broadcastPresence sends the full name list, in join order, to every
// connection.
func (h *Hub) broadcastPresence() {
	event := protocol.PresenceEvent{
		Type:  protocol.EventPresence,
		Users: h.presenceNames(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode presence event")
		return
	}

	h.broadcastPayload(payload, nil)
}

// presenceNames returns the announced display names in join order.
func (h *Hub) presenceNames() []string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	names := make([]string, 0, len(h.presence))
	for _, client := range h.presence {
		names = append(names, client.name)
	}
	return names
}

// broadcastPayload delivers one encoded frame to every registered client
// except exclude. A peer whose buffer is full is evicted; the failure stays
// local to that peer and triggers a presence update for the rest.
func (h *Hub) broadcastPayload(payload []byte, exclude *Client) {
	clients := h.getClientSnapshot()

	var failed []*Client
	for _, client := range clients {
		if exclude != nil && client == exclude {
			continue
		}
		if !h.safeSend(client, payload) {
			failed = append(failed, client)
		}
	}

	if len(failed) > 0 {
		h.removeFailedClients(failed)
		h.broadcastPresence()
	}
}

// getClientSnapshot returns a thread-safe snapshot of all current clients.
func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

func (h *Hub) safeSend(client *Client, payload []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Recovered from panic in safeSend")
		}
	}()

	// Hold the lock during the entire send so the channel cannot be closed
	// between the registration check and the send.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if _, exists := h.clients[client]; !exists || client.closed {
		return false
	}

	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

// removeClient drops the client from the registry and the presence list.
// It reports whether the client was registered.
func (h *Hub) removeClient(client *Client) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := h.clients[client]; !ok {
		return false
	}

	delete(h.clients, client)
	client.closed = true
	h.dropPresenceLocked(client)
	return true
}

func (h *Hub) dropPresenceLocked(client *Client) {
	for i, c := range h.presence {
		if c == client {
			h.presence = append(h.presence[:i], h.presence[i+1:]...)
			return
		}
	}
}

// removeFailedClients evicts clients that failed to receive a broadcast and
// closes their channels.
func (h *Hub) removeFailedClients(failed []*Client) {
	h.mutex.Lock()
	var channelsToClose []chan []byte
	for _, client := range failed {
		if _, exists := h.clients[client]; exists {
			delete(h.clients, client)
			client.closed = true
			h.dropPresenceLocked(client)
			channelsToClose = append(channelsToClose, client.send)
			log.Warn().Str("client", client.id).Str("addr", client.addr).Msg("Client removed due to full send buffer")
		}
	}
	h.mutex.Unlock()

	// Close the channels after releasing the lock.
	for _, ch := range channelsToClose {
		close(ch)
	}
}

// shutdownClients closes all active client connections.
func (h *Hub) shutdownClients() {
	log.Info().Msg("Shutting down all client connections...")

	clients := h.getClientSnapshot()
	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					log.Error().Err(err).Str("addr", client.addr).Msg("Error closing client connection")
				}
			}
		}
	}

	log.Info().Int("count", len(clients)).Msg("Closed client connections")
}

// Shutdown initiates graceful shutdown of the hub and waits for all client
// goroutines to finish, or until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Info().Msg("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Hub shutdown completed")
		return nil
	case <-time.After(timeout):
		log.Warn().Msg("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
