// Package server manages individual WebSocket clients, handling read/write
// pumps and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/babachat/relay/pkg/protocol"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
)

// Client represents one live connection between a browser tab (or terminal
// client) and the relay. The id is unique for the connection's lifetime and
// never recycled while live; name is set by a join announcement and is
// mutated only by the hub's Run loop.
type Client struct {
	conn      *websocket.Conn
	send      chan []byte
	hub       *Hub
	id        string
	name      string
	announced bool
	addr      string
	closed    bool
}

// NewClient creates a Client for the given connection with a fresh
// connection id and a buffered send channel.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		conn: conn,
		send: make(chan []byte, cfg.SendBuffer),
		hub:  hub,
		id:   uuid.NewString(),
		addr: addr,
	}
}

// ID returns the opaque connection identifier.
func (c *Client) ID() string {
	return c.id
}

// displayName returns the announced name, or a fallback identity derived
// from the connection id for clients that send before joining.
func (c *Client) displayName() string {
	c.hub.mutex.RLock()
	defer c.hub.mutex.RUnlock()

	if c.name != "" {
		return c.name
	}
	return "user-" + strings.SplitN(c.id, "-", 2)[0]
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Error().Err(err).Str("addr", c.addr).Msg("Error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			log.Error().Err(err).Str("addr", c.addr).Msg("Error setting read deadline in pong handler")
		}
		return nil
	})
}

// logReadError logs the read failure with an appropriate severity. Every
// read error tears down this connection and only this connection.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		log.Warn().Str("addr", c.addr).Msg("Message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		log.Info().Str("client", c.id).Str("addr", c.addr).Msg("Client disconnected")
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		log.Info().Str("client", c.id).Str("addr", c.addr).Msg("Client connection closed")
	default:
		log.Warn().Err(err).Str("addr", c.addr).Msg("WebSocket read error")
	}
}

// processFrame decodes and normalizes one inbound frame and hands it to the
// hub. Malformed frames are dropped here instead of being propagated into a
// broadcast with missing fields.
func (c *Client) processFrame(raw []byte) {
	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		log.Warn().Err(err).Str("client", c.id).Msg("Dropping malformed frame")
		return
	}

	c.hub.events <- clientEvent{client: c, env: env}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		if err := c.conn.Close(); err != nil {
			if !isExpectedCloseError(err) {
				log.Error().Err(err).Msg("Error closing connection in readPump")
			}
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			break
		}

		c.processFrame(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if !c.handleWrite(payload, ok) {
				return
			}
		case <-ticker.C:
			if !c.handlePing() {
				return
			}
		}
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			log.Error().Err(err).Msg("Error closing connection in writePump")
		}
	}
}

// handleWrite sends one frame, then drains any queued frames as separate
// messages. It returns false when the pump should stop.
func (c *Client) handleWrite(payload []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Error().Err(err).Str("addr", c.addr).Msg("Error setting write deadline")
		return false
	}

	if !ok {
		// The hub closed the send channel.
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
			if !isExpectedCloseError(err) {
				log.Error().Err(err).Str("addr", c.addr).Msg("Error writing close message")
			}
		}
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.Error().Err(err).Str("addr", c.addr).Msg("Error writing frame")
		return false
	}

	// Drain queued frames, one WebSocket message per frame so each one
	// stays an independently parseable JSON envelope.
	n := len(c.send)
	for i := 0; i < n; i++ {
		if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
			log.Error().Err(err).Str("addr", c.addr).Msg("Error writing queued frame")
			return false
		}
	}
	return true
}

// handlePing sends a ping to keep the connection alive.
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Error().Err(err).Str("addr", c.addr).Msg("Error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			log.Error().Err(err).Str("addr", c.addr).Msg("Error writing ping message")
		}
		return false
	}
	return true
}

// isExpectedCloseError checks if an error is expected during connection
// closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
