// Package server implements the Baba Chat relay: the HTTP and WebSocket
// surface, the connection/presence registry, and event broadcast.
//
// The implementation is organized into specialized files for configuration,
// hub management, clients, routing, and HTTP handlers to keep the codebase
// maintainable and testable as the project grows.
package server
