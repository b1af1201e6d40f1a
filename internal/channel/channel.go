// Package channel provides the transport channels connecting the panel,
// the gateway, and page-embedded clients.
//
// Two flavors exist: a long-lived duplex channel with disconnect
// notification, and a one-shot request/response channel for simple queries.
// Neither flavor orders messages across independent requests; within one
// request id, frames travel on one duplex instance in send order.
package channel

import (
	"github.com/wybert/earth-agent-gateway/internal/protocol"
)

// Handler consumes one inbound message.
type Handler func(msg *protocol.Message)

// DisconnectHandler observes the end of a duplex channel. err is nil for
// an orderly local close and non-nil when the peer or network dropped it.
type DisconnectHandler func(err error)

// Duplex is a long-lived bidirectional message pipe between two surfaces.
// Send never silently drops: once the underlying pipe has closed it fails
// immediately so the caller can trigger reconnection.
type Duplex interface {
	// ID is the connection identity. Every successful connect, including
	// reconnects, yields a new identity.
	ID() string

	// Send writes one message. Returns a ChannelError wrapping
	// ErrChannelClosed once the pipe is down.
	Send(msg *protocol.Message) error

	// OnMessage registers the single inbound handler. Must be called
	// before traffic is expected; later calls replace the handler.
	OnMessage(h Handler)

	// OnDisconnect registers the disconnect observer.
	OnDisconnect(h DisconnectHandler)

	// Close tears the channel down. Safe to call more than once.
	Close() error
}
