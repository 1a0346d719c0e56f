package rpc

import "errors"

var (
	// ErrConnectionClosed is returned by Connection.Receive when the peer
	// closed the connection normally.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrTransportClosed is returned by ServerTransport.Accept after the
	// transport has been shut down.
	ErrTransportClosed = errors.New("transport is closed")
)

// Connection represents a single long-lived, multiplexed, bidirectional
// channel to one peer. All calls and streams for that peer share it.
type Connection interface {
	// Send sends one framed message to the remote peer.
	Send(data []byte) error

	// Receive blocks until a framed message is received from the remote peer.
	Receive() ([]byte, error)

	// Close closes the connection.
	Close() error
}

// ServerTransport handles incoming connections for the server.
type ServerTransport interface {
	// Listen starts listening for incoming connections.
	Listen() error

	// Accept blocks until a new connection is available.
	Accept() (Connection, error)

	// Close stops listening and closes the transport.
	Close() error
}

// ClientTransport handles outgoing connections for the client.
type ClientTransport interface {
	// Connect establishes a connection to the server.
	Connect() (Connection, error)
}
