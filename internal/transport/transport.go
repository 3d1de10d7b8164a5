// Package transport defines the chat transport contract and the
// bounded outbound delivery queue that survives transport outages.
package transport

import "context"

// Status is the transport connection state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Message is one outbound send.
type Message struct {
	Destination    string `json:"destination"`
	Content        string `json:"content"`
	AttachmentPath string `json:"attachment_path,omitempty"`
}

// Inbound is one received chat message.
type Inbound struct {
	Sender      string `json:"sender"`
	Text        string `json:"text"`
	DisplayName string `json:"display_name,omitempty"`
}

// Transport is the chat transport the broker and queue operate over.
// Implementations own their connection state machine; the wire
// protocol is out of scope here.
type Transport interface {
	// Status returns the current connection state.
	Status() Status

	// Send delivers one message. It returns an error on transient
	// transport failure; callers route failures through the queue.
	Send(ctx context.Context, msg Message) error

	// SetInboundHandler registers the receiver for inbound messages.
	SetInboundHandler(fn func(Inbound))

	// SetOnReconnect registers a callback fired whenever the transport
	// transitions back to connected.
	SetOnReconnect(fn func())

	// Connect starts the transport. Disconnect stops it.
	Connect(ctx context.Context) error
	Disconnect() error
}
