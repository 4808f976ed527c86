package mcp

import "context"

// Transport carries JSON-RPC messages to one MCP server.
type Transport interface {
	// Send delivers req and waits for the response with the same ID.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify delivers a message that has no response.
	Notify(ctx context.Context, notif *Notification) error

	// Close releases the transport; stdio transports stop the
	// subprocess.
	Close() error
}
