// Package mcp connects to Model Context Protocol servers and exposes
// each server as one tool whose methods are the server's tools. A
// server named "home-assistant" offering get_state becomes callable as
// INVOKE home_assistant.get_state(entity_id="light.porch").
//
// MCP speaks JSON-RPC 2.0 over a stdio subprocess or streamable HTTP.
// Only the client side is implemented.
package mcp
