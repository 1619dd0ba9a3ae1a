// Package mcp implements the client side of the Model Context Protocol tool surface: it
// connects to tool servers, discovers the tools they offer and invokes them.
//
// A server is reached through a ClientTransport. StdioTransport spawns the server as a child
// process and exchanges newline-delimited JSON-RPC over its stdin and stdout; SSETransport
// reads server messages from an event stream and POSTs client messages to the endpoint the
// server announces on it. Each transport yields one Session per connection.
//
// Client drives a Session: Connect performs the initialize handshake, after which ListTools,
// AllTools and CallTool may be used from any number of goroutines. Every request carries a
// fresh id and responses are matched by id, so concurrent calls never see each other's
// results. Call and Go expose the same machinery for arbitrary methods.
//
// Basic usage:
//
//	transport := mcp.NewStdioTransport("uvx", []string{"mcp-server-time"})
//	client := mcp.NewClient(mcp.Info{Name: "mxgo", Version: "1.0"}, transport)
//	if err := client.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	tools, err := client.AllTools(ctx)
//
// Requests that outlive the call timeout fail with *TimeoutError. For a process server the
// process is killed, since a server that stopped answering can't be trusted with further
// requests; an SSE session only drops the abandoned request.
package mcp
