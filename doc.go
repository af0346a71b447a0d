// Package apps implements the MCP Apps message bridge, the protocol an embedded UI widget
// ("app") uses to talk to the process that renders it ("host"). Widgets are delivered as
// HTML/JS and run inside a sandboxed surface, so every interaction with the host travels as
// a JSON-RPC 2.0 envelope over a message channel such as window.postMessage, a websocket or
// an SSE stream.
//
// The package provides both ends of the bridge. A Bridge is the app side: it performs the
// ui/initialize handshake, correlates outgoing requests with their responses, enforces
// per-request timeouts and dispatches host notifications (tool input, tool result, context
// changes, cancellation and teardown) to registered handlers. A Host serves any number of
// app channels, answers the handshake and routes app requests to tool, resource, message and
// link handlers.
//
// Transports are pluggable through the Channel, AppTransport and HostTransport interfaces.
// In-memory pipes, standard input/output, Server-Sent Events and websockets are included.
package apps
