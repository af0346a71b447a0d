package apps

import (
	"context"
	"encoding/json"
	"iter"
)

// Channel is a duplex message channel between an app and its host. Each frame carries exactly
// one encoded Envelope. A channel may be shared with unrelated traffic (a window.postMessage
// bus is the usual example), so implementations must deliver every frame they receive and
// leave filtering to the Codec.
type Channel interface {
	// ID returns the unique identifier of this channel. The implementation must guarantee that
	// the ID is unique across all channels produced by the same transport.
	ID() string

	// Send transmits a single frame to the other side. Implementations must respect the context
	// cancellation and return an error when the channel is already stopped.
	Send(ctx context.Context, frame []byte) error

	// Frames returns an iterator that yields frames received from the other side. The iteration
	// ends when the channel is stopped or the underlying connection is closed. The caller
	// guarantees that the iterator is consumed by a single goroutine.
	Frames() iter.Seq[[]byte]

	// Stop closes the channel and releases its resources. Stop must be safe to call more than
	// once and from any goroutine.
	Stop()
}

// AppTransport provides the app-side communication layer.
type AppTransport interface {
	// Connect opens a channel to the host. The returned Channel is ready to send frames when
	// Connect returns without error.
	Connect(ctx context.Context) (Channel, error)
}

// HostTransport provides the host-side communication layer.
type HostTransport interface {
	// Channels returns an iterator that yields a new Channel for each app that connects. The
	// implementation should exit the iteration when Shutdown is called.
	Channels() iter.Seq[Channel]

	// Shutdown stops accepting apps. The implementation should not stop the channels it
	// produced, the caller already does that. The caller calls this method only once.
	Shutdown(ctx context.Context) error
}

// Host-side handler interfaces

// ToolCaller executes tools on behalf of an app, answering tools/call requests.
type ToolCaller interface {
	// CallTool executes the named tool with the given arguments. Errors are reported back to the
	// app as a JSON-RPC error; a tool that fails in a domain-specific way should instead return a
	// CallToolResult with IsError set.
	CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error)
}

// ResourceReader serves resources/read requests.
type ResourceReader interface {
	ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error)
}

// MessageHandler receives the messages an app asks the host to add to the conversation
// (ui/message).
type MessageHandler interface {
	HandleMessage(ctx context.Context, params MessageParams) (MessageResult, error)
}

// LinkOpener opens external links on behalf of an app (ui/open-link). Sandboxed apps can not
// navigate the top-level window themselves, so the host decides whether to honour the request.
type LinkOpener interface {
	OpenLink(ctx context.Context, params OpenLinkParams) (OpenLinkResult, error)
}

// SizeWatcher is notified when an app reports that its rendered size changed.
type SizeWatcher interface {
	OnSizeChanged(sessionID string, params SizeChangedParams)
}

// LogReceiver receives log messages emitted by apps.
type LogReceiver interface {
	OnLog(sessionID string, params LogParams)
}

// NotificationHandler handles a notification received from the peer. The params are the raw
// JSON payload, already validated against the schema registered for the method, if any.
//
// Notification handlers run synchronously in frame-arrival order, so they must not block on
// requests to the same peer.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

// RequestHandler answers a request received from the peer. The returned value is marshalled
// as the response result. Returning an *RPCError sends it as-is; any other error is reported
// as an internal error carrying the error message.
//
// Request handlers run in their own goroutine, the context is cancelled when the peer cancels
// the request or the channel is torn down.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)
