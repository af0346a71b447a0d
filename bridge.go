package apps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// BridgeOption is a function that configures a Bridge.
type BridgeOption func(*Bridge)

// State is the lifecycle state of a Bridge.
type State int

// Bridge is the app side of the MCP Apps protocol. It connects to the host through an
// AppTransport, performs the initialize handshake and then lets the app issue requests to the
// host and react to the notifications the host pushes.
//
// A Bridge moves through the states StateNotConnected, StateHandshaking, StateConnected and
// StateTornDown. A failed handshake ends in StateFailed instead. Both end states are terminal, a
// new Bridge is needed to connect again.
//
// Handlers should be registered before Connect, the host may push the tool input right after
// the handshake.
type Bridge struct {
	info            Info
	capabilities    AppCapabilities
	transport       AppTransport
	protocolVersion string
	codec           Codec
	methods         Methods
	requestTimeout  time.Duration
	sendTimeout     time.Duration
	logger          *slog.Logger
	metrics         *Metrics
	schemas         map[string]*gojsonschema.Schema

	dispatcher  *dispatcher
	hostContext *hostContextState

	mu               sync.RWMutex
	state            State
	conn             *conn
	hostInfo         Info
	hostCapabilities HostCapabilities
	cause            error

	done     chan struct{}
	doneOnce sync.Once
}

const (
	// StateNotConnected is the state of a new Bridge.
	StateNotConnected State = iota
	// StateHandshaking means Connect is waiting for the initialize result.
	StateHandshaking
	// StateConnected means the handshake completed, requests may be issued.
	StateConnected
	// StateTornDown means the bridge was closed, or its channel ended after a successful
	// handshake.
	StateTornDown
	// StateFailed means the handshake failed.
	StateFailed
)

var (
	defaultRequestTimeout = 30 * time.Second
	defaultSendTimeout    = 30 * time.Second
)

// WithAppCapabilities sets the capabilities the app advertises in the initialize request.
func WithAppCapabilities(capabilities AppCapabilities) BridgeOption {
	return func(b *Bridge) {
		b.capabilities = capabilities
	}
}

// WithBridgeRequestTimeout sets how long a request waits for its response. A negative timeout
// disables the timeout, requests then wait until their context ends or the bridge closes.
func WithBridgeRequestTimeout(timeout time.Duration) BridgeOption {
	return func(b *Bridge) {
		b.requestTimeout = timeout
	}
}

// WithBridgeSendTimeout sets the timeout for writing a single frame to the channel.
func WithBridgeSendTimeout(timeout time.Duration) BridgeOption {
	return func(b *Bridge) {
		b.sendTimeout = timeout
	}
}

// WithBridgeLogger sets the logger for the bridge.
func WithBridgeLogger(logger *slog.Logger) BridgeOption {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithBridgeMetrics sets the metrics the bridge records to.
func WithBridgeMetrics(metrics *Metrics) BridgeOption {
	return func(b *Bridge) {
		b.metrics = metrics
	}
}

// WithBridgeCodec sets the wire codec, JSONCodec by default. The host must use the same codec.
func WithBridgeCodec(codec Codec) BridgeOption {
	return func(b *Bridge) {
		b.codec = codec
	}
}

// WithBridgeMethods overrides method names. Empty fields keep their default.
func WithBridgeMethods(methods Methods) BridgeOption {
	return func(b *Bridge) {
		b.methods = methods
	}
}

// WithBridgeProtocolVersion sets the protocol version the bridge requires from the host.
func WithBridgeProtocolVersion(version string) BridgeOption {
	return func(b *Bridge) {
		b.protocolVersion = version
	}
}

// WithBridgeParamsSchema validates the params of the given incoming method against schema,
// replacing the built-in schema if there is one. A nil schema disables validation of the method.
func WithBridgeParamsSchema(method string, schema *gojsonschema.Schema) BridgeOption {
	return func(b *Bridge) {
		if b.schemas == nil {
			b.schemas = make(map[string]*gojsonschema.Schema)
		}
		b.schemas[method] = schema
	}
}

// NewBridge creates the app side of the bridge. The info parameter identifies the app to the
// host. The bridge does nothing until Connect is called.
func NewBridge(info Info, transport AppTransport, options ...BridgeOption) *Bridge {
	b := &Bridge{
		info:        info,
		transport:   transport,
		logger:      slog.Default(),
		hostContext: newHostContextState(nil),
		done:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(b)
	}

	if b.requestTimeout == 0 {
		b.requestTimeout = defaultRequestTimeout
	}
	if b.sendTimeout == 0 {
		b.sendTimeout = defaultSendTimeout
	}
	if b.protocolVersion == "" {
		b.protocolVersion = DefaultProtocolVersion
	}
	if b.codec == nil {
		b.codec = JSONCodec{}
	}
	b.methods = b.methods.withDefaults()

	validator := newParamsValidator(b.methods, b.schemas)
	b.dispatcher = newDispatcher(b.logger, b.metrics, validator)
	b.dispatcher.handle(b.methods.Teardown, func(context.Context, json.RawMessage) (any, error) {
		return nil, nil
	})

	return b
}

// Connect opens the channel to the host and performs the handshake: it sends the initialize
// request, checks the protocol version of the result, records the host's info, capabilities and
// context, and confirms with the initialized notification.
//
// Connect returns ErrAlreadyConnected when called more than once. Any failure moves the bridge to
// StateFailed and returns an error wrapping ErrHandshakeFailed.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateNotConnected {
		b.mu.Unlock()
		return ErrAlreadyConnected
	}
	b.state = StateHandshaking
	b.mu.Unlock()

	ch, err := b.transport.Connect(ctx)
	if err != nil {
		return b.failHandshake(nil, fmt.Errorf("failed to open channel: %w", err))
	}

	c := newConn(ch, connConfig{
		codec:          b.codec,
		methods:        b.methods,
		requestTimeout: b.requestTimeout,
		sendTimeout:    b.sendTimeout,
		logger:         b.logger,
		metrics:        b.metrics,
		dispatcher:     b.dispatcher,
	})
	c.observe = b.observeNotification
	c.onClose = b.connClosed

	b.mu.Lock()
	if b.state != StateHandshaking {
		// Closed while the channel was being opened.
		b.mu.Unlock()
		ch.Stop()
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, ErrBridgeClosed)
	}
	b.conn = c
	b.mu.Unlock()
	c.start()

	res, err := c.request(ctx, b.methods.Initialize, initializeParams{
		ProtocolVersion: b.protocolVersion,
		AppInfo:         b.info,
		AppCapabilities: b.capabilities,
	})
	if err != nil {
		return b.failHandshake(c, fmt.Errorf("initialize request failed: %w", err))
	}

	var result initializeResult
	if err := json.Unmarshal(res, &result); err != nil {
		return b.failHandshake(c, fmt.Errorf("failed to unmarshal initialize result: %w", err))
	}
	if result.ProtocolVersion != b.protocolVersion {
		return b.failHandshake(c, fmt.Errorf("%w: %s != %s",
			ErrProtocolVersion, result.ProtocolVersion, b.protocolVersion))
	}

	b.mu.Lock()
	b.hostInfo = result.HostInfo
	b.hostCapabilities = result.HostCapabilities
	b.hostContext = newHostContextState(result.HostContext)
	b.mu.Unlock()

	if err := c.notify(ctx, b.methods.Initialized, nil); err != nil {
		return b.failHandshake(c, fmt.Errorf("failed to send initialized notification: %w", err))
	}

	b.mu.Lock()
	if b.state != StateHandshaking {
		b.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, ErrBridgeClosed)
	}
	select {
	case <-c.done:
		// The channel went away right after the handshake.
		b.mu.Unlock()
		return b.failHandshake(c, fmt.Errorf("%w: %w", ErrHandshakeFailed, ErrChannelClosed))
	default:
	}
	b.state = StateConnected
	b.mu.Unlock()

	b.logger.Info("connected to host", "host", result.HostInfo.Name, "version", result.HostInfo.Version)
	return nil
}

// Request sends a request to the host and waits for its response, returning the raw result.
// A failed response is returned as an *RPCError. Request fails with ErrNotConnected before the
// handshake completed and with ErrBridgeClosed once the bridge is torn down.
//
// When ctx ends before the response arrives, Request returns ctx.Err() and tells the host the
// request was cancelled.
func (b *Bridge) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c, err := b.connected()
	if err != nil {
		return nil, err
	}
	return c.request(ctx, method, params)
}

// Notify sends a notification to the host. It is gated like Request.
func (b *Bridge) Notify(ctx context.Context, method string, params any) error {
	c, err := b.connected()
	if err != nil {
		return err
	}
	return c.notify(ctx, method, params)
}

// On registers handler for the notification method, replacing any previous handler. A nil
// handler removes the registration. Notifications without a handler are ignored.
func (b *Bridge) On(method string, handler NotificationHandler) {
	b.dispatcher.on(method, handler)
}

// Handle registers handler for requests the host sends with the given method, replacing any
// previous handler. Requests without a handler are answered with a method-not-found error.
func (b *Bridge) Handle(method string, handler RequestHandler) {
	b.dispatcher.handle(method, handler)
}

// Close tears the bridge down. Pending requests fail with ErrBridgeClosed. Closing during the
// handshake makes Connect fail.
func (b *Bridge) Close() {
	b.mu.Lock()
	c := b.conn
	switch b.state {
	case StateNotConnected, StateHandshaking:
		b.state = StateTornDown
	}
	b.mu.Unlock()

	if c == nil {
		b.finish(ErrBridgeClosed)
		return
	}
	c.close(ErrBridgeClosed)
}

// Done returns a channel that is closed once the bridge reached StateTornDown or StateFailed.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Err returns the reason the bridge was torn down, nil while it is still usable.
func (b *Bridge) Err() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cause
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// HostInfo returns the host's name and version, known once connected.
func (b *Bridge) HostInfo() Info {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hostInfo
}

// HostCapabilities returns the capabilities the host advertised in the handshake.
func (b *Bridge) HostCapabilities() HostCapabilities {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hostCapabilities
}

// HostContext returns the host context received in the handshake with every later
// host-context-changed update merged in.
func (b *Bridge) HostContext() HostContext {
	b.mu.RLock()
	state := b.hostContext
	b.mu.RUnlock()

	hc, err := state.context()
	if err != nil {
		b.logger.Error("invalid host context", "err", err)
	}
	return hc
}

// CallTool asks the host to call a tool of the MCP server the app belongs to.
func (b *Bridge) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	res, err := b.Request(ctx, b.methods.ToolsCall, params)
	if err != nil {
		return CallToolResult{}, fmt.Errorf("failed to call tool: %w", err)
	}

	var result CallToolResult
	if err := json.Unmarshal(res, &result); err != nil {
		return CallToolResult{}, fmt.Errorf("failed to unmarshal tool result: %w", err)
	}
	return result, nil
}

// ReadResource asks the host to read a resource of the MCP server the app belongs to.
func (b *Bridge) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	res, err := b.Request(ctx, b.methods.ResourcesRead, params)
	if err != nil {
		return ReadResourceResult{}, fmt.Errorf("failed to read resource: %w", err)
	}

	var result ReadResourceResult
	if err := json.Unmarshal(res, &result); err != nil {
		return ReadResourceResult{}, fmt.Errorf("failed to unmarshal resource result: %w", err)
	}
	return result, nil
}

// SendMessage asks the host to add a message to the conversation.
func (b *Bridge) SendMessage(ctx context.Context, params MessageParams) (MessageResult, error) {
	res, err := b.Request(ctx, b.methods.Message, params)
	if err != nil {
		return MessageResult{}, fmt.Errorf("failed to send message: %w", err)
	}

	var result MessageResult
	if err := json.Unmarshal(res, &result); err != nil {
		return MessageResult{}, fmt.Errorf("failed to unmarshal message result: %w", err)
	}
	return result, nil
}

// OpenLink asks the host to open url outside the app.
func (b *Bridge) OpenLink(ctx context.Context, url string) (OpenLinkResult, error) {
	res, err := b.Request(ctx, b.methods.OpenLink, OpenLinkParams{URL: url})
	if err != nil {
		return OpenLinkResult{}, fmt.Errorf("failed to open link: %w", err)
	}

	var result OpenLinkResult
	if err := json.Unmarshal(res, &result); err != nil {
		return OpenLinkResult{}, fmt.Errorf("failed to unmarshal open link result: %w", err)
	}
	return result, nil
}

// NotifySizeChanged tells the host the rendered size of the app changed.
func (b *Bridge) NotifySizeChanged(ctx context.Context, width, height int) error {
	return b.Notify(ctx, b.methods.SizeChanged, SizeChangedParams{Width: width, Height: height})
}

// Log sends a log message to the host.
func (b *Bridge) Log(ctx context.Context, params LogParams) error {
	return b.Notify(ctx, b.methods.Log, params)
}

// Ping checks that the host is responsive.
func (b *Bridge) Ping(ctx context.Context) error {
	if _, err := b.Request(ctx, b.methods.Ping, nil); err != nil {
		return fmt.Errorf("failed to ping host: %w", err)
	}
	return nil
}

// OnToolInput registers the handler for the complete tool arguments.
func (b *Bridge) OnToolInput(handler func(ctx context.Context, params ToolInputParams)) {
	b.On(b.methods.ToolInput, typedNotification(b.logger, handler))
}

// OnToolInputPartial registers the handler for streamed, incomplete tool arguments. Each
// notification carries the arguments received so far.
func (b *Bridge) OnToolInputPartial(handler func(ctx context.Context, params ToolInputParams)) {
	b.On(b.methods.ToolInputPartial, typedNotification(b.logger, handler))
}

// OnToolResult registers the handler for the result of the tool call the app renders.
func (b *Bridge) OnToolResult(handler func(ctx context.Context, result CallToolResult)) {
	b.On(b.methods.ToolResult, typedNotification(b.logger, handler))
}

// OnToolCancelled registers the handler called when the tool call is cancelled.
func (b *Bridge) OnToolCancelled(handler func(ctx context.Context, params ToolCancelledParams)) {
	b.On(b.methods.ToolCancelled, typedNotification(b.logger, handler))
}

// OnHostContextChanged registers the handler for host context updates. The handler receives the
// full context with the update already merged, not the partial update itself.
func (b *Bridge) OnHostContextChanged(handler func(ctx context.Context, hostContext HostContext)) {
	if handler == nil {
		b.On(b.methods.HostContextChanged, nil)
		return
	}
	b.On(b.methods.HostContextChanged, func(ctx context.Context, _ json.RawMessage) {
		handler(ctx, b.HostContext())
	})
}

// OnTeardown registers the handler for the host's teardown request. The host waits for the
// handler to return before destroying the app, so this is the place to persist state. Without a
// handler the request is acknowledged right away.
func (b *Bridge) OnTeardown(handler func(ctx context.Context, params TeardownParams) error) {
	if handler == nil {
		handler = func(context.Context, TeardownParams) error { return nil }
	}
	b.Handle(b.methods.Teardown, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params TeardownParams
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &params); err != nil {
				return nil, &RPCError{
					Code:    jsonRPCInvalidParamsCode,
					Message: errMsgInvalidParams,
					Data:    map[string]any{"error": err.Error()},
				}
			}
		}
		return nil, handler(ctx, params)
	})
}

func (b *Bridge) connected() (*conn, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	switch b.state {
	case StateConnected:
		return b.conn, nil
	case StateTornDown:
		return nil, ErrBridgeClosed
	default:
		return nil, ErrNotConnected
	}
}

// observeNotification keeps the host context current, before any handler sees the update.
func (b *Bridge) observeNotification(_ context.Context, env Envelope) {
	if env.Method != b.methods.HostContextChanged {
		return
	}
	if err := b.dispatcher.validator.validate(env.Method, env.Params); err != nil {
		return
	}

	b.mu.RLock()
	state := b.hostContext
	b.mu.RUnlock()

	if _, err := state.merge(env.Params); err != nil {
		b.logger.Warn("failed to apply host context update", "err", err)
	}
}

// failHandshake moves a handshaking bridge to StateFailed. A bridge closed meanwhile stays
// StateTornDown.
func (b *Bridge) failHandshake(c *conn, err error) error {
	if !errors.Is(err, ErrHandshakeFailed) {
		err = fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	b.mu.Lock()
	if b.state == StateHandshaking {
		b.state = StateFailed
	}
	b.mu.Unlock()

	if c != nil {
		c.close(err)
	}
	b.finish(err)
	b.logger.Error("handshake failed", "err", err)

	return err
}

func (b *Bridge) connClosed(cause error) {
	b.mu.Lock()
	if b.state == StateHandshaking {
		// Connect reports the lost channel and moves the bridge to StateFailed.
		b.mu.Unlock()
		return
	}
	if b.state == StateConnected {
		b.state = StateTornDown
	}
	b.mu.Unlock()

	b.finish(cause)
}

func (b *Bridge) finish(cause error) {
	b.doneOnce.Do(func() {
		b.mu.Lock()
		b.cause = cause
		b.mu.Unlock()
		close(b.done)
	})
}

func typedNotification[T any](logger *slog.Logger, handler func(context.Context, T)) NotificationHandler {
	if handler == nil {
		return nil
	}
	return func(ctx context.Context, raw json.RawMessage) {
		var params T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &params); err != nil {
				logger.Warn("failed to unmarshal notification params", "err", err)
				return
			}
		}
		handler(ctx, params)
	}
}

func (s State) String() string {
	switch s {
	case StateNotConnected:
		return "not-connected"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateTornDown:
		return "torn-down"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
