package apps

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// HostOption represents the options for the host.
type HostOption func(*Host)

// Host is the embedding side of the MCP Apps protocol. It serves every app channel its
// HostTransport yields as a HostSession: it answers the initialize handshake, routes the app's
// requests to the configured handlers and lets the embedding application push tool input, tool
// results and context updates to the app.
type Host struct {
	info            Info
	capabilities    HostCapabilities
	hostContext     HostContext
	transport       HostTransport
	protocolVersion string
	codec           Codec
	methods         Methods
	schemas         map[string]*gojsonschema.Schema

	toolCaller     ToolCaller
	resourceReader ResourceReader
	messageHandler MessageHandler
	linkOpener     LinkOpener
	sizeWatcher    SizeWatcher
	logReceiver    LogReceiver

	requestTimeout       time.Duration
	sendTimeout          time.Duration
	pingInterval         time.Duration
	pingTimeoutThreshold int

	logger  *slog.Logger
	metrics *Metrics

	onAppInitialized  func(*HostSession)
	onAppDisconnected func(sessionID string)

	sessionsMu        sync.RWMutex
	sessions          map[string]*HostSession
	sessionsWaitGroup sync.WaitGroup

	closeOnce sync.Once
	done      chan struct{}
}

// HostSession is one app served by a Host.
type HostSession struct {
	host   *Host
	conn   *conn
	logger *slog.Logger

	hostContext *hostContextState

	mu              sync.RWMutex
	handshook       bool
	initialized     bool
	appInfo         Info
	appCapabilities AppCapabilities

	ready     chan struct{}
	readyOnce sync.Once
}

var (
	defaultHostPingInterval         = 30 * time.Second
	defaultHostPingTimeoutThreshold = 3
)

// WithToolCaller sets the handler for the app's tools/call requests and advertises the
// serverTools capability.
func WithToolCaller(caller ToolCaller) HostOption {
	return func(h *Host) {
		h.toolCaller = caller
	}
}

// WithResourceReader sets the handler for the app's resources/read requests and advertises the
// serverResources capability.
func WithResourceReader(reader ResourceReader) HostOption {
	return func(h *Host) {
		h.resourceReader = reader
	}
}

// WithMessageHandler sets the handler for the app's ui/message requests.
func WithMessageHandler(handler MessageHandler) HostOption {
	return func(h *Host) {
		h.messageHandler = handler
	}
}

// WithLinkOpener sets the handler for the app's ui/open-link requests.
func WithLinkOpener(opener LinkOpener) HostOption {
	return func(h *Host) {
		h.linkOpener = opener
	}
}

// WithSizeWatcher sets the watcher for the app's size-changed notifications.
func WithSizeWatcher(watcher SizeWatcher) HostOption {
	return func(h *Host) {
		h.sizeWatcher = watcher
	}
}

// WithLogReceiver sets the receiver for the app's log notifications.
func WithLogReceiver(receiver LogReceiver) HostOption {
	return func(h *Host) {
		h.logReceiver = receiver
	}
}

// WithHostContext sets the initial host context sent to every app in the initialize result.
func WithHostContext(hostContext HostContext) HostOption {
	return func(h *Host) {
		h.hostContext = hostContext
	}
}

// WithHostRequestTimeout sets how long a request to an app waits for its response. A negative
// timeout disables the timeout.
func WithHostRequestTimeout(timeout time.Duration) HostOption {
	return func(h *Host) {
		h.requestTimeout = timeout
	}
}

// WithHostSendTimeout sets the timeout for writing a single frame to an app.
func WithHostSendTimeout(timeout time.Duration) HostOption {
	return func(h *Host) {
		h.sendTimeout = timeout
	}
}

// WithHostPingInterval sets the interval between keepalive pings to each app. A negative interval
// disables the pings.
func WithHostPingInterval(interval time.Duration) HostOption {
	return func(h *Host) {
		h.pingInterval = interval
	}
}

// WithHostPingTimeoutThreshold sets how many consecutive pings may fail before the session is
// closed.
func WithHostPingTimeoutThreshold(threshold int) HostOption {
	return func(h *Host) {
		h.pingTimeoutThreshold = threshold
	}
}

// WithHostCodec sets the wire codec, JSONCodec by default.
func WithHostCodec(codec Codec) HostOption {
	return func(h *Host) {
		h.codec = codec
	}
}

// WithHostMethods overrides method names. Empty fields keep their default.
func WithHostMethods(methods Methods) HostOption {
	return func(h *Host) {
		h.methods = methods
	}
}

// WithHostProtocolVersion sets the only protocol version the host accepts.
func WithHostProtocolVersion(version string) HostOption {
	return func(h *Host) {
		h.protocolVersion = version
	}
}

// WithHostParamsSchema validates the params of the given incoming method against schema,
// replacing the built-in schema if there is one. A nil schema disables validation of the method.
func WithHostParamsSchema(method string, schema *gojsonschema.Schema) HostOption {
	return func(h *Host) {
		if h.schemas == nil {
			h.schemas = make(map[string]*gojsonschema.Schema)
		}
		h.schemas[method] = schema
	}
}

// WithHostLogger sets the logger for the host.
func WithHostLogger(logger *slog.Logger) HostOption {
	return func(h *Host) {
		h.logger = logger.With(slog.String("component", "host"))
	}
}

// WithHostMetrics sets the metrics the host records to.
func WithHostMetrics(metrics *Metrics) HostOption {
	return func(h *Host) {
		h.metrics = metrics
	}
}

// WithOnAppInitialized sets a callback that runs, in its own goroutine, once an app completed the
// handshake. This is where the embedding application usually pushes the tool input.
func WithOnAppInitialized(callback func(*HostSession)) HostOption {
	return func(h *Host) {
		h.onAppInitialized = callback
	}
}

// WithOnAppDisconnected sets a callback that runs after a session ended.
func WithOnAppDisconnected(callback func(sessionID string)) HostOption {
	return func(h *Host) {
		h.onAppDisconnected = callback
	}
}

// NewHost creates a host that serves the apps of transport.
func NewHost(info Info, transport HostTransport, options ...HostOption) *Host {
	h := &Host{
		info:      info,
		transport: transport,
		logger:    slog.Default(),
		sessions:  make(map[string]*HostSession),
		done:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(h)
	}

	if h.requestTimeout == 0 {
		h.requestTimeout = defaultRequestTimeout
	}
	if h.sendTimeout == 0 {
		h.sendTimeout = defaultSendTimeout
	}
	if h.pingInterval == 0 {
		h.pingInterval = defaultHostPingInterval
	}
	if h.pingTimeoutThreshold == 0 {
		h.pingTimeoutThreshold = defaultHostPingTimeoutThreshold
	}
	if h.protocolVersion == "" {
		h.protocolVersion = DefaultProtocolVersion
	}
	if h.codec == nil {
		h.codec = JSONCodec{}
	}
	h.methods = h.methods.withDefaults()

	h.capabilities = HostCapabilities{}
	if h.toolCaller != nil {
		h.capabilities.ServerTools = &ServerToolsCapability{}
	}
	if h.resourceReader != nil {
		h.capabilities.ServerResources = &ServerResourcesCapability{}
	}
	if h.linkOpener != nil {
		h.capabilities.OpenLinks = &OpenLinksCapability{}
	}
	if h.messageHandler != nil {
		h.capabilities.Message = &MessageCapability{}
	}
	if h.logReceiver != nil {
		h.capabilities.Logging = &LoggingCapability{}
	}

	return h
}

// Serve accepts apps from the transport and serves each in its own goroutine. It blocks until the
// transport stops yielding channels, which happens on Shutdown.
func (h *Host) Serve() {
	for ch := range h.transport.Channels() {
		select {
		case <-h.done:
			ch.Stop()
			continue
		default:
		}

		s := h.newSession(ch)

		h.sessionsMu.Lock()
		h.sessions[ch.ID()] = s
		h.sessionsMu.Unlock()
		h.metrics.sessionOpened()

		h.sessionsWaitGroup.Add(1)
		go func() {
			defer h.sessionsWaitGroup.Done()
			s.run()

			h.sessionsMu.Lock()
			delete(h.sessions, ch.ID())
			h.sessionsMu.Unlock()
			h.metrics.sessionClosed()

			if h.onAppDisconnected != nil {
				h.onAppDisconnected(ch.ID())
			}
		}()
	}
}

// Shutdown stops accepting apps, closes every session and waits for them to finish. It returns
// an error if ctx ends before that.
func (h *Host) Shutdown(ctx context.Context) error {
	h.closeOnce.Do(func() {
		close(h.done)
	})

	for _, s := range h.Sessions() {
		s.Close()
	}

	if err := h.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	sessionsDone := make(chan struct{})
	go func() {
		h.sessionsWaitGroup.Wait()
		close(sessionsDone)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for sessions: %w", ctx.Err())
	case <-sessionsDone:
	}

	return nil
}

// Session returns the session with the given id.
func (h *Host) Session(id string) (*HostSession, bool) {
	h.sessionsMu.RLock()
	defer h.sessionsMu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

// Sessions returns the sessions currently served.
func (h *Host) Sessions() []*HostSession {
	h.sessionsMu.RLock()
	defer h.sessionsMu.RUnlock()

	sessions := make([]*HostSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

func (h *Host) newSession(ch Channel) *HostSession {
	validator := newParamsValidator(h.methods, h.schemas)
	logger := h.logger.With(slog.String("sessionID", ch.ID()))

	s := &HostSession{
		host:        h,
		logger:      logger,
		hostContext: newHostContextState(nil),
		ready:       make(chan struct{}),
	}
	if patch, err := hostContextPatch(h.hostContext); err == nil {
		s.hostContext = newHostContextState(patch)
	} else {
		logger.Error("invalid initial host context", "err", err)
	}

	d := newDispatcher(logger, h.metrics, validator)
	s.conn = newConn(ch, connConfig{
		codec:          h.codec,
		methods:        h.methods,
		requestTimeout: h.requestTimeout,
		sendTimeout:    h.sendTimeout,
		logger:         h.logger,
		metrics:        h.metrics,
		dispatcher:     d,
	})
	s.conn.gate = s.gate

	d.handle(h.methods.Initialize, s.handleInitialize)
	d.on(h.methods.Initialized, s.handleInitialized)

	if h.toolCaller != nil {
		d.handle(h.methods.ToolsCall, typedRequest(h.toolCaller.CallTool))
	}
	if h.resourceReader != nil {
		d.handle(h.methods.ResourcesRead, typedRequest(h.resourceReader.ReadResource))
	}
	if h.messageHandler != nil {
		d.handle(h.methods.Message, typedRequest(h.messageHandler.HandleMessage))
	}
	if h.linkOpener != nil {
		d.handle(h.methods.OpenLink, typedRequest(h.linkOpener.OpenLink))
	}
	if h.sizeWatcher != nil {
		d.on(h.methods.SizeChanged, s.initializedOnly(typedNotification(logger,
			func(_ context.Context, params SizeChangedParams) {
				h.sizeWatcher.OnSizeChanged(ch.ID(), params)
			})))
	}
	if h.logReceiver != nil {
		d.on(h.methods.Log, s.initializedOnly(typedNotification(logger,
			func(_ context.Context, params LogParams) {
				h.logReceiver.OnLog(ch.ID(), params)
			})))
	}

	return s
}

// ID returns the id of the session, the id of its channel.
func (s *HostSession) ID() string {
	return s.conn.channel.ID()
}

// AppInfo returns the app's name and version from the initialize request.
func (s *HostSession) AppInfo() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.appInfo
}

// AppCapabilities returns the capabilities the app advertised.
func (s *HostSession) AppCapabilities() AppCapabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.appCapabilities
}

// Ready returns a channel that is closed once the app sent the initialized notification.
func (s *HostSession) Ready() <-chan struct{} {
	return s.ready
}

// Done returns a channel that is closed once the session ended.
func (s *HostSession) Done() <-chan struct{} {
	return s.conn.done
}

// HostContext returns the context as the app currently sees it.
func (s *HostSession) HostContext() HostContext {
	hc, err := s.hostContext.context()
	if err != nil {
		s.logger.Error("invalid host context", "err", err)
	}
	return hc
}

// Request sends a request to the app and waits for its response. It fails with ErrNotConnected
// before the app completed the handshake.
func (s *HostSession) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	return s.conn.request(ctx, method, params)
}

// Notify sends a notification to the app. It is gated like Request.
func (s *HostSession) Notify(ctx context.Context, method string, params any) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	return s.conn.notify(ctx, method, params)
}

// SendToolInput delivers the complete tool arguments to the app.
func (s *HostSession) SendToolInput(ctx context.Context, params ToolInputParams) error {
	return s.Notify(ctx, s.host.methods.ToolInput, params)
}

// SendToolInputPartial delivers the tool arguments streamed so far.
func (s *HostSession) SendToolInputPartial(ctx context.Context, params ToolInputParams) error {
	return s.Notify(ctx, s.host.methods.ToolInputPartial, params)
}

// SendToolResult delivers the result of the tool call to the app.
func (s *HostSession) SendToolResult(ctx context.Context, result CallToolResult) error {
	return s.Notify(ctx, s.host.methods.ToolResult, result)
}

// SendToolCancelled tells the app the tool call was cancelled.
func (s *HostSession) SendToolCancelled(ctx context.Context, reason string) error {
	return s.Notify(ctx, s.host.methods.ToolCancelled, ToolCancelledParams{Reason: reason})
}

// UpdateContext merges partial into the session's host context and sends it to the app. Only
// the non-zero fields of partial are changed.
func (s *HostSession) UpdateContext(ctx context.Context, partial HostContext) error {
	if err := s.checkReady(); err != nil {
		return err
	}

	patch, err := hostContextPatch(partial)
	if err != nil {
		return err
	}
	if _, err := s.hostContext.merge(patch); err != nil {
		return err
	}
	return s.conn.notify(ctx, s.host.methods.HostContextChanged, patch)
}

// Teardown asks the app to release its resources, waits for its answer and then closes the
// session. The session is closed even when the app fails to answer.
func (s *HostSession) Teardown(ctx context.Context, reason string) error {
	defer s.Close()

	if _, err := s.Request(ctx, s.host.methods.Teardown, TeardownParams{Reason: reason}); err != nil {
		return fmt.Errorf("failed to tear down app: %w", err)
	}
	return nil
}

// Close ends the session without notifying the app.
func (s *HostSession) Close() {
	s.conn.close(ErrBridgeClosed)
}

func (s *HostSession) run() {
	s.conn.start()

	if s.host.pingInterval > 0 {
		go s.pingLoop()
	}

	<-s.conn.done
	s.conn.wait()
}

func (s *HostSession) pingLoop() {
	select {
	case <-s.conn.done:
		return
	case <-s.ready:
	}

	pingTicker := time.NewTicker(s.host.pingInterval)
	defer pingTicker.Stop()
	failedPings := 0

	for {
		select {
		case <-s.conn.done:
			return
		case <-pingTicker.C:
		}

		if _, err := s.conn.request(context.Background(), s.host.methods.Ping, nil); err != nil {
			failedPings++
			s.logger.Warn("failed to ping app", "err", err, "failedPings", failedPings)
			if failedPings > s.host.pingTimeoutThreshold {
				s.logger.Warn("too many pings failed, closing session")
				s.conn.close(fmt.Errorf("too many ping failures: %d", failedPings))
				return
			}
			continue
		}
		failedPings = 0
	}
}

func (s *HostSession) gate(method string) *RPCError {
	if method == s.host.methods.Initialize || method == s.host.methods.Ping {
		return nil
	}
	if s.isInitialized() {
		return nil
	}
	return &RPCError{
		Code:    jsonRPCNotInitializedCode,
		Message: errMsgNotInitialized,
		Data:    map[string]any{"method": method},
	}
}

func (s *HostSession) handleInitialize(_ context.Context, raw json.RawMessage) (any, error) {
	var params initializeParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &RPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: errMsgInvalidParams,
			Data:    map[string]any{"error": err.Error()},
		}
	}

	if params.ProtocolVersion != s.host.protocolVersion {
		s.logger.Info("app requested unsupported protocol version",
			"requested", params.ProtocolVersion, "supported", s.host.protocolVersion)
		return nil, &RPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: errMsgUnsupportedProtocolVersion,
			Data: map[string]any{
				"supported": []string{s.host.protocolVersion},
				"requested": params.ProtocolVersion,
			},
		}
	}

	s.mu.Lock()
	s.handshook = true
	s.appInfo = params.AppInfo
	s.appCapabilities = params.AppCapabilities
	s.mu.Unlock()

	return initializeResult{
		ProtocolVersion:  s.host.protocolVersion,
		HostCapabilities: s.host.capabilities,
		HostInfo:         s.host.info,
		HostContext:      s.hostContext.raw(),
	}, nil
}

func (s *HostSession) handleInitialized(context.Context, json.RawMessage) {
	s.mu.Lock()
	if !s.handshook || s.initialized {
		s.mu.Unlock()
		s.logger.Warn("ignoring unexpected initialized notification")
		return
	}
	s.initialized = true
	info := s.appInfo
	s.mu.Unlock()

	s.readyOnce.Do(func() {
		close(s.ready)
	})
	s.logger.Info("app initialized", "app", info.Name, "version", info.Version)

	if s.host.onAppInitialized != nil {
		go s.host.onAppInitialized(s)
	}
}

func (s *HostSession) initializedOnly(handler NotificationHandler) NotificationHandler {
	return func(ctx context.Context, params json.RawMessage) {
		if !s.isInitialized() {
			return
		}
		handler(ctx, params)
	}
}

func (s *HostSession) isInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

func (s *HostSession) checkReady() error {
	select {
	case <-s.conn.done:
		return ErrBridgeClosed
	default:
	}
	if !s.isInitialized() {
		return ErrNotConnected
	}
	return nil
}

func typedRequest[P, R any](fn func(context.Context, P) (R, error)) RequestHandler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params P
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &params); err != nil {
				return nil, &RPCError{
					Code:    jsonRPCInvalidParamsCode,
					Message: errMsgInvalidParams,
					Data:    map[string]any{"error": err.Error()},
				}
			}
		}
		result, err := fn(ctx, params)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}
