package apps

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// WebSocketHost is a HostTransport that accepts apps over websocket connections, one frame per
// websocket message. It is an http.Handler and can be mounted on any router.
type WebSocketHost struct {
	config webSocketConfig

	channels chan *webSocketChannel

	closeOnce sync.Once
	done      chan struct{}
}

// WebSocketDialer is an AppTransport that connects to a WebSocketHost.
type WebSocketDialer struct {
	url    string
	config webSocketConfig
}

// WebSocketOption configures a WebSocketHost or a WebSocketDialer.
type WebSocketOption func(*webSocketConfig)

type webSocketConfig struct {
	logger         *slog.Logger
	messageType    websocket.MessageType
	readLimit      int64
	originPatterns []string
	header         http.Header
	httpClient     *http.Client
}

type webSocketChannel struct {
	id          string
	conn        *websocket.Conn
	messageType websocket.MessageType
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	done     chan struct{}
}

const defaultWebSocketReadLimit = 4 << 20

var errWebSocketClosed = errors.New("websocket channel closed")

// WithWebSocketBinary sends frames as binary websocket messages, required by binary codecs such
// as CBORCodec. Both ends must agree.
func WithWebSocketBinary() WebSocketOption {
	return func(c *webSocketConfig) {
		c.messageType = websocket.MessageBinary
	}
}

// WithWebSocketLogger sets the logger of the transport.
func WithWebSocketLogger(logger *slog.Logger) WebSocketOption {
	return func(c *webSocketConfig) {
		c.logger = logger
	}
}

// WithWebSocketReadLimit sets the maximum size of a received frame.
func WithWebSocketReadLimit(limit int64) WebSocketOption {
	return func(c *webSocketConfig) {
		c.readLimit = limit
	}
}

// WithWebSocketOriginPatterns lists the origins allowed to connect to a WebSocketHost besides the
// host's own. Apps rendered in sandboxed iframes usually connect from a different origin.
func WithWebSocketOriginPatterns(patterns ...string) WebSocketOption {
	return func(c *webSocketConfig) {
		c.originPatterns = patterns
	}
}

// WithWebSocketHeader sets extra headers sent by a WebSocketDialer during the handshake.
func WithWebSocketHeader(header http.Header) WebSocketOption {
	return func(c *webSocketConfig) {
		c.header = header
	}
}

// WithWebSocketHTTPClient sets the HTTP client a WebSocketDialer uses for the handshake.
func WithWebSocketHTTPClient(client *http.Client) WebSocketOption {
	return func(c *webSocketConfig) {
		c.httpClient = client
	}
}

func newWebSocketConfig(options []WebSocketOption) webSocketConfig {
	c := webSocketConfig{
		logger:      slog.Default(),
		messageType: websocket.MessageText,
		readLimit:   defaultWebSocketReadLimit,
	}
	for _, opt := range options {
		opt(&c)
	}
	return c
}

// NewWebSocketHost creates a websocket host transport.
func NewWebSocketHost(options ...WebSocketOption) *WebSocketHost {
	return &WebSocketHost{
		config:   newWebSocketConfig(options),
		channels: make(chan *webSocketChannel),
		done:     make(chan struct{}),
	}
}

// NewWebSocketDialer creates an app transport that dials url.
func NewWebSocketDialer(url string, options ...WebSocketOption) *WebSocketDialer {
	return &WebSocketDialer{
		url:    url,
		config: newWebSocketConfig(options),
	}
}

// ServeHTTP accepts the websocket handshake and hands the connection to Channels. It returns once
// the channel is stopped.
func (h *WebSocketHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "host is shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.config.originPatterns,
	})
	if err != nil {
		h.config.logger.Warn("failed to accept websocket", "err", err)
		return
	}

	ch := newWebSocketChannel(conn, h.config)

	select {
	case <-h.done:
		ch.Stop()
		return
	case <-r.Context().Done():
		ch.Stop()
		return
	case h.channels <- ch:
	}

	<-ch.done
}

// Channels implements HostTransport.
func (h *WebSocketHost) Channels() iter.Seq[Channel] {
	return func(yield func(Channel) bool) {
		for {
			select {
			case <-h.done:
				return
			case ch := <-h.channels:
				if !yield(ch) {
					return
				}
			}
		}
	}
}

// Shutdown implements HostTransport. Connections already accepted are left to their sessions.
func (h *WebSocketHost) Shutdown(context.Context) error {
	h.closeOnce.Do(func() {
		close(h.done)
	})
	return nil
}

// Connect implements AppTransport. The ctx only bounds the handshake.
func (d *WebSocketDialer) Connect(ctx context.Context) (Channel, error) {
	conn, _, err := websocket.Dial(ctx, d.url, &websocket.DialOptions{
		HTTPClient: d.config.httpClient,
		HTTPHeader: d.config.header,
	})
	if err != nil {
		return nil, err
	}
	return newWebSocketChannel(conn, d.config), nil
}

func newWebSocketChannel(conn *websocket.Conn, config webSocketConfig) *webSocketChannel {
	conn.SetReadLimit(config.readLimit)

	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	return &webSocketChannel{
		id:          id,
		conn:        conn,
		messageType: config.messageType,
		logger:      config.logger.With(slog.String("channelID", id)),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

func (c *webSocketChannel) ID() string { return c.id }

func (c *webSocketChannel) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return errWebSocketClosed
	default:
	}
	return c.conn.Write(ctx, c.messageType, frame)
}

func (c *webSocketChannel) Frames() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		defer c.Stop()

		for {
			_, data, err := c.conn.Read(c.ctx)
			if err != nil {
				var ce websocket.CloseError
				switch {
				case errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure:
				case errors.Is(err, context.Canceled):
				case errors.As(err, &ce):
					c.logger.Warn("websocket closed", "code", ce.Code, "reason", ce.Reason)
				default:
					c.logger.Warn("failed to read websocket", "err", err)
				}
				return
			}
			if !yield(data) {
				return
			}
		}
	}
}

func (c *webSocketChannel) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.cancel()
		// The close handshake waits for the peer, do not hold the caller.
		go func() { _ = c.conn.Close(websocket.StatusNormalClosure, "closing") }()
	})
}
