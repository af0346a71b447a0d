package apps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEHost implements a framework-agnostic Server-Sent Events host transport. Frames for the app
// are streamed as SSE "message" events, frames from the app arrive as HTTP POST requests on the
// message endpoint announced in the initial "endpoint" event.
//
// The transport exposes HandleSSE and HandleMessage http.Handlers, which can be mounted on any
// router. Frames must be text, so SSEHost only works with text codecs like JSONCodec.
type SSEHost struct {
	messageURL     string
	maxPayloadSize int64
	logger         *slog.Logger

	channels         chan *sseHostChannel
	removedChannels  chan string
	receivedMessages chan sseChannelFrame

	closeOnce sync.Once
	done      chan struct{}
	closed    chan struct{}
}

// SSEHostOption represents the options for the SSEHost.
type SSEHostOption func(*SSEHost)

// SSEClient implements the app side of the SSE transport. It reads the host's frames from the
// event stream and posts its own frames to the announced message endpoint.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseHostChannel struct {
	id           string
	sess         *sse.Session
	sendFrames   chan sseHostChannelSend
	receivedMsgs chan []byte
	logger       *slog.Logger

	stopOnce   sync.Once
	done       chan struct{}
	sendClosed chan struct{}
}

type sseChannelFrame struct {
	channelID string
	frame     []byte
}

type sseHostChannelSend struct {
	msg  *sse.Message
	errs chan<- error
}

type sseClientChannel struct {
	id         string
	client     *SSEClient
	messageURL string
	frames     chan []byte
	cancel     context.CancelFunc

	stopOnce sync.Once
	done     chan struct{}
}

const defaultSSEMaxPayloadSize = 4 << 20

var errSSEChannelClosed = errors.New("sse channel closed")

// NewSSEHost creates an SSE host transport. The messageURL is announced to every app as the
// endpoint to post its frames to, with the channel id appended as the sessionID query parameter.
func NewSSEHost(messageURL string, options ...SSEHostOption) *SSEHost {
	s := &SSEHost{
		messageURL:       messageURL,
		maxPayloadSize:   defaultSSEMaxPayloadSize,
		logger:           slog.Default(),
		channels:         make(chan *sseHostChannel, 5),
		removedChannels:  make(chan string),
		receivedMessages: make(chan sseChannelFrame),
		done:             make(chan struct{}),
		closed:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithSSEHostLogger sets the logger for the SSE host transport.
func WithSSEHostLogger(logger *slog.Logger) SSEHostOption {
	return func(s *SSEHost) {
		s.logger = logger
	}
}

// WithSSEHostMaxPayloadSize limits the size of a frame posted by an app.
func WithSSEHostMaxPayloadSize(size int64) SSEHostOption {
	return func(s *SSEHost) {
		s.maxPayloadSize = size
	}
}

// NewSSEClient creates an SSE client that connects to the specified connectURL. If httpClient
// is nil, the default HTTP client is used.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of an event received from the host. A larger
// event ends the channel.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger for the SSE client.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger
	}
}

// Channels implements HostTransport. It yields a channel for every app that opened the event
// stream and routes posted frames to their channel.
func (s *SSEHost) Channels() iter.Seq[Channel] {
	return func(yield func(Channel) bool) {
		defer close(s.closed)

		channels := make(map[string]*sseHostChannel)

		for {
			select {
			case <-s.done:
				return
			case ch := <-s.channels:
				go ch.processSendFrames()
				channels[ch.id] = ch

				if !yield(ch) {
					return
				}
			case id := <-s.removedChannels:
				delete(channels, id)
			case msg := <-s.receivedMessages:
				ch, ok := channels[msg.channelID]
				if !ok {
					// The channel might already be closed.
					continue
				}

				select {
				case <-s.done:
					return
				case <-ch.done:
				case ch.receivedMsgs <- msg.frame:
				}
			}
		}
	}
}

// Shutdown implements HostTransport. It stops the Channels iteration and waits for it to end.
func (s *SSEHost) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.done)
	})

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE host: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler that opens the event stream of a new app over a GET request.
// The first event announces the message endpoint. The connection stays open until the app
// disconnects or the channel is stopped.
func (s *SSEHost) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		id := uuid.New().String()
		endpoint := fmt.Sprintf("%s?sessionID=%s", s.messageURL, id)

		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(endpoint)
		if err := sess.Send(&msg); err != nil {
			s.logger.Error("failed to write endpoint event", "err", err)
			return
		}
		if err := sess.Flush(); err != nil {
			s.logger.Error("failed to flush endpoint event", "err", err)
			return
		}

		ch := &sseHostChannel{
			id:           id,
			sess:         sess,
			logger:       s.logger.With(slog.String("channelID", id)),
			sendFrames:   make(chan sseHostChannelSend, 5),
			receivedMsgs: make(chan []byte, 5),
			done:         make(chan struct{}),
			sendClosed:   make(chan struct{}),
		}

		select {
		case <-s.done:
			return
		case <-r.Context().Done():
			return
		case s.channels <- ch:
		}

		// Keep the response open until either side ends the stream.
		select {
		case <-ch.done:
		case <-r.Context().Done():
			ch.Stop()
		}
		select {
		case <-ch.sendClosed:
		case <-s.closed:
		}

		select {
		case s.removedChannels <- id:
		case <-s.done:
		}
	})
}

// HandleMessage returns an http.Handler that receives the frames apps post. The request must
// carry the sessionID query parameter announced in the endpoint event.
func (s *SSEHost) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("sessionID")
		if id == "" {
			s.logger.Warn("missing sessionID query parameter")
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		frame, err := io.ReadAll(io.LimitReader(r.Body, s.maxPayloadSize+1))
		if err != nil {
			nErr := fmt.Errorf("failed to read frame: %w", err)
			s.logger.Warn("failed to read frame", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}
		if int64(len(frame)) > s.maxPayloadSize {
			http.Error(w, "frame too large", http.StatusRequestEntityTooLarge)
			return
		}

		select {
		case <-s.done:
			http.Error(w, "host is shutting down", http.StatusServiceUnavailable)
		case <-r.Context().Done():
		case s.receivedMessages <- sseChannelFrame{channelID: id, frame: frame}:
		}
	})
}

// Connect implements AppTransport. It opens the event stream and waits for the endpoint event.
// The stream outlives ctx and is closed when the returned channel is stopped.
func (s *SSEClient) Connect(ctx context.Context) (Channel, error) {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to SSE host: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	ch := &sseClientChannel{
		id:     uuid.New().String(),
		client: s,
		frames: make(chan []byte),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	ready := make(chan error, 1)
	go ch.listenSSEMessages(resp.Body, ready)

	select {
	case <-ctx.Done():
		ch.Stop()
		return nil, ctx.Err()
	case err := <-ready:
		if err != nil {
			ch.Stop()
			return nil, err
		}
	}

	return ch, nil
}

func (c *sseClientChannel) listenSSEMessages(body io.ReadCloser, ready chan<- error) {
	defer func() {
		body.Close()
		close(c.frames)
	}()

	var config *sse.ReadConfig
	if c.client.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: c.client.maxPayloadSize,
		}
	}

	endpointSet := false
	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.client.logger.Error("failed to read SSE event", "err", err)
			}
			if !endpointSet {
				ready <- fmt.Errorf("event stream ended before endpoint: %w", err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			base, err := url.Parse(c.client.connectURL)
			if err != nil {
				ready <- fmt.Errorf("failed to parse connect URL: %w", err)
				return
			}
			u, err := base.Parse(ev.Data)
			if err != nil {
				ready <- fmt.Errorf("failed to parse endpoint URL: %w", err)
				return
			}
			if endpointSet {
				c.client.logger.Warn("ignoring repeated endpoint event", "endpoint", u.String())
				continue
			}
			c.messageURL = u.String()
			endpointSet = true
			ready <- nil
		case "message":
			if !endpointSet {
				c.client.logger.Error("received message before endpoint URL")
				continue
			}
			select {
			case <-c.done:
				return
			case c.frames <- []byte(ev.Data):
			}
		default:
			c.client.logger.Warn("unhandled event type", "type", ev.Type)
		}
	}

	if !endpointSet {
		ready <- errors.New("event stream ended before endpoint")
	}
}

func (c *sseClientChannel) ID() string { return c.id }

func (c *sseClientChannel) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return errSSEChannelClosed
	default:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messageURL, bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

func (c *sseClientChannel) Frames() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			select {
			case <-c.done:
				return
			case frame, ok := <-c.frames:
				if !ok {
					return
				}
				if !yield(frame) {
					return
				}
			}
		}
	}
}

func (c *sseClientChannel) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
}

func (c *sseHostChannel) ID() string { return c.id }

func (c *sseHostChannel) Send(ctx context.Context, frame []byte) error {
	msg := &sse.Message{
		Type: sse.Type("message"),
	}
	msg.AppendData(string(frame))

	errs := make(chan error, 1)

	// Queue the message so a single goroutine writes to the stream.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errSSEChannelClosed
	case c.sendFrames <- sseHostChannelSend{msg, errs}:
	}

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errSSEChannelClosed
	}
}

func (c *sseHostChannel) Frames() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			select {
			case frame := <-c.receivedMsgs:
				if !yield(frame) {
					return
				}
			case <-c.done:
				return
			}
		}
	}
}

func (c *sseHostChannel) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

func (c *sseHostChannel) processSendFrames() {
	defer close(c.sendClosed)

	for {
		select {
		case sf := <-c.sendFrames:
			if err := c.sess.Send(sf.msg); err != nil {
				c.logger.Warn("failed to send message", slog.String("err", err.Error()))
				sf.errs <- err
				continue
			}
			if err := c.sess.Flush(); err != nil {
				c.logger.Warn("failed to flush message", slog.String("err", err.Error()))
				sf.errs <- err
				continue
			}
			sf.errs <- nil
		case <-c.done:
			return
		}
	}
}
