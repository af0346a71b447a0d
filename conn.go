package apps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// conn is the message engine shared by both ends of the bridge. It owns one channel, decodes
// every frame it receives, settles responses through the correlator, dispatches notifications
// and serves requests. Sending is safe from any goroutine.
type conn struct {
	channel        Channel
	codec          Codec
	methods        Methods
	requestTimeout time.Duration
	sendTimeout    time.Duration
	logger         *slog.Logger
	metrics        *Metrics

	correlator *correlator
	dispatcher *dispatcher

	// observe sees every well-formed notification before it is dispatched.
	observe func(ctx context.Context, env Envelope)
	// gate may refuse a request before it reaches its handler.
	gate func(method string) *RPCError
	// onClose runs once, after the conn is torn down.
	onClose func(cause error)

	ctx    context.Context
	cancel context.CancelFunc

	inflightMu sync.Mutex
	inflight   map[RequestID]context.CancelFunc
	handlers   sync.WaitGroup

	closeOnce sync.Once
	cause     error
	done      chan struct{}
}

type connConfig struct {
	codec          Codec
	methods        Methods
	requestTimeout time.Duration
	sendTimeout    time.Duration
	logger         *slog.Logger
	metrics        *Metrics
	dispatcher     *dispatcher
}

func newConn(channel Channel, cfg connConfig) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		channel:        channel,
		codec:          cfg.codec,
		methods:        cfg.methods,
		requestTimeout: cfg.requestTimeout,
		sendTimeout:    cfg.sendTimeout,
		logger:         cfg.logger.With(slog.String("channelID", channel.ID())),
		metrics:        cfg.metrics,
		correlator:     newCorrelator(cfg.metrics),
		dispatcher:     cfg.dispatcher,
		ctx:            ctx,
		cancel:         cancel,
		inflight:       make(map[RequestID]context.CancelFunc),
		done:           make(chan struct{}),
	}
	c.dispatcher.handle(cfg.methods.Ping, func(context.Context, json.RawMessage) (any, error) {
		return nil, nil
	})
	return c
}

// start consumes the channel in a new goroutine until the channel ends or the conn is closed.
func (c *conn) start() {
	go c.readLoop()
}

func (c *conn) readLoop() {
	for frame := range c.channel.Frames() {
		c.handleFrame(frame)
	}
	c.close(ErrChannelClosed)
}

func (c *conn) handleFrame(frame []byte) {
	env, err := c.codec.Decode(frame)
	if err != nil {
		if errors.Is(err, ErrForeignMessage) {
			c.logger.Debug("ignoring foreign frame", "err", err)
			c.metrics.frameIgnored(frameForeign)
			return
		}
		c.logger.Warn("dropping malformed envelope", "err", err)
		c.metrics.frameIgnored(frameMalformed)
		return
	}

	switch env.Kind() {
	case KindResponse:
		if !c.correlator.resolve(env) {
			c.logger.Debug("ignoring response without pending request", "id", idString(env.ID))
			c.metrics.frameIgnored(frameUnmatched)
		}
	case KindNotification:
		if env.Method == c.methods.Cancelled {
			c.cancelInflight(env.Params)
			return
		}
		if c.observe != nil {
			c.observe(c.ctx, env)
		}
		c.dispatcher.dispatch(c.ctx, env)
	case KindRequest:
		c.serveRequest(env)
	default:
		c.logger.Warn("dropping unclassifiable envelope", "method", env.Method)
		c.metrics.frameIgnored(frameMalformed)
	}
}

func (c *conn) serveRequest(env Envelope) {
	id := *env.ID
	if c.ctx.Err() != nil {
		return
	}

	if c.gate != nil {
		if rpcErr := c.gate(env.Method); rpcErr != nil {
			if err := c.write(c.ctx, newError(id, rpcErr)); err != nil {
				c.logger.Error("failed to send error", "method", env.Method, "err", err)
			}
			return
		}
	}

	ctx, cancel := context.WithCancel(c.ctx)
	c.inflightMu.Lock()
	c.inflight[id] = cancel
	c.inflightMu.Unlock()

	c.handlers.Add(1)
	go func() {
		defer c.handlers.Done()
		defer func() {
			c.inflightMu.Lock()
			delete(c.inflight, id)
			c.inflightMu.Unlock()
			cancel()
		}()

		result, rpcErr := c.dispatcher.serve(ctx, env)
		if ctx.Err() != nil {
			// The peer cancelled the request or the conn is gone, nobody waits for the answer.
			c.logger.Debug("request abandoned", "method", env.Method, "id", id.String())
			return
		}

		var msg Envelope
		if rpcErr != nil {
			c.logger.Warn("request failed", "method", env.Method, "err", rpcErr)
			msg = newError(id, rpcErr)
		} else {
			var err error
			if msg, err = newResult(id, result); err != nil {
				msg = newError(id, &RPCError{Code: jsonRPCInternalErrorCode, Message: err.Error()})
			}
		}
		if err := c.write(c.ctx, msg); err != nil {
			c.logger.Error("failed to send response", "method", env.Method, "err", err)
		}
	}()
}

func (c *conn) cancelInflight(params json.RawMessage) {
	if err := c.dispatcher.validator.validate(c.methods.Cancelled, params); err != nil {
		c.logger.Warn("dropping cancellation", "err", err)
		return
	}

	var p cancelledParams
	if err := json.Unmarshal(params, &p); err != nil {
		c.logger.Warn("failed to unmarshal cancelled params", "err", err)
		return
	}

	c.inflightMu.Lock()
	cancel, ok := c.inflight[p.RequestID]
	c.inflightMu.Unlock()

	if !ok {
		return
	}
	c.logger.Debug("peer cancelled request", "id", p.RequestID.String(), "reason", p.Reason)
	cancel()
}

// request sends a request and waits for its settlement. When ctx ends first the request is
// settled with ctx.Err() and the peer is told to stop working on it.
func (c *conn) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	paramsBs, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	p, err := c.correlator.register(method, c.requestTimeout)
	if err != nil {
		return nil, err
	}
	n := p.number()

	err = c.write(ctx, Envelope{
		JSONRPC: JSONRPCVersion,
		ID:      &p.id,
		Method:  method,
		Params:  paramsBs,
	})
	if err != nil {
		c.correlator.settle(n, reply{err: fmt.Errorf("failed to send request: %w", err)}, outcomeError)
		r := <-p.replies
		return r.result, r.err
	}

	select {
	case r := <-p.replies:
		return r.result, r.err
	case <-ctx.Done():
	}

	if c.correlator.settle(n, reply{err: ctx.Err()}, outcomeCancelled) {
		nErr := c.notify(context.WithoutCancel(ctx), c.methods.Cancelled, cancelledParams{
			RequestID: p.id,
			Reason:    userCancelledReason,
		})
		if nErr != nil {
			c.logger.Warn("failed to send cancellation", "method", method, "err", nErr)
		}
	}
	r := <-p.replies
	return r.result, r.err
}

func (c *conn) notify(ctx context.Context, method string, params any) error {
	env, err := newNotification(method, params)
	if err != nil {
		return err
	}
	return c.write(ctx, env)
}

func (c *conn) write(ctx context.Context, env Envelope) error {
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}

	bs, err := c.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", env.Kind(), err)
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.sendTimeout)
	defer sCancel()

	if err := c.channel.Send(sCtx, bs); err != nil {
		return fmt.Errorf("failed to send %s: %w", env.Kind(), err)
	}
	return nil
}

// close tears the conn down: pending requests are rejected, running request handlers are
// cancelled, handlers are dropped and the channel is stopped. Only the first call has effect.
func (c *conn) close(cause error) {
	c.closeOnce.Do(func() {
		c.cause = cause
		rejected := c.correlator.closeAll(c.closedErr())
		c.cancel()
		c.dispatcher.clear()
		c.channel.Stop()
		close(c.done)

		c.logger.Debug("connection closed", "cause", cause, "rejected", rejected)
		if c.onClose != nil {
			c.onClose(cause)
		}
	})
}

func (c *conn) closedErr() error {
	if c.cause == nil || errors.Is(c.cause, ErrBridgeClosed) {
		return ErrBridgeClosed
	}
	return fmt.Errorf("%w: %w", ErrBridgeClosed, c.cause)
}

// wait blocks until every request handler started by the conn returned.
func (c *conn) wait() {
	c.handlers.Wait()
}
