package apps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// dispatcher routes notifications and requests received from the peer to the handlers
// registered for their method. At most one handler is registered per method and kind.
type dispatcher struct {
	logger    *slog.Logger
	metrics   *Metrics
	validator *paramsValidator

	mu            sync.RWMutex
	notifications map[string]NotificationHandler
	requests      map[string]RequestHandler
}

func newDispatcher(logger *slog.Logger, metrics *Metrics, validator *paramsValidator) *dispatcher {
	return &dispatcher{
		logger:        logger,
		metrics:       metrics,
		validator:     validator,
		notifications: make(map[string]NotificationHandler),
		requests:      make(map[string]RequestHandler),
	}
}

// on registers the notification handler for method, replacing the previous one. A nil handler
// removes the registration.
func (d *dispatcher) on(method string, handler NotificationHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if handler == nil {
		delete(d.notifications, method)
		return
	}
	d.notifications[method] = handler
}

// handle registers the request handler for method, replacing the previous one. A nil handler
// removes the registration.
func (d *dispatcher) handle(method string, handler RequestHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if handler == nil {
		delete(d.requests, method)
		return
	}
	d.requests[method] = handler
}

// dispatch runs the handler registered for the notification, if any. Invalid params are dropped
// before reaching the handler, and a panicking handler is recovered so that later notifications
// are still delivered.
func (d *dispatcher) dispatch(ctx context.Context, env Envelope) {
	d.mu.RLock()
	handler, ok := d.notifications[env.Method]
	d.mu.RUnlock()

	if !ok {
		d.logger.Debug("no handler for notification", "method", env.Method)
		d.metrics.notificationReceived(env.Method, notificationUnhandled)
		return
	}

	if err := d.validator.validate(env.Method, env.Params); err != nil {
		d.logger.Warn("dropping notification", "method", env.Method, "err", err)
		d.metrics.notificationReceived(env.Method, notificationInvalid)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notification handler panicked",
				"method", env.Method, "panic", r, "stack", string(debug.Stack()))
			d.metrics.notificationReceived(env.Method, notificationPanicked)
		}
	}()

	handler(ctx, env.Params)
	d.metrics.notificationReceived(env.Method, notificationDispatched)
}

// serve answers a request with the handler registered for its method. The returned error is
// always an *RPCError ready to be sent back to the peer.
func (d *dispatcher) serve(ctx context.Context, env Envelope) (result any, rpcErr *RPCError) {
	d.mu.RLock()
	handler, ok := d.requests[env.Method]
	d.mu.RUnlock()

	if !ok {
		return nil, &RPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: errMsgMethodNotFound,
			Data:    map[string]any{"method": env.Method},
		}
	}

	if err := d.validator.validate(env.Method, env.Params); err != nil {
		return nil, &RPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: errMsgInvalidParams,
			Data:    map[string]any{"error": err.Error()},
		}
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("request handler panicked",
				"method", env.Method, "panic", r, "stack", string(debug.Stack()))
			result = nil
			rpcErr = &RPCError{
				Code:    jsonRPCInternalErrorCode,
				Message: fmt.Sprintf("%s: handler panicked: %v", errMsgInternalError, r),
			}
		}
	}()

	res, err := handler(ctx, env.Params)
	if err != nil {
		var e *RPCError
		if errors.As(err, &e) {
			return nil, e
		}
		return nil, &RPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: err.Error(),
		}
	}

	return res, nil
}

// clear drops every registration.
func (d *dispatcher) clear() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.notifications = make(map[string]NotificationHandler)
	d.requests = make(map[string]RequestHandler)
}
