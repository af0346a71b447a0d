package apps

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Codec converts envelopes to and from wire frames.
//
// Decode must return an error wrapping ErrForeignMessage for frames that do not belong to the
// protocol at all (unparseable, or without the protocol tag), and an error wrapping
// ErrMalformedEnvelope for tagged frames whose shape is not a request, a response or a
// notification. Callers ignore the former silently and drop the latter with a warning.
type Codec interface {
	Encode(env Envelope) ([]byte, error)
	Decode(frame []byte) (Envelope, error)
}

// JSONCodec encodes envelopes as JSON text, the wire format of window.postMessage hosts.
type JSONCodec struct{}

var (
	// ErrForeignMessage is returned by codecs for frames that are not protocol messages.
	ErrForeignMessage = errors.New("foreign message")
	// ErrMalformedEnvelope is returned by codecs for protocol messages with an invalid shape.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrNotConnected is returned when a request is issued before the handshake completed.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyConnected is returned by Connect on a bridge that already left the
	// not-connected state.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrBridgeClosed is returned for requests pending when the channel is torn down, and for
	// any request issued after that.
	ErrBridgeClosed = errors.New("bridge closed")
	// ErrChannelClosed is the teardown cause when the peer closes the channel.
	ErrChannelClosed = errors.New("channel closed")
	// ErrRequestTimeout is returned when no response arrives within the request timeout.
	ErrRequestTimeout = errors.New("request timeout")
	// ErrHandshakeFailed is returned by Connect when the initialize exchange fails.
	ErrHandshakeFailed = errors.New("handshake failed")
	// ErrProtocolVersion is returned when the peer negotiates an unsupported protocol version.
	ErrProtocolVersion = errors.New("unsupported protocol version")
)

// Encode implements Codec.
func (JSONCodec) Encode(env Envelope) ([]byte, error) {
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}
	bs, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return bs, nil
}

// Decode implements Codec.
func (JSONCodec) Decode(frame []byte) (Envelope, error) {
	// Probe the tag alone first, a shared bus carries arbitrary payloads and only tagged
	// frames are worth a full parse.
	var probe struct {
		JSONRPC string `json:"jsonrpc"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrForeignMessage, err)
	}
	if probe.JSONRPC != JSONRPCVersion {
		return Envelope{}, fmt.Errorf("%w: protocol tag %q", ErrForeignMessage, probe.JSONRPC)
	}

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	if err := validateEnvelope(env); err != nil {
		return Envelope{}, err
	}

	return env, nil
}

func validateEnvelope(env Envelope) error {
	if env.JSONRPC != JSONRPCVersion {
		return fmt.Errorf("%w: protocol tag %q", ErrForeignMessage, env.JSONRPC)
	}
	if env.Kind() == KindInvalid {
		return fmt.Errorf("%w: id=%s method=%q result=%t error=%t", ErrMalformedEnvelope,
			idString(env.ID), env.Method, len(env.Result) > 0, env.Error != nil)
	}
	return nil
}

func idString(id *RequestID) string {
	if id == nil {
		return "none"
	}
	return id.String()
}

func newRequest(id RequestID, method string, params any) (Envelope, error) {
	paramsBs, err := marshalParams(params)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		JSONRPC: JSONRPCVersion,
		ID:      &id,
		Method:  method,
		Params:  paramsBs,
	}, nil
}

func newNotification(method string, params any) (Envelope, error) {
	paramsBs, err := marshalParams(params)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	}, nil
}

func newResult(id RequestID, result any) (Envelope, error) {
	resBs := emptyResult
	if result != nil {
		bs, err := json.Marshal(result)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to marshal result: %w", err)
		}
		if string(bs) != "null" {
			resBs = bs
		}
	}
	return Envelope{
		JSONRPC: JSONRPCVersion,
		ID:      &id,
		Result:  resBs,
	}, nil
}

func newError(id RequestID, rpcErr *RPCError) Envelope {
	return Envelope{
		JSONRPC: JSONRPCVersion,
		ID:      &id,
		Error:   rpcErr,
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	bs, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	if string(bs) == "null" {
		return nil, nil
	}
	return bs, nil
}
