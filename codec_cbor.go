package apps

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// CBORCodec encodes envelopes as CBOR maps with the same field names as the JSON form. Params
// and results travel as native CBOR values and are surfaced to handlers as JSON, so handlers do
// not depend on the codec in use.
//
// CBOR frames are binary, pair this codec with a transport that preserves frame boundaries
// (websocket binary messages or pipes), not with line-delimited or SSE transports.
type CBORCodec struct{}

type cborEnvelope struct {
	JSONRPC string        `cbor:"jsonrpc"`
	ID      any           `cbor:"id,omitempty"`
	Method  string        `cbor:"method,omitempty"`
	Params  any           `cbor:"params,omitempty"`
	Result  any           `cbor:"result,omitempty"`
	Error   *cborRPCError `cbor:"error,omitempty"`
}

type cborRPCError struct {
	Code    int            `cbor:"code"`
	Message string         `cbor:"message"`
	Data    map[string]any `cbor:"data,omitempty"`
}

var cborDecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// Encode implements Codec.
func (CBORCodec) Encode(env Envelope) ([]byte, error) {
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}

	ce := cborEnvelope{
		JSONRPC: env.JSONRPC,
		Method:  env.Method,
	}
	if env.ID != nil {
		ce.ID = env.ID.value()
	}

	var err error
	if ce.Params, err = jsonToNative(env.Params); err != nil {
		return nil, fmt.Errorf("failed to convert params: %w", err)
	}
	if ce.Result, err = jsonToNative(env.Result); err != nil {
		return nil, fmt.Errorf("failed to convert result: %w", err)
	}
	// An empty result must survive omitempty, it is what makes the envelope a response.
	if len(env.Result) > 0 && ce.Result == nil {
		ce.Result = map[string]any{}
	}
	if env.Error != nil {
		ce.Error = &cborRPCError{
			Code:    env.Error.Code,
			Message: env.Error.Message,
			Data:    env.Error.Data,
		}
	}

	bs, err := cbor.Marshal(ce)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return bs, nil
}

// Decode implements Codec.
func (CBORCodec) Decode(frame []byte) (Envelope, error) {
	var ce cborEnvelope
	if err := cborDecMode.Unmarshal(frame, &ce); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrForeignMessage, err)
	}
	if ce.JSONRPC != JSONRPCVersion {
		return Envelope{}, fmt.Errorf("%w: protocol tag %q", ErrForeignMessage, ce.JSONRPC)
	}

	env := Envelope{
		JSONRPC: ce.JSONRPC,
		Method:  ce.Method,
	}

	switch v := ce.ID.(type) {
	case nil:
	case uint64:
		if v > math.MaxInt64 {
			return Envelope{}, fmt.Errorf("%w: id %d out of range", ErrMalformedEnvelope, v)
		}
		id := NumberID(int64(v))
		env.ID = &id
	case int64:
		id := NumberID(v)
		env.ID = &id
	case string:
		id := StringID(v)
		env.ID = &id
	default:
		return Envelope{}, fmt.Errorf("%w: invalid id type %T", ErrMalformedEnvelope, ce.ID)
	}

	var err error
	if env.Params, err = nativeToJSON(ce.Params); err != nil {
		return Envelope{}, fmt.Errorf("%w: params: %w", ErrMalformedEnvelope, err)
	}
	if env.Result, err = nativeToJSON(ce.Result); err != nil {
		return Envelope{}, fmt.Errorf("%w: result: %w", ErrMalformedEnvelope, err)
	}
	if ce.Error != nil {
		env.Error = &RPCError{
			Code:    ce.Error.Code,
			Message: ce.Error.Message,
			Data:    ce.Error.Data,
		}
	}

	if err := validateEnvelope(env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func jsonToNative(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func nativeToJSON(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
