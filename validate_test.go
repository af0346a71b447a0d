package apps

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/xeipuuv/gojsonschema"
)

func TestParamsValidator(t *testing.T) {
	type testCase struct {
		name    string
		method  string
		params  string
		wantErr bool
	}

	testCases := []testCase{
		{name: "size changed", method: MethodSizeChanged, params: `{"width":320,"height":200}`},
		{name: "size changed negative", method: MethodSizeChanged, params: `{"width":-1,"height":200}`, wantErr: true},
		{name: "size changed missing height", method: MethodSizeChanged, params: `{"width":320}`, wantErr: true},
		{name: "tool call", method: MethodToolsCall, params: `{"name":"weather","arguments":{"city":"Oslo"}}`},
		{name: "tool call empty name", method: MethodToolsCall, params: `{"name":""}`, wantErr: true},
		{name: "tool input without params", method: MethodToolInput},
		{name: "tool input with null params", method: MethodToolInput, params: `null`},
		{name: "tool input with array arguments", method: MethodToolInput, params: `{"arguments":[1]}`, wantErr: true},
		{name: "log level", method: MethodLog, params: `{"level":"info","data":"hello"}`},
		{name: "log unknown level", method: MethodLog, params: `{"level":"loud","data":"hello"}`, wantErr: true},
		{name: "cancelled with number id", method: MethodCancelled, params: `{"requestId":3}`},
		{name: "cancelled without id", method: MethodCancelled, params: `{"reason":"x"}`, wantErr: true},
		{name: "initialize", method: MethodInitialize, params: `{"protocolVersion":"1","appInfo":{"name":"app"}}`},
		{name: "initialize without app info", method: MethodInitialize, params: `{"protocolVersion":"1"}`, wantErr: true},
		{name: "host context change", method: MethodHostContextChanged, params: `{"theme":"dark","viewport":{"width":800,"height":600}}`},
		{name: "host context removal", method: MethodHostContextChanged, params: `{"locale":null,"viewport":{"height":600,"maxHeight":null}}`},
		{name: "host context wrong type", method: MethodHostContextChanged, params: `{"locale":3}`, wantErr: true},
		{name: "method without schema", method: "echo-test", params: `[1,2,3]`},
	}

	v := newParamsValidator(DefaultMethods(), nil)
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.validate(tc.method, json.RawMessage(tc.params))
			if tc.wantErr {
				if !errors.Is(err, errInvalidParams) {
					t.Errorf("expected errInvalidParams, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestParamsValidatorOverrides(t *testing.T) {
	echoSchema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(`{
		"type": "object",
		"required": ["x"]
	}`))
	if err != nil {
		t.Fatalf("failed to compile schema: %v", err)
	}

	v := newParamsValidator(DefaultMethods(), map[string]*gojsonschema.Schema{
		"echo-test":       echoSchema,
		MethodSizeChanged: nil,
	})

	if err := v.validate("echo-test", json.RawMessage(`{"x":1}`)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := v.validate("echo-test", json.RawMessage(`{"y":1}`)); !errors.Is(err, errInvalidParams) {
		t.Errorf("expected errInvalidParams, got %v", err)
	}
	if err := v.validate(MethodSizeChanged, json.RawMessage(`{"width":"wide"}`)); err != nil {
		t.Errorf("expected disabled schema to accept anything, got %v", err)
	}
}

func TestParamsValidatorCustomMethods(t *testing.T) {
	methods := Methods{SizeChanged: "ui/size-change"}.withDefaults()
	v := newParamsValidator(methods, nil)

	if err := v.validate("ui/size-change", json.RawMessage(`{}`)); !errors.Is(err, errInvalidParams) {
		t.Errorf("expected the renamed method to be validated, got %v", err)
	}
	if err := v.validate(MethodSizeChanged, json.RawMessage(`{}`)); err != nil {
		t.Errorf("expected the default name to be unvalidated, got %v", err)
	}
}
