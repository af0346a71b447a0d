package apps

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// paramsValidator checks incoming params against a JSON Schema per method. Methods without a
// schema are not validated.
type paramsValidator struct {
	schemas map[string]*gojsonschema.Schema
}

var errInvalidParams = errors.New("invalid params")

const (
	toolInputSchema = `{
		"type": "object",
		"properties": {
			"arguments": {"type": "object"}
		}
	}`

	toolResultSchema = `{
		"type": "object",
		"properties": {
			"content": {"type": "array", "items": {"type": "object", "required": ["type"]}},
			"structuredContent": {"type": "object"},
			"isError": {"type": "boolean"}
		}
	}`

	reasonSchema = `{
		"type": "object",
		"properties": {
			"reason": {"type": "string"}
		}
	}`

	// Host context updates are merge patches, null removes a field.
	hostContextSchema = `{
		"type": "object",
		"properties": {
			"theme": {"type": ["string", "null"]},
			"displayMode": {"type": ["string", "null"]},
			"availableDisplayModes": {"type": ["array", "null"], "items": {"type": "string"}},
			"viewport": {
				"type": ["object", "null"],
				"properties": {
					"width": {"type": ["number", "null"]},
					"height": {"type": ["number", "null"]},
					"maxHeight": {"type": ["number", "null"]}
				}
			},
			"locale": {"type": ["string", "null"]},
			"timeZone": {"type": ["string", "null"]},
			"userAgent": {"type": ["string", "null"]},
			"platform": {"type": ["string", "null"]},
			"toolInfo": {"type": ["object", "null"]}
		}
	}`

	cancelledSchema = `{
		"type": "object",
		"required": ["requestId"],
		"properties": {
			"requestId": {"type": ["string", "integer"]},
			"reason": {"type": "string"}
		}
	}`

	initializeSchema = `{
		"type": "object",
		"required": ["protocolVersion", "appInfo"],
		"properties": {
			"protocolVersion": {"type": "string"},
			"appInfo": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string"},
					"version": {"type": "string"}
				}
			},
			"appCapabilities": {"type": "object"}
		}
	}`

	callToolSchema = `{
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"arguments": {"type": "object"}
		}
	}`

	readResourceSchema = `{
		"type": "object",
		"required": ["uri"],
		"properties": {
			"uri": {"type": "string", "minLength": 1}
		}
	}`

	messageSchema = `{
		"type": "object",
		"required": ["role", "content"],
		"properties": {
			"role": {"enum": ["user", "assistant"]},
			"content": {"type": "array", "items": {"type": "object", "required": ["type"]}}
		}
	}`

	openLinkSchema = `{
		"type": "object",
		"required": ["url"],
		"properties": {
			"url": {"type": "string", "minLength": 1}
		}
	}`

	sizeChangedSchema = `{
		"type": "object",
		"required": ["width", "height"],
		"properties": {
			"width": {"type": "number", "minimum": 0},
			"height": {"type": "number", "minimum": 0}
		}
	}`

	logSchema = `{
		"type": "object",
		"required": ["level"],
		"properties": {
			"level": {"enum": ["debug", "info", "notice", "warning", "error", "critical", "alert", "emergency"]},
			"logger": {"type": "string"}
		}
	}`
)

// newParamsValidator compiles the built-in schemas for the given method names, then applies the
// overrides. A nil override schema disables validation of that method.
func newParamsValidator(methods Methods, overrides map[string]*gojsonschema.Schema) *paramsValidator {
	builtin := map[string]string{
		methods.Initialize:         initializeSchema,
		methods.Cancelled:          cancelledSchema,
		methods.ToolsCall:          callToolSchema,
		methods.ResourcesRead:      readResourceSchema,
		methods.Message:            messageSchema,
		methods.OpenLink:           openLinkSchema,
		methods.SizeChanged:        sizeChangedSchema,
		methods.Log:                logSchema,
		methods.ToolInput:          toolInputSchema,
		methods.ToolInputPartial:   toolInputSchema,
		methods.ToolResult:         toolResultSchema,
		methods.ToolCancelled:      reasonSchema,
		methods.HostContextChanged: hostContextSchema,
		methods.Teardown:           reasonSchema,
	}

	v := &paramsValidator{schemas: make(map[string]*gojsonschema.Schema, len(builtin))}
	for method, src := range builtin {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			panic(fmt.Sprintf("failed to compile params schema for %s: %v", method, err))
		}
		v.schemas[method] = s
	}
	for method, s := range overrides {
		if s == nil {
			delete(v.schemas, method)
			continue
		}
		v.schemas[method] = s
	}

	return v
}

// validate returns an error wrapping errInvalidParams when params do not satisfy the schema of
// method. Absent params are validated as an empty object.
func (v *paramsValidator) validate(method string, params json.RawMessage) error {
	if v == nil {
		return nil
	}
	s, ok := v.schemas[method]
	if !ok {
		return nil
	}

	doc := []byte(params)
	if len(doc) == 0 || string(doc) == "null" {
		doc = emptyResult
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: %w", errInvalidParams, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return fmt.Errorf("%w: %s", errInvalidParams, strings.Join(details, "; "))
	}

	return nil
}
