package apps

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Envelope is the unit of communication between an app and its host, a JSON-RPC 2.0 message.
// It represents a request, a response or a notification depending on which fields are set:
//   - Request: JSONRPC, ID, Method and optionally Params are set
//   - Response: JSONRPC, ID and exactly one of Result or Error are set
//   - Notification: JSONRPC, Method and optionally Params are set (no ID)
type Envelope struct {
	// JSONRPC is the protocol tag, it must always be "2.0". Frames without it are foreign
	// traffic on a shared channel.
	JSONRPC string `json:"jsonrpc"`
	// ID correlates a request with its response. Nil on notifications.
	ID *RequestID `json:"id,omitempty"`
	// Method names the operation of a request or the event of a notification.
	Method string `json:"method,omitempty"`
	// Params is the method-specific payload.
	Params json.RawMessage `json:"params,omitempty"`
	// Result is the successful response payload.
	Result json.RawMessage `json:"result,omitempty"`
	// Error is set on failed responses.
	Error *RPCError `json:"error,omitempty"`
}

// Kind classifies an Envelope.
type Kind int

// RequestID identifies one in-flight request. On the wire it is either a number or a string;
// the ids this package allocates are always numbers. The zero value is the number 0.
type RequestID struct {
	num   int64
	str   string
	isStr bool
}

// RPCError is the error object of a failed response. It implements error, so a response error
// returned from Bridge.Request can be inspected with errors.As.
type RPCError struct {
	// Code indicates the error type that occurred. Standard JSON-RPC codes or custom codes
	// outside the reserved range.
	Code int `json:"code"`
	// Message is a short description of the error.
	Message string `json:"message"`
	// Data contains optional additional information about the error.
	Data map[string]any `json:"data,omitempty"`
}

// Methods lists the method names used by the bridge. The MCP Apps drafts disagree on some of
// these names, so every name can be replaced; empty fields fall back to DefaultMethods.
type Methods struct {
	Initialize  string
	Initialized string
	Ping        string
	Cancelled   string

	// App to host.
	ToolsCall     string
	ResourcesRead string
	Message       string
	OpenLink      string
	SizeChanged   string
	Log           string

	// Host to app.
	ToolInput          string
	ToolInputPartial   string
	ToolResult         string
	ToolCancelled      string
	HostContextChanged string
	Teardown           string
}

// Info contains metadata about an app or a host, its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// AppCapabilities advertises what the app supports, sent in the initialize request.
type AppCapabilities struct {
	// AvailableDisplayModes lists the display modes the app can render in.
	AvailableDisplayModes []DisplayMode `json:"availableDisplayModes,omitempty"`
	// Tools is set when the app exposes tools of its own to the host.
	Tools *AppToolsCapability `json:"tools,omitempty"`
}

// AppToolsCapability represents app-provided tools capabilities.
type AppToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// HostCapabilities advertises what the host supports, returned in the initialize result.
type HostCapabilities struct {
	ServerTools     *ServerToolsCapability     `json:"serverTools,omitempty"`
	ServerResources *ServerResourcesCapability `json:"serverResources,omitempty"`
	OpenLinks       *OpenLinksCapability       `json:"openLinks,omitempty"`
	Message         *MessageCapability         `json:"message,omitempty"`
	Logging         *LoggingCapability         `json:"logging,omitempty"`
}

// ServerToolsCapability means the host proxies tools/call to the MCP server.
type ServerToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ServerResourcesCapability means the host proxies resources/read to the MCP server.
type ServerResourcesCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// OpenLinksCapability means the host honours ui/open-link requests.
type OpenLinksCapability struct{}

// MessageCapability means the host accepts ui/message requests.
type MessageCapability struct{}

// LoggingCapability means the host accepts log notifications.
type LoggingCapability struct{}

// HostContext describes the environment the app is rendered in. Hosts send the full context in
// the initialize result and partial updates in host-context-changed notifications.
type HostContext struct {
	Theme                 Theme         `json:"theme,omitempty"`
	DisplayMode           DisplayMode   `json:"displayMode,omitempty"`
	AvailableDisplayModes []DisplayMode `json:"availableDisplayModes,omitempty"`
	Viewport              *Viewport     `json:"viewport,omitempty"`
	Locale                string        `json:"locale,omitempty"`
	TimeZone              string        `json:"timeZone,omitempty"`
	UserAgent             string        `json:"userAgent,omitempty"`
	Platform              Platform      `json:"platform,omitempty"`
	ToolInfo              *ToolInfo     `json:"toolInfo,omitempty"`
}

// Viewport is the space available to the app, in CSS pixels.
type Viewport struct {
	Width     int `json:"width"`
	Height    int `json:"height"`
	MaxHeight int `json:"maxHeight,omitempty"`
}

// ToolInfo identifies the tool call the app was rendered for.
type ToolInfo struct {
	ID   *RequestID `json:"id,omitempty"`
	Tool Tool       `json:"tool"`
}

// Tool describes a tool exposed by the MCP server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Theme is the color scheme of the host.
type Theme string

// DisplayMode is how the host presents the app.
type DisplayMode string

// Platform is the kind of device the host runs on.
type Platform string

// ToolInputParams carries the arguments of a tool call, sent before (or while) the tool runs.
type ToolInputParams struct {
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolCancelledParams tells the app that the tool call it was rendered for was cancelled.
type ToolCancelledParams struct {
	Reason string `json:"reason,omitempty"`
}

// TeardownParams tells the app that the host is about to destroy it.
type TeardownParams struct {
	Reason string `json:"reason,omitempty"`
}

// CallToolParams contains the parameters of a tools/call request.
type CallToolParams struct {
	// Name is the unique identifier of the tool to execute.
	Name string `json:"name"`
	// Arguments must satisfy the tool's InputSchema.
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallToolResult represents the outcome of a tool invocation. IsError indicates whether the
// tool failed, with details in Content.
type CallToolResult struct {
	Content           []Content      `json:"content"`
	StructuredContent map[string]any `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError,omitempty"`
}

// ReadResourceParams contains the parameters of a resources/read request.
type ReadResourceParams struct {
	// URI is the unique identifier of the resource to retrieve.
	URI string `json:"uri"`
}

// ReadResourceResult represents the result of a resources/read request.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// ResourceContents represents either text or blob resource contents.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"` // For text resources
	Blob     string `json:"blob,omitempty"` // For binary resources
}

// Content represents a message content with its type.
type Content struct {
	Type ContentType `json:"type"`

	// For ContentTypeText
	Text string `json:"text,omitempty"`

	// For ContentTypeImage or ContentTypeAudio
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// For ContentTypeResource
	Resource *ResourceContents `json:"resource,omitempty"`
}

// ContentType represents the type of content in messages.
type ContentType string

// Role represents the role in a conversation (user or assistant).
type Role string

// MessageParams contains a message the app asks the host to add to the conversation.
type MessageParams struct {
	Role    Role      `json:"role"`
	Content []Content `json:"content"`
}

// MessageResult reports whether the host accepted a ui/message request.
type MessageResult struct {
	IsError bool `json:"isError,omitempty"`
}

// OpenLinkParams contains the link the app asks the host to open.
type OpenLinkParams struct {
	URL string `json:"url"`
}

// OpenLinkResult reports whether the host opened the link.
type OpenLinkResult struct {
	IsError bool `json:"isError,omitempty"`
}

// SizeChangedParams reports the rendered size of the app, in CSS pixels.
type SizeChangedParams struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// LogParams represents the parameters for a log message.
type LogParams struct {
	// Level indicates the severity level of the message.
	Level LogLevel `json:"level"`
	// Logger identifies the source/component that generated the message.
	Logger string `json:"logger,omitempty"`
	// Data contains the message content and any structured metadata.
	Data any `json:"data"`
}

// LogLevel represents the severity level of log messages.
type LogLevel string

type initializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	AppInfo         Info            `json:"appInfo"`
	AppCapabilities AppCapabilities `json:"appCapabilities"`
}

type initializeResult struct {
	ProtocolVersion  string           `json:"protocolVersion"`
	HostCapabilities HostCapabilities `json:"hostCapabilities"`
	HostInfo         Info             `json:"hostInfo"`
	HostContext      json.RawMessage  `json:"hostContext,omitempty"`
}

type cancelledParams struct {
	RequestID RequestID `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
}

const (
	// JSONRPCVersion is the protocol tag carried by every envelope.
	JSONRPCVersion = "2.0"

	// DefaultProtocolVersion is the MCP Apps protocol version negotiated by default.
	DefaultProtocolVersion = "2025-06-18"

	// MethodInitialize is the handshake request sent by the app.
	MethodInitialize = "ui/initialize"
	// MethodInitialized is the notification the app sends once the handshake succeeded.
	MethodInitialized = "ui/notifications/initialized"
	// MethodPing checks that the peer is alive; both sides answer it.
	MethodPing = "ping"
	// MethodCancelled cancels an in-flight request, both directions.
	MethodCancelled = "notifications/cancelled"

	// MethodToolsCall asks the host to invoke a server tool.
	MethodToolsCall = "tools/call"
	// MethodResourcesRead asks the host to read a server resource.
	MethodResourcesRead = "resources/read"
	// MethodMessage asks the host to add a message to the conversation.
	MethodMessage = "ui/message"
	// MethodOpenLink asks the host to open an external link.
	MethodOpenLink = "ui/open-link"
	// MethodSizeChanged notifies the host that the app's rendered size changed.
	MethodSizeChanged = "ui/notifications/size-changed"
	// MethodLog sends a log message to the host.
	MethodLog = "notifications/message"

	// MethodToolInput delivers the complete tool arguments to the app.
	MethodToolInput = "ui/notifications/tool-input"
	// MethodToolInputPartial delivers streaming, incomplete tool arguments to the app.
	MethodToolInputPartial = "ui/notifications/tool-input-partial"
	// MethodToolResult delivers the tool result to the app.
	MethodToolResult = "ui/notifications/tool-result"
	// MethodToolCancelled tells the app the tool call was cancelled.
	MethodToolCancelled = "ui/notifications/tool-cancelled"
	// MethodHostContextChanged delivers a partial host context update.
	MethodHostContextChanged = "ui/notifications/host-context-changed"
	// MethodTeardown is the request the host sends before destroying the app.
	MethodTeardown = "ui/resource-teardown"

	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeAudio    ContentType = "audio"
	ContentTypeResource ContentType = "resource"

	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"

	DisplayModeInline     DisplayMode = "inline"
	DisplayModeFullscreen DisplayMode = "fullscreen"
	DisplayModePIP        DisplayMode = "pip"

	PlatformWeb     Platform = "web"
	PlatformDesktop Platform = "desktop"
	PlatformMobile  Platform = "mobile"

	LogLevelDebug     LogLevel = "debug"
	LogLevelInfo      LogLevel = "info"
	LogLevelNotice    LogLevel = "notice"
	LogLevelWarning   LogLevel = "warning"
	LogLevelError     LogLevel = "error"
	LogLevelCritical  LogLevel = "critical"
	LogLevelAlert     LogLevel = "alert"
	LogLevelEmergency LogLevel = "emergency"

	jsonRPCMethodNotFoundCode = -32601
	jsonRPCInvalidParamsCode  = -32602
	jsonRPCInternalErrorCode  = -32603
	jsonRPCNotInitializedCode = -32002

	errMsgMethodNotFound             = "Method not found"
	errMsgInvalidParams              = "Invalid params"
	errMsgInternalError              = "Internal error"
	errMsgNotInitialized             = "Session not initialized"
	errMsgUnsupportedProtocolVersion = "Unsupported protocol version"

	userCancelledReason = "User requested cancellation"
)

const (
	// KindInvalid is an envelope that matches none of the message shapes.
	KindInvalid Kind = iota
	// KindRequest is an envelope with an id and a method.
	KindRequest
	// KindResponse is an envelope with an id and exactly one of result or error.
	KindResponse
	// KindNotification is an envelope with a method and no id.
	KindNotification
)

var emptyResult = json.RawMessage(`{}`)

// DefaultMethods returns the method names of the MCP Apps protocol.
func DefaultMethods() Methods {
	return Methods{
		Initialize:         MethodInitialize,
		Initialized:        MethodInitialized,
		Ping:               MethodPing,
		Cancelled:          MethodCancelled,
		ToolsCall:          MethodToolsCall,
		ResourcesRead:      MethodResourcesRead,
		Message:            MethodMessage,
		OpenLink:           MethodOpenLink,
		SizeChanged:        MethodSizeChanged,
		Log:                MethodLog,
		ToolInput:          MethodToolInput,
		ToolInputPartial:   MethodToolInputPartial,
		ToolResult:         MethodToolResult,
		ToolCancelled:      MethodToolCancelled,
		HostContextChanged: MethodHostContextChanged,
		Teardown:           MethodTeardown,
	}
}

func (m Methods) withDefaults() Methods {
	d := DefaultMethods()
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&m.Initialize, d.Initialize)
	fill(&m.Initialized, d.Initialized)
	fill(&m.Ping, d.Ping)
	fill(&m.Cancelled, d.Cancelled)
	fill(&m.ToolsCall, d.ToolsCall)
	fill(&m.ResourcesRead, d.ResourcesRead)
	fill(&m.Message, d.Message)
	fill(&m.OpenLink, d.OpenLink)
	fill(&m.SizeChanged, d.SizeChanged)
	fill(&m.Log, d.Log)
	fill(&m.ToolInput, d.ToolInput)
	fill(&m.ToolInputPartial, d.ToolInputPartial)
	fill(&m.ToolResult, d.ToolResult)
	fill(&m.ToolCancelled, d.ToolCancelled)
	fill(&m.HostContextChanged, d.HostContextChanged)
	fill(&m.Teardown, d.Teardown)
	return m
}

// Kind classifies the envelope as a request, a response or a notification. Envelopes that
// match none of the shapes, or more than one, are KindInvalid.
func (e Envelope) Kind() Kind {
	hasID := e.ID != nil
	hasMethod := e.Method != ""
	hasResult := len(e.Result) > 0
	hasError := e.Error != nil

	switch {
	case hasResult && hasError:
		return KindInvalid
	case hasResult || hasError:
		if !hasID || hasMethod {
			return KindInvalid
		}
		return KindResponse
	case hasMethod && hasID:
		return KindRequest
	case hasMethod:
		return KindNotification
	default:
		return KindInvalid
	}
}

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// NumberID returns a numeric RequestID.
func NumberID(n int64) RequestID {
	return RequestID{num: n}
}

// StringID returns a string RequestID.
func StringID(s string) RequestID {
	return RequestID{str: s, isStr: true}
}

// Number returns the numeric value of the id, ok is false for string ids.
func (id RequestID) Number() (n int64, ok bool) {
	if id.isStr {
		return 0, false
	}
	return id.num, true
}

func (id RequestID) String() string {
	if id.isStr {
		return id.str
	}
	return strconv.FormatInt(id.num, 10)
}

func (id RequestID) value() any {
	if id.isStr {
		return id.str
	}
	return id.num
}

// MarshalJSON implements json.Marshaler, numbers stay numbers and strings stay strings.
func (id RequestID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value())
}

// UnmarshalJSON implements json.Unmarshaler. It accepts strings and integral numbers.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*id = StringID(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			f, fErr := v.Float64()
			if fErr != nil || f != float64(int64(f)) {
				return fmt.Errorf("invalid request id: %s", v)
			}
			n = int64(f)
		}
		*id = NumberID(n)
	default:
		return fmt.Errorf("invalid request id type: %T", v)
	}

	return nil
}

func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error, code: %d, message: %s, data: %v", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error, code: %d, message: %s", e.Code, e.Message)
}
