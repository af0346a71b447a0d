package apps_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcp-apps"
	"github.com/google/go-cmp/cmp"
)

type testSuite struct {
	cfg testSuiteConfig

	hostTransport apps.HostTransport
	appTransport  apps.AppTransport
	httpServer    *httptest.Server
	pipes         []io.Closer

	host     *apps.Host
	bridge   *apps.Bridge
	sessions chan *apps.HostSession
	served   chan struct{}

	bridgeConnectErr error
}

type testSuiteConfig struct {
	transportName string

	hostOptions   []apps.HostOption
	bridgeOptions []apps.BridgeOption
	// setupBridge runs before Connect, for handlers that must be in place for the handshake.
	setupBridge func(b *apps.Bridge)
	// binary sends websocket frames as binary messages, for CBOR.
	binary bool
}

type mockToolCaller struct {
	mu     sync.Mutex
	params []apps.CallToolParams

	cancelled chan struct{}
}

type mockResourceReader struct{}

type mockMessageHandler struct {
	mu       sync.Mutex
	messages []apps.MessageParams
}

type mockLinkOpener struct{}

type mockSizeWatcher struct {
	sizes chan apps.SizeChangedParams
}

type mockLogReceiver struct {
	logs chan apps.LogParams
}

var testTransports = []string{"Pipe", "StdIO", "SSE", "WebSocket"}

func TestHostHandshake(t *testing.T) {
	type testCase struct {
		name          string
		hostOptions   []apps.HostOption
		bridgeOptions []apps.BridgeOption
		wantCaps      apps.HostCapabilities
		wantErr       bool
	}

	testCases := []testCase{
		{
			name:     "success with no capabilities",
			wantCaps: apps.HostCapabilities{},
		},
		{
			name: "success with full capabilities",
			hostOptions: []apps.HostOption{
				apps.WithToolCaller(&mockToolCaller{}),
				apps.WithResourceReader(mockResourceReader{}),
				apps.WithMessageHandler(&mockMessageHandler{}),
				apps.WithLinkOpener(mockLinkOpener{}),
				apps.WithLogReceiver(&mockLogReceiver{}),
			},
			wantCaps: apps.HostCapabilities{
				ServerTools:     &apps.ServerToolsCapability{},
				ServerResources: &apps.ServerResourcesCapability{},
				OpenLinks:       &apps.OpenLinksCapability{},
				Message:         &apps.MessageCapability{},
				Logging:         &apps.LoggingCapability{},
			},
		},
		{
			name: "fail unsupported protocol version",
			bridgeOptions: []apps.BridgeOption{
				apps.WithBridgeProtocolVersion("1999-01-01"),
			},
			wantErr: true,
		},
	}

	for _, transportName := range testTransports {
		for _, tc := range testCases {
			cfg := testSuiteConfig{
				transportName: transportName,
				hostOptions: append([]apps.HostOption{
					apps.WithHostContext(apps.HostContext{Theme: apps.ThemeDark, Locale: "nb-NO"}),
				}, tc.hostOptions...),
				bridgeOptions: tc.bridgeOptions,
			}

			t.Run(fmt.Sprintf("%s/%s", transportName, tc.name), testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
				if tc.wantErr {
					if !errors.Is(s.bridgeConnectErr, apps.ErrHandshakeFailed) {
						t.Fatalf("expected ErrHandshakeFailed, got %v", s.bridgeConnectErr)
					}
					var rpcErr *apps.RPCError
					if !errors.As(s.bridgeConnectErr, &rpcErr) {
						t.Fatalf("expected *RPCError, got %v", s.bridgeConnectErr)
					}
					if rpcErr.Code != -32602 {
						t.Errorf("expected code -32602, got %d", rpcErr.Code)
					}
					if s.bridge.State() != apps.StateFailed {
						t.Errorf("expected state %s, got %s", apps.StateFailed, s.bridge.State())
					}
					return
				}
				if s.bridgeConnectErr != nil {
					t.Fatalf("unexpected error: %v", s.bridgeConnectErr)
				}

				if diff := cmp.Diff(tc.wantCaps, s.bridge.HostCapabilities()); diff != "" {
					t.Errorf("unexpected capabilities (-want +got):\n%s", diff)
				}
				if diff := cmp.Diff(apps.Info{Name: "test-host", Version: "1.0"}, s.bridge.HostInfo()); diff != "" {
					t.Errorf("unexpected host info (-want +got):\n%s", diff)
				}
				hc := s.bridge.HostContext()
				if hc.Theme != apps.ThemeDark || hc.Locale != "nb-NO" {
					t.Errorf("unexpected host context %+v", hc)
				}

				sess := s.session(t)
				if diff := cmp.Diff(apps.Info{Name: "test-app", Version: "1.0"}, sess.AppInfo()); diff != "" {
					t.Errorf("unexpected app info (-want +got):\n%s", diff)
				}
				if _, ok := s.host.Session(sess.ID()); !ok {
					t.Errorf("expected session %s to be listed", sess.ID())
				}
			}))
		}
	}
}

func TestHostToolFlow(t *testing.T) {
	for _, transportName := range testTransports {
		toolCaller := &mockToolCaller{}
		inputs := make(chan apps.ToolInputParams, 1)
		results := make(chan apps.CallToolResult, 1)

		cfg := testSuiteConfig{
			transportName: transportName,
			hostOptions: []apps.HostOption{
				apps.WithToolCaller(toolCaller),
			},
			setupBridge: func(b *apps.Bridge) {
				b.OnToolInput(func(_ context.Context, params apps.ToolInputParams) {
					inputs <- params
				})
				b.OnToolResult(func(_ context.Context, result apps.CallToolResult) {
					results <- result
				})
			},
		}

		t.Run(fmt.Sprintf("%s/ToolInputAndResult", transportName), testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
			if s.bridgeConnectErr != nil {
				t.Fatalf("failed to connect: %v", s.bridgeConnectErr)
			}
			sess := s.session(t)

			if err := sess.SendToolInput(context.Background(), apps.ToolInputParams{
				Arguments: map[string]any{"city": "Oslo"},
			}); err != nil {
				t.Fatalf("failed to send tool input: %v", err)
			}
			select {
			case params := <-inputs:
				if params.Arguments["city"] != "Oslo" {
					t.Errorf("unexpected arguments %v", params.Arguments)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("tool input was not delivered")
			}

			res, err := s.bridge.CallTool(context.Background(), apps.CallToolParams{
				Name:      "forecast",
				Arguments: map[string]any{"city": "Oslo"},
			})
			if err != nil {
				t.Fatalf("failed to call tool: %v", err)
			}
			if len(res.Content) != 1 || res.Content[0].Text != "called forecast" {
				t.Errorf("unexpected tool result %+v", res)
			}
			if got := toolCaller.calls(); len(got) != 1 || got[0].Name != "forecast" {
				t.Errorf("unexpected tool calls %+v", got)
			}

			if err := sess.SendToolResult(context.Background(), res); err != nil {
				t.Fatalf("failed to send tool result: %v", err)
			}
			select {
			case result := <-results:
				if diff := cmp.Diff(res, result); diff != "" {
					t.Errorf("unexpected tool result (-want +got):\n%s", diff)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("tool result was not delivered")
			}
		}))
	}
}

func TestHostAppRequests(t *testing.T) {
	for _, transportName := range testTransports {
		messageHandler := &mockMessageHandler{}

		cfg := testSuiteConfig{
			transportName: transportName,
			hostOptions: []apps.HostOption{
				apps.WithToolCaller(&mockToolCaller{}),
				apps.WithResourceReader(mockResourceReader{}),
				apps.WithMessageHandler(messageHandler),
				apps.WithLinkOpener(mockLinkOpener{}),
			},
		}

		t.Run(fmt.Sprintf("%s/ReadResource", transportName), testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
			res, err := s.bridge.ReadResource(context.Background(), apps.ReadResourceParams{URI: "ui://weather/card"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(res.Contents) != 1 || res.Contents[0].URI != "ui://weather/card" {
				t.Errorf("unexpected contents %+v", res.Contents)
			}
		}))

		t.Run(fmt.Sprintf("%s/SendMessage", transportName), testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
			_, err := s.bridge.SendMessage(context.Background(), apps.MessageParams{
				Role:    apps.RoleUser,
				Content: []apps.Content{{Type: apps.ContentTypeText, Text: "show more days"}},
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := messageHandler.received(); len(got) == 0 || got[len(got)-1].Content[0].Text != "show more days" {
				t.Errorf("unexpected messages %+v", got)
			}
		}))

		t.Run(fmt.Sprintf("%s/OpenLink", transportName), testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
			res, err := s.bridge.OpenLink(context.Background(), "javascript:alert(1)")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !res.IsError {
				t.Error("expected the link to be refused")
			}
		}))

		t.Run(fmt.Sprintf("%s/Ping", transportName), testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
			if err := s.bridge.Ping(context.Background()); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}))

		t.Run(fmt.Sprintf("%s/MethodNotFound", transportName), testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
			_, err := s.bridge.Request(context.Background(), "echo-test", map[string]any{"x": 1})
			var rpcErr *apps.RPCError
			if !errors.As(err, &rpcErr) {
				t.Fatalf("expected *RPCError, got %v", err)
			}
			if rpcErr.Code != -32601 {
				t.Errorf("expected code -32601, got %d", rpcErr.Code)
			}
		}))

		t.Run(fmt.Sprintf("%s/InvalidParams", transportName), testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
			_, err := s.bridge.CallTool(context.Background(), apps.CallToolParams{})
			var rpcErr *apps.RPCError
			if !errors.As(err, &rpcErr) {
				t.Fatalf("expected *RPCError, got %v", err)
			}
			if rpcErr.Code != -32602 {
				t.Errorf("expected code -32602, got %d", rpcErr.Code)
			}
		}))

		t.Run(fmt.Sprintf("%s/ToolError", transportName), testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
			_, err := s.bridge.CallTool(context.Background(), apps.CallToolParams{Name: "fail"})
			var rpcErr *apps.RPCError
			if !errors.As(err, &rpcErr) {
				t.Fatalf("expected *RPCError, got %v", err)
			}
			if !strings.Contains(rpcErr.Message, "tool failed") {
				t.Errorf("expected the tool error message, got %q", rpcErr.Message)
			}
		}))
	}
}

func TestHostCancelToolCall(t *testing.T) {
	for _, transportName := range testTransports {
		toolCaller := &mockToolCaller{cancelled: make(chan struct{}, 1)}

		cfg := testSuiteConfig{
			transportName: transportName,
			hostOptions: []apps.HostOption{
				apps.WithToolCaller(toolCaller),
			},
		}

		t.Run(fmt.Sprintf("%s/CancelSlowTool", transportName), testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()

			_, err := s.bridge.CallTool(ctx, apps.CallToolParams{Name: "slow"})
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("expected context.DeadlineExceeded, got %v", err)
			}

			select {
			case <-toolCaller.cancelled:
			case <-time.After(2 * time.Second):
				t.Fatal("tool call was not cancelled on the host")
			}
		}))
	}
}

func TestHostAppNotifications(t *testing.T) {
	for _, transportName := range testTransports {
		sizeWatcher := &mockSizeWatcher{sizes: make(chan apps.SizeChangedParams, 1)}
		logReceiver := &mockLogReceiver{logs: make(chan apps.LogParams, 1)}

		cfg := testSuiteConfig{
			transportName: transportName,
			hostOptions: []apps.HostOption{
				apps.WithSizeWatcher(sizeWatcher),
				apps.WithLogReceiver(logReceiver),
			},
		}

		t.Run(fmt.Sprintf("%s/SizeChanged", transportName), testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
			// A size change with invalid params never reaches the watcher.
			if err := s.bridge.Notify(context.Background(), apps.MethodSizeChanged, map[string]any{"width": -5}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err := s.bridge.NotifySizeChanged(context.Background(), 640, 480); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			select {
			case size := <-sizeWatcher.sizes:
				if size.Width != 640 || size.Height != 480 {
					t.Errorf("unexpected size %+v", size)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("size change was not delivered")
			}
		}))

		t.Run(fmt.Sprintf("%s/Log", transportName), testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
			if err := s.bridge.Log(context.Background(), apps.LogParams{
				Level:  apps.LogLevelWarning,
				Logger: "widget",
				Data:   "rendering slowly",
			}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			select {
			case log := <-logReceiver.logs:
				if log.Level != apps.LogLevelWarning || log.Data != "rendering slowly" {
					t.Errorf("unexpected log %+v", log)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("log was not delivered")
			}
		}))
	}
}

func TestHostUpdateContext(t *testing.T) {
	for _, transportName := range testTransports {
		contexts := make(chan apps.HostContext, 1)

		cfg := testSuiteConfig{
			transportName: transportName,
			hostOptions: []apps.HostOption{
				apps.WithHostContext(apps.HostContext{
					Theme:       apps.ThemeLight,
					DisplayMode: apps.DisplayModeInline,
					Locale:      "en-US",
				}),
			},
			setupBridge: func(b *apps.Bridge) {
				b.OnHostContextChanged(func(_ context.Context, hc apps.HostContext) {
					contexts <- hc
				})
			},
		}

		t.Run(fmt.Sprintf("%s/MergedUpdate", transportName), testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
			sess := s.session(t)

			if err := sess.UpdateContext(context.Background(), apps.HostContext{
				DisplayMode: apps.DisplayModeFullscreen,
			}); err != nil {
				t.Fatalf("failed to update context: %v", err)
			}

			want := apps.HostContext{
				Theme:       apps.ThemeLight,
				DisplayMode: apps.DisplayModeFullscreen,
				Locale:      "en-US",
			}
			select {
			case hc := <-contexts:
				if diff := cmp.Diff(want, hc); diff != "" {
					t.Errorf("unexpected app context (-want +got):\n%s", diff)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("context update was not delivered")
			}
			if diff := cmp.Diff(want, sess.HostContext()); diff != "" {
				t.Errorf("unexpected session context (-want +got):\n%s", diff)
			}
		}))
	}
}

func TestHostTeardown(t *testing.T) {
	for _, transportName := range testTransports {
		reasons := make(chan string, 1)

		cfg := testSuiteConfig{
			transportName: transportName,
			setupBridge: func(b *apps.Bridge) {
				b.OnTeardown(func(_ context.Context, params apps.TeardownParams) error {
					reasons <- params.Reason
					return nil
				})
			},
		}

		t.Run(fmt.Sprintf("%s/Teardown", transportName), testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
			sess := s.session(t)

			if err := sess.Teardown(context.Background(), "conversation closed"); err != nil {
				t.Fatalf("failed to tear down: %v", err)
			}
			if reason := <-reasons; reason != "conversation closed" {
				t.Errorf("expected reason %q, got %q", "conversation closed", reason)
			}

			select {
			case <-s.bridge.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("bridge was not torn down")
			}
			if s.bridge.State() != apps.StateTornDown {
				t.Errorf("expected state %s, got %s", apps.StateTornDown, s.bridge.State())
			}
			if _, err := s.bridge.Request(context.Background(), "echo-test", nil); !errors.Is(err, apps.ErrBridgeClosed) {
				t.Errorf("expected ErrBridgeClosed, got %v", err)
			}
			if err := sess.SendToolInput(context.Background(), apps.ToolInputParams{}); !errors.Is(err, apps.ErrBridgeClosed) {
				t.Errorf("expected ErrBridgeClosed from the session, got %v", err)
			}
		}))
	}
}

func TestHostShutdownClosesApps(t *testing.T) {
	for _, transportName := range testTransports {
		cfg := testSuiteConfig{transportName: transportName}

		t.Run(fmt.Sprintf("%s/Shutdown", transportName), testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
			s.session(t)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.host.Shutdown(ctx); err != nil {
				t.Fatalf("failed to shutdown: %v", err)
			}

			select {
			case <-s.served:
			case <-time.After(2 * time.Second):
				t.Fatal("Serve did not return")
			}
			select {
			case <-s.bridge.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("bridge was not torn down")
			}
			if len(s.host.Sessions()) != 0 {
				t.Errorf("expected no sessions, got %d", len(s.host.Sessions()))
			}
		}))
	}
}

func TestHostRejectsRequestsBeforeInitialized(t *testing.T) {
	transport := apps.NewPipeTransport()
	host := apps.NewHost(apps.Info{Name: "test-host", Version: "1.0"}, transport,
		apps.WithToolCaller(&mockToolCaller{}),
		apps.WithHostPingInterval(-1),
	)
	go host.Serve()
	defer func() {
		_ = host.Shutdown(context.Background())
	}()

	ch, err := transport.Connect(context.Background())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer ch.Stop()

	frames := make(chan apps.Envelope, 4)
	go func() {
		for frame := range ch.Frames() {
			var env apps.Envelope
			if json.Unmarshal(frame, &env) == nil {
				frames <- env
			}
		}
	}()

	send := func(frame string) {
		if err := ch.Send(context.Background(), []byte(frame)); err != nil {
			t.Fatalf("failed to send: %v", err)
		}
	}
	next := func() apps.Envelope {
		select {
		case env := <-frames:
			return env
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for the host")
			return apps.Envelope{}
		}
	}

	send(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"forecast"}}`)
	if resp := next(); resp.Error == nil || resp.Error.Code != -32002 {
		t.Fatalf("expected not initialized error, got %+v", resp)
	}

	send(`{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	if resp := next(); resp.Error != nil {
		t.Fatalf("expected ping to be answered, got %+v", resp.Error)
	}

	send(fmt.Sprintf(`{"jsonrpc":"2.0","id":3,"method":"ui/initialize","params":{"protocolVersion":%q,"appInfo":{"name":"raw-app","version":"0.1"}}}`,
		apps.DefaultProtocolVersion))
	if resp := next(); resp.Error != nil {
		t.Fatalf("unexpected initialize error: %+v", resp.Error)
	}

	// Still refused until the initialized notification arrives.
	send(`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"forecast"}}`)
	if resp := next(); resp.Error == nil || resp.Error.Code != -32002 {
		t.Fatalf("expected not initialized error, got %+v", resp)
	}

	send(`{"jsonrpc":"2.0","method":"ui/notifications/initialized"}`)
	send(`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"forecast"}}`)
	if resp := next(); resp.Error != nil {
		t.Fatalf("unexpected tool call error: %+v", resp.Error)
	}
}

func TestHostPingClosesUnresponsiveApps(t *testing.T) {
	transport := apps.NewPipeTransport()
	disconnected := make(chan string, 1)
	host := apps.NewHost(apps.Info{Name: "test-host", Version: "1.0"}, transport,
		apps.WithHostPingInterval(20*time.Millisecond),
		apps.WithHostRequestTimeout(20*time.Millisecond),
		apps.WithHostPingTimeoutThreshold(1),
		apps.WithOnAppDisconnected(func(id string) { disconnected <- id }),
	)
	go host.Serve()
	defer func() {
		_ = host.Shutdown(context.Background())
	}()

	ch, err := transport.Connect(context.Background())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer ch.Stop()

	// Complete the handshake by hand, then stop answering.
	frames := make(chan []byte, 1)
	go func() {
		for frame := range ch.Frames() {
			select {
			case frames <- frame:
			default:
			}
		}
	}()
	send := func(frame string) {
		if err := ch.Send(context.Background(), []byte(frame)); err != nil {
			t.Fatalf("failed to send: %v", err)
		}
	}

	send(fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"ui/initialize","params":{"protocolVersion":%q,"appInfo":{"name":"mute-app"}}}`,
		apps.DefaultProtocolVersion))
	select {
	case <-frames:
	case <-time.After(2 * time.Second):
		t.Fatal("initialize was not answered")
	}
	send(`{"jsonrpc":"2.0","method":"ui/notifications/initialized"}`)

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("unresponsive app was not disconnected")
	}
}

func TestCBORCodec(t *testing.T) {
	for _, transportName := range []string{"Pipe", "WebSocket"} {
		inputs := make(chan apps.ToolInputParams, 1)

		cfg := testSuiteConfig{
			transportName: transportName,
			hostOptions: []apps.HostOption{
				apps.WithHostCodec(apps.CBORCodec{}),
				apps.WithToolCaller(&mockToolCaller{}),
			},
			bridgeOptions: []apps.BridgeOption{
				apps.WithBridgeCodec(apps.CBORCodec{}),
			},
			binary: true,
			setupBridge: func(b *apps.Bridge) {
				b.OnToolInput(func(_ context.Context, params apps.ToolInputParams) {
					inputs <- params
				})
			},
		}

		t.Run(fmt.Sprintf("%s/CBOR", transportName), testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
			if s.bridgeConnectErr != nil {
				t.Fatalf("failed to connect: %v", s.bridgeConnectErr)
			}
			sess := s.session(t)

			if err := sess.SendToolInput(context.Background(), apps.ToolInputParams{
				Arguments: map[string]any{"city": "Oslo", "days": 3},
			}); err != nil {
				t.Fatalf("failed to send tool input: %v", err)
			}
			select {
			case params := <-inputs:
				if params.Arguments["city"] != "Oslo" || params.Arguments["days"] != float64(3) {
					t.Errorf("unexpected arguments %v", params.Arguments)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("tool input was not delivered")
			}

			res, err := s.bridge.CallTool(context.Background(), apps.CallToolParams{Name: "forecast"})
			if err != nil {
				t.Fatalf("failed to call tool: %v", err)
			}
			if len(res.Content) != 1 || res.Content[0].Text != "called forecast" {
				t.Errorf("unexpected tool result %+v", res)
			}
		}))
	}
}

func testSuiteCase(cfg testSuiteConfig, test func(*testing.T, *testSuite)) func(*testing.T) {
	return func(t *testing.T) {
		s := &testSuite{
			cfg: cfg,
		}
		s.setup(t)
		defer s.teardown()

		test(t, s)
	}
}

func setupSSE() (*apps.SSEHost, *apps.SSEClient, *httptest.Server) {
	mux := http.NewServeMux()
	httpSrv := httptest.NewServer(mux)
	connectURL := fmt.Sprintf("%s/sse", httpSrv.URL)
	msgURL := fmt.Sprintf("%s/message", httpSrv.URL)

	host := apps.NewSSEHost(msgURL)

	mux.Handle("/sse", host.HandleSSE())
	mux.Handle("/message", host.HandleMessage())

	cli := apps.NewSSEClient(connectURL, httpSrv.Client())

	return host, cli, httpSrv
}

func setupWebSocket(options ...apps.WebSocketOption) (*apps.WebSocketHost, *apps.WebSocketDialer, *httptest.Server) {
	host := apps.NewWebSocketHost(options...)
	httpSrv := httptest.NewServer(host)
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http")

	dialer := apps.NewWebSocketDialer(url, append(options, apps.WithWebSocketHTTPClient(httpSrv.Client()))...)

	return host, dialer, httpSrv
}

func setupStdIO() (*apps.StdIO, *apps.StdIO, []io.Closer) {
	hostReader, hostWriter := io.Pipe()
	appReader, appWriter := io.Pipe()

	// host's output is app's input
	hostIO := apps.NewStdIO(hostReader, appWriter)
	// app's output is host's input
	appIO := apps.NewStdIO(appReader, hostWriter)

	return hostIO, appIO, []io.Closer{hostReader, hostWriter, appReader, appWriter}
}

func (s *testSuite) setup(t *testing.T) {
	t.Helper()

	switch s.cfg.transportName {
	case "SSE":
		s.hostTransport, s.appTransport, s.httpServer = setupSSE()
	case "StdIO":
		s.hostTransport, s.appTransport, s.pipes = setupStdIO()
	case "WebSocket":
		var options []apps.WebSocketOption
		if s.cfg.binary {
			options = append(options, apps.WithWebSocketBinary())
		}
		s.hostTransport, s.appTransport, s.httpServer = setupWebSocket(options...)
	default:
		pipe := apps.NewPipeTransport()
		s.hostTransport, s.appTransport = pipe, pipe
	}

	s.sessions = make(chan *apps.HostSession, 1)
	hostOptions := append([]apps.HostOption{
		apps.WithOnAppInitialized(func(sess *apps.HostSession) {
			s.sessions <- sess
		}),
	}, s.cfg.hostOptions...)

	s.host = apps.NewHost(apps.Info{Name: "test-host", Version: "1.0"}, s.hostTransport, hostOptions...)
	s.served = make(chan struct{})
	go func() {
		defer close(s.served)
		s.host.Serve()
	}()

	s.bridge = apps.NewBridge(apps.Info{Name: "test-app", Version: "1.0"}, s.appTransport, s.cfg.bridgeOptions...)
	if s.cfg.setupBridge != nil {
		s.cfg.setupBridge(s.bridge)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.bridgeConnectErr = s.bridge.Connect(ctx)
}

func (s *testSuite) teardown() {
	for _, p := range s.pipes {
		p.Close()
	}
	s.bridge.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.host.Shutdown(ctx)

	if s.httpServer != nil {
		s.httpServer.CloseClientConnections()
		s.httpServer.Close()
	}
}

// session waits for the host session of the connected bridge.
func (s *testSuite) session(t *testing.T) *apps.HostSession {
	t.Helper()

	select {
	case sess := <-s.sessions:
		// Keep it available for later calls.
		s.sessions <- sess
		return sess
	case <-time.After(2 * time.Second):
		t.Fatal("app did not initialize")
		return nil
	}
}

func (m *mockToolCaller) CallTool(ctx context.Context, params apps.CallToolParams) (apps.CallToolResult, error) {
	m.mu.Lock()
	m.params = append(m.params, params)
	m.mu.Unlock()

	switch params.Name {
	case "fail":
		return apps.CallToolResult{}, errors.New("tool failed")
	case "slow":
		<-ctx.Done()
		if m.cancelled != nil {
			m.cancelled <- struct{}{}
		}
		return apps.CallToolResult{}, ctx.Err()
	}

	return apps.CallToolResult{
		Content: []apps.Content{{Type: apps.ContentTypeText, Text: "called " + params.Name}},
	}, nil
}

func (m *mockToolCaller) calls() []apps.CallToolParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]apps.CallToolParams(nil), m.params...)
}

func (mockResourceReader) ReadResource(_ context.Context, params apps.ReadResourceParams) (apps.ReadResourceResult, error) {
	return apps.ReadResourceResult{
		Contents: []apps.ResourceContents{{URI: params.URI, MimeType: "text/html", Text: "<div>weather</div>"}},
	}, nil
}

func (m *mockMessageHandler) HandleMessage(_ context.Context, params apps.MessageParams) (apps.MessageResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, params)
	return apps.MessageResult{}, nil
}

func (m *mockMessageHandler) received() []apps.MessageParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]apps.MessageParams(nil), m.messages...)
}

func (mockLinkOpener) OpenLink(_ context.Context, params apps.OpenLinkParams) (apps.OpenLinkResult, error) {
	return apps.OpenLinkResult{IsError: !strings.HasPrefix(params.URL, "https://")}, nil
}

func (m *mockSizeWatcher) OnSizeChanged(_ string, params apps.SizeChangedParams) {
	m.sizes <- params
}

func (m *mockLogReceiver) OnLog(_ string, params apps.LogParams) {
	if m.logs != nil {
		m.logs <- params
	}
}
