// Command app connects to the example host as an MCP App, renders the tool calls pushed to it as
// log lines, and asks the host for a forecast of its own.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MegaGrindStone/go-mcp-apps"
)

func main() {
	transportName := flag.String("transport", "ws", "transport to the host (ws, sse)")
	url := flag.String("url", "ws://localhost:8080/ws", "host endpoint")
	city := flag.String("city", "Montreal", "city to ask the forecast for")
	binary := flag.Bool("cbor", false, "encode frames with CBOR, for the host's /ws-cbor endpoint")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var transport apps.AppTransport
	var options []apps.BridgeOption
	switch *transportName {
	case "ws":
		wsOptions := []apps.WebSocketOption{apps.WithWebSocketLogger(logger)}
		if *binary {
			wsOptions = append(wsOptions, apps.WithWebSocketBinary())
			options = append(options, apps.WithBridgeCodec(apps.CBORCodec{}))
		}
		transport = apps.NewWebSocketDialer(*url, wsOptions...)
	case "sse":
		transport = apps.NewSSEClient(*url, http.DefaultClient, apps.WithSSEClientLogger(logger))
	default:
		fmt.Fprintf(os.Stderr, "unknown transport %q\n", *transportName)
		os.Exit(1)
	}

	if err := run(transport, *city, logger, options...); err != nil {
		logger.Error("app stopped", "err", err)
		os.Exit(1)
	}
}

func run(transport apps.AppTransport, city string, logger *slog.Logger, options ...apps.BridgeOption) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	options = append(options,
		apps.WithBridgeLogger(logger),
		apps.WithAppCapabilities(apps.AppCapabilities{
			AvailableDisplayModes: []apps.DisplayMode{apps.DisplayModeInline},
		}),
	)
	bridge := apps.NewBridge(apps.Info{Name: "example-app", Version: "1.0.0"}, transport, options...)
	defer bridge.Close()

	bridge.OnToolInput(func(_ context.Context, params apps.ToolInputParams) {
		logger.Info("tool input", "arguments", params.Arguments)
	})
	bridge.OnToolResult(func(_ context.Context, result apps.CallToolResult) {
		logger.Info("tool result", "content", result.Content, "isError", result.IsError)
	})
	bridge.OnToolCancelled(func(_ context.Context, params apps.ToolCancelledParams) {
		logger.Info("tool cancelled", "reason", params.Reason)
	})
	bridge.OnHostContextChanged(func(_ context.Context, hostContext apps.HostContext) {
		logger.Info("host context changed", "theme", hostContext.Theme, "displayMode", hostContext.DisplayMode)
	})
	bridge.OnTeardown(func(_ context.Context, params apps.TeardownParams) error {
		logger.Info("torn down by host", "reason", params.Reason)
		return nil
	})

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := bridge.Connect(connectCtx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	hostContext := bridge.HostContext()
	logger.Info("connected",
		"host", bridge.HostInfo().Name,
		"theme", hostContext.Theme,
		"locale", hostContext.Locale,
	)

	if err := bridge.NotifySizeChanged(ctx, 480, 320); err != nil {
		logger.Warn("failed to report size", "err", err)
	}

	result, err := bridge.CallTool(ctx, apps.CallToolParams{
		Name:      "forecast",
		Arguments: map[string]any{"city": city},
	})
	if err != nil {
		return fmt.Errorf("failed to call forecast: %w", err)
	}
	for _, c := range result.Content {
		logger.Info("forecast", "text", c.Text)
	}

	if err := bridge.Log(ctx, apps.LogParams{
		Level:  apps.LogLevelInfo,
		Logger: "example-app",
		Data:   "forecast rendered",
	}); err != nil {
		logger.Warn("failed to log", "err", err)
	}

	select {
	case <-ctx.Done():
	case <-bridge.Done():
		logger.Info("bridge closed", "err", bridge.Err())
	}
	return nil
}
