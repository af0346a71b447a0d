// Command host serves MCP Apps over SSE and WebSocket. Every app that connects gets a forecast
// tool call pushed to it once initialized, and may call the forecast tool itself.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MegaGrindStone/go-mcp-apps"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	var cfg config
	cfg.ConfigFile = configFileArg(os.Args[1:])
	if cfg.ConfigFile != "" {
		if err := cfg.loadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfg.ConfigFile, err)
			os.Exit(1)
		}
	}
	cfg.setDefaults()
	cfg.bindFlags(flag.CommandLine)
	flag.Parse()

	level, err := cfg.logLevel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(cfg, logger); err != nil {
		logger.Error("host stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	metrics := apps.NewMetrics(reg)

	info := apps.Info{Name: "example-host", Version: "1.0.0"}
	tools := forecastTools{logger: logger}
	hostOptions := []apps.HostOption{
		apps.WithToolCaller(tools),
		apps.WithMessageHandler(tools),
		apps.WithLogReceiver(tools),
		apps.WithSizeWatcher(tools),
		apps.WithHostContext(apps.HostContext{
			Theme:                 apps.Theme(cfg.Theme),
			DisplayMode:           apps.DisplayModeInline,
			AvailableDisplayModes: []apps.DisplayMode{apps.DisplayModeInline, apps.DisplayModeFullscreen},
			Locale:                cfg.Locale,
			Platform:              apps.PlatformWeb,
		}),
		apps.WithHostRequestTimeout(cfg.RequestTimeout),
		apps.WithHostPingInterval(cfg.PingInterval),
		apps.WithHostLogger(logger),
		apps.WithHostMetrics(metrics),
		apps.WithOnAppInitialized(func(s *apps.HostSession) {
			pushForecast(ctx, logger, s)
		}),
		apps.WithOnAppDisconnected(func(id string) {
			logger.Info("app disconnected", "sessionID", id)
		}),
	}

	sseTransport := apps.NewSSEHost("/message", apps.WithSSEHostLogger(logger))
	wsOptions := []apps.WebSocketOption{
		apps.WithWebSocketLogger(logger),
		apps.WithWebSocketOriginPatterns(originPatterns(cfg.AllowedOrigins)...),
	}
	wsTransport := apps.NewWebSocketHost(wsOptions...)
	cborTransport := apps.NewWebSocketHost(append(wsOptions, apps.WithWebSocketBinary())...)

	hosts := []*apps.Host{
		apps.NewHost(info, sseTransport, hostOptions...),
		apps.NewHost(info, wsTransport, hostOptions...),
		apps.NewHost(info, cborTransport, append(hostOptions, apps.WithHostCodec(apps.CBORCodec{}))...),
	}
	for _, h := range hosts {
		go h.Serve()
	}

	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/sse", sseTransport.HandleSSE())
	r.Handle("/message", sseTransport.HandleMessage())
	r.Handle("/ws", wsTransport)
	r.Handle("/ws-cbor", cborTransport)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr)
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Tear the apps down first; their streams keep the HTTP server busy.
	for _, h := range hosts {
		if err := h.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown host", "err", err)
		}
	}
	return srv.Shutdown(shutdownCtx)
}

// pushForecast renders the app as the view of a forecast tool call.
func pushForecast(ctx context.Context, logger *slog.Logger, s *apps.HostSession) {
	logger = logger.With("sessionID", s.ID(), "app", s.AppInfo().Name)
	logger.Info("app initialized")

	args := map[string]any{"city": "Lisbon"}
	if err := s.SendToolInput(ctx, apps.ToolInputParams{Arguments: args}); err != nil {
		logger.Warn("failed to send tool input", "err", err)
		return
	}

	result, err := forecastTools{logger: logger}.CallTool(ctx, apps.CallToolParams{Name: "forecast", Arguments: args})
	if err != nil {
		logger.Warn("failed to call tool", "err", err)
		return
	}
	if err := s.SendToolResult(ctx, result); err != nil {
		logger.Warn("failed to send tool result", "err", err)
	}
}

// originPatterns turns CORS origins into the host patterns the websocket handshake checks.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if _, host, ok := strings.Cut(o, "://"); ok {
			o = host
		}
		patterns = append(patterns, o)
	}
	return patterns
}
