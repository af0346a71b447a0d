package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"

	"github.com/MegaGrindStone/go-mcp-apps"
)

// forecastTools answers app requests with made-up weather.
type forecastTools struct {
	logger *slog.Logger
}

func (f forecastTools) CallTool(_ context.Context, params apps.CallToolParams) (apps.CallToolResult, error) {
	if params.Name != "forecast" {
		return apps.CallToolResult{}, fmt.Errorf("unknown tool %q", params.Name)
	}

	city, _ := params.Arguments["city"].(string)
	if city == "" {
		return apps.CallToolResult{
			Content: []apps.Content{{Type: apps.ContentTypeText, Text: "city is required"}},
			IsError: true,
		}, nil
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(city))
	temperature := int(h.Sum32()%35) - 5

	return apps.CallToolResult{
		Content: []apps.Content{{
			Type: apps.ContentTypeText,
			Text: fmt.Sprintf("%s: %d°C", city, temperature),
		}},
		StructuredContent: map[string]any{"city": city, "temperature": temperature},
	}, nil
}

func (f forecastTools) HandleMessage(_ context.Context, params apps.MessageParams) (apps.MessageResult, error) {
	for _, c := range params.Content {
		f.logger.Info("app message", "role", params.Role, "text", c.Text)
	}
	return apps.MessageResult{}, nil
}

func (f forecastTools) OnLog(sessionID string, params apps.LogParams) {
	f.logger.Info("app log", "sessionID", sessionID, "level", params.Level, "logger", params.Logger, "data", params.Data)
}

func (f forecastTools) OnSizeChanged(sessionID string, params apps.SizeChangedParams) {
	f.logger.Debug("app resized", "sessionID", sessionID, "width", params.Width, "height", params.Height)
}
