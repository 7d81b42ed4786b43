package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.in))
		})
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "debug", Format: "json"}, &buf)

	logger.WithFields(map[string]any{"room": "g1"}).Component("rooms").Debug("joined")

	out := buf.String()
	assert.Contains(t, out, `"msg":"joined"`)
	assert.Contains(t, out, `"room":"g1"`)
	assert.Contains(t, out, `"component":"rooms"`)
}

func TestNewWithWriter_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "warn", Format: "text"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestContextRoundTrip(t *testing.T) {
	logger := Nop()
	ctx := WithLogger(context.Background(), logger)

	require.Same(t, logger, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}
