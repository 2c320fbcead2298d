package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, parseLevel(tc.input).Level(), "level %q", tc.input)
	}
}

func TestNewEmitsJSONByDefault(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})
	logger.Info("hello", "k", "v")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "v", entry["k"])
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: "text"})
	logger.Info("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Level: "warn"})
	logger.Info("dropped")
	assert.Empty(t, buf.String())
	logger.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestContextRoundTrips(t *testing.T) {
	ctx := context.Background()

	_, ok := RequestIDFromContext(ctx)
	assert.False(t, ok)

	ctx = ContextWithRequestID(ctx, "  req-1  ")
	id, ok := RequestIDFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "req-1", id)

	ctx = ContextWithStreamKey(ctx, "KEY1")
	key, ok := StreamKeyFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "KEY1", key)

	// Empty values never overwrite the context.
	same := ContextWithRequestID(ctx, "   ")
	id, _ = RequestIDFromContext(same)
	assert.Equal(t, "req-1", id)
}

func TestWithContextAnnotatesLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithStreamKey(ctx, "KEY1")
	WithContext(ctx, logger).Info("event")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "KEY1", entry["stream_key"])
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})
	WithComponent(logger, "ingest").Info("event")
	assert.Contains(t, buf.String(), `"component":"ingest"`)

	assert.Nil(t, WithComponent(nil, "ingest"))
}
