// logging_test.go: tests for the logger adapters
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_SupportedTypes(t *testing.T) {
	t.Run("Nil", func(t *testing.T) {
		assert.IsType(t, &NoOpLogger{}, NewLogger(nil))
	})

	t.Run("NilSlog", func(t *testing.T) {
		var l *slog.Logger
		assert.IsType(t, &NoOpLogger{}, NewLogger(l))
	})

	t.Run("Slog", func(t *testing.T) {
		assert.IsType(t, &SlogLogger{}, NewLogger(slog.Default()))
	})

	t.Run("LoggerInterface", func(t *testing.T) {
		logger := NewTestLogger()
		assert.Same(t, logger, NewLogger(logger))
	})

	t.Run("Unsupported", func(t *testing.T) {
		assert.Panics(t, func() { NewLogger("stdout") })
	})
}

func TestSlogLogger_WritesStructuredRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	logger.With("plugin", "alpha").Warn("Plugin declined", "attempt", 2)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "WARN", record["level"])
	assert.Equal(t, "Plugin declined", record["msg"])
	assert.Equal(t, "alpha", record["plugin"])
	assert.Equal(t, float64(2), record["attempt"])
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for input, want := range tests {
		assert.Equal(t, want, ParseLogLevel(input), input)
	}
}

func TestTestLogger_SharedSink(t *testing.T) {
	logger := NewTestLogger()
	child := logger.With("plugin", "alpha")

	child.Info("Plugin running")
	logger.Error("Poll cycle aborted")

	messages := logger.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, []any{"plugin", "alpha"}, messages[0].Args)
	assert.True(t, logger.HasMessage("INFO", "running"))
	assert.False(t, logger.HasMessage("WARN", "running"))

	logger.Clear()
	assert.Empty(t, logger.Messages())
}

func TestLoggerContext(t *testing.T) {
	assert.IsType(t, &NoOpLogger{}, LoggerFromContext(context.Background()))

	logger := NewTestLogger()
	ctx := ContextWithLogger(context.Background(), logger)
	assert.Same(t, logger, LoggerFromContext(ctx))
}

func TestNoOpLogger(t *testing.T) {
	logger := NewNoOpLogger()
	assert.NotPanics(t, func() {
		logger.Debug("d")
		logger.Info("i")
		logger.Warn("w")
		logger.Error("e")
	})
	assert.Same(t, logger, logger.With("k", "v"))
}
