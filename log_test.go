package twofactor

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	l := NewLogger(buf, slog.LevelInfo, nil)

	l.Debug("hidden")
	l.Info("totp configured", "user_id", "u1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "totp configured", rec["msg"])
	assert.Equal(t, "u1", rec["user_id"])
}

func TestFanoutHandler(t *testing.T) {
	info, debug := &bytes.Buffer{}, &bytes.Buffer{}
	h := &fanoutHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(info, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewJSONHandler(debug, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}}
	assert.True(t, h.Enabled(context.Background(), slog.LevelDebug))

	l := slog.New(h).With("component", "test").WithGroup("req")
	l.Debug("only debug", "id", 1)
	l.Info("both", "id", 2)

	assert.NotContains(t, info.String(), "only debug")
	assert.Contains(t, info.String(), `"component":"test"`)
	assert.Contains(t, info.String(), `"req":{"id":2}`)
	assert.Contains(t, debug.String(), "only debug")
	assert.Contains(t, debug.String(), "both")
}
