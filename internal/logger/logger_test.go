package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_TagsServiceAndRun(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "pnlengine", slog.LevelInfo)
	log.Debug("hidden")
	log.Info("connected", slog.Int("subscriptions", 3))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec), "expected exactly one JSON line, got %q", buf.String())
	assert.Equal(t, "pnlengine", rec["service"])
	assert.Equal(t, "connected", rec["msg"])
	assert.Equal(t, 3.0, rec["subscriptions"])

	_, err := uuid.Parse(rec["run_id"].(string))
	assert.NoError(t, err)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNewRunID_Unique(t *testing.T) {
	assert.NotEqual(t, NewRunID(), NewRunID())
}
