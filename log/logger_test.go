package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeInput(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"example.com", "example.com"},
		{"evil\r\nInjected: yes", "evilInjected: yes"},
		{"tab\there", "tabhere"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, EscapeInput(tt.in))
	}
}

func TestConfigureLogger(t *testing.T) {
	t.Cleanup(func() {
		_ = ConfigureLogger(Config{Level: LevelInfo, Format: FormatTypeText, Timestamp: true})
	})

	t.Run("json format", func(t *testing.T) {
		var buf bytes.Buffer

		require.NoError(t, ConfigureLogger(Config{Level: LevelDebug, Format: FormatTypeJSON}))
		SetOutput(&buf)

		PrefixedLog("spf").Debug("evaluating")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "spf", entry["prefix"])
		assert.Equal(t, "evaluating", entry["msg"])
		assert.Equal(t, logrus.DebugLevel, Log().GetLevel())
	})

	t.Run("invalid level", func(t *testing.T) {
		assert.Error(t, ConfigureLogger(Config{Level: "loud", Format: FormatTypeText}))
	})

	t.Run("invalid format", func(t *testing.T) {
		assert.Error(t, ConfigureLogger(Config{Level: LevelInfo, Format: "xml"}))
	})
}
