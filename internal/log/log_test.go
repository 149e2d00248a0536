package log

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "", want: "info"},
		{input: "info", want: "info"},
		{input: "WARNING", want: "warn"},
		{input: "debug", want: "debug"},
		{input: "Trace", want: "trace"},
		{input: "error", want: "error"},
		{input: "verbose", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := parseLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			currentLevel.Store(level)
			assert.Equal(t, tt.want, GetLogLevel())
		})
	}
}

func TestSetLogLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		_ = SetLogLevel("info")
	})

	require.NoError(t, SetLogLevel("warn"))
	assert.Equal(t, "warn", GetLogLevel())

	LogInfoWithFields("test", "hidden message", nil)
	assert.NotContains(t, buf.String(), "hidden message")

	LogWarnWithFields("test", "visible message", map[string]any{"key": "value"})
	assert.Contains(t, buf.String(), "visible message")
	assert.Contains(t, buf.String(), "component=test")
	assert.Contains(t, buf.String(), "key=value")

	assert.Error(t, SetLogLevel("nope"))
	assert.Equal(t, "warn", GetLogLevel())
}

func TestTraceLevelRendering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		_ = SetLogLevel("info")
	})

	require.NoError(t, SetLogLevel("trace"))
	buf.Reset()

	LogTraceWithFields("redirect", "trace line", nil)
	assert.Contains(t, buf.String(), "level=TRACE")
	assert.Contains(t, buf.String(), "trace line")

	require.NoError(t, SetLogLevel("debug"))
	buf.Reset()
	LogTrace("suppressed %d", 1)
	assert.Empty(t, buf.String())
}
