package sse

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteEvent(t *testing.T) {
	w := httptest.NewRecorder()

	require.NoError(t, WriteEvent(w, w, "navigate", map[string]any{"path": "/cuenta/pedidos", "replace": true}))
	assert.Equal(t, "event: navigate\ndata: {\"path\":\"/cuenta/pedidos\",\"replace\":true}\n\n", w.Body.String())
	assert.True(t, w.Flushed)
}

func TestWriteEventUnnamed(t *testing.T) {
	w := httptest.NewRecorder()

	require.NoError(t, WriteEvent(w, w, "", map[string]bool{"ok": true}))
	assert.Equal(t, "data: {\"ok\":true}\n\n", w.Body.String())
}

func TestStream(t *testing.T) {
	w := httptest.NewRecorder()

	stream, err := NewStream(w)
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))

	require.NoError(t, stream.Send("auth", map[string]bool{"authenticated": true}))
	require.NoError(t, stream.Comment("keepalive"))
	assert.Contains(t, w.Body.String(), "event: auth\n")
	assert.Contains(t, w.Body.String(), ": keepalive\n\n")

	stream.Close()
	before := w.Body.String()
	assert.ErrorIs(t, stream.Send("auth", nil), ErrStreamClosed)
	assert.ErrorIs(t, stream.Comment("late"), ErrStreamClosed)
	assert.Equal(t, before, w.Body.String())
}
