package sink

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veupathdb/strategy-orchestration-core/internal/events"
)

func TestSSESendWritesEventStreamFrame(t *testing.T) {
	var buf bytes.Buffer
	s := NewSSE(&buf)

	err := s.Send(context.Background(), events.Event{Type: "assistant_message", Data: map[string]any{"content": "hi"}})
	require.Nil(t, err)

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "event: assistant_message\ndata: "))
	assert.True(t, strings.HasSuffix(out, "\n\n"))
	assert.Contains(t, out, `"content":"hi"`)
}

func TestSSESendAfterCloseFails(t *testing.T) {
	var buf bytes.Buffer
	s := NewSSE(&buf)
	require.Nil(t, s.Close(context.Background()))

	err := s.Send(context.Background(), events.Event{Type: "error", Data: map[string]any{"message": "boom"}})
	assert.NotNil(t, err)
}

func TestSSESendRespectsCancelledContext(t *testing.T) {
	var buf bytes.Buffer
	s := NewSSE(&buf)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Send(ctx, events.Event{Type: "assistant_message", Data: map[string]any{}})
	assert.NotNil(t, err)
}
