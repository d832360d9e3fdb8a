// Package sink provides concrete events.Sink implementations: a
// Server-Sent-Events writer for the external HTTP transport, and a
// Redis/Pulse-backed sink for fanning events out to other processes.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/veupathdb/strategy-orchestration-core/internal/events"
)

// SSE writes events as Server-Sent-Events frames: "event: <type>\ndata:
// <json>\n\n". It is safe for concurrent Send calls; writes to the
// underlying writer are serialized.
type SSE struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	closed  bool
}

// NewSSE wraps w as an SSE sink. If w also implements http.Flusher (as
// http.ResponseWriter does), each frame is flushed immediately so the
// client sees it without buffering delay.
func NewSSE(w io.Writer) *SSE {
	s := &SSE{w: w}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	return s
}

// Send writes one event frame. Unknown event types are written as-is;
// clients are expected to ignore event types they don't recognize.
func (s *SSE) Send(ctx context.Context, event events.Event) error {
	payload, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sse sink closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event.Type, payload); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Close marks the sink closed; subsequent Send calls fail. The underlying
// writer's lifecycle (e.g. closing the HTTP response) is the caller's
// responsibility.
func (s *SSE) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
