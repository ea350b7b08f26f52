package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// SSEStream serializes Server-Sent Events onto one response. The interpreter's
// stdout and stderr are copied by separate goroutines, so every event on the
// response goes through mu.
type SSEStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEStream returns nil if the ResponseWriter does not support flushing.
func NewSSEStream(w http.ResponseWriter) *SSEStream {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &SSEStream{w: w, flusher: flusher}
}

// Writer returns an io.Writer that emits each write as one event of the
// given type.
func (s *SSEStream) Writer(event string) io.Writer {
	return &sseEventWriter{stream: s, event: event}
}

// Send writes a single event and flushes it.
func (s *SSEStream) Send(event, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Every payload line needs its own "data:" prefix or a newline in user
	// output would end the event early.
	fmt.Fprintf(s.w, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(s.w, "data: %s\n", line)
	}
	if _, err := io.WriteString(s.w, "\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

type sseEventWriter struct {
	stream *SSEStream
	event  string
}

func (e *sseEventWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := e.stream.Send(e.event, strings.TrimSuffix(string(p), "\n")); err != nil {
		return 0, err
	}
	return len(p), nil
}
