package serve

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

var errStreamClosed = errors.New("stream writer is closed")

// StreamWriter writes NDJSON frames. Responses and notifications from
// different goroutines never interleave within a line.
type StreamWriter struct {
	mu      sync.Mutex
	enc     *json.Encoder
	flusher interface{ Flush() }
	closed  bool
}

func NewStreamWriter(w io.Writer) *StreamWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	sw := &StreamWriter{enc: enc}
	if f, ok := w.(interface{ Flush() }); ok {
		sw.flusher = f
	}
	return sw
}

func (sw *StreamWriter) write(v interface{}) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.closed {
		return errStreamClosed
	}
	if err := sw.enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}

func (sw *StreamWriter) WriteNotification(n Notification) error { return sw.write(n) }

func (sw *StreamWriter) WriteResponse(resp *JSONRPCResponse) error { return sw.write(resp) }

func (sw *StreamWriter) Close() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.closed = true
	return nil
}
