package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// TraceEntry is one attempt written by a Tracer.
type TraceEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id"`
	AttemptID  string    `json:"attempt_id"`
	Attempt    int       `json:"attempt"`
	Method     string    `json:"method"`
	Route      string    `json:"route"`
	URL        string    `json:"url"`
	TTL        int       `json:"ttl"`
	StatusCode int       `json:"status_code,omitempty"`
	Outcome    string    `json:"outcome"`
	Bucket     string    `json:"bucket,omitempty"`
	DelayMs    int64     `json:"delay_ms,omitempty"`
	WaitMs     int64     `json:"wait_ms"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// Tracer records attempts as NDJSON. A nil *Tracer records nothing.
type Tracer struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// NewTracer writes entries to w.
func NewTracer(w io.Writer) *Tracer {
	t := &Tracer{w: w}
	if c, ok := w.(io.Closer); ok {
		t.closer = c
	}
	return t
}

// OpenTracer appends entries to the file at path.
func OpenTracer(path string) (*Tracer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return NewTracer(f), nil
}

// Write records entry.
func (t *Tracer) Write(entry TraceEntry) {
	if t == nil || t.w == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = t.w.Write(data)
}

// Close closes the underlying writer when it is closable.
func (t *Tracer) Close() error {
	if t == nil || t.closer == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closer.Close()
}
