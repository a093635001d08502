// Package telemetry provides tracing and event export for the bus.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/vinayprograms/ctxbus/envelope"
)

// Event names recorded by the bus.
const (
	EventSent          = "message_sent"
	EventHandlerFailed = "handler_failed"
)

// Event is one line of the bus timeline. Spans follow a single envelope
// through its contexts; events give a flat record across all of them.
type Event struct {
	Name          string                 `json:"name"`
	Timestamp     time.Time              `json:"timestamp"`
	EnvelopeID    string                 `json:"envelope_id,omitempty"`
	Type          string                 `json:"type,omitempty"`
	Source        string                 `json:"source,omitempty"`
	Target        string                 `json:"target,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

// EnvelopeEvent builds an event describing env. A nil env leaves the
// envelope fields empty; a broadcast has no Target.
func EnvelopeEvent(name string, env *envelope.Envelope, data map[string]interface{}) Event {
	ev := Event{Name: name, Timestamp: time.Now().UTC(), Data: data}
	if env == nil {
		return ev
	}
	ev.EnvelopeID = env.ID()
	ev.Type = string(env.Type())
	ev.Source = env.Source().String()
	ev.CorrelationID = env.CorrelationID()
	if to, ok := env.Target(); ok {
		ev.Target = to.String()
	}
	return ev
}

// Exporter records bus events for offline inspection.
type Exporter interface {
	Record(ev Event)
	Flush() error
	Close() error
}

// NewExporter picks an exporter by protocol: "http" posts batches to
// endpoint, "file" appends JSON lines to the path in endpoint, "noop" or
// empty records nothing.
func NewExporter(protocol, endpoint string) (Exporter, error) {
	switch protocol {
	case "http":
		return NewHTTPExporter(endpoint), nil
	case "file":
		return NewFileExporter(endpoint)
	case "noop", "":
		return NewNoopExporter(), nil
	default:
		return nil, fmt.Errorf("unknown telemetry protocol: %s", protocol)
	}
}

// httpBatchSize triggers a flush from Record.
const httpBatchSize = 100

// HTTPExporter posts events to an endpoint as a JSON array.
type HTTPExporter struct {
	endpoint string
	client   *http.Client

	mu      sync.Mutex
	pending []Event
}

// NewHTTPExporter creates an exporter posting to endpoint.
func NewHTTPExporter(endpoint string) *HTTPExporter {
	return &HTTPExporter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		pending:  make([]Event, 0, httpBatchSize),
	}
}

// Record buffers ev and posts the batch once it is full. A failed post
// keeps the batch for the next Flush.
func (e *HTTPExporter) Record(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, ev)
	if len(e.pending) >= httpBatchSize {
		e.post()
	}
}

// Flush posts whatever is buffered.
func (e *HTTPExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.post()
}

// Close flushes.
func (e *HTTPExporter) Close() error { return e.Flush() }

func (e *HTTPExporter) post() error {
	if len(e.pending) == 0 {
		return nil
	}
	body, err := json.Marshal(e.pending)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("telemetry endpoint returned %d", resp.StatusCode)
	}
	e.pending = e.pending[:0]
	return nil
}

// FileExporter appends one JSON event per line.
type FileExporter struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// NewFileExporter opens path for appending.
func NewFileExporter(path string) (*FileExporter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event file: %w", err)
	}
	return &FileExporter{f: f, enc: json.NewEncoder(f)}, nil
}

// Record writes ev. Events that do not encode are dropped.
func (e *FileExporter) Record(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enc.Encode(ev)
}

// Flush syncs the file.
func (e *FileExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.f.Sync()
}

// Close syncs and closes the file.
func (e *FileExporter) Close() error {
	e.Flush()
	return e.f.Close()
}

// NoopExporter discards events.
type NoopExporter struct{}

// NewNoopExporter creates a NoopExporter.
func NewNoopExporter() *NoopExporter { return &NoopExporter{} }

func (NoopExporter) Record(Event) {}
func (NoopExporter) Flush() error { return nil }
func (NoopExporter) Close() error { return nil }
