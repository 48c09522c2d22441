package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
)

// SlogSink writes events through the structured logger.
type SlogSink struct {
	Logger *slog.Logger
}

func (s *SlogSink) Name() string { return "slog" }

func (s *SlogSink) Write(_ context.Context, events []Event) error {
	for _, ev := range events {
		attrs := []any{"time", ev.Time}
		if ev.RequestID != "" {
			attrs = append(attrs, "request_id", ev.RequestID)
		}
		if ev.SessionID != "" {
			attrs = append(attrs, "session_id", ev.SessionID)
		}
		if ev.TraceID != "" {
			attrs = append(attrs, "trace_id", ev.TraceID)
		}
		for k, v := range ev.Fields {
			attrs = append(attrs, k, v)
		}
		if ev.Severity == SeverityWarn {
			s.Logger.Warn(ev.Name, attrs...)
		} else {
			s.Logger.Info(ev.Name, attrs...)
		}
	}
	return nil
}

// FileSink appends events as JSON lines to a file.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewFileSink opens (or creates) the events file in append mode.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening telemetry file %s: %w", path, err)
	}
	return &FileSink{file: f, enc: json.NewEncoder(f)}, nil
}

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) Write(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		if err := s.enc.Encode(ev); err != nil {
			return fmt.Errorf("encoding event: %w", err)
		}
	}
	return nil
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// CollectorSink POSTs event batches to a remote collector.
type CollectorSink struct {
	url        string
	httpClient *http.Client
}

// NewCollectorSink creates a sink posting to the given URL with a short
// timeout so a slow collector cannot back up the pipeline.
func NewCollectorSink(url string) *CollectorSink {
	return &CollectorSink{
		url:        url,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *CollectorSink) Name() string { return "collector" }

func (s *CollectorSink) Write(ctx context.Context, events []Event) error {
	body, err := json.Marshal(map[string]any{"events": events})
	if err != nil {
		return fmt.Errorf("marshalling events: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting to collector: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("collector returned HTTP %d", resp.StatusCode)
	}
	return nil
}
