package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Event names emitted by the core.
const (
	EventRequestReceived    = "request_received"
	EventRequestCompleted   = "request_completed"
	EventInvocationBilled   = "invocation_billed"
	EventDiscoveryRefreshed = "discovery_refreshed"
	EventRegistryChanged    = "registry_changed"
	EventEmbeddingIndexed   = "embedding_indexed"
	EventServiceRegistered  = "service_registered"
	EventHealthChanged      = "health_changed"
)

// Severity of an event. Warning-severity events are forwarded to alert sinks.
type Severity string

const (
	SeverityInfo Severity = "info"
	SeverityWarn Severity = "warn"
)

// Event is one flat telemetry record.
type Event struct {
	Name      string         `json:"event"`
	Time      string         `json:"time"` // ISO-8601 UTC
	Severity  Severity       `json:"severity,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Sink receives batches of events. Implementations must be safe for use from
// a single flushing goroutine; failures are logged and never propagate.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []Event) error
}

const (
	bufferSize    = 1024
	flushInterval = 2 * time.Second
	flushBatch    = 64
)

// Emitter is the async, buffered telemetry pipeline. Emit never blocks the
// caller; when the buffer is full the event is dropped and counted.
type Emitter struct {
	logger *slog.Logger
	sinks  []Sink
	events chan Event
	wg     sync.WaitGroup
}

// NewEmitter creates an Emitter fanning out to the given sinks.
// Call Start to begin processing and Close to drain on shutdown.
func NewEmitter(logger *slog.Logger, sinks ...Sink) *Emitter {
	return &Emitter{
		logger: logger,
		sinks:  sinks,
		events: make(chan Event, bufferSize),
	}
}

// Start begins the background flushing goroutine.
func (e *Emitter) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()
}

// Close flushes all pending events and stops the pipeline.
func (e *Emitter) Close() {
	close(e.events)
	e.wg.Wait()
}

// Emit enqueues an event. The timestamp is stamped here if unset, and trace
// correlation IDs are filled from ctx when a span is recording.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if ev.Time == "" {
		ev.Time = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		ev.TraceID = sc.TraceID().String()
		ev.SpanID = sc.SpanID().String()
	}

	select {
	case e.events <- ev:
	default:
		TelemetryDroppedTotal.Inc()
		e.logger.Warn("telemetry buffer full, dropping event", "event", ev.Name)
	}
}

func (e *Emitter) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		e.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-e.events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			// Drain whatever is already buffered, then wait for Close.
			flush()
			for ev := range e.events {
				batch = append(batch, ev)
				if len(batch) >= flushBatch {
					flush()
				}
			}
			flush()
			return
		}
	}
}

// flush writes the batch to every sink. A failing sink never aborts the
// emitting path or the other sinks.
func (e *Emitter) flush(batch []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, s := range e.sinks {
		if err := s.Write(ctx, batch); err != nil {
			e.logger.Warn("telemetry sink write failed",
				"sink", s.Name(),
				"events", len(batch),
				"error", err,
			)
		}
	}
}
