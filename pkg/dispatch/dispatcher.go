// Package dispatch validates, authorizes, and executes capability
// invocations. Each invocation walks a fixed state machine:
//
//	RECEIVED → VALIDATED → AUTHORIZED → RUNNING → terminal
//
// Handlers run with a deadline-carrying context; a handler that ignores
// cancellation past the grace window is abandoned and reported.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/xenophobed/isa-mcp/internal/claims"
	"github.com/xenophobed/isa-mcp/internal/fault"
	"github.com/xenophobed/isa-mcp/internal/telemetry"
	"github.com/xenophobed/isa-mcp/pkg/catalog"
	"github.com/xenophobed/isa-mcp/pkg/handler"
)

// Outcome is the terminal state of an invocation.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeDenied    Outcome = "denied"
)

// Request is one capability invocation.
type Request struct {
	RequestID string
	SessionID string
	Kind      catalog.Kind
	Name      string
	Arguments map[string]any
	Claims    claims.Claims
	// Deadline caps the invocation; zero means the capability's own limit
	// (or the dispatcher default) governs.
	Deadline time.Time
}

// Result is the terminal record of an invocation that reached RUNNING.
type Result struct {
	Content       any
	Outcome       Outcome
	Err           error
	OutputFlagged bool
}

// Options configure a Dispatcher.
type Options struct {
	GlobalConcurrency int
	PerCapConcurrency int
	QueueSize         int
	DefaultTimeout    time.Duration
	CancelGrace       time.Duration
}

// Dispatcher executes invocations against the catalog.
type Dispatcher struct {
	registry *catalog.Registry
	handlers *handler.Registry
	schemas  *schemaCache
	emitter  *telemetry.Emitter
	logger   *slog.Logger

	global         *gate
	perCap         *gateSet
	defaultTimeout time.Duration
	grace          time.Duration
}

// New creates a Dispatcher.
func New(registry *catalog.Registry, handlers *handler.Registry, emitter *telemetry.Emitter, logger *slog.Logger, opts Options) *Dispatcher {
	if opts.GlobalConcurrency <= 0 {
		opts.GlobalConcurrency = 512
	}
	if opts.PerCapConcurrency <= 0 {
		opts.PerCapConcurrency = 64
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 128
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = 2 * time.Second
	}
	return &Dispatcher{
		registry:       registry,
		handlers:       handlers,
		schemas:        newSchemaCache(),
		emitter:        emitter,
		logger:         logger,
		global:         newGate(opts.GlobalConcurrency, opts.QueueSize),
		perCap:         newGateSet(opts.PerCapConcurrency, opts.QueueSize),
		defaultTimeout: opts.DefaultTimeout,
		grace:          opts.CancelGrace,
	}
}

// Invoke runs one invocation to a terminal state. Rejections before RUNNING
// (unknown name, invalid arguments, denied, overloaded) return a classified
// error and a nil Result; invocations that reached RUNNING always return a
// Result carrying the outcome. Exactly one request_completed event is
// emitted per call.
func (d *Dispatcher) Invoke(ctx context.Context, req Request) (res *Result, err error) {
	started := time.Now()
	d.emit(ctx, telemetry.EventRequestReceived, req, map[string]any{
		"kind": req.Kind,
		"name": req.Name,
	})

	defer func() {
		outcome := OutcomeFailed
		var errKind fault.Kind
		if err != nil {
			errKind = fault.KindOf(err)
			if errKind == fault.Denied {
				outcome = OutcomeDenied
			}
		} else if res != nil {
			outcome = res.Outcome
			if res.Err != nil {
				errKind = fault.KindOf(res.Err)
			}
		}

		telemetry.InvocationsTotal.WithLabelValues(string(req.Kind), string(outcome)).Inc()
		telemetry.InvocationDuration.WithLabelValues(string(req.Kind)).Observe(time.Since(started).Seconds())

		fields := map[string]any{
			"kind":        req.Kind,
			"name":        req.Name,
			"subject":     req.Claims.Subject,
			"outcome":     outcome,
			"duration_ms": time.Since(started).Milliseconds(),
		}
		if errKind != "" {
			fields["error_kind"] = string(errKind)
		}
		d.emit(ctx, telemetry.EventRequestCompleted, req, fields)
	}()

	// RECEIVED → VALIDATED: the capability must exist and the arguments
	// must satisfy its schema.
	cap, err := d.registry.Get(req.Kind, req.Name)
	if err != nil {
		return nil, err
	}
	if err := d.validate(cap, req.Arguments); err != nil {
		return nil, err
	}

	// VALIDATED → AUTHORIZED.
	if err := authorize(cap, req.Claims); err != nil {
		d.logger.Warn("invocation denied",
			"kind", req.Kind,
			"name", req.Name,
			"subject", req.Claims.Subject,
			"security_class", cap.SecurityClass,
		)
		return nil, err
	}

	// Admission control before RUNNING.
	if err := d.global.acquire(ctx); err != nil {
		return nil, err
	}
	defer d.global.release()

	capGate := d.perCap.get(cap.Key())
	if err := capGate.acquire(ctx); err != nil {
		return nil, err
	}
	defer capGate.release()

	// AUTHORIZED → RUNNING. The capability value and handler are captured
	// here; a concurrent Replace affects only later invocations.
	res = d.run(ctx, cap, req)

	// A single retry for idempotent tools on transient failure, as long as
	// the caller's deadline leaves room for it.
	if d.shouldRetry(cap, res) && ctx.Err() == nil &&
		(req.Deadline.IsZero() || time.Now().Before(req.Deadline)) {
		d.logger.Debug("retrying idempotent tool after transient failure",
			"name", cap.Name, "error", res.Err)
		res = d.run(ctx, cap, req)
	}

	cap.Counters().RecordInvocation(time.Since(started), res.Outcome != OutcomeOK)
	return res, nil
}

// validate performs the per-kind argument check.
func (d *Dispatcher) validate(cap *catalog.Capability, args map[string]any) error {
	switch cap.Kind {
	case catalog.KindTool:
		schema, err := d.schemas.compile(cap.DefinitionHash+"/input", cap.Tool.InputSchema)
		if err != nil {
			return fault.Wrap(fault.Internal, "input schema failed to compile", err)
		}
		return validateArguments(schema, args)
	case catalog.KindPrompt:
		for _, arg := range cap.Prompt.Arguments {
			if !arg.Required {
				continue
			}
			if _, ok := args[arg.Name]; !ok {
				return fault.Newf(fault.InvalidArgument, "missing required prompt argument %q", arg.Name)
			}
		}
		return nil
	default:
		return nil
	}
}

// authorize enforces the capability's security class against caller claims.
func authorize(cap *catalog.Capability, c claims.Claims) error {
	switch cap.SecurityClass {
	case catalog.SecurityPrivileged:
		if !c.Privileged {
			return fault.Newf(fault.Denied, "%s requires the privileged claim", cap.Key())
		}
	case catalog.SecurityAuthenticated:
		if !c.Authenticated {
			return fault.Newf(fault.Denied, "%s requires an authenticated caller", cap.Key())
		}
	}
	return nil
}

// run executes the captured capability to a terminal state.
func (d *Dispatcher) run(ctx context.Context, cap *catalog.Capability, req Request) *Result {
	// Prompts render synchronously: no handler, no suspension.
	if cap.Kind == catalog.KindPrompt {
		rendered, err := RenderPrompt(cap.Prompt, req.Arguments)
		if err != nil {
			return &Result{Outcome: OutcomeFailed, Err: err}
		}
		return &Result{Outcome: OutcomeOK, Content: rendered}
	}

	h, err := d.handlers.Resolve(cap.HandlerRef())
	if err != nil {
		return &Result{Outcome: OutcomeFailed, Err: fault.Wrap(fault.Internal, "handler not resolvable", err)}
	}

	deadline := d.effectiveDeadline(cap, req)
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	type handlerResult struct {
		content any
		err     error
	}
	done := make(chan handlerResult, 1)

	go func() {
		content, err := h.Invoke(runCtx, handler.Request{
			Kind:      cap.Kind,
			Name:      cap.Name,
			Arguments: req.Arguments,
			Claims:    req.Claims,
			Resource:  cap.Resource,
		})
		done <- handlerResult{content: content, err: err}
	}()

	select {
	case hr := <-done:
		return d.conclude(cap, hr.content, hr.err, runCtx)
	case <-runCtx.Done():
		// Cancellation signalled; give the handler the grace window.
		select {
		case hr := <-done:
			return d.conclude(cap, hr.content, hr.err, runCtx)
		case <-time.After(d.grace):
			d.logger.Warn("handler ignored cancellation, abandoning invocation",
				"kind", cap.Kind,
				"name", cap.Name,
				"request_id", req.RequestID,
				"grace", d.grace,
			)
			return d.terminalForContext(runCtx, ctx)
		}
	}
}

// conclude maps a finished handler call to a terminal Result, validating
// output against the declared schema when present.
func (d *Dispatcher) conclude(cap *catalog.Capability, content any, err error, runCtx context.Context) *Result {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return d.terminalForContext(runCtx, nil)
		}
		return &Result{Outcome: OutcomeFailed, Err: classify(err)}
	}

	res := &Result{Outcome: OutcomeOK, Content: content}
	if cap.Kind == catalog.KindTool && len(cap.Tool.OutputSchema) > 0 {
		if !d.outputMatches(cap, content) {
			// Mismatched output downgrades to completed-but-flagged.
			res.OutputFlagged = true
		}
	}
	return res
}

// terminalForContext distinguishes a deadline expiry from an external
// cancellation.
func (d *Dispatcher) terminalForContext(runCtx, parent context.Context) *Result {
	if parent != nil && parent.Err() == context.Canceled {
		return &Result{Outcome: OutcomeCancelled, Err: fault.New(fault.TimedOut, "invocation cancelled")}
	}
	if runCtx.Err() == context.Canceled {
		return &Result{Outcome: OutcomeCancelled, Err: fault.New(fault.TimedOut, "invocation cancelled")}
	}
	return &Result{Outcome: OutcomeTimedOut, Err: fault.New(fault.TimedOut, "invocation deadline exceeded")}
}

func (d *Dispatcher) outputMatches(cap *catalog.Capability, content any) bool {
	schema, err := d.schemas.compile(cap.DefinitionHash+"/output", cap.Tool.OutputSchema)
	if err != nil {
		d.logger.Warn("output schema failed to compile", "name", cap.Name, "error", err)
		return false
	}

	data, err := json.Marshal(content)
	if err != nil {
		return false
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return false
	}
	return schema.Validate(value) == nil
}

func (d *Dispatcher) effectiveDeadline(cap *catalog.Capability, req Request) time.Time {
	limit := d.defaultTimeout
	if cap.Kind == catalog.KindTool && cap.Tool.MaxRuntimeMS > 0 {
		limit = time.Duration(cap.Tool.MaxRuntimeMS) * time.Millisecond
	}
	deadline := time.Now().Add(limit)
	if !req.Deadline.IsZero() && req.Deadline.Before(deadline) {
		deadline = req.Deadline
	}
	return deadline
}

func (d *Dispatcher) shouldRetry(cap *catalog.Capability, res *Result) bool {
	if cap.Kind != catalog.KindTool || !cap.Tool.Idempotent {
		return false
	}
	if res.Outcome == OutcomeCancelled || res.Err == nil {
		return false
	}
	return fault.Transient(res.Err)
}

func (d *Dispatcher) emit(ctx context.Context, name string, req Request, fields map[string]any) {
	if d.emitter == nil {
		return
	}
	d.emitter.Emit(ctx, telemetry.Event{
		Name:      name,
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		Fields:    fields,
	})
}

// classify wraps unclassified handler errors as internal so raw messages
// never leak to callers.
func classify(err error) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	return fault.Wrap(fault.Internal, "handler failed", err)
}

// RenderPrompt renders the prompt template and wraps it as the message list
// served to the client.
func RenderPrompt(p *catalog.PromptDef, args map[string]any) ([]Message, error) {
	text, err := p.Render(args)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidArgument, err.Error(), err)
	}
	return []Message{{Role: "user", Content: text}}, nil
}

// Message is one rendered prompt message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
