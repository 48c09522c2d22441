package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xenophobed/isa-mcp/internal/claims"
	"github.com/xenophobed/isa-mcp/internal/fault"
	"github.com/xenophobed/isa-mcp/pkg/catalog"
	"github.com/xenophobed/isa-mcp/pkg/dispatch"
	"github.com/xenophobed/isa-mcp/pkg/handler"
	"github.com/xenophobed/isa-mcp/pkg/selector"
)

const (
	// maxFrameBytes bounds one newline-delimited frame.
	maxFrameBytes = 8 << 20
	// sessionWriteQueue bounds in-flight responses per session.
	sessionWriteQueue = 256
)

// Deps are the collaborators a session translates wire messages into.
type Deps struct {
	Registry   *catalog.Registry
	Dispatcher *dispatch.Dispatcher
	Selector   *selector.Selector
	Logger     *slog.Logger
}

// Session serves one framed connection. The read loop never blocks on
// handlers: each request is enqueued for ordered delivery and executed on
// its own goroutine, so a slow tool call cannot stall reads (it only delays
// later responses, which the ordering contract requires).
type Session struct {
	id   string
	deps Deps
	conn io.ReadWriteCloser

	mu     sync.Mutex
	claims claims.Claims

	writeQ  chan *pendingResponse
	cancels sync.Map // request_id → context.CancelFunc
}

type pendingResponse struct {
	resp Response
	done chan struct{}
}

// NewSession wraps a connection.
func NewSession(conn io.ReadWriteCloser, deps Deps) *Session {
	return &Session{
		id:     uuid.NewString(),
		deps:   deps,
		conn:   conn,
		claims: claims.Anonymous,
		writeQ: make(chan *pendingResponse, sessionWriteQueue),
	}
}

// Run serves the session until the connection closes or ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = s.conn.Close() }()

	s.deps.Logger.Info("mcp session opened", "session_id", s.id)
	defer s.deps.Logger.Info("mcp session closed", "session_id", s.id)

	// Close the connection when ctx dies so the read loop unblocks.
	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(ctx)
	}()

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 64<<10), maxFrameBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.enqueue(ctx, Response{Error: &WireError{
				Code:    codeInvalidArgument,
				Message: "malformed frame: " + err.Error(),
			}})
			continue
		}
		if req.RequestID == "" {
			s.enqueue(ctx, Response{Error: &WireError{
				Code:    codeInvalidArgument,
				Message: "request_id is required",
			}})
			continue
		}

		s.dispatch(ctx, req)
	}

	cancel() // session closed: cancel every in-flight invocation
	close(s.writeQ)
	wg.Wait()
}

// dispatch reserves the request's ordered response slot and registers the
// request's cancel handle, then runs the method on its own goroutine. The
// handle is registered before the goroutine starts so a cancel frame read
// immediately afterwards always finds its target.
func (s *Session) dispatch(ctx context.Context, req Request) {
	p := &pendingResponse{done: make(chan struct{})}
	select {
	case s.writeQ <- p:
	case <-ctx.Done():
		return
	}

	reqCtx, cancel := context.WithCancel(ctx)
	s.cancels.Store(req.RequestID, cancel)

	go func() {
		defer close(p.done)
		defer cancel()
		defer s.cancels.Delete(req.RequestID)
		p.resp = s.handle(reqCtx, req)
	}()
}

// enqueue reserves a slot for an already-final response.
func (s *Session) enqueue(ctx context.Context, resp Response) {
	p := &pendingResponse{resp: resp, done: make(chan struct{})}
	close(p.done)
	select {
	case s.writeQ <- p:
	case <-ctx.Done():
	}
}

// writeLoop delivers responses strictly in enqueue order.
func (s *Session) writeLoop(ctx context.Context) {
	enc := json.NewEncoder(s.conn)
	for p := range s.writeQ {
		select {
		case <-p.done:
		case <-ctx.Done():
			// Still wait: every started request reaches a terminal state
			// (the session cancel propagates to its context).
			<-p.done
		}
		if err := enc.Encode(p.resp); err != nil {
			s.deps.Logger.Debug("mcp session write failed", "session_id", s.id, "error", err)
			return
		}
	}
}

// handle routes one request to its method handler.
func (s *Session) handle(ctx context.Context, req Request) Response {
	var (
		result any
		err    error
	)

	switch req.Method {
	case "hello":
		result, err = s.handleHello(req.Params)
	case "ping":
		result = map[string]any{}
	case "list_tools":
		result, err = s.handleList(catalog.KindTool, req.Params)
	case "list_prompts":
		result, err = s.handleList(catalog.KindPrompt, req.Params)
	case "list_resources":
		result, err = s.handleList(catalog.KindResource, req.Params)
	case "call_tool":
		result, err = s.handleCallTool(ctx, req)
	case "get_prompt":
		result, err = s.handleGetPrompt(ctx, req)
	case "read_resource":
		result, err = s.handleReadResource(ctx, req)
	case "search_catalog":
		result, err = s.handleSearch(ctx, req)
	case "cancel":
		result, err = s.handleCancel(req.Params)
	default:
		err = fault.Newf(fault.NotFound, "unknown method %q", req.Method)
	}

	if err != nil {
		return Response{RequestID: req.RequestID, Error: wireError(err)}
	}
	return Response{RequestID: req.RequestID, Result: result}
}

type helloParams struct {
	Claims map[string]any `json:"claims,omitempty"`
}

func (s *Session) handleHello(params json.RawMessage) (any, error) {
	var p helloParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fault.Wrap(fault.InvalidArgument, "decoding hello params", err)
		}
	}
	if p.Claims != nil {
		c := claims.FromMap(p.Claims)
		s.mu.Lock()
		s.claims = c
		s.mu.Unlock()
	}
	return map[string]any{"server": "isa-mcp", "session_id": s.id}, nil
}

func (s *Session) callerClaims() claims.Claims {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims
}

type listParams struct {
	Filter struct {
		Category   string `json:"category,omitempty"`
		NamePrefix string `json:"name_prefix,omitempty"`
	} `json:"filter,omitempty"`
}

func (s *Session) handleList(kind catalog.Kind, params json.RawMessage) (any, error) {
	var p listParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fault.Wrap(fault.InvalidArgument, "decoding filter", err)
		}
	}

	caps := s.deps.Registry.List(kind, catalog.Filter{
		Category:   p.Filter.Category,
		NamePrefix: p.Filter.NamePrefix,
	})

	switch kind {
	case catalog.KindTool:
		out := make([]ToolSummary, 0, len(caps))
		for _, c := range caps {
			out = append(out, toolSummary(c))
		}
		return map[string]any{"tools": out}, nil
	case catalog.KindPrompt:
		out := make([]PromptSummary, 0, len(caps))
		for _, c := range caps {
			out = append(out, promptSummary(c))
		}
		return map[string]any{"prompts": out}, nil
	default:
		out := make([]ResourceSummary, 0, len(caps))
		for _, c := range caps {
			out = append(out, resourceSummary(c))
		}
		return map[string]any{"resources": out}, nil
	}
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	TimeoutMS int            `json:"timeout_ms,omitempty"`
}

func (s *Session) handleCallTool(ctx context.Context, req Request) (any, error) {
	var p callParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fault.Wrap(fault.InvalidArgument, "decoding call_tool params", err)
	}
	if p.Name == "" {
		return nil, fault.New(fault.InvalidArgument, "name is required")
	}

	res, err := s.invoke(ctx, req.RequestID, catalog.KindTool, p)
	if err != nil {
		return nil, err
	}

	switch res.Outcome {
	case dispatch.OutcomeOK:
		return map[string]any{"content": normalizeContent(res.Content), "is_error": false}, nil
	case dispatch.OutcomeFailed:
		// Tool-level failure: reported in-band, MCP style.
		return map[string]any{
			"content":  []handler.TextContent{{Type: "text", Text: fault.Message(res.Err)}},
			"is_error": true,
		}, nil
	default:
		return nil, res.Err
	}
}

func (s *Session) handleGetPrompt(ctx context.Context, req Request) (any, error) {
	var p callParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fault.Wrap(fault.InvalidArgument, "decoding get_prompt params", err)
	}
	if p.Name == "" {
		return nil, fault.New(fault.InvalidArgument, "name is required")
	}

	res, err := s.invoke(ctx, req.RequestID, catalog.KindPrompt, p)
	if err != nil {
		return nil, err
	}
	if res.Outcome != dispatch.OutcomeOK {
		return nil, res.Err
	}
	return map[string]any{"messages": res.Content}, nil
}

type readResourceParams struct {
	URI string `json:"uri"`
}

func (s *Session) handleReadResource(ctx context.Context, req Request) (any, error) {
	var p readResourceParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fault.Wrap(fault.InvalidArgument, "decoding read_resource params", err)
	}
	if p.URI == "" {
		return nil, fault.New(fault.InvalidArgument, "uri is required")
	}

	res, ok := s.resourceByURI(p.URI)
	if !ok {
		return nil, fault.Newf(fault.NotFound, "no resource with uri %q", p.URI)
	}

	out, err := s.invoke(ctx, req.RequestID, catalog.KindResource, callParams{Name: res.Name})
	if err != nil {
		return nil, err
	}
	if out.Outcome != dispatch.OutcomeOK {
		return nil, out.Err
	}
	return map[string]any{"contents": normalizeContent(out.Content)}, nil
}

func (s *Session) resourceByURI(uri string) (*catalog.Capability, bool) {
	for _, c := range s.deps.Registry.List(catalog.KindResource, catalog.Filter{}) {
		if c.Resource.URI == uri {
			return c, true
		}
	}
	return nil, false
}

type searchParams struct {
	Query   string `json:"query"`
	K       int    `json:"k,omitempty"`
	Filters struct {
		Kind     string `json:"kind,omitempty"`
		Category string `json:"category,omitempty"`
	} `json:"filters,omitempty"`
}

type searchResult struct {
	Kind        string  `json:"kind"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Category    string  `json:"category,omitempty"`
	Score       float64 `json:"score"`
}

func (s *Session) handleSearch(ctx context.Context, req Request) (any, error) {
	var p searchParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fault.Wrap(fault.InvalidArgument, "decoding search params", err)
	}
	if p.K == 0 {
		p.K = 5
	}

	var kind catalog.Kind
	if p.Filters.Kind != "" {
		k, err := catalog.ParseKind(p.Filters.Kind)
		if err != nil {
			return nil, fault.Wrap(fault.InvalidArgument, err.Error(), err)
		}
		kind = k
	}

	matches, err := s.deps.Selector.Select(ctx, p.Query, selector.Filters{
		Kind:     kind,
		Category: p.Filters.Category,
	}, p.K)
	if err != nil {
		return nil, err
	}

	out := make([]searchResult, 0, len(matches))
	for _, m := range matches {
		out = append(out, searchResult{
			Kind:        string(m.Capability.Kind),
			Name:        m.Capability.Name,
			Description: m.Capability.Description,
			Category:    m.Capability.Category,
			Score:       m.Score,
		})
	}
	return map[string]any{"results": out}, nil
}

type cancelParams struct {
	RequestID string `json:"request_id"`
}

func (s *Session) handleCancel(params json.RawMessage) (any, error) {
	var p cancelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fault.Wrap(fault.InvalidArgument, "decoding cancel params", err)
	}
	if fn, ok := s.cancels.Load(p.RequestID); ok {
		fn.(context.CancelFunc)()
	}
	return map[string]any{}, nil
}

// invoke runs one dispatcher invocation. The request context already
// carries the session lifetime and the per-request cancel handle.
func (s *Session) invoke(ctx context.Context, requestID string, kind catalog.Kind, p callParams) (*dispatch.Result, error) {
	dreq := dispatch.Request{
		RequestID: requestID,
		SessionID: s.id,
		Kind:      kind,
		Name:      p.Name,
		Arguments: p.Arguments,
		Claims:    s.callerClaims(),
	}
	if p.TimeoutMS > 0 {
		dreq.Deadline = time.Now().Add(time.Duration(p.TimeoutMS) * time.Millisecond)
	}

	return s.deps.Dispatcher.Invoke(ctx, dreq)
}

// normalizeContent shapes handler results into the wire content list.
func normalizeContent(content any) any {
	switch v := content.(type) {
	case nil:
		return []any{}
	case []handler.TextContent:
		return v
	case handler.ResourceContent:
		return []handler.ResourceContent{v}
	case []handler.ResourceContent:
		return v
	case string:
		return handler.Text(v)
	case []any:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return handler.Text(fmt.Sprintf("%v", v))
		}
		return handler.Text(string(data))
	}
}
