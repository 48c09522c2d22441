package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/xenophobed/isa-mcp/internal/fault"
	"github.com/xenophobed/isa-mcp/pkg/catalog"
	"github.com/xenophobed/isa-mcp/pkg/dispatch"
	"github.com/xenophobed/isa-mcp/pkg/embedding"
	"github.com/xenophobed/isa-mcp/pkg/handler"
	"github.com/xenophobed/isa-mcp/pkg/selector"
	"github.com/xenophobed/isa-mcp/pkg/vector"
)

// brokenEmbedder forces the selector onto its rule-based path.
type brokenEmbedder struct{}

func (brokenEmbedder) Embed(context.Context, []string, string) ([][]float32, error) {
	return nil, embedding.ErrUnavailable
}
func (brokenEmbedder) Generate(context.Context, string, embedding.GenOptions) (string, error) {
	return "", embedding.ErrUnavailable
}
func (brokenEmbedder) Dimensions() int               { return 3 }
func (brokenEmbedder) Healthy(context.Context) error { return nil }

type client struct {
	conn net.Conn
	enc  *json.Encoder
	sc   *bufio.Scanner
	t    *testing.T
}

func (c *client) send(id, method string, params any) {
	c.t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		c.t.Fatal(err)
	}
	if err := c.enc.Encode(Request{RequestID: id, Method: method, Params: raw}); err != nil {
		c.t.Fatalf("sending %s: %v", method, err)
	}
}

func (c *client) recv() Response {
	c.t.Helper()
	type scanResult struct {
		ok   bool
		line []byte
	}
	ch := make(chan scanResult, 1)
	go func() {
		ok := c.sc.Scan()
		ch <- scanResult{ok: ok, line: append([]byte(nil), c.sc.Bytes()...)}
	}()

	select {
	case r := <-ch:
		if !r.ok {
			c.t.Fatalf("connection closed: %v", c.sc.Err())
		}
		var resp Response
		if err := json.Unmarshal(r.line, &resp); err != nil {
			c.t.Fatalf("decoding response %q: %v", r.line, err)
		}
		return resp
	case <-time.After(10 * time.Second):
		c.t.Fatal("timed out waiting for a response")
		return Response{}
	}
}

func newSessionFixture(t *testing.T) (*client, *catalog.Registry) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	reg := catalog.NewRegistry(logger)

	handlers := handler.NewRegistry()
	if err := handlers.Register("builtin.echo", handler.Func(func(_ context.Context, req handler.Request) (any, error) {
		msg, ok := req.Arguments["msg"].(string)
		if !ok {
			return nil, fault.New(fault.InvalidArgument, "msg must be a string")
		}
		return handler.Text(msg), nil
	})); err != nil {
		t.Fatal(err)
	}
	if err := handlers.Register("builtin.sleep", handler.Func(func(ctx context.Context, req handler.Request) (any, error) {
		ms, _ := req.Arguments["duration_ms"].(float64)
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return handler.Text("done"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})); err != nil {
		t.Fatal(err)
	}
	handlers.Seal()

	dispatcher := dispatch.New(reg, handlers, nil, logger, dispatch.Options{CancelGrace: 200 * time.Millisecond})
	sel := selector.New(reg, brokenEmbedder{}, vector.NewMemoryStore(), nil, logger, selector.Options{})

	deps := Deps{Registry: reg, Dispatcher: dispatcher, Selector: sel, Logger: logger}

	serverConn, clientConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewSession(serverConn, deps).Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = clientConn.Close()
		<-done
	})

	sc := bufio.NewScanner(clientConn)
	sc.Buffer(make([]byte, 64<<10), maxFrameBytes)
	return &client{conn: clientConn, enc: json.NewEncoder(clientConn), sc: sc, t: t}, reg
}

func registerEcho(t *testing.T, reg *catalog.Registry) {
	t.Helper()
	if err := reg.Register(&catalog.Capability{
		Kind: catalog.KindTool, Name: "echo", Description: "echoes msg",
		Tool: &catalog.ToolDef{
			InputSchema: json.RawMessage(`{"type":"object","properties":{"msg":{"type":"string"}},"required":["msg"]}`),
			HandlerRef:  "builtin.echo",
		},
	}); err != nil {
		t.Fatal(err)
	}
}

func TestSessionListTools(t *testing.T) {
	c, reg := newSessionFixture(t)
	registerEcho(t, reg)

	c.send("1", "list_tools", map[string]any{})
	resp := c.recv()
	if resp.Error != nil {
		t.Fatalf("list_tools error: %+v", resp.Error)
	}

	result := resp.Result.(map[string]any)
	tools := result["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("tools = %v", tools)
	}
	if name := tools[0].(map[string]any)["name"]; name != "echo" {
		t.Errorf("tool name = %v", name)
	}
}

func TestSessionCallToolAndValidation(t *testing.T) {
	c, reg := newSessionFixture(t)
	registerEcho(t, reg)

	c.send("1", "call_tool", map[string]any{"name": "echo", "arguments": map[string]any{"msg": "hi"}})
	resp := c.recv()
	if resp.Error != nil {
		t.Fatalf("call_tool error: %+v", resp.Error)
	}
	result := resp.Result.(map[string]any)
	if result["is_error"] != false {
		t.Errorf("is_error = %v", result["is_error"])
	}
	content := result["content"].([]any)
	if text := content[0].(map[string]any)["text"]; text != "hi" {
		t.Errorf("content text = %v", text)
	}

	// Missing required argument → invalid_argument wire error.
	c.send("2", "call_tool", map[string]any{"name": "echo", "arguments": map[string]any{}})
	resp = c.recv()
	if resp.Error == nil {
		t.Fatal("call_tool with bad args should return an error")
	}
	if resp.Error.Data["kind"] != string(fault.InvalidArgument) {
		t.Errorf("error kind = %v, want invalid_argument", resp.Error.Data["kind"])
	}

	// Unknown tool → not_found.
	c.send("3", "call_tool", map[string]any{"name": "ghost", "arguments": map[string]any{"msg": "x"}})
	resp = c.recv()
	if resp.Error == nil || resp.Error.Code != codeNotFound {
		t.Errorf("unknown tool error = %+v, want not_found", resp.Error)
	}
}

func TestSessionOrderedResponses(t *testing.T) {
	c, reg := newSessionFixture(t)
	registerEcho(t, reg)
	if err := reg.Register(&catalog.Capability{
		Kind: catalog.KindTool, Name: "slow", Description: "sleeps",
		Tool: &catalog.ToolDef{
			InputSchema: json.RawMessage(`{"type":"object"}`),
			HandlerRef:  "builtin.sleep",
		},
	}); err != nil {
		t.Fatal(err)
	}

	// Slow request first, fast second: responses must still arrive in
	// request order.
	c.send("slow-1", "call_tool", map[string]any{"name": "slow", "arguments": map[string]any{"duration_ms": float64(300)}})
	c.send("fast-2", "call_tool", map[string]any{"name": "echo", "arguments": map[string]any{"msg": "quick"}})

	first := c.recv()
	second := c.recv()
	if first.RequestID != "slow-1" || second.RequestID != "fast-2" {
		t.Errorf("response order = %s, %s; want slow-1, fast-2", first.RequestID, second.RequestID)
	}
}

func TestSessionCancel(t *testing.T) {
	c, reg := newSessionFixture(t)
	if err := reg.Register(&catalog.Capability{
		Kind: catalog.KindTool, Name: "sleeper", Description: "sleeps",
		Tool: &catalog.ToolDef{
			InputSchema: json.RawMessage(`{"type":"object"}`),
			HandlerRef:  "builtin.sleep",
		},
	}); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	c.send("long", "call_tool", map[string]any{"name": "sleeper", "arguments": map[string]any{"duration_ms": float64(30000)}})
	c.send("c1", "cancel", map[string]any{"request_id": "long"})

	resp := c.recv() // ordered: the cancelled invocation answers first
	if resp.RequestID != "long" {
		t.Fatalf("first response = %s, want long", resp.RequestID)
	}
	if resp.Error == nil {
		t.Fatal("cancelled invocation should be an error response")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took %v", elapsed)
	}

	ack := c.recv()
	if ack.RequestID != "c1" || ack.Error != nil {
		t.Errorf("cancel ack = %+v", ack)
	}
}

func TestSessionSearchCatalogFallback(t *testing.T) {
	c, reg := newSessionFixture(t)
	for _, spec := range []struct{ name, desc string; kw []string }{
		{"web_fetch", "fetch a page from the web", []string{"http", "fetch", "page"}},
		{"data_query", "query structured data", []string{"sql"}},
		{"memory_store", "store a memory", []string{"remember"}},
	} {
		if err := reg.Register(&catalog.Capability{
			Kind: catalog.KindTool, Name: spec.name, Description: spec.desc, Keywords: spec.kw,
			Tool: &catalog.ToolDef{InputSchema: json.RawMessage(`{"type":"object"}`), HandlerRef: "builtin.echo"},
		}); err != nil {
			t.Fatal(err)
		}
	}

	c.send("s1", "search_catalog", map[string]any{"query": "fetch a page", "k": 2})
	resp := c.recv()
	if resp.Error != nil {
		t.Fatalf("search_catalog error: %+v", resp.Error)
	}

	results := resp.Result.(map[string]any)["results"].([]any)
	if len(results) == 0 || len(results) > 2 {
		t.Fatalf("results = %v", results)
	}
	top := results[0].(map[string]any)
	if top["name"] != "web_fetch" {
		t.Errorf("top result = %v, want web_fetch (rule-based fallback)", top["name"])
	}
}

func TestSessionPrivilegedToolRequiresHelloClaims(t *testing.T) {
	c, reg := newSessionFixture(t)
	if err := reg.Register(&catalog.Capability{
		Kind: catalog.KindTool, Name: "admin_echo", Description: "privileged echo",
		SecurityClass: catalog.SecurityPrivileged,
		Tool: &catalog.ToolDef{
			InputSchema: json.RawMessage(`{"type":"object","properties":{"msg":{"type":"string"}},"required":["msg"]}`),
			HandlerRef:  "builtin.echo",
		},
	}); err != nil {
		t.Fatal(err)
	}

	args := map[string]any{"name": "admin_echo", "arguments": map[string]any{"msg": "x"}}

	c.send("1", "call_tool", args)
	resp := c.recv()
	if resp.Error == nil || resp.Error.Code != codeDenied {
		t.Errorf("anonymous call = %+v, want denied", resp.Error)
	}

	c.send("2", "hello", map[string]any{"claims": map[string]any{"subject": "ops", "privileged": true}})
	if resp := c.recv(); resp.Error != nil {
		t.Fatalf("hello error: %+v", resp.Error)
	}

	c.send("3", "call_tool", args)
	resp = c.recv()
	if resp.Error != nil {
		t.Errorf("privileged call after hello = %+v", resp.Error)
	}
}

func TestSessionPromptAndResource(t *testing.T) {
	c, reg := newSessionFixture(t)

	if err := reg.Register(&catalog.Capability{
		Kind: catalog.KindPrompt, Name: "greet", Description: "greeting",
		Prompt: &catalog.PromptDef{
			Arguments: []catalog.PromptArgument{{Name: "name", Required: true}},
			Template:  "Hello, {name}!",
		},
	}); err != nil {
		t.Fatal(err)
	}

	c.send("1", "get_prompt", map[string]any{"name": "greet", "arguments": map[string]any{"name": "Ada"}})
	resp := c.recv()
	if resp.Error != nil {
		t.Fatalf("get_prompt error: %+v", resp.Error)
	}
	msgs := resp.Result.(map[string]any)["messages"].([]any)
	if first := msgs[0].(map[string]any); first["content"] != "Hello, Ada!" || first["role"] != "user" {
		t.Errorf("messages = %v", msgs)
	}

	c.send("2", "read_resource", map[string]any{"uri": "blob://missing"})
	resp = c.recv()
	if resp.Error == nil || resp.Error.Code != codeNotFound {
		t.Errorf("unknown resource = %+v, want not_found", resp.Error)
	}
}

func TestSessionMalformedFrames(t *testing.T) {
	c, _ := newSessionFixture(t)

	if _, err := fmt.Fprintln(c.conn, `{not json`); err != nil {
		t.Fatal(err)
	}
	resp := c.recv()
	if resp.Error == nil || resp.Error.Code != codeInvalidArgument {
		t.Errorf("malformed frame = %+v", resp.Error)
	}

	c.send("", "ping", map[string]any{})
	resp = c.recv()
	if resp.Error == nil {
		t.Error("missing request_id should be rejected")
	}

	c.send("u1", "no_such_method", map[string]any{})
	resp = c.recv()
	if resp.Error == nil || resp.Error.Code != codeNotFound {
		t.Errorf("unknown method = %+v", resp.Error)
	}
}
