package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xenophobed/isa-mcp/internal/fault"
	"github.com/xenophobed/isa-mcp/pkg/catalog"
	"github.com/xenophobed/isa-mcp/pkg/dispatch"
	"github.com/xenophobed/isa-mcp/pkg/discovery"
	"github.com/xenophobed/isa-mcp/pkg/embedding"
	"github.com/xenophobed/isa-mcp/pkg/handler"
	"github.com/xenophobed/isa-mcp/pkg/selector"
	"github.com/xenophobed/isa-mcp/pkg/vector"
)

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, []string, string) ([][]float32, error) {
	return nil, embedding.ErrUnavailable
}
func (failingEmbedder) Generate(context.Context, string, embedding.GenOptions) (string, error) {
	return "", embedding.ErrUnavailable
}
func (failingEmbedder) Dimensions() int               { return 3 }
func (failingEmbedder) Healthy(context.Context) error { return nil }

func newTestServer(t *testing.T) (*Server, *catalog.Registry) {
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
	handlers.Seal()

	dispatcher := dispatch.New(reg, handlers, nil, logger, dispatch.Options{})
	sel := selector.New(reg, failingEmbedder{}, vector.NewMemoryStore(), nil, logger, selector.Options{})
	runner := discovery.NewRunner(reg, nil, nil, nil, logger)

	checks := []ComponentCheck{
		{Name: "vector_store", Check: func(context.Context) error { return nil }},
		{Name: "embedding", Check: func(context.Context) error { return errors.New("down") }},
	}
	srv := NewServer(Config{CORSAllowedOrigins: []string{"*"}}, logger, prometheus.NewRegistry(), checks)
	admin := NewAdminHandler(reg, dispatcher, sel, runner, logger)
	srv.Router.Mount("/admin", admin.Routes())
	return srv, reg
}

func registerEcho(t *testing.T, reg *catalog.Registry) {
	t.Helper()
	if err := reg.Register(&catalog.Capability{
		Kind: catalog.KindTool, Name: "echo", Description: "echoes",
		Tool: &catalog.ToolDef{
			InputSchema: json.RawMessage(`{"type":"object","properties":{"msg":{"type":"string"}},"required":["msg"]}`),
			HandlerRef:  "builtin.echo",
		},
	}); err != nil {
		t.Fatal(err)
	}
}

func doReq(t *testing.T, srv *Server, method, path, body string, privileged bool) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if privileged {
		req.Header.Set("X-Claims", "privileged")
		req.Header.Set("X-Claims-Subject", "ops@test")
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doReq(t, srv, http.MethodGet, "/health", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", rec.Code)
	}

	var resp struct {
		Status  string            `json:"status"`
		Details map[string]string `json:"details"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	// One failing non-critical dependency degrades but does not kill.
	if resp.Status != "degraded" {
		t.Errorf("status = %q, want degraded", resp.Status)
	}
	if resp.Details["vector_store"] != "ok" || resp.Details["embedding"] == "ok" {
		t.Errorf("details = %v", resp.Details)
	}

	srv.SetDraining()
	rec = doReq(t, srv, http.MethodGet, "/health", "", false)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("draining /health = %d, want 503", rec.Code)
	}
}

func TestAdminRequiresPrivilegedClaim(t *testing.T) {
	srv, reg := newTestServer(t)
	registerEcho(t, reg)

	paths := []struct{ method, path, body string }{
		{http.MethodGet, "/admin/tools", ""},
		{http.MethodGet, "/admin/prompts", ""},
		{http.MethodGet, "/admin/resources", ""},
		{http.MethodPost, "/admin/call-tool", `{"name":"echo","arguments":{"msg":"x"}}`},
		{http.MethodPost, "/admin/refresh", `{}`},
		{http.MethodPost, "/admin/search", `{"query":"x"}`},
	}
	for _, p := range paths {
		rec := doReq(t, srv, p.method, p.path, p.body, false)
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s %s without claim = %d, want 403", p.method, p.path, rec.Code)
		}
	}
}

func TestAdminListAndGet(t *testing.T) {
	srv, reg := newTestServer(t)
	registerEcho(t, reg)

	rec := doReq(t, srv, http.MethodGet, "/admin/tools", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /admin/tools = %d: %s", rec.Code, rec.Body)
	}
	var listResp struct {
		Tools []struct {
			Name     string `json:"name"`
			Counters struct {
				Invocations int64 `json:"invocations"`
			} `json:"counters"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listResp); err != nil {
		t.Fatal(err)
	}
	if len(listResp.Tools) != 1 || listResp.Tools[0].Name != "echo" {
		t.Errorf("tools = %+v", listResp.Tools)
	}

	rec = doReq(t, srv, http.MethodGet, "/admin/capabilities/tool/echo", "", true)
	if rec.Code != http.StatusOK {
		t.Errorf("GET capability = %d", rec.Code)
	}
	rec = doReq(t, srv, http.MethodGet, "/admin/capabilities/tool/ghost", "", true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("GET missing capability = %d, want 400", rec.Code)
	}
}

func TestAdminCallTool(t *testing.T) {
	srv, reg := newTestServer(t)
	registerEcho(t, reg)

	rec := doReq(t, srv, http.MethodPost, "/admin/call-tool", `{"name":"echo","arguments":{"msg":"hi"}}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /admin/call-tool = %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		IsError bool `json:"is_error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.IsError {
		t.Error("is_error = true")
	}

	// Schema violation → 400 invalid_argument.
	rec = doReq(t, srv, http.MethodPost, "/admin/call-tool", `{"name":"echo","arguments":{}}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid args = %d, want 400", rec.Code)
	}

	// Unknown tool → 400 (not_found maps to 400 on this surface).
	rec = doReq(t, srv, http.MethodPost, "/admin/call-tool", `{"name":"ghost","arguments":{}}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown tool = %d, want 400", rec.Code)
	}
}

func TestAdminSearchFallsBack(t *testing.T) {
	srv, reg := newTestServer(t)
	for _, name := range []string{"web_fetch", "data_query"} {
		if err := reg.Register(&catalog.Capability{
			Kind: catalog.KindTool, Name: name, Description: strings.ReplaceAll(name, "_", " "),
			Tool: &catalog.ToolDef{InputSchema: json.RawMessage(`{"type":"object"}`), HandlerRef: "builtin.echo"},
		}); err != nil {
			t.Fatal(err)
		}
	}

	rec := doReq(t, srv, http.MethodPost, "/admin/search", `{"query":"fetch web","k":1}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /admin/search = %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Results []struct {
			Name string `json:"name"`
		} `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Name != "web_fetch" {
		t.Errorf("results = %+v", resp.Results)
	}
}

func TestAdminRefresh(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doReq(t, srv, http.MethodPost, "/admin/refresh", `{}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /admin/refresh = %d: %s", rec.Code, rec.Body)
	}
	var report discovery.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
}
