package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xenophobed/isa-mcp/internal/fault"
	"github.com/xenophobed/isa-mcp/pkg/blob"
	"github.com/xenophobed/isa-mcp/pkg/catalog"
	"github.com/xenophobed/isa-mcp/pkg/embedding"
)

func builtinRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := blob.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b := &Builtins{
		Catalog:   catalog.NewRegistry(slog.New(slog.DiscardHandler)),
		Generator: &embedding.Disabled{Dims: 4},
		Blobs:     store,
		Logger:    slog.New(slog.DiscardHandler),
	}
	reg := NewRegistry()
	if err := b.RegisterAll(reg); err != nil {
		t.Fatal(err)
	}
	reg.Seal()
	return reg
}

func TestEchoHandler(t *testing.T) {
	reg := builtinRegistry(t)
	h, err := reg.Resolve("builtin.echo")
	if err != nil {
		t.Fatal(err)
	}

	got, err := h.Invoke(context.Background(), Request{Arguments: map[string]any{"msg": "hi"}})
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	content, ok := got.([]TextContent)
	if !ok || len(content) != 1 || content[0].Text != "hi" {
		t.Errorf("Invoke() = %v", got)
	}

	if _, err := h.Invoke(context.Background(), Request{Arguments: map[string]any{}}); !fault.IsKind(err, fault.InvalidArgument) {
		t.Errorf("echo without msg = %v, want invalid_argument", err)
	}
}

func TestSleepHandlerHonoursCancellation(t *testing.T) {
	reg := builtinRegistry(t)
	h, _ := reg.Resolve("builtin.sleep")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := h.Invoke(ctx, Request{Arguments: map[string]any{"duration_ms": float64(10000)}})
	if err == nil {
		t.Fatal("sleep should have been cancelled")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("sleep ignored cancellation for %v", elapsed)
	}
}

func TestSealedRegistryRejectsRegistration(t *testing.T) {
	reg := NewRegistry()
	reg.Seal()
	if err := reg.Register("x", Func(echoHandler)); err == nil {
		t.Error("Register() after Seal should fail")
	}
	if err := reg.RegisterFactory("p", func(string) (Handler, error) { return nil, nil }); err == nil {
		t.Error("RegisterFactory() after Seal should fail")
	}
}

func TestResolveUnknown(t *testing.T) {
	reg := builtinRegistry(t)
	if _, err := reg.Resolve("builtin.nope"); err == nil {
		t.Error("Resolve(unknown) should fail")
	}
	if _, err := reg.Resolve("unknownprefix:rest"); err == nil {
		t.Error("Resolve(unknown prefix) should fail")
	}
}

func TestRemoteFactoryAndInvoke(t *testing.T) {
	var gotReq remoteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "remote says hi"}},
		})
	}))
	defer srv.Close()

	reg := builtinRegistry(t)
	h, err := reg.Resolve("remote.http:" + srv.URL)
	if err != nil {
		t.Fatalf("Resolve(remote) error: %v", err)
	}

	got, err := h.Invoke(context.Background(), Request{
		Name:      "remote_tool",
		Arguments: map[string]any{"a": float64(1)},
	})
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	if gotReq.Name != "remote_tool" {
		t.Errorf("remote endpoint saw name %q", gotReq.Name)
	}
	if got == nil {
		t.Error("Invoke() returned nil content")
	}

	// Resolving again returns the cached handler.
	if _, err := reg.Resolve("remote.http:" + srv.URL); err != nil {
		t.Errorf("second Resolve() error: %v", err)
	}
}

func TestRemoteErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		kind   fault.Kind
	}{
		{http.StatusBadRequest, fault.InvalidArgument},
		{http.StatusNotFound, fault.NotFound},
		{http.StatusBadGateway, fault.Unavailable},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		}))
		h := NewRemoteHTTP(srv.URL)
		_, err := h.Invoke(context.Background(), Request{Name: "x"})
		if fault.KindOf(err) != tt.kind {
			t.Errorf("HTTP %d mapped to %v, want %v", tt.status, fault.KindOf(err), tt.kind)
		}
		srv.Close()
	}
}

func TestTemplatePromptHandler(t *testing.T) {
	reg := catalog.NewRegistry(slog.New(slog.DiscardHandler))
	if err := reg.Register(&catalog.Capability{
		Kind: catalog.KindPrompt, Name: "greet", Description: "greeting",
		Prompt: &catalog.PromptDef{
			Arguments: []catalog.PromptArgument{{Name: "name", Required: true}},
			Template:  "Hello, {name}!",
		},
	}); err != nil {
		t.Fatal(err)
	}

	b := &Builtins{Catalog: reg, Logger: slog.New(slog.DiscardHandler)}
	got, err := b.templatePromptHandler(context.Background(), Request{
		Arguments: map[string]any{"name": "greet", "arguments": map[string]any{"name": "Ada"}},
	})
	if err != nil {
		t.Fatalf("templatePromptHandler() error: %v", err)
	}
	content, ok := got.([]TextContent)
	if !ok || content[0].Text != "Hello, Ada!" {
		t.Errorf("templatePromptHandler() = %v", got)
	}

	tests := []struct {
		name string
		args map[string]any
		kind fault.Kind
	}{
		{"missing name", map[string]any{}, fault.InvalidArgument},
		{"unknown prompt", map[string]any{"name": "ghost"}, fault.NotFound},
		{"missing required argument", map[string]any{"name": "greet"}, fault.InvalidArgument},
		{"non-object arguments", map[string]any{"name": "greet", "arguments": "oops"}, fault.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.templatePromptHandler(context.Background(), Request{Arguments: tt.args})
			if fault.KindOf(err) != tt.kind {
				t.Errorf("templatePromptHandler() = %v, want %s", err, tt.kind)
			}
		})
	}

	// Registered under its reference like every other builtin.
	handlers := builtinRegistry(t)
	if _, err := handlers.Resolve("builtin.template_prompt"); err != nil {
		t.Errorf("Resolve(builtin.template_prompt): %v", err)
	}
}

func TestBlobReadHandler(t *testing.T) {
	store, err := blob.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Put(context.Background(), "docs/guide.md", strings.NewReader("# Guide")); err != nil {
		t.Fatal(err)
	}

	b := &Builtins{Blobs: store, Logger: slog.New(slog.DiscardHandler)}
	got, err := b.blobReadHandler(context.Background(), Request{
		Resource: &catalog.ResourceDef{URI: "blob://docs/guide.md", MIMEType: "text/markdown", ReaderRef: "builtin.blob_read"},
	})
	if err != nil {
		t.Fatalf("blobReadHandler() error: %v", err)
	}
	content, ok := got.(ResourceContent)
	if !ok || content.Text != "# Guide" {
		t.Errorf("blobReadHandler() = %+v", got)
	}

	_, err = b.blobReadHandler(context.Background(), Request{
		Resource: &catalog.ResourceDef{URI: "blob://missing", ReaderRef: "builtin.blob_read"},
	})
	if !fault.IsKind(err, fault.NotFound) {
		t.Errorf("missing blob = %v, want not_found", err)
	}
}
