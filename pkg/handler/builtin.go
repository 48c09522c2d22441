package handler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/xenophobed/isa-mcp/internal/fault"
	"github.com/xenophobed/isa-mcp/pkg/blob"
	"github.com/xenophobed/isa-mcp/pkg/catalog"
	"github.com/xenophobed/isa-mcp/pkg/embedding"
)

// maxInlineResourceBytes bounds how much of a resource body is returned
// inline; larger payloads are cut off at this size without any marker.
const maxInlineResourceBytes = 4 << 20

// Builtins wires the built-in handlers into a registry. Handlers that need
// collaborators (catalog stats, generation, blob reads) close over them.
type Builtins struct {
	Catalog   *catalog.Registry
	Generator embedding.Client
	Blobs     blob.Store
	Logger    *slog.Logger
}

// RegisterAll registers every built-in handler and the remote factory.
func (b *Builtins) RegisterAll(reg *Registry) error {
	entries := map[string]Handler{
		"builtin.echo":             Func(echoHandler),
		"builtin.sleep":            Func(sleepHandler),
		"builtin.current_time":     Func(currentTimeHandler),
		"builtin.catalog_stats":    Func(b.catalogStatsHandler),
		"builtin.generate_summary": Func(b.generateSummaryHandler),
		"builtin.template_prompt":  Func(b.templatePromptHandler),
		"builtin.blob_read":        Func(b.blobReadHandler),
	}
	for ref, h := range entries {
		if err := reg.Register(ref, h); err != nil {
			return err
		}
	}
	return reg.RegisterFactory("remote.http", func(endpoint string) (Handler, error) {
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			return nil, fmt.Errorf("remote handler endpoint %q is not an HTTP URL", endpoint)
		}
		return NewRemoteHTTP(endpoint), nil
	})
}

// echoHandler returns its msg argument unchanged.
func echoHandler(_ context.Context, req Request) (any, error) {
	msg, ok := req.Arguments["msg"].(string)
	if !ok {
		return nil, fault.New(fault.InvalidArgument, "msg must be a string")
	}
	return Text(msg), nil
}

// sleepHandler sleeps for duration_ms, honouring cancellation. It exists to
// exercise timeout and cancellation paths end to end.
func sleepHandler(ctx context.Context, req Request) (any, error) {
	ms, ok := req.Arguments["duration_ms"].(float64)
	if !ok || ms < 0 {
		return nil, fault.New(fault.InvalidArgument, "duration_ms must be a non-negative number")
	}

	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
		return Text(fmt.Sprintf("slept %dms", int64(ms))), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func currentTimeHandler(_ context.Context, _ Request) (any, error) {
	return Text(time.Now().UTC().Format(time.RFC3339)), nil
}

func (b *Builtins) catalogStatsHandler(_ context.Context, _ Request) (any, error) {
	return map[string]any{
		"tools":     b.Catalog.Len(catalog.KindTool),
		"prompts":   b.Catalog.Len(catalog.KindPrompt),
		"resources": b.Catalog.Len(catalog.KindResource),
	}, nil
}

// generateSummaryHandler produces a short summary of the text argument via
// the generation client.
func (b *Builtins) generateSummaryHandler(ctx context.Context, req Request) (any, error) {
	text, ok := req.Arguments["text"].(string)
	if !ok || text == "" {
		return nil, fault.New(fault.InvalidArgument, "text must be a non-empty string")
	}

	maxTokens := 256
	if mt, ok := req.Arguments["max_tokens"].(float64); ok && mt > 0 {
		maxTokens = int(mt)
	}

	summary, err := b.Generator.Generate(ctx, "Summarize concisely:\n\n"+text, embedding.GenOptions{
		Temperature: 0.2,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, err
	}
	return Text(summary), nil
}

// templatePromptHandler renders a registered prompt template on the tool
// plane: callers pass the prompt name and its arguments and get the
// substituted text back. Useful for agents that assemble instructions
// themselves instead of going through get_prompt.
func (b *Builtins) templatePromptHandler(_ context.Context, req Request) (any, error) {
	name, ok := req.Arguments["name"].(string)
	if !ok || name == "" {
		return nil, fault.New(fault.InvalidArgument, "name must be a non-empty string")
	}

	cap, err := b.Catalog.Get(catalog.KindPrompt, name)
	if err != nil {
		return nil, err
	}

	args, ok := req.Arguments["arguments"].(map[string]any)
	if !ok && req.Arguments["arguments"] != nil {
		return nil, fault.New(fault.InvalidArgument, "arguments must be an object")
	}

	text, err := cap.Prompt.Render(args)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidArgument, err.Error(), err)
	}
	return Text(text), nil
}

// blobReadHandler is the reader for resources whose URI points at the blob
// store ("blob://<key>").
func (b *Builtins) blobReadHandler(ctx context.Context, req Request) (any, error) {
	if req.Resource == nil {
		return nil, fault.New(fault.InvalidArgument, "blob reader requires a resource definition")
	}

	key, ok := strings.CutPrefix(req.Resource.URI, "blob://")
	if !ok {
		return nil, fault.Newf(fault.InvalidArgument, "resource uri %q is not a blob uri", req.Resource.URI)
	}

	rc, err := b.Blobs.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(io.LimitReader(rc, maxInlineResourceBytes))
	if err != nil {
		return nil, fault.Wrap(fault.Unavailable, "reading blob", err)
	}

	content := ResourceContent{URI: req.Resource.URI, MIMEType: req.Resource.MIMEType}
	if strings.HasPrefix(req.Resource.MIMEType, "text/") || req.Resource.MIMEType == "application/json" {
		content.Text = string(data)
	} else {
		content.Blob = data
	}
	return content, nil
}
