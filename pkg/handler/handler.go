// Package handler resolves opaque handler references to the in-process or
// remote implementations behind tools and resources. The registry is
// populated at boot and sealed before serving begins; the dispatcher only
// ever reads it.
package handler

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/xenophobed/isa-mcp/internal/claims"
	"github.com/xenophobed/isa-mcp/pkg/catalog"
)

// Request carries one invocation into a handler.
type Request struct {
	Kind      catalog.Kind
	Name      string
	Arguments map[string]any
	Claims    claims.Claims
	// Resource is set for resource reads.
	Resource *catalog.ResourceDef
}

// Handler realizes a capability's behaviour. Implementations must honour
// ctx cancellation and propagate it to downstream calls.
type Handler interface {
	Invoke(ctx context.Context, req Request) (any, error)
}

// Func adapts a function to the Handler interface.
type Func func(ctx context.Context, req Request) (any, error)

// Invoke implements Handler.
func (f Func) Invoke(ctx context.Context, req Request) (any, error) { return f(ctx, req) }

// TextContent is the standard text result block returned by tools.
type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Text wraps a string in a single-element content list.
func Text(s string) []TextContent {
	return []TextContent{{Type: "text", Text: s}}
}

// ResourceContent is one piece of resource data. Blob carries binary
// payloads (base64 on the wire); Text carries textual ones.
type ResourceContent struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     []byte `json:"blob,omitempty"`
}

// Factory builds a handler from the part of a reference after its prefix,
// e.g. "remote.http:https://host/tool" → Factory("https://host/tool").
type Factory func(rest string) (Handler, error)

// Registry maps handler references to implementations. Exact references are
// registered at boot; prefixed references (those containing ":") are built
// on demand by the factory registered for the prefix and cached.
type Registry struct {
	mu        sync.RWMutex
	handlers  map[string]Handler
	factories map[string]Factory
	sealed    bool
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers:  make(map[string]Handler),
		factories: make(map[string]Factory),
	}
}

// Register binds an exact reference to a handler. Fails after Seal.
func (r *Registry) Register(ref string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("handler registry is sealed")
	}
	if _, ok := r.handlers[ref]; ok {
		return fmt.Errorf("handler %q already registered", ref)
	}
	r.handlers[ref] = h
	return nil
}

// RegisterFactory binds a reference prefix (before the first ":") to a
// factory. Fails after Seal.
func (r *Registry) RegisterFactory(prefix string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("handler registry is sealed")
	}
	if _, ok := r.factories[prefix]; ok {
		return fmt.Errorf("handler factory %q already registered", prefix)
	}
	r.factories[prefix] = f
	return nil
}

// Seal freezes registration. The registry is read-only afterwards; factory
// results are still cached through an internal lock.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Resolve returns the handler for ref.
func (r *Registry) Resolve(ref string) (Handler, error) {
	r.mu.RLock()
	if h, ok := r.handlers[ref]; ok {
		r.mu.RUnlock()
		return h, nil
	}
	r.mu.RUnlock()

	prefix, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return nil, fmt.Errorf("handler %q not registered", ref)
	}

	r.mu.RLock()
	f, ok := r.factories[prefix]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("handler %q not registered and no factory for %q", ref, prefix)
	}

	h, err := f(rest)
	if err != nil {
		return nil, fmt.Errorf("building handler %q: %w", ref, err)
	}

	// Cache the constructed handler so repeat resolutions are cheap.
	r.mu.Lock()
	if cached, ok := r.handlers[ref]; ok {
		h = cached
	} else {
		r.handlers[ref] = h
	}
	r.mu.Unlock()
	return h, nil
}
