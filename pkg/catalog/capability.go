// Package catalog holds the capability data model and the in-memory
// authoritative registry of tools, prompts, and resources.
package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Kind is the capability kind.
type Kind string

const (
	KindTool     Kind = "tool"
	KindPrompt   Kind = "prompt"
	KindResource Kind = "resource"
)

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindTool, KindPrompt, KindResource:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown capability kind %q", s)
}

// SecurityClass gates who may invoke a capability.
type SecurityClass string

const (
	SecurityPublic        SecurityClass = "public"
	SecurityAuthenticated SecurityClass = "authenticated"
	SecurityPrivileged    SecurityClass = "privileged"
)

// Capability is the common envelope shared by tools, prompts, and resources.
// A Capability value is immutable once registered; Replace swaps in a new
// value while the Counters block is shared across versions.
type Capability struct {
	ID            string        `json:"id"`
	Kind          Kind          `json:"kind"`
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	Version       string        `json:"version,omitempty"`
	Category      string        `json:"category,omitempty"`
	SecurityClass SecurityClass `json:"security_class,omitempty"`
	Source        string        `json:"source,omitempty"`
	Keywords      []string      `json:"keywords,omitempty"`

	DefinitionHash string    `json:"definition_hash,omitempty"`
	RegisteredAt   time.Time `json:"registered_at"`

	Tool     *ToolDef     `json:"tool,omitempty"`
	Prompt   *PromptDef   `json:"prompt,omitempty"`
	Resource *ResourceDef `json:"resource,omitempty"`

	counters *Counters
}

// ToolDef is the tool-specific part of a capability definition.
type ToolDef struct {
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	HandlerRef   string          `json:"handler_ref"`
	Idempotent   bool            `json:"idempotent,omitempty"`
	MaxRuntimeMS int             `json:"max_runtime_ms,omitempty"`
}

// PromptArgument describes one template placeholder.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptDef is the prompt-specific part of a capability definition.
type PromptDef struct {
	Arguments  []PromptArgument `json:"arguments,omitempty"`
	Template   string           `json:"template"`
	ContentSHA string           `json:"content_sha,omitempty"`
}

// Render substitutes arguments into the template. Placeholders use {name}
// syntax; unknown placeholders are left intact. Missing required arguments
// fail the render.
func (p *PromptDef) Render(args map[string]any) (string, error) {
	for _, arg := range p.Arguments {
		if !arg.Required {
			continue
		}
		if _, ok := args[arg.Name]; !ok {
			return "", fmt.Errorf("missing required prompt argument %q", arg.Name)
		}
	}

	text := p.Template
	for name, value := range args {
		text = strings.ReplaceAll(text, "{"+name+"}", fmt.Sprintf("%v", value))
	}
	return text, nil
}

// ResourceDef is the resource-specific part of a capability definition.
type ResourceDef struct {
	URI       string `json:"uri"`
	MIMEType  string `json:"mime_type,omitempty"`
	ByteSize  int64  `json:"byte_size,omitempty"`
	ETag      string `json:"etag,omitempty"`
	ReaderRef string `json:"reader_ref"`
	// IndexBody opts the resource body into embedding indexing; by default
	// only metadata contributes to the embedding text.
	IndexBody bool `json:"index_body,omitempty"`
}

// Key is the unique registry key for a (kind, name) pair.
func Key(kind Kind, name string) string {
	return string(kind) + "/" + name
}

// Key returns the capability's registry key.
func (c *Capability) Key() string { return Key(c.Kind, c.Name) }

// Counters returns the shared mutable counter block. Nil until registered.
func (c *Capability) Counters() *Counters { return c.counters }

// HandlerRef returns the opaque handler reference for the capability's kind.
func (c *Capability) HandlerRef() string {
	switch c.Kind {
	case KindTool:
		if c.Tool != nil {
			return c.Tool.HandlerRef
		}
	case KindResource:
		if c.Resource != nil {
			return c.Resource.ReaderRef
		}
	}
	return ""
}

// Validate checks the envelope's structural invariants.
func (c *Capability) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("capability name is required")
	}
	if strings.ContainsAny(c.Name, " /\t\n") {
		return fmt.Errorf("capability name %q contains forbidden characters", c.Name)
	}
	if _, err := ParseKind(string(c.Kind)); err != nil {
		return err
	}
	switch c.SecurityClass {
	case "", SecurityPublic, SecurityAuthenticated, SecurityPrivileged:
	default:
		return fmt.Errorf("unknown security class %q", c.SecurityClass)
	}

	switch c.Kind {
	case KindTool:
		if c.Tool == nil {
			return fmt.Errorf("tool %q: missing tool definition", c.Name)
		}
		if c.Tool.HandlerRef == "" {
			return fmt.Errorf("tool %q: handler_ref is required", c.Name)
		}
		if len(c.Tool.InputSchema) == 0 {
			return fmt.Errorf("tool %q: input_schema is required", c.Name)
		}
		if !json.Valid(c.Tool.InputSchema) {
			return fmt.Errorf("tool %q: input_schema is not valid JSON", c.Name)
		}
		if len(c.Tool.OutputSchema) > 0 && !json.Valid(c.Tool.OutputSchema) {
			return fmt.Errorf("tool %q: output_schema is not valid JSON", c.Name)
		}
		if c.Tool.MaxRuntimeMS < 0 {
			return fmt.Errorf("tool %q: max_runtime_ms must be non-negative", c.Name)
		}
	case KindPrompt:
		if c.Prompt == nil {
			return fmt.Errorf("prompt %q: missing prompt definition", c.Name)
		}
		if c.Prompt.Template == "" {
			return fmt.Errorf("prompt %q: template is required", c.Name)
		}
		if c.Prompt.ContentSHA != "" && c.Prompt.ContentSHA != ContentSHA(c.Prompt.Template) {
			return fmt.Errorf("prompt %q: content_sha does not match template", c.Name)
		}
	case KindResource:
		if c.Resource == nil {
			return fmt.Errorf("resource %q: missing resource definition", c.Name)
		}
		if c.Resource.URI == "" {
			return fmt.Errorf("resource %q: uri is required", c.Name)
		}
		if c.Resource.ReaderRef == "" {
			return fmt.Errorf("resource %q: reader_ref is required", c.Name)
		}
	}
	return nil
}

// IndexText is the text submitted to the embedding pipeline for this
// capability. Only metadata contributes; resource bodies are indexed
// separately when opted in.
func (c *Capability) IndexText() string {
	parts := []string{c.Name, c.Description, c.Category}
	parts = append(parts, c.Keywords...)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

// clone returns a deep copy so registered values never share mutable state
// with the caller's structs.
func (c *Capability) clone() *Capability {
	cp := *c
	cp.Keywords = append([]string(nil), c.Keywords...)
	if c.Tool != nil {
		tool := *c.Tool
		tool.InputSchema = append(json.RawMessage(nil), c.Tool.InputSchema...)
		tool.OutputSchema = append(json.RawMessage(nil), c.Tool.OutputSchema...)
		cp.Tool = &tool
	}
	if c.Prompt != nil {
		prompt := *c.Prompt
		prompt.Arguments = append([]PromptArgument(nil), c.Prompt.Arguments...)
		cp.Prompt = &prompt
	}
	if c.Resource != nil {
		res := *c.Resource
		cp.Resource = &res
	}
	return &cp
}

// normalize fills derived fields (ID, security class default) in place.
func (c *Capability) normalize() {
	if c.SecurityClass == "" {
		c.SecurityClass = SecurityPublic
	}
	c.ID = c.Key()
	if c.Kind == KindPrompt && c.Prompt != nil && c.Prompt.ContentSHA == "" {
		c.Prompt.ContentSHA = ContentSHA(c.Prompt.Template)
	}
}

// Counters is the per-capability mutable counter block. All fields are
// updated lock-free; the block is shared across Replace so totals are
// continuous over a capability's lifetime.
type Counters struct {
	invocations atomic.Int64
	failures    atomic.Int64
	latencyMS   atomic.Int64
	lastInvoked atomic.Int64 // unix nanos, 0 = never
}

// RecordInvocation adds one invocation to the counters.
func (c *Counters) RecordInvocation(d time.Duration, failed bool) {
	c.invocations.Add(1)
	if failed {
		c.failures.Add(1)
	}
	c.latencyMS.Add(d.Milliseconds())
	c.lastInvoked.Store(time.Now().UnixNano())
}

// CounterSnapshot is an immutable copy of the counters for reporting.
type CounterSnapshot struct {
	Invocations       int64      `json:"invocations"`
	Failures          int64      `json:"failures"`
	CumulativeLatency int64      `json:"cumulative_latency_ms"`
	LastInvokedAt     *time.Time `json:"last_invoked_at,omitempty"`
}

// Snapshot returns a point-in-time copy of the counters.
func (c *Counters) Snapshot() CounterSnapshot {
	s := CounterSnapshot{
		Invocations:       c.invocations.Load(),
		Failures:          c.failures.Load(),
		CumulativeLatency: c.latencyMS.Load(),
	}
	if ns := c.lastInvoked.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		s.LastInvokedAt = &t
	}
	return s
}
