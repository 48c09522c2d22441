// Package mcp serves capability-protocol sessions: newline-delimited JSON
// frames over TCP or stdio, one request/response pair per frame, with
// in-session cancellation and ordered response delivery.
package mcp

import (
	"encoding/json"

	"github.com/xenophobed/isa-mcp/internal/fault"
	"github.com/xenophobed/isa-mcp/pkg/catalog"
)

// Request is one client frame.
type Request struct {
	RequestID string          `json:"request_id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Response is one server frame. Exactly one of Result and Error is set.
type Response struct {
	RequestID string     `json:"request_id"`
	Result    any        `json:"result,omitempty"`
	Error     *WireError `json:"error,omitempty"`
}

// WireError is the protocol error envelope.
type WireError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Error codes per fault kind. JSON-RPC reserves -32602/-32603; the remaining
// kinds use the server's own range.
const (
	codeInvalidArgument = -32602
	codeInternal        = -32603
	codeNotFound        = -32001
	codeDenied          = -32003
	codeConflict        = -32009
	codeOverloaded      = -32029
	codeUnavailable     = -32050
	codeTimedOut        = -32064
)

func errorCode(kind fault.Kind) int {
	switch kind {
	case fault.InvalidArgument:
		return codeInvalidArgument
	case fault.NotFound:
		return codeNotFound
	case fault.Denied:
		return codeDenied
	case fault.Conflict:
		return codeConflict
	case fault.Overloaded:
		return codeOverloaded
	case fault.TimedOut:
		return codeTimedOut
	case fault.Unavailable:
		return codeUnavailable
	default:
		return codeInternal
	}
}

// wireError converts a classified error without leaking internals.
func wireError(err error) *WireError {
	kind := fault.KindOf(err)
	we := &WireError{
		Code:    errorCode(kind),
		Message: fault.Message(err),
		Data:    map[string]any{"kind": string(kind)},
	}
	if kind == fault.Overloaded {
		we.Data["retry_after_ms"] = 1000
	}
	return we
}

// --- Catalog summaries ---

// ToolSummary is the list_tools entry.
type ToolSummary struct {
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Category      string          `json:"category,omitempty"`
	SecurityClass string          `json:"security_class,omitempty"`
	InputSchema   json.RawMessage `json:"input_schema"`
	Idempotent    bool            `json:"idempotent,omitempty"`
}

// PromptSummary is the list_prompts entry.
type PromptSummary struct {
	Name        string                   `json:"name"`
	Description string                   `json:"description"`
	Category    string                   `json:"category,omitempty"`
	Arguments   []catalog.PromptArgument `json:"arguments,omitempty"`
}

// ResourceSummary is the list_resources entry.
type ResourceSummary struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MIMEType    string `json:"mime_type,omitempty"`
	ByteSize    int64  `json:"byte_size,omitempty"`
}

func toolSummary(c *catalog.Capability) ToolSummary {
	return ToolSummary{
		Name:          c.Name,
		Description:   c.Description,
		Category:      c.Category,
		SecurityClass: string(c.SecurityClass),
		InputSchema:   c.Tool.InputSchema,
		Idempotent:    c.Tool.Idempotent,
	}
}

func promptSummary(c *catalog.Capability) PromptSummary {
	return PromptSummary{
		Name:        c.Name,
		Description: c.Description,
		Category:    c.Category,
		Arguments:   c.Prompt.Arguments,
	}
}

func resourceSummary(c *catalog.Capability) ResourceSummary {
	return ResourceSummary{
		URI:         c.Resource.URI,
		Name:        c.Name,
		Description: c.Description,
		MIMEType:    c.Resource.MIMEType,
		ByteSize:    c.Resource.ByteSize,
	}
}
