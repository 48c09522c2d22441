package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/xenophobed/isa-mcp/internal/fault"
)

// RemoteHTTP invokes a tool realized by a remote endpoint. The request
// deadline propagates through the context; the endpoint receives the tool
// name and arguments and answers with a content payload.
type RemoteHTTP struct {
	endpoint   string
	httpClient *http.Client
}

// NewRemoteHTTP creates a remote tool handler for the given endpoint.
// No client-level timeout is set: the dispatcher's deadline governs.
func NewRemoteHTTP(endpoint string) *RemoteHTTP {
	return &RemoteHTTP{endpoint: endpoint, httpClient: &http.Client{}}
}

type remoteRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Subject   string         `json:"subject,omitempty"`
}

type remoteResponse struct {
	Content json.RawMessage `json:"content"`
	Error   string          `json:"error,omitempty"`
}

// Invoke POSTs the invocation to the remote endpoint.
func (h *RemoteHTTP) Invoke(ctx context.Context, req Request) (any, error) {
	body, err := json.Marshal(remoteRequest{
		Name:      req.Name,
		Arguments: req.Arguments,
		Subject:   req.Claims.Subject,
	})
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "marshalling remote invocation", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "building remote request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fault.Wrap(fault.Unavailable, "calling remote tool", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest:
		return nil, fault.Newf(fault.InvalidArgument, "remote tool rejected arguments (HTTP %d)", resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fault.Newf(fault.NotFound, "remote tool endpoint not found (HTTP %d)", resp.StatusCode)
	default:
		return nil, fault.Newf(fault.Unavailable, "remote tool returned HTTP %d", resp.StatusCode)
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fault.Wrap(fault.Unavailable, "decoding remote response", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("remote tool error: %s", out.Error)
	}

	var content any
	if len(out.Content) > 0 {
		if err := json.Unmarshal(out.Content, &content); err != nil {
			return nil, fault.Wrap(fault.Unavailable, "decoding remote content", err)
		}
	}
	return content, nil
}
