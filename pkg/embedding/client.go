// Package embedding calls the remote embedding & generation service. Both
// operations retry transient failures with exponential backoff, emit one
// billing event per upstream call, and return classified errors so callers
// can distinguish an exhausted budget from a flaky upstream.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/xenophobed/isa-mcp/internal/fault"
	"github.com/xenophobed/isa-mcp/internal/telemetry"
)

// Sentinel causes wrapped into classified errors. Callers test with
// errors.Is; fault.KindOf still yields the transport-level kind.
var (
	ErrBudgetExhausted = fault.New(fault.Unavailable, "embedding budget exhausted")
	ErrInvalidInput    = fault.New(fault.InvalidArgument, "invalid embedding input")
	ErrUnavailable     = fault.New(fault.Unavailable, "embedding service unavailable")
)

// GenOptions tune a generation call.
type GenOptions struct {
	Temperature float64
	MaxTokens   int
}

// Client is the embedding & generation contract consumed by the selector,
// the indexing pipeline, and generation-backed tools.
type Client interface {
	// Embed returns one unit-norm vector per input text.
	Embed(ctx context.Context, texts []string, model string) ([][]float32, error)
	// Generate returns short free-form text for the prompt.
	Generate(ctx context.Context, prompt string, opts GenOptions) (string, error)
	// Dimensions is the vector width of the default model.
	Dimensions() int
	// Healthy probes the service.
	Healthy(ctx context.Context) error
}

const (
	retryBase     = 250 * time.Millisecond
	retryCap      = 4 * time.Second
	retryAttempts = 5
	retryJitter   = 0.2
)

// HTTPClient talks to the embedding service over JSON HTTP.
type HTTPClient struct {
	baseURL      string
	apiKey       string
	defaultModel string
	dims         int
	httpClient   *http.Client
	emitter      *telemetry.Emitter
	logger       *slog.Logger
}

// NewHTTPClient creates a client for the service at baseURL. timeout bounds
// each individual attempt; retries run within the caller's context.
func NewHTTPClient(baseURL, apiKey, defaultModel string, dims int, timeout time.Duration, emitter *telemetry.Emitter, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:      baseURL,
		apiKey:       apiKey,
		defaultModel: defaultModel,
		dims:         dims,
		httpClient:   &http.Client{Timeout: timeout},
		emitter:      emitter,
		logger:       logger,
	}
}

// Dimensions returns the default model's vector width.
func (c *HTTPClient) Dimensions() int { return c.dims }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage usage `json:"usage"`
}

type usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostEstimate float64 `json:"cost_estimate"`
}

// Embed computes embeddings for texts with the given model (the default
// model when empty). Vectors are normalised to unit length.
func (c *HTTPClient) Embed(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no input texts: %w", ErrInvalidInput)
	}
	if model == "" {
		model = c.defaultModel
	}

	var resp embedResponse
	err := c.call(ctx, "embed", "/v1/embeddings", embedRequest{Model: model, Input: texts}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d inputs: %w", len(resp.Data), len(texts), ErrUnavailable)
	}

	c.bill(ctx, "embed", model, resp.Usage)

	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = Normalize(d.Embedding)
	}
	return out, nil
}

type generateRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

type generateResponse struct {
	Text  string `json:"text"`
	Usage usage  `json:"usage"`
}

// Generate produces short free-form text for the prompt.
func (c *HTTPClient) Generate(ctx context.Context, prompt string, opts GenOptions) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("empty prompt: %w", ErrInvalidInput)
	}

	req := generateRequest{
		Model:       c.defaultModel,
		Prompt:      prompt,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	var resp generateResponse
	if err := c.call(ctx, "generate", "/v1/generate", req, &resp); err != nil {
		return "", err
	}

	c.bill(ctx, "generate", c.defaultModel, resp.Usage)
	return resp.Text, nil
}

// Healthy probes the service with a trivial request.
func (c *HTTPClient) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("probing embedding service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("embedding service returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// call POSTs body to path, retrying transient failures with exponential
// backoff (base 250 ms, cap 4 s, 5 attempts, ±20% jitter).
func (c *HTTPClient) call(ctx context.Context, operation, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request: %w", err)
	}

	attempt := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("building request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			telemetry.EmbeddingRequestsTotal.WithLabelValues(operation, "transport_error").Inc()
			return struct{}{}, fmt.Errorf("calling embedding service: %w: %w", ErrUnavailable, err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusPaymentRequired:
			telemetry.EmbeddingRequestsTotal.WithLabelValues(operation, "budget_exhausted").Inc()
			return struct{}{}, backoff.Permanent(fmt.Errorf("HTTP %d: %w", resp.StatusCode, ErrBudgetExhausted))
		case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
			telemetry.EmbeddingRequestsTotal.WithLabelValues(operation, "invalid_input").Inc()
			return struct{}{}, backoff.Permanent(fmt.Errorf("HTTP %d: %w", resp.StatusCode, ErrInvalidInput))
		default:
			telemetry.EmbeddingRequestsTotal.WithLabelValues(operation, "upstream_error").Inc()
			return struct{}{}, fmt.Errorf("HTTP %d: %w", resp.StatusCode, ErrUnavailable)
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return struct{}{}, fmt.Errorf("decoding response: %w: %w", ErrUnavailable, err)
		}
		telemetry.EmbeddingRequestsTotal.WithLabelValues(operation, "ok").Inc()
		return struct{}{}, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBase
	bo.MaxInterval = retryCap
	bo.RandomizationFactor = retryJitter

	_, err = backoff.Retry(ctx, attempt,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(retryAttempts),
	)
	return err
}

// bill emits one billing event for a completed upstream call.
func (c *HTTPClient) bill(ctx context.Context, operation, model string, u usage) {
	telemetry.EmbeddingCostEstimate.Add(u.CostEstimate)
	if c.emitter == nil {
		return
	}
	c.emitter.Emit(ctx, telemetry.Event{
		Name: telemetry.EventInvocationBilled,
		Fields: map[string]any{
			"operation":     operation,
			"model":         model,
			"input_tokens":  u.InputTokens,
			"output_tokens": u.OutputTokens,
			"cost_estimate": u.CostEstimate,
		},
	})
}

// Normalize scales v to unit length. Zero vectors are returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// Disabled is the lazy-boot client: every operation reports the service
// unavailable without touching the network, so the selector's rule-based
// fallback carries the load until the real client is attached.
type Disabled struct {
	Dims int
}

func (d *Disabled) Embed(context.Context, []string, string) ([][]float32, error) {
	return nil, fmt.Errorf("embedding client disabled: %w", ErrUnavailable)
}

func (d *Disabled) Generate(context.Context, string, GenOptions) (string, error) {
	return "", fmt.Errorf("generation client disabled: %w", ErrUnavailable)
}

func (d *Disabled) Dimensions() int { return d.Dims }

func (d *Disabled) Healthy(context.Context) error {
	return fmt.Errorf("embedding client disabled: %w", ErrUnavailable)
}
