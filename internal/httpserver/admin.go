package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/xenophobed/isa-mcp/internal/claims"
	"github.com/xenophobed/isa-mcp/internal/fault"
	"github.com/xenophobed/isa-mcp/pkg/catalog"
	"github.com/xenophobed/isa-mcp/pkg/dispatch"
	"github.com/xenophobed/isa-mcp/pkg/discovery"
	"github.com/xenophobed/isa-mcp/pkg/selector"
)

// AdminHandler exposes the catalog, dispatch, discovery, and search to the
// browser admin portal. Every route requires the privileged claim.
type AdminHandler struct {
	registry   *catalog.Registry
	dispatcher *dispatch.Dispatcher
	selector   *selector.Selector
	runner     *discovery.Runner
	logger     *slog.Logger
}

// NewAdminHandler creates the admin handler.
func NewAdminHandler(registry *catalog.Registry, dispatcher *dispatch.Dispatcher, sel *selector.Selector, runner *discovery.Runner, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		registry:   registry,
		dispatcher: dispatcher,
		selector:   sel,
		runner:     runner,
		logger:     logger,
	}
}

// Routes returns the /admin router.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequirePrivileged(h.logger))

	r.Get("/tools", h.handleList(catalog.KindTool))
	r.Get("/prompts", h.handleList(catalog.KindPrompt))
	r.Get("/resources", h.handleList(catalog.KindResource))
	r.Get("/capabilities/{kind}/{name}", h.handleGet)
	r.Post("/call-tool", h.handleCallTool)
	r.Post("/refresh", h.handleRefresh)
	r.Post("/search", h.handleSearch)
	return r
}

// capabilityView is the admin snapshot of one capability, counters included.
type capabilityView struct {
	*catalog.Capability
	Counters catalog.CounterSnapshot `json:"counters"`
}

func view(c *catalog.Capability) capabilityView {
	return capabilityView{Capability: c, Counters: c.Counters().Snapshot()}
}

func (h *AdminHandler) handleList(kind catalog.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caps := h.registry.List(kind, catalog.Filter{
			Category:   r.URL.Query().Get("category"),
			NamePrefix: r.URL.Query().Get("name_prefix"),
		})
		out := make([]capabilityView, 0, len(caps))
		for _, c := range caps {
			out = append(out, view(c))
		}
		Respond(w, http.StatusOK, map[string]any{string(kind) + "s": out})
	}
}

func (h *AdminHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	kind, err := catalog.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	c, gerr := h.registry.Get(kind, chi.URLParam(r, "name"))
	if gerr != nil {
		RespondFault(w, gerr)
		return
	}
	Respond(w, http.StatusOK, view(c))
}

type callToolRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	TimeoutMS int            `json:"timeout_ms"`
}

func (h *AdminHandler) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req callToolRequest
	if err := Decode(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	if req.Name == "" {
		RespondError(w, http.StatusBadRequest, "invalid_argument", "name is required")
		return
	}

	dreq := dispatch.Request{
		RequestID: RequestIDFromContext(r.Context()),
		SessionID: "admin-" + uuid.NewString(),
		Kind:      catalog.KindTool,
		Name:      req.Name,
		Arguments: req.Arguments,
		Claims:    claims.FromContext(r.Context()),
	}

	res, err := h.dispatcher.Invoke(r.Context(), dreq)
	if err != nil {
		RespondFault(w, err)
		return
	}

	switch res.Outcome {
	case dispatch.OutcomeOK:
		Respond(w, http.StatusOK, map[string]any{
			"content":        res.Content,
			"is_error":       false,
			"output_flagged": res.OutputFlagged,
		})
	case dispatch.OutcomeFailed:
		Respond(w, http.StatusOK, map[string]any{
			"content":  fault.Message(res.Err),
			"is_error": true,
		})
	default:
		RespondFault(w, res.Err)
	}
}

func (h *AdminHandler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	report, err := h.runner.Run(r.Context(), "admin")
	if err != nil {
		RespondFault(w, err)
		return
	}
	Respond(w, http.StatusOK, report)
}

type searchRequest struct {
	Query   string `json:"query"`
	K       int    `json:"k"`
	Filters struct {
		Kind     string `json:"kind"`
		Category string `json:"category"`
	} `json:"filters"`
}

func (h *AdminHandler) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := Decode(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	if req.K == 0 {
		req.K = 5
	}

	var kind catalog.Kind
	if req.Filters.Kind != "" {
		k, err := catalog.ParseKind(req.Filters.Kind)
		if err != nil {
			RespondError(w, http.StatusBadRequest, "invalid_argument", err.Error())
			return
		}
		kind = k
	}

	matches, err := h.selector.Select(r.Context(), req.Query, selector.Filters{
		Kind:     kind,
		Category: req.Filters.Category,
	}, req.K)
	if err != nil {
		RespondFault(w, err)
		return
	}

	type result struct {
		Kind        string  `json:"kind"`
		Name        string  `json:"name"`
		Description string  `json:"description"`
		Category    string  `json:"category,omitempty"`
		Score       float64 `json:"score"`
	}
	out := make([]result, 0, len(matches))
	for _, m := range matches {
		out = append(out, result{
			Kind:        string(m.Capability.Kind),
			Name:        m.Capability.Name,
			Description: m.Capability.Description,
			Category:    m.Capability.Category,
			Score:       m.Score,
		})
	}
	Respond(w, http.StatusOK, map[string]any{"results": out})
}
