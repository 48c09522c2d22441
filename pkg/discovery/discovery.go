// Package discovery populates the catalog registry from configured sources
// at boot and on admin-triggered refresh, and keeps the vector index
// following the registry through a bounded background pipeline.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xenophobed/isa-mcp/internal/fault"
	"github.com/xenophobed/isa-mcp/internal/telemetry"
	"github.com/xenophobed/isa-mcp/pkg/catalog"
)

// Report summarizes one discovery pass.
type Report struct {
	Trigger   string      `json:"trigger"`
	Accepted  int         `json:"accepted"`
	Replaced  int         `json:"replaced"`
	Unchanged int         `json:"unchanged"`
	Rejected  []Rejection `json:"rejected,omitempty"`
}

// Runner drives discovery passes against the registry.
type Runner struct {
	registry *catalog.Registry
	sources  []Source
	state    *StateFile
	emitter  *telemetry.Emitter
	logger   *slog.Logger

	// mu serializes passes: boot and concurrent admin refreshes must not
	// interleave register/replace decisions.
	mu sync.Mutex
}

// NewRunner creates a Runner. state may be nil to disable the pipeline-state
// cache.
func NewRunner(registry *catalog.Registry, sources []Source, state *StateFile, emitter *telemetry.Emitter, logger *slog.Logger) *Runner {
	return &Runner{
		registry: registry,
		sources:  sources,
		state:    state,
		emitter:  emitter,
		logger:   logger,
	}
}

// Run executes one discovery pass: enumerate every source, then register,
// replace, or skip each candidate by definition hash. Per-definition
// failures land in the report; only a fully unusable pass returns an error.
func (r *Runner) Run(ctx context.Context, trigger string) (*Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	telemetry.DiscoveryRunsTotal.WithLabelValues(trigger).Inc()
	report := &Report{Trigger: trigger}

	for _, src := range r.sources {
		caps, rejected, err := r.enumerate(ctx, src)
		report.Rejected = append(report.Rejected, rejected...)
		if err != nil {
			// Source unreachable and no cache: record and continue with
			// the remaining sources.
			report.Rejected = append(report.Rejected, Rejection{Source: src.Name(), Reason: err.Error()})
			r.logger.Warn("discovery source unavailable", "source", src.Name(), "error", err)
			continue
		}

		for _, c := range caps {
			r.apply(c, report)
		}
	}

	for _, kind := range []catalog.Kind{catalog.KindTool, catalog.KindPrompt, catalog.KindResource} {
		telemetry.RegistryCapabilities.WithLabelValues(string(kind)).Set(float64(r.registry.Len(kind)))
	}

	if r.emitter != nil {
		r.emitter.Emit(ctx, telemetry.Event{
			Name: telemetry.EventDiscoveryRefreshed,
			Fields: map[string]any{
				"trigger":   trigger,
				"accepted":  report.Accepted,
				"replaced":  report.Replaced,
				"unchanged": report.Unchanged,
				"rejected":  len(report.Rejected),
			},
		})
	}

	r.logger.Info("discovery pass complete",
		"trigger", trigger,
		"accepted", report.Accepted,
		"replaced", report.Replaced,
		"unchanged", report.Unchanged,
		"rejected", len(report.Rejected),
	)
	return report, nil
}

// enumerate lists a source's candidates, falling back to (and refreshing)
// the pipeline-state cache for sources that are temporarily unreachable.
func (r *Runner) enumerate(ctx context.Context, src Source) ([]*catalog.Capability, []Rejection, error) {
	caps, rejected, err := src.Enumerate(ctx)
	if err == nil {
		if r.state != nil {
			r.state.Put(src.Name(), caps)
		}
		return caps, rejected, nil
	}

	if r.state != nil {
		if cached, ok := r.state.Get(src.Name()); ok {
			r.logger.Warn("discovery source unreachable, using cached definitions",
				"source", src.Name(), "cached", len(cached), "error", err)
			return cached, rejected, nil
		}
	}
	return nil, rejected, err
}

// apply performs the register / replace / skip decision for one candidate.
func (r *Runner) apply(c *catalog.Capability, report *Report) {
	fp, err := catalog.Fingerprint(c)
	if err != nil {
		report.Rejected = append(report.Rejected, Rejection{Source: c.Source, Reason: fmt.Sprintf("fingerprinting %s: %v", c.Name, err)})
		return
	}

	existing, err := r.registry.Get(c.Kind, c.Name)
	switch {
	case err == nil && existing.DefinitionHash == fp:
		report.Unchanged++
	case err == nil:
		if rerr := r.registry.Replace(c); rerr != nil {
			report.Rejected = append(report.Rejected, Rejection{Source: c.Source, Reason: fault.Message(rerr)})
			return
		}
		report.Replaced++
	case fault.IsKind(err, fault.NotFound):
		if rerr := r.registry.Register(c); rerr != nil {
			report.Rejected = append(report.Rejected, Rejection{Source: c.Source, Reason: fault.Message(rerr)})
			return
		}
		report.Accepted++
	default:
		report.Rejected = append(report.Rejected, Rejection{Source: c.Source, Reason: err.Error()})
	}
}
