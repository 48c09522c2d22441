// Package selector picks the catalog entries that best match a free-form
// intent string. The primary path embeds the query and searches the vector
// index; a rule-based ranker takes over whenever embeddings are unavailable
// or the pipeline exceeds its hard timeout, so selection never blocks the
// dispatcher.
package selector

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xenophobed/isa-mcp/internal/fault"
	"github.com/xenophobed/isa-mcp/internal/telemetry"
	"github.com/xenophobed/isa-mcp/pkg/catalog"
	"github.com/xenophobed/isa-mcp/pkg/embedding"
	"github.com/xenophobed/isa-mcp/pkg/vector"
)

const (
	// minScore drops weak matches unless too few results remain.
	minScore = 0.1
	// maxK caps how many results a caller may request.
	maxK = 50
	// recallFactor widens the coarse vector recall before reranking.
	recallFactor = 4
)

// Filters narrow a selection to a kind and/or category.
type Filters struct {
	Kind     catalog.Kind
	Category string
}

// Match is one selected capability with its final score in [0, 1].
type Match struct {
	Capability *catalog.Capability
	Score      float64
}

// Reranker reorders coarse-recall candidates given the original query.
// Optional; when unset, cosine order stands.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []Match) ([]Match, error)
}

// Selector runs the embedding→recall→rerank pipeline with rule-based
// fallback.
type Selector struct {
	registry   *catalog.Registry
	embedder   embedding.Client
	store      vector.Store
	reranker   Reranker
	cache      *queryCache
	emitter    *telemetry.Emitter
	logger     *slog.Logger
	timeout    time.Duration
	minResults int
}

// Options configure a Selector.
type Options struct {
	Reranker   Reranker
	Redis      *redis.Client // optional query-embedding cache
	Timeout    time.Duration // hard pipeline timeout, default 1500ms
	MinResults int           // keep at least this many results, default 1
}

// New creates a Selector.
func New(registry *catalog.Registry, embedder embedding.Client, store vector.Store, emitter *telemetry.Emitter, logger *slog.Logger, opts Options) *Selector {
	if opts.Timeout <= 0 {
		opts.Timeout = 1500 * time.Millisecond
	}
	if opts.MinResults <= 0 {
		opts.MinResults = 1
	}
	return &Selector{
		registry:   registry,
		embedder:   embedder,
		store:      store,
		reranker:   opts.Reranker,
		cache:      &queryCache{rdb: opts.Redis},
		emitter:    emitter,
		logger:     logger,
		timeout:    opts.Timeout,
		minResults: opts.MinResults,
	}
}

// Select returns up to k capabilities matching the query, best first.
func (s *Selector) Select(ctx context.Context, query string, filters Filters, k int) ([]Match, error) {
	if query == "" {
		return nil, fault.New(fault.InvalidArgument, "query must not be empty")
	}
	if k < 1 {
		k = 1
	}
	if k > maxK {
		k = maxK
	}

	pipelineCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	matches, err := s.embeddingPipeline(pipelineCtx, query, filters, k)
	if err == nil && len(matches) == 0 {
		// An empty recall usually means the index has not caught up yet;
		// the rule ranker still knows the registry.
		matches = s.ruleFallback(query, filters)
	}
	if err != nil {
		reason := "upstream_unavailable"
		if errors.Is(err, context.DeadlineExceeded) || fault.IsKind(err, fault.TimedOut) {
			reason = "timeout"
		}
		telemetry.SelectorFallbackTotal.WithLabelValues(reason).Inc()
		if s.emitter != nil {
			s.emitter.Emit(ctx, telemetry.Event{
				Name:   telemetry.EventEmbeddingIndexed,
				Fields: map[string]any{"status": "upstream_unavailable", "stage": "query", "reason": reason},
			})
		}
		s.logger.Debug("selector falling back to rule-based ranking", "reason", reason, "error", err)
		matches = s.ruleFallback(query, filters)
	}

	return s.finalize(matches, k), nil
}

// embeddingPipeline is the primary path: embed, coarse recall, rerank.
func (s *Selector) embeddingPipeline(ctx context.Context, query string, filters Filters, k int) ([]Match, error) {
	vec, cached := s.cache.get(ctx, "", query)
	if !cached {
		vecs, err := s.embedder.Embed(ctx, []string{query}, "")
		if err != nil {
			return nil, err
		}
		vec = vecs[0]
		s.cache.put(ctx, "", query, vec)
	}

	vf := vector.Filters{Category: filters.Category}
	if filters.Kind != "" {
		vf.ItemType = string(filters.Kind)
	}

	records, err := s.store.Search(ctx, vec, vf, k*recallFactor)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(records))
	for _, m := range records {
		kind, err := catalog.ParseKind(m.Record.ItemType)
		if err != nil {
			continue
		}
		cap, err := s.registry.Get(kind, m.Record.Name)
		if err != nil {
			// Index lag: the record's capability is already gone.
			continue
		}
		matches = append(matches, Match{Capability: cap, Score: m.Score})
	}

	if s.reranker != nil && len(matches) > 0 {
		reranked, err := s.reranker.Rerank(ctx, query, matches)
		if err != nil {
			s.logger.Debug("reranker failed, keeping cosine order", "error", err)
		} else {
			matches = reranked
		}
	}
	return matches, nil
}

// ruleFallback ranks a registry snapshot without embeddings.
func (s *Selector) ruleFallback(query string, filters Filters) []Match {
	caps := s.registry.List(filters.Kind, catalog.Filter{Category: filters.Category})
	return ruleRank(query, caps)
}

// finalize applies the score threshold and truncates to k. Entries below
// minScore are dropped unless that would leave fewer than minResults.
func (s *Selector) finalize(matches []Match, k int) []Match {
	if len(matches) > k {
		matches = matches[:k]
	}

	kept := make([]Match, 0, len(matches))
	for _, m := range matches {
		if m.Score >= minScore {
			kept = append(kept, m)
		}
	}
	if len(kept) < s.minResults {
		end := s.minResults
		if end > len(matches) {
			end = len(matches)
		}
		kept = matches[:end]
	}
	return kept
}
