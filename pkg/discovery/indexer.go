package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/xenophobed/isa-mcp/internal/fault"
	"github.com/xenophobed/isa-mcp/internal/telemetry"
	"github.com/xenophobed/isa-mcp/pkg/catalog"
	"github.com/xenophobed/isa-mcp/pkg/embedding"
	"github.com/xenophobed/isa-mcp/pkg/vector"
)

const (
	indexRetryAttempts = 3
	indexRetryBase     = 500 * time.Millisecond
	// staleAfter is how long an index record may outlive its capability
	// before the sweeper reaps it.
	staleAfter = 10 * time.Minute
)

type indexOp struct {
	remove   bool
	itemType string
	name     string
	text     string
	category string
	keywords []string
	hash     string
}

// Indexer keeps the vector index eventually consistent with the registry.
// It consumes the registry change feed: register/replace enqueues an embed +
// upsert, deregister enqueues a delete. The queue is bounded; overflow drops
// the request with an alert. A dropped delete leaves a record that the
// sweeper reaps later; a dropped upsert leaves the index entry missing or out
// of date until the capability is next registered or replaced.
type Indexer struct {
	embedder embedding.Client
	store    vector.Store
	registry *catalog.Registry
	emitter  *telemetry.Emitter
	logger   *slog.Logger

	queue   chan indexOp
	workers int
	wg      sync.WaitGroup
}

// NewIndexer creates an Indexer with the given queue capacity and worker
// count.
func NewIndexer(embedder embedding.Client, store vector.Store, registry *catalog.Registry, emitter *telemetry.Emitter, logger *slog.Logger, queueCap, workers int) *Indexer {
	if queueCap <= 0 {
		queueCap = 256
	}
	if workers <= 0 {
		workers = 4
	}
	return &Indexer{
		embedder: embedder,
		store:    store,
		registry: registry,
		emitter:  emitter,
		logger:   logger,
		queue:    make(chan indexOp, queueCap),
		workers:  workers,
	}
}

// Start launches the worker pool and the change-feed watcher. Workers exit
// when ctx is cancelled.
func (ix *Indexer) Start(ctx context.Context) {
	for i := 0; i < ix.workers; i++ {
		ix.wg.Add(1)
		go func() {
			defer ix.wg.Done()
			ix.work(ctx)
		}()
	}

	sub := ix.registry.Subscribe(0)
	ix.wg.Add(1)
	go func() {
		defer ix.wg.Done()
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				ix.onChange(ev)
			}
		}
	}()
}

// Wait blocks until the workers have drained after ctx cancellation.
func (ix *Indexer) Wait() { ix.wg.Wait() }

func (ix *Indexer) onChange(ev catalog.Event) {
	c := ev.Capability
	op := indexOp{
		itemType: string(c.Kind),
		name:     c.Name,
		text:     c.IndexText(),
		category: c.Category,
		keywords: c.Keywords,
		hash:     c.DefinitionHash,
		remove:   ev.Type == catalog.ChangeRemoved,
	}
	ix.submit(op)
}

func (ix *Indexer) submit(op indexOp) {
	select {
	case ix.queue <- op:
		telemetry.IndexingQueueDepth.Set(float64(len(ix.queue)))
	default:
		telemetry.IndexingDroppedTotal.Inc()
		ix.logger.Warn("indexing queue full, dropping request",
			"item_type", op.itemType, "name", op.name, "remove", op.remove)
		if ix.emitter != nil {
			ix.emitter.Emit(context.Background(), telemetry.Event{
				Name:     telemetry.EventEmbeddingIndexed,
				Severity: telemetry.SeverityWarn,
				Fields: map[string]any{
					"status": "dropped",
					"name":   op.name,
				},
			})
		}
	}
}

func (ix *Indexer) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-ix.queue:
			telemetry.IndexingQueueDepth.Set(float64(len(ix.queue)))
			ix.process(ctx, op)
		}
	}
}

// process executes one indexing operation with bounded retries. Failures are
// non-fatal: the capability stays registered and searchable by rule-based
// selection.
func (ix *Indexer) process(ctx context.Context, op indexOp) {
	operation := func() (struct{}, error) {
		if op.remove {
			err := ix.store.Delete(ctx, op.itemType, op.name)
			if fault.IsKind(err, fault.NotFound) {
				return struct{}{}, nil
			}
			return struct{}{}, err
		}

		vecs, err := ix.embedder.Embed(ctx, []string{op.text}, "")
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, ix.store.Upsert(ctx, vector.Record{
			ItemType:    op.itemType,
			Name:        op.name,
			Category:    op.category,
			Description: op.text,
			Embedding:   vecs[0],
			Keywords:    op.keywords,
			Metadata:    map[string]string{vector.SourceHashKey: op.hash},
		})
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = indexRetryBase

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(indexRetryAttempts),
	)

	status := "ok"
	if err != nil {
		status = "upstream_unavailable"
		telemetry.IndexingFailuresTotal.Inc()
		ix.logger.Warn("indexing failed",
			"item_type", op.itemType, "name", op.name, "remove", op.remove, "error", err)
	}
	if ix.emitter != nil && !op.remove {
		ix.emitter.Emit(ctx, telemetry.Event{
			Name: telemetry.EventEmbeddingIndexed,
			Fields: map[string]any{
				"status":    status,
				"item_type": op.itemType,
				"name":      op.name,
			},
		})
	}
}

// RunSweeper periodically deletes index records whose capability is gone.
// It blocks until ctx is cancelled.
func (ix *Indexer) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ix.Sweep(ctx); err != nil {
				ix.logger.Warn("index sweep failed", "error", err)
			}
		}
	}
}

// Sweep removes stale records in one pass.
func (ix *Indexer) Sweep(ctx context.Context) error {
	records, err := ix.store.List(ctx, vector.Filters{})
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-staleAfter)
	swept := 0
	for _, rec := range records {
		kind, err := catalog.ParseKind(rec.ItemType)
		if err != nil {
			continue
		}
		if _, err := ix.registry.Get(kind, rec.Name); err == nil {
			continue
		}
		if rec.UpdatedAt.After(cutoff) {
			continue // within the eventual-consistency window
		}
		if err := ix.store.Delete(ctx, rec.ItemType, rec.Name); err != nil && !fault.IsKind(err, fault.NotFound) {
			ix.logger.Warn("sweeping stale index record", "name", rec.Name, "error", err)
			continue
		}
		swept++
	}
	if swept > 0 {
		ix.logger.Info("swept stale index records", "count", swept)
	}
	return nil
}
