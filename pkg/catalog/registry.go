package catalog

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xenophobed/isa-mcp/internal/fault"
)

// Registry is the authoritative, in-memory map of capability definitions.
// Reads take a shared lock over an immutable value map; writes are
// serialized. A reader never observes a partially constructed Capability
// because values are fully built before insertion and never mutated after.
type Registry struct {
	logger *slog.Logger

	mu   sync.RWMutex
	caps map[string]*Capability
	seq  uint64
	feed *feed
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger,
		caps:   make(map[string]*Capability),
		feed:   newFeed(),
	}
}

// Register inserts cap if its (kind, name) is free. Returns
// fault.InvalidArgument when validation or hashing fails, fault.Conflict
// when the name is taken (replacing requires Replace).
func (r *Registry) Register(cap *Capability) error {
	prepared, err := r.prepare(cap)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.caps[prepared.Key()]; ok {
		if existing.DefinitionHash == prepared.DefinitionHash {
			return fault.Newf(fault.Conflict, "%s already registered with identical definition", prepared.Key())
		}
		return fault.Newf(fault.Conflict, "%s already registered with a different definition", prepared.Key())
	}

	prepared.RegisteredAt = time.Now().UTC()
	prepared.counters = &Counters{}
	r.caps[prepared.Key()] = prepared
	r.publishLocked(ChangeAdded, prepared)

	r.logger.Info("capability registered",
		"kind", prepared.Kind,
		"name", prepared.Name,
		"hash", shortHash(prepared.DefinitionHash),
		"source", prepared.Source,
	)
	return nil
}

// Replace atomically swaps the capability registered under cap's (kind,
// name). Counters and the original registration time are preserved so
// invocation totals remain continuous across hot swaps.
func (r *Registry) Replace(cap *Capability) error {
	prepared, err := r.prepare(cap)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.caps[prepared.Key()]
	if !ok {
		return fault.Newf(fault.NotFound, "%s is not registered", prepared.Key())
	}

	prepared.RegisteredAt = existing.RegisteredAt
	prepared.counters = existing.counters
	r.caps[prepared.Key()] = prepared
	r.publishLocked(ChangeReplaced, prepared)

	r.logger.Info("capability replaced",
		"kind", prepared.Kind,
		"name", prepared.Name,
		"old_hash", shortHash(existing.DefinitionHash),
		"new_hash", shortHash(prepared.DefinitionHash),
	)
	return nil
}

// Deregister removes the capability under (kind, name).
func (r *Registry) Deregister(kind Kind, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := Key(kind, name)
	existing, ok := r.caps[key]
	if !ok {
		return fault.Newf(fault.NotFound, "%s is not registered", key)
	}

	delete(r.caps, key)
	r.publishLocked(ChangeRemoved, existing)

	r.logger.Info("capability deregistered", "kind", kind, "name", name)
	return nil
}

// Get returns the capability under (kind, name).
func (r *Registry) Get(kind Kind, name string) (*Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cap, ok := r.caps[Key(kind, name)]
	if !ok {
		return nil, fault.Newf(fault.NotFound, "%s is not registered", Key(kind, name))
	}
	return cap, nil
}

// Filter narrows List results.
type Filter struct {
	Category string
	// NamePrefix matches names beginning with the prefix when set.
	NamePrefix string
}

// List returns a snapshot of registered capabilities, optionally narrowed by
// kind ("" for all) and filter, sorted by kind then name. The slice is a
// point-in-time copy, not a live cursor.
func (r *Registry) List(kind Kind, filter Filter) []*Capability {
	r.mu.RLock()
	out := make([]*Capability, 0, len(r.caps))
	for _, c := range r.caps {
		if kind != "" && c.Kind != kind {
			continue
		}
		if filter.Category != "" && c.Category != filter.Category {
			continue
		}
		if filter.NamePrefix != "" && !strings.HasPrefix(c.Name, filter.NamePrefix) {
			continue
		}
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Len returns the number of registered capabilities of the given kind
// ("" for all).
func (r *Registry) Len(kind Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if kind == "" {
		return len(r.caps)
	}
	n := 0
	for _, c := range r.caps {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

// Subscribe returns a change-feed subscription replaying retained events
// with sequence numbers greater than fromSeq (0 for everything retained).
func (r *Registry) Subscribe(fromSeq uint64) *Subscription {
	return r.feed.subscribe(fromSeq)
}

// prepare validates, normalizes, and hash-checks a capability, returning a
// defensive copy safe to insert.
func (r *Registry) prepare(cap *Capability) (*Capability, error) {
	if cap == nil {
		return nil, fault.New(fault.InvalidArgument, "capability is nil")
	}

	cp := cap.clone()
	cp.normalize()
	if err := cp.Validate(); err != nil {
		return nil, fault.Wrap(fault.InvalidArgument, err.Error(), err)
	}

	hash, err := DefinitionHash(cp)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidArgument, "computing definition hash", err)
	}
	if cp.DefinitionHash != "" && cp.DefinitionHash != hash {
		return nil, fault.Newf(fault.InvalidArgument, "%s: definition_hash does not match canonical form", cp.Key())
	}
	cp.DefinitionHash = hash
	return cp, nil
}

func (r *Registry) publishLocked(typ ChangeType, cap *Capability) {
	r.seq++
	r.feed.publish(Event{Seq: r.seq, Type: typ, Capability: cap})
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
