package vector

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xenophobed/isa-mcp/internal/fault"
)

// MemoryStore is a brute-force in-memory vector index. It backs fast-boot
// mode (LAZY_LOAD_EXTERNAL_SERVICES) and tests; search is exact cosine over
// all records.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record // key: itemType + "/" + name
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func recordKey(itemType, name string) string { return itemType + "/" + name }

func (s *MemoryStore) Upsert(_ context.Context, rec Record) error {
	if rec.ItemType == "" || rec.Name == "" {
		return fault.New(fault.InvalidArgument, "record requires item_type and name")
	}
	if len(rec.Embedding) == 0 {
		return fault.New(fault.InvalidArgument, "record requires an embedding")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey(rec.ItemType, rec.Name)
	now := time.Now().UTC()
	if existing, ok := s.records[key]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.records[key] = rec
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, itemType, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey(itemType, name)
	if _, ok := s.records[key]; !ok {
		return fault.Newf(fault.NotFound, "no embedding record for %s/%s", itemType, name)
	}
	delete(s.records, key)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, itemType, name string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[recordKey(itemType, name)]
	if !ok {
		return Record{}, fault.Newf(fault.NotFound, "no embedding record for %s/%s", itemType, name)
	}
	return rec, nil
}

func (s *MemoryStore) Search(_ context.Context, queryVec []float32, filters Filters, k int) ([]Match, error) {
	if len(queryVec) == 0 {
		return nil, fault.New(fault.InvalidArgument, "query vector is empty")
	}
	if k <= 0 {
		return nil, fault.New(fault.InvalidArgument, "k must be positive")
	}

	s.mu.RLock()
	matches := make([]Match, 0, len(s.records))
	for _, rec := range s.records {
		if !matchesFilters(rec, filters) {
			continue
		}
		if len(rec.Embedding) != len(queryVec) {
			continue
		}
		matches = append(matches, Match{Record: rec, Score: CosineSimilarity(queryVec, rec.Embedding)})
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (s *MemoryStore) Stats(_ context.Context, filters Filters) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{ByType: make(map[string]int)}
	for _, rec := range s.records {
		if !matchesFilters(rec, filters) {
			continue
		}
		st.Total++
		st.ByType[rec.ItemType]++
	}
	return st, nil
}

func (s *MemoryStore) List(_ context.Context, filters Filters) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if matchesFilters(rec, filters) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return recordKey(out[i].ItemType, out[i].Name) < recordKey(out[j].ItemType, out[j].Name)
	})
	return out, nil
}

func (s *MemoryStore) Healthy(context.Context) error { return nil }

func matchesFilters(rec Record, f Filters) bool {
	if f.ItemType != "" && rec.ItemType != f.ItemType {
		return false
	}
	if f.Category != "" && rec.Category != f.Category {
		return false
	}
	for k, v := range f.Metadata {
		if rec.Metadata[k] != v {
			return false
		}
	}
	return true
}

// CosineSimilarity maps the cosine of the angle between a and b into [0, 1].
// Vectors are assumed unit-norm, so the dot product is the cosine.
func CosineSimilarity(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	// Clamp and shift from [-1, 1] to [0, 1].
	if dot > 1 {
		dot = 1
	}
	if dot < -1 {
		dot = -1
	}
	return (dot + 1) / 2
}
