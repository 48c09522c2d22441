package selector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// cacheKeyPrefix namespaces query-vector cache entries in Redis.
	cacheKeyPrefix = "isamcp:selector:qvec:"
	// cacheTTL bounds how long a cached query embedding is reused.
	cacheTTL = 10 * time.Minute
)

// queryCache memoizes query embeddings in Redis so repeated searches skip
// the embedding service. With a nil client every operation is a miss.
type queryCache struct {
	rdb *redis.Client
}

func cacheKey(model, query string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + query))
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}

func (c *queryCache) get(ctx context.Context, model, query string) ([]float32, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}
	data, err := c.rdb.Get(ctx, cacheKey(model, query)).Bytes()
	if err != nil {
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, false
	}
	return vec, true
}

func (c *queryCache) put(ctx context.Context, model, query string, vec []float32) {
	if c == nil || c.rdb == nil {
		return
	}
	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	// Best-effort: a cache write failure never affects the request.
	c.rdb.Set(ctx, cacheKey(model, query), data, cacheTTL)
}
