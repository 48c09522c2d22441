// Package platform builds the process's infrastructure clients. Every
// constructor verifies connectivity before handing the client out, so a
// misconfigured dependency fails at boot instead of on the first request.
package platform

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/xenophobed/isa-mcp/internal/fault"
)

const connectProbeTimeout = 5 * time.Second

// NewPostgresPool creates a pgx connection pool for the vector store and
// verifies it with a bounded ping.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidArgument, "invalid database URL", err)
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fault.Wrap(fault.Unavailable, "creating connection pool", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectProbeTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fault.Wrap(fault.Unavailable, "database unreachable", err)
	}
	return pool, nil
}

// NewRedisClient creates the Redis client backing the service directory and
// the selector's query cache, with explicit dial and I/O deadlines so a
// wedged directory can never hang a caller.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidArgument, "invalid redis URL", err)
	}
	opts.DialTimeout = connectProbeTimeout
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, connectProbeTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fault.Wrap(fault.Unavailable, "redis unreachable", err)
	}
	return client, nil
}
