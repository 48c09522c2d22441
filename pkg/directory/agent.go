// Package directory binds this process into the fleet's service directory.
// The directory is a Redis keyspace: each live instance owns one TTL'd key
// holding its registration; heartbeats refresh the TTL, and an instance that
// stops heartbeating is reaped by expiry after deregister_after. A directory
// outage degrades registration only — serving traffic is never blocked.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/xenophobed/isa-mcp/internal/telemetry"
)

// keyPrefix namespaces instance registrations in the directory.
const keyPrefix = "directory:instances:"

// HealthCheck probes local readiness; it must respect ctx.
type HealthCheck func(ctx context.Context) error

// Registration is the record published to the directory.
type Registration struct {
	ServiceName   string    `json:"service_name"`
	InstanceID    string    `json:"instance_id"`
	Host          string    `json:"host"`
	Port          int       `json:"port"`
	Tags          []string  `json:"tags,omitempty"`
	Status        string    `json:"status"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`

	HealthCheckSpec struct {
		Endpoint        string `json:"endpoint"`
		IntervalSeconds int    `json:"interval_seconds"`
		TimeoutSeconds  int    `json:"timeout_seconds"`
		DeregisterAfter int    `json:"deregister_after_seconds"`
	} `json:"health_check"`
}

// InstanceID builds the canonical {service}-{host}-{port} identifier.
func InstanceID(service, host string, port int) string {
	return fmt.Sprintf("%s-%s-%d", service, host, port)
}

// Options configure the agent.
type Options struct {
	Interval            time.Duration // heartbeat interval
	CheckTimeout        time.Duration // per-probe timeout
	DeregisterAfter     time.Duration // directory TTL on the registration
	FailuresToUnhealthy int           // consecutive failures before unhealthy
}

// Agent registers the instance, heartbeats it, and deregisters on shutdown.
type Agent struct {
	rdb     *redis.Client
	reg     Registration
	check   HealthCheck
	opts    Options
	emitter *telemetry.Emitter
	logger  *slog.Logger

	failures int
}

// NewAgent creates an Agent. reg.Status and timestamps are managed by the
// agent.
func NewAgent(rdb *redis.Client, reg Registration, check HealthCheck, emitter *telemetry.Emitter, logger *slog.Logger, opts Options) *Agent {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 3 * time.Second
	}
	if opts.DeregisterAfter <= 0 {
		opts.DeregisterAfter = 6 * opts.Interval
	}
	if opts.FailuresToUnhealthy <= 0 {
		opts.FailuresToUnhealthy = 3
	}

	reg.HealthCheckSpec.IntervalSeconds = int(opts.Interval.Seconds())
	reg.HealthCheckSpec.TimeoutSeconds = int(opts.CheckTimeout.Seconds())
	reg.HealthCheckSpec.DeregisterAfter = int(opts.DeregisterAfter.Seconds())

	return &Agent{
		rdb:     rdb,
		reg:     reg,
		check:   check,
		opts:    opts,
		emitter: emitter,
		logger:  logger,
	}
}

func (a *Agent) key() string { return keyPrefix + a.reg.InstanceID }

// Run registers the instance and heartbeats until ctx is cancelled, then
// deregisters. It always returns nil: directory trouble is logged and
// retried, never propagated to the serving path.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		// Keep going: the heartbeat loop re-attempts registration on every
		// tick by rewriting the key.
		a.logger.Warn("initial directory registration failed, will retry on heartbeat", "error", err)
	}

	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.deregister()
			return nil
		case <-ticker.C:
			a.heartbeat(ctx)
		}
	}
}

// register writes the initial registration with a bounded retry loop.
func (a *Agent) register(ctx context.Context) error {
	a.reg.Status = "healthy"
	a.reg.RegisteredAt = time.Now().UTC()

	operation := func() (struct{}, error) {
		return struct{}{}, a.write(ctx)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	if _, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(5)); err != nil {
		return err
	}

	telemetry.DirectoryHealthy.Set(1)
	a.logger.Info("registered with service directory",
		"instance_id", a.reg.InstanceID,
		"service", a.reg.ServiceName,
		"deregister_after", a.opts.DeregisterAfter,
	)
	if a.emitter != nil {
		a.emitter.Emit(ctx, telemetry.Event{
			Name: telemetry.EventServiceRegistered,
			Fields: map[string]any{
				"instance_id": a.reg.InstanceID,
				"service":     a.reg.ServiceName,
				"host":        a.reg.Host,
				"port":        a.reg.Port,
			},
		})
	}
	return nil
}

// heartbeat probes local health, updates the status, and refreshes the TTL.
func (a *Agent) heartbeat(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, a.opts.CheckTimeout)
	err := a.check(checkCtx)
	cancel()

	prev := a.reg.Status
	if err != nil {
		a.failures++
		a.logger.Warn("health check failed",
			"instance_id", a.reg.InstanceID,
			"consecutive_failures", a.failures,
			"error", err,
		)
		if a.failures >= a.opts.FailuresToUnhealthy {
			// The directory stops routing but keeps the registration; only
			// missed heartbeats deregister.
			a.reg.Status = "unhealthy"
		}
	} else {
		a.failures = 0
		a.reg.Status = "healthy"
	}

	if a.reg.Status != prev {
		healthy := 0.0
		if a.reg.Status == "healthy" {
			healthy = 1
		}
		telemetry.DirectoryHealthy.Set(healthy)
		a.logger.Info("instance health changed", "from", prev, "to", a.reg.Status)
		if a.emitter != nil {
			a.emitter.Emit(ctx, telemetry.Event{
				Name:     telemetry.EventHealthChanged,
				Severity: telemetry.SeverityWarn,
				Fields: map[string]any{
					"instance_id": a.reg.InstanceID,
					"from":        prev,
					"to":          a.reg.Status,
				},
			})
		}
	}

	if err := a.write(ctx); err != nil {
		// Directory unreachable: the TTL keeps ticking down. Nothing else
		// to do until the next beat.
		a.logger.Warn("heartbeat write failed", "instance_id", a.reg.InstanceID, "error", err)
	}
}

// write publishes the registration with the deregistration TTL.
func (a *Agent) write(ctx context.Context) error {
	a.reg.LastHeartbeat = time.Now().UTC()
	payload, err := json.Marshal(a.reg)
	if err != nil {
		return fmt.Errorf("encoding registration: %w", err)
	}
	if err := a.rdb.Set(ctx, a.key(), payload, a.opts.DeregisterAfter).Err(); err != nil {
		return fmt.Errorf("writing registration: %w", err)
	}
	return nil
}

// deregister removes the registration during graceful shutdown. Failures are
// logged and swallowed; the TTL reaps the record anyway.
func (a *Agent) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.rdb.Del(ctx, a.key()).Err(); err != nil {
		a.logger.Warn("directory deregistration failed", "instance_id", a.reg.InstanceID, "error", err)
		return
	}
	telemetry.DirectoryHealthy.Set(0)
	a.logger.Info("deregistered from service directory", "instance_id", a.reg.InstanceID)
}

// Lookup lists the live instances of a service, for operators and tests.
func Lookup(ctx context.Context, rdb *redis.Client, service string) ([]Registration, error) {
	keys, err := rdb.Keys(ctx, keyPrefix+service+"-*").Result()
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}

	out := make([]Registration, 0, len(keys))
	for _, key := range keys {
		data, err := rdb.Get(ctx, key).Bytes()
		if err != nil {
			continue // expired between KEYS and GET
		}
		var reg Registration
		if err := json.Unmarshal(data, &reg); err != nil {
			continue
		}
		out = append(out, reg)
	}
	return out, nil
}
