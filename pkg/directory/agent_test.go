package directory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testAgent(t *testing.T, check HealthCheck, opts Options) (*Agent, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := Registration{
		ServiceName: "isa-mcp",
		InstanceID:  InstanceID("isa-mcp", "10.0.0.7", 8080),
		Host:        "10.0.0.7",
		Port:        8080,
		Tags:        []string{"mcp"},
	}
	return NewAgent(rdb, reg, check, nil, slog.New(slog.DiscardHandler), opts), rdb
}

func getRegistration(t *testing.T, rdb *redis.Client, instanceID string) (Registration, bool) {
	t.Helper()
	data, err := rdb.Get(context.Background(), keyPrefix+instanceID).Bytes()
	if err != nil {
		return Registration{}, false
	}
	var reg Registration
	if err := json.Unmarshal(data, &reg); err != nil {
		t.Fatalf("stored registration is not JSON: %v", err)
	}
	return reg, true
}

func TestInstanceID(t *testing.T) {
	got := InstanceID("isa-mcp", "10.1.2.3", 9000)
	if got != "isa-mcp-10.1.2.3-9000" {
		t.Errorf("InstanceID() = %q", got)
	}
}

func TestAgentRegistersAndDeregisters(t *testing.T) {
	agent, rdb := testAgent(t, func(context.Context) error { return nil }, Options{
		Interval:        50 * time.Millisecond,
		DeregisterAfter: 10 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = agent.Run(ctx)
	}()

	// Registration appears with a TTL and healthy status.
	deadline := time.After(3 * time.Second)
	for {
		if reg, ok := getRegistration(t, rdb, agent.reg.InstanceID); ok {
			if reg.Status != "healthy" {
				t.Errorf("status = %q, want healthy", reg.Status)
			}
			if reg.ServiceName != "isa-mcp" || reg.Port != 8080 {
				t.Errorf("registration = %+v", reg)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("registration never appeared")
		case <-time.After(10 * time.Millisecond):
		}
	}

	ttl := rdb.TTL(context.Background(), keyPrefix+agent.reg.InstanceID).Val()
	if ttl <= 0 || ttl > 10*time.Second {
		t.Errorf("registration TTL = %v", ttl)
	}

	// Graceful stop removes the key.
	cancel()
	<-done
	if _, ok := getRegistration(t, rdb, agent.reg.InstanceID); ok {
		t.Error("registration survived graceful shutdown")
	}
}

func TestAgentMarksUnhealthyAfterConsecutiveFailures(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	check := func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("listener wedged")
	}

	agent, rdb := testAgent(t, check, Options{
		Interval:            30 * time.Millisecond,
		DeregisterAfter:     10 * time.Second,
		FailuresToUnhealthy: 3,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = agent.Run(ctx)
	}()
	t.Cleanup(func() { cancel(); <-done })

	waitStatus := func(want string) {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			if reg, ok := getRegistration(t, rdb, agent.reg.InstanceID); ok && reg.Status == want {
				return
			}
			select {
			case <-deadline:
				t.Fatalf("status never became %q", want)
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

	waitStatus("healthy")
	healthy.Store(false)
	waitStatus("unhealthy")

	// The registration is retained while unhealthy: the directory stops
	// routing but does not deregister.
	if _, ok := getRegistration(t, rdb, agent.reg.InstanceID); !ok {
		t.Error("unhealthy instance was deregistered")
	}

	// Recovery flips it back.
	healthy.Store(true)
	waitStatus("healthy")
}

func TestAgentSurvivesDirectoryOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := Registration{
		ServiceName: "isa-mcp",
		InstanceID:  InstanceID("isa-mcp", "h", 1),
		Host:        "h", Port: 1,
	}
	agent := NewAgent(rdb, reg, func(context.Context) error { return nil }, nil, slog.New(slog.DiscardHandler), Options{
		Interval:        30 * time.Millisecond,
		DeregisterAfter: 10 * time.Second,
	})

	// Directory down from the start: Run must not block or fail.
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil despite outage", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run() wedged on a directory outage")
	}
}

func TestLookup(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	for _, port := range []int{8080, 8081} {
		reg := Registration{
			ServiceName: "isa-mcp",
			InstanceID:  InstanceID("isa-mcp", "host", port),
			Host:        "host", Port: port, Status: "healthy",
		}
		payload, _ := json.Marshal(reg)
		if err := rdb.Set(context.Background(), keyPrefix+reg.InstanceID, payload, 0).Err(); err != nil {
			t.Fatal(err)
		}
	}

	got, err := Lookup(context.Background(), rdb, "isa-mcp")
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Lookup() = %d instances, want 2", len(got))
	}
}
