package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/xenophobed/isa-mcp/internal/fault"
	"github.com/xenophobed/isa-mcp/internal/telemetry"
)

// gate is a concurrency limit with a bounded waiting queue. Invocations past
// the limit wait in the queue; once the queue is full, new arrivals fail fast
// with overloaded.
type gate struct {
	sem      chan struct{}
	queued   atomic.Int64
	queueCap int64
}

func newGate(limit, queueCap int) *gate {
	return &gate{sem: make(chan struct{}, limit), queueCap: int64(queueCap)}
}

// acquire takes a slot, waiting in the bounded queue if necessary.
func (g *gate) acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	default:
	}

	if g.queued.Add(1) > g.queueCap {
		g.queued.Add(-1)
		telemetry.DispatchOverloadedTotal.Inc()
		return fault.New(fault.Overloaded, "dispatch queue full, retry later")
	}
	defer g.queued.Add(-1)

	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return fault.Wrap(fault.TimedOut, "timed out waiting for a dispatch slot", ctx.Err())
		}
		return fault.Wrap(fault.TimedOut, "cancelled while waiting for a dispatch slot", ctx.Err())
	}
}

func (g *gate) release() { <-g.sem }

// gateSet lazily creates one gate per capability key.
type gateSet struct {
	mu       sync.Mutex
	gates    map[string]*gate
	limit    int
	queueCap int
}

func newGateSet(limit, queueCap int) *gateSet {
	return &gateSet{gates: make(map[string]*gate), limit: limit, queueCap: queueCap}
}

func (s *gateSet) get(key string) *gate {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gates[key]
	if !ok {
		g = newGate(s.limit, s.queueCap)
		s.gates[key] = g
	}
	return g
}
