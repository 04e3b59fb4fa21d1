// Package selector picks the endpoint to use for the next outbound
// request: the single endpoint when there is only one, round-robin among
// healthy endpoints with similar latency, the fastest healthy endpoint
// when latencies diverge, and degraded round-robin across all endpoints
// when none is healthy. Health tracking itself lives in internal/monitor;
// this package only reads its snapshots.
package selector

import (
	"math"
	"sync/atomic"

	"github.com/cortexgate/dispatcher/internal/model"
)

// Config tunes the latency-similarity threshold used to decide between
// round-robin and fastest-endpoint selection among healthy endpoints.
type Config struct {
	// LatencySimilarityThreshold: if the standard deviation of healthy
	// endpoints' average call duration is at or below this, select
	// round-robin instead of strict-fastest.
	LatencySimilarityThreshold float64 // in milliseconds
}

// DefaultConfig uses a 10ms similarity threshold.
func DefaultConfig() Config {
	return Config{LatencySimilarityThreshold: 10}
}

// Selector picks one endpoint from a Model per call. The round-robin
// cursor is shared process-wide: a single atomic counter, best-effort
// under concurrency, never blocking.
type Selector struct {
	cfg    Config
	cursor atomic.Uint64
}

// New constructs a Selector.
func New(cfg Config) *Selector {
	return &Selector{cfg: cfg}
}

// Select returns the endpoint to use for model, or nil if the model has no
// endpoints at all.
func (s *Selector) Select(m *model.Model) *model.Endpoint {
	endpoints := m.Endpoints()
	switch len(endpoints) {
	case 0:
		return nil
	case 1:
		return endpoints[0]
	}

	healthy := make([]*model.Endpoint, 0, len(endpoints))
	for _, e := range endpoints {
		if e.Monitor.Healthy() {
			healthy = append(healthy, e)
		}
	}

	if len(healthy) == 0 {
		// All endpoints unhealthy: round-robin across ALL of them, not
		// just the (empty) healthy set.
		return s.roundRobin(endpoints)
	}

	if stddevMillis(healthy) <= s.cfg.LatencySimilarityThreshold {
		return s.roundRobin(healthy)
	}
	return fastest(healthy)
}

// roundRobin picks the endpoint at the shared cursor's current position
// modulo len(endpoints) and advances the cursor. The increment is a plain atomic add —
// best-effort under concurrency is sufficient; it must never block.
func (s *Selector) roundRobin(endpoints []*model.Endpoint) *model.Endpoint {
	i := s.cursor.Add(1) - 1
	return endpoints[int(i)%len(endpoints)]
}

// fastest returns the endpoint with the minimum average call duration.
func fastest(endpoints []*model.Endpoint) *model.Endpoint {
	best := endpoints[0]
	bestDur := best.Monitor.GetAverageCallDuration()
	for _, e := range endpoints[1:] {
		if d := e.Monitor.GetAverageCallDuration(); d < bestDur {
			best, bestDur = e, d
		}
	}
	return best
}

// stddevMillis computes the population standard deviation, in
// milliseconds, of the endpoints' average call durations.
func stddevMillis(endpoints []*model.Endpoint) float64 {
	n := float64(len(endpoints))
	if n == 0 {
		return 0
	}
	var sum float64
	durations := make([]float64, len(endpoints))
	for i, e := range endpoints {
		ms := float64(e.Monitor.GetAverageCallDuration().Microseconds()) / 1000
		durations[i] = ms
		sum += ms
	}
	mean := sum / n
	var variance float64
	for _, d := range durations {
		variance += (d - mean) * (d - mean)
	}
	variance /= n
	return math.Sqrt(variance)
}
