// Package model holds the static catalog types shared by every component of
// the dispatcher: Model (a named upstream family) and Endpoint (one
// concrete upstream URL serving that Model, carrying its own Limiter and
// Monitor).
package model

import (
	"github.com/cortexgate/dispatcher/internal/monitor"
	"github.com/cortexgate/dispatcher/internal/ratelimit"
)

// Model is a named upstream family. The endpoint sequence is mutable only
// through explicit reconfiguration (NewModel / SetEndpoints) — callers never
// append to it directly, since an Endpoint's identity is its position in
// this slice and that position must stay stable for the process lifetime.
type Model struct {
	Name              string
	SupportsStreaming bool
	MaxTokenLength    int

	endpoints []*Endpoint
}

// Endpoint is one concrete upstream URL serving a Model. Identity within a
// model is its position in the endpoints list (Index), stable for the
// process lifetime. An Endpoint exclusively owns its Limiter and Monitor.
type Endpoint struct {
	Name              string
	URL               string
	RequestsPerSecond int
	Index             int

	Limiter *ratelimit.Limiter
	Monitor *monitor.Monitor
}

// DefaultRequestsPerSecond is used when an endpoint config omits it.
const DefaultRequestsPerSecond = 100

// NewModel constructs a Model from a name and a sequence of endpoint specs.
// Endpoints are assigned their Limiter and Monitor here, since both are
// owned exclusively by the Endpoint rather than shared or constructed
// lazily by the callers that use it.
func NewModel(name string, supportsStreaming bool, maxTokenLength int, specs []EndpointSpec, mc monitor.Config, lf LimiterFactory) *Model {
	m := &Model{
		Name:              name,
		SupportsStreaming: supportsStreaming,
		MaxTokenLength:    maxTokenLength,
	}
	m.SetEndpoints(specs, mc, lf)
	return m
}

// EndpointSpec is the minimal operator-supplied description of an endpoint,
// as loaded from the model catalog file, before a Limiter/Monitor pair is
// attached to it.
type EndpointSpec struct {
	Name              string
	URL               string
	RequestsPerSecond int
}

// LimiterFactory builds a Limiter for one endpoint, given a stable
// per-endpoint id. Defined as a function type rather than an interface
// method on Model so model stays free of the cluster-mode wiring decisions
// that belong to internal/config.
type LimiterFactory func(endpointID string, rps int) *ratelimit.Limiter

// SetEndpoints replaces the model's endpoint sequence. This is the only
// mutation path for a Model's endpoints; it is expected to run once at
// startup (or on an explicit reconfiguration), never concurrently with
// Endpoints()/EndpointAt() reads from the executor or selector.
func (m *Model) SetEndpoints(specs []EndpointSpec, mc monitor.Config, lf LimiterFactory) {
	endpoints := make([]*Endpoint, 0, len(specs))
	for i, s := range specs {
		rps := s.RequestsPerSecond
		if rps <= 0 {
			rps = DefaultRequestsPerSecond
		}
		endpointID := s.Name
		if endpointID == "" {
			endpointID = s.URL
		}
		endpoints = append(endpoints, &Endpoint{
			Name:              s.Name,
			URL:               s.URL,
			RequestsPerSecond: rps,
			Index:             i,
			Limiter:           lf(endpointID, rps),
			Monitor:           monitor.New(mc),
		})
	}
	m.endpoints = endpoints
}

// Endpoints returns the model's endpoint sequence. Callers must not mutate
// the returned slice or its elements' Index/URL/Name fields.
func (m *Model) Endpoints() []*Endpoint {
	return m.endpoints
}

// EndpointAt returns the endpoint at the given index, or nil if out of range.
func (m *Model) EndpointAt(i int) *Endpoint {
	if i < 0 || i >= len(m.endpoints) {
		return nil
	}
	return m.endpoints[i]
}
