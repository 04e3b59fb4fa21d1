// Package dispatch defines the thin contract by which a pathway hands the
// executor a fully-formed outbound request and receives a result:
// CortexRequest, and the Pathway interface a pathway implements to
// rebuild that request across retries and hedges. This package is a
// contract, not an implementation, so it carries no third-party
// dependency of its own.
package dispatch

import (
	"context"
	"time"

	"github.com/cortexgate/dispatcher/internal/model"
)

// CacheConfig controls response caching for one request. Streaming
// responses and duplicate-request launches with index > 0 always bypass
// the cache regardless of this setting.
type CacheConfig struct {
	Enabled bool
	TTL     time.Duration
}

// DefaultCacheTTL is used when caching is enabled with no explicit TTL.
const DefaultCacheTTL = 7 * 24 * time.Hour

// CortexRequest is the envelope passed from a pathway to the executor.
// It is created by the pathway layer, owned by the
// pathway for the duration of the call, and never mutated by anything
// other than the pathway's own InitRequest/SelectNewEndpoint
// (SelectedEndpoint/URL/Headers/Data) and the executor's ClearStreamFlags
// call when the model cannot stream.
type CortexRequest struct {
	RequestID    string
	PathwayName  string
	Model        *model.Model
	SelectedEndpoint *model.Endpoint

	URL     string
	Method  string
	Params  map[string]any
	Headers map[string]string
	Data    any

	Cache  CacheConfig
	Stream bool

	// Pathway-level overrides of the global executor defaults. Nil means
	// "use the executor's configured default".
	Timeout                 time.Duration
	EnableDuplicateRequests *bool
	DuplicateRequestAfter   *time.Duration
}

// StreamRequested reports whether streaming was asked for in any of the
// three places it can appear: the request's own Stream flag, or
// params["stream"]/data's "stream" field for pathways that pass it through
// the upstream payload instead.
func (r *CortexRequest) StreamRequested() bool {
	if r.Stream {
		return true
	}
	if v, ok := r.Params["stream"].(bool); ok && v {
		return true
	}
	if m, ok := r.Data.(map[string]any); ok {
		if v, ok := m["stream"].(bool); ok && v {
			return true
		}
	}
	return false
}

// ClearStreamFlags clears the stream flag wherever StreamRequested looks,
// used when streaming was requested but the model doesn't support it.
func (r *CortexRequest) ClearStreamFlags() {
	r.Stream = false
	if r.Params != nil {
		delete(r.Params, "stream")
	}
	if m, ok := r.Data.(map[string]any); ok {
		delete(m, "stream")
	}
}

// Pathway is the external collaborator's contract with the executor.
// A pathway owns exactly one CortexRequest for the duration of a call and
// knows how to rebuild its outbound shape against whichever endpoint is
// currently selected.
type Pathway interface {
	// Request returns the CortexRequest this pathway is driving. The
	// executor reads SelectedEndpoint and the outbound fields from the
	// returned value; it is the same object across the whole retry/hedge
	// lifecycle.
	Request() *CortexRequest

	// InitRequest rebuilds URL/Headers/Data for a fresh attempt against
	// the CortexRequest's current SelectedEndpoint — used when retrying
	// against the same endpoint (single-endpoint models) or after
	// SelectNewEndpoint has already swapped the endpoint reference.
	InitRequest(ctx context.Context) error

	// SelectNewEndpoint picks a new endpoint via the selector, assigns it
	// to SelectedEndpoint, then calls InitRequest. At most one concurrent
	// swap per CortexRequest; the executor serializes calls to this
	// method within a single dispatch.
	SelectNewEndpoint(ctx context.Context) error
}

// AsyncPathway is implemented by pathways that support cross-instance
// progress pickup: an optional resolver the progress bus invokes when an
// async request is picked up either locally or remotely.
type AsyncPathway interface {
	Pathway
	// Resolve executes the request's async work. useRedis indicates
	// whether progress must be routed via the shared bus (the request
	// was picked up on a different instance than the one that registered
	// it) or can stay local.
	Resolve(ctx context.Context, args any, useRedis bool) error
}
