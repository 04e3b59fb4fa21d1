// Package httpapi is the demo HTTP ingress for the dispatcher: a thin
// gin surface that accepts a JSON dispatch request, builds a CortexRequest,
// and drives it through the executor. It exists so cmd/gateway is a
// runnable program exercising the core end to end — it is demonstration
// scaffolding, not a pathway catalog.
package httpapi

import (
	"context"
	"fmt"
	"strings"

	"github.com/cortexgate/dispatcher/internal/dispatch"
	"github.com/cortexgate/dispatcher/internal/model"
	"github.com/cortexgate/dispatcher/internal/selector"
)

// ProxyPathway is the simplest useful Pathway: it forwards the caller's
// body verbatim to the selected endpoint's URL joined with a fixed path
// suffix. InitRequest rebuilds the outbound URL against whichever endpoint
// is currently selected; SelectNewEndpoint swaps the endpoint via the
// selector first.
type ProxyPathway struct {
	sel  *selector.Selector
	req  *dispatch.CortexRequest
	path string
}

// NewProxyPathway builds a ProxyPathway around an already-populated
// CortexRequest. The initial endpoint is selected here so the request is
// dispatchable immediately; callers get an error up front when the model
// has no endpoints rather than a failed Execute later.
func NewProxyPathway(sel *selector.Selector, req *dispatch.CortexRequest, path string) (*ProxyPathway, error) {
	p := &ProxyPathway{sel: sel, req: req, path: path}
	if err := p.SelectNewEndpoint(context.Background()); err != nil {
		return nil, err
	}
	return p, nil
}

// Request implements dispatch.Pathway.
func (p *ProxyPathway) Request() *dispatch.CortexRequest {
	return p.req
}

// InitRequest implements dispatch.Pathway: rebuild the outbound URL for
// the current SelectedEndpoint. Headers and body are caller-supplied and
// endpoint-independent for this pathway, so only the URL changes.
func (p *ProxyPathway) InitRequest(_ context.Context) error {
	ep := p.req.SelectedEndpoint
	if ep == nil {
		return fmt.Errorf("httpapi: no endpoint selected for model %s", p.req.Model.Name)
	}
	p.req.URL = joinURL(ep.URL, p.path)
	return nil
}

// SelectNewEndpoint implements dispatch.Pathway.
func (p *ProxyPathway) SelectNewEndpoint(ctx context.Context) error {
	ep := p.sel.Select(p.req.Model)
	if ep == nil {
		return fmt.Errorf("httpapi: model %s has no endpoints", p.req.Model.Name)
	}
	p.req.SelectedEndpoint = ep
	return p.InitRequest(ctx)
}

func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}

var _ dispatch.Pathway = (*ProxyPathway)(nil)

// endpointOf is a small helper shared by the handler for response
// shaping: the selected endpoint's name, falling back to its URL.
func endpointOf(req *dispatch.CortexRequest) string {
	ep := req.SelectedEndpoint
	if ep == nil {
		return ""
	}
	if ep.Name != "" {
		return ep.Name
	}
	return ep.URL
}

// modelLookup resolves a model by name from the startup catalog.
func modelLookup(models map[string]*model.Model, name string) (*model.Model, bool) {
	m, ok := models[name]
	return m, ok
}
