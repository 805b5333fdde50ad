package nomagic

import "context"

// requestProcessor is §4.6: before-action chain, route lookup, handler
// invocation.
type requestProcessor struct {
	routes RouteTable
}

func newRequestProcessor(routes RouteTable) *requestProcessor {
	return &requestProcessor{routes: routes}
}

// Process resolves req's route and runs its before-action chain down to
// the handler. A route miss produces a plain 404 — it is not, itself, an
// application error routed through the error-handler chain. Errors raised
// by an action or the handler propagate to the caller unchanged.
func (p *requestProcessor) Process(ctx context.Context, req *Request) (*Response, error) {
	h, params, rawParams, ok := p.routes.Lookup(req.Method, req.Target.decodedSegments, req.Target.rawSegments)
	if !ok {
		return NewResponse(404), nil
	}
	req.Params = params
	req.RawParams = rawParams

	before := p.routes.BeforeActions(req.Target.decodedSegments)
	idx := 0
	var proceed func() (*Response, error)
	proceed = func() (*Response, error) {
		if idx >= len(before) {
			return h(ctx, req)
		}
		action := before[idx]
		idx++
		return action(ctx, req, proceed)
	}
	return proceed()
}
