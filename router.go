package nomagic

import "strings"

// methodHandler is one (method, content-type, accept) binding at a route
// node, per §4.6 step 3: "Handler selection on the route uses (method,
// content-type?, accept[])."
type methodHandler struct {
	method      string
	contentType string   // empty matches any
	accept      []string // empty matches any
	handler     Handler
}

// routeEntry is what a Route Trie leaf's value holds: every handler bound
// to that path, disambiguated at lookup time by method only; the recorded
// content-type and accept constraints are not consulted.
type routeEntry struct {
	handlers []methodHandler
}

// Router is the default RouteTable: a Route Trie for handlers plus an
// Action Registry for before/after chains, both keyed by the same segment
// shape (§4.5/§4.6).
type Router struct {
	routes  *trie
	actions *actionRegistry
}

// NewRouter returns an empty Router ready for registration.
func NewRouter() *Router {
	return &Router{routes: newTrie(), actions: newActionRegistry()}
}

// Handle binds h to method requests matching pattern. contentType and
// accept are recorded on the binding but Lookup does not match on them:
// the first handler registered for the request's method is selected.
func (rt *Router) Handle(pattern, method string, contentType string, accept []string, h Handler) error {
	segs, err := parsePattern(pattern)
	if err != nil {
		return err
	}
	node, err := rt.routes.Descend(segs)
	if err != nil {
		return err
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	v, _ := node.Value()
	entry, _ := v.(*routeEntry)
	if entry == nil {
		entry = &routeEntry{}
		node.SetValue(entry)
	}
	entry.handlers = append(entry.handlers, methodHandler{
		method:      strings.ToUpper(method),
		contentType: contentType,
		accept:      accept,
	})
	entry.handlers[len(entry.handlers)-1].handler = h
	return nil
}

// Before registers a before-action scoped to pattern (and everything
// beneath it, since Action Registry matching is prefix-based).
func (rt *Router) Before(pattern string, action BeforeAction) error {
	return rt.actions.Before(pattern, action)
}

// After registers an after-action scoped to pattern.
func (rt *Router) After(pattern string, action AfterAction) error {
	return rt.actions.After(pattern, action)
}

// Lookup implements RouteTable.
func (rt *Router) Lookup(method string, decodedSegs, rawSegs []string) (Handler, map[string]string, map[string]string, bool) {
	res, ok := rt.routes.Lookup(decodedSegs, rawSegs)
	if !ok {
		return nil, nil, nil, false
	}
	entry, _ := res.Value.(*routeEntry)
	if entry == nil {
		return nil, nil, nil, false
	}
	h, ok := selectHandler(entry.handlers, method)
	if !ok {
		return nil, nil, nil, false
	}
	return h, res.Params, res.RawParams, true
}

// selectHandler matches on method, the one dimension of §4.6 step 3's
// (method, content-type?, accept[]) rule that RouteTable.Lookup's signature
// carries; a handler registered with a content-type or accept constraint
// still sees the raw request and can apply the rest of that negotiation
// itself (or delegate to a before-action that does).
func selectHandler(handlers []methodHandler, method string) (Handler, bool) {
	method = strings.ToUpper(method)
	for _, mh := range handlers {
		if mh.method == method {
			return mh.handler, true
		}
	}
	return nil, false
}

// BeforeActions implements RouteTable.
func (rt *Router) BeforeActions(decodedSegs []string) []BeforeAction {
	return rt.actions.BeforeActions(decodedSegs)
}

// AfterActions implements RouteTable.
func (rt *Router) AfterActions(decodedSegs []string) []AfterAction {
	return rt.actions.AfterActions(decodedSegs)
}
