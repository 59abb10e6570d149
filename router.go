package tap

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	mapset "github.com/deckarep/golang-set"
	"github.com/go-chi/chi/v5"
	"github.com/monzo/terrors"
)

// allMethods is what "*" expands to when registering a route.
var allMethods = [...]string{"GET", "CONNECT", "DELETE", "HEAD", "OPTIONS", "PATCH", "POST", "PUT", "TRACE"}

// An ErrorHandler turns an error returned by a routed Service into a regular response.
type ErrorHandler func(req Request, err error) Response

// A Router multiplexes requests to a set of Services by pattern matching on method and path, and can also extract
// parameters from paths.
//
// Filters can be bound to path patterns with Filter; they wrap every request whose path matches, whether or not a
// route does. Errors returned by routed Services can be turned into responses with HandleError.
//
// The zero value is ready to use.
type Router struct {
	m        sync.RWMutex
	mux      *chi.Mux
	svcs     map[string]Service
	bindings []filterBinding
	handlers []errorBinding
}

type filterBinding struct {
	pattern string
	methods mapset.Set // nil means any method
	order   int
	seq     int
	filter  Filter
}

func (b filterBinding) matches(method, path string) bool {
	if b.methods != nil && !b.methods.Contains(method) {
		return false
	}
	ok, _ := doublestar.Match(b.pattern, path)
	return ok
}

type errorBinding struct {
	code    string
	handler ErrorHandler
}

// A FilterOption customises how a filter is bound by Router.Filter.
type FilterOption func(*filterBinding)

// FilterMethods restricts a filter binding to requests with one of the given methods.
func FilterMethods(methods ...string) FilterOption {
	return func(b *filterBinding) {
		set := mapset.NewSet()
		for _, m := range methods {
			set.Add(strings.ToUpper(m))
		}
		b.methods = set
	}
}

// FilterOrder sets the position of a filter binding relative to others. Lower orders run first (outermost); bindings
// with equal order run in the order they were registered. The default is 0.
func FilterOrder(order int) FilterOption {
	return func(b *filterBinding) {
		b.order = order
	}
}

func (r *Router) init() {
	if r.mux == nil {
		r.mux = chi.NewRouter()
		r.svcs = make(map[string]Service, 10)
	}
}

// Register associates a Service with a method and path.
//
// Method is a single HTTP method name, or * which is expanded to {GET, CONNECT, DELETE, HEAD, OPTIONS, PATCH, POST,
// PUT, TRACE}. Pattern syntax is as described in chi's documentation: https://go-chi.io/#/pages/routing
func (r *Router) Register(method, pattern string, svc Service) {
	// chi is used for matching only; the handler is never called
	noop := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	r.m.Lock()
	defer r.m.Unlock()
	r.init()

	methods := []string{strings.ToUpper(method)}
	if method == "*" {
		methods = allMethods[:]
	}
	for _, m := range methods {
		r.mux.Method(m, pattern, noop)
		r.svcs[m+pattern] = svc
	}
}

// Filter binds a filter to every request whose path matches pattern.
//
// Patterns are globs: * matches within one path segment, ** matches any number of segments, and a pattern without
// wildcards matches only that exact path. Registering an invalid pattern panics.
func (r *Router) Filter(pattern string, f Filter, opts ...FilterOption) {
	if !doublestar.ValidatePattern(pattern) {
		panic(fmt.Sprintf("tap: invalid filter pattern %q", pattern))
	}

	r.m.Lock()
	defer r.m.Unlock()
	b := filterBinding{
		pattern: pattern,
		seq:     len(r.bindings),
		filter:  f}
	for _, opt := range opts {
		opt(&b)
	}
	r.bindings = append(r.bindings, b)
	sort.SliceStable(r.bindings, func(i, j int) bool {
		if r.bindings[i].order != r.bindings[j].order {
			return r.bindings[i].order < r.bindings[j].order
		}
		return r.bindings[i].seq < r.bindings[j].seq
	})
}

// HandleError registers a handler for errors returned by routed Services whose terror code is prefixed by code. The
// handler's response is returned in place of the error, with the original error attached as its Cause.
//
// Handlers are tried in registration order.
func (r *Router) HandleError(code string, h ErrorHandler) {
	r.m.Lock()
	defer r.m.Unlock()
	r.handlers = append(r.handlers, errorBinding{
		code:    code,
		handler: h})
}

// lookup is the internal version of Lookup, but it skips extracting path parameters if params is nil.
func (r *Router) lookup(method, path string, params map[string]string) (Service, string, bool) {
	r.m.RLock()
	defer r.m.RUnlock()
	if r.mux == nil {
		return nil, "", false
	}

	// Find reports the pattern as registered; RoutePattern would trim any trailing slash
	rctx := chi.NewRouteContext()
	pattern := r.mux.Find(rctx, method, path)
	if pattern == "" {
		return nil, "", false
	}
	svc := r.svcs[method+pattern]
	if svc == nil {
		return nil, "", false
	}

	if params != nil {
		for i, k := range rctx.URLParams.Keys {
			params[k] = rctx.URLParams.Values[i]
		}
	}
	return svc, pattern, true
}

// Lookup returns the Service, pattern, and extracted path parameters for the HTTP method and path.
func (r *Router) Lookup(method, path string) (Service, string, map[string]string, bool) {
	params := map[string]string{}
	svc, pattern, ok := r.lookup(method, path, params)
	return svc, pattern, params, ok
}

// filtersFor returns the filters bound to the method and path, outermost first.
func (r *Router) filtersFor(method, path string) []Filter {
	r.m.RLock()
	defer r.m.RUnlock()
	var fs []Filter
	for _, b := range r.bindings {
		if b.matches(method, path) {
			fs = append(fs, b.filter)
		}
	}
	return fs
}

func (r *Router) errorHandler(err error) ErrorHandler {
	r.m.RLock()
	defer r.m.RUnlock()
	for _, h := range r.handlers {
		if terrors.PrefixMatches(err, h.code) {
			return h.handler
		}
	}
	return nil
}

// dispatch routes the request to its Service and applies any error handlers to the result.
func (r *Router) dispatch(req Request) Response {
	svc, _, ok := r.lookup(req.Method, req.URL.Path, nil)
	if !ok {
		txt := fmt.Sprintf("No handler for %s %s", req.Method, req.URL.Path)
		rsp := NewResponse(req)
		rsp.Error = terrors.NotFound("no_handler", txt, nil)
		return rsp
	}

	rsp := svc(req)
	if rsp.Error == nil {
		return rsp
	}
	h := r.errorHandler(rsp.Error)
	if h == nil {
		return rsp
	}
	handled := h(req, rsp.Error)
	handled.Cause = rsp.Error
	if handled.Request == nil {
		handled.Request = &req
	}
	return handled
}

// Serve returns a Service which will route inbound requests to the enclosed routes, through any filters bound to
// their path.
func (r *Router) Serve() Service {
	return func(req Request) Response {
		fs := r.filtersFor(req.Method, req.URL.Path)
		if len(fs) == 0 {
			return r.dispatch(req)
		}
		return Chain(fs...)(req, r.dispatch)
	}
}

// Pattern returns the registered pattern which matches the given request.
func (r *Router) Pattern(req Request) string {
	_, pattern, _ := r.lookup(req.Method, req.URL.Path, nil)
	return pattern
}

// Params returns extracted path parameters, assuming the request has been routed and has captured parameters.
func (r *Router) Params(req Request) map[string]string {
	_, _, params, _ := r.Lookup(req.Method, req.URL.Path)
	return params
}

// Sugar

// GET is shorthand for Register("GET", pattern, svc).
func (r *Router) GET(pattern string, svc Service) { r.Register("GET", pattern, svc) }

// CONNECT is shorthand for Register("CONNECT", pattern, svc).
func (r *Router) CONNECT(pattern string, svc Service) { r.Register("CONNECT", pattern, svc) }

// DELETE is shorthand for Register("DELETE", pattern, svc).
func (r *Router) DELETE(pattern string, svc Service) { r.Register("DELETE", pattern, svc) }

// HEAD is shorthand for Register("HEAD", pattern, svc).
func (r *Router) HEAD(pattern string, svc Service) { r.Register("HEAD", pattern, svc) }

// OPTIONS is shorthand for Register("OPTIONS", pattern, svc).
func (r *Router) OPTIONS(pattern string, svc Service) { r.Register("OPTIONS", pattern, svc) }

// PATCH is shorthand for Register("PATCH", pattern, svc).
func (r *Router) PATCH(pattern string, svc Service) { r.Register("PATCH", pattern, svc) }

// POST is shorthand for Register("POST", pattern, svc).
func (r *Router) POST(pattern string, svc Service) { r.Register("POST", pattern, svc) }

// PUT is shorthand for Register("PUT", pattern, svc).
func (r *Router) PUT(pattern string, svc Service) { r.Register("PUT", pattern, svc) }

// TRACE is shorthand for Register("TRACE", pattern, svc).
func (r *Router) TRACE(pattern string, svc Service) { r.Register("TRACE", pattern, svc) }
