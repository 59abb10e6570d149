// Package observe provides filters which watch the responses flowing through a Service without changing them.
//
// Every filter here calls the rest of the chain exactly once per request and returns its response untouched: they
// never short-circuit, retry or transform. What they differ in is how the observation is handed over:
//
//   - Recorder keeps the last response and its attached error in two plain fields, for tests which own the
//     filter for the duration of a single request.
//   - Func calls a function with each request and response.
//   - Chan sends each observation on a channel, which Drain can consume.
//
// Filters are bound to a path with tap.Router.Filter:
//
//	rec := &observe.Recorder{}
//	router.Filter("/suspend/illegalWithContext", rec.Filter)
package observe

import (
	"context"
	"sync"

	"github.com/monzo/slog"
	"github.com/monzo/tap"
)

// An Observation is a response seen by a filter, together with the request that produced it and the error attached to
// the response (nil if there was none).
type Observation struct {
	Request  tap.Request
	Response tap.Response
	Error    error
}

// Recorder is a filter which records the last response that passed through it, and the error attached to it.
//
// Both fields are zero until a response has been observed, and are overwritten (never cleared) by each subsequent
// one. They are not synchronised: a Recorder shared by concurrent requests races. Use Func or Chan where a filter
// may see more than one request at a time.
type Recorder struct {
	// Response is the last response returned by the chain.
	Response tap.Response
	// Error is the error attached to Response, or nil.
	Error error
}

// Filter calls the chain, records its response and returns it unchanged.
func (r *Recorder) Filter(req tap.Request, svc tap.Service) tap.Response {
	rsp := svc(req)
	r.Response = rsp
	r.Error = rsp.AttachedError()
	return rsp
}

// Func returns a filter which calls fn with every request and the response the chain produced for it. fn runs after
// the chain has returned and before the response is passed back to the caller; the response it is given must not be
// modified.
func Func(fn func(req tap.Request, rsp tap.Response)) tap.Filter {
	return func(req tap.Request, svc tap.Service) tap.Response {
		rsp := svc(req)
		fn(req, rsp)
		return rsp
	}
}

// Chan returns a filter which sends an Observation for every response on c. If the request's context is done before
// the observation is received, it is dropped.
func Chan(c chan<- Observation) tap.Filter {
	return Func(func(req tap.Request, rsp tap.Response) {
		o := Observation{
			Request:  req,
			Response: rsp,
			Error:    rsp.AttachedError()}
		select {
		case c <- o:
		case <-req.Done():
			slog.Debug(req, "Dropping observation of %v: %v", rsp, req.Err())
		}
	})
}

// Drain calls fn with every observation received on c, from a goroutine of its own, until c is closed or the returned
// stop function is called. Stopping handles whatever is already buffered in c first; stop returns when that is done,
// or when its context expires.
//
// stop has the signature of tap.Server.OnStop hooks, which run once the server has no requests left to observe.
func Drain(c <-chan Observation, fn func(Observation)) (stop func(context.Context)) {
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case o, ok := <-c:
				if !ok {
					return
				}
				fn(o)
			case <-quit:
				for {
					select {
					case o, ok := <-c:
						if !ok {
							return
						}
						fn(o)
					default:
						return
					}
				}
			}
		}
	}()

	var once sync.Once
	return func(ctx context.Context) {
		once.Do(func() { close(quit) })
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
}
