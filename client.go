package tap

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/monzo/slog"
	"github.com/monzo/terrors"
)

var (
	// Client is used to send all requests by default. It can be overridden globally but MUST only be done before use
	// takes place; access is not synchronised.
	Client Service = BareClient

	httpClientTransport http.RoundTripper = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 10 * time.Minute}).DialContext,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       10 * time.Minute,
		ResponseHeaderTimeout: time.Minute,
		ForceAttemptHTTP2:     true}
)

// A ResponseFuture represents an asynchronous operation producing a Response.
type ResponseFuture struct {
	cancel context.CancelFunc
	done   <-chan struct{} // guards access to r
	r      Response
}

// WaitC returns a channel which is closed when the response is available.
func (f *ResponseFuture) WaitC() <-chan struct{} {
	return f.done
}

// Response blocks until the response is available and returns it.
func (f *ResponseFuture) Response() Response {
	<-f.WaitC()
	return f.r
}

// Cancel cancels the request's context. The Response still needs to be waited for.
func (f *ResponseFuture) Cancel() {
	f.cancel()
}

// HttpService returns a Service which sends requests via the given net/http RoundTripper.
// Only use this if you need to do something custom at the transport level.
//
// Response bodies are read in their entirety, except when they are chunked: those are streamed, and must be closed by
// the caller.
func HttpService(rt http.RoundTripper) Service {
	return func(req Request) Response {
		httpRsp, err := rt.RoundTrip(req.Request.WithContext(req.Context))
		if err != nil {
			return Response{
				Request: &req,
				Error:   terrors.Wrap(err, nil)}
		}

		if httpRsp.Body != nil && httpRsp.ContentLength >= 0 {
			buf, err := io.ReadAll(httpRsp.Body)
			httpRsp.Body.Close()
			if err != nil {
				slog.Warn(req, "Error reading response body: %v", err)
				return Response{
					Request:  &req,
					Response: httpRsp,
					Error:    terrors.WrapWithCode(err, nil, terrors.ErrBadResponse)}
			}
			httpRsp.Body = &bufCloser{*bytes.NewBuffer(buf)}
		}

		return Response{
			Request:  &req,
			Response: httpRsp}
	}
}

// BareClient sends requests over the network without any filters.
func BareClient(req Request) Response {
	return HttpService(httpClientTransport)(req)
}

// SendVia round-trips the request via the passed Service. It does not block, instead returning a ResponseFuture
// representing the asynchronous operation to produce the response.
func SendVia(req Request, svc Service) *ResponseFuture {
	ctx, cancel := context.WithCancel(req.unwrappedContext())
	req.Context = ctx
	done := make(chan struct{})
	f := &ResponseFuture{
		done:   done,
		cancel: cancel}
	go func() {
		defer close(done)
		f.r = svc(req)
		// Streamed bodies still need the context; it's cancelled when they are closed
		if f.r.Response != nil && f.r.Body != nil && f.r.ContentLength < 0 {
			f.r.Body = &cancelOnClose{ReadCloser: f.r.Body, cancel: cancel}
		} else {
			cancel()
		}
	}()
	return f
}

// Send round-trips the request via the default Client.
func Send(req Request) *ResponseFuture {
	return SendVia(req, Client)
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}
