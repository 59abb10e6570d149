package tap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	legacyproto "github.com/golang/protobuf/proto"
	"github.com/monzo/terrors"
	"google.golang.org/protobuf/proto"
)

// A Request is a wrapper around http.Request, used by both clients and servers. It is also a context.Context, so it
// can be passed anywhere a context is expected.
//
// Requests are not safe to mutate concurrently.
type Request struct {
	http.Request
	context.Context
	err error // Any error from request construction; read by ErrorFilter
}

// unwrappedContext returns the innermost Context of the request. Requests are often used as the parent context of
// child requests; the context package can only chain cancellation efficiently between its own types.
func (r *Request) unwrappedContext() context.Context {
	switch c := r.Context.(type) {
	case nil:
		return context.Background()
	case Request:
		return c.unwrappedContext()
	case *Request:
		return c.unwrappedContext()
	default:
		return c
	}
}

// Encode maps to EncodeAsJSON
func (r *Request) Encode(v interface{}) {
	r.EncodeAsJSON(v)
}

// EncodeAsJSON serialises the passed object as JSON into the body (and sets appropriate headers).
func (r *Request) EncodeAsJSON(v interface{}) {
	// Readers which aren't also json.Marshalers are used as the body directly
	switch v := v.(type) {
	case json.Marshaler:
	case io.ReadCloser:
		r.Body = v
		r.ContentLength = -1
		return
	case io.Reader:
		r.Body = io.NopCloser(v)
		r.ContentLength = -1
		return
	}

	if err := json.NewEncoder(r).Encode(v); err != nil {
		r.err = terrors.Wrap(err, nil)
		return
	}
	r.Header.Set("Content-Type", "application/json")
}

// EncodeAsProtobuf serialises the passed message as protobuf wire format into the body.
func (r *Request) EncodeAsProtobuf(m proto.Message) {
	b, err := proto.Marshal(m)
	if err != nil {
		r.err = terrors.Wrap(err, nil)
		return
	}
	if _, err := r.Write(b); err != nil {
		r.err = terrors.Wrap(err, nil)
		return
	}
	r.Header.Set("Content-Type", "application/protobuf")
}

// Decode de-serialises the body into the passed object.
func (r Request) Decode(v interface{}) error {
	b, err := r.BodyBytes(true)
	if err != nil {
		return terrors.WrapWithCode(err, nil, terrors.ErrBadRequest)
	}

	if isProtobuf(r.Header.Get("Content-Type")) {
		switch m := v.(type) {
		case proto.Message:
			err = proto.Unmarshal(b, m)
		case legacyproto.Message:
			err = legacyproto.Unmarshal(b, m)
		default:
			return terrors.InternalService("invalid_type", "could not decode proto message", nil)
		}
	} else {
		err = json.Unmarshal(b, v)
	}
	return terrors.WrapWithCode(err, nil, terrors.ErrBadRequest)
}

// Write writes the passed bytes to the request's body.
func (r *Request) Write(b []byte) (int, error) {
	return appendBody(&r.Body, &r.ContentLength, b)
}

// BodyBytes fully reads the request body and returns the bytes read.
//
// If consume is true, this is equivalent to io.ReadAll; if false, the caller will observe the body to be in the same
// state that it was before (ie. any remaining unread body can be read again).
func (r *Request) BodyBytes(consume bool) ([]byte, error) {
	return readBody(&r.Body, consume)
}

// Send round-trips the request via the default Client. It does not block, instead returning a ResponseFuture
// representing the asynchronous operation to produce the response.
func (r Request) Send() *ResponseFuture {
	return Send(r)
}

// SendVia round-trips the request via the passed Service. It does not block, instead returning a ResponseFuture
// representing the asynchronous operation to produce the response.
func (r Request) SendVia(svc Service) *ResponseFuture {
	return SendVia(r, svc)
}

// Response constructs a new Response to the request, and if non-nil, encodes the given body into it.
func (r Request) Response(body interface{}) Response {
	return r.ResponseWithCode(body, http.StatusOK)
}

// ResponseWithCode constructs a new Response with the given status code to the request, and if non-nil, encodes the
// given body into it.
func (r Request) ResponseWithCode(body interface{}, statusCode int) Response {
	rsp := NewResponseWithCode(r, statusCode)
	if body != nil {
		rsp.Encode(body)
	}
	return rsp
}

func (r Request) String() string {
	if r.URL == nil {
		return "Request(Unknown)"
	}
	return fmt.Sprintf("Request(%s %s://%s%s)", r.Method, r.URL.Scheme, r.Host, r.URL.Path)
}

// NewRequest constructs a new Request with the given parameters, and if non-nil, encodes the given body into it.
func NewRequest(ctx context.Context, method, url string, body interface{}) Request {
	if ctx == nil {
		ctx = context.Background()
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, nil)
	req := Request{
		Context: ctx,
		err:     err}
	if httpReq != nil {
		httpReq.ContentLength = 0
		httpReq.Body = &bufCloser{}
		req.Request = *httpReq
	}
	if body != nil && err == nil {
		req.EncodeAsJSON(body)
	}
	return req
}
