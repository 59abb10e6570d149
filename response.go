package tap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	legacyproto "github.com/golang/protobuf/proto"
	"github.com/monzo/terrors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// A Response is a wrapper around http.Response, used by both clients and servers.
//
// Responses are not safe to access or mutate concurrently. If a single Response is to be used by multiple goroutines,
// callers must synchronise accesses themselves.
type Response struct {
	*http.Response
	// Error is set when the response represents a failure. ErrorFilter serialises it onto the wire.
	Error error
	// Cause is an error that was recovered from while producing the response, typically by an error handler
	// registered with Router.HandleError. It is in-process metadata only and is never sent over the network.
	Cause   error
	Request *Request // The Request that we are responding to
}

// AttachedError returns the error attached to the response while it was produced, or nil if there is none. A failure
// (Error) takes precedence over a handled Cause.
func (r Response) AttachedError() error {
	if r.Error != nil {
		return r.Error
	}
	return r.Cause
}

// Encode serialises the passed object into the body (and sets appropriate headers).
//
// proto.Messages are sent as protobuf wire format if the request asked for it in its Accept header, or as protobuf
// JSON otherwise. Everything else is JSON.
func (r *Response) Encode(v interface{}) {
	if r.Response == nil {
		r.Response = newHTTPResponse(Request{}, http.StatusOK)
	}

	switch v := v.(type) {
	case proto.Message:
		if r.acceptsProtobuf() {
			r.EncodeAsProtobuf(v)
		} else {
			r.EncodeAsProtobufJSON(v)
		}
		return
	case legacyproto.Message:
		if r.acceptsProtobuf() {
			r.encodeProtobufBytes(legacyproto.Marshal(v))
			return
		}
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

	r.EncodeAsJSON(v)
}

func (r *Response) acceptsProtobuf() bool {
	return r.Request != nil && strings.Contains(r.Request.Header.Get("Accept"), "application/protobuf")
}

// EncodeAsJSON writes the response as JSON. This is the default encoding type when using Encode.
func (r *Response) EncodeAsJSON(v interface{}) {
	if err := json.NewEncoder(r).Encode(v); err != nil {
		r.Error = terrors.Wrap(err, nil)
		return
	}
	r.Header.Set("Content-Type", "application/json")
}

// EncodeAsProtobuf writes the passed message as protobuf wire format into the body.
func (r *Response) EncodeAsProtobuf(m proto.Message) {
	r.encodeProtobufBytes(proto.Marshal(m))
}

func (r *Response) encodeProtobufBytes(b []byte, err error) {
	if err != nil {
		r.Error = terrors.Wrap(err, nil)
		return
	}
	if _, err := r.Write(b); err != nil {
		r.Error = terrors.Wrap(err, nil)
		return
	}
	r.Header.Set("Content-Type", "application/protobuf")
}

// EncodeAsProtobufJSON writes well-formed protobuf JSON to the response.
// See https://developers.google.com/protocol-buffers/docs/proto3#json for more info.
func (r *Response) EncodeAsProtobufJSON(m proto.Message) {
	b, err := protojson.Marshal(m)
	if err != nil {
		r.Error = terrors.Wrap(err, nil)
		return
	}
	if _, err := r.Write(b); err != nil {
		r.Error = terrors.Wrap(err, nil)
		return
	}
	r.Header.Set("Content-Type", "application/json")
}

// Decode de-serialises the body into the passed object. If the response carries an Error, that is returned instead.
func (r *Response) Decode(v interface{}) error {
	if r.Error != nil {
		return r.Error
	}
	if r.Response == nil {
		r.Error = terrors.InternalService("", "Response has no body", nil)
		return r.Error
	}

	b, err := r.BodyBytes(true)
	if err != nil {
		r.Error = terrors.WrapWithCode(err, nil, terrors.ErrBadResponse)
		return r.Error
	}

	contentType := r.Header.Get("Content-Type")
	switch m := v.(type) {
	// proto.Messages are decoded from protobuf JSON unless signalled otherwise, so timestamps and enums survive.
	case proto.Message:
		if isProtobuf(contentType) {
			err = proto.Unmarshal(b, m)
		} else {
			err = protojson.Unmarshal(b, m)
		}
	case legacyproto.Message:
		if isProtobuf(contentType) {
			err = legacyproto.Unmarshal(b, m)
		} else {
			err = json.Unmarshal(b, m)
		}
	default:
		err = json.Unmarshal(b, v)
	}

	if err != nil {
		r.Error = terrors.WrapWithCode(err, nil, terrors.ErrBadResponse)
		return r.Error
	}
	return nil
}

// Write writes the passed bytes to the response's body.
func (r *Response) Write(b []byte) (int, error) {
	if r.Response == nil {
		r.Response = newHTTPResponse(Request{}, http.StatusOK)
	}
	return appendBody(&r.Body, &r.ContentLength, b)
}

// BodyBytes fully reads the response body and returns the bytes read. If consume is false, the body is copied into a
// new buffer such that it may be read again.
func (r *Response) BodyBytes(consume bool) ([]byte, error) {
	if r.Response == nil {
		return nil, nil
	}
	return readBody(&r.Body, consume)
}

// A ResponseWriter fills in a Response through the http.ResponseWriter interface, so code written against net/http
// can produce one.
type ResponseWriter interface {
	http.ResponseWriter
	// WriteJSON encodes v into the body, as Response.Encode does.
	WriteJSON(v interface{})
	// WriteError marks the Response as failed with err.
	WriteError(err error)
}

// Writer returns a ResponseWriter backed by r. Headers and body go straight into r, and WriteHeader sets its status.
func (r *Response) Writer() ResponseWriter {
	if r.Response == nil {
		r.Response = newHTTPResponse(Request{}, http.StatusOK)
	}
	return (*responseWriter)(r)
}

type responseWriter Response

func (w *responseWriter) rsp() *Response { return (*Response)(w) }
func (w *responseWriter) Header() http.Header { return w.Response.Header }
func (w *responseWriter) Write(b []byte) (int, error) { return w.rsp().Write(b) }
func (w *responseWriter) WriteHeader(status int) { w.StatusCode = status }
func (w *responseWriter) WriteJSON(v interface{}) { w.rsp().Encode(v) }
func (w *responseWriter) WriteError(err error) { w.Error = err }

func (r Response) String() string {
	b := new(bytes.Buffer)
	fmt.Fprint(b, "Response(")
	if r.Response != nil {
		fmt.Fprintf(b, "%d", r.StatusCode)
	} else {
		fmt.Fprint(b, "???")
	}
	if r.Error != nil {
		fmt.Fprintf(b, ", error: %v", r.Error)
	}
	if r.Cause != nil {
		fmt.Fprintf(b, ", cause: %v", r.Cause)
	}
	fmt.Fprint(b, ")")
	return b.String()
}

func newHTTPResponse(req Request, statusCode int) *http.Response {
	return &http.Response{
		StatusCode:    statusCode,
		Proto:         req.Proto,
		ProtoMajor:    req.ProtoMajor,
		ProtoMinor:    req.ProtoMinor,
		ContentLength: 0,
		Header:        make(http.Header, 5),
		Body:          &bufCloser{}}
}

// NewResponse constructs a Response with status code 200.
func NewResponse(req Request) Response {
	return NewResponseWithCode(req, http.StatusOK)
}

// NewResponseWithCode constructs a Response with the given status code.
func NewResponseWithCode(req Request, statusCode int) Response {
	return Response{
		Request:  &req,
		Response: newHTTPResponse(req, statusCode)}
}
