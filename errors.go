package tap

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	legacyproto "github.com/golang/protobuf/proto"
	"github.com/monzo/slog"
	"github.com/monzo/terrors"
	terrorsproto "github.com/monzo/terrors/proto"
)

var mapTerr2Status = map[string]int{
	terrors.ErrBadRequest:         http.StatusBadRequest,          // 400
	terrors.ErrBadResponse:        http.StatusNotAcceptable,       // 406
	terrors.ErrForbidden:          http.StatusForbidden,           // 403
	terrors.ErrInternalService:    http.StatusInternalServerError, // 500
	terrors.ErrNotFound:           http.StatusNotFound,            // 404
	terrors.ErrPreconditionFailed: http.StatusPreconditionFailed,  // 412
	terrors.ErrTimeout:            http.StatusGatewayTimeout,      // 504
	terrors.ErrUnauthorized:       http.StatusUnauthorized,        // 401
}

// ErrorStatusCode returns an HTTP status code for the given error.
//
// Errors which aren't terrors, or whose code has no known mapping, are 500 (Internal Server Error).
func ErrorStatusCode(err error) int {
	code := terrors.Wrap(err, nil).(*terrors.Error).Code
	if c, ok := mapTerr2Status[strings.SplitN(code, ".", 2)[0]]; ok {
		return c
	}
	return http.StatusInternalServerError
}

// ErrorFilter serialises and deserialises response errors. Without it, errors are not passed across the network.
//
// On the way out, a Response with an Error (and a status that doesn't already indicate one) has the error marshalled
// into its body as a terror, with its status set from ErrorStatusCode. On the way in, 4xx and 5xx responses have
// their body unmarshalled into Error.
//
// A Response's Cause is never touched: a handled error doesn't make a response a failure.
func ErrorFilter(req Request, svc Service) Response {
	var rsp Response
	if req.err != nil {
		// There is no request to send; short-circuit
		rsp = NewResponse(req)
		rsp.Error = req.err
	} else {
		rsp = svc(req)
		if rsp.Response == nil {
			rsp.Response = newHTTPResponse(req, http.StatusOK)
		}
	}
	if rsp.Request == nil {
		rsp.Request = &req
	}

	switch {
	case rsp.Error != nil && rsp.StatusCode == http.StatusOK:
		marshalError(&rsp)
	case rsp.Error == nil && rsp.StatusCode >= 400 && rsp.StatusCode <= 599:
		rsp.Error = unmarshalError(req, rsp)
	}

	if rsp.Error != nil && rsp.Error.Error() == "" {
		rsp.Error = fmt.Errorf("Response error (%d)", rsp.StatusCode)
	}
	return rsp
}

func marshalError(rsp *Response) {
	if rsp.Body != nil {
		rsp.Body.Close()
	}
	rsp.Body = &bufCloser{}
	rsp.ContentLength = 0
	terr := terrors.Wrap(rsp.Error, nil).(*terrors.Error)
	rsp.Encode(terrors.Marshal(terr))
	rsp.StatusCode = ErrorStatusCode(terr)
	rsp.Header.Set("Terror", "1")
}

func unmarshalError(req Request, rsp Response) error {
	b, _ := rsp.BodyBytes(false)
	if rsp.Header.Get("Terror") != "1" {
		return errors.New(string(b))
	}

	tp := &terrorsproto.Error{}
	var err error
	if isProtobuf(rsp.Header.Get("Content-Type")) {
		err = legacyproto.Unmarshal(b, tp)
	} else {
		err = json.Unmarshal(b, tp)
	}
	if err != nil {
		slog.Warn(req, "Failed to unmarshal terror: %v", err)
		return errors.New(string(b))
	}
	return terrors.Unmarshal(tp)
}
