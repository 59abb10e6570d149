// Package suspend registers the /suspend routes, whose handlers fail when called without the context they need, and
// the recorder bound to IllegalWithContextPath that captures what those failures look like to a filter.
package suspend

import (
	"fmt"
	"net/http"

	"github.com/monzo/tap"
	"github.com/monzo/tap/observe"
	"github.com/monzo/terrors"
)

const (
	// ErrIllegalState is the terror code of errors raised by the suspend handlers when they're called in a state they
	// can't handle, such as without the context they need.
	ErrIllegalState = "illegal_state"

	// IllegalWithContextPath is the path the recorder returned by Register is bound to.
	IllegalWithContextPath = "/suspend/illegalWithContext"

	// IllegalStateBody is the body of responses produced by the illegal_state error handler.
	IllegalStateBody = "illegal.state"
)

// requiredKey is the context value the /suspend/illegal* handlers insist on, and never get.
type requiredKey struct{}

// Register registers the suspend routes on r, along with an error handler that turns illegal_state errors into 200
// responses, and binds a new Recorder to IllegalWithContextPath.
func Register(r *tap.Router) *observe.Recorder {
	r.GET("/suspend/greet", greet)
	r.GET("/suspend/illegal", illegal)
	r.GET(IllegalWithContextPath, illegalWithContext)
	r.HandleError(ErrIllegalState, onIllegalState)

	rec := &observe.Recorder{}
	r.Filter(IllegalWithContextPath, rec.Filter)
	return rec
}

func greet(req tap.Request) tap.Response {
	name := req.URL.Query().Get("name")
	if name == "" {
		rsp := tap.NewResponse(req)
		rsp.Error = terrors.BadRequest("missing_param", "name is required", nil)
		return rsp
	}
	rsp := tap.NewResponse(req)
	rsp.Header.Set("Content-Type", "text/plain")
	rsp.Write([]byte("Hello " + name))
	return rsp
}

func illegal(req tap.Request) tap.Response {
	rsp := tap.NewResponse(req)
	rsp.Error = terrors.New(ErrIllegalState, "illegal", nil)
	return rsp
}

// illegalWithContext fails once it has looked in the request's context for a value that isn't there.
func illegalWithContext(req tap.Request) tap.Response {
	rsp := tap.NewResponse(req)
	v := req.Value(requiredKey{})
	if v == nil {
		rsp.Error = terrors.New(ErrIllegalState, "no context", map[string]string{
			"path": req.URL.Path})
		return rsp
	}
	rsp.Header.Set("Content-Type", "text/plain")
	fmt.Fprint(rsp.Writer(), v)
	return rsp
}

func onIllegalState(req tap.Request, err error) tap.Response {
	rsp := tap.NewResponseWithCode(req, http.StatusOK)
	rsp.Header.Set("Content-Type", "text/plain")
	rsp.Write([]byte(IllegalStateBody))
	return rsp
}
