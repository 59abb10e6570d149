package tap

import (
	"context"
	"errors"

	"github.com/monzo/terrors"
)

// ExpirationFilter turns away requests whose context has already ended: nobody is waiting for their response. The
// error's "reason" param says whether the caller cancelled or the deadline passed.
func ExpirationFilter(req Request, svc Service) Response {
	err := req.unwrappedContext().Err()
	if err == nil {
		return svc(req)
	}

	reason := "cancelled"
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "deadline_exceeded"
	}
	rsp := NewResponse(req)
	rsp.Error = terrors.BadRequest("expired", "Request has expired", map[string]string{
		"reason": reason})
	return rsp
}
