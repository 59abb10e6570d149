package tap

import (
	"context"
	"strconv"
	"time"

	"github.com/monzo/terrors"
)

// TimeoutFilter bounds the time a service may take to respond. A Timeout header on the request (in milliseconds)
// takes precedence over defaultTimeout.
//
// When the timeout elapses the request's context is cancelled and a timeout error returned, without waiting for the
// service to finish.
func TimeoutFilter(defaultTimeout time.Duration) Filter {
	return func(req Request, svc Service) Response {
		timeout := defaultTimeout
		if t, err := strconv.Atoi(req.Header.Get("Timeout")); err == nil {
			timeout = time.Duration(t) * time.Millisecond
		}
		if timeout <= 0 {
			return svc(req)
		}

		ctx, cancel := context.WithTimeout(req.Context, timeout)
		defer cancel()
		req.Context = ctx

		rspChan := make(chan Response, 1)
		go func() {
			rspChan <- svc(req)
		}()

		select {
		case rsp := <-rspChan:
			return rsp
		case <-ctx.Done():
			rsp := NewResponse(req)
			rsp.Error = terrors.Timeout("", "Request timed out", map[string]string{
				"timeout": timeout.String()})
			return rsp
		}
	}
}
