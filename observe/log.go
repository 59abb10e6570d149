package observe

import (
	"github.com/monzo/slog"
	"github.com/monzo/tap"
)

// Log returns a filter which logs every response it observes. Responses with an attached error are logged at warning
// level, along with the error.
func Log(msg string) tap.Filter {
	return Func(func(req tap.Request, rsp tap.Response) {
		status := 0
		if rsp.Response != nil {
			status = rsp.StatusCode
		}
		if err := rsp.AttachedError(); err != nil {
			slog.Warn(req, "%s: %s %s -> %d, error: %v", msg, req.Method, req.URL.Path, status, err)
			return
		}
		slog.Info(req, "%s: %s %s -> %d", msg, req.Method, req.URL.Path, status)
	})
}
