package tap

import (
	"context"
	"io"
	"net/http"

	"github.com/monzo/slog"
)

// HttpHandler adapts a Service to an http.Handler. The request's context is cancelled when the client goes away or
// the handler returns.
func HttpHandler(svc Service) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, httpReq *http.Request) {
		ctx, cancel := context.WithCancel(httpReq.Context())
		defer cancel() // if already cancelled on escape, this is a no-op

		if httpReq.Body != nil {
			defer httpReq.Body.Close()
		}

		req := Request{
			Context: ctx,
			Request: *httpReq.WithContext(ctx)}
		rsp := svc(req)
		if rsp.Response == nil {
			rsp.Response = newHTTPResponse(req, http.StatusOK)
		}

		// Write the response out to the wire
		for k, v := range rsp.Header {
			if k == "Content-Length" {
				continue
			}
			rw.Header()[k] = v
		}
		rw.WriteHeader(rsp.StatusCode)
		if rsp.Body == nil {
			return
		}
		defer rsp.Body.Close()
		if _, err := copyChunked(rw, rsp.Body); err != nil {
			slog.Error(req, "Error copying response body: %v", err)
		}
	})
}

// copyChunked copies src to dst, flushing after every write so that streamed bodies reach the client as they're
// produced.
func copyChunked(dst io.Writer, src io.Reader) (int64, error) {
	flusher, ok := dst.(http.Flusher)
	if !ok {
		return io.Copy(dst, src)
	}

	// Go's http2 implementation doesn't write response headers until at least one byte of the body is available;
	// flushing forces them out
	flusher.Flush()

	var written int64
	buf := make([]byte, 32*1024)
	for {
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[:nr])
			written += int64(nw)
			if ew != nil {
				return written, ew
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
			flusher.Flush()
		}
		if er == io.EOF {
			return written, nil
		} else if er != nil {
			return written, er
		}
	}
}
