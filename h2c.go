package tap

import (
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// WithH2C returns a server option which adds HTTP/2 cleartext support to the server, both by upgrade (RFC 7540
// Section 3.2) and with prior knowledge (Section 3.4). Connections that don't use h2c are served as HTTP/1.
//
// Connections using h2c do not respect the timeouts set by WithTimeout.
func WithH2C() ServerOption {
	return func(s *Server) {
		s.srv.Handler = h2c.NewHandler(s.srv.Handler, &http2.Server{})
	}
}
