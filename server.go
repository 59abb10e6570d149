package tap

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/monzo/slog"
)

// A Server serves a Service over HTTP until it is stopped.
type Server struct {
	l        net.Listener
	srv      *http.Server
	stopping chan struct{}
	stopOnce sync.Once
	hooksM   sync.Mutex
	hooks    []func(context.Context)
}

// A ServerOption customises a Server before it starts serving.
type ServerOption func(*Server)

// Listener returns the listener the server accepts connections on.
func (s *Server) Listener() net.Listener {
	return s.l
}

// Done returns a channel which is closed as soon as the server starts stopping, before it has finished draining.
func (s *Server) Done() <-chan struct{} {
	return s.stopping
}

// OnStop registers f to be called by Stop once the server has stopped serving requests. Hooks run one after another,
// in the order they were registered, and are passed Stop's context: they should give up when it expires.
//
// Hooks registered after Stop has been called are never run.
func (s *Server) OnStop(f func(context.Context)) {
	s.hooksM.Lock()
	defer s.hooksM.Unlock()
	s.hooks = append(s.hooks, f)
}

// Stop stops the server. In-flight requests are allowed to finish until ctx expires, after which their connections
// are closed. Then the OnStop hooks are run. Stop returns once they all have; calling it again is a no-op.
func (s *Server) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		close(s.stopping)
		if err := s.srv.Shutdown(ctx); err != nil {
			slog.Debug(ctx, "Server didn't drain in time, closing connections: %v", err)
			if err := s.srv.Close(); err != nil {
				slog.Error(ctx, "Failed to close connections: %v", err)
			}
		}

		s.hooksM.Lock()
		hooks := s.hooks
		s.hooks = nil
		s.hooksM.Unlock()
		for _, f := range hooks {
			f(ctx)
		}
	})
}

// Serve serves svc on l in the background.
func Serve(svc Service, l net.Listener, opts ...ServerOption) (*Server, error) {
	s := &Server{
		l:        l,
		stopping: make(chan struct{})}
	s.srv = &http.Server{
		Handler:        HttpHandler(svc),
		MaxHeaderBytes: http.DefaultMaxHeaderBytes}
	for _, opt := range opts {
		opt(s)
	}

	go func() {
		if err := s.srv.Serve(l); err != nil && err != http.ErrServerClosed {
			slog.Error(nil, "Server on %v failed: %v", l.Addr(), err)
			// Nothing left to drain
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			s.Stop(ctx)
		}
	}()
	return s, nil
}

// Listen serves svc on addr in the background. See listenAddr for how an empty addr is resolved.
func Listen(svc Service, addr string, opts ...ServerOption) (*Server, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", listenAddr(addr))
	if err != nil {
		return nil, err
	}
	l, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, err
	}
	return Serve(svc, l, opts...)
}

// listenAddr picks the address to listen on: addr if set, then LISTEN_ADDR, then PORT on every interface, and
// failing all of those any free port.
func listenAddr(addr string) string {
	if addr != "" {
		return addr
	}
	if env := os.Getenv("LISTEN_ADDR"); env != "" {
		return env
	}
	if port, err := strconv.Atoi(os.Getenv("PORT")); err == nil && port >= 0 {
		return fmt.Sprintf(":%d", port)
	}
	return ":0"
}

// TimeoutOptions are the http.Server timeouts set by WithTimeout. Zero leaves a timeout unset.
type TimeoutOptions struct {
	Read       time.Duration
	ReadHeader time.Duration
	Write      time.Duration
	Idle       time.Duration
}

// WithTimeout applies timeouts to the server's connections. They don't apply to connections served by WithH2C.
func WithTimeout(opts TimeoutOptions) ServerOption {
	return func(s *Server) {
		s.srv.ReadTimeout = opts.Read
		s.srv.ReadHeaderTimeout = opts.ReadHeader
		s.srv.WriteTimeout = opts.Write
		s.srv.IdleTimeout = opts.Idle
	}
}

type connStartKey struct{}

// WithMaxConnectionAge asks clients to reconnect once their connection is older than maxAge: the next response on it
// carries "Connection: close". Connections left idle are not closed, so may live past maxAge.
func WithMaxConnectionAge(maxAge time.Duration) ServerOption {
	return func(s *Server) {
		connContext := s.srv.ConnContext
		s.srv.ConnContext = func(ctx context.Context, c net.Conn) context.Context {
			if connContext != nil {
				ctx = connContext(ctx, c)
			}
			return context.WithValue(ctx, connStartKey{}, time.Now())
		}

		next := s.srv.Handler
		s.srv.Handler = http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			start, ok := r.Context().Value(connStartKey{}).(time.Time)
			if ok && time.Since(start) > maxAge {
				rw.Header().Set("Connection", "close")
			}
			next.ServeHTTP(rw, r)
		})
	}
}
