package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/monzo/slog"
	"github.com/monzo/tap"
	"github.com/monzo/tap/internal/config"
	"github.com/monzo/tap/internal/suspend"
	"github.com/monzo/tap/observe"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	ctx := context.Background()
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Critical(ctx, "Failed to load config: %v", err)
		os.Exit(1)
	}

	router := &tap.Router{}
	suspend.Register(router)
	router.Filter("/**", observe.Log("Observed"), tap.FilterOrder(-1))
	observations := make(chan observe.Observation, 64)
	router.Filter("/suspend/**", observe.Chan(observations))
	stopReporting := observe.Drain(observations, reportRecovered)

	svc := router.Serve().
		Filter(tap.TimeoutFilter(cfg.Request.Timeout)).
		Filter(tap.ExpirationFilter).
		Filter(tap.ErrorFilter)

	opts := []tap.ServerOption{
		tap.WithTimeout(tap.TimeoutOptions{
			Read:       cfg.Server.ReadTimeout,
			ReadHeader: cfg.Server.ReadHeaderTimeout,
			Write:      cfg.Server.WriteTimeout,
			Idle:       cfg.Server.IdleTimeout})}
	if cfg.Server.MaxConnectionAge > 0 {
		opts = append(opts, tap.WithMaxConnectionAge(cfg.Server.MaxConnectionAge))
	}
	if cfg.Server.H2C {
		opts = append(opts, tap.WithH2C())
	}

	srv, err := tap.Listen(svc, cfg.Server.Addr, opts...)
	if err != nil {
		slog.Critical(ctx, "Failed to listen: %v", err)
		os.Exit(1)
	}
	srv.OnStop(stopReporting)
	srv.OnStop(func(context.Context) {
		if l := slog.DefaultLogger(); l != nil {
			l.Flush()
		}
	})
	slog.Info(ctx, "Listening on %v", srv.Listener().Addr())

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-done:
		slog.Info(ctx, "Received %v; shutting down", sig)
	case <-srv.Done():
	}

	stopCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	srv.Stop(stopCtx)
}

// reportRecovered logs the suspend responses that were produced by recovering from an error.
func reportRecovered(o observe.Observation) {
	if o.Error == nil || o.Response.Error != nil || o.Response.Response == nil {
		return
	}
	slog.Info(o.Request, "Recovered %s %s with %d: %v", o.Request.Method, o.Request.URL.Path, o.Response.StatusCode,
		o.Error)
}
