// Package config loads the server configuration: defaults, overridden by an optional YAML file, overridden by
// environment variables prefixed with TAP_.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	env "github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "TAP_"

// Config holds all configuration for the server.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Request RequestConfig `koanf:"request"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr              string        `koanf:"addr"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	MaxConnectionAge  time.Duration `koanf:"max_connection_age"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	H2C               bool          `koanf:"h2c"`
}

// RequestConfig holds per-request settings.
type RequestConfig struct {
	// Timeout bounds how long a request may take. Zero means unbounded.
	Timeout time.Duration `koanf:"timeout"`
}

// Default returns the configuration used for anything not set in a file or the environment. An empty address defers
// to LISTEN_ADDR and PORT.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
			ShutdownTimeout:   20 * time.Second},
		Request: RequestConfig{
			Timeout: 30 * time.Second}}
}

// Load reads the configuration. path may be empty, in which case only the defaults and environment are used.
//
// Environment variables map onto keys by dropping the prefix, lower-casing, and matching against the known keys:
//
//	TAP_SERVER_ADDR         -> server.addr
//	TAP_SERVER_READ_TIMEOUT -> server.read_timeout
//	TAP_REQUEST_TIMEOUT     -> request.timeout
func Load(path string) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	lookup := envLookup()
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
			if koanfKey, ok := lookup[key]; ok {
				return koanfKey, value
			}
			return strings.ReplaceAll(key, "_", "."), value
		},
	}), nil); err != nil {
		return Config{}, fmt.Errorf("loading env vars: %w", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// envLookup maps the env form of every known key ("server_read_timeout") to its koanf form
// ("server.read_timeout"), so underscores within key names aren't mistaken for nesting.
func envLookup() map[string]string {
	keys := []string{
		"server.addr",
		"server.read_timeout",
		"server.read_header_timeout",
		"server.write_timeout",
		"server.idle_timeout",
		"server.max_connection_age",
		"server.shutdown_timeout",
		"server.h2c",
		"request.timeout",
	}
	lookup := make(map[string]string, len(keys))
	for _, key := range keys {
		lookup[strings.ReplaceAll(key, ".", "_")] = key
	}
	return lookup
}

// Validate checks the configuration for values the server can't run with.
func (c Config) Validate() error {
	durations := map[string]time.Duration{
		"server.read_timeout":        c.Server.ReadTimeout,
		"server.read_header_timeout": c.Server.ReadHeaderTimeout,
		"server.write_timeout":       c.Server.WriteTimeout,
		"server.idle_timeout":        c.Server.IdleTimeout,
		"server.max_connection_age":  c.Server.MaxConnectionAge,
		"server.shutdown_timeout":    c.Server.ShutdownTimeout,
		"request.timeout":            c.Request.Timeout,
	}
	var errs []error
	for key, d := range durations {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", key, d))
		}
	}
	return errors.Join(errs...)
}
