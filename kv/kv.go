// Package kv builds the redis client list for a set of independent lock
// servers. Each URL names one server; the returned clients preserve input
// order, and every process coordinating over the same server set must use
// the same ordering.
package kv

import (
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/hashicorp/go-rootcerts"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"

	"github.com/CSenshi/redis-kit/logging"
)

var logger = logging.New("kv")

var errNoServers = errors.New("kv: at least one server URL is required")

// ClientOption configures every client built by Clients.
type ClientOption interface {
	apply(*redis.Options, *clientConfig) error
}

type clientConfig struct {
	tracing bool
}

type clientOptionFunc func(*redis.Options, *clientConfig) error

func (fn clientOptionFunc) apply(opts *redis.Options, cfg *clientConfig) error {
	return fn(opts, cfg)
}

// WithPoolSize sets the connection pool size for each server's client.
func WithPoolSize(size int) ClientOption {
	return clientOptionFunc(func(opts *redis.Options, _ *clientConfig) error {
		if size <= 0 {
			return fmt.Errorf("kv: pool size must be positive, got %d", size)
		}
		opts.PoolSize = size
		return nil
	})
}

// WithCACert verifies rediss:// servers against the certificates in the
// given CA file instead of the system roots. Servers reached over plain
// redis:// are unaffected.
func WithCACert(caFile string) ClientOption {
	return clientOptionFunc(func(opts *redis.Options, _ *clientConfig) error {
		if opts.TLSConfig == nil {
			return nil
		}

		pool, err := rootcerts.LoadCACerts(&rootcerts.Config{CAFile: caFile})
		if err != nil {
			return fmt.Errorf("kv: failed to load certs from CA file %q: %w", caFile, err)
		}

		opts.TLSConfig.RootCAs = pool
		opts.TLSConfig.MinVersion = tls.VersionTLS12
		return nil
	})
}

// WithTracing instruments each client with OpenTelemetry tracing using the
// globally registered tracer provider.
func WithTracing() ClientOption {
	return clientOptionFunc(func(_ *redis.Options, cfg *clientConfig) error {
		cfg.tracing = true
		return nil
	})
}

// Clients parses one redis:// or rediss:// URL per lock server and returns
// the clients in input order. Listing the same server twice would silently
// weaken the quorum, so duplicate URLs are rejected.
func Clients(urls []string, opts ...ClientOption) ([]redis.Cmdable, error) {
	log := logger.Sugar()

	if len(urls) == 0 {
		return nil, errNoServers
	}

	seen := make(map[string]struct{}, len(urls))
	clients := make([]redis.Cmdable, 0, len(urls))
	for _, url := range urls {
		if _, ok := seen[url]; ok {
			return nil, fmt.Errorf("kv: duplicate server URL %q", url)
		}
		seen[url] = struct{}{}

		options, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("kv: failed to parse server URL: %w", err)
		}

		var cfg clientConfig
		for _, opt := range opts {
			if err := opt.apply(options, &cfg); err != nil {
				return nil, err
			}
		}

		client := redis.NewClient(options)
		if cfg.tracing {
			if err := redisotel.InstrumentTracing(client); err != nil {
				return nil, fmt.Errorf("kv: failed to instrument client: %w", err)
			}
		}

		log.Debugw("configured lock server client", "addr", options.Addr, "db", options.DB)
		clients = append(clients, client)
	}

	return clients, nil
}
