// Package test provides shared helpers for redis-kit tests.
package test

import (
	"context"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func Context(t testing.TB) context.Context {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return ctx
}

// MiniRedis starts one in-process redis server and returns it with a
// connected client.
func MiniRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = rdb.Close() })

	return mr, rdb
}

// MiniRedisQuorum starts n independent in-process redis servers, the shape
// a quorum lock runs against. Servers and clients are index-aligned.
func MiniRedisQuorum(t testing.TB, n int) ([]*miniredis.Miniredis, []redis.Cmdable) {
	t.Helper()

	servers := make([]*miniredis.Miniredis, n)
	clients := make([]redis.Cmdable, n)
	for i := range servers {
		servers[i], clients[i] = MiniRedis(t)
	}

	return servers, clients
}

// Redis returns a client for the real redis server named by REDIS_URL,
// skipping the test when it is unset. The database is flushed first.
func Redis(ctx context.Context, t testing.TB) *redis.Client {
	t.Helper()

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL is not set")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("failed to parse redis url: %v", err)
	}

	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })

	if err := rdb.FlushDB(ctx).Err(); err != nil {
		t.Fatal("failed to flush db")
	}

	return rdb
}
