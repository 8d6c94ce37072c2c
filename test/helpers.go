// Package test provides shared helpers for the package test suites.
package test

import (
	"context"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"
)

// Context returns a context canceled when the test ends.
func Context(t testing.TB) context.Context {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return ctx
}

// MiniRedis returns an in-process Redis and a client connected to it, both
// torn down when the test ends.
func MiniRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = rdb.Close() })

	return mr, rdb
}

// Redis returns a client for the real Redis named by REDIS_URL, with its
// database flushed, or skips the test if REDIS_URL is not set.
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

// Prefix returns a key prefix unique to this test run, so suites sharing a
// Redis database cannot collide.
func Prefix(t testing.TB) string {
	t.Helper()

	return "dirq-" + ksuid.New().String()
}
