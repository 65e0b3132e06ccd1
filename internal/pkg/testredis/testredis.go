// Package testredis connects tests to a local Redis and skips them when none
// is reachable.
package testredis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bicimarket/bicimarket/internal/pkg/env"
)

// isolatedDB keeps test keys away from the application database.
const isolatedDB = 14

// Client returns a flushed client on an isolated DB or skips the test.
func Client(t *testing.T) *redis.Client {
	t.Helper()

	hosts := []string{env.GetEnv("CACHE_HOST", ""), "cache", "localhost"}
	port := env.GetEnv("CACHE_PORT", "6379")
	password := env.GetEnv("CACHE_PASSWORD", "")

	for _, host := range hosts {
		if host == "" {
			continue
		}
		client := redis.NewClient(&redis.Options{
			Addr:        fmt.Sprintf("%s:%s", host, port),
			Password:    password,
			DB:          isolatedDB,
			DialTimeout: 300 * time.Millisecond,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		err := client.Ping(ctx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			continue
		}
		if err := client.FlushDB(context.Background()).Err(); err != nil {
			_ = client.Close()
			t.Skipf("redis at %s:%s not usable: %v", host, port, err)
		}
		t.Cleanup(func() {
			_ = client.FlushDB(context.Background()).Err()
			_ = client.Close()
		})
		return client
	}

	t.Skip("redis not reachable, skipping")
	return nil
}
