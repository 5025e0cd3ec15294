package middleware

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTestClient connects to a local Redis instance or skips the test.
func redisTestClient(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skip("Redis not available, skipping integration test")
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// TestRedisRateLimitStore_Allow tests the Redis rate limiter with a real Redis instance.
// This test requires a Redis instance running on localhost:6379.
// Skip this test if Redis is not available.
func TestRedisRateLimitStore_Allow(t *testing.T) {
	client := redisTestClient(t)

	store := NewRedisRateLimitStore(client)
	config := RateLimitConfig{
		RequestsPerWindow: 5,
		WindowDuration:    time.Minute,
	}

	testKey := "test-redis-key-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	ctx := context.Background()
	defer client.Del(ctx, "ratelimit:"+testKey)

	// Requests are allowed up to the limit with a decreasing remainder
	for i := 0; i < 5; i++ {
		allowed, remaining, _ := store.Allow(ctx, testKey, config)
		if !allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
		if want := 5 - (i + 1); remaining != want {
			t.Errorf("request %d: remaining = %d, want %d", i+1, remaining, want)
		}
	}

	// The 6th request is blocked with a sensible Retry-After
	allowed, remaining, retryAfter := store.Allow(ctx, testKey, config)
	if allowed {
		t.Error("6th request should be blocked")
	}
	if remaining != 0 {
		t.Errorf("remaining should be 0 when blocked, got %d", remaining)
	}
	if retryAfter <= 0 || retryAfter > 60 {
		t.Errorf("expected retryAfter between 1 and 60, got %d", retryAfter)
	}
}

// TestRedisRateLimitStore_DifferentKeys tests that different keys have independent limits.
func TestRedisRateLimitStore_DifferentKeys(t *testing.T) {
	client := redisTestClient(t)

	store := NewRedisRateLimitStore(client)
	config := RateLimitConfig{
		RequestsPerWindow: 2,
		WindowDuration:    time.Minute,
	}

	ctx := context.Background()
	suffix := strconv.FormatInt(time.Now().UnixNano(), 10)
	keyA := "test-key-a-" + suffix
	keyB := "test-key-b-" + suffix
	defer client.Del(ctx, "ratelimit:"+keyA, "ratelimit:"+keyB)

	// Exhaust key A
	for i := 0; i < 2; i++ {
		if allowed, _, _ := store.Allow(ctx, keyA, config); !allowed {
			t.Fatalf("key A request %d should be allowed", i+1)
		}
	}
	if allowed, _, _ := store.Allow(ctx, keyA, config); allowed {
		t.Error("key A should be rate limited")
	}

	// Key B still has its full quota
	if allowed, _, _ := store.Allow(ctx, keyB, config); !allowed {
		t.Error("key B should be allowed despite key A being limited")
	}
}

// TestRedisRateLimitStore_WindowExpiry tests that limits reset after the window expires.
func TestRedisRateLimitStore_WindowExpiry(t *testing.T) {
	client := redisTestClient(t)

	store := NewRedisRateLimitStore(client)
	config := RateLimitConfig{
		RequestsPerWindow: 1,
		WindowDuration:    time.Second,
	}

	ctx := context.Background()
	testKey := "test-expiry-key-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	defer client.Del(ctx, "ratelimit:"+testKey)

	if allowed, _, _ := store.Allow(ctx, testKey, config); !allowed {
		t.Fatal("first request should be allowed")
	}
	if allowed, _, _ := store.Allow(ctx, testKey, config); allowed {
		t.Fatal("second request should be blocked")
	}

	// Wait out the window
	time.Sleep(1100 * time.Millisecond)

	if allowed, _, _ := store.Allow(ctx, testKey, config); !allowed {
		t.Error("request after window expiry should be allowed")
	}
}

// TestRedisRateLimitStore_FailOpen tests that the store fails open on Redis errors.
func TestRedisRateLimitStore_FailOpen(t *testing.T) {
	// Create a client with invalid address to simulate connection failure
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:9999", // Invalid port
	})
	defer client.Close()

	store := NewRedisRateLimitStore(client)
	config := RateLimitConfig{
		RequestsPerWindow: 5,
		WindowDuration:    time.Minute,
	}

	// Should fail open and allow the request despite Redis being unavailable
	allowed, _, retryAfter := store.Allow(context.Background(), "test-key", config)
	if !allowed {
		t.Error("should fail open and allow request when Redis is unavailable")
	}
	if retryAfter != 0 {
		t.Errorf("retryAfter should be 0 on fail-open, got %d", retryAfter)
	}
}
