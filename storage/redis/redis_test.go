package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/jsonresource-go/storage"
)

// newTestStorage connects to a local redis or skips the test.
func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   2,
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.FlushDB(context.Background()) })

	s, err := New(Config{Client: client, KeyPrefix: "test:storage:"})
	if err != nil {
		t.Fatalf("Failed to create Redis storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected an error without a client")
	}
}

func TestBuildKey(t *testing.T) {
	s := &Storage{keyPrefix: defaultKeyPrefix}
	if got := s.buildKey(nil, "k"); got != "resourced:storage:global:k" {
		t.Fatalf("global key = %q", got)
	}
	if got := s.buildKey(storage.ConnectionNamespace{ConnectionID: "users"}, "k"); got != "resourced:storage:conn:users:k" {
		t.Fatalf("connection key = %q", got)
	}
}

func TestRedisStorage(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := s.Set(ctx, "k", []byte("v")); err != nil {
			t.Fatalf("Set() failed: %v", err)
		}
		item, err := s.Get(ctx, "k")
		if err != nil || item == nil {
			t.Fatalf("Get() = %v, %v", item, err)
		}
		if string(item.Data) != "v" || item.CreatedAt.IsZero() || item.ExpiresAt != nil {
			t.Fatalf("unexpected item %+v", item)
		}
	})

	t.Run("GetNonExistent", func(t *testing.T) {
		item, err := s.Get(ctx, "missing")
		if err != nil || item != nil {
			t.Fatalf("Get(missing) = %v, %v", item, err)
		}
	})

	t.Run("TTL", func(t *testing.T) {
		if err := s.Set(ctx, "ttl", []byte("v"), storage.WithTTL(100*time.Millisecond)); err != nil {
			t.Fatal(err)
		}
		item, err := s.Get(ctx, "ttl")
		if err != nil || item == nil || item.ExpiresAt == nil {
			t.Fatalf("expected item with expiry, got %+v, %v", item, err)
		}
		time.Sleep(150 * time.Millisecond)
		if item, _ := s.Get(ctx, "ttl"); item != nil {
			t.Fatal("expected expired item to be gone")
		}
	})

	t.Run("Namespaces", func(t *testing.T) {
		_ = s.Set(ctx, "ns", []byte("global"))
		_ = s.Set(ctx, "ns", []byte("users"), storage.WithConnection("users"))
		item, _ := s.Get(ctx, "ns", storage.WithConnection("users"))
		if item == nil || string(item.Data) != "users" {
			t.Fatalf("users namespace: %+v", item)
		}
		if item, _ := s.Get(ctx, "ns", storage.WithConnection("files")); item != nil {
			t.Fatal("expected files namespace to be empty")
		}
	})

	t.Run("DeleteNamespace", func(t *testing.T) {
		for _, k := range []string{"a", "b", "c"} {
			_ = s.Set(ctx, k, []byte(k), storage.WithConnection("gone"))
		}
		_ = s.Set(ctx, "a", []byte("kept"))
		if err := s.Delete(ctx, storage.WithConnection("gone")); err != nil {
			t.Fatal(err)
		}
		for _, k := range []string{"a", "b", "c"} {
			if item, _ := s.Get(ctx, k, storage.WithConnection("gone")); item != nil {
				t.Fatalf("expected %s to be deleted", k)
			}
		}
		if item, _ := s.Get(ctx, "a"); item == nil {
			t.Fatal("expected global a to survive")
		}
	})

	t.Run("DeleteKey", func(t *testing.T) {
		_ = s.Set(ctx, "del", []byte("v"))
		if err := s.Delete(ctx, storage.WithKey("del")); err != nil {
			t.Fatal(err)
		}
		if item, _ := s.Get(ctx, "del"); item != nil {
			t.Fatal("expected del to be deleted")
		}
	})
}
