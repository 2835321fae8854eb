package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/jsonresource-go/storage"
)

func newStore(t *testing.T, max int) *Storage {
	t.Helper()
	s, err := New(max)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetAndGet(t *testing.T) {
	s := newStore(t, 100)
	ctx := context.Background()

	data := []byte(`{"type":"root","id":"r1","parent":null}`)
	if err := s.Set(ctx, "r1", data); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	// Mutating the caller's slice must not change the stored copy.
	data[0] = 'X'

	item, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item == nil {
		t.Fatal("Get() returned nil item")
	}
	if string(item.Data) != `{"type":"root","id":"r1","parent":null}` {
		t.Fatalf("Get() returned wrong data: %s", item.Data)
	}
	if item.ExpiresAt != nil {
		t.Fatalf("expected no expiry, got %v", item.ExpiresAt)
	}
}

func TestEmptyKeyIsInvalid(t *testing.T) {
	s := newStore(t, 10)
	if err := s.Set(context.Background(), "", []byte("x")); !errors.Is(err, storage.ErrInvalidOptions) {
		t.Fatalf("Set(\"\") = %v, want ErrInvalidOptions", err)
	}
	if _, err := s.Get(context.Background(), ""); !errors.Is(err, storage.ErrInvalidOptions) {
		t.Fatalf("Get(\"\") = %v, want ErrInvalidOptions", err)
	}
}

func TestConnectionNamespaceIsolation(t *testing.T) {
	s := newStore(t, 100)
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("global")); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "k", []byte("users"), storage.WithConnection("users")); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "k", []byte("files"), storage.WithConnection("files")); err != nil {
		t.Fatal(err)
	}

	for ns, want := range map[string]string{"": "global", "users": "users", "files": "files"} {
		var opts []storage.Option
		if ns != "" {
			opts = append(opts, storage.WithConnection(ns))
		}
		item, err := s.Get(ctx, "k", opts...)
		if err != nil || item == nil {
			t.Fatalf("Get(%q) = %v, %v", ns, item, err)
		}
		if string(item.Data) != want {
			t.Fatalf("namespace %q: got %s, want %s", ns, item.Data, want)
		}
	}
}

func TestTTL(t *testing.T) {
	s := newStore(t, 100)
	ctx := context.Background()

	if err := s.Set(ctx, "short", []byte("x"), storage.WithTTL(20*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	item, err := s.Get(ctx, "short")
	if err != nil || item == nil {
		t.Fatalf("expected item before expiry, got %v, %v", item, err)
	}
	if item.ExpiresAt == nil {
		t.Fatal("expected an expiry time")
	}

	time.Sleep(50 * time.Millisecond)
	item, err = s.Get(ctx, "short")
	if err != nil {
		t.Fatal(err)
	}
	if item != nil {
		t.Fatal("expected expired item to be gone")
	}
}

func TestZeroTTLNeverExpires(t *testing.T) {
	s := newStore(t, 10)
	if err := s.Set(context.Background(), "k", []byte("x"), storage.WithTTL(0)); err != nil {
		t.Fatal(err)
	}
	item, _ := s.Get(context.Background(), "k")
	if item == nil || item.ExpiresAt != nil {
		t.Fatalf("expected a non-expiring item, got %+v", item)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	s, err := newWithSweep(10, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Set(context.Background(), "k", []byte("x"), storage.WithTTL(time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		s.mu.RLock()
		n := s.cache.Len()
		s.mu.RUnlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expired item was not swept")
}

func TestDeleteKey(t *testing.T) {
	s := newStore(t, 100)
	ctx := context.Background()

	_ = s.Set(ctx, "a", []byte("1"), storage.WithConnection("users"))
	_ = s.Set(ctx, "b", []byte("2"), storage.WithConnection("users"))

	if err := s.Delete(ctx, storage.WithConnection("users"), storage.WithKey("a")); err != nil {
		t.Fatal(err)
	}
	if item, _ := s.Get(ctx, "a", storage.WithConnection("users")); item != nil {
		t.Fatal("expected a to be deleted")
	}
	if item, _ := s.Get(ctx, "b", storage.WithConnection("users")); item == nil {
		t.Fatal("expected b to survive")
	}
}

func TestDeleteNamespace(t *testing.T) {
	s := newStore(t, 100)
	ctx := context.Background()

	_ = s.Set(ctx, "a", []byte("1"), storage.WithConnection("users"))
	_ = s.Set(ctx, "b", []byte("2"), storage.WithConnection("users"))
	_ = s.Set(ctx, "a", []byte("3"), storage.WithConnection("files"))
	_ = s.Set(ctx, "a", []byte("4"))

	if err := s.Delete(ctx, storage.WithConnection("users")); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"a", "b"} {
		if item, _ := s.Get(ctx, k, storage.WithConnection("users")); item != nil {
			t.Fatalf("expected users/%s to be deleted", k)
		}
	}
	if item, _ := s.Get(ctx, "a", storage.WithConnection("files")); item == nil {
		t.Fatal("expected files/a to survive")
	}
	if item, _ := s.Get(ctx, "a"); item == nil {
		t.Fatal("expected global a to survive")
	}
}

func TestEviction(t *testing.T) {
	s := newStore(t, 2)
	ctx := context.Background()

	_ = s.Set(ctx, "a", []byte("1"))
	_ = s.Set(ctx, "b", []byte("2"))
	_ = s.Set(ctx, "c", []byte("3"))

	if item, _ := s.Get(ctx, "a"); item != nil {
		t.Fatal("expected least recently used entry to be evicted")
	}
}

func TestNotFound(t *testing.T) {
	s := newStore(t, 10)
	item, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatal(err)
	}
	if item != nil {
		t.Fatal("expected nil item")
	}
}
