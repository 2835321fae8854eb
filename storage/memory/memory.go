// Package memory is an in-process storage.Storage backed by an LRU cache
// from github.com/hashicorp/golang-lru/v2.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ggoodman/jsonresource-go/storage"
)

const defaultSweepInterval = 5 * time.Minute

type Storage struct {
	mu    sync.RWMutex
	cache *lru.Cache[string, *storage.StorageItem]

	stop     chan struct{}
	stopOnce sync.Once
}

// New returns a store holding at most maxItems entries; the least recently
// used entry is evicted first.
func New(maxItems int) (*Storage, error) {
	return newWithSweep(maxItems, defaultSweepInterval)
}

func newWithSweep(maxItems int, every time.Duration) (*Storage, error) {
	cache, err := lru.New[string, *storage.StorageItem](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	s := &Storage{cache: cache, stop: make(chan struct{})}
	go s.sweepExpired(every)
	return s, nil
}

func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.StorageItem, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", storage.ErrInvalidOptions)
	}
	options := storage.Resolve(opts...)
	storageKey := buildKey(options.Namespace, key)

	s.mu.RLock()
	item, exists := s.cache.Get(storageKey)
	s.mu.RUnlock()
	if !exists {
		return nil, nil
	}
	if item.IsExpired() {
		s.mu.Lock()
		s.cache.Remove(storageKey)
		s.mu.Unlock()
		return nil, nil
	}
	return item, nil
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", storage.ErrInvalidOptions)
	}
	options := storage.Resolve(opts...)

	now := time.Now()
	item := &storage.StorageItem{
		Data:      append([]byte(nil), data...),
		CreatedAt: now,
	}
	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		item.ExpiresAt = &expiresAt
	}

	s.mu.Lock()
	s.cache.Add(buildKey(options.Namespace, key), item)
	s.mu.Unlock()
	return nil
}

func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.Resolve(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if options.Key != nil {
		s.cache.Remove(buildKey(options.Namespace, *options.Key))
		return nil
	}
	prefix := namespacePrefix(options.Namespace)
	for _, key := range s.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.cache.Remove(key)
		}
	}
	return nil
}

// Close drops every entry and stops the expiry sweep.
func (s *Storage) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

func buildKey(namespace storage.Namespace, key string) string {
	return namespacePrefix(namespace) + "key:" + key
}

func namespacePrefix(namespace storage.Namespace) string {
	switch ns := namespace.(type) {
	case storage.ConnectionNamespace:
		return fmt.Sprintf("conn:%s:", ns.ConnectionID)
	case nil:
		return "global:"
	default:
		return "unknown:"
	}
}

func (s *Storage) sweepExpired(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		now := time.Now()
		for _, key := range s.cache.Keys() {
			if item, ok := s.cache.Peek(key); ok && item.ExpiresAt != nil && now.After(*item.ExpiresAt) {
				s.cache.Remove(key)
			}
		}
		s.mu.Unlock()
	}
}

var _ storage.Storage = (*Storage)(nil)
