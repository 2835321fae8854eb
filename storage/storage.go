// Package storage is a small key/value byte store with optional namespaces
// and expiry. It backs persisted request contexts.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage is implemented by storage/memory and storage/redis.
type Storage interface {
	// Get returns the item stored under key, or nil if it is absent or
	// expired. An error means the backend itself failed.
	Get(ctx context.Context, key string, opts ...Option) (*StorageItem, error)

	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes the key given with WithKey, or the whole namespace when
	// no key is given.
	Delete(ctx context.Context, opts ...Option) error

	Close() error
}

type StorageItem struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil = no expiration
}

func (si *StorageItem) IsExpired() bool {
	return si.ExpiresAt != nil && time.Now().After(*si.ExpiresAt)
}

type Option func(*Options)

type Options struct {
	Namespace Namespace // nil = global
	Key       *string
	TTL       *time.Duration
}

// Namespace scopes keys. Only types in this package implement it.
type Namespace interface {
	namespace()
}

// ConnectionNamespace scopes keys to one resource connection.
type ConnectionNamespace struct {
	ConnectionID string
}

func (ConnectionNamespace) namespace() {}

func WithConnection(connectionID string) Option {
	return func(opts *Options) {
		opts.Namespace = ConnectionNamespace{ConnectionID: connectionID}
	}
}

func WithKey(key string) Option {
	return func(opts *Options) {
		opts.Key = &key
	}
}

// WithTTL expires the stored data after ttl. Non-positive values mean no
// expiry.
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		if ttl > 0 {
			opts.TTL = &ttl
		}
	}
}

// Resolve applies opts.
func Resolve(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

var ErrInvalidOptions = errors.New("storage: invalid option combination")
