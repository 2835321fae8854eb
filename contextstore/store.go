// Package contextstore persists request context chains so they can be
// inspected after the request that built them has finished.
package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/jsonresource-go/contexts"
	"github.com/ggoodman/jsonresource-go/internal/logctx"
	"github.com/ggoodman/jsonresource-go/resource"
	"github.com/ggoodman/jsonresource-go/resourcehttp"
	"github.com/ggoodman/jsonresource-go/storage"
)

type Option func(*config)

type config struct {
	registry     *contexts.Registry
	connectionID string
	logger       *slog.Logger
}

// WithRegistry sets the registry used to rebuild loaded chains. Defaults to
// contexts.DefaultRegistry().
func WithRegistry(r *contexts.Registry) Option {
	return func(c *config) { c.registry = r }
}

// WithConnectionID keeps saved chains in the storage namespace of one
// connection.
func WithConnectionID(id string) Option {
	return func(c *config) { c.connectionID = id }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// Store saves chains as JSON under their effective id.
type Store struct {
	backend storage.Storage
	cfg     *contexts.Config
	ns      []storage.Option
	log     *slog.Logger
	failer  *resourcehttp.Dispatcher
}

var _ resourcehttp.ContextStore = (*Store)(nil)

func New(backend storage.Storage, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("storage backend is required")
	}
	c := &config{logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = contexts.DefaultRegistry()
	}
	s := &Store{
		backend: backend,
		cfg:     &contexts.Config{Registry: c.registry},
		log:     logctx.Wrap(c.logger),
		failer:  resourcehttp.New(resourcehttp.WithLogger(c.logger)),
	}
	if c.connectionID != "" {
		s.ns = []storage.Option{storage.WithConnection(c.connectionID)}
	}
	return s, nil
}

// Save stores c under contexts.ID(c) for ttl and returns that id. A
// non-positive ttl keeps the chain until it is deleted or evicted.
func (s *Store) Save(ctx context.Context, c contexts.Context, ttl time.Duration) (string, error) {
	id, err := contexts.ID(c)
	if err != nil {
		return "", fmt.Errorf("save context: %w", err)
	}
	b, err := contexts.MarshalJSON(c)
	if err != nil {
		return "", fmt.Errorf("save context %s: %w", id, err)
	}
	opts := append([]storage.Option{storage.WithTTL(ttl)}, s.ns...)
	if err := s.backend.Set(ctx, id, b, opts...); err != nil {
		return "", fmt.Errorf("save context %s: %w", id, err)
	}
	s.log.DebugContext(ctx, "context.save.ok", slog.String("context_id", id))
	return id, nil
}

// Load rebuilds the chain saved under id. A missing or expired chain is a
// 404 *resource.Error.
func (s *Store) Load(ctx context.Context, id string) (contexts.Context, error) {
	item, err := s.backend.Get(ctx, id, s.ns...)
	if err != nil {
		return nil, fmt.Errorf("load context %s: %w", id, err)
	}
	if item == nil {
		return nil, resource.NewNotFound("context %s not found", id)
	}
	c, err := contexts.UnmarshalJSON(item.Data, s.cfg)
	if err != nil {
		return nil, fmt.Errorf("load context %s: %w", id, err)
	}
	return c, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	opts := append([]storage.Option{storage.WithKey(id)}, s.ns...)
	return s.backend.Delete(ctx, opts...)
}

// ServeHTTP answers GET requests for a saved chain. The id is taken from the
// {id} path wildcard.
func (s *Store) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.failer.Fail(nil, w, r, resource.NewError(http.StatusMethodNotAllowed, "method "+r.Method+" is not supported"))
		return
	}
	id := r.PathValue("id")
	if id == "" {
		s.failer.Fail(nil, w, r, resource.NewBadRequest("a context id is required"))
		return
	}
	c, err := s.Load(r.Context(), id)
	if err != nil {
		if !resource.IsNotFound(err) {
			s.log.ErrorContext(r.Context(), "context.load.fail", slog.String("context_id", id), slog.String("err", err.Error()))
		}
		s.failer.Fail(nil, w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(contexts.Serialize(c))
}
