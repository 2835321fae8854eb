// Package memory is an in-process resource backend. Resources live in
// collections addressed by their parent path; revisions are integers that
// start at 1 and grow with every change.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ggoodman/jsonresource-go/contexts"
	"github.com/ggoodman/jsonresource-go/internal/logctx"
	"github.com/ggoodman/jsonresource-go/resource"
)

const (
	fieldID       = "_id"
	fieldRevision = "_rev"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("connection is closed")

// ActionFunc implements a named action.
type ActionFunc func(ctx context.Context, rc contexts.Context, req *resource.ActionRequest) (*resource.ActionResponse, error)

type Option func(*Store)

// WithAction registers fn under name. Actions are looked up by name only,
// whatever the request path.
func WithAction(name string, fn ActionFunc) Option {
	return func(s *Store) { s.actions[name] = fn }
}

// WithResourceVersion sets the version reported with every result.
func WithResourceVersion(v resource.Version) Option {
	return func(s *Store) { s.version = v }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = logctx.Wrap(l) }
}

type record struct {
	rev     int
	content map[string]any
}

// Store holds every collection. It implements resource.ConnectionProvider;
// connections are cheap views onto the shared store.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]*record

	actions map[string]ActionFunc
	version resource.Version
	log     *slog.Logger
}

var _ resource.ConnectionProvider = (*Store)(nil)

func NewStore(opts ...Option) *Store {
	s := &Store{
		collections: make(map[string]map[string]*record),
		actions:     make(map[string]ActionFunc),
		log:         logctx.Wrap(slog.Default()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Connection(_ context.Context, id string) (resource.Connection, error) {
	return &connection{store: s, id: id}, nil
}

func (s *Store) ConnectionID(c resource.Connection) (string, error) {
	mc, ok := c.(*connection)
	if !ok {
		return "", fmt.Errorf("connection %T does not belong to this store", c)
	}
	return mc.id, nil
}

// Put stores content at collection/id, replacing any existing resource.
func (s *Store) Put(collection, id string, content map[string]any) (*resource.ResourceResponse, error) {
	path, err := resource.ParsePath(collection)
	if err != nil {
		return nil, err
	}
	c, err := normalize(content)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rev := 1
	if old, ok := s.collection(path.String())[id]; ok {
		rev = old.rev + 1
	}
	return s.store(path.String(), id, rev, c), nil
}

// Seed loads resources from YAML shaped as collection -> id -> content:
//
//	users:
//	  alice: {name: Alice, age: 30}
func (s *Store) Seed(r io.Reader) (int, error) {
	var doc map[string]map[string]map[string]any
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, fmt.Errorf("decode seed: %w", err)
	}
	n := 0
	for collection, resources := range doc {
		for id, content := range resources {
			if _, err := s.Put(collection, id, content); err != nil {
				return n, fmt.Errorf("seed %s/%s: %w", collection, id, err)
			}
			n++
		}
	}
	return n, nil
}

// collection returns the named collection, creating it. Callers hold mu.
func (s *Store) collection(name string) map[string]*record {
	c, ok := s.collections[name]
	if !ok {
		c = make(map[string]*record)
		s.collections[name] = c
	}
	return c
}

// store writes a record and returns its response. Callers hold mu.
func (s *Store) store(collection, id string, rev int, content map[string]any) *resource.ResourceResponse {
	content[fieldID] = id
	content[fieldRevision] = strconv.Itoa(rev)
	rec := &record{rev: rev, content: content}
	s.collection(collection)[id] = rec
	return s.response(id, rec)
}

func (s *Store) response(id string, rec *record) *resource.ResourceResponse {
	return &resource.ResourceResponse{
		ID:                 id,
		Revision:           strconv.Itoa(rec.rev),
		Content:            deepCopy(rec.content).(map[string]any),
		ResourceAPIVersion: s.version,
	}
}

// normalize round-trips content through JSON so numbers are float64 and
// maps are map[string]any regardless of where content came from.
func normalize(content map[string]any) (map[string]any, error) {
	b, err := json.Marshal(content)
	if err != nil {
		return nil, resource.NewBadRequest("content is not valid JSON: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, resource.NewBadRequest("content is not valid JSON: %v", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}

func newID() string { return uuid.NewString() }
