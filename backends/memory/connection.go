package memory

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/ggoodman/jsonresource-go/contexts"
	"github.com/ggoodman/jsonresource-go/internal/queryeval"
	"github.com/ggoodman/jsonresource-go/resource"
)

// QueryAllIDs lists every resource of a collection with only its id.
const QueryAllIDs = "query-all-ids"

type connection struct {
	store  *Store
	id     string
	closed atomic.Bool
}

var _ resource.Connection = (*connection)(nil)

func (c *connection) Create(ctx context.Context, rc contexts.Context, req *resource.CreateRequest) (*resource.ResourceResponse, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	content, err := normalize(req.Content)
	if err != nil {
		return nil, err
	}
	id := req.NewResourceID
	if id == "" {
		id = newID()
	}
	collection := req.ResourcePath().String()

	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.collection(collection)[id]; exists {
		return nil, resource.NewPreconditionFailed("resource %s already exists in %q", id, collection)
	}
	res := s.store(collection, id, 1, content)
	s.log.DebugContext(ctx, "memory.create.ok", slog.String("collection", collection), slog.String("id", id))
	return res, nil
}

func (c *connection) Read(_ context.Context, _ contexts.Context, req *resource.ReadRequest) (*resource.ResourceResponse, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	collection, id, err := split(req.ResourcePath())
	if err != nil {
		return nil, err
	}
	s := c.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.collections[collection][id]
	if !ok {
		return nil, notFound(req.ResourcePath())
	}
	return s.response(id, rec), nil
}

func (c *connection) Update(ctx context.Context, _ contexts.Context, req *resource.UpdateRequest) (*resource.ResourceResponse, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	collection, id, err := split(req.ResourcePath())
	if err != nil {
		return nil, err
	}
	content, err := normalize(req.Content)
	if err != nil {
		return nil, err
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(collection, id, req.ResourcePath(), req.Revision)
	if err != nil {
		return nil, err
	}
	return s.store(collection, id, rec.rev+1, content), nil
}

func (c *connection) Delete(_ context.Context, _ contexts.Context, req *resource.DeleteRequest) (*resource.ResourceResponse, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	collection, id, err := split(req.ResourcePath())
	if err != nil {
		return nil, err
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(collection, id, req.ResourcePath(), req.Revision)
	if err != nil {
		return nil, err
	}
	delete(s.collections[collection], id)
	return s.response(id, rec), nil
}

func (c *connection) Patch(_ context.Context, _ contexts.Context, req *resource.PatchRequest) (*resource.ResourceResponse, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	collection, id, err := split(req.ResourcePath())
	if err != nil {
		return nil, err
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(collection, id, req.ResourcePath(), req.Revision)
	if err != nil {
		return nil, err
	}
	content := deepCopy(rec.content).(map[string]any)
	for _, op := range req.Operations {
		if err := applyPatch(content, op); err != nil {
			return nil, err
		}
	}
	return s.store(collection, id, rec.rev+1, content), nil
}

func (c *connection) Action(ctx context.Context, rc contexts.Context, req *resource.ActionRequest) (*resource.ActionResponse, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	fn, ok := c.store.actions[req.Action]
	if !ok {
		return nil, resource.NewNotSupported("action %q is not supported", req.Action)
	}
	res, err := fn(ctx, rc, req)
	if err != nil {
		return nil, err
	}
	if res != nil && res.ResourceAPIVersion.IsZero() {
		res.ResourceAPIVersion = c.store.version
	}
	return res, nil
}

func (c *connection) Query(ctx context.Context, _ contexts.Context, req *resource.QueryRequest, handler resource.QueryResourceHandler) (*resource.QueryResponse, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if req.QueryExpression != "" {
		return nil, resource.NewNotSupported("query expressions are not supported")
	}
	idsOnly := false
	switch req.QueryID {
	case "":
	case QueryAllIDs:
		idsOnly = true
	default:
		return nil, resource.NewBadRequest("unknown query id %q", req.QueryID)
	}

	collection := req.ResourcePath().String()
	s := c.store
	s.mu.RLock()
	all := make([]*resource.ResourceResponse, 0, len(s.collections[collection]))
	for id, rec := range s.collections[collection] {
		all = append(all, s.response(id, rec))
	}
	s.mu.RUnlock()

	page, err := queryeval.Apply(all, req)
	if err != nil {
		return nil, err
	}
	for _, res := range page.Results {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if idsOnly {
			res.Content = map[string]any{fieldID: res.ID}
		}
		if !handler(res) {
			break
		}
	}
	page.Response.ResourceAPIVersion = s.version
	return page.Response, nil
}

// Close marks the connection closed. Closing twice is an error.
func (c *connection) Close() error {
	if c.closed.Swap(true) {
		return ErrClosed
	}
	return nil
}

// lookup finds a record and checks the expected revision. Callers hold mu.
func (s *Store) lookup(collection, id string, path resource.ResourcePath, revision string) (*record, error) {
	rec, ok := s.collections[collection][id]
	if !ok {
		return nil, notFound(path)
	}
	if revision != "" && revision != strconv.Itoa(rec.rev) {
		return nil, resource.NewPreconditionFailed("expected revision %s of %s but found %d", revision, path, rec.rev)
	}
	return rec, nil
}

func split(p resource.ResourcePath) (string, string, error) {
	if p.IsEmpty() {
		return "", "", resource.NewBadRequest("a resource id is required")
	}
	return p.Parent().String(), p.Leaf(), nil
}

func notFound(p resource.ResourcePath) error {
	return resource.NewNotFound("resource %s not found", p)
}

func applyPatch(content map[string]any, op resource.PatchOperation) error {
	field := strings.Trim(op.Field, "/")
	if field == "" || field == fieldID || field == fieldRevision {
		return resource.NewBadRequest("field %q cannot be patched", op.Field)
	}
	parts := strings.Split(field, "/")
	switch op.Operation {
	case resource.PatchAdd:
		parent, last, err := container(content, parts, true)
		if err != nil {
			return err
		}
		if arr, ok := parent[last].([]any); ok {
			v := deepCopy(op.Value)
			if vs, ok := v.([]any); ok {
				parent[last] = append(arr, vs...)
			} else {
				parent[last] = append(arr, v)
			}
			return nil
		}
		parent[last] = deepCopy(op.Value)
	case resource.PatchReplace:
		parent, last, err := container(content, parts, true)
		if err != nil {
			return err
		}
		if op.Value == nil {
			delete(parent, last)
			return nil
		}
		parent[last] = deepCopy(op.Value)
	case resource.PatchRemove:
		parent, last, err := container(content, parts, false)
		if err != nil {
			return err
		}
		delete(parent, last)
	case resource.PatchIncrement:
		parent, last, err := container(content, parts, false)
		if err != nil {
			return err
		}
		cur, ok := parent[last].(float64)
		if !ok {
			return resource.NewBadRequest("field %s is not a number", op.Field)
		}
		by, ok := op.Value.(float64)
		if !ok {
			return resource.NewBadRequest("increment of %s needs a numeric value", op.Field)
		}
		parent[last] = cur + by
	case resource.PatchCopy, resource.PatchMove:
		from, ok := queryeval.Resolve(content, op.From)
		if op.From == "" || !ok {
			return resource.NewBadRequest("%s source %q does not exist", op.Operation, op.From)
		}
		from = deepCopy(from)
		if op.Operation == resource.PatchMove {
			if err := applyPatch(content, resource.PatchOperation{Operation: resource.PatchRemove, Field: op.From}); err != nil {
				return err
			}
		}
		return applyPatch(content, resource.PatchOperation{Operation: resource.PatchReplace, Field: op.Field, Value: from})
	default:
		return resource.NewBadRequest("unknown patch operation %q", op.Operation)
	}
	return nil
}

// container walks to the object holding the last path element. With create
// set, missing intermediate objects are added.
func container(content map[string]any, parts []string, create bool) (map[string]any, string, error) {
	cur := content
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			if _, exists := cur[p]; exists || !create {
				return nil, "", resource.NewBadRequest("field %s is not an object", p)
			}
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	return cur, parts[len(parts)-1], nil
}
