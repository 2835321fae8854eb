package fsconn

import (
	"context"
	"encoding/base64"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ggoodman/jsonresource-go/contexts"
	"github.com/ggoodman/jsonresource-go/internal/queryeval"
	"github.com/ggoodman/jsonresource-go/resource"
)

const (
	fieldID      = "_id"
	fieldContent = "content"
	fieldSize    = "size"
)

var ErrClosed = errors.New("connection is closed")

type connection struct {
	p      *Provider
	id     string
	closed atomic.Bool
}

var _ resource.Connection = (*connection)(nil)

func (c *connection) Create(_ context.Context, _ contexts.Context, req *resource.CreateRequest) (*resource.ResourceResponse, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	id := req.NewResourceID
	if id == "" {
		id = uuid.NewString()
	}
	rel, abs, err := c.p.resolve(req.ResourcePath().Child(id))
	if err != nil {
		return nil, err
	}
	if err := c.p.containParent(rel, abs); err != nil {
		return nil, err
	}
	data, err := decodeContent(req.Content)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, resource.NewInternalError(err)
	}
	f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil, resource.NewPreconditionFailed("file %s already exists", rel)
	}
	if err != nil {
		return nil, resource.NewInternalError(err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return nil, resource.NewInternalError(err)
	}
	if err := f.Close(); err != nil {
		return nil, resource.NewInternalError(err)
	}
	c.p.forget(rel)
	return c.p.result(id, rel, abs, data)
}

func (c *connection) Read(_ context.Context, _ contexts.Context, req *resource.ReadRequest) (*resource.ResourceResponse, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	rel, abs, err := c.p.resolve(req.ResourcePath())
	if err != nil {
		return nil, err
	}
	real, err := c.p.contain(rel, abs)
	if err != nil {
		return nil, err
	}
	data, err := readFile(real, rel)
	if err != nil {
		return nil, err
	}
	return c.p.result(req.ResourcePath().Leaf(), rel, real, data)
}

func (c *connection) Update(_ context.Context, _ contexts.Context, req *resource.UpdateRequest) (*resource.ResourceResponse, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	rel, abs, err := c.p.resolve(req.ResourcePath())
	if err != nil {
		return nil, err
	}
	real, err := c.p.contain(rel, abs)
	if err != nil {
		return nil, err
	}
	if _, err := c.p.check(rel, real, req.Revision); err != nil {
		return nil, err
	}
	data, err := decodeContent(req.Content)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(real, data, 0o644); err != nil {
		return nil, resource.NewInternalError(err)
	}
	return c.p.result(req.ResourcePath().Leaf(), rel, real, data)
}

func (c *connection) Delete(_ context.Context, _ contexts.Context, req *resource.DeleteRequest) (*resource.ResourceResponse, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	rel, abs, err := c.p.resolve(req.ResourcePath())
	if err != nil {
		return nil, err
	}
	real, err := c.p.contain(rel, abs)
	if err != nil {
		return nil, err
	}
	rev, err := c.p.check(rel, real, req.Revision)
	if err != nil {
		return nil, err
	}
	data, err := readFile(real, rel)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(abs); err != nil {
		return nil, resource.NewInternalError(err)
	}
	c.p.forget(rel)
	return &resource.ResourceResponse{
		ID:                 req.ResourcePath().Leaf(),
		Revision:           strconv.Itoa(rev),
		Content:            map[string]any{fieldContent: base64.RawURLEncoding.EncodeToString(data)},
		ResourceAPIVersion: c.p.version,
	}, nil
}

func (c *connection) Patch(context.Context, contexts.Context, *resource.PatchRequest) (*resource.ResourceResponse, error) {
	return nil, resource.NewNotSupported("files cannot be patched")
}

func (c *connection) Action(_ context.Context, _ contexts.Context, req *resource.ActionRequest) (*resource.ActionResponse, error) {
	return nil, resource.NewNotSupported("action %q is not supported", req.Action)
}

// Query lists the files directly inside the directory at the request path.
func (c *connection) Query(ctx context.Context, _ contexts.Context, req *resource.QueryRequest, handler resource.QueryResourceHandler) (*resource.QueryResponse, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if req.QueryID != "" || req.QueryExpression != "" {
		return nil, resource.NewNotSupported("only query filters are supported")
	}
	dirRel, dir, err := c.p.resolve(req.ResourcePath())
	if err != nil {
		return nil, err
	}
	dir, err = c.p.contain(dirRel, dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, resource.NewNotFound("directory %s not found", req.ResourcePath())
	}
	if err != nil {
		return nil, resource.NewInternalError(err)
	}

	all := make([]*resource.ResourceResponse, 0, len(entries))
	for _, de := range entries {
		// Links are not followed, so they are not listed either.
		if de.IsDir() || de.Type()&fs.ModeSymlink != 0 {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		rel := de.Name()
		if dirRel != "" {
			rel = dirRel + "/" + de.Name()
		}
		all = append(all, &resource.ResourceResponse{
			ID:                 de.Name(),
			Revision:           strconv.Itoa(c.p.touch(rel, fi)),
			Content:            map[string]any{fieldID: de.Name(), fieldSize: float64(fi.Size())},
			ResourceAPIVersion: c.p.version,
		})
	}

	page, err := queryeval.Apply(all, req)
	if err != nil {
		return nil, err
	}
	for _, res := range page.Results {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !handler(res) {
			break
		}
	}
	page.Response.ResourceAPIVersion = c.p.version
	return page.Response, nil
}

func (c *connection) Close() error {
	if c.closed.Swap(true) {
		return ErrClosed
	}
	return nil
}

// resolve maps a resource path onto the file system. It returns the
// slash-separated path relative to the root and the absolute file name.
func (p *Provider) resolve(path resource.ResourcePath) (string, string, error) {
	segs := path.Segments()
	for _, s := range segs {
		if s == "." || s == ".." || strings.ContainsAny(s, "/\\\x00") {
			return "", "", resource.NewBadRequest("invalid path segment %q", s)
		}
	}
	rel := strings.Join(segs, "/")
	return rel, filepath.Join(p.root, filepath.FromSlash(rel)), nil
}

// contain resolves symlinks in abs and returns the real path. Anything that
// resolves outside the root reads as missing.
func (p *Provider) contain(rel, abs string) (string, error) {
	real, err := filepath.EvalSymlinks(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return "", resource.NewNotFound("%s not found", displayPath(rel))
	}
	if err != nil {
		return "", resource.NewInternalError(err)
	}
	if !within(real, p.root) {
		p.log.Warn("fsconn.escape", slog.String("path", rel), slog.String("real", real))
		return "", resource.NewNotFound("%s not found", displayPath(rel))
	}
	return real, nil
}

// containParent checks that the nearest existing ancestor of abs resolves
// inside the root, so that creating abs cannot write through a link.
func (p *Provider) containParent(rel, abs string) error {
	dir := filepath.Dir(abs)
	for {
		real, err := filepath.EvalSymlinks(dir)
		if err == nil {
			if !within(real, p.root) {
				p.log.Warn("fsconn.escape", slog.String("path", rel), slog.String("real", real))
				return resource.NewNotFound("parent of %s not found", displayPath(rel))
			}
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return resource.NewInternalError(err)
		}
		if dir == p.root || !within(dir, p.root) {
			return resource.NewNotFound("parent of %s not found", displayPath(rel))
		}
		dir = filepath.Dir(dir)
	}
}

// within reports whether target is root or below it.
func within(target, root string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

func displayPath(rel string) string {
	if rel == "" {
		return "/"
	}
	return rel
}

// check verifies that the file exists and carries the expected revision.
func (p *Provider) check(rel, abs, revision string) (int, error) {
	fi, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, resource.NewNotFound("file %s not found", rel)
	}
	if err != nil {
		return 0, resource.NewInternalError(err)
	}
	if fi.IsDir() {
		return 0, resource.NewBadRequest("%s is a directory", rel)
	}
	rev := p.touch(rel, fi)
	if revision != "" && revision != strconv.Itoa(rev) {
		return 0, resource.NewPreconditionFailed("expected revision %s of %s but found %d", revision, rel, rev)
	}
	return rev, nil
}

func (p *Provider) result(id, rel, abs string, data []byte) (*resource.ResourceResponse, error) {
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, resource.NewInternalError(err)
	}
	return &resource.ResourceResponse{
		ID:                 id,
		Revision:           strconv.Itoa(p.touch(rel, fi)),
		Content:            map[string]any{fieldContent: base64.RawURLEncoding.EncodeToString(data)},
		ResourceAPIVersion: p.version,
	}, nil
}

func readFile(abs, rel string) ([]byte, error) {
	fi, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, resource.NewNotFound("file %s not found", rel)
	}
	if err != nil {
		return nil, resource.NewInternalError(err)
	}
	if fi.IsDir() {
		return nil, resource.NewBadRequest("%s is a directory; query it instead", rel)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, resource.NewInternalError(err)
	}
	return data, nil
}

// decodeContent extracts the file bytes from {"content": <base64url>}.
func decodeContent(content map[string]any) ([]byte, error) {
	s, ok := content[fieldContent].(string)
	if !ok {
		return nil, resource.NewBadRequest("content must carry a base64url %q string", fieldContent)
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, resource.NewBadRequest("content is not valid base64url: %v", err)
	}
	return data, nil
}
