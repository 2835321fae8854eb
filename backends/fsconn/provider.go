// Package fsconn serves the files under a directory as resources. A file
// reads as {"content": <base64url>}; its revision is a counter kept in an
// index that Watch keeps current with fsnotify.
package fsconn

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/ggoodman/jsonresource-go/internal/logctx"
	"github.com/ggoodman/jsonresource-go/resource"
)

type Option func(*Provider)

func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = logctx.Wrap(l) }
}

// WithResourceVersion sets the version reported with every result.
func WithResourceVersion(v resource.Version) Option {
	return func(p *Provider) { p.version = v }
}

// entry is the index state of one file.
type entry struct {
	rev   int
	stamp string
}

// Provider hands out connections onto one directory tree.
type Provider struct {
	root    string
	log     *slog.Logger
	version resource.Version

	mu    sync.RWMutex
	index map[string]*entry // slash-separated path relative to root

	watching atomic.Bool
}

var _ resource.ConnectionProvider = (*Provider)(nil)

// New indexes every file under root. Existing files start at revision 1.
// Symlinks in root are resolved; links below it are never followed outside it.
func New(root string, opts ...Option) (*Provider, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", root, err)
	}
	// Containment checks compare against the real root.
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", root, err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root %q: %w", abs, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", abs)
	}
	p := &Provider{root: abs, log: logctx.Wrap(slog.Default()), index: make(map[string]*entry)}
	for _, opt := range opts {
		opt(p)
	}
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(abs, path)
		if err != nil {
			return nil
		}
		p.index[filepath.ToSlash(rel)] = &entry{rev: 1, stamp: stampOf(info)}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index %q: %w", abs, err)
	}
	return p, nil
}

func (p *Provider) Connection(_ context.Context, id string) (resource.Connection, error) {
	return &connection{p: p, id: id}, nil
}

func (p *Provider) ConnectionID(c resource.Connection) (string, error) {
	fc, ok := c.(*connection)
	if !ok {
		return "", fmt.Errorf("connection %T does not belong to this provider", c)
	}
	return fc.id, nil
}

// Watch keeps the revision index current until ctx is done. Only one watch
// runs at a time; a second call returns immediately.
func (p *Provider) Watch(ctx context.Context) error {
	if !p.watching.CompareAndSwap(false, true) {
		return nil
	}
	defer p.watching.Store(false)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	err = filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		return w.Add(path)
	})
	if err != nil {
		return fmt.Errorf("watch %q: %w", p.root, err)
	}
	p.log.InfoContext(ctx, "fsconn.watch.start", slog.String("root", p.root))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			p.handleEvent(w, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			p.log.WarnContext(ctx, "fsconn.watch.error", slog.String("err", err.Error()))
		}
	}
}

func (p *Provider) handleEvent(w *fsnotify.Watcher, ev fsnotify.Event) {
	rel, ok := p.relative(ev.Name)
	if !ok {
		return
	}
	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		p.mu.Lock()
		for k := range p.index {
			if k == rel || strings.HasPrefix(k, rel+"/") {
				delete(p.index, k)
			}
		}
		p.mu.Unlock()
		return
	}
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Chmod) == 0 {
		return
	}
	fi, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if fi.IsDir() {
		if ev.Op&fsnotify.Create != 0 {
			_ = w.Add(ev.Name)
		}
		return
	}
	p.touch(rel, fi)
}

// touch records the current stamp of a file and bumps its revision when the
// stamp changed. It returns the resulting revision.
func (p *Provider) touch(rel string, fi fs.FileInfo) int {
	stamp := stampOf(fi)
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.index[rel]
	if !ok {
		e = &entry{rev: 1, stamp: stamp}
		p.index[rel] = e
		return e.rev
	}
	if e.stamp != stamp {
		e.rev++
		e.stamp = stamp
	}
	return e.rev
}

func (p *Provider) revision(rel string) (int, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.index[rel]
	if !ok {
		return 0, false
	}
	return e.rev, true
}

func (p *Provider) forget(rel string) {
	p.mu.Lock()
	delete(p.index, rel)
	p.mu.Unlock()
}

func (p *Provider) relative(name string) (string, bool) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(p.root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func stampOf(fi fs.FileInfo) string {
	return strconv.FormatInt(fi.ModTime().UnixNano(), 36) + "-" + strconv.FormatInt(fi.Size(), 36)
}
