package resourcehttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/jsonresource-go/contexts"
	"github.com/ggoodman/jsonresource-go/internal/logctx"
	"github.com/ggoodman/jsonresource-go/resource"
)

var _ http.Handler = (*Handler)(nil)

const (
	requestIDHeader = "X-Request-Id"
	contextIDHeader = "X-Context-Id"
)

// ContextStore persists request context chains. contextstore.Store
// implements it.
type ContextStore interface {
	Save(ctx context.Context, c contexts.Context, ttl time.Duration) (string, error)
}

// HandlerOption configures a Handler.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	basePath     string
	connectionID string
	dispatcher   *Dispatcher
	logger       *slog.Logger
	store        ContextStore
	contextTTL   time.Duration
}

// WithBasePath mounts the resource tree below path. Requests outside it are
// answered with 404.
func WithBasePath(path string) HandlerOption {
	return func(c *handlerConfig) { c.basePath = "/" + strings.Trim(path, "/") }
}

// WithConnectionID selects the connection the provider hands out.
func WithConnectionID(id string) HandlerOption {
	return func(c *handlerConfig) { c.connectionID = id }
}

func WithDispatcher(d *Dispatcher) HandlerOption {
	return func(c *handlerConfig) { c.dispatcher = d }
}

// WithHandlerLogger sets the handler's logger. If not provided, slog.Default() is used.
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(c *handlerConfig) { c.logger = l }
}

// WithContextStore saves every request chain in store for ttl and reports
// its id in the X-Context-Id response header.
func WithContextStore(store ContextStore, ttl time.Duration) HandlerOption {
	return func(c *handlerConfig) { c.store = store; c.contextTTL = ttl }
}

// Handler serves a resource tree over HTTP, turning each request into a
// resource.Request and handing it to a Dispatcher.
type Handler struct {
	provider     resource.ConnectionProvider
	basePath     string
	connectionID string
	dispatcher   *Dispatcher
	log          *slog.Logger
	store        ContextStore
	contextTTL   time.Duration
}

func NewHandler(provider resource.ConnectionProvider, opts ...HandlerOption) (*Handler, error) {
	if provider == nil {
		return nil, fmt.Errorf("connection provider is required")
	}
	cfg := &handlerConfig{basePath: "/", logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}
	log := logctx.Wrap(cfg.logger)
	if cfg.dispatcher == nil {
		cfg.dispatcher = New(WithLogger(cfg.logger))
	}
	return &Handler{
		provider:     provider,
		basePath:     cfg.basePath,
		connectionID: cfg.connectionID,
		dispatcher:   cfg.dispatcher,
		log:          log,
		store:        cfg.store,
		contextTTL:   cfg.contextTTL,
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rootID := uuid.NewString()
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  rootID,
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	r = r.WithContext(ctx)

	var rc contexts.Context = contexts.NewRoot(rootID)
	rc = contexts.NewTransactionIDContext(rc, r.Header.Get(requestIDHeader))
	rc = contexts.NewHTTPContext(rc, r)
	rc = contexts.NewRouterContext(rc, strings.TrimRight(h.basePath, "/"), nil)

	if h.store != nil {
		id, err := h.store.Save(ctx, rc, h.contextTTL)
		if err != nil {
			h.log.WarnContext(ctx, "context.save.fail", slog.String("err", err.Error()))
		} else {
			rc = contexts.WithAdvice(rc, contextIDHeader, id)
		}
	}

	rel, ok := h.relativePath(r.URL.EscapedPath())
	if !ok {
		h.dispatcher.Fail(rc, w, r, resource.NewNotFound("no resource at %s", r.URL.Path))
		return
	}
	path, err := resource.ParsePath(rel)
	if err != nil {
		h.dispatcher.Fail(rc, w, r, err)
		return
	}
	parsed, err := parseRequest(r, path)
	if err != nil {
		h.dispatcher.Fail(rc, w, r, err)
		return
	}
	if parsed.mimeType != "" {
		w.Header().Set(headerContentType, parsed.mimeType)
	}

	conn, err := h.provider.Connection(ctx, h.connectionID)
	if err != nil {
		h.log.ErrorContext(ctx, "connection.open.fail", slog.String("err", err.Error()))
		h.dispatcher.Fail(rc, w, r, err)
		return
	}
	connID, err := h.provider.ConnectionID(conn)
	if err != nil {
		h.log.WarnContext(ctx, "connection.id.fail", slog.String("err", err.Error()))
	}
	r = r.WithContext(logctx.WithOperationData(ctx, &logctx.OperationData{ConnectionID: connID}))
	h.dispatcher.Dispatch(rc, parsed.req, conn, w, r)
}

func (h *Handler) relativePath(p string) (string, bool) {
	base := strings.TrimRight(h.basePath, "/")
	if base == "" {
		return p, true
	}
	if p == base {
		return "", true
	}
	if !strings.HasPrefix(p, base+"/") {
		return "", false
	}
	return p[len(base):], true
}
