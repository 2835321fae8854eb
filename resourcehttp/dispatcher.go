package resourcehttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/jsonresource-go/contexts"
	"github.com/ggoodman/jsonresource-go/internal/logctx"
	"github.com/ggoodman/jsonresource-go/resource"
)

const (
	headerETag              = "ETag"
	headerLocation          = "Location"
	headerIfNoneMatch       = "If-None-Match"
	headerIfMatch           = "If-Match"
	headerContentAPIVersion = "Content-API-Version"
	headerContentType       = "Content-Type"
	headerMethodOverride    = "X-HTTP-Method-Override"

	// DefaultProtocolVersion is advertised in Content-API-Version headers.
	DefaultProtocolVersion = "1.0"
)

// ErrNoResult is reported when a connection returns neither a result nor an
// error.
var ErrNoResult = errors.New("connection returned no result")

// Option configures a Dispatcher.
type Option func(*dispatcherConfig)

type dispatcherConfig struct {
	logger          *slog.Logger
	protocolVersion string
}

// WithLogger sets the logger used by the dispatcher. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *dispatcherConfig) { c.logger = l }
}

// WithProtocolVersion sets the protocol part of the Content-API-Version header.
func WithProtocolVersion(v string) Option {
	return func(c *dispatcherConfig) { c.protocolVersion = strings.TrimSpace(v) }
}

// Dispatcher runs a single resource operation against a connection and
// writes exactly one HTTP response for it.
type Dispatcher struct {
	log             *slog.Logger
	protocolVersion string
}

func New(opts ...Option) *Dispatcher {
	cfg := &dispatcherConfig{logger: slog.Default(), protocolVersion: DefaultProtocolVersion}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.protocolVersion == "" {
		cfg.protocolVersion = DefaultProtocolVersion
	}
	return &Dispatcher{log: logctx.Wrap(cfg.logger), protocolVersion: cfg.protocolVersion}
}

// Dispatch performs req on conn and writes the outcome to w. It owns conn
// and closes it exactly once before returning, whatever the outcome. It never
// panics on connection failures and has no error return: every failure is
// written as an error response, or as in-band error data once a streamed
// query response has been committed.
//
// The response Content-Type, when already set on w, is the declared media
// type used for resource negotiation. A connection id already present in
// the operation log data of r is kept.
func (d *Dispatcher) Dispatch(rc contexts.Context, req resource.Request, conn resource.Connection, w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	op := &logctx.OperationData{
		RequestType:  string(req.RequestType()),
		ResourcePath: req.ResourcePath().String(),
		ContextID:    contextID(rc),
	}
	if prev, ok := logctx.OperationDataFrom(r.Context()); ok {
		op.ConnectionID = prev.ConnectionID
	}
	ctx := logctx.WithOperationData(r.Context(), op)

	rr := &runner{
		d:      d,
		ctx:    ctx,
		rc:     rc,
		req:    req,
		conn:   conn,
		w:      w,
		r:      r,
		pretty: prettyPrintRequested(r),
	}
	defer rr.release()

	d.log.DebugContext(ctx, "dispatch.start")
	if err := resource.Visit[error](req, rr); err != nil {
		var partial *partialQueryError
		if errors.As(err, &partial) {
			d.log.WarnContext(ctx, "dispatch.query.partial",
				slog.Int("code", partial.err.Code),
				slog.Int("written", partial.written),
				slog.String("err", err.Error()),
				slog.Duration("dur", time.Since(start)))
			return
		}
		re := resource.Adapt(err)
		lvl := slog.LevelInfo
		if re.Code >= http.StatusInternalServerError {
			lvl = slog.LevelError
		}
		d.log.Log(ctx, lvl, "dispatch."+string(req.RequestType())+".fail",
			slog.Int("code", re.Code),
			slog.String("err", err.Error()),
			slog.Duration("dur", time.Since(start)))
		return
	}
	d.log.InfoContext(ctx, "dispatch."+string(req.RequestType())+".ok", slog.Duration("dur", time.Since(start)))
}

// Fail writes err as an error response for a request that never reached a
// connection, applying advice from rc.
func (d *Dispatcher) Fail(rc contexts.Context, w http.ResponseWriter, r *http.Request, err error) {
	rr := &runner{d: d, ctx: r.Context(), rc: rc, w: w, r: r, pretty: prettyPrintRequested(r)}
	re := rr.fail(err)
	d.log.InfoContext(r.Context(), "dispatch.reject", slog.Int("code", re.Code), slog.String("err", err.Error()))
}

// runner holds the state of one dispatched request.
type runner struct {
	d    *Dispatcher
	ctx  context.Context
	rc   contexts.Context
	req  resource.Request
	conn resource.Connection
	w    http.ResponseWriter
	r    *http.Request

	pretty    bool
	committed bool
	closeOnce sync.Once
}

var _ resource.RequestVisitor[error] = (*runner)(nil)

func (rr *runner) VisitCreate(req *resource.CreateRequest) error {
	res, err := rr.conn.Create(rr.ctx, rr.rc, req)
	if err == nil && res == nil {
		err = ErrNoResult
	}
	if err != nil {
		return rr.fail(err)
	}
	rr.writeAPIVersion(res.ResourceAPIVersion)
	rr.writeAdvice()
	if res.ID != "" {
		rr.w.Header().Set(headerLocation, rr.resourceURL(req, res))
	}
	return rr.writeResource(http.StatusCreated, res)
}

func (rr *runner) VisitRead(req *resource.ReadRequest) error {
	res, err := rr.conn.Read(rr.ctx, rr.rc, req)
	return rr.handleResource(res, err)
}

func (rr *runner) VisitUpdate(req *resource.UpdateRequest) error {
	res, err := rr.conn.Update(rr.ctx, rr.rc, req)
	return rr.handleResource(res, err)
}

func (rr *runner) VisitDelete(req *resource.DeleteRequest) error {
	res, err := rr.conn.Delete(rr.ctx, rr.rc, req)
	return rr.handleResource(res, err)
}

func (rr *runner) VisitPatch(req *resource.PatchRequest) error {
	res, err := rr.conn.Patch(rr.ctx, rr.rc, req)
	return rr.handleResource(res, err)
}

func (rr *runner) VisitAction(req *resource.ActionRequest) error {
	res, err := rr.conn.Action(rr.ctx, rr.rc, req)
	if err != nil {
		return rr.fail(err)
	}
	if res != nil {
		rr.writeAPIVersion(res.ResourceAPIVersion)
	}
	rr.writeAdvice()
	if res == nil || res.Content == nil {
		rr.w.WriteHeader(http.StatusNoContent)
		rr.committed = true
		return nil
	}
	body, err := encodeJSON(res.Content, rr.pretty)
	if err != nil {
		return rr.fail(err)
	}
	rr.w.Header().Set(headerContentType, jsonContentType)
	return rr.commit(http.StatusOK, body)
}

func (rr *runner) VisitQuery(req *resource.QueryRequest) error {
	return newQueryStreamer(rr).run(req)
}

// handleResource is the success continuation shared by read, update, delete
// and patch.
func (rr *runner) handleResource(res *resource.ResourceResponse, err error) error {
	if err == nil && res == nil {
		err = ErrNoResult
	}
	if err != nil {
		return rr.fail(err)
	}
	rr.writeAPIVersion(res.ResourceAPIVersion)
	rr.writeAdvice()

	if _, ok := rr.req.(*resource.ReadRequest); ok && res.Revision != "" && matchesIfNoneMatch(rr.r.Header.Get(headerIfNoneMatch), res.Revision) {
		rr.w.Header().Set(headerETag, quoteETag(res.Revision))
		rr.w.WriteHeader(http.StatusNotModified)
		rr.committed = true
		return nil
	}
	return rr.writeResource(http.StatusOK, res)
}

// fail releases the connection and writes err as the response. Once the
// response is committed only the connection is released.
func (rr *runner) fail(err error) *resource.Error {
	re := resource.Adapt(err)
	rr.release()
	if rr.committed {
		rr.d.log.ErrorContext(rr.ctx, "dispatch.fail.committed", slog.String("err", err.Error()))
		return re
	}
	h := rr.w.Header()
	h.Del(headerETag)
	h.Del(headerLocation)
	h.Set(headerContentAPIVersion, "protocol="+rr.d.protocolVersion)
	rr.writeAdvice()
	if err := writeError(rr.w, re, rr.pretty); err != nil {
		rr.d.log.WarnContext(rr.ctx, "dispatch.error.write.fail", slog.String("err", err.Error()))
	}
	rr.committed = true
	return re
}

func (rr *runner) release() {
	rr.closeOnce.Do(func() {
		if rr.conn == nil {
			return
		}
		if err := rr.conn.Close(); err != nil {
			rr.d.log.WarnContext(rr.ctx, "connection.close.fail", slog.String("err", err.Error()))
		}
	})
}

func (rr *runner) writeAPIVersion(v resource.Version) {
	if v.IsZero() {
		return
	}
	rr.w.Header().Set(headerContentAPIVersion, fmt.Sprintf("protocol=%s,resource=%s", rr.d.protocolVersion, v))
}

func (rr *runner) writeAdvice() {
	if rr.rc == nil {
		return
	}
	h := rr.w.Header()
	for name, values := range contexts.MergedAdvice(rr.rc) {
		h[name] = values
	}
}

// resourceURL is scheme://authority + matched base + collection + "/" + id.
func (rr *runner) resourceURL(req *resource.CreateRequest, res *resource.ResourceResponse) string {
	var b strings.Builder
	b.WriteString(requestScheme(rr.r))
	b.WriteString("://")
	b.WriteString(rr.r.Host)
	if router, err := contexts.As[contexts.Router](rr.rc); err == nil {
		b.WriteString(strings.TrimRight(router.MatchedURI(), "/"))
	}
	if p := req.ResourcePath(); !p.IsEmpty() {
		b.WriteByte('/')
		b.WriteString(p.String())
	}
	b.WriteByte('/')
	b.WriteString(url.PathEscape(res.ID))
	return b.String()
}

func requestScheme(r *http.Request) string {
	if r.URL != nil && r.URL.Scheme != "" {
		return r.URL.Scheme
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func contextID(rc contexts.Context) string {
	if rc == nil {
		return ""
	}
	id, err := contexts.ID(rc)
	if err != nil {
		return ""
	}
	return id
}

func prettyPrintRequested(r *http.Request) bool {
	if r == nil || r.URL == nil {
		return false
	}
	v := strings.ToLower(r.URL.Query().Get(paramPrettyPrint))
	return v == "true" || v == "1"
}

// matchesIfNoneMatch reports whether any entity tag in header equals rev.
// Weak tags compare by their opaque value.
func matchesIfNoneMatch(header, rev string) bool {
	if header == "" {
		return false
	}
	for _, tag := range strings.Split(header, ",") {
		if unquoteETag(tag) == rev {
			return true
		}
	}
	return false
}

func quoteETag(rev string) string { return `"` + rev + `"` }

func unquoteETag(tag string) string {
	tag = strings.TrimSpace(tag)
	tag = strings.TrimPrefix(tag, "W/")
	if len(tag) >= 2 && tag[0] == '"' && tag[len(tag)-1] == '"' {
		tag = tag[1 : len(tag)-1]
	}
	return tag
}
