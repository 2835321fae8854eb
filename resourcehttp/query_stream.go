package resourcehttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ggoodman/jsonresource-go/resource"
)

// queryStreamer writes query results as the connection produces them:
//
//	{"result":[item,...],"resultCount":N,"pagedResultsCookie":...,
//	 "totalPagedResultsPolicy":"...","totalPagedResults":N}
//
// Nothing is committed until the first item is ready. A failure before that
// becomes an ordinary error response; after it, the status line is already
// out, so the result array is closed and the error is written in-band.
type queryStreamer struct {
	rr      *runner
	out     *jsonStream
	started bool
	count   int
	// itemErr is set when an item could not be encoded or written.
	itemErr error
}

func newQueryStreamer(rr *runner) *queryStreamer {
	return &queryStreamer{rr: rr, out: newJSONStream(rr.w, rr.pretty)}
}

func (q *queryStreamer) run(req *resource.QueryRequest) error {
	qr, err := q.rr.conn.Query(q.rr.ctx, q.rr.rc, req, q.handleResource)
	if err == nil && q.itemErr != nil {
		err = q.itemErr
	}
	if err == nil && qr == nil {
		err = ErrNoResult
	}
	if err != nil {
		if !q.started {
			return q.rr.fail(err)
		}
		return q.finishWithError(err)
	}

	if !q.started {
		q.start(qr.ResourceAPIVersion)
	}
	q.rr.release()
	q.out.endResult()
	q.out.field("resultCount", q.count)
	var cookie any
	if qr.PagedResultsCookie != "" {
		cookie = qr.PagedResultsCookie
	}
	q.out.field("pagedResultsCookie", cookie)
	policy := qr.TotalPagedResultsPolicy
	if policy == "" {
		policy = resource.CountPolicyNone
	}
	q.out.field("totalPagedResultsPolicy", string(policy))
	q.out.field("totalPagedResults", qr.TotalPagedResults)
	q.out.end()
	return q.out.err
}

// handleResource is the per-item callback handed to the connection.
func (q *queryStreamer) handleResource(res *resource.ResourceResponse) bool {
	if q.itemErr != nil {
		return false
	}
	if res == nil {
		q.itemErr = resource.NewInternalError(errors.New("query produced a nil result"))
		return false
	}
	content := res.Content
	if fields := q.rr.req.Fields(); len(fields) > 0 {
		content = filterFields(content, fields)
	}
	b, err := q.out.marshalItem(content)
	if err != nil {
		q.itemErr = resource.NewInternalError(fmt.Errorf("encode query result %q: %w", res.ID, err))
		return false
	}
	if !q.started {
		q.start(res.ResourceAPIVersion)
	}
	q.out.item(b)
	q.count++
	if q.out.err != nil {
		q.itemErr = q.out.err
		return false
	}
	return true
}

func (q *queryStreamer) start(v resource.Version) {
	q.rr.writeAPIVersion(v)
	q.rr.writeAdvice()
	q.rr.w.Header().Set(headerContentType, jsonContentType)
	q.rr.w.WriteHeader(http.StatusOK)
	q.rr.committed = true
	q.started = true
	q.out.beginResult()
}

func (q *queryStreamer) finishWithError(err error) error {
	re := resource.Adapt(err)
	q.rr.release()
	q.out.endResult()
	q.out.field("resultCount", q.count)
	q.out.field("error", re.ToJSON())
	q.out.end()
	return &partialQueryError{err: re, written: q.count}
}

// partialQueryError reports a query that failed after its response was
// committed. The client already received a 200 with the error in-band.
type partialQueryError struct {
	err     *resource.Error
	written int
}

func (e *partialQueryError) Error() string { return e.err.Error() }

func (e *partialQueryError) Unwrap() error { return e.err }

// jsonStream writes a JSON object piece by piece, flushing after each piece
// when the writer supports it. The first write error sticks and turns every
// later write into a no-op.
type jsonStream struct {
	w      io.Writer
	f      http.Flusher
	pretty bool
	items  int
	err    error
}

func newJSONStream(w io.Writer, pretty bool) *jsonStream {
	s := &jsonStream{w: w, pretty: pretty}
	if f, ok := w.(http.Flusher); ok {
		s.f = f
	}
	return s
}

func (s *jsonStream) write(p string) {
	if s.err != nil {
		return
	}
	if _, err := io.WriteString(s.w, p); err != nil {
		s.err = fmt.Errorf("write query response: %w", err)
	}
}

func (s *jsonStream) flush() {
	if s.err == nil && s.f != nil {
		s.f.Flush()
	}
}

func (s *jsonStream) marshalItem(v any) ([]byte, error) {
	if s.pretty {
		return json.MarshalIndent(v, "    ", "  ")
	}
	return json.Marshal(v)
}

func (s *jsonStream) beginResult() {
	if s.pretty {
		s.write("{\n  \"result\": [")
	} else {
		s.write(`{"result":[`)
	}
	s.flush()
}

func (s *jsonStream) item(b []byte) {
	if s.items > 0 {
		s.write(",")
	}
	if s.pretty {
		s.write("\n    ")
	}
	s.write(string(b))
	s.items++
	s.flush()
}

func (s *jsonStream) endResult() {
	if s.pretty && s.items > 0 {
		s.write("\n  ")
	}
	s.write("]")
}

func (s *jsonStream) field(name string, v any) {
	key, _ := json.Marshal(name)
	if s.pretty {
		b, err := json.MarshalIndent(v, "  ", "  ")
		if err != nil {
			b = []byte("null")
		}
		s.write(",\n  " + string(key) + ": " + string(b))
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte("null")
	}
	s.write("," + string(key) + ":" + string(b))
}

func (s *jsonStream) end() {
	if s.pretty {
		s.write("\n}\n")
	} else {
		s.write("}\n")
	}
	s.flush()
}
