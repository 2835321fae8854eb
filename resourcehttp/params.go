package resourcehttp

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/elnormous/contenttype"

	"github.com/ggoodman/jsonresource-go/resource"
)

const (
	paramAction                  = "_action"
	paramFields                  = "_fields"
	paramQueryFilter             = "_queryFilter"
	paramQueryID                 = "_queryId"
	paramQueryExpression         = "_queryExpression"
	paramSortKeys                = "_sortKeys"
	paramPageSize                = "_pageSize"
	paramPagedResultsCookie      = "_pagedResultsCookie"
	paramPagedResultsOffset      = "_pagedResultsOffset"
	paramTotalPagedResultsPolicy = "_totalPagedResultsPolicy"
	paramMimeType                = "_mimeType"
	paramPrettyPrint             = "_prettyPrint"

	actionCreate = "create"

	maxBodyBytes = 10 << 20
)

var knownParams = map[string]bool{
	paramAction:                  true,
	paramFields:                  true,
	paramQueryFilter:             true,
	paramQueryID:                 true,
	paramQueryExpression:         true,
	paramSortKeys:                true,
	paramPageSize:                true,
	paramPagedResultsCookie:      true,
	paramPagedResultsOffset:      true,
	paramTotalPagedResultsPolicy: true,
	paramMimeType:                true,
	paramPrettyPrint:             true,
}

// parsedRequest is a resource request plus the HTTP-only details that steer
// how its result is written.
type parsedRequest struct {
	req      resource.Request
	mimeType string
}

// parseRequest maps an HTTP request onto a resource request for path.
func parseRequest(r *http.Request, path resource.ResourcePath) (*parsedRequest, error) {
	method := r.Method
	if method == http.MethodPost {
		if o := strings.TrimSpace(r.Header.Get(headerMethodOverride)); o != "" {
			method = strings.ToUpper(o)
		}
	}

	p, err := newParams(r)
	if err != nil {
		return nil, err
	}
	fields := p.fields()

	out := &parsedRequest{}
	if mt, ok, err := p.single(paramMimeType); err != nil {
		return nil, err
	} else if ok {
		if method != http.MethodGet || p.isQuery() {
			return nil, resource.NewBadRequest("the parameter %s is only supported for read requests", paramMimeType)
		}
		if contenttype.NewMediaType(mt).Type == "" {
			return nil, resource.NewBadRequest("the parameter %s has a malformed media type %q", paramMimeType, mt)
		}
		out.mimeType = mt
	}
	if _, _, err := p.boolean(paramPrettyPrint); err != nil {
		return nil, err
	}

	switch method {
	case http.MethodGet:
		if p.isQuery() {
			out.req, err = p.query(path, fields)
		} else {
			out.req = &resource.ReadRequest{Common: resource.Common{Path: path, FieldFilter: fields}}
		}
	case http.MethodPost:
		action, ok, aerr := p.single(paramAction)
		if aerr != nil {
			return nil, aerr
		}
		switch {
		case !ok || action == actionCreate:
			content, cerr := decodeObject(r)
			if cerr != nil {
				return nil, cerr
			}
			out.req = &resource.CreateRequest{Common: resource.Common{Path: path, FieldFilter: fields}, Content: content}
		default:
			content, cerr := decodeAny(r)
			if cerr != nil {
				return nil, cerr
			}
			out.req = &resource.ActionRequest{
				Common:  resource.Common{Path: path, FieldFilter: fields},
				Action:  action,
				Content: content,
				Params:  p.extra,
			}
		}
	case http.MethodPut:
		content, cerr := decodeObject(r)
		if cerr != nil {
			return nil, cerr
		}
		if strings.TrimSpace(r.Header.Get(headerIfNoneMatch)) == "*" {
			if path.IsEmpty() {
				return nil, resource.NewBadRequest("a resource id is required to create with PUT")
			}
			out.req = &resource.CreateRequest{
				Common:        resource.Common{Path: path.Parent(), FieldFilter: fields},
				NewResourceID: path.Leaf(),
				Content:       content,
			}
		} else {
			out.req = &resource.UpdateRequest{Common: resource.Common{Path: path, FieldFilter: fields}, Content: content, Revision: ifMatch(r)}
		}
	case http.MethodDelete:
		out.req = &resource.DeleteRequest{Common: resource.Common{Path: path, FieldFilter: fields}, Revision: ifMatch(r)}
	case http.MethodPatch:
		ops, perr := decodePatch(r)
		if perr != nil {
			return nil, perr
		}
		out.req = &resource.PatchRequest{Common: resource.Common{Path: path, FieldFilter: fields}, Operations: ops, Revision: ifMatch(r)}
	default:
		return nil, resource.NewError(http.StatusMethodNotAllowed, "method "+method+" is not supported")
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

type params struct {
	reserved map[string][]string
	extra    map[string]string
}

func newParams(r *http.Request) (*params, error) {
	p := &params{reserved: map[string][]string{}, extra: map[string]string{}}
	for k, vs := range r.URL.Query() {
		if strings.HasPrefix(k, "_") {
			if !knownParams[k] {
				return nil, resource.NewBadRequest("unrecognized request parameter %q", k)
			}
			p.reserved[k] = vs
			continue
		}
		if len(vs) > 1 {
			return nil, resource.NewBadRequest("multiple values provided for parameter %q", k)
		}
		p.extra[k] = vs[0]
	}
	return p, nil
}

func (p *params) single(name string) (string, bool, error) {
	vs, ok := p.reserved[name]
	if !ok {
		return "", false, nil
	}
	if len(vs) > 1 {
		return "", false, resource.NewBadRequest("multiple values provided for parameter %q", name)
	}
	return vs[0], true, nil
}

func (p *params) integer(name string) (int, bool, error) {
	s, ok, err := p.single(name)
	if err != nil || !ok {
		return 0, ok, err
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false, resource.NewBadRequest("the parameter %s must be a non-negative integer, got %q", name, s)
	}
	return n, true, nil
}

func (p *params) boolean(name string) (bool, bool, error) {
	s, ok, err := p.single(name)
	if err != nil || !ok {
		return false, ok, err
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, false, resource.NewBadRequest("the parameter %s must be a boolean, got %q", name, s)
	}
	return b, true, nil
}

func (p *params) fields() []string {
	var out []string
	for _, v := range p.reserved[paramFields] {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				out = append(out, f)
			}
		}
	}
	return out
}

func (p *params) isQuery() bool {
	for _, k := range []string{paramQueryFilter, paramQueryID, paramQueryExpression} {
		if _, ok := p.reserved[k]; ok {
			return true
		}
	}
	return false
}

func (p *params) query(path resource.ResourcePath, fields []string) (*resource.QueryRequest, error) {
	q := &resource.QueryRequest{
		Common:                  resource.Common{Path: path, FieldFilter: fields},
		TotalPagedResultsPolicy: resource.CountPolicyNone,
		Params:                  p.extra,
	}
	kinds := 0
	for name, dst := range map[string]*string{
		paramQueryFilter:     &q.Filter,
		paramQueryID:         &q.QueryID,
		paramQueryExpression: &q.QueryExpression,
	} {
		v, ok, err := p.single(name)
		if err != nil {
			return nil, err
		}
		if ok {
			kinds++
			*dst = v
		}
	}
	if kinds > 1 {
		return nil, resource.NewBadRequest("only one of %s, %s or %s may be given", paramQueryFilter, paramQueryID, paramQueryExpression)
	}

	if v, ok, err := p.single(paramSortKeys); err != nil {
		return nil, err
	} else if ok {
		keys, err := resource.ParseSortKeys(v)
		if err != nil {
			return nil, err
		}
		q.SortKeys = keys
	}
	var err error
	if q.PageSize, _, err = p.integer(paramPageSize); err != nil {
		return nil, err
	}
	if q.PagedResultsOffset, _, err = p.integer(paramPagedResultsOffset); err != nil {
		return nil, err
	}
	if q.PagedResultsCookie, _, err = p.single(paramPagedResultsCookie); err != nil {
		return nil, err
	}
	if v, ok, err := p.single(paramTotalPagedResultsPolicy); err != nil {
		return nil, err
	} else if ok {
		if q.TotalPagedResultsPolicy, err = resource.ParseCountPolicy(v); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// ifMatch returns the revision named by If-Match. "*" and absent both mean
// any revision.
func ifMatch(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get(headerIfMatch))
	if v == "*" {
		return ""
	}
	return unquoteETag(v)
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, resource.NewBadRequest("unable to read request body: %v", err)
	}
	if len(b) > maxBodyBytes {
		return nil, resource.NewError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	return b, nil
}

func decodeObject(r *http.Request) (map[string]any, error) {
	b, err := readBody(r)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil, resource.NewBadRequest("a JSON object request body is required")
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil || out == nil {
		return nil, resource.NewBadRequest("the request body must be a JSON object")
	}
	return out, nil
}

func decodeAny(r *http.Request) (any, error) {
	b, err := readBody(r)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, resource.NewBadRequest("the request body is not valid JSON: %v", err)
	}
	return out, nil
}

var errEmptyPatch = errors.New("the request body must be a non-empty JSON array of patch operations")

func decodePatch(r *http.Request) ([]resource.PatchOperation, error) {
	b, err := readBody(r)
	if err != nil {
		return nil, err
	}
	var ops []resource.PatchOperation
	if err := json.Unmarshal(b, &ops); err != nil || len(ops) == 0 {
		return nil, resource.NewBadRequest("%v", errEmptyPatch)
	}
	for i, op := range ops {
		if op.Operation == "" || op.Field == "" {
			return nil, resource.NewBadRequest("patch operation %d must name an operation and a field", i)
		}
	}
	return ops, nil
}
