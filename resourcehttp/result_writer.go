package resourcehttp

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/elnormous/contenttype"

	"github.com/ggoodman/jsonresource-go/resource"
)

const jsonContentType = "application/json; charset=utf-8"

var (
	jsonMediaType      = contenttype.NewMediaType("application/json")
	textPlainMediaType = contenttype.NewMediaType("text/plain")
)

var errEmptyContent = errors.New("content is empty or not reducible to a single value")

// writeResource writes a single resource result. The declared Content-Type
// picks the representation: JSON content as-is, text/plain as the content's
// single scalar, anything else as the base64url-decoded bytes of that scalar.
// The body is fully built before the status line so a representation failure
// still becomes an error response.
func (rr *runner) writeResource(status int, res *resource.ResourceResponse) error {
	if res.Revision != "" {
		rr.w.Header().Set(headerETag, quoteETag(res.Revision))
	}

	declared := rr.w.Header().Get(headerContentType)
	if declared == "" {
		body, err := rr.encodeContent(res.Content)
		if err != nil {
			return rr.fail(err)
		}
		rr.w.Header().Set(headerContentType, jsonContentType)
		return rr.commit(status, body)
	}

	mt := contenttype.NewMediaType(declared)
	if mt.Type == "" {
		return rr.fail(resource.NewInternalError(fmt.Errorf("malformed response content type %q", declared)))
	}

	var (
		body []byte
		err  error
	)
	switch {
	case mt.Matches(jsonMediaType):
		body, err = rr.encodeContent(res.Content)
	case mt.Matches(textPlainMediaType):
		var s string
		s, err = scalarContent(res.Content)
		body = []byte(s)
	default:
		body, err = binaryContent(res.Content)
	}
	if err != nil {
		return rr.fail(resource.NewInternalError(err))
	}
	return rr.commit(status, body)
}

// encodeContent applies the request field filter and encodes the result.
func (rr *runner) encodeContent(content map[string]any) ([]byte, error) {
	if fields := rr.req.Fields(); len(fields) > 0 {
		content = filterFields(content, fields)
	}
	return encodeJSON(content, rr.pretty)
}

func (rr *runner) commit(status int, body []byte) error {
	rr.w.WriteHeader(status)
	rr.committed = true
	if _, err := rr.w.Write(body); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

func encodeJSON(v any, pretty bool) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeError writes the JSON form of re with its status code.
func writeError(w http.ResponseWriter, re *resource.Error, pretty bool) error {
	body, err := encodeJSON(re.ToJSON(), pretty)
	if err != nil {
		body, _ = encodeJSON(resource.NewInternalError(err).ToJSON(), false)
		re = &resource.Error{Code: http.StatusInternalServerError}
	}
	w.Header().Set(headerContentType, jsonContentType)
	w.WriteHeader(re.Code)
	_, err = w.Write(body)
	return err
}

// scalarContent reduces content to one string: the value of a single-entry
// object (the lexically first key when there are several), the first element
// of an array, or a bare scalar.
func scalarContent(content any) (string, error) {
	v, err := reduce(content)
	if err != nil {
		return "", err
	}
	s, ok := scalarString(v)
	if !ok || s == "" {
		return "", errEmptyContent
	}
	return s, nil
}

func reduce(content any) (any, error) {
	switch c := content.(type) {
	case map[string]any:
		if len(c) == 0 {
			return nil, errEmptyContent
		}
		keys := make([]string, 0, len(c))
		for k := range c {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return c[keys[0]], nil
	case []any:
		if len(c) == 0 {
			return nil, errEmptyContent
		}
		return c[0], nil
	case nil:
		return nil, errEmptyContent
	default:
		return c, nil
	}
}

func scalarString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case bool:
		return strconv.FormatBool(s), true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32), true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	case json.Number:
		return s.String(), true
	default:
		return "", false
	}
}

// binaryContent decodes the content's single string as base64url. Padding
// is optional.
func binaryContent(content any) ([]byte, error) {
	v, err := reduce(content)
	if err != nil {
		return nil, err
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("binary content must be a base64url string, got %T", v)
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("decode binary content: %w", err)
	}
	if len(b) == 0 {
		return nil, errEmptyContent
	}
	return b, nil
}

// filterFields keeps only the listed JSON pointers of content. A field of
// "" or "/" keeps everything.
func filterFields(content map[string]any, fields []string) map[string]any {
	if content == nil {
		return nil
	}
	out := make(map[string]any)
	for _, f := range fields {
		f = strings.Trim(f, "/")
		if f == "" {
			return content
		}
		copyPointer(out, content, strings.Split(f, "/"))
	}
	return out
}

func copyPointer(dst, src map[string]any, parts []string) {
	v, ok := src[parts[0]]
	if !ok {
		return
	}
	if len(parts) == 1 {
		dst[parts[0]] = v
		return
	}
	child, ok := v.(map[string]any)
	if !ok {
		return
	}
	next, ok := dst[parts[0]].(map[string]any)
	if !ok {
		next = make(map[string]any)
		dst[parts[0]] = next
	}
	copyPointer(next, child, parts[1:])
}
