package resourcehttp_test

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/jsonresource-go/backends/fsconn"
	"github.com/ggoodman/jsonresource-go/backends/memory"
	"github.com/ggoodman/jsonresource-go/contexts"
	"github.com/ggoodman/jsonresource-go/resource"
	"github.com/ggoodman/jsonresource-go/resourcehttp"
)

type errorBody struct {
	Code    int    `json:"code"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type queryBody struct {
	Result             []map[string]any `json:"result"`
	ResultCount        int              `json:"resultCount"`
	PagedResultsCookie *string          `json:"pagedResultsCookie"`
	TotalPagedResults  int              `json:"totalPagedResults"`
	Error              *errorBody       `json:"error"`
}

func serve(t *testing.T, provider resource.ConnectionProvider, opts ...resourcehttp.HandlerOption) *resty.Client {
	t.Helper()
	h, err := resourcehttp.NewHandler(provider, opts...)
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return resty.New().SetBaseURL(srv.URL)
}

func TestMemoryResourceLifecycle(t *testing.T) {
	store := memory.NewStore(memory.WithResourceVersion(resource.MustParseVersion("1.0")))
	client := serve(t, store, resourcehttp.WithBasePath("/api"))

	// PUT without If-None-Match is an update, and there is nothing to update.
	var errBody errorBody
	res, err := client.R().
		SetBody(map[string]any{"name": "Alice"}).
		SetError(&errBody).
		Put("/api/users/alice")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, res.StatusCode(), res.String())
	require.Equal(t, 404, errBody.Code)

	var created map[string]any
	res, err = client.R().
		SetQueryParam("_action", "create").
		SetBody(map[string]any{"name": "Bob"}).
		SetResult(&created).
		Post("/api/users")
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, res.StatusCode(), res.String())
	require.Equal(t, "Bob", created["name"])
	id := created["_id"].(string)
	require.Equal(t, client.BaseURL+"/api/users/"+id, res.Header().Get("Location"))
	require.Equal(t, `"1"`, res.Header().Get("ETag"))
	require.Equal(t, "protocol=1.0,resource=1.0", res.Header().Get("Content-API-Version"))

	res, err = client.R().SetHeader("If-None-Match", `"1"`).Get("/api/users/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotModified, res.StatusCode())
	require.Empty(t, res.Body())

	res, err = client.R().
		SetHeader("If-Match", `"9"`).
		SetBody(map[string]any{"name": "Robert"}).
		SetError(&errBody).
		Put("/api/users/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusPreconditionFailed, res.StatusCode())
	require.Equal(t, 412, errBody.Code)
	require.Empty(t, res.Header().Get("ETag"))

	var patched map[string]any
	res, err = client.R().
		SetHeader("If-Match", `"1"`).
		SetBody([]map[string]any{{"operation": "add", "field": "/nick", "value": "Bobby"}}).
		SetResult(&patched).
		Patch("/api/users/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode(), res.String())
	require.Equal(t, "Bobby", patched["nick"])
	require.Equal(t, `"2"`, res.Header().Get("ETag"))

	res, err = client.R().Delete("/api/users/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode())

	res, err = client.R().SetError(&errBody).Get("/api/users/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, res.StatusCode())
	require.Equal(t, "Not Found", errBody.Reason)
}

func TestPutWithIfNoneMatchCreates(t *testing.T) {
	client := serve(t, memory.NewStore())

	res, err := client.R().
		SetHeader("If-None-Match", "*").
		SetBody(map[string]any{"title": "first"}).
		Put("/posts/p1")
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, res.StatusCode(), res.String())
	require.Contains(t, res.Header().Get("Location"), "/posts/p1")

	res, err = client.R().
		SetHeader("If-None-Match", "*").
		SetBody(map[string]any{"title": "again"}).
		Put("/posts/p1")
	require.NoError(t, err)
	require.Equal(t, http.StatusPreconditionFailed, res.StatusCode())
}

func TestQueryOverHTTP(t *testing.T) {
	store := memory.NewStore()
	for _, u := range []struct {
		id  string
		age int
	}{{"a", 20}, {"b", 35}, {"c", 41}, {"d", 52}} {
		_, err := store.Put("users", u.id, map[string]any{"age": u.age})
		require.NoError(t, err)
	}
	client := serve(t, store)

	var page queryBody
	res, err := client.R().
		SetQueryParams(map[string]string{
			"_queryFilter":             "/age gt 30",
			"_sortKeys":                "-age",
			"_pageSize":                "2",
			"_fields":                  "_id",
			"_totalPagedResultsPolicy": "EXACT",
		}).
		SetResult(&page).
		Get("/users")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode(), res.String())
	require.Equal(t, []map[string]any{{"_id": "d"}, {"_id": "c"}}, page.Result)
	require.Equal(t, 2, page.ResultCount)
	require.Equal(t, 3, page.TotalPagedResults)
	require.NotNil(t, page.PagedResultsCookie)

	var next queryBody
	res, err = client.R().
		SetQueryParams(map[string]string{
			"_queryFilter":        "/age gt 30",
			"_sortKeys":           "-age",
			"_pageSize":           "2",
			"_pagedResultsCookie": *page.PagedResultsCookie,
		}).
		SetResult(&next).
		Get("/users")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode(), res.String())
	require.Len(t, next.Result, 1)
	require.Equal(t, "b", next.Result[0]["_id"])
	require.Nil(t, next.PagedResultsCookie)

	var errBody errorBody
	res, err = client.R().
		SetQueryParam("_queryFilter", "/age gt").
		SetError(&errBody).
		Get("/users")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, res.StatusCode())
	require.Equal(t, 400, errBody.Code)
}

func TestActionOverHTTP(t *testing.T) {
	store := memory.NewStore(memory.WithAction("echo", func(_ context.Context, _ contexts.Context, req *resource.ActionRequest) (*resource.ActionResponse, error) {
		return &resource.ActionResponse{Content: map[string]any{"got": req.Content, "who": req.Params["who"]}}, nil
	}))
	client := serve(t, store)

	var out map[string]any
	res, err := client.R().
		SetQueryParams(map[string]string{"_action": "echo", "who": "me"}).
		SetBody([]int{1, 2}).
		SetResult(&out).
		Post("/anything")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode(), res.String())
	require.Equal(t, map[string]any{"got": []any{1.0, 2.0}, "who": "me"}, out)

	res, err = client.R().SetQueryParam("_action", "nope").Post("/anything")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotImplemented, res.StatusCode())
}

func TestRequestRejections(t *testing.T) {
	client := serve(t, memory.NewStore())

	cases := []struct {
		name   string
		req    func() (*resty.Response, error)
		status int
	}{
		{"unknown reserved parameter", func() (*resty.Response, error) {
			return client.R().SetQueryParam("_bogus", "1").Get("/users/a")
		}, http.StatusBadRequest},
		{"create without body", func() (*resty.Response, error) {
			return client.R().Post("/users")
		}, http.StatusBadRequest},
		{"unsupported method", func() (*resty.Response, error) {
			return client.R().Execute(http.MethodOptions, "/users")
		}, http.StatusMethodNotAllowed},
		{"empty patch", func() (*resty.Response, error) {
			return client.R().SetBody([]any{}).Patch("/users/a")
		}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := tc.req()
			require.NoError(t, err)
			require.Equal(t, tc.status, res.StatusCode(), res.String())
			require.Contains(t, res.Header().Get("Content-Type"), "application/json")
		})
	}
}

func TestFilesOverHTTP(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "a.txt"), []byte("hello"), 0o644))
	p, err := fsconn.New(root)
	require.NoError(t, err)
	client := serve(t, p)

	res, err := client.R().SetQueryParam("_mimeType", "application/octet-stream").Get("/docs/a.txt")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode(), res.String())
	require.Equal(t, "hello", res.String())
	require.Equal(t, "application/octet-stream", res.Header().Get("Content-Type"))

	res, err = client.R().
		SetHeader("If-None-Match", "*").
		SetBody(map[string]any{"content": base64.RawURLEncoding.EncodeToString([]byte("new file"))}).
		Put("/docs/b.txt")
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, res.StatusCode(), res.String())
	b, err := os.ReadFile(filepath.Join(root, "docs", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "new file", string(b))

	var page queryBody
	res, err = client.R().
		SetQueryParams(map[string]string{"_queryFilter": "true", "_sortKeys": "_id"}).
		SetResult(&page).
		Get("/docs")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode(), res.String())
	require.Equal(t, []map[string]any{
		{"_id": "a.txt", "size": 5.0},
		{"_id": "b.txt", "size": 8.0},
	}, page.Result)

	res, err = client.R().Patch("/docs/a.txt")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, res.StatusCode())

	res, err = client.R().
		SetBody([]map[string]any{{"operation": "remove", "field": "/content"}}).
		Patch("/docs/a.txt")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotImplemented, res.StatusCode())
}
