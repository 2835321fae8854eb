package queryeval

import (
	"sort"
	"strconv"

	"github.com/ggoodman/jsonresource-go/resource"
)

// Page is the outcome of Apply.
type Page struct {
	Results  []*resource.ResourceResponse
	Response *resource.QueryResponse
}

// Apply filters, sorts and pages all. A QueryRequest without a filter
// matches everything. The cookie, when present, is the offset of the next
// page and wins over PagedResultsOffset.
func Apply(all []*resource.ResourceResponse, req *resource.QueryRequest) (*Page, error) {
	var filter Filter = literalFilter(true)
	if req.Filter != "" {
		f, err := ParseFilter(req.Filter)
		if err != nil {
			return nil, err
		}
		filter = f
	}

	matched := make([]*resource.ResourceResponse, 0, len(all))
	for _, r := range all {
		if filter.Match(r.Content) {
			matched = append(matched, r)
		}
	}
	Sort(matched, req.SortKeys)

	offset := req.PagedResultsOffset
	if req.PagedResultsCookie != "" {
		n, err := strconv.Atoi(req.PagedResultsCookie)
		if err != nil || n < 0 {
			return nil, resource.NewBadRequest("invalid paged results cookie %q", req.PagedResultsCookie)
		}
		offset = n
	}
	if offset > len(matched) {
		offset = len(matched)
	}

	end := len(matched)
	if req.PageSize > 0 && offset+req.PageSize < end {
		end = offset + req.PageSize
	}

	qr := resource.NewQueryResponse()
	if req.PageSize > 0 && end < len(matched) {
		qr.PagedResultsCookie = strconv.Itoa(end)
	}
	switch req.TotalPagedResultsPolicy {
	case resource.CountPolicyExact, resource.CountPolicyEstimate:
		qr.TotalPagedResultsPolicy = req.TotalPagedResultsPolicy
		qr.TotalPagedResults = len(matched)
		qr.RemainingPagedResults = len(matched) - end
	}
	return &Page{Results: matched[offset:end], Response: qr}, nil
}

// Sort orders results by keys, stably. With no keys results are ordered by
// id.
func Sort(results []*resource.ResourceResponse, keys []resource.SortKey) {
	if len(keys) == 0 {
		sort.SliceStable(results, func(i, j int) bool { return results[i].ID < results[j].ID })
		return
	}
	sort.SliceStable(results, func(i, j int) bool {
		for _, k := range keys {
			a, _ := Resolve(results[i].Content, k.Field)
			b, _ := Resolve(results[j].Content, k.Field)
			c := Compare(a, b)
			if c == 0 {
				continue
			}
			if k.Ascending {
				return c < 0
			}
			return c > 0
		}
		return false
	})
}
