package resource

import (
	"fmt"
	"strings"
)

// ResourceResponse is the result of create, read, update, delete and patch,
// and the unit streamed by queries.
type ResourceResponse struct {
	ID                 string
	Revision           string
	Content            map[string]any
	ResourceAPIVersion Version
}

// ActionResponse carries an arbitrary JSON value. A nil *ActionResponse means
// the action produced no content.
type ActionResponse struct {
	Content            any
	ResourceAPIVersion Version
}

// CountPolicy controls whether a query reports a total result count.
type CountPolicy string

const (
	CountPolicyNone     CountPolicy = "NONE"
	CountPolicyExact    CountPolicy = "EXACT"
	CountPolicyEstimate CountPolicy = "ESTIMATE"
)

// ParseCountPolicy accepts the policy names case-insensitively. An empty
// string yields NONE.
func ParseCountPolicy(s string) (CountPolicy, error) {
	switch CountPolicy(strings.ToUpper(strings.TrimSpace(s))) {
	case "", CountPolicyNone:
		return CountPolicyNone, nil
	case CountPolicyExact:
		return CountPolicyExact, nil
	case CountPolicyEstimate:
		return CountPolicyEstimate, nil
	}
	return "", NewBadRequest("unknown total paged results policy %q", s)
}

// NoCount is the TotalPagedResults value used when no count was computed.
const NoCount = -1

// QueryResponse is the terminal summary of a query. The matching resources
// are delivered to the QueryResourceHandler before it is returned.
type QueryResponse struct {
	PagedResultsCookie      string
	TotalPagedResultsPolicy CountPolicy
	TotalPagedResults       int
	RemainingPagedResults   int
	ResourceAPIVersion      Version
}

// NewQueryResponse returns a summary with no cookie and no count.
func NewQueryResponse() *QueryResponse {
	return &QueryResponse{
		TotalPagedResultsPolicy: CountPolicyNone,
		TotalPagedResults:       NoCount,
		RemainingPagedResults:   NoCount,
	}
}

func (r *QueryResponse) String() string {
	return fmt.Sprintf("QueryResponse{cookie=%q policy=%s total=%d}", r.PagedResultsCookie, r.TotalPagedResultsPolicy, r.TotalPagedResults)
}
