package resource

import (
	"fmt"
	"strings"
)

// RequestType discriminates the seven canonical resource operations.
type RequestType string

const (
	RequestCreate RequestType = "create"
	RequestRead   RequestType = "read"
	RequestUpdate RequestType = "update"
	RequestDelete RequestType = "delete"
	RequestPatch  RequestType = "patch"
	RequestAction RequestType = "action"
	RequestQuery  RequestType = "query"
)

// Request is one of CreateRequest, ReadRequest, UpdateRequest, DeleteRequest,
// PatchRequest, ActionRequest or QueryRequest. Requests are values and are
// not modified once built.
type Request interface {
	RequestType() RequestType
	ResourcePath() ResourcePath
	// Fields lists the JSON pointers the caller wants returned; empty means all.
	Fields() []string

	request()
}

// Common holds the fields shared by all requests.
type Common struct {
	Path        ResourcePath
	FieldFilter []string
}

func (c Common) ResourcePath() ResourcePath { return c.Path }
func (c Common) Fields() []string           { return c.FieldFilter }

// CreateRequest adds a resource to the collection at Path. NewResourceID is
// optional; when empty the connection picks one.
type CreateRequest struct {
	Common
	NewResourceID string
	Content       map[string]any
}

type ReadRequest struct {
	Common
}

// UpdateRequest replaces the resource at Path. Revision, when set, must
// match the stored revision.
type UpdateRequest struct {
	Common
	Content  map[string]any
	Revision string
}

type DeleteRequest struct {
	Common
	Revision string
}

type PatchRequest struct {
	Common
	Operations []PatchOperation
	Revision   string
}

// ActionRequest invokes a named action. Content may be nil.
type ActionRequest struct {
	Common
	Action  string
	Content any
	Params  map[string]string
}

// QueryRequest selects resources from the collection at Path. At most one of
// Filter, QueryID and QueryExpression is set.
type QueryRequest struct {
	Common
	Filter                  string
	QueryID                 string
	QueryExpression         string
	SortKeys                []SortKey
	PageSize                int
	PagedResultsCookie      string
	PagedResultsOffset      int
	TotalPagedResultsPolicy CountPolicy
	Params                  map[string]string
}

func (*CreateRequest) RequestType() RequestType { return RequestCreate }
func (*ReadRequest) RequestType() RequestType   { return RequestRead }
func (*UpdateRequest) RequestType() RequestType { return RequestUpdate }
func (*DeleteRequest) RequestType() RequestType { return RequestDelete }
func (*PatchRequest) RequestType() RequestType  { return RequestPatch }
func (*ActionRequest) RequestType() RequestType { return RequestAction }
func (*QueryRequest) RequestType() RequestType  { return RequestQuery }

func (*CreateRequest) request() {}
func (*ReadRequest) request()   {}
func (*UpdateRequest) request() {}
func (*DeleteRequest) request() {}
func (*PatchRequest) request()  {}
func (*ActionRequest) request() {}
func (*QueryRequest) request()  {}

// RequestVisitor receives exactly one call from Visit.
type RequestVisitor[T any] interface {
	VisitCreate(*CreateRequest) T
	VisitRead(*ReadRequest) T
	VisitUpdate(*UpdateRequest) T
	VisitDelete(*DeleteRequest) T
	VisitPatch(*PatchRequest) T
	VisitAction(*ActionRequest) T
	VisitQuery(*QueryRequest) T
}

// Visit dispatches req to the matching visitor method.
func Visit[T any](req Request, v RequestVisitor[T]) T {
	switch r := req.(type) {
	case *CreateRequest:
		return v.VisitCreate(r)
	case *ReadRequest:
		return v.VisitRead(r)
	case *UpdateRequest:
		return v.VisitUpdate(r)
	case *DeleteRequest:
		return v.VisitDelete(r)
	case *PatchRequest:
		return v.VisitPatch(r)
	case *ActionRequest:
		return v.VisitAction(r)
	case *QueryRequest:
		return v.VisitQuery(r)
	}
	// The request interface is sealed, so this is unreachable for non-nil req.
	panic(fmt.Sprintf("resource: unsupported request type %T", req))
}

// PatchOperation is a single JSON patch style step.
type PatchOperation struct {
	Operation string `json:"operation"`
	Field     string `json:"field"`
	From      string `json:"from,omitempty"`
	Value     any    `json:"value,omitempty"`
}

const (
	PatchAdd       = "add"
	PatchRemove    = "remove"
	PatchReplace   = "replace"
	PatchIncrement = "increment"
	PatchMove      = "move"
	PatchCopy      = "copy"
)

// SortKey orders query results by the value at a JSON pointer.
type SortKey struct {
	Field     string
	Ascending bool
}

func (k SortKey) String() string {
	if k.Ascending {
		return "+" + k.Field
	}
	return "-" + k.Field
}

// ParseSortKeys parses "+name,-age,id". Unprefixed keys are ascending.
func ParseSortKeys(s string) ([]SortKey, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var keys []SortKey
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		asc := true
		switch {
		case strings.HasPrefix(part, "+"):
			part = part[1:]
		case strings.HasPrefix(part, "-"):
			asc = false
			part = part[1:]
		}
		if part == "" {
			return nil, NewBadRequest("the sort keys %q contain an empty sort key", s)
		}
		keys = append(keys, SortKey{Field: part, Ascending: asc})
	}
	return keys, nil
}
