package resource

import (
	"context"

	"github.com/ggoodman/jsonresource-go/contexts"
)

// QueryResourceHandler receives query results in the order the connection
// produces them. Returning false asks the connection to stop early; the
// connection must still return from Query.
type QueryResourceHandler func(*ResourceResponse) bool

// Connection performs resource operations on behalf of a single request.
// Implementations own the storage semantics; callers own the Connection and
// must Close it exactly once. rc is the request's context chain.
type Connection interface {
	Create(ctx context.Context, rc contexts.Context, req *CreateRequest) (*ResourceResponse, error)
	Read(ctx context.Context, rc contexts.Context, req *ReadRequest) (*ResourceResponse, error)
	Update(ctx context.Context, rc contexts.Context, req *UpdateRequest) (*ResourceResponse, error)
	Delete(ctx context.Context, rc contexts.Context, req *DeleteRequest) (*ResourceResponse, error)
	Patch(ctx context.Context, rc contexts.Context, req *PatchRequest) (*ResourceResponse, error)
	Action(ctx context.Context, rc contexts.Context, req *ActionRequest) (*ActionResponse, error)
	Query(ctx context.Context, rc contexts.Context, req *QueryRequest, handler QueryResourceHandler) (*QueryResponse, error)

	Close() error
}

// ConnectionProvider hands out connections by identifier.
type ConnectionProvider interface {
	Connection(ctx context.Context, id string) (Connection, error)
	ConnectionID(conn Connection) (string, error)
}
