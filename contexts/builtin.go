package contexts

import (
	"maps"
	"net/http"
	"slices"

	"github.com/google/uuid"
)

// Registry tags of the built-in node kinds.
const (
	TypeRoot          = "root"
	TypeAdvice        = "advice"
	TypeRouter        = "router"
	TypeHTTP          = "http"
	TypeSecurity      = "security"
	TypeTransactionID = "transactionId"
)

// Advisor is implemented by nodes that carry response advice: headers that
// must be copied onto every response for the request.
type Advisor interface {
	Advice() map[string][]string
}

// Router is implemented by nodes that record the part of the request URI
// matched before dispatch.
type Router interface {
	MatchedURI() string
	URITemplateVariables() map[string]string
}

// RootContext starts every chain and always carries an id.
type RootContext struct {
	Node
}

// NewRoot returns a root context. An empty id is replaced with a random UUID.
func NewRoot(id string) *RootContext {
	if id == "" {
		id = uuid.NewString()
	}
	return &RootContext{Node: NewNode(TypeRoot, "", id, nil, nil)}
}

type adviceData struct {
	Advice map[string][]string `json:"advice"`
}

// AdviceContext carries response headers contributed by policy components.
type AdviceContext struct {
	Node
	data adviceData
}

// WithAdvice returns a child of parent that adds values to the advice for
// header. Advice inherited from ancestors is included, so the new node's
// Advice is the complete set seen so far.
func WithAdvice(parent Context, header string, values ...string) *AdviceContext {
	merged := MergedAdvice(parent)
	header = http.CanonicalHeaderKey(header)
	merged[header] = append(merged[header], values...)
	return newAdviceContext(Node{typ: TypeAdvice, name: TypeAdvice, parent: parent}, merged)
}

func newAdviceContext(n Node, advice map[string][]string) *AdviceContext {
	if advice == nil {
		advice = map[string][]string{}
	}
	return &AdviceContext{Node: n, data: adviceData{Advice: advice}}
}

func (c *AdviceContext) Advice() map[string][]string {
	out := make(map[string][]string, len(c.data.Advice))
	for k, v := range c.data.Advice {
		out[k] = slices.Clone(v)
	}
	return out
}

func (c *AdviceContext) Fields() map[string]any { return toFields(c.data) }

// MergedAdvice collects advice from every Advisor in the chain. When two
// nodes advise the same header the nearest one wins.
func MergedAdvice(c Context) map[string][]string {
	out := map[string][]string{}
	Walk(c, func(n Context) bool {
		a, ok := n.(Advisor)
		if !ok {
			return true
		}
		for k, v := range a.Advice() {
			k = http.CanonicalHeaderKey(k)
			if _, seen := out[k]; !seen {
				out[k] = slices.Clone(v)
			}
		}
		return true
	})
	return out
}

type routerData struct {
	MatchedURI           string            `json:"matchedUri"`
	URITemplateVariables map[string]string `json:"uriTemplateVariables,omitempty"`
}

// RouterContext records the base URI matched by routing.
type RouterContext struct {
	Node
	data routerData
}

func NewRouterContext(parent Context, matchedURI string, vars map[string]string) *RouterContext {
	return &RouterContext{
		Node: Node{typ: TypeRouter, name: TypeRouter, parent: parent},
		data: routerData{MatchedURI: matchedURI, URITemplateVariables: maps.Clone(vars)},
	}
}

func (c *RouterContext) MatchedURI() string { return c.data.MatchedURI }

func (c *RouterContext) URITemplateVariables() map[string]string {
	return maps.Clone(c.data.URITemplateVariables)
}

func (c *RouterContext) Fields() map[string]any { return toFields(c.data) }

type httpData struct {
	Method     string              `json:"method"`
	Path       string              `json:"path"`
	Headers    map[string][]string `json:"headers"`
	Parameters map[string][]string `json:"parameters"`
}

// HTTPContext captures the inbound HTTP request in persistable form.
type HTTPContext struct {
	Node
	data httpData
}

// NewHTTPContext copies method, path, headers and query parameters of r.
// The Authorization and Cookie headers are not retained.
func NewHTTPContext(parent Context, r *http.Request) *HTTPContext {
	headers := make(map[string][]string, len(r.Header))
	for k, v := range r.Header {
		if k == "Authorization" || k == "Cookie" {
			continue
		}
		headers[k] = slices.Clone(v)
	}
	params := make(map[string][]string)
	for k, v := range r.URL.Query() {
		params[k] = slices.Clone(v)
	}
	return &HTTPContext{
		Node: Node{typ: TypeHTTP, name: TypeHTTP, parent: parent},
		data: httpData{Method: r.Method, Path: r.URL.Path, Headers: headers, Parameters: params},
	}
}

func (c *HTTPContext) Method() string { return c.data.Method }
func (c *HTTPContext) Path() string   { return c.data.Path }

// Header returns the first value of the named header.
func (c *HTTPContext) Header(name string) string {
	return http.Header(c.data.Headers).Get(name)
}

func (c *HTTPContext) Parameter(name string) []string { return slices.Clone(c.data.Parameters[name]) }

func (c *HTTPContext) Fields() map[string]any { return toFields(c.data) }

type securityData struct {
	AuthenticationID string         `json:"authenticationId"`
	Authorization    map[string]any `json:"authorization"`
}

// SecurityContext forwards an identity established by an upstream component.
// Nothing in this module verifies it.
type SecurityContext struct {
	Node
	data securityData
}

func NewSecurityContext(parent Context, authenticationID string, authorization map[string]any) *SecurityContext {
	if authorization == nil {
		authorization = map[string]any{}
	}
	return &SecurityContext{
		Node: Node{typ: TypeSecurity, name: TypeSecurity, parent: parent},
		data: securityData{AuthenticationID: authenticationID, Authorization: maps.Clone(authorization)},
	}
}

func (c *SecurityContext) AuthenticationID() string      { return c.data.AuthenticationID }
func (c *SecurityContext) Authorization() map[string]any { return maps.Clone(c.data.Authorization) }
func (c *SecurityContext) Fields() map[string]any        { return toFields(c.data) }

type transactionData struct {
	TransactionID string `json:"transactionId"`
}

// TransactionIDContext carries a correlation id shared with downstream calls.
type TransactionIDContext struct {
	Node
	data transactionData
}

// NewTransactionIDContext uses value, or a random UUID when value is empty.
func NewTransactionIDContext(parent Context, value string) *TransactionIDContext {
	if value == "" {
		value = uuid.NewString()
	}
	return &TransactionIDContext{
		Node: Node{typ: TypeTransactionID, name: TypeTransactionID, parent: parent},
		data: transactionData{TransactionID: value},
	}
}

func (c *TransactionIDContext) TransactionID() string  { return c.data.TransactionID }
func (c *TransactionIDContext) Fields() map[string]any { return toFields(c.data) }

// DefaultRegistry returns a registry that knows every built-in node kind.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	mustRegister(r.Register(TypeNode, func(s Saved, _ *Config) (Context, error) {
		if s.Parent == nil {
			return nil, invalidf(TypeNode, "a %q node must have a parent", TypeNode)
		}
		n := NewNode(TypeNode, "", s.ID, s.Parent, s.Fields)
		return &n, nil
	}))
	mustRegister(r.Register(TypeRoot, func(s Saved, _ *Config) (Context, error) {
		if s.Parent != nil {
			return nil, invalidf(TypeRoot, "a root context cannot have a parent")
		}
		if s.ID == "" {
			return nil, invalidf(TypeRoot, "a root context must have an id")
		}
		return &RootContext{Node: NewNode(TypeRoot, "", s.ID, nil, nil)}, nil
	}))
	mustRegister(RegisterTyped(r, TypeAdvice, func(s Saved, d adviceData) (Context, error) {
		return newAdviceContext(s.node(TypeAdvice), d.Advice), nil
	}))
	mustRegister(RegisterTyped(r, TypeRouter, func(s Saved, d routerData) (Context, error) {
		return &RouterContext{Node: s.node(TypeRouter), data: d}, nil
	}))
	mustRegister(RegisterTyped(r, TypeHTTP, func(s Saved, d httpData) (Context, error) {
		return &HTTPContext{Node: s.node(TypeHTTP), data: d}, nil
	}))
	mustRegister(RegisterTyped(r, TypeSecurity, func(s Saved, d securityData) (Context, error) {
		return &SecurityContext{Node: s.node(TypeSecurity), data: d}, nil
	}))
	mustRegister(RegisterTyped(r, TypeTransactionID, func(s Saved, d transactionData) (Context, error) {
		return &TransactionIDContext{Node: s.node(TypeTransactionID), data: d}, nil
	}))
	return r
}

func mustRegister(err error) {
	if err != nil {
		panic(err)
	}
}
