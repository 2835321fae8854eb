// Package contexts implements the request-scoped context chain: a
// parent-linked list of typed nodes carrying metadata (identity, routing
// match, transaction id, response advice) from the transport down to
// connections and back to the response writer.
//
// A chain is built once per request by wrapping. Nodes are never modified
// after construction; components that want to contribute data add a child.
package contexts

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
)

var (
	// ErrNotFound is returned by lookups that reach the root without a match.
	ErrNotFound = errors.New("context not found")
	// ErrMissingID is returned by ID when no node up to the root carries an id.
	ErrMissingID = errors.New("context chain has no id")
)

// Context is a single node of a context chain.
type Context interface {
	// Name is the declared name used by ByName.
	Name() string
	// Type is the tag under which the node is persisted and registered.
	Type() string
	// OwnID is the id carried by this node itself, or "".
	OwnID() string
	// Parent returns nil for the root.
	Parent() Context
	// Fields returns the persisted data of this node. The keys "id", "type"
	// and "parent" are reserved.
	Fields() map[string]any
}

// Node is the base for context implementations. Embed it and override Fields
// when the node has typed data.
type Node struct {
	typ    string
	name   string
	id     string
	parent Context
	data   map[string]any
}

// NewNode builds a node with the given tag. name defaults to typ. data is
// copied; reserved keys are dropped.
func NewNode(typ, name, id string, parent Context, data map[string]any) Node {
	if name == "" {
		name = typ
	}
	cp := make(map[string]any, len(data))
	for k, v := range data {
		if isReserved(k) {
			continue
		}
		cp[k] = v
	}
	return Node{typ: typ, name: name, id: id, parent: parent, data: cp}
}

func (n Node) Name() string    { return n.name }
func (n Node) Type() string    { return n.typ }
func (n Node) OwnID() string   { return n.id }
func (n Node) Parent() Context { return n.parent }

func (n Node) Fields() map[string]any { return maps.Clone(n.data) }

// Get returns a single data field of a generic node.
func (n Node) Get(key string) (any, bool) {
	v, ok := n.data[key]
	return v, ok
}

func (n Node) String() string {
	return fmt.Sprintf("%s{id=%q}", n.typ, n.id)
}

// TypeNode is the registry tag of nodes created by Wrap.
const TypeNode = "node"

// Wrap returns a new leaf below parent with an empty data map. id may be
// empty, in which case ID resolves through the parent. parent must not be
// nil; use NewRoot to start a chain.
func Wrap(parent Context, id string) (*Node, error) {
	if isNil(parent) {
		return nil, fmt.Errorf("wrap: parent context is required")
	}
	n := NewNode(TypeNode, "", id, parent, nil)
	return &n, nil
}

// ID returns the effective id of c: its own id or that of the nearest
// ancestor that carries one.
func ID(c Context) (string, error) {
	for n := c; !isNil(n); n = n.Parent() {
		if id := n.OwnID(); id != "" {
			return id, nil
		}
	}
	return "", ErrMissingID
}

// IsRoot reports whether c has no parent.
func IsRoot(c Context) bool { return isNil(c.Parent()) }

// Root returns the root of the chain containing c.
func Root(c Context) Context {
	for !isNil(c.Parent()) {
		c = c.Parent()
	}
	return c
}

// As returns the nearest node, starting with c itself, that is a T. T is
// usually a capability interface such as Advisor, or a concrete node type.
func As[T any](c Context) (T, error) {
	for n := c; !isNil(n); n = n.Parent() {
		if t, ok := n.(T); ok {
			return t, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%w: no context of type %s", ErrNotFound, reflect.TypeFor[T]())
}

// Contains reports whether As[T] would succeed.
func Contains[T any](c Context) bool {
	_, err := As[T](c)
	return err == nil
}

// ByName returns the nearest node, starting with c itself, whose Name is name.
func ByName(c Context, name string) (Context, error) {
	for n := c; !isNil(n); n = n.Parent() {
		if n.Name() == name {
			return n, nil
		}
	}
	return nil, fmt.Errorf("%w: no context named %q", ErrNotFound, name)
}

// ContainsName reports whether ByName would succeed.
func ContainsName(c Context, name string) bool {
	_, err := ByName(c, name)
	return err == nil
}

// Walk calls fn for c and each ancestor, nearest first, until fn returns false.
func Walk(c Context, fn func(Context) bool) {
	for n := c; !isNil(n); n = n.Parent() {
		if !fn(n) {
			return
		}
	}
}

func isReserved(k string) bool {
	return k == fieldID || k == fieldType || k == fieldParent
}

// isNil treats typed nil pointers stored in the interface as nil.
func isNil(c Context) bool {
	if c == nil {
		return true
	}
	v := reflect.ValueOf(c)
	return v.Kind() == reflect.Pointer && v.IsNil()
}
