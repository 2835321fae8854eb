package contexts

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

// countingNode counts how many times lookups inspect it.
type countingNode struct {
	Context
	visits *int
}

func (c countingNode) Name() string {
	*c.visits++
	return c.Context.Name()
}

func buildChain(t *testing.T) Context {
	t.Helper()
	root := NewRoot("root-1")
	tx := NewTransactionIDContext(root, "tx-1")
	router := NewRouterContext(tx, "/users", map[string]string{"tenant": "acme"})
	advice := WithAdvice(router, "X-Advice", "a", "b")
	leaf, err := Wrap(advice, "")
	require.NoError(t, err)
	return leaf
}

func TestWrapRequiresParent(t *testing.T) {
	_, err := Wrap(nil, "x")
	require.Error(t, err)

	var typedNil *RootContext
	_, err = Wrap(typedNil, "x")
	require.Error(t, err)
}

func TestWrapCarriesEmptyData(t *testing.T) {
	n, err := Wrap(NewRoot("r"), "child")
	require.NoError(t, err)
	require.Empty(t, n.Fields())
	require.Equal(t, "child", n.OwnID())
	require.Equal(t, TypeNode, n.Type())
}

func TestIDResolvesToNearestAncestor(t *testing.T) {
	root := NewRoot("root-1")
	mid, err := Wrap(root, "mid")
	require.NoError(t, err)
	leaf, err := Wrap(mid, "")
	require.NoError(t, err)

	id, err := ID(leaf)
	require.NoError(t, err)
	require.Equal(t, "mid", id)

	noID, err := Wrap(root, "")
	require.NoError(t, err)
	id, err = ID(noID)
	require.NoError(t, err)
	require.Equal(t, "root-1", id)
}

func TestIDFailsWhenRootHasNone(t *testing.T) {
	root := &Node{typ: TypeRoot, name: TypeRoot}
	_, err := ID(root)
	require.ErrorIs(t, err, ErrMissingID)
}

func TestNewRootGeneratesID(t *testing.T) {
	r := NewRoot("")
	require.NotEmpty(t, r.OwnID())
	require.True(t, IsRoot(r))
}

func TestAsReturnsNearestMatch(t *testing.T) {
	leaf := buildChain(t)

	router, err := As[Router](leaf)
	require.NoError(t, err)
	require.Equal(t, "/users", router.MatchedURI())

	tx, err := As[*TransactionIDContext](leaf)
	require.NoError(t, err)
	require.Equal(t, "tx-1", tx.TransactionID())

	// A node matches itself.
	adv := WithAdvice(NewRoot("r"), "X-A", "1")
	got, err := As[*AdviceContext](adv)
	require.NoError(t, err)
	require.Same(t, adv, got)

	nearer := WithAdvice(adv, "X-B", "2")
	got, err = As[*AdviceContext](nearer)
	require.NoError(t, err)
	require.Same(t, nearer, got)
}

func TestAsMissIsNotFound(t *testing.T) {
	leaf := buildChain(t)
	_, err := As[*SecurityContext](leaf)
	require.ErrorIs(t, err, ErrNotFound)
	require.False(t, Contains[*SecurityContext](leaf))
	require.True(t, Contains[Advisor](leaf))
}

func TestByName(t *testing.T) {
	leaf := buildChain(t)

	c, err := ByName(leaf, TypeRouter)
	require.NoError(t, err)
	require.IsType(t, &RouterContext{}, c)

	_, err = ByName(leaf, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.True(t, ContainsName(leaf, TypeRoot))
	require.False(t, ContainsName(leaf, TypeHTTP))
}

func TestLookupVisitsAtMostDepthPlusOneNodes(t *testing.T) {
	visits := 0
	var c Context = countingNode{Context: NewRoot("r"), visits: &visits}
	const depth = 5
	for i := 0; i < depth; i++ {
		n, err := Wrap(c, "")
		require.NoError(t, err)
		c = countingNode{Context: n, visits: &visits}
	}

	_, err := ByName(c, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, depth+1, visits)
}

func TestMergedAdviceNearestWins(t *testing.T) {
	root := NewRoot("r")
	a := WithAdvice(root, "x-one", "1")
	other := newAdviceContext(Node{typ: TypeAdvice, name: TypeAdvice, parent: a}, map[string][]string{"X-One": {"override"}, "X-Two": {"2"}})

	got := MergedAdvice(other)
	require.Equal(t, []string{"override"}, got["X-One"])
	require.Equal(t, []string{"2"}, got["X-Two"])
}

func TestWithAdviceAccumulates(t *testing.T) {
	a := WithAdvice(NewRoot("r"), "X-One", "1")
	b := WithAdvice(a, "X-One", "2")
	require.Equal(t, []string{"1", "2"}, b.Advice()["X-One"])
	// The parent is left untouched.
	require.Equal(t, []string{"1"}, a.Advice()["X-One"])
}

func TestHTTPContextDropsCredentials(t *testing.T) {
	r := httptest.NewRequest("GET", "/users/1?_fields=name", nil)
	r.Header.Set("Authorization", "Bearer secret")
	r.Header.Set("If-None-Match", `"3"`)
	c := NewHTTPContext(NewRoot("r"), r)

	require.Equal(t, "GET", c.Method())
	require.Equal(t, "/users/1", c.Path())
	require.Equal(t, `"3"`, c.Header("If-None-Match"))
	require.Empty(t, c.Header("Authorization"))
	require.Equal(t, []string{"name"}, c.Parameter("_fields"))
}

func TestSerializeShape(t *testing.T) {
	leaf := buildChain(t)
	out := Serialize(leaf)

	require.Equal(t, TypeNode, out["type"])
	_, hasID := out["id"]
	require.False(t, hasID)

	adv := out["parent"].(map[string]any)
	require.Equal(t, TypeAdvice, adv["type"])
	require.Equal(t, map[string]any{"X-Advice": []any{"a", "b"}}, adv["advice"])

	root := adv["parent"].(map[string]any)["parent"].(map[string]any)["parent"].(map[string]any)
	require.Equal(t, TypeRoot, root["type"])
	require.Equal(t, "root-1", root["id"])
	require.Nil(t, root["parent"])
}

func TestRoundTrip(t *testing.T) {
	r := httptest.NewRequest("POST", "/users?_action=reset", nil)
	root := NewRoot("root-1")
	var c Context = NewTransactionIDContext(root, "tx")
	c = NewHTTPContext(c, r)
	c = NewSecurityContext(c, "alice", map[string]any{"roles": []any{"admin"}})
	c = NewRouterContext(c, "/api", nil)
	c = WithAdvice(c, "X-Trace", "1")
	leaf, err := Wrap(c, "leaf-id")
	require.NoError(t, err)

	cfg := DefaultConfig()

	// Directly from the structured value.
	back, err := Deserialize(Serialize(leaf), cfg)
	require.NoError(t, err)
	require.Equal(t, Serialize(leaf), Serialize(back))

	// Through JSON bytes.
	b, err := MarshalJSON(leaf)
	require.NoError(t, err)
	back, err = UnmarshalJSON(b, cfg)
	require.NoError(t, err)

	var want, got any
	require.NoError(t, json.Unmarshal(b, &want))
	b2, err := MarshalJSON(back)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b2, &got))
	require.Equal(t, want, got)

	sec, err := As[*SecurityContext](back)
	require.NoError(t, err)
	require.Equal(t, "alice", sec.AuthenticationID())
	id, err := ID(back)
	require.NoError(t, err)
	require.Equal(t, "leaf-id", id)
	require.Equal(t, "root-1", Root(back).OwnID())
}

func TestDeserializeUnknownType(t *testing.T) {
	_, err := Deserialize(map[string]any{"type": "nope", "id": "x", "parent": nil}, DefaultConfig())
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestDeserializeUnknownParentType(t *testing.T) {
	v := map[string]any{
		"type":   TypeNode,
		"parent": map[string]any{"type": "nope", "id": "x", "parent": nil},
	}
	_, err := Deserialize(v, DefaultConfig())
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestDeserializeMissingRequiredField(t *testing.T) {
	v := map[string]any{
		"type":   TypeRouter,
		"parent": map[string]any{"type": TypeRoot, "id": "r", "parent": nil},
	}
	_, err := Deserialize(v, DefaultConfig())
	require.ErrorIs(t, err, ErrInvalidContext)
}

func TestDeserializeInvalidShapes(t *testing.T) {
	cfg := DefaultConfig()
	cases := map[string]map[string]any{
		"missing type":    {"id": "x", "parent": nil},
		"root without id": {"type": TypeRoot, "parent": nil},
		"bad parent":      {"type": TypeNode, "parent": "nope"},
		"non string id":   {"type": TypeRoot, "id": 7, "parent": nil},
		"wrong field type": {
			"type":          TypeTransactionID,
			"transactionId": 12,
			"parent":        map[string]any{"type": TypeRoot, "id": "r", "parent": nil},
		},
	}
	for name, v := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Deserialize(v, cfg)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidContext), "got %v", err)
		})
	}
}

type tenantData struct {
	Tenant string `json:"tenant"`
	Region string `json:"region,omitempty"`
}

type tenantContext struct {
	Node
	data tenantData
}

func (c *tenantContext) Fields() map[string]any { return toFields(c.data) }

func TestRegisterTypedCustomNode(t *testing.T) {
	reg := DefaultRegistry()
	require.NoError(t, RegisterTyped(reg, "tenant", func(s Saved, d tenantData) (Context, error) {
		return &tenantContext{Node: s.node("tenant"), data: d}, nil
	}))
	require.Error(t, reg.Register("tenant", func(Saved, *Config) (Context, error) { return nil, nil }))

	root := NewRoot("r")
	tc := &tenantContext{Node: Node{typ: "tenant", name: "tenant", parent: root}, data: tenantData{Tenant: "acme"}}

	back, err := Deserialize(Serialize(tc), &Config{Registry: reg})
	require.NoError(t, err)
	got, err := As[*tenantContext](back)
	require.NoError(t, err)
	require.Equal(t, "acme", got.data.Tenant)

	// region is optional, tenant is not.
	_, err = Deserialize(map[string]any{"type": "tenant", "region": "eu", "parent": Serialize(root)}, &Config{Registry: reg})
	require.ErrorIs(t, err, ErrInvalidContext)
}
