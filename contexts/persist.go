package contexts

import (
	"encoding/json"
	"fmt"
)

const (
	fieldID     = "id"
	fieldType   = "type"
	fieldParent = "parent"
)

// Config carries what Deserialize needs to rebuild nodes.
type Config struct {
	Registry *Registry
}

// DefaultConfig uses DefaultRegistry.
func DefaultConfig() *Config {
	return &Config{Registry: DefaultRegistry()}
}

// Serialize returns the persisted form of the chain ending at c:
//
//	{"id": "...", "type": "advice", <fields>, "parent": {...} | null}
//
// The id key is omitted for nodes without an own id.
func Serialize(c Context) map[string]any {
	out := make(map[string]any)
	for k, v := range c.Fields() {
		if !isReserved(k) {
			out[k] = v
		}
	}
	out[fieldType] = c.Type()
	if id := c.OwnID(); id != "" {
		out[fieldID] = id
	}
	if p := c.Parent(); !isNil(p) {
		out[fieldParent] = Serialize(p)
	} else {
		out[fieldParent] = nil
	}
	return out
}

// MarshalJSON encodes Serialize(c).
func MarshalJSON(c Context) ([]byte, error) {
	return json.Marshal(Serialize(c))
}

// Deserialize rebuilds a chain from its persisted form. The parent is rebuilt
// before the node itself. Unknown tags fail with ErrUnknownType and malformed
// values with ErrInvalidContext.
func Deserialize(value map[string]any, cfg *Config) (Context, error) {
	if cfg == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("deserialize context: a registry is required")
	}
	if value == nil {
		return nil, fmt.Errorf("%w: nil value", ErrInvalidContext)
	}
	tag, ok := value[fieldType].(string)
	if !ok || tag == "" {
		return nil, fmt.Errorf("%w: missing or non-string %q field", ErrInvalidContext, fieldType)
	}
	ctor, err := cfg.Registry.Resolve(tag)
	if err != nil {
		return nil, err
	}

	var id string
	if raw, present := value[fieldID]; present && raw != nil {
		s, ok := raw.(string)
		if !ok {
			return nil, invalidf(tag, "field %q must be a string", fieldID)
		}
		id = s
	}

	var parent Context
	switch pv := value[fieldParent].(type) {
	case nil:
	case map[string]any:
		parent, err = Deserialize(pv, cfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, invalidf(tag, "field %q must be an object or null", fieldParent)
	}
	if parent == nil && id == "" {
		return nil, invalidf(tag, "the root of a chain must have an id")
	}

	fields := make(map[string]any, len(value))
	for k, v := range value {
		if !isReserved(k) {
			fields[k] = v
		}
	}
	c, err := ctor(Saved{Type: tag, ID: id, Parent: parent, Fields: fields}, cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// UnmarshalJSON decodes b and passes it to Deserialize.
func UnmarshalJSON(b []byte, cfg *Config) (Context, error) {
	var value map[string]any
	if err := json.Unmarshal(b, &value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContext, err)
	}
	return Deserialize(value, cfg)
}
