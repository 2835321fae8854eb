package contexts

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	// ErrUnknownType is returned when a saved context names a tag with no
	// registered constructor.
	ErrUnknownType = errors.New("unknown context type")
	// ErrInvalidContext is returned when a saved context does not have the
	// shape its constructor requires.
	ErrInvalidContext = errors.New("invalid saved context")
)

// Saved is the input handed to a Constructor. The parent has already been
// reconstructed.
type Saved struct {
	Type   string
	ID     string
	Parent Context
	// Fields holds the saved data without the reserved keys.
	Fields map[string]any
}

func (s Saved) node(typ string) Node {
	return Node{typ: typ, name: typ, id: s.ID, parent: s.Parent}
}

// Constructor rebuilds a node from its saved form.
type Constructor func(saved Saved, cfg *Config) (Context, error)

// Registry maps persisted type tags to constructors. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Register adds a constructor. Registering a tag twice is an error.
func (r *Registry) Register(tag string, ctor Constructor) error {
	if tag == "" {
		return fmt.Errorf("register context type: empty tag")
	}
	if ctor == nil {
		return fmt.Errorf("register context type %q: nil constructor", tag)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ctors[tag]; ok {
		return fmt.Errorf("register context type %q: already registered", tag)
	}
	r.ctors[tag] = ctor
	return nil
}

// Resolve returns the constructor registered for tag.
func (r *Registry) Resolve(tag string) (Constructor, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, tag)
	}
	return ctor, nil
}

// RegisterTyped registers a constructor for nodes whose data is the struct
// T. The JSON schema of T decides which fields are required: every field
// without omitempty must be present in the saved value.
func RegisterTyped[T any](r *Registry, tag string, build func(saved Saved, data T) (Context, error)) error {
	required := requiredFields[T]()
	return r.Register(tag, func(saved Saved, _ *Config) (Context, error) {
		for _, f := range required {
			if _, ok := saved.Fields[f]; !ok {
				return nil, invalidf(tag, "missing required field %q", f)
			}
		}
		var data T
		if err := decodeFields(saved.Fields, &data); err != nil {
			return nil, invalidf(tag, "%v", err)
		}
		return build(saved, data)
	})
}

func requiredFields[T any]() []string {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	s := r.Reflect(new(T))
	if s == nil || s.Type != "object" {
		return nil
	}
	return append([]string(nil), s.Required...)
}

func invalidf(tag, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidContext, tag, fmt.Sprintf(format, args...))
}

// toFields converts typed node data into the generic persisted form.
func toFields(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		// Built-in data structs only hold JSON-safe types.
		panic(fmt.Sprintf("contexts: marshal %T: %v", v, err))
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		panic(fmt.Sprintf("contexts: unmarshal %T: %v", v, err))
	}
	return out
}

func decodeFields(fields map[string]any, dst any) error {
	b, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
