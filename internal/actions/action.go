// Package actions defines the executable units of a workflow and their
// registry. Every action takes its decoded config plus the execution context
// and returns a map output that the engine merges into execution variables.
package actions

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/conveyr/conveyr/pkg/schema"
)

// Action is an executable unit of work within a workflow step.
type Action interface {
	Type() string
	Describe() string
	Validate(config map[string]any) error
	Execute(ctx context.Context, input Input) (*Output, error)
}

// Input is the data provided to an action at execution time.
type Input struct {
	Config  map[string]any           `json:"config"`
	Context *schema.ExecutionContext `json:"context,omitempty"`
}

// Output is the result of an action execution. Data is merged into
// execution variables by the engine. Stop signals the engine to end the
// execution successfully after this step (condition routing).
type Output struct {
	Data   map[string]any `json:"data,omitempty"`
	Stop   bool           `json:"stop,omitempty"`
	Assign map[string]any `json:"assign,omitempty"`
}

// Info is a summary of a registered action for listing.
type Info struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Registry is a thread-safe action lookup table keyed by action type.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds an action to the registry. Returns error on duplicate type.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	typ := action.Type()
	if typ == "" {
		return schema.NewError(schema.ErrCodeValidation, "action type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[typ]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", typ)
	}
	r.actions[typ] = action
	return nil
}

// Get retrieves an action by type.
func (r *Registry) Get(typ string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[typ]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown action type %q", typ)
	}
	return action, nil
}

// Has checks if an action type is registered.
func (r *Registry) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[typ]
	return ok
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}

// List returns info for all registered actions, sorted by type.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.actions))
	for _, a := range r.actions {
		infos = append(infos, Info{Type: a.Type(), Description: a.Describe()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Type < infos[j].Type })
	return infos
}

// DecodeConfig unmarshals a raw action config into a map. A nil config
// decodes to an empty map so actions can rely on non-nil input.
func DecodeConfig(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "action config is not a JSON object").WithCause(err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// Param helpers used by all action files.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func mapParam(m map[string]any, key string) map[string]any {
	v, ok := m[key]
	if !ok {
		return nil
	}
	mm, _ := v.(map[string]any)
	return mm
}
