// Package config provides typed, grouped option declarations and a
// thread-safe per-session store for configuration values scoped to the
// session itself, a node, or a node/model pair.
package config

import (
	"fmt"
	"sort"
	"sync"
)

// DataType describes the wire type of an option value. Values are stored as
// strings; the type drives client rendering and validation.
type DataType int

const (
	TypeUint8 DataType = iota + 1
	TypeUint16
	TypeUint32
	TypeUint64
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeFloat
	TypeString
	TypeBool
)

// Option declares one configurable value: identity, type, display label,
// default, and an optional closed set of allowed values.
type Option struct {
	ID      string
	Type    DataType
	Label   string
	Default string
	// Select lists the allowed values; empty means unconstrained.
	Select []string
}

// Group names a contiguous run of options for display purposes. Start and
// Stop are 1-based indexes into the declaring model's option list.
type Group struct {
	Name  string
	Start int
	Stop  int
}

// Model is a named schema of options, e.g. the basic_range wireless model
// or the session options themselves.
type Model struct {
	Name    string
	Options []Option
	Groups  []Group
}

// Defaults returns the model's declared default value for every option.
func (m *Model) Defaults() map[string]string {
	defaults := make(map[string]string, len(m.Options))
	for _, opt := range m.Options {
		defaults[opt.ID] = opt.Default
	}
	return defaults
}

// Option returns the declaration for the given option id.
func (m *Model) Option(id string) (Option, bool) {
	for _, opt := range m.Options {
		if opt.ID == id {
			return opt, true
		}
	}
	return Option{}, false
}

// Validate checks a value set against the model's declared options. Unknown
// keys and values outside a declared Select set are rejected.
func (m *Model) Validate(values map[string]string) error {
	for id, value := range values {
		opt, ok := m.Option(id)
		if !ok {
			return fmt.Errorf("model %q has no option %q", m.Name, id)
		}
		if len(opt.Select) == 0 {
			continue
		}
		allowed := false
		for _, candidate := range opt.Select {
			if candidate == value {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("option %q does not allow value %q", id, value)
		}
	}
	return nil
}

// NodeAll addresses configuration stored against the session rather than a
// particular node.
const NodeAll = -1

type scopeKey struct {
	nodeID    int
	configTyp string
}

// Registry is a per-session store of configuration value sets keyed by
// (node, config type). Writes replace the whole group; reads fall back to
// nothing (callers merge model defaults via Configured).
type Registry struct {
	mu     sync.RWMutex
	values map[scopeKey]map[string]string
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{values: make(map[scopeKey]map[string]string)}
}

// SetConfigs replaces the stored value set for the scope. Last write wins.
func (r *Registry) SetConfigs(nodeID int, configType string, values map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := make(map[string]string, len(values))
	for k, v := range values {
		stored[k] = v
	}
	r.values[scopeKey{nodeID, configType}] = stored
}

// SetConfig updates a single value inside the scope, creating the scope if
// needed.
func (r *Registry) SetConfig(nodeID int, configType, id, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := scopeKey{nodeID, configType}
	if r.values[key] == nil {
		r.values[key] = make(map[string]string)
	}
	r.values[key][id] = value
}

// GetConfigs returns a copy of the stored value set for the scope, or nil
// when the scope has never been written.
func (r *Registry) GetConfigs(nodeID int, configType string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, ok := r.values[scopeKey{nodeID, configType}]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(stored))
	for k, v := range stored {
		out[k] = v
	}
	return out
}

// GetConfig returns a single stored value, falling back to the provided
// default when unset.
func (r *Registry) GetConfig(nodeID int, configType, id, fallback string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if stored, ok := r.values[scopeKey{nodeID, configType}]; ok {
		if v, ok := stored[id]; ok {
			return v
		}
	}
	return fallback
}

// Reset drops every scope stored against the given node id.
func (r *Registry) Reset(nodeID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.values {
		if key.nodeID == nodeID {
			delete(r.values, key)
		}
	}
}

// Scopes lists the node ids with stored configuration for the given config
// type, sorted ascending.
func (r *Registry) Scopes(configType string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []int
	for key := range r.values {
		if key.configTyp == configType {
			ids = append(ids, key.nodeID)
		}
	}
	sort.Ints(ids)
	return ids
}

// Configured merges the model's defaults with any values stored for the
// scope: every declared option appears, stored values win.
func (r *Registry) Configured(m *Model, nodeID int) map[string]string {
	merged := m.Defaults()
	for k, v := range r.GetConfigs(nodeID, m.Name) {
		merged[k] = v
	}
	return merged
}

// Models is a registry of declared option schemas keyed by model name.
type Models struct {
	mu     sync.RWMutex
	models map[string]*Model
}

// NewModels constructs an empty model registry.
func NewModels() *Models {
	return &Models{models: make(map[string]*Model)}
}

// Register adds a model schema. Re-registering a name is an error.
func (m *Models) Register(mod *Model) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.models[mod.Name]; exists {
		return fmt.Errorf("model %q already registered", mod.Name)
	}
	m.models[mod.Name] = mod
	return nil
}

// Get returns the schema for the given model name.
func (m *Models) Get(name string) (*Model, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mod, ok := m.models[name]
	return mod, ok
}

// Names lists the registered model names, sorted.
func (m *Models) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.models))
	for name := range m.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
