package memory

import (
	"context"
	"sync"

	"github.com/flowstack/agentgraph/agenterrors"
)

// entry pairs a Source with its declared name, preserving the insertion
// order the default-source policy depends on (spec §4.3: "default
// becomes any remaining source, insertion order").
type entry struct {
	name   string
	source Source
}

// Manager is the Memory Manager (spec §4.3): a registry of named
// sources with exactly one default, routing every operation through
// opts.source when given. It is the sole mutation point shared across a
// session's stages (spec §4.3 invariant); the mutex below is what makes
// that true under concurrent stage dispatch.
type Manager struct {
	mu      sync.Mutex
	order   []entry
	byName  map[string]Source
	def     string // name of the default source, "" if none
}

// NewManager returns an empty Memory Manager.
func NewManager() *Manager {
	return &Manager{byName: make(map[string]Source)}
}

// AddSource registers source under name. If the registry was empty
// before this call, name becomes the default (spec §4.3).
func (m *Manager) AddSource(name string, source Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == "" {
		return agenterrors.InvalidConfig("memory source has empty name", nil)
	}
	if _, exists := m.byName[name]; exists {
		return agenterrors.InvalidConfig("memory source "+name+" already registered", nil)
	}
	m.byName[name] = source
	m.order = append(m.order, entry{name: name, source: source})
	if m.def == "" {
		m.def = name
	}
	return nil
}

// RemoveSource unregisters name, terminating it if it implements
// Terminator. If name was the default, the new default becomes the
// next remaining source in insertion order, or "" if none remain.
func (m *Manager) RemoveSource(ctx context.Context, name string) error {
	m.mu.Lock()
	src, ok := m.byName[name]
	if !ok {
		m.mu.Unlock()
		return agenterrors.UnknownSource(name)
	}
	delete(m.byName, name)
	for i, e := range m.order {
		if e.name == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	wasDefault := m.def == name
	if wasDefault {
		if len(m.order) > 0 {
			m.def = m.order[0].name
		} else {
			m.def = ""
		}
	}
	m.mu.Unlock()

	if t, ok := src.(Terminator); ok {
		return t.Terminate(ctx)
	}
	return nil
}

// SetDefaultSource makes name the default. Fails if name is unknown.
func (m *Manager) SetDefaultSource(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[name]; !ok {
		return agenterrors.UnknownSource(name)
	}
	m.def = name
	return nil
}

// DefaultSourceName returns the current default source's name, or ""
// if none is registered.
func (m *Manager) DefaultSourceName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.def
}

// SourceNames returns every registered source name, in insertion order.
func (m *Manager) SourceNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.order))
	for i, e := range m.order {
		names[i] = e.name
	}
	return names
}

// resolve extracts the named source, falling back to the default when
// sourceName is empty (spec §4.3's opts.source routing).
func (m *Manager) resolve(sourceName string) (Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := sourceName
	if name == "" {
		name = m.def
	}
	if name == "" {
		return nil, agenterrors.UnknownSource("")
	}
	src, ok := m.byName[name]
	if !ok {
		return nil, agenterrors.UnknownSource(name)
	}
	return src, nil
}

// Store routes to the named (or default) source.
func (m *Manager) Store(ctx context.Context, sourceName, key string, value any, opts StoreOpts) (Item, error) {
	src, err := m.resolve(sourceName)
	if err != nil {
		return Item{}, err
	}
	return src.Store(ctx, key, value, opts)
}

// Retrieve routes to the named (or default) source.
func (m *Manager) Retrieve(ctx context.Context, sourceName, key string, opts RetrieveOpts) (Item, error) {
	src, err := m.resolve(sourceName)
	if err != nil {
		return Item{}, err
	}
	return src.Retrieve(ctx, key, opts)
}

// Delete routes to the named (or default) source.
func (m *Manager) Delete(ctx context.Context, sourceName, key string) error {
	src, err := m.resolve(sourceName)
	if err != nil {
		return err
	}
	return src.Delete(ctx, key, DeleteOpts{})
}

// Search routes to the named (or default) source.
func (m *Manager) Search(ctx context.Context, sourceName string, query any, opts SearchOpts) ([]Item, error) {
	src, err := m.resolve(sourceName)
	if err != nil {
		return nil, err
	}
	return src.Search(ctx, query, opts)
}

// ListKeys routes to the named (or default) source.
func (m *Manager) ListKeys(ctx context.Context, sourceName string, opts ListOpts) ([]string, string, error) {
	src, err := m.resolve(sourceName)
	if err != nil {
		return nil, "", err
	}
	return src.ListKeys(ctx, opts)
}

// SourceInfo describes one registered source for the memory_list_sources
// introspection tool (SPEC_FULL.md supplemented feature #2).
type SourceInfo struct {
	Name      string
	IsDefault bool
	ItemCount int // -1 if the backend does not implement Counter
}

// ListSources reports every registered source with its item count when
// cheaply obtainable.
func (m *Manager) ListSources(ctx context.Context) []SourceInfo {
	m.mu.Lock()
	entries := append([]entry(nil), m.order...)
	def := m.def
	m.mu.Unlock()

	out := make([]SourceInfo, 0, len(entries))
	for _, e := range entries {
		info := SourceInfo{Name: e.name, IsDefault: e.name == def, ItemCount: -1}
		if c, ok := e.source.(Counter); ok {
			if n, err := c.Count(ctx); err == nil {
				info.ItemCount = n
			}
		}
		out = append(out, info)
	}
	return out
}
