package chat

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

type registryEntry struct {
	engine       Engine
	systemPrompt string
}

// Registry maps user-facing model names ("qwen", "kimi", ...) to their
// engine and optional system prompt. Registration happens once at startup;
// lookups are concurrent.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]registryEntry{}}
}

func (r *Registry) Register(name string, engine Engine, systemPrompt string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = registryEntry{engine: engine, systemPrompt: systemPrompt}
}

func (r *Registry) Get(name string) (Engine, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, "", errors.Wrapf(ErrUnsupportedModel, "model %q", name)
	}
	return entry.engine, entry.systemPrompt, nil
}

// Models returns the registered model names, sorted for stable output.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
