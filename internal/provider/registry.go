package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Entry is one configured provider.
type Entry struct {
	Name          string
	Gateway       Gateway
	Kinds         []string
	WebhookSecret string
}

// Registry maps job kinds and provider names to gateways.
type Registry struct {
	mu     sync.RWMutex
	byKind map[string]*Entry
	byName map[string]*Entry
}

func NewRegistry() *Registry {
	return &Registry{
		byKind: make(map[string]*Entry),
		byName: make(map[string]*Entry),
	}
}

func (r *Registry) Register(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[e.Name]; ok {
		return fmt.Errorf("provider %q registered twice", e.Name)
	}
	for _, k := range e.Kinds {
		if other, ok := r.byKind[k]; ok {
			return fmt.Errorf("kind %q served by both %q and %q", k, other.Name, e.Name)
		}
	}
	entry := e
	r.byName[e.Name] = &entry
	for _, k := range e.Kinds {
		r.byKind[k] = &entry
	}
	return nil
}

func (r *Registry) ForKind(kind string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
	return e.Gateway, nil
}

func (r *Registry) ByName(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Kinds returns every routable kind, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byKind))
	for k := range r.byKind {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
