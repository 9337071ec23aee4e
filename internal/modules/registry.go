package modules

import (
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// ModuleInfo is the bookkeeping metadata stored alongside cached exports.
type ModuleInfo struct {
	Name     string
	Version  string
	Checksum string
	Loaded   bool
}

// CacheEntry pairs a module's exports with its metadata. Entries are
// created on first successful load and immutable until an explicit remove
// or clear.
type CacheEntry struct {
	Exports lua.LValue
	Info    ModuleInfo
}

// Registry is a thread-safe cache from resolved-location key to CacheEntry.
// It memoizes: Get after a successful Set returns the identical exports
// value. Entries have no expiry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]CacheEntry)}
}

// Get returns the entry cached under key, if any.
func (r *Registry) Get(key string) (CacheEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[key]
	return entry, ok
}

// Set caches exports and info under key, replacing any prior entry.
func (r *Registry) Set(key string, exports lua.LValue, info ModuleInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = CacheEntry{Exports: exports, Info: info}
}

// Contains reports whether key is cached.
func (r *Registry) Contains(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[key]
	return ok
}

// Remove deletes and returns the entry under key.
func (r *Registry) Remove(key string) (CacheEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	return entry, ok
}

// Clear removes every entry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]CacheEntry)
}

// List returns the cached keys in unspecified order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	return keys
}

// Len returns the number of cached entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
