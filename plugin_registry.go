// plugin_registry.go: Supervisor-owned plugin state
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"sort"
	"sync"
	"time"
)

// PluginDescriptor describes a plugin with a live execution context.
type PluginDescriptor struct {
	Name             string    `json:"name"`
	LastKnownVersion time.Time `json:"last_known_version"`
	ConfigPath       string    `json:"config_path,omitempty"`
	ContextID        string    `json:"context_id"`
	Runtime          string    `json:"runtime"`
	LoadedAt         time.Time `json:"loaded_at"`
}

type registryEntry struct {
	descriptor PluginDescriptor
	handle     ExecutionContext
}

// registry holds the name→context and name→version maps behind one mutex.
// Only ContextManager and VersionTracker touch it.
type registry struct {
	mu       sync.Mutex
	entries  map[string]*registryEntry
	versions map[string]time.Time
}

func newRegistry() *registry {
	return &registry{
		entries:  make(map[string]*registryEntry),
		versions: make(map[string]time.Time),
	}
}

func (r *registry) lookup(name string) (*registryEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	return e, ok
}

func (r *registry) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
