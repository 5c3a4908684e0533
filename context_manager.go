// context_manager.go: One isolated execution context per plugin name
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/google/uuid"
)

// LoadRequest describes a (re)load of one plugin.
type LoadRequest struct {
	Name       string
	Repository Repository
	// Artifact defaults to Name.
	Artifact   string
	ConfigPath string
	// Version is the artifact timestamp recorded in the descriptor.
	Version time.Time
}

// ContextManager exclusively owns the execution context handles. At most one
// context per name is active; replacing a context destroys the old one first.
type ContextManager struct {
	reg      *registry
	runtimes *RuntimeSelector
	scratch  string
	logger   Logger
	metrics  MetricsCollector

	// loadMu serialises Load and Unload so two contexts for one name never coexist.
	loadMu sync.Mutex

	// replaced holds the IDs of contexts torn down by a reload until their
	// task has ended.
	replacedMu sync.Mutex
	replaced   map[string]struct{}
}

// NewContextManager creates a manager with its own state.
func NewContextManager(runtimes *RuntimeSelector, scratchDir string, logger Logger, metrics MetricsCollector) *ContextManager {
	return newContextManager(newRegistry(), runtimes, scratchDir, logger, metrics)
}

func newContextManager(reg *registry, runtimes *RuntimeSelector, scratchDir string, logger Logger, metrics MetricsCollector) *ContextManager {
	if metrics == nil {
		metrics = NewDefaultMetricsCollector()
	}
	return &ContextManager{
		reg:      reg,
		runtimes: runtimes,
		scratch:  scratchDir,
		logger:   NewLogger(logger),
		metrics:  metrics,
		replaced: make(map[string]struct{}),
	}
}

// Load creates a fresh context for req.Name, destroying any active one first.
// A failed construction leaves no context behind for the name.
func (m *ContextManager) Load(ctx context.Context, req LoadRequest) (ExecutionContext, error) {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	if entry, ok := m.reg.lookup(req.Name); ok {
		m.replacedMu.Lock()
		m.replaced[entry.handle.ID()] = struct{}{}
		m.replacedMu.Unlock()
	}
	m.unloadLocked(req.Name)

	artifact := req.Artifact
	if artifact == "" {
		artifact = req.Name
	}
	rt, err := m.runtimes.Select(artifact)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	logger := m.logger.With("plugin", req.Name, "context_id", id, "runtime", rt.Name())
	spec := ContextSpec{
		ID:         id,
		Plugin:     req.Name,
		Artifact:   artifact,
		Repository: req.Repository,
		ConfigPath: req.ConfigPath,
		ScratchDir: filepath.Join(m.scratch, "contexts"),
		Logger:     logger,
	}

	handle, err := rt.NewContext(ctx, spec)
	if err != nil {
		m.metrics.IncrementCounter(MetricLoadFailures, map[string]string{"runtime": rt.Name()}, 1)
		logger.Error("Failed to create execution context", "error", err)
		return nil, err
	}

	m.reg.mu.Lock()
	m.reg.entries[req.Name] = &registryEntry{
		descriptor: PluginDescriptor{
			Name:             req.Name,
			LastKnownVersion: req.Version,
			ConfigPath:       req.ConfigPath,
			ContextID:        id,
			Runtime:          rt.Name(),
			LoadedAt:         timecache.CachedTime(),
		},
		handle: handle,
	}
	active := len(m.reg.entries)
	m.reg.mu.Unlock()

	m.metrics.IncrementCounter(MetricLoads, map[string]string{"runtime": rt.Name()}, 1)
	m.metrics.SetGauge(MetricActiveContexts, nil, float64(active))
	logger.Info("Execution context created", "artifact", artifact)
	return handle, nil
}

// Unload destroys the active context of name. Unloading a name without an
// active context is a no-op; the return value reports whether one existed.
func (m *ContextManager) Unload(name string) bool {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	return m.unloadLocked(name)
}

func (m *ContextManager) unloadLocked(name string) bool {
	m.reg.mu.Lock()
	entry, ok := m.reg.entries[name]
	if ok {
		delete(m.reg.entries, name)
	}
	active := len(m.reg.entries)
	m.reg.mu.Unlock()

	if !ok {
		return false
	}
	m.destroy(entry.handle, active)
	return true
}

// unloadIf tears down name only while handle is still its active context, so
// a task of a replaced context can never destroy its successor.
func (m *ContextManager) unloadIf(name string, handle ExecutionContext) bool {
	m.reg.mu.Lock()
	entry, ok := m.reg.entries[name]
	ok = ok && entry.handle == handle
	if ok {
		delete(m.reg.entries, name)
	}
	active := len(m.reg.entries)
	m.reg.mu.Unlock()

	if !ok {
		// Still make sure the handle itself is gone.
		_ = handle.Destroy()
		return false
	}
	m.destroy(handle, active)
	return true
}

// takeReplaced reports whether handle was destroyed by a reload of its name
// and forgets the mark.
func (m *ContextManager) takeReplaced(handle ExecutionContext) bool {
	m.replacedMu.Lock()
	defer m.replacedMu.Unlock()
	_, ok := m.replaced[handle.ID()]
	delete(m.replaced, handle.ID())
	return ok
}

func (m *ContextManager) destroy(handle ExecutionContext, active int) {
	if err := handle.Destroy(); err != nil {
		m.logger.Warn("Failed to destroy execution context",
			"plugin", handle.Plugin(), "context_id", handle.ID(), "error", err)
	}
	m.metrics.IncrementCounter(MetricUnloads, map[string]string{"runtime": handle.Runtime()}, 1)
	m.metrics.SetGauge(MetricActiveContexts, nil, float64(active))
	m.logger.Info("Execution context destroyed", "plugin", handle.Plugin(), "context_id", handle.ID())
}

// Active returns the live context of name.
func (m *ContextManager) Active(name string) (ExecutionContext, bool) {
	entry, ok := m.reg.lookup(name)
	if !ok {
		return nil, false
	}
	return entry.handle, true
}

// Descriptor returns the descriptor of a plugin with a live context.
func (m *ContextManager) Descriptor(name string) (PluginDescriptor, bool) {
	entry, ok := m.reg.lookup(name)
	if !ok {
		return PluginDescriptor{}, false
	}
	return entry.descriptor, true
}

// Names lists plugins with a live context, sorted.
func (m *ContextManager) Names() []string {
	return m.reg.names()
}

// Count returns the number of live contexts.
func (m *ContextManager) Count() int {
	return m.reg.count()
}

// Close destroys every context.
func (m *ContextManager) Close() {
	for _, name := range m.Names() {
		m.Unload(name)
	}
}
