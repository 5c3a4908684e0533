// runtime.go: Isolated execution contexts and the runtimes that create them
//
// An execution context is a hot-swappable, independently destroyable
// code-loading boundary with its own dependency resolution. Two runtimes
// provide one:
//
//   - LuaRuntime: one embedded Lua VM per context, aborted in place on destroy
//   - ProcessRuntime: one child process per context, killed on destroy
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"fmt"
	"strings"
)

// Role is the lifecycle capability set every plugin entry type implements,
// and the only protocol between the supervisor and an isolated plugin.
//
// Run is only called after Start returned true. Run may block for the whole
// lifetime of the plugin; it is aborted by destroying the context.
type Role interface {
	Start(ctx context.Context) (bool, error)
	Run(ctx context.Context) error
	Stop(ctx context.Context) error
}

// RoleFactory is the registration contract of compiled plugins: the single
// entry point the plugin exposes, returning its lifecycle implementation.
type RoleFactory func(host PluginHost) (Role, error)

// ContextSpec carries everything a runtime needs to build a context.
type ContextSpec struct {
	ID         string
	Plugin     string
	Artifact   string
	Repository Repository
	ConfigPath string
	ScratchDir string
	Logger     Logger
}

// ExecutionContext is a live isolated context. Proxy is reachable only
// through the handle, which the ContextManager exclusively owns.
type ExecutionContext interface {
	ID() string
	Plugin() string
	Runtime() string

	// Proxy returns the lifecycle proxy living inside the context.
	Proxy() Role

	// Context is canceled when the execution context is destroyed.
	Context() context.Context

	// Destroy terminates the context immediately, aborting in-flight
	// execution. It is safe to call more than once.
	Destroy() error
	Destroyed() bool
}

// Runtime creates execution contexts of one kind.
type Runtime interface {
	Name() string
	NewContext(ctx context.Context, spec ContextSpec) (ExecutionContext, error)
}

// Runtime names accepted in configuration.
const (
	RuntimeAuto    = "auto"
	RuntimeLua     = "lua"
	RuntimeProcess = "process"
)

// RuntimeSelector picks the runtime for an artifact. In auto mode artifacts
// ending in ".lua" run in the Lua runtime and everything else as a process.
type RuntimeSelector struct {
	Mode     string
	runtimes map[string]Runtime
}

// NewRuntimeSelector indexes runtimes by name.
func NewRuntimeSelector(mode string, runtimes ...Runtime) *RuntimeSelector {
	if mode == "" {
		mode = RuntimeAuto
	}
	s := &RuntimeSelector{Mode: mode, runtimes: make(map[string]Runtime, len(runtimes))}
	for _, rt := range runtimes {
		s.runtimes[rt.Name()] = rt
	}
	return s
}

// Select returns the runtime for artifact.
func (s *RuntimeSelector) Select(artifact string) (Runtime, error) {
	name := s.Mode
	if name == RuntimeAuto {
		name = RuntimeProcess
		if strings.HasSuffix(strings.ToLower(artifact), LuaArtifactExt) {
			name = RuntimeLua
		}
	}
	rt, ok := s.runtimes[name]
	if !ok {
		return nil, NewInvalidConfigError(fmt.Sprintf("runtime %q is not available", name), nil)
	}
	return rt, nil
}
