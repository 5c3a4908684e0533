// testing_helpers_test.go: shared fixtures for supervisor tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testContainer = "plugins"
	eventually    = 5 * time.Second
	tick          = 10 * time.Millisecond
)

// Lua plugins used across the supervisor tests.
const (
	// luaCompletes runs once and returns.
	luaCompletes = `
local P = {}
function P:start() return true end
function P:run() host.log("ran " .. host.name()) end
function P:stop() host.log("stopped " .. host.name()) end
return P
`

	// luaBlocks runs until its context is destroyed.
	luaBlocks = `
local P = {}
function P:start() return true end
function P:run()
	while true do host.sleep(0.01) end
end
function P:stop() end
return P
`

	// luaFaults raises from run.
	luaFaults = `
local P = {}
function P:start() return true end
function P:run() error("boom from run") end
function P:stop() end
return P
`

	// luaDeclines returns false from start.
	luaDeclines = `
local P = {}
function P:start() return false end
function P:run() host.error("run was called") end
function P:stop() end
return P
`

	// luaMissingDependency requires a module that does not exist.
	luaMissingDependency = `
local P = {}
function P:start() return true end
function P:run()
	local dep = require("does_not_exist")
	host.log(tostring(dep))
end
function P:stop() end
return P
`

	// luaNoEntry exposes no lifecycle type.
	luaNoEntry = `return { answer = 42 }`
)

// harness is a supervisor over a MemoryStore running Lua plugins. Plugin
// names carry no extension, so the Lua runtime is forced.
type harness struct {
	t       *testing.T
	ctx     context.Context
	store   *MemoryStore
	logger  *TestLogger
	metrics *DefaultMetricsCollector
	sv      *Supervisor
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		ctx:     context.Background(),
		store:   NewMemoryStore(),
		logger:  NewTestLogger(),
		metrics: NewDefaultMetricsCollector(),
	}
	opts := Options{
		Store:         h.store,
		Settings:      StaticSettings{SettingContainer: testContainer},
		Runtimes:      []Runtime{NewLuaRuntime(h.logger)},
		RuntimeMode:   RuntimeLua,
		ScratchDir:    t.TempDir(),
		ReportTimeout: 2 * time.Second,
		Logger:        h.logger,
		Metrics:       h.metrics,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	sv, err := New(opts)
	require.NoError(t, err)
	h.sv = sv

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventually)
		defer cancel()
		_ = sv.Close(ctx)
	})
	return h
}

// publish uploads code as artifact name and returns its store timestamp.
func (h *harness) publish(name, code string) time.Time {
	h.t.Helper()
	require.NoError(h.t, h.store.UploadText(h.ctx, testContainer, name, code))
	modified, err := h.store.LastModified(h.ctx, testContainer, name)
	require.NoError(h.t, err)
	return modified
}

func (h *harness) setManifest(names ...string) {
	h.t.Helper()
	require.NoError(h.t, h.store.UploadText(h.ctx, testContainer, ManifestKey, strings.Join(names, "\n")))
}

func (h *harness) poll() {
	h.t.Helper()
	require.NoError(h.t, h.sv.Poll(h.ctx))
}

func (h *harness) errorRecord(name string) (ErrorRecord, bool) {
	h.t.Helper()
	record, ok, err := h.sv.Reporter().Read(h.ctx, testContainer, name)
	require.NoError(h.t, err)
	return record, ok
}

func (h *harness) active(name string) (ExecutionContext, bool) {
	return h.sv.Contexts().Active(name)
}

func (h *harness) waitForCounter(name string, want int64) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.metrics.Counter(name) >= want
	}, eventually, tick, "counter %s never reached %d", name, want)
}

// fakeRuntime builds fakeContexts around roles produced by newRole.
type fakeRuntime struct {
	name    string
	newRole func(spec ContextSpec) Role
	fail    error

	// building, when set, runs before each context is created.
	building func(spec ContextSpec)

	mu      sync.Mutex
	created []*fakeContext
}

func newFakeRuntime(newRole func(spec ContextSpec) Role) *fakeRuntime {
	return &fakeRuntime{name: RuntimeProcess, newRole: newRole}
}

func (r *fakeRuntime) Name() string { return r.name }

func (r *fakeRuntime) NewContext(ctx context.Context, spec ContextSpec) (ExecutionContext, error) {
	if r.building != nil {
		r.building(spec)
	}
	if r.fail != nil {
		return nil, r.fail
	}
	lifetime, cancel := context.WithCancel(context.Background())
	c := &fakeContext{id: spec.ID, plugin: spec.Plugin, ctx: lifetime, cancel: cancel}
	if r.newRole != nil {
		c.role = r.newRole(spec)
	} else {
		c.role = &fakeRole{start: true}
	}

	r.mu.Lock()
	r.created = append(r.created, c)
	r.mu.Unlock()
	return c, nil
}

func (r *fakeRuntime) contexts() []*fakeContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeContext(nil), r.created...)
}

type fakeContext struct {
	id        string
	plugin    string
	ctx       context.Context
	cancel    context.CancelFunc
	role      Role
	destroyed atomic.Bool
	destroys  atomic.Int32
}

func (c *fakeContext) ID() string               { return c.id }
func (c *fakeContext) Plugin() string           { return c.plugin }
func (c *fakeContext) Runtime() string          { return RuntimeProcess }
func (c *fakeContext) Proxy() Role              { return c.role }
func (c *fakeContext) Context() context.Context { return c.ctx }
func (c *fakeContext) Destroyed() bool          { return c.destroyed.Load() }

func (c *fakeContext) Destroy() error {
	c.destroys.Add(1)
	c.destroyed.Store(true)
	c.cancel()
	return nil
}

// fakeRole is a scripted Role.
type fakeRole struct {
	start    bool
	startErr error
	runErr   error
	stopErr  error
	panicIn  string
	block    bool

	runs  atomic.Int32
	stops atomic.Int32
}

func (r *fakeRole) Start(ctx context.Context) (bool, error) {
	if r.panicIn == "start" {
		panic("plugin exploded in start")
	}
	return r.start, r.startErr
}

func (r *fakeRole) Run(ctx context.Context) error {
	r.runs.Add(1)
	if r.panicIn == "run" {
		panic("plugin exploded")
	}
	if r.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return r.runErr
}

func (r *fakeRole) Stop(ctx context.Context) error {
	r.stops.Add(1)
	return r.stopErr
}
