// runtime_lua_test.go: tests for Lua execution contexts
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type luaFixture struct {
	t      *testing.T
	store  *MemoryStore
	repo   Repository
	logger *TestLogger
	rt     *LuaRuntime
}

func newLuaFixture(t *testing.T) *luaFixture {
	store := NewMemoryStore()
	logger := NewTestLogger()
	return &luaFixture{
		t:      t,
		store:  store,
		repo:   NewRepository(store, testContainer),
		logger: logger,
		rt:     NewLuaRuntime(logger),
	}
}

func (f *luaFixture) upload(key, code string) {
	f.t.Helper()
	require.NoError(f.t, f.store.UploadText(context.Background(), testContainer, key, code))
}

func (f *luaFixture) newContext(artifact, configPath string) (ExecutionContext, error) {
	return f.rt.NewContext(context.Background(), ContextSpec{
		ID:         "ctx-1",
		Plugin:     "hello",
		Artifact:   artifact,
		Repository: f.repo,
		ConfigPath: configPath,
		Logger:     f.logger,
	})
}

func (f *luaFixture) mustContext(artifact string) ExecutionContext {
	f.t.Helper()
	c, err := f.newContext(artifact, "")
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = c.Destroy() })
	return c
}

func TestLuaRuntime_ReturnedTableIsEntry(t *testing.T) {
	f := newLuaFixture(t)
	f.upload("hello.lua", luaCompletes)
	c := f.mustContext("hello.lua")

	assert.Equal(t, RuntimeLua, c.Runtime())
	assert.Equal(t, "hello", c.Plugin())
	assert.Equal(t, "ctx-1", c.ID())

	proxy := c.Proxy()
	started, err := proxy.Start(c.Context())
	require.NoError(t, err)
	assert.True(t, started)
	require.NoError(t, proxy.Run(c.Context()))
	require.NoError(t, proxy.Stop(c.Context()))

	assert.True(t, f.logger.HasMessage("INFO", "ran hello"))
	assert.True(t, f.logger.HasMessage("INFO", "stopped hello"))
}

func TestLuaRuntime_ConstructorIsCalled(t *testing.T) {
	f := newLuaFixture(t)
	f.upload("counter.lua", `
local Counter = {}
Counter.__index = Counter
function Counter:new()
	return setmetatable({ count = 41 }, self)
end
function Counter:start()
	self.count = self.count + 1
	host.log("count=" .. self.count)
	return true
end
function Counter:run() end
function Counter:stop() end
return Counter
`)
	c := f.mustContext("counter.lua")

	started, err := c.Proxy().Start(c.Context())
	require.NoError(t, err)
	assert.True(t, started)
	assert.True(t, f.logger.HasMessage("INFO", "count=42"))
}

func TestLuaRuntime_GlobalTableIsEntry(t *testing.T) {
	f := newLuaFixture(t)
	f.upload("greeter.lua", `
Greeter = {}
function Greeter:start() return false end
function Greeter:run() end
function Greeter:stop() end
`)
	c := f.mustContext("greeter.lua")

	started, err := c.Proxy().Start(c.Context())
	require.NoError(t, err)
	assert.False(t, started)
}

func TestLuaRuntime_NestedFieldIsEntry(t *testing.T) {
	f := newLuaFixture(t)
	f.upload("module.lua", `
local Worker = {}
function Worker:start() return true end
function Worker:run() end
function Worker:stop() end
return { version = "1.0", Worker = Worker }
`)
	c := f.mustContext("module.lua")

	started, err := c.Proxy().Start(c.Context())
	require.NoError(t, err)
	assert.True(t, started)
}

func TestLuaRuntime_StartReturningNilDeclines(t *testing.T) {
	f := newLuaFixture(t)
	f.upload("quiet.lua", `
local P = {}
function P:start() end
function P:run() end
function P:stop() end
return P
`)
	c := f.mustContext("quiet.lua")

	started, err := c.Proxy().Start(c.Context())
	require.NoError(t, err)
	assert.False(t, started)
}

func TestLuaRuntime_NoEntryType(t *testing.T) {
	f := newLuaFixture(t)
	f.upload("empty.lua", luaNoEntry)

	_, err := f.newContext("empty.lua", "")
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeNoEntryType))
}

func TestLuaRuntime_SyntaxErrorIsConstructionError(t *testing.T) {
	f := newLuaFixture(t)
	f.upload("bad.lua", `local P = {`)

	_, err := f.newContext("bad.lua", "")
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeConstruction))
}

func TestLuaRuntime_MissingEntryArtifact(t *testing.T) {
	f := newLuaFixture(t)

	_, err := f.newContext("absent.lua", "")
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeArtifactNotFound))
}

func TestLuaRuntime_RequireResolvesLazily(t *testing.T) {
	f := newLuaFixture(t)
	f.upload("main.lua", `
local P = {}
function P:start() return true end
function P:run()
	local util = require("util")
	host.log(util.greet(host.name()))
end
function P:stop() end
return P
`)
	c := f.mustContext("main.lua")

	// The dependency is uploaded after construction and still resolves.
	f.upload("util.lua", `
local M = {}
function M.greet(name) return "hello, " .. name end
return M
`)
	require.NoError(t, c.Proxy().Run(c.Context()))

	assert.True(t, f.logger.HasMessage("INFO", "hello, hello"))
	resolver := c.(*luaContext).arena.resolver
	assert.Equal(t, []string{"util.lua"}, resolver.Resolved())
}

func TestLuaRuntime_MissingDependencyFails(t *testing.T) {
	f := newLuaFixture(t)
	f.upload("main.lua", luaMissingDependency)
	c := f.mustContext("main.lua")

	err := c.Proxy().Run(c.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist in this location")
	assert.True(t, HasErrorCode(err, ErrCodeDependencyMissing))
}

func TestLuaRuntime_DestroyAbortsRun(t *testing.T) {
	tests := map[string]string{
		"BusyLoop": `
local P = {}
function P:start() return true end
function P:run() while true do end end
function P:stop() end
return P
`,
		"Sleeping": luaBlocks,
	}
	for name, code := range tests {
		t.Run(name, func(t *testing.T) {
			f := newLuaFixture(t)
			f.upload("loop.lua", code)
			c := f.mustContext("loop.lua")

			done := make(chan error, 1)
			go func() { done <- c.Proxy().Run(c.Context()) }()

			time.Sleep(50 * time.Millisecond)
			require.NoError(t, c.Destroy())

			select {
			case err := <-done:
				assert.Error(t, err)
			case <-time.After(eventually):
				t.Fatal("run was not aborted by Destroy")
			}
			assert.True(t, c.Destroyed())
			assert.Error(t, c.Context().Err())
		})
	}
}

func TestLuaRuntime_CallsAfterDestroyFail(t *testing.T) {
	f := newLuaFixture(t)
	f.upload("hello.lua", luaCompletes)
	c := f.mustContext("hello.lua")

	require.NoError(t, c.Destroy())
	require.NoError(t, c.Destroy(), "destroy is idempotent")

	_, err := c.Proxy().Start(context.Background())
	assert.True(t, HasErrorCode(err, ErrCodeContextDestroyed))
	assert.True(t, HasErrorCode(c.Proxy().Run(context.Background()), ErrCodeContextDestroyed))
	assert.True(t, HasErrorCode(c.Proxy().Stop(context.Background()), ErrCodeContextDestroyed))
}

func TestLuaRuntime_HostConfig(t *testing.T) {
	f := newLuaFixture(t)
	path := filepath.Join(t.TempDir(), "hello.lua.config")
	require.NoError(t, os.WriteFile(path, []byte("interval=5"), 0o600))
	f.upload("hello.lua", `
local P = {}
function P:start()
	host.log("path=" .. host.config_path())
	host.log("config=" .. host.config())
	return true
end
function P:run() end
function P:stop() end
return P
`)

	c, err := f.newContext("hello.lua", path)
	require.NoError(t, err)
	defer func() { _ = c.Destroy() }()

	_, err = c.Proxy().Start(c.Context())
	require.NoError(t, err)
	assert.True(t, f.logger.HasMessage("INFO", "path="+path))
	assert.True(t, f.logger.HasMessage("INFO", "config=interval=5"))
}

func TestLuaRuntime_HostConfigAbsent(t *testing.T) {
	f := newLuaFixture(t)
	f.upload("hello.lua", `
local P = {}
function P:start() return host.config() == nil and host.config_path() == nil end
function P:run() end
function P:stop() end
return P
`)
	c := f.mustContext("hello.lua")

	started, err := c.Proxy().Start(c.Context())
	require.NoError(t, err)
	assert.True(t, started)
}

func TestLuaRuntime_Sandbox(t *testing.T) {
	f := newLuaFixture(t)
	f.upload("probe.lua", `
local P = {}
function P:start() return os == nil and io == nil and dofile == nil and loadfile == nil end
function P:run() end
function P:stop() end
return P
`)
	c := f.mustContext("probe.lua")

	started, err := c.Proxy().Start(c.Context())
	require.NoError(t, err)
	assert.True(t, started, "os, io, dofile and loadfile must not be reachable")
}

func TestLuaRuntime_HostLogLevels(t *testing.T) {
	f := newLuaFixture(t)
	f.upload("levels.lua", `
local P = {}
function P:start()
	host.warn("careful")
	host.error("broken")
	return host.name() == "hello"
end
function P:run() end
function P:stop() end
return P
`)
	c := f.mustContext("levels.lua")

	started, err := c.Proxy().Start(c.Context())
	require.NoError(t, err)
	assert.True(t, started)
	assert.True(t, f.logger.HasMessage("WARN", "careful"))
	assert.True(t, f.logger.HasMessage("ERROR", "broken"))
}
