// runtime_lua.go: Embedded Lua execution contexts
//
// Every context owns a private gopher-lua VM. Destroying the context cancels
// the VM's context, which aborts the running chunk at its next instruction
// (or inside host.sleep), and closes the VM once no call is using it.
//
// A Lua plugin is a chunk that returns, or defines as a global, a table with
// start, run and stop functions:
//
//	local util = require("util")   -- fetched lazily as util.lua
//
//	local Plugin = {}
//	function Plugin:start() return true end
//	function Plugin:run()
//	    while true do
//	        host.log(util.greeting(host.name()))
//	        host.sleep(5)
//	    end
//	end
//	function Plugin:stop() end
//	return Plugin
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// LuaRuntime creates contexts backed by gopher-lua.
type LuaRuntime struct {
	logger Logger
}

// NewLuaRuntime creates the Lua runtime.
func NewLuaRuntime(logger Logger) *LuaRuntime {
	return &LuaRuntime{logger: NewLogger(logger)}
}

// Name implements Runtime.
func (r *LuaRuntime) Name() string {
	return RuntimeLua
}

// NewContext implements Runtime. The returned context has already loaded the
// entry artifact and constructed its lifecycle instance.
func (r *LuaRuntime) NewContext(ctx context.Context, spec ContextSpec) (ExecutionContext, error) {
	logger := r.logger
	if spec.Logger != nil {
		logger = spec.Logger
	}
	lifetime, cancel := context.WithCancel(context.Background())

	c := &luaContext{
		id:         spec.ID,
		plugin:     spec.Plugin,
		configPath: spec.ConfigPath,
		ctx:        lifetime,
		cancel:     cancel,
		logger:     logger,
	}
	c.arena = newLuaArena(c)

	proxy, err := NewBootstrap(ctx, spec.Repository, spec.Artifact, c.arena, logger)
	if err != nil {
		_ = c.Destroy()
		return nil, err
	}
	c.proxy = proxy
	return c, nil
}

// luaContext is an execution context owning one Lua VM.
type luaContext struct {
	id         string
	plugin     string
	configPath string
	ctx        context.Context
	cancel     context.CancelFunc
	logger     Logger
	arena      *luaArena
	proxy      *Bootstrap

	mu        sync.Mutex
	inUse     int
	destroyed bool
	closed    bool
}

func (c *luaContext) ID() string               { return c.id }
func (c *luaContext) Plugin() string           { return c.plugin }
func (c *luaContext) Runtime() string          { return RuntimeLua }
func (c *luaContext) Context() context.Context { return c.ctx }

func (c *luaContext) Proxy() Role {
	return &luaProxy{c: c}
}

func (c *luaContext) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// Destroy cancels the VM and closes it unless a call is still unwinding, in
// which case the last call to leave closes it.
func (c *luaContext) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil
	}
	c.destroyed = true
	c.cancel()
	if c.inUse == 0 {
		c.closeLocked()
	}
	return nil
}

func (c *luaContext) closeLocked() {
	if !c.closed {
		c.closed = true
		c.arena.L.Close()
	}
}

func (c *luaContext) enter() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return NewContextDestroyedError(c.plugin, c.id)
	}
	c.inUse++
	return nil
}

func (c *luaContext) leave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inUse--
	if c.destroyed && c.inUse == 0 {
		c.closeLocked()
	}
}

// PluginHost implementation handed to the host module.
func (c *luaContext) Name() string       { return c.plugin }
func (c *luaContext) ConfigPath() string { return c.configPath }
func (c *luaContext) Logger() Logger     { return c.logger }
func (c *luaContext) Require(ctx context.Context, reference string) ([]byte, error) {
	return c.arena.resolver.Resolve(ctx, reference)
}

// luaProxy guards every lifecycle call so the VM is never closed under it.
type luaProxy struct {
	c *luaContext
}

func (p *luaProxy) Start(ctx context.Context) (bool, error) {
	if err := p.c.enter(); err != nil {
		return false, err
	}
	defer p.c.leave()
	return p.c.proxy.Start(ctx)
}

func (p *luaProxy) Run(ctx context.Context) error {
	if err := p.c.enter(); err != nil {
		return err
	}
	defer p.c.leave()
	return p.c.proxy.Run(ctx)
}

func (p *luaProxy) Stop(ctx context.Context) error {
	if err := p.c.enter(); err != nil {
		return err
	}
	defer p.c.leave()
	return p.c.proxy.Stop(ctx)
}

// luaArena implements Arena over one LState.
type luaArena struct {
	L        *lua.LState
	host     *luaContext
	resolver *DependencyResolver

	// depErr holds the last dependency failure raised by the loader so the
	// structured error survives the trip through the VM.
	depErr error
}

func newLuaArena(host *luaContext) *luaArena {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	a := &luaArena{L: L, host: host}

	lua.OpenBase(L)
	lua.OpenPackage(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	lua.OpenCoroutine(L)
	L.SetTop(0)

	for _, name := range []string{"dofile", "loadfile"} {
		L.SetGlobal(name, lua.LNil)
	}
	if pkg, ok := L.GetGlobal("package").(*lua.LTable); ok {
		L.SetField(pkg, "path", lua.LString(""))
		L.SetField(pkg, "cpath", lua.LString(""))
	}

	hostModule := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"log":         a.hostLog("info"),
		"warn":        a.hostLog("warn"),
		"error":       a.hostLog("error"),
		"sleep":       a.hostSleep,
		"name":        a.hostName,
		"config_path": a.hostConfigPath,
		"config":      a.hostConfig,
	})
	L.SetGlobal("host", hostModule)
	L.PreloadModule("host", func(L *lua.LState) int {
		L.Push(hostModule)
		return 1
	})

	L.SetContext(host.ctx)
	return a
}

// InstallResolver implements Arena by appending a loader to package.loaders,
// after the preload and path loaders have had their chance.
func (a *luaArena) InstallResolver(resolver *DependencyResolver) {
	a.resolver = resolver
	pkg, ok := a.L.GetGlobal("package").(*lua.LTable)
	if !ok {
		return
	}
	loaders, ok := a.L.GetField(pkg, "loaders").(*lua.LTable)
	if !ok {
		return
	}
	loaders.Append(a.L.NewFunction(a.loadDependency))
}

func (a *luaArena) loadDependency(L *lua.LState) int {
	reference := L.CheckString(1)
	code, err := a.resolver.Resolve(L.Context(), reference)
	if err != nil {
		a.depErr = err
		L.RaiseError("%s", err.Error())
		return 0
	}
	fn, err := L.Load(bytes.NewReader(code), a.resolver.ArtifactName(reference))
	if err != nil {
		L.RaiseError("failed to load dependency %q: %s", reference, err.Error())
		return 0
	}
	L.Push(fn)
	return 1
}

// LoadUnit implements Arena: it executes the chunk and remembers what it
// returned and which globals it defined.
func (a *luaArena) LoadUnit(name string, code []byte) (CodeUnit, error) {
	fn, err := a.L.Load(bytes.NewReader(code), name)
	if err != nil {
		return nil, err
	}

	before := make(map[string]bool)
	a.L.G.Global.ForEach(func(k, _ lua.LValue) {
		if s, ok := k.(lua.LString); ok {
			before[string(s)] = true
		}
	})

	results, err := a.pcall(fn, 1)
	if err != nil {
		return nil, err
	}

	unit := &luaUnit{arena: a, name: name, returned: results[0]}
	a.L.G.Global.ForEach(func(k, v lua.LValue) {
		s, ok := k.(lua.LString)
		if !ok || before[string(s)] {
			return
		}
		if t, ok := v.(*lua.LTable); ok {
			unit.globals = append(unit.globals, namedTable{name: string(s), table: t})
		}
	})
	sort.Slice(unit.globals, func(i, j int) bool { return unit.globals[i].name < unit.globals[j].name })
	return unit, nil
}

// pcall calls fn with args in protected mode and returns exactly nret results.
func (a *luaArena) pcall(fn lua.LValue, nret int, args ...lua.LValue) (results []lua.LValue, err error) {
	L := a.L
	a.depErr = nil
	top := L.GetTop()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
		L.SetTop(top)
	}()

	L.Push(fn)
	for _, arg := range args {
		L.Push(arg)
	}
	if err := L.PCall(len(args), nret, nil); err != nil {
		if a.depErr != nil && strings.Contains(err.Error(), a.depErr.Error()) {
			return nil, fmt.Errorf("%s: %w", err.Error(), a.depErr)
		}
		return nil, err
	}
	results = make([]lua.LValue, nret)
	for i := 0; i < nret; i++ {
		results[i] = L.Get(top + i + 1)
	}
	return results, nil
}

func (a *luaArena) hostLog(level string) lua.LGFunction {
	return func(L *lua.LState) int {
		msg := L.CheckString(1)
		logger := a.host.logger
		switch level {
		case "warn":
			logger.Warn(msg, "source", "lua")
		case "error":
			logger.Error(msg, "source", "lua")
		default:
			logger.Info(msg, "source", "lua")
		}
		return 0
	}
}

func (a *luaArena) hostSleep(L *lua.LState) int {
	d := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return 0
	case <-a.host.ctx.Done():
		L.RaiseError("%s", a.host.ctx.Err().Error())
		return 0
	}
}

func (a *luaArena) hostName(L *lua.LState) int {
	L.Push(lua.LString(a.host.plugin))
	return 1
}

func (a *luaArena) hostConfigPath(L *lua.LState) int {
	if a.host.configPath == "" {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(a.host.configPath))
	return 1
}

func (a *luaArena) hostConfig(L *lua.LState) int {
	if a.host.configPath == "" {
		L.Push(lua.LNil)
		return 1
	}
	data, err := os.ReadFile(a.host.configPath)
	if err != nil {
		L.RaiseError("failed to read configuration: %s", err.Error())
		return 0
	}
	L.Push(lua.LString(string(data)))
	return 1
}

type namedTable struct {
	name  string
	table *lua.LTable
}

// luaUnit is a loaded Lua chunk.
type luaUnit struct {
	arena    *luaArena
	name     string
	returned lua.LValue
	globals  []namedTable
}

// Entry implements CodeUnit. Candidates, first match wins: the returned
// table, its table fields by key, then the new global tables by name.
func (u *luaUnit) Entry() (Role, error) {
	var candidates []*lua.LTable
	if t, ok := u.returned.(*lua.LTable); ok {
		candidates = append(candidates, t)

		var fields []namedTable
		t.ForEach(func(k, v lua.LValue) {
			s, ok := k.(lua.LString)
			if !ok {
				return
			}
			if ft, ok := v.(*lua.LTable); ok {
				fields = append(fields, namedTable{name: string(s), table: ft})
			}
		})
		sort.Slice(fields, func(i, j int) bool { return fields[i].name < fields[j].name })
		for _, f := range fields {
			candidates = append(candidates, f.table)
		}
	}
	for _, g := range u.globals {
		candidates = append(candidates, g.table)
	}

	for _, t := range candidates {
		if u.arena.implementsLifecycle(t) {
			return u.arena.instantiate(t)
		}
	}
	return nil, NewNoEntryTypeError(u.name)
}

func (a *luaArena) implementsLifecycle(t *lua.LTable) bool {
	for _, method := range []string{"start", "run", "stop"} {
		if a.L.GetField(t, method).Type() != lua.LTFunction {
			return false
		}
	}
	return true
}

// instantiate calls T:new() when the type defines it, otherwise creates an
// instance inheriting from T.
func (a *luaArena) instantiate(t *lua.LTable) (Role, error) {
	L := a.L
	if ctor := L.GetField(t, "new"); ctor.Type() == lua.LTFunction {
		results, err := a.pcall(ctor, 1, t)
		if err != nil {
			return nil, err
		}
		instance, ok := results[0].(*lua.LTable)
		if !ok || !a.implementsLifecycle(instance) {
			return nil, fmt.Errorf("constructor returned %s without start, run and stop", results[0].Type())
		}
		return &luaRole{arena: a, instance: instance}, nil
	}

	instance := L.NewTable()
	meta := L.NewTable()
	L.SetField(meta, "__index", t)
	L.SetMetatable(instance, meta)
	return &luaRole{arena: a, instance: instance}, nil
}

// luaRole invokes the lifecycle methods of a Lua instance.
type luaRole struct {
	arena    *luaArena
	instance *lua.LTable
}

func (r *luaRole) call(method string) (lua.LValue, error) {
	results, err := r.arena.pcall(r.arena.L.GetField(r.instance, method), 1, r.instance)
	if err != nil {
		return lua.LNil, err
	}
	return results[0], nil
}

func (r *luaRole) Start(ctx context.Context) (bool, error) {
	ret, err := r.call("start")
	if err != nil {
		return false, err
	}
	return lua.LVAsBool(ret), nil
}

func (r *luaRole) Run(ctx context.Context) error {
	_, err := r.call("run")
	return err
}

func (r *luaRole) Stop(ctx context.Context) error {
	_, err := r.call("stop")
	return err
}

var (
	_ Runtime          = (*LuaRuntime)(nil)
	_ ExecutionContext = (*luaContext)(nil)
	_ PluginHost       = (*luaContext)(nil)
	_ Arena            = (*luaArena)(nil)
)
