// Package supervisor keeps a set of plugins running from a remote artifact
// store. On every poll it reads the manifest "__entrypoint.txt" of a
// container, and for each listed plugin whose artifact is newer than the
// version last loaded it builds a fresh isolated execution context, loads the
// artifact into it and drives its start, run and stop lifecycle on a
// supervised goroutine. Replacing a plugin destroys its old context, which
// aborts whatever the old code was doing.
//
// Two runtimes provide isolation:
//   - Lua: artifacts ending in ".lua" run in a private gopher-lua VM whose
//     require() fetches missing modules from the same container
//   - Process: any other artifact is executed as a child process that calls
//     Serve and speaks gRPC over a unix socket
//
// Failures never stop the supervisor. They are written back into the store
// as "<plugin>__an_error_occured.txt" records, which is how operators see
// plugin health.
//
// Basic Usage:
//
//	store, err := supervisor.NewSQLiteStore("artifacts.db")
//	if err != nil {
//		log.Fatal(err)
//	}
//	sv, err := supervisor.New(supervisor.Options{
//		Store:    store,
//		Settings: supervisor.StaticSettings{"container": "plugins"},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sv.Close(context.Background())
//
//	// Poll now and every 30 seconds until ctx is canceled.
//	_ = sv.Run(ctx, supervisor.DefaultPollInterval)
//
// A Lua plugin:
//
//	local Plugin = {}
//	function Plugin:start() return true end
//	function Plugin:run() host.log("hello from " .. host.name()) end
//	function Plugin:stop() end
//	return Plugin
//
// A process plugin:
//
//	func main() {
//		_ = supervisor.Serve(func(host supervisor.PluginHost) (supervisor.Role, error) {
//			return &myPlugin{host: host}, nil
//		})
//	}
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package supervisor
