// config_watcher.go: Hot reload of the supervisor configuration file
//
// ConfigWatcher keeps the latest valid Config and serves it as the
// supervisor's SettingsSource, so edits such as a new container name take
// effect on the next poll without a restart. An invalid edit is logged and
// the previous configuration stays active.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
)

// ConfigWatcherOptions tunes the file watcher.
type ConfigWatcherOptions struct {
	PollInterval time.Duration
	CacheTTL     time.Duration
	Audit        AuditSettings
}

// DefaultConfigWatcherOptions returns sensible defaults.
func DefaultConfigWatcherOptions() ConfigWatcherOptions {
	return ConfigWatcherOptions{
		PollInterval: 5 * time.Second,
		CacheTTL:     2 * time.Second,
	}
}

// ConfigChangeFunc is notified after a new configuration became active.
type ConfigChangeFunc func(old, updated *Config)

// ConfigWatcher watches one configuration file.
type ConfigWatcher struct {
	path        string
	options     ConfigWatcherOptions
	logger      Logger
	watcher     *argus.Watcher
	auditLogger *argus.AuditLogger

	current atomic.Pointer[Config]
	reloads atomic.Int64

	mu        sync.Mutex
	callbacks []ConfigChangeFunc
	running   atomic.Bool
	stopOnce  sync.Once
}

// NewConfigWatcher loads path once and prepares the watcher. The initial
// load must succeed.
func NewConfigWatcher(path string, options ConfigWatcherOptions, logger Logger) (*ConfigWatcher, error) {
	internalLogger := NewLogger(logger)
	initial, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultConfigWatcherOptions().PollInterval
	}
	if options.CacheTTL <= 0 {
		options.CacheTTL = DefaultConfigWatcherOptions().CacheTTL
	}

	var auditLogger *argus.AuditLogger
	if options.Audit.Enabled {
		auditLogger, err = argus.NewAuditLogger(argus.AuditConfig{
			Enabled:       true,
			OutputFile:    options.Audit.OutputFile,
			MinLevel:      argus.AuditInfo,
			BufferSize:    100,
			FlushInterval: 5 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create audit logger: %w", err)
		}
	}

	cw := &ConfigWatcher{
		path:        path,
		options:     options,
		logger:      internalLogger,
		auditLogger: auditLogger,
	}
	cw.current.Store(initial)
	cw.watcher = argus.New(argus.Config{
		PollInterval:         options.PollInterval,
		CacheTTL:             options.CacheTTL,
		MaxWatchedFiles:      1,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, file string) {
			internalLogger.Error("Config file watching error", "error", err, "file", file)
		},
	})
	return cw, nil
}

// Current returns the active configuration.
func (cw *ConfigWatcher) Current() *Config {
	return cw.current.Load()
}

// Setting implements SettingsSource over the active configuration.
func (cw *ConfigWatcher) Setting(key string) (string, bool) {
	return cw.current.Load().Setting(key)
}

// Reloads returns how many edits were applied since creation.
func (cw *ConfigWatcher) Reloads() int64 {
	return cw.reloads.Load()
}

// OnChange registers fn. Callbacks run on their own goroutine.
func (cw *ConfigWatcher) OnChange(fn ConfigChangeFunc) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, fn)
}

// Start begins watching the file.
func (cw *ConfigWatcher) Start() error {
	if !cw.running.CompareAndSwap(false, true) {
		return fmt.Errorf("config watcher is already running")
	}
	if err := cw.watcher.Watch(cw.path, cw.handleChange); err != nil {
		cw.running.Store(false)
		return fmt.Errorf("failed to watch config file: %w", err)
	}
	if err := cw.watcher.Start(); err != nil {
		cw.running.Store(false)
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	cw.logger.Info("Config watcher started", "path", cw.path, "poll_interval", cw.options.PollInterval)
	cw.audit("config_watcher_started", map[string]interface{}{"path": cw.path})
	return nil
}

// Stop ends watching. The watcher cannot be restarted.
func (cw *ConfigWatcher) Stop() error {
	var stopErr error
	cw.stopOnce.Do(func() {
		if cw.running.Load() {
			if err := cw.watcher.Stop(); err != nil {
				stopErr = fmt.Errorf("failed to stop config watcher: %w", err)
			}
			cw.running.Store(false)
		}
		if cw.auditLogger != nil {
			if err := cw.auditLogger.Close(); err != nil {
				cw.logger.Warn("Failed to close audit logger", "error", err)
			}
		}
	})
	return stopErr
}

// IsRunning reports whether the watcher is active.
func (cw *ConfigWatcher) IsRunning() bool {
	return cw.running.Load()
}

func (cw *ConfigWatcher) handleChange(event argus.ChangeEvent) {
	if event.IsDelete {
		cw.logger.Warn("Config file was deleted, keeping the current configuration", "path", event.Path)
		cw.audit("config_file_deleted", map[string]interface{}{"path": event.Path})
		return
	}
	cw.reload()
}

// reload reads the file again. A configuration that fails to load or
// validate is not applied.
func (cw *ConfigWatcher) reload() bool {
	updated, err := LoadConfig(cw.path)
	if err != nil {
		cw.logger.Error("Failed to reload configuration", "path", cw.path, "error", describeError(err))
		cw.audit("config_reload_failed", map[string]interface{}{"path": cw.path, "error": describeError(err)})
		return false
	}
	old := cw.current.Swap(updated)
	cw.reloads.Add(1)
	cw.logger.Info("Configuration reloaded", "path", cw.path, "container", updated.Container)
	cw.audit("config_reloaded", map[string]interface{}{
		"path":          cw.path,
		"old_container": old.Container,
		"new_container": updated.Container,
	})

	cw.mu.Lock()
	callbacks := append([]ConfigChangeFunc(nil), cw.callbacks...)
	cw.mu.Unlock()
	for _, fn := range callbacks {
		fn := fn
		SafeGoWithHandler(func(recovered interface{}, stack []byte) {
			cw.logger.Error("Panic in config change callback", "panic", recovered, "stack", string(stack))
		}, func() {
			fn(old, updated)
		})
	}
	return true
}

func (cw *ConfigWatcher) audit(event string, context map[string]interface{}) {
	if cw.auditLogger == nil {
		return
	}
	context["component"] = "config_watcher"
	context["pid"] = os.Getpid()
	cw.auditLogger.LogSecurityEvent(event, "Supervisor configuration change", context)
}
