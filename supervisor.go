// supervisor.go: Poll cycle and supervisor lifecycle
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults used when Options leave a field empty.
const (
	DefaultPollInterval   = 30 * time.Second
	DefaultErrorContainer = "supervisor-errors"
	DefaultIdentifier     = "supervisor"
	DefaultReportTimeout  = 10 * time.Second

	// SettingContainer names the container to poll.
	SettingContainer = "container"
)

// SettingsSource exposes the hosting environment's settings.
type SettingsSource interface {
	Setting(key string) (string, bool)
}

// StaticSettings is a fixed SettingsSource.
type StaticSettings map[string]string

// Setting implements SettingsSource.
func (s StaticSettings) Setting(key string) (string, bool) {
	v, ok := s[key]
	return v, ok
}

// Options configures a Supervisor.
type Options struct {
	Store    Store
	Settings SettingsSource

	// Runtimes defaults to a LuaRuntime and a ProcessRuntime.
	Runtimes    []Runtime
	RuntimeMode string

	// ScratchDir receives configuration companions and process artifacts.
	ScratchDir string

	// ErrorContainer and Identifier locate configuration error records.
	ErrorContainer string
	Identifier     string

	// RestartFaulted forgets the version of a faulted plugin so the same
	// artifact is loaded again on the next poll.
	RestartFaulted bool

	ReportTimeout time.Duration
	Logger        Logger
	Metrics       MetricsCollector
}

// Supervisor polls a container and keeps the plugins of its manifest running.
type Supervisor struct {
	opts     Options
	store    Store
	settings SettingsSource
	manifest *ManifestReader
	versions *VersionTracker
	contexts *ContextManager
	reporter *FaultReporter
	logger   Logger
	metrics  MetricsCollector

	pollMu  sync.Mutex
	tasks   sync.WaitGroup
	closing atomic.Bool
}

// New creates a supervisor.
func New(opts Options) (*Supervisor, error) {
	if opts.Store == nil {
		return nil, NewInvalidConfigError("a store is required", nil)
	}
	if opts.Settings == nil {
		return nil, NewInvalidConfigError("a settings source is required", nil)
	}
	logger := NewLogger(opts.Logger)
	if opts.Metrics == nil {
		opts.Metrics = NewDefaultMetricsCollector()
	}
	if opts.ScratchDir == "" {
		opts.ScratchDir = filepath.Join(os.TempDir(), "go-supervisor")
	}
	if opts.ErrorContainer == "" {
		opts.ErrorContainer = DefaultErrorContainer
	}
	if opts.Identifier == "" {
		opts.Identifier = DefaultIdentifier
	}
	if opts.ReportTimeout <= 0 {
		opts.ReportTimeout = DefaultReportTimeout
	}
	if len(opts.Runtimes) == 0 {
		opts.Runtimes = []Runtime{
			NewLuaRuntime(logger),
			NewProcessRuntime(DefaultProcessRuntimeConfig, logger),
		}
	}

	reg := newRegistry()
	selector := NewRuntimeSelector(opts.RuntimeMode, opts.Runtimes...)
	return &Supervisor{
		opts:     opts,
		store:    opts.Store,
		settings: opts.Settings,
		manifest: NewManifestReader(opts.Store, logger),
		versions: &VersionTracker{reg: reg},
		contexts: newContextManager(reg, selector, opts.ScratchDir, logger, opts.Metrics),
		reporter: NewFaultReporter(opts.Store, logger, opts.Metrics),
		logger:   logger,
		metrics:  opts.Metrics,
	}, nil
}

// Poll runs one cycle: read the manifest, then for each listed plugin load
// it if its artifact is newer than the version last loaded. Plugin failures
// are reported as error records and never returned; the returned error means
// the whole tick was aborted (missing setting, unreachable store).
func (s *Supervisor) Poll(ctx context.Context) (err error) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	start := time.Now()
	defer func() {
		s.metrics.IncrementCounter(MetricPolls, nil, 1)
		s.metrics.RecordHistogram(MetricPollDuration, nil, time.Since(start).Seconds())
		if err != nil {
			s.metrics.IncrementCounter(MetricPollErrors, nil, 1)
		}
	}()
	defer recoverInto(&err)

	container, ok := s.settings.Setting(SettingContainer)
	container = strings.TrimSpace(container)
	if !ok || container == "" {
		cfgErr := NewConfigurationError(SettingContainer)
		if ensureErr := s.store.EnsureContainer(ctx, s.opts.ErrorContainer); ensureErr != nil {
			s.logger.Warn("Failed to create error container", "container", s.opts.ErrorContainer, "error", ensureErr)
		} else {
			s.reporter.ReportError(ctx, s.opts.ErrorContainer, s.opts.Identifier, cfgErr)
		}
		return cfgErr
	}

	names, err := s.manifest.Read(ctx, container)
	if err != nil {
		return err
	}
	repo := NewRepository(s.store, container)
	for _, name := range names {
		if err := s.pollPlugin(ctx, repo, name); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) pollPlugin(ctx context.Context, repo Repository, name string) error {
	exists, err := repo.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		s.metrics.IncrementCounter(MetricArtifactsMissing, nil, 1)
		s.reporter.ReportError(ctx, repo.Container, name, NewArtifactNotFoundError(name, repo.Container))
		return nil
	}

	remote, err := repo.LastModified(ctx, name)
	if err != nil {
		return err
	}
	if !s.versions.IsStale(name, remote) {
		return nil
	}
	known, _ := s.versions.Known(name)
	logger := s.logger.With("plugin", name, "container", repo.Container)
	logger.Info("New plugin version detected", "version", remote, "previous", known)

	configPath, err := s.fetchConfig(ctx, repo, name)
	if err != nil {
		s.reporter.Report(ctx, repo.Container, name, fmt.Sprintf("Failed to fetch configuration of plugin '%s': %v", name, err))
		return nil
	}

	handle, err := s.contexts.Load(ctx, LoadRequest{
		Name:       name,
		Repository: repo,
		ConfigPath: configPath,
		Version:    remote,
	})
	if err != nil {
		s.reporter.Report(ctx, repo.Container, name, fmt.Sprintf("Unrecoverable error while loading plugin '%s': %v", name, err))
		return nil
	}

	// The record must be gone before the task starts so an early fault survives.
	if err := s.reporter.Clear(ctx, repo.Container, name); err != nil {
		s.contexts.unloadIf(name, handle)
		return err
	}
	s.versions.Advance(name, remote)
	s.startSupervised(repo.Container, name, handle)
	return nil
}

// fetchConfig copies "<name>.config" into the scratch directory and returns
// its path, or "" when the plugin has none.
func (s *Supervisor) fetchConfig(ctx context.Context, repo Repository, name string) (string, error) {
	key := ConfigKey(name)
	exists, err := repo.Exists(ctx, key)
	if err != nil || !exists {
		return "", err
	}
	data, err := repo.Download(ctx, key)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(s.opts.ScratchDir, "config", repo.Container)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	path := filepath.Join(dir, filepath.Base(key))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// Run polls immediately and then every interval until ctx is done. Tick
// errors are logged; the next tick starts fresh.
func (s *Supervisor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.Poll(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Poll cycle aborted", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Unload destroys the context of name. The version is kept, so the plugin
// stays down until a newer artifact is uploaded.
func (s *Supervisor) Unload(name string) bool {
	return s.contexts.Unload(name)
}

// Close destroys every context and waits for the supervised tasks to
// return, or for ctx to be done.
func (s *Supervisor) Close(ctx context.Context) error {
	s.closing.Store(true)
	s.contexts.Close()

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Descriptor returns the descriptor of a plugin with a live context.
func (s *Supervisor) Descriptor(name string) (PluginDescriptor, bool) {
	return s.contexts.Descriptor(name)
}

// Contexts exposes the context manager.
func (s *Supervisor) Contexts() *ContextManager {
	return s.contexts
}

// Versions exposes the version tracker.
func (s *Supervisor) Versions() *VersionTracker {
	return s.versions
}

// Reporter exposes the fault reporter.
func (s *Supervisor) Reporter() *FaultReporter {
	return s.reporter
}

// Metrics returns the collector in use.
func (s *Supervisor) Metrics() MetricsCollector {
	return s.metrics
}
