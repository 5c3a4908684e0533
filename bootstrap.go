// bootstrap.go: In-context plugin bootstrap and lazy dependency resolution
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"strings"
	"sync"
)

// PluginHost is what a plugin sees of the supervisor from inside its context.
type PluginHost interface {
	// Name is the plugin name from the manifest.
	Name() string

	// ConfigPath is the local copy of "<name>.config", empty when absent.
	ConfigPath() string

	// Require fetches a dependency from the plugin's own repository location.
	Require(ctx context.Context, reference string) ([]byte, error)

	Logger() Logger
}

// Arena is the code-loading facility of one execution context.
type Arena interface {
	// InstallResolver registers the hook consulted whenever code running in
	// the arena references a unit the arena cannot find by itself.
	InstallResolver(resolver *DependencyResolver)

	// LoadUnit loads code as a unit named name.
	LoadUnit(name string, code []byte) (CodeUnit, error)
}

// CodeUnit is a loaded primary code unit.
type CodeUnit interface {
	// Entry instantiates the first type implementing the lifecycle set. It
	// returns a NoEntryType error when the unit exposes none.
	Entry() (Role, error)
}

// DependencyResolver satisfies missing code units from the repository the
// context was created from. It is installed for the whole context lifetime
// and resolves at call time.
type DependencyResolver struct {
	repo      Repository
	extension string
	logger    Logger

	mu       sync.Mutex
	resolved []string
}

// NewDependencyResolver creates a resolver appending extension to references
// that do not already carry it.
func NewDependencyResolver(repo Repository, extension string, logger Logger) *DependencyResolver {
	return &DependencyResolver{repo: repo, extension: extension, logger: NewLogger(logger)}
}

// ArtifactName derives the artifact key of a reference: the part before the
// first comma, trimmed, with the resolver extension appended.
func (d *DependencyResolver) ArtifactName(reference string) string {
	head := strings.TrimSpace(strings.SplitN(reference, ",", 2)[0])
	if d.extension != "" && !strings.HasSuffix(head, d.extension) {
		head += d.extension
	}
	return head
}

// Resolve downloads the artifact a reference points to, failing with a
// DependencyError when it does not exist in the repository.
func (d *DependencyResolver) Resolve(ctx context.Context, reference string) ([]byte, error) {
	artifact := d.ArtifactName(reference)
	exists, err := d.repo.Exists(ctx, artifact)
	if err != nil {
		return nil, err
	}
	if !exists {
		d.logger.Warn("Dependency not found", "reference", reference, "artifact", artifact)
		return nil, NewDependencyError(reference, artifact, d.repo.Container)
	}
	code, err := d.repo.Download(ctx, artifact)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.resolved = append(d.resolved, artifact)
	d.mu.Unlock()
	d.logger.Debug("Dependency resolved", "reference", reference, "artifact", artifact, "bytes", len(code))
	return code, nil
}

// Resolved lists the artifacts fetched so far, in order.
func (d *DependencyResolver) Resolved() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.resolved))
	copy(out, d.resolved)
	return out
}

// Bootstrap lives inside an execution context: it loads the entry artifact,
// keeps the dependency hook installed, and proxies the lifecycle calls to the
// instance it constructed.
type Bootstrap struct {
	repo     Repository
	entry    string
	role     Role
	resolver *DependencyResolver
}

// NewBootstrap downloads entry from repo, loads it into arena and
// instantiates its lifecycle type.
func NewBootstrap(ctx context.Context, repo Repository, entry string, arena Arena, logger Logger) (b *Bootstrap, err error) {
	defer func() {
		if err != nil && ErrorCodeOf(err) == "" {
			err = NewConstructionError(entry, err)
		}
	}()
	defer recoverInto(&err)

	code, err := repo.Download(ctx, entry)
	if err != nil {
		return nil, err
	}

	resolver := NewDependencyResolver(repo, extensionOf(entry), logger)
	arena.InstallResolver(resolver)

	unit, err := arena.LoadUnit(entry, code)
	if err != nil {
		return nil, err
	}
	role, err := unit.Entry()
	if err != nil {
		return nil, err
	}
	return &Bootstrap{repo: repo, entry: entry, role: role, resolver: resolver}, nil
}

func extensionOf(artifact string) string {
	if i := strings.LastIndexByte(artifact, '.'); i > 0 {
		return artifact[i:]
	}
	return ""
}

// Entry returns the artifact the bootstrap was built from.
func (b *Bootstrap) Entry() string {
	return b.entry
}

// Resolver returns the dependency hook installed in the context.
func (b *Bootstrap) Resolver() *DependencyResolver {
	return b.resolver
}

// Start implements Role. It returns false when no instance was constructed.
func (b *Bootstrap) Start(ctx context.Context) (bool, error) {
	if b == nil || b.role == nil {
		return false, nil
	}
	return b.role.Start(ctx)
}

// Run implements Role.
func (b *Bootstrap) Run(ctx context.Context) error {
	if b == nil || b.role == nil {
		return nil
	}
	return b.role.Run(ctx)
}

// Stop implements Role.
func (b *Bootstrap) Stop(ctx context.Context) error {
	if b == nil || b.role == nil {
		return nil
	}
	return b.role.Stop(ctx)
}
