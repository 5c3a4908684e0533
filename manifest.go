// manifest.go: Manifest and well-known keys of a plugin container
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	_ "embed"
	"strings"
	"sync"
)

// Well-known keys inside a plugin container.
const (
	ManifestKey      = "__entrypoint.txt"
	ReadmeKey        = "__readme.txt"
	ConfigKeySuffix  = ".config"
	ErrorKeySuffix   = "__an_error_occured.txt"
	LuaArtifactExt   = ".lua"
	manifestNewlines = "\r\n"
)

//go:embed templates/readme.txt
var readmeTemplate string

// ConfigKey returns the key of the optional configuration companion of name.
func ConfigKey(name string) string {
	return name + ConfigKeySuffix
}

// ErrorKey returns the key of the error record for a plugin or module.
func ErrorKey(module string) string {
	return module + ErrorKeySuffix
}

// ParseManifest splits manifest text into plugin names. Blank lines are
// dropped and surrounding whitespace trimmed; order and duplicates are kept.
func ParseManifest(text string) []string {
	lines := strings.FieldsFunc(text, func(r rune) bool {
		return strings.ContainsRune(manifestNewlines, r)
	})
	names := make([]string, 0, len(lines))
	for _, line := range lines {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// ManifestReader reads the manifest of a container and seeds the bootstrap
// keys (container, readme, empty manifest) the first time it sees a container.
type ManifestReader struct {
	store  Store
	logger Logger

	mu           sync.Mutex
	bootstrapped map[string]bool
}

// NewManifestReader creates a reader over store.
func NewManifestReader(store Store, logger Logger) *ManifestReader {
	return &ManifestReader{
		store:        store,
		logger:       NewLogger(logger),
		bootstrapped: make(map[string]bool),
	}
}

// EnsureBootstrap creates the container, the readme and an empty manifest when
// absent. After the first success for a container it does nothing.
func (m *ManifestReader) EnsureBootstrap(ctx context.Context, container string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bootstrapped[container] {
		return nil
	}
	if err := m.store.EnsureContainer(ctx, container); err != nil {
		return err
	}
	if err := m.ensureText(ctx, container, ReadmeKey, readmeTemplate); err != nil {
		return err
	}
	if err := m.ensureText(ctx, container, ManifestKey, ""); err != nil {
		return err
	}
	m.bootstrapped[container] = true
	return nil
}

func (m *ManifestReader) ensureText(ctx context.Context, container, key, text string) error {
	exists, err := m.store.Exists(ctx, container, key)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	m.logger.Info("Seeding container key", "container", container, "key", key)
	return m.store.UploadText(ctx, container, key, text)
}

// Read returns the plugin names listed in the container's manifest. A
// manifest deleted since the container was bootstrapped is seeded again as
// an empty one.
func (m *ManifestReader) Read(ctx context.Context, container string) ([]string, error) {
	if err := m.EnsureBootstrap(ctx, container); err != nil {
		return nil, err
	}
	if err := m.ensureText(ctx, container, ManifestKey, ""); err != nil {
		return nil, err
	}
	text, err := m.store.DownloadText(ctx, container, ManifestKey)
	if err != nil {
		return nil, err
	}
	return ParseManifest(text), nil
}
