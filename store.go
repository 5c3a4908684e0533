// store.go: Artifact repository boundary
//
// The supervisor reads manifests, artifacts and companion configuration from a
// container-scoped key/blob store and writes error records back into it. The
// Store interface is the whole capability surface it relies on; MemoryStore,
// SQLiteStore and AzureBlobStore implement it.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"time"
)

// Store is a key/blob object store with per-key modification timestamps.
//
// Download, DownloadText and LastModified return an ArtifactNotFound error
// (see HasErrorCode) when the key is absent. LastModified must be the store's
// own authoritative timestamp, never a local clock reading, and must advance
// on every upload of the same key.
type Store interface {
	EnsureContainer(ctx context.Context, container string) error
	Exists(ctx context.Context, container, key string) (bool, error)
	Download(ctx context.Context, container, key string) ([]byte, error)
	Upload(ctx context.Context, container, key string, data []byte) error
	DownloadText(ctx context.Context, container, key string) (string, error)
	UploadText(ctx context.Context, container, key, text string) error
	DeleteIfExists(ctx context.Context, container, key string) error
	LastModified(ctx context.Context, container, key string) (time.Time, error)
	Close() error
}

// Repository is a location inside a store: one container. Bootstraps resolve
// the entry artifact and every lazily required dependency against the
// repository they were constructed with.
type Repository struct {
	Store     Store
	Container string
}

// NewRepository returns the repository view of container in store.
func NewRepository(store Store, container string) Repository {
	return Repository{Store: store, Container: container}
}

// Exists reports whether key is present in the container.
func (r Repository) Exists(ctx context.Context, key string) (bool, error) {
	return r.Store.Exists(ctx, r.Container, key)
}

// Download fetches the bytes stored at key.
func (r Repository) Download(ctx context.Context, key string) ([]byte, error) {
	return r.Store.Download(ctx, r.Container, key)
}

// DownloadText fetches the text stored at key.
func (r Repository) DownloadText(ctx context.Context, key string) (string, error) {
	return r.Store.DownloadText(ctx, r.Container, key)
}

// UploadText stores text at key.
func (r Repository) UploadText(ctx context.Context, key, text string) error {
	return r.Store.UploadText(ctx, r.Container, key, text)
}

// DeleteIfExists removes key when present.
func (r Repository) DeleteIfExists(ctx context.Context, key string) error {
	return r.Store.DeleteIfExists(ctx, r.Container, key)
}

// LastModified returns the store-reported modification time of key.
func (r Repository) LastModified(ctx context.Context, key string) (time.Time, error) {
	return r.Store.LastModified(ctx, r.Container, key)
}

// String implements fmt.Stringer.
func (r Repository) String() string {
	return r.Container
}
