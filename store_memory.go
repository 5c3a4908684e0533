// store_memory.go: In-memory artifact store
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"sync"
	"time"
)

type memoryBlob struct {
	data     []byte
	modified time.Time
}

// MemoryStore keeps blobs in process memory. It is used by tests and by the
// "memory" store driver; it also counts downloads per key so callers can
// assert which paths transfer bytes.
type MemoryStore struct {
	mu         sync.RWMutex
	containers map[string]map[string]*memoryBlob
	downloads  map[string]int
	now        func() time.Time
	failures   map[string]error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		containers: make(map[string]map[string]*memoryBlob),
		downloads:  make(map[string]int),
		failures:   make(map[string]error),
		now:        time.Now,
	}
}

func memoryKey(container, key string) string {
	return container + "/" + key
}

// EnsureContainer implements Store.
func (m *MemoryStore) EnsureContainer(ctx context.Context, container string) error {
	if err := m.fail("ensure", container, ""); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.containers[container]; !ok {
		m.containers[container] = make(map[string]*memoryBlob)
	}
	return nil
}

// Exists implements Store.
func (m *MemoryStore) Exists(ctx context.Context, container, key string) (bool, error) {
	if err := m.fail("exists", container, key); err != nil {
		return false, err
	}
	_, ok := m.lookup(container, key)
	return ok, nil
}

// Download implements Store.
func (m *MemoryStore) Download(ctx context.Context, container, key string) ([]byte, error) {
	if err := m.fail("download", container, key); err != nil {
		return nil, err
	}
	blob, ok := m.lookup(container, key)
	if !ok {
		return nil, NewArtifactNotFoundError(key, container)
	}
	m.mu.Lock()
	m.downloads[memoryKey(container, key)]++
	m.mu.Unlock()

	out := make([]byte, len(blob.data))
	copy(out, blob.data)
	return out, nil
}

// Upload implements Store. The container is created on demand and the
// modification time is forced to advance on every upload of the same key.
func (m *MemoryStore) Upload(ctx context.Context, container, key string, data []byte) error {
	if err := m.fail("upload", container, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	blobs, ok := m.containers[container]
	if !ok {
		blobs = make(map[string]*memoryBlob)
		m.containers[container] = blobs
	}
	modified := m.now().UTC()
	if prev, ok := blobs[key]; ok && !modified.After(prev.modified) {
		modified = prev.modified.Add(time.Millisecond)
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	blobs[key] = &memoryBlob{data: stored, modified: modified}
	return nil
}

// DownloadText implements Store.
func (m *MemoryStore) DownloadText(ctx context.Context, container, key string) (string, error) {
	data, err := m.Download(ctx, container, key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UploadText implements Store.
func (m *MemoryStore) UploadText(ctx context.Context, container, key, text string) error {
	return m.Upload(ctx, container, key, []byte(text))
}

// DeleteIfExists implements Store.
func (m *MemoryStore) DeleteIfExists(ctx context.Context, container, key string) error {
	if err := m.fail("delete", container, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if blobs, ok := m.containers[container]; ok {
		delete(blobs, key)
	}
	return nil
}

// LastModified implements Store.
func (m *MemoryStore) LastModified(ctx context.Context, container, key string) (time.Time, error) {
	if err := m.fail("last_modified", container, key); err != nil {
		return time.Time{}, err
	}
	blob, ok := m.lookup(container, key)
	if !ok {
		return time.Time{}, NewArtifactNotFoundError(key, container)
	}
	return blob.modified, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}

// SetModified overrides the modification timestamp of an existing key.
func (m *MemoryStore) SetModified(container, key string, modified time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.containers[container][key]
	if ok {
		blob.modified = modified
	}
	return ok
}

// DownloadCount returns how many times key was downloaded.
func (m *MemoryStore) DownloadCount(container, key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.downloads[memoryKey(container, key)]
}

// HasContainer reports whether the container was created.
func (m *MemoryStore) HasContainer(container string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.containers[container]
	return ok
}

// FailOperation makes every call of op ("exists", "download", "upload",
// "delete", "last_modified", "ensure") on container fail with err. A nil err
// clears the failure.
func (m *MemoryStore) FailOperation(op, container string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op+":"+container)
		return
	}
	m.failures[op+":"+container] = err
}

func (m *MemoryStore) fail(op, container, key string) error {
	m.mu.RLock()
	err, ok := m.failures[op+":"+container]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return NewStoreError(op, container, key, err)
}

func (m *MemoryStore) lookup(container, key string) (memoryBlob, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.containers[container][key]
	if !ok {
		return memoryBlob{}, false
	}
	return *blob, true
}
