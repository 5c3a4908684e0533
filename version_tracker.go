// version_tracker.go: Last-seen artifact versions per plugin
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import "time"

// VersionTracker remembers the store modification time of the artifact each
// plugin was last successfully loaded from. The watermark never regresses.
type VersionTracker struct {
	reg *registry
}

// NewVersionTracker creates a tracker with its own state. Supervisors share a
// registry between their tracker and context manager instead.
func NewVersionTracker() *VersionTracker {
	return &VersionTracker{reg: newRegistry()}
}

// Known returns the watermark for name.
func (v *VersionTracker) Known(name string) (time.Time, bool) {
	v.reg.mu.Lock()
	defer v.reg.mu.Unlock()
	t, ok := v.reg.versions[name]
	return t, ok
}

// IsStale reports whether remote is strictly newer than the watermark. A name
// without a watermark is always stale, whatever its timestamp.
func (v *VersionTracker) IsStale(name string, remote time.Time) bool {
	known, ok := v.Known(name)
	return !ok || remote.After(known)
}

// Advance moves the watermark forward to t. Older or equal timestamps are
// ignored; the return value reports whether the watermark moved.
func (v *VersionTracker) Advance(name string, t time.Time) bool {
	v.reg.mu.Lock()
	defer v.reg.mu.Unlock()
	if cur, ok := v.reg.versions[name]; ok && !t.After(cur) {
		return false
	}
	v.reg.versions[name] = t
	return true
}

// Forget drops the watermark so the next observed version loads unconditionally.
func (v *VersionTracker) Forget(name string) {
	v.reg.mu.Lock()
	defer v.reg.mu.Unlock()
	delete(v.reg.versions, name)
}

// Snapshot returns a copy of all watermarks.
func (v *VersionTracker) Snapshot() map[string]time.Time {
	v.reg.mu.Lock()
	defer v.reg.mu.Unlock()
	out := make(map[string]time.Time, len(v.reg.versions))
	for k, t := range v.reg.versions {
		out[k] = t
	}
	return out
}
