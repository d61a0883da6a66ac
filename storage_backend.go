package trialscope

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// SnapshotBackend stores archived snapshots and report bundles by key.
// Implementations must be safe for concurrent use.
type SnapshotBackend interface {
	// Read returns the payload for a key, or an error if it does not exist.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write stores a payload under a key, replacing any existing payload.
	Write(ctx context.Context, key string, data []byte) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists reports whether a key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases any resources.
	Close() error
}

// MemorySnapshotBackend is an in-memory SnapshotBackend, used in tests and
// for engines that archive only within a process lifetime.
type MemorySnapshotBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemorySnapshotBackend creates an empty in-memory backend.
func NewMemorySnapshotBackend() *MemorySnapshotBackend {
	return &MemorySnapshotBackend{data: make(map[string][]byte)}
}

func (m *MemorySnapshotBackend) Read(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[key]
	if !ok {
		return nil, newStoreError(StoreErrorTypeRead, "snapshot not found", key, nil)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemorySnapshotBackend) Write(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.data[key] = cp
	return nil
}

func (m *MemorySnapshotBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemorySnapshotBackend) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemorySnapshotBackend) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok, nil
}

func (m *MemorySnapshotBackend) Close() error {
	return nil
}

// snapshotKey builds the archive key for a study snapshot.
func snapshotKey(studyID string, unixNano int64) string {
	return fmt.Sprintf("snapshots/%s/%d", studyID, unixNano)
}

// bundleKey builds the archive key for a report bundle.
func bundleKey(studyID string, unixNano int64) string {
	return fmt.Sprintf("bundles/%s/%d", studyID, unixNano)
}
