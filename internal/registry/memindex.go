package registry

import (
	"fmt"
	"strings"
	"sync"

	"yhtransfer/internal/transfer/types"
)

// MemoryIndex is a process-local DigestIndex.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]string)}
}

func indexKey(scope, digest string, enc types.EncryptType) string {
	return fmt.Sprintf("%s\x00%s\x00%d", scope, strings.ToLower(strings.TrimSpace(digest)), enc)
}

func (m *MemoryIndex) Lookup(scope, digest string, enc types.EncryptType) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fid, ok := m.entries[indexKey(scope, digest, enc)]
	return fid, ok, nil
}

func (m *MemoryIndex) Record(scope, digest, fid string, _ int64, enc types.EncryptType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[indexKey(scope, digest, enc)] = fid
	return nil
}

func (m *MemoryIndex) Forget(fid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.entries {
		if v == fid {
			delete(m.entries, k)
		}
	}
	return nil
}
