package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps chunk payloads in process memory. It backs tests and
// throwaway single-process deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	chunks map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chunks: make(map[string][]byte)}
}

// UploadChunk stores a copy of data under objectKey
func (ms *MemoryStore) UploadChunk(ctx context.Context, objectKey string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	ms.mu.Lock()
	ms.chunks[objectKey] = buf
	ms.mu.Unlock()
	return nil
}

// DownloadChunk returns a copy of the payload stored under objectKey
func (ms *MemoryStore) DownloadChunk(ctx context.Context, objectKey string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ms.mu.RLock()
	data, ok := ms.chunks[objectKey]
	ms.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("chunk %s: %w", objectKey, ErrNotFound)
	}

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// DeleteChunk removes objectKey; missing keys are ignored
func (ms *MemoryStore) DeleteChunk(ctx context.Context, objectKey string) error {
	ms.mu.Lock()
	delete(ms.chunks, objectKey)
	ms.mu.Unlock()
	return nil
}

// Keys lists the stored keys with the given prefix in sorted order
func (ms *MemoryStore) Keys(prefix string) []string {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var keys []string
	for k := range ms.chunks {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
