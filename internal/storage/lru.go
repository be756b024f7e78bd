package storage

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/maneesh/gridbox/internal/models"
)

// LRUCache is an in-process metadata cache with a size bound and TTL.
// Each process has its own cache; use Redis when several replicas share
// one metadata database.
type LRUCache struct {
	cache *expirable.LRU[string, models.Object]
}

// NewLRUCache creates a cache holding at most maxSize entries for ttl each
func NewLRUCache(maxSize int, ttl time.Duration) *LRUCache {
	return &LRUCache{cache: expirable.NewLRU[string, models.Object](maxSize, nil, ttl)}
}

// GetFileMetadata returns a copy of the cached record, or (nil, nil) on miss
func (lc *LRUCache) GetFileMetadata(_ context.Context, filename string) (*models.Object, error) {
	obj, ok := lc.cache.Get(filename)
	if !ok {
		return nil, nil
	}
	return &obj, nil
}

// SetFileMetadata adds or replaces the cached record
func (lc *LRUCache) SetFileMetadata(_ context.Context, filename string, obj *models.Object) error {
	lc.cache.Add(filename, *obj)
	return nil
}

// InvalidateFileMetadata drops the cached record
func (lc *LRUCache) InvalidateFileMetadata(_ context.Context, filename string) error {
	lc.cache.Remove(filename)
	return nil
}

// Len returns the number of cached records
func (lc *LRUCache) Len() int {
	return lc.cache.Len()
}
