package objstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/maneesh/gridbox/internal/metrics"
	"github.com/maneesh/gridbox/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Catalog answers metadata queries over complete objects. The displayable
// flag is computed on every query, never stored.
type Catalog struct {
	meta  MetadataStore
	cache MetadataCache
	locks *lockTable
}

func newCatalog(meta MetadataStore, cache MetadataCache, locks *lockTable) *Catalog {
	return &Catalog{meta: meta, cache: cache, locks: locks}
}

// List returns all complete objects, newest first.
func (c *Catalog) List(ctx context.Context) ([]*models.Object, error) {
	ctx, span := tracer.Start(ctx, "catalog.list")
	defer span.End()

	files, err := c.meta.ListFiles(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, classify("list", err)
	}

	for _, f := range files {
		f.IsDisplayable = f.Displayable()
	}

	span.SetAttributes(attribute.Int("file_count", len(files)))
	return files, nil
}

// Find returns the complete object named filename, consulting the cache first.
func (c *Catalog) Find(ctx context.Context, filename string) (*models.Object, error) {
	if err := validateFilename(filename); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "catalog.find",
		trace.WithAttributes(attribute.String("file_name", filename)),
	)
	defer span.End()

	if obj := c.cached(ctx, filename); obj != nil {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return obj, nil
	}

	// Populate under the filename lock so a concurrent Delete cannot slip
	// in between the database read and the cache write.
	unlock := c.locks.Lock(filename)
	defer unlock()

	obj, err := c.meta.GetFileByName(ctx, filename)
	if err != nil {
		return nil, classify("find", err)
	}

	if c.cache != nil {
		if err := c.cache.SetFileMetadata(ctx, filename, obj); err != nil {
			slog.Warn("Failed to update metadata cache", "filename", filename, "error", err)
		}
	}

	obj.IsDisplayable = obj.Displayable()
	return obj, nil
}

// FindByID returns the complete object with the given id.
func (c *Catalog) FindByID(ctx context.Context, id string) (*models.Object, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: id is empty", ErrInvalidInput)
	}

	ctx, span := tracer.Start(ctx, "catalog.find_by_id",
		trace.WithAttributes(attribute.String("file_id", id)),
	)
	defer span.End()

	obj, err := c.meta.GetFile(ctx, id)
	if err != nil {
		return nil, classify("find", err)
	}

	obj.IsDisplayable = obj.Displayable()
	return obj, nil
}

func (c *Catalog) cached(ctx context.Context, filename string) *models.Object {
	if c.cache == nil {
		return nil
	}

	obj, err := c.cache.GetFileMetadata(ctx, filename)
	switch {
	case err != nil:
		metrics.CacheRequests.WithLabelValues("error").Inc()
		slog.Warn("Metadata cache lookup failed", "filename", filename, "error", err)
		return nil
	case obj == nil:
		metrics.CacheRequests.WithLabelValues("miss").Inc()
		return nil
	}

	metrics.CacheRequests.WithLabelValues("hit").Inc()
	obj.Status = models.StatusComplete
	obj.IsDisplayable = obj.Displayable()
	return obj
}

// invalidate drops filename from the cache; callers hold the filename lock.
func (c *Catalog) invalidate(ctx context.Context, filename string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.InvalidateFileMetadata(ctx, filename); err != nil {
		slog.Warn("Failed to invalidate metadata cache", "filename", filename, "error", err)
	}
}
