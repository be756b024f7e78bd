// Package storage holds the backends behind the object store: SQL metadata
// databases, chunk payload stores and metadata caches.
package storage

import (
	"errors"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("gridbox-storage")

var (
	// ErrNotFound is returned when a metadata row or chunk payload does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique key is already taken.
	ErrDuplicate = errors.New("duplicate key")
)
