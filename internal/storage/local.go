package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// LocalStore keeps chunk payloads on the local filesystem rooted at dataDir.
// Keys are hashed into a two-character fan-out directory so that no single
// directory grows unbounded.
type LocalStore struct {
	dataDir string
}

// NewLocalStore creates a LocalStore rooted at dataDir, creating it if needed.
func NewLocalStore(dataDir string) (*LocalStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return &LocalStore{dataDir: dataDir}, nil
}

// chunkPath maps a key like chunks/<id>/<seq> to <dataDir>/<id[:2]>/<id>/<seq>.
func (ls *LocalStore) chunkPath(objectKey string) (string, error) {
	clean := filepath.ToSlash(filepath.Clean(objectKey))
	if clean == "." || strings.HasPrefix(clean, "../") || strings.HasPrefix(clean, "/") {
		return "", fmt.Errorf("invalid object key: %q", objectKey)
	}

	clean = strings.TrimPrefix(clean, "chunks/")
	if len(clean) < 2 {
		return "", fmt.Errorf("invalid object key: %q", objectKey)
	}
	return filepath.Join(ls.dataDir, clean[:2], filepath.FromSlash(clean)), nil
}

// UploadChunk writes the payload to a temp file and renames it into place.
func (ls *LocalStore) UploadChunk(ctx context.Context, objectKey string, data []byte) error {
	_, span := tracer.Start(ctx, "local.upload_chunk",
		trace.WithAttributes(
			attribute.String("object_key", objectKey),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()

	path, err := ls.chunkPath(objectKey)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create chunk dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".chunk-*")
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		span.RecordError(err)
		return fmt.Errorf("failed to write chunk: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close chunk: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		span.RecordError(err)
		return fmt.Errorf("failed to move chunk into place: %w", err)
	}
	return nil
}

// DownloadChunk reads a chunk payload from disk
func (ls *LocalStore) DownloadChunk(ctx context.Context, objectKey string) ([]byte, error) {
	_, span := tracer.Start(ctx, "local.download_chunk",
		trace.WithAttributes(attribute.String("object_key", objectKey)),
	)
	defer span.End()

	path, err := ls.chunkPath(objectKey)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("chunk %s: %w", objectKey, ErrNotFound)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read chunk: %w", err)
	}
	return data, nil
}

// DeleteChunk removes a chunk payload and, once empty, its object directory.
func (ls *LocalStore) DeleteChunk(ctx context.Context, objectKey string) error {
	_, span := tracer.Start(ctx, "local.delete_chunk",
		trace.WithAttributes(attribute.String("object_key", objectKey)),
	)
	defer span.End()

	path, err := ls.chunkPath(objectKey)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		span.RecordError(err)
		return fmt.Errorf("failed to delete chunk: %w", err)
	}

	// Fails harmlessly while sibling chunks remain.
	_ = os.Remove(filepath.Dir(path))
	return nil
}
