package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/maneesh/gridbox/internal/chunker"
	"github.com/maneesh/gridbox/internal/metrics"
	"github.com/maneesh/gridbox/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// cleanupTimeout bounds the removal of a failed upload's chunks.
const cleanupTimeout = 30 * time.Second

// Writer is the single-use handle returned by Create.
type Writer struct {
	store *Store
	obj   *models.Object
	used  atomic.Bool
}

// Object returns a copy of the pending metadata record.
func (w *Writer) Object() models.Object {
	return *w.obj
}

// WriteStream consumes src chunk by chunk and finalizes the object. Each
// chunk's index row is written before its payload, so a crash can leave a
// row without payload (swept as a stale upload) but never an unindexed
// payload. On any failure the pending object and its chunks are removed
// before the error is returned: ErrAborted if src failed or ctx was
// cancelled, ErrIO if a backend write failed.
func (w *Writer) WriteStream(ctx context.Context, src io.Reader) (obj *models.Object, err error) {
	defer func() { metrics.ObserveOperation("write", err) }()

	if !w.used.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: writer for %s already used", ErrInvalidInput, w.obj.Filename)
	}

	s := w.store
	ctx, span := tracer.Start(ctx, "objstore.write_stream",
		trace.WithAttributes(
			attribute.String("file_id", w.obj.ID),
			attribute.String("file_name", w.obj.Filename),
		),
	)
	defer span.End()

	splitter := chunker.NewSplitter(src, s.opts.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, w.fail(ctx, span, fmt.Errorf("%w: upload cancelled: %w", ErrAborted, err))
		}

		chunkData, err := splitter.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, w.fail(ctx, span, fmt.Errorf("%w: reading upload: %w", ErrAborted, err))
		}

		if err := w.writeChunk(ctx, chunkData); err != nil {
			if ctx.Err() != nil {
				err = fmt.Errorf("%w: %w", ErrAborted, err)
			}
			return nil, w.fail(ctx, span, err)
		}
	}

	w.obj.Length = splitter.TotalSize()
	w.obj.ChunkCount = splitter.Count()
	w.obj.SHA256 = splitter.Sum()

	if err := w.finalize(ctx); err != nil {
		return nil, w.fail(ctx, span, err)
	}

	span.SetAttributes(
		attribute.Int64("file_size", w.obj.Length),
		attribute.Int("chunk_count", w.obj.ChunkCount),
	)
	metrics.ObjectsStored.Inc()
	slog.Info("Stored object",
		"file_id", w.obj.ID,
		"filename", w.obj.Filename,
		"content_type", w.obj.ContentType,
		"size", w.obj.Length,
		"chunks", w.obj.ChunkCount,
	)

	out := *w.obj
	out.IsDisplayable = out.Displayable()
	return &out, nil
}

func (w *Writer) writeChunk(ctx context.Context, data *models.ChunkData) error {
	s := w.store
	chunk := &models.Chunk{
		ObjectID:       w.obj.ID,
		SequenceNumber: data.OrderIndex,
		Hash:           data.Hash,
		BlobKey:        chunkKey(w.obj.ID, data.OrderIndex),
		Size:           data.Size,
	}

	if err := s.meta.CreateChunk(ctx, chunk); err != nil {
		return classify(fmt.Sprintf("index chunk %d", data.OrderIndex), err)
	}

	if err := s.chunks.UploadChunk(ctx, chunk.BlobKey, data.Data); err != nil {
		return fmt.Errorf("upload chunk %d: %w: %w", data.OrderIndex, ErrIO, err)
	}

	metrics.BytesWritten.Add(float64(data.Size))
	return nil
}

func (w *Writer) finalize(ctx context.Context) error {
	s := w.store
	unlock := s.locks.Lock(w.obj.Filename)
	defer unlock()

	if err := s.meta.FinalizeFile(ctx, w.obj); err != nil {
		return classify("finalize", err)
	}
	w.obj.Status = models.StatusComplete
	return nil
}

// fail removes everything written so far and returns cause, joined with any
// cleanup failure.
func (w *Writer) fail(ctx context.Context, span trace.Span, cause error) error {
	span.RecordError(cause)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := w.store.discard(cctx, w.obj.ID); err != nil {
		slog.Error("Failed to clean up partial upload", "file_id", w.obj.ID, "filename", w.obj.Filename, "error", err)
		return errors.Join(cause, err)
	}

	slog.Warn("Upload failed, partial object removed", "file_id", w.obj.ID, "filename", w.obj.Filename, "error", cause)
	return cause
}

// Abort discards a Writer that will not be written, releasing its filename.
func (w *Writer) Abort(ctx context.Context) error {
	if !w.used.CompareAndSwap(false, true) {
		return nil
	}
	return w.store.discard(ctx, w.obj.ID)
}
