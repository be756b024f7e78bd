package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/maneesh/gridbox/internal/chunker"
	"github.com/maneesh/gridbox/internal/metrics"
	"github.com/maneesh/gridbox/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var errReaderClosed = errors.New("objstore: reader closed")

type fetchResult struct {
	data []byte
	err  error
}

// Reader streams one object's chunks in sequence order. A producer goroutine
// downloads at most ReadAhead chunks ahead of the consumer, so memory is
// bounded by (ReadAhead+2) chunks whatever the object size.
//
// A Reader works on the chunk list captured when it was opened and is not
// safe for concurrent use.
type Reader struct {
	store  *Store
	obj    *models.Object
	chunks []*models.Chunk
	ctx    context.Context

	cancel  context.CancelFunc
	results chan fetchResult
	next    int
	cur     []byte
	err     error

	closed    bool
	closeOnce sync.Once
}

func newReader(ctx context.Context, s *Store, obj *models.Object, chunks []*models.Chunk) *Reader {
	return &Reader{
		store:  s,
		obj:    obj,
		chunks: chunks,
		ctx:    ctx,
	}
}

// Object returns the metadata of the object being read.
func (r *Reader) Object() models.Object {
	return *r.obj
}

func (r *Reader) start() {
	ctx, cancel := context.WithCancel(r.ctx)
	r.cancel = cancel
	r.results = make(chan fetchResult, r.store.opts.ReadAhead)
	go r.produce(ctx, r.results)
}

// produce downloads chunks in order until done, failed or cancelled. It
// always closes out.
func (r *Reader) produce(ctx context.Context, out chan<- fetchResult) {
	defer close(out)

	for _, c := range r.chunks {
		data, err := r.fetch(ctx, c)

		select {
		case out <- fetchResult{data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (r *Reader) fetch(ctx context.Context, c *models.Chunk) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "objstore.fetch_chunk",
		trace.WithAttributes(
			attribute.String("file_id", c.ObjectID),
			attribute.Int("sequence_number", c.SequenceNumber),
		),
	)
	defer span.End()

	data, err := r.store.chunks.DownloadChunk(ctx, c.BlobKey)
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: chunk %d: %w", ErrAborted, c.SequenceNumber, err)
		}
		return nil, fmt.Errorf("chunk %d: %w: %w", c.SequenceNumber, ErrIO, err)
	}

	if int64(len(data)) != c.Size || !chunker.VerifyChunkHash(data, c.Hash) {
		err := fmt.Errorf("%w: chunk %d of %s failed verification", ErrIO, c.SequenceNumber, c.ObjectID)
		span.RecordError(err)
		return nil, err
	}
	return data, nil
}

// Next returns the next chunk payload, or io.EOF after the last one.
func (r *Reader) Next() ([]byte, error) {
	if r.closed {
		return nil, errReaderClosed
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.results == nil {
		r.start()
	}

	res, ok := <-r.results
	if !ok {
		if r.next < len(r.chunks) {
			// The producer stopped early: the caller's context ended.
			r.err = fmt.Errorf("%w: %w", ErrAborted, context.Cause(r.ctx))
		} else {
			r.err = io.EOF
		}
		return nil, r.err
	}
	if res.err != nil {
		r.err = res.err
		return nil, r.err
	}

	r.next++
	metrics.BytesRead.Add(float64(len(res.data)))
	return res.data, nil
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	for len(r.cur) == 0 {
		data, err := r.Next()
		if err != nil {
			return 0, err
		}
		r.cur = data
	}

	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}

// WriteTo implements io.WriterTo, handing whole chunks to w so io.Copy
// needs no intermediate buffer.
func (r *Reader) WriteTo(w io.Writer) (int64, error) {
	var total int64

	if len(r.cur) > 0 {
		n, err := w.Write(r.cur)
		total += int64(n)
		r.cur = r.cur[n:]
		if err != nil {
			return total, err
		}
	}

	for {
		data, err := r.Next()
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}

		n, err := w.Write(data)
		total += int64(n)
		if err != nil {
			r.cur = data[n:]
			return total, err
		}
	}
}

// Reset rewinds the Reader to the first chunk.
func (r *Reader) Reset() error {
	if r.closed {
		return errReaderClosed
	}
	r.stop()
	r.next = 0
	r.cur = nil
	r.err = nil
	return nil
}

// stop cancels the producer and waits for it to exit.
func (r *Reader) stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	for range r.results {
	}
	r.cancel = nil
	r.results = nil
}

// Close stops the producer and releases the object. Payloads of an object
// deleted while it was being read are purged once its last Reader closes.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		r.closed = true
		r.stop()
		r.store.unpin(r.obj.ID)
	})
	return nil
}
