// Package objstore implements the chunked object store and its catalog.
//
// An object is persisted as a metadata record plus an ordered run of chunk
// records. Chunk index rows live in the metadata store next to the object
// record; chunk payloads live in a separate chunk store under
// chunks/<object id>/<sequence number>. Uploads and downloads are streamed one
// chunk at a time, so memory use is bounded by the chunk size rather than the
// object size.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/gridbox/internal/metrics"
	"github.com/maneesh/gridbox/internal/models"
	"github.com/maneesh/gridbox/internal/naming"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("gridbox-objstore")

// DefaultChunkSize is 255 KiB.
const DefaultChunkSize = 255 * 1024

// MetadataStore persists object records and chunk index rows.
type MetadataStore interface {
	Migrate(ctx context.Context) error
	CreateFile(ctx context.Context, obj *models.Object) error
	CreateChunk(ctx context.Context, chunk *models.Chunk) error
	FinalizeFile(ctx context.Context, obj *models.Object) error
	GetFile(ctx context.Context, fileID string) (*models.Object, error)
	GetFileByName(ctx context.Context, filename string) (*models.Object, error)
	ListFiles(ctx context.Context) ([]*models.Object, error)
	ListStale(ctx context.Context, before time.Time) ([]*models.Object, error)
	GetChunks(ctx context.Context, fileID string) ([]*models.Chunk, error)
	DeleteFile(ctx context.Context, fileID string) ([]*models.Chunk, error)
}

// ChunkStore persists chunk payloads by key.
type ChunkStore interface {
	UploadChunk(ctx context.Context, objectKey string, data []byte) error
	DownloadChunk(ctx context.Context, objectKey string) ([]byte, error)
	DeleteChunk(ctx context.Context, objectKey string) error
}

// MetadataCache is a read-through cache of complete object records keyed by
// filename. GetFileMetadata returns (nil, nil) on a miss.
type MetadataCache interface {
	GetFileMetadata(ctx context.Context, filename string) (*models.Object, error)
	SetFileMetadata(ctx context.Context, filename string, obj *models.Object) error
	InvalidateFileMetadata(ctx context.Context, filename string) error
}

// Backends are the storage systems a Store is opened against. Cache is optional.
type Backends struct {
	Metadata MetadataStore
	Chunks   ChunkStore
	Cache    MetadataCache
}

// Options tune a Store. Zero values select defaults.
type Options struct {
	// ChunkSize is the payload size of every chunk but the last.
	ChunkSize int64
	// ReadAhead is how many chunks a Reader may fetch before they are consumed.
	ReadAhead int
	// StaleAge is how old a pending upload must be before Open discards it.
	StaleAge time.Duration
	// MaxNameAttempts bounds the retries of Put on a filename collision.
	MaxNameAttempts int
	// PurgeConcurrency bounds parallel chunk payload deletions.
	PurgeConcurrency int
	// NameGenerator produces stored filenames; defaults to naming.Generate.
	NameGenerator func(ext string) (string, error)
	// Now returns the current time; defaults to time.Now.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ReadAhead < 0 {
		o.ReadAhead = 0
	}
	if o.StaleAge <= 0 {
		o.StaleAge = time.Hour
	}
	if o.MaxNameAttempts <= 0 {
		o.MaxNameAttempts = 5
	}
	if o.PurgeConcurrency <= 0 {
		o.PurgeConcurrency = 8
	}
	if o.NameGenerator == nil {
		o.NameGenerator = naming.Generate
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Store is the chunked object store. It is created unopened; every operation
// fails with ErrNotReady until Open has succeeded.
type Store struct {
	opts Options

	openMu sync.Mutex
	opened bool
	ready  chan struct{}

	meta    MetadataStore
	chunks  ChunkStore
	catalog *Catalog
	locks   *lockTable

	// pins counts open Readers per object id; condemned holds the chunk
	// list of deleted objects whose payload purge waits for those Readers.
	pinMu     sync.Mutex
	pins      map[string]int
	condemned map[string][]*models.Chunk
}

// New creates an unopened Store.
func New(opts Options) *Store {
	opts.setDefaults()
	return &Store{
		opts:      opts,
		ready:     make(chan struct{}),
		locks:     newLockTable(),
		pins:      make(map[string]int),
		condemned: make(map[string][]*models.Chunk),
	}
}

// Open attaches the backends, migrates the metadata schema, discards stale
// pending uploads and marks the store ready.
func (s *Store) Open(ctx context.Context, b Backends) error {
	if b.Metadata == nil || b.Chunks == nil {
		return errors.New("objstore: metadata and chunk backends are required")
	}

	s.openMu.Lock()
	defer s.openMu.Unlock()
	if s.opened {
		return errors.New("objstore: already open")
	}

	ctx, span := tracer.Start(ctx, "objstore.open")
	defer span.End()

	if err := b.Metadata.Migrate(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to migrate metadata: %w", err)
	}

	s.meta = b.Metadata
	s.chunks = b.Chunks
	s.catalog = newCatalog(b.Metadata, b.Cache, s.locks)

	if err := s.sweepStale(ctx); err != nil {
		span.RecordError(err)
		return err
	}

	s.opened = true
	close(s.ready)
	slog.Info("Object store ready", "chunk_size", s.opts.ChunkSize, "read_ahead", s.opts.ReadAhead)
	return nil
}

// Ready is closed once the store has been opened.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// ChunkSize returns the configured chunk size.
func (s *Store) ChunkSize() int64 {
	return s.opts.ChunkSize
}

func (s *Store) checkReady() error {
	select {
	case <-s.ready:
		return nil
	default:
		return ErrNotReady
	}
}

// Catalog returns the metadata query layer, or nil before Open.
func (s *Store) Catalog() *Catalog {
	if s.checkReady() != nil {
		return nil
	}
	return s.catalog
}

// sweepStale discards pending uploads left behind by a previous process.
func (s *Store) sweepStale(ctx context.Context) error {
	stale, err := s.meta.ListStale(ctx, s.opts.Now().Add(-s.opts.StaleAge))
	if err != nil {
		return fmt.Errorf("failed to list stale uploads: %w", err)
	}

	for _, obj := range stale {
		slog.Warn("Discarding stale upload", "file_id", obj.ID, "filename", obj.Filename, "started", obj.UploadTime)
		if err := s.discard(ctx, obj.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

func chunkKey(objectID string, seq int) string {
	return fmt.Sprintf("chunks/%s/%d", objectID, seq)
}

func validateFilename(filename string) error {
	switch {
	case filename == "":
		return fmt.Errorf("%w: filename is empty", ErrInvalidInput)
	case filename == "." || filename == "..":
		return fmt.Errorf("%w: filename %q is reserved", ErrInvalidInput, filename)
	case strings.ContainsAny(filename, "/\\\x00"):
		return fmt.Errorf("%w: filename %q contains a path separator", ErrInvalidInput, filename)
	}
	return nil
}

func validateContentType(contentType string) error {
	if contentType == "" {
		return fmt.Errorf("%w: content type is empty", ErrInvalidInput)
	}
	if _, _, err := mime.ParseMediaType(contentType); err != nil {
		return fmt.Errorf("%w: content type %q: %w", ErrInvalidInput, contentType, err)
	}
	return nil
}

// Create opens a new object for writing. The filename is reserved atomically
// by the metadata store's unique index, so a concurrent or repeated create of
// the same name fails fast with ErrDuplicateName.
func (s *Store) Create(ctx context.Context, filename, contentType string) (w *Writer, err error) {
	defer func() { metrics.ObserveOperation("create", err) }()

	if err := s.checkReady(); err != nil {
		return nil, err
	}
	if err := validateFilename(filename); err != nil {
		return nil, err
	}
	if err := validateContentType(contentType); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "objstore.create",
		trace.WithAttributes(attribute.String("file_name", filename)),
	)
	defer span.End()

	obj := &models.Object{
		ID:          uuid.New().String(),
		Filename:    filename,
		ContentType: contentType,
		ChunkSize:   s.opts.ChunkSize,
		Status:      models.StatusPending,
		UploadTime:  s.opts.Now().UTC(),
	}

	if err := s.meta.CreateFile(ctx, obj); err != nil {
		span.RecordError(err)
		return nil, classify("create", err)
	}

	span.SetAttributes(attribute.String("file_id", obj.ID))
	return &Writer{store: s, obj: obj}, nil
}

// Put stores r as a new object named after originalName's extension. A
// generated name that collides is replaced by a fresh one, up to
// MaxNameAttempts times.
func (s *Store) Put(ctx context.Context, originalName, contentType string, r io.Reader) (*models.Object, error) {
	ext := naming.Ext(originalName)

	for attempt := 1; ; attempt++ {
		filename, err := s.opts.NameGenerator(ext)
		if err != nil {
			return nil, fmt.Errorf("%w: generating name: %w", ErrIO, err)
		}

		w, err := s.Create(ctx, filename, contentType)
		if errors.Is(err, ErrDuplicateName) && attempt < s.opts.MaxNameAttempts {
			slog.Warn("Generated filename already taken, retrying", "filename", filename, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}

		return w.WriteStream(ctx, r)
	}
}

// List returns every complete object.
func (s *Store) List(ctx context.Context) ([]*models.Object, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	return s.catalog.List(ctx)
}

// Find returns the complete object stored under filename.
func (s *Store) Find(ctx context.Context, filename string) (*models.Object, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	return s.catalog.Find(ctx, filename)
}

// FindByID returns the complete object with the given id.
func (s *Store) FindByID(ctx context.Context, id string) (*models.Object, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	return s.catalog.FindByID(ctx, id)
}

// ReadStream opens a lazy reader over the chunks of filename. The caller must
// Close it; until then a concurrent Delete leaves the payload in place.
func (s *Store) ReadStream(ctx context.Context, filename string) (r *Reader, err error) {
	defer func() { metrics.ObserveOperation("read", err) }()

	if err := s.checkReady(); err != nil {
		return nil, err
	}
	if err := validateFilename(filename); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "objstore.read_stream",
		trace.WithAttributes(attribute.String("file_name", filename)),
	)
	defer span.End()

	unlock := s.locks.Lock(filename)
	defer unlock()

	obj, err := s.meta.GetFileByName(ctx, filename)
	if err != nil {
		return nil, classify("read", err)
	}

	chunks, err := s.meta.GetChunks(ctx, obj.ID)
	if err != nil {
		span.RecordError(err)
		return nil, classify("read", err)
	}

	if err := checkChunks(obj, chunks); err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.pin(obj.ID)
	obj.IsDisplayable = obj.Displayable()
	span.SetAttributes(
		attribute.String("file_id", obj.ID),
		attribute.Int("chunk_count", len(chunks)),
	)

	return newReader(ctx, s, obj, chunks), nil
}

// checkChunks verifies the chunk run is gapless and adds up to the object length.
func checkChunks(obj *models.Object, chunks []*models.Chunk) error {
	if len(chunks) != obj.ChunkCount {
		return fmt.Errorf("%w: object %s has %d chunks, expected %d", ErrIO, obj.ID, len(chunks), obj.ChunkCount)
	}

	var total int64
	for i, c := range chunks {
		if c.SequenceNumber != i {
			return fmt.Errorf("%w: object %s missing chunk %d", ErrIO, obj.ID, i)
		}
		total += c.Size
	}
	if total != obj.Length {
		return fmt.Errorf("%w: object %s chunks hold %d bytes, expected %d", ErrIO, obj.ID, total, obj.Length)
	}
	return nil
}

// Delete removes the object stored under filename together with its chunks.
func (s *Store) Delete(ctx context.Context, filename string) (err error) {
	defer func() { metrics.ObserveOperation("delete", err) }()

	if err := s.checkReady(); err != nil {
		return err
	}
	if err := validateFilename(filename); err != nil {
		return err
	}

	unlock := s.locks.Lock(filename)
	defer unlock()

	obj, err := s.meta.GetFileByName(ctx, filename)
	if err != nil {
		return classify("delete", err)
	}
	return s.deleteLocked(ctx, obj)
}

// DeleteByID removes the object with the given id together with its chunks.
func (s *Store) DeleteByID(ctx context.Context, id string) (err error) {
	defer func() { metrics.ObserveOperation("delete", err) }()

	if err := s.checkReady(); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: id is empty", ErrInvalidInput)
	}

	obj, err := s.meta.GetFile(ctx, id)
	if err != nil {
		return classify("delete", err)
	}

	unlock := s.locks.Lock(obj.Filename)
	defer unlock()

	return s.deleteLocked(ctx, obj)
}

// deleteLocked runs with the filename lock held.
func (s *Store) deleteLocked(ctx context.Context, obj *models.Object) error {
	ctx, span := tracer.Start(ctx, "objstore.delete",
		trace.WithAttributes(
			attribute.String("file_id", obj.ID),
			attribute.String("file_name", obj.Filename),
		),
	)
	defer span.End()

	chunks, err := s.meta.DeleteFile(ctx, obj.ID)
	if err != nil {
		span.RecordError(err)
		return classify("delete", err)
	}

	s.catalog.invalidate(ctx, obj.Filename)
	s.releaseChunks(ctx, obj.ID, chunks)

	slog.Info("Deleted object", "file_id", obj.ID, "filename", obj.Filename, "chunks", len(chunks))
	return nil
}

// discard removes a pending or complete object by id without taking the
// filename lock. Used for failed uploads and stale sweeps.
func (s *Store) discard(ctx context.Context, id string) error {
	chunks, err := s.meta.DeleteFile(ctx, id)
	if err != nil {
		return classify("discard", err)
	}
	s.releaseChunks(ctx, id, chunks)
	return nil
}

// releaseChunks purges payloads now, or defers the purge until the last
// Reader of the object closes.
func (s *Store) releaseChunks(ctx context.Context, id string, chunks []*models.Chunk) {
	s.pinMu.Lock()
	if s.pins[id] > 0 {
		s.condemned[id] = chunks
		s.pinMu.Unlock()
		slog.Debug("Deferring chunk purge until readers finish", "file_id", id)
		return
	}
	s.pinMu.Unlock()

	s.purge(ctx, id, chunks)
}

func (s *Store) pin(id string) {
	s.pinMu.Lock()
	s.pins[id]++
	s.pinMu.Unlock()
}

func (s *Store) unpin(id string) {
	s.pinMu.Lock()
	s.pins[id]--
	if s.pins[id] > 0 {
		s.pinMu.Unlock()
		return
	}
	delete(s.pins, id)
	chunks, condemned := s.condemned[id]
	delete(s.condemned, id)
	s.pinMu.Unlock()

	if condemned {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.purge(ctx, id, chunks)
	}
}

// purge deletes chunk payloads in parallel. Failures leave orphaned payloads
// but never a visible object, so they are logged rather than returned.
func (s *Store) purge(ctx context.Context, id string, chunks []*models.Chunk) {
	if len(chunks) == 0 {
		return
	}

	ctx, span := tracer.Start(ctx, "objstore.purge_chunks",
		trace.WithAttributes(
			attribute.String("file_id", id),
			attribute.Int("chunk_count", len(chunks)),
		),
	)
	defer span.End()

	// Purging must finish even if the triggering request went away.
	ctx = context.WithoutCancel(ctx)

	// A plain Group: one failed delete must not cancel its siblings.
	var eg errgroup.Group
	eg.SetLimit(s.opts.PurgeConcurrency)
	for _, c := range chunks {
		eg.Go(func() error {
			return s.chunks.DeleteChunk(ctx, c.BlobKey)
		})
	}

	if err := eg.Wait(); err != nil {
		span.RecordError(err)
		metrics.ObserveOperation("purge", err)
		slog.Warn("Failed to purge chunk payloads", "file_id", id, "error", err)
	}
}
