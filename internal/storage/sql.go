package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/maneesh/gridbox/internal/models"
	"github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Supported metadata drivers.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite3"
)

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS objects (
		id VARCHAR(36) PRIMARY KEY,
		filename VARCHAR(255) NOT NULL,
		content_type VARCHAR(255) NOT NULL,
		length_bytes BIGINT NOT NULL DEFAULT 0,
		chunk_size BIGINT NOT NULL,
		chunk_count INT NOT NULL DEFAULT 0,
		sha256 CHAR(64) NOT NULL DEFAULT '',
		status VARCHAR(16) NOT NULL,
		upload_time DATETIME(6) NOT NULL,
		UNIQUE KEY uq_objects_filename (filename),
		KEY idx_objects_status (status, upload_time)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS chunks (
		object_id VARCHAR(36) NOT NULL,
		sequence_number INT NOT NULL,
		hash CHAR(64) NOT NULL,
		blob_key VARCHAR(512) NOT NULL,
		size BIGINT NOT NULL,
		PRIMARY KEY (object_id, sequence_number),
		CONSTRAINT fk_chunks_object FOREIGN KEY (object_id) REFERENCES objects(id) ON DELETE CASCADE
	) ENGINE=InnoDB`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS objects (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		content_type TEXT NOT NULL,
		length_bytes INTEGER NOT NULL DEFAULT 0,
		chunk_size INTEGER NOT NULL,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		sha256 TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		upload_time TIMESTAMP NOT NULL
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_objects_filename ON objects(filename);`,
	`CREATE INDEX IF NOT EXISTS idx_objects_status ON objects(status, upload_time);`,
	`CREATE TABLE IF NOT EXISTS chunks (
		object_id TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		hash TEXT NOT NULL,
		blob_key TEXT NOT NULL,
		size INTEGER NOT NULL,
		PRIMARY KEY (object_id, sequence_number),
		FOREIGN KEY (object_id) REFERENCES objects(id) ON DELETE CASCADE
	);`,
}

const objectColumns = `id, filename, content_type, length_bytes, chunk_size, chunk_count, sha256, status, upload_time`

// SQLClient wraps the metadata database (TiDB/MySQL or SQLite) with tracing
type SQLClient struct {
	db     *sql.DB
	driver string
}

// NewTiDBClient initializes a metadata client against TiDB or MySQL
func NewTiDBClient(dsn string) (*SQLClient, error) {
	db, err := sql.Open(DriverMySQL, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &SQLClient{db: db, driver: DriverMySQL}, nil
}

// NewSQLiteClient opens (or creates) a SQLite metadata database at path
func NewSQLiteClient(path string) (*SQLClient, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	// SQLite allows a single writer; one connection avoids SQLITE_BUSY
	// between concurrent uploads.
	db.SetMaxOpenConns(1)

	return &SQLClient{db: db, driver: DriverSQLite}, nil
}

// Close closes the database connection
func (sc *SQLClient) Close() error {
	return sc.db.Close()
}

// Migrate creates the objects and chunks tables if they do not exist
func (sc *SQLClient) Migrate(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "sql.migrate",
		trace.WithAttributes(attribute.String("driver", sc.driver)),
	)
	defer span.End()

	stmts := sqliteSchema
	if sc.driver == DriverMySQL {
		stmts = mysqlSchema
	}

	for _, stmt := range stmts {
		if _, err := sc.db.ExecContext(ctx, stmt); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

// CreateFile inserts a pending object record. A taken filename yields ErrDuplicate.
func (sc *SQLClient) CreateFile(ctx context.Context, obj *models.Object) error {
	ctx, span := tracer.Start(ctx, "sql.create_file",
		trace.WithAttributes(
			attribute.String("file_id", obj.ID),
			attribute.String("file_name", obj.Filename),
		),
	)
	defer span.End()

	query := `INSERT INTO objects (` + objectColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := sc.db.ExecContext(ctx, query,
		obj.ID, obj.Filename, obj.ContentType, obj.Length, obj.ChunkSize,
		obj.ChunkCount, obj.SHA256, obj.Status, obj.UploadTime.UTC(),
	)
	if isDuplicate(err) {
		span.SetAttributes(attribute.Bool("duplicate", true))
		return fmt.Errorf("filename %s: %w", obj.Filename, ErrDuplicate)
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert file: %w", err)
	}

	span.SetAttributes(attribute.Bool("insert_success", true))
	return nil
}

// CreateChunk inserts chunk metadata with tracing
func (sc *SQLClient) CreateChunk(ctx context.Context, chunk *models.Chunk) error {
	ctx, span := tracer.Start(ctx, "sql.create_chunk",
		trace.WithAttributes(
			attribute.String("file_id", chunk.ObjectID),
			attribute.Int("sequence_number", chunk.SequenceNumber),
		),
	)
	defer span.End()

	query := `INSERT INTO chunks (object_id, sequence_number, hash, blob_key, size)
			  VALUES (?, ?, ?, ?, ?)`

	_, err := sc.db.ExecContext(ctx, query, chunk.ObjectID, chunk.SequenceNumber, chunk.Hash, chunk.BlobKey, chunk.Size)
	if isDuplicate(err) {
		return fmt.Errorf("chunk %s/%d: %w", chunk.ObjectID, chunk.SequenceNumber, ErrDuplicate)
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert chunk: %w", err)
	}

	return nil
}

// FinalizeFile records the final size, chunk count and digest of a pending
// object and marks it complete.
func (sc *SQLClient) FinalizeFile(ctx context.Context, obj *models.Object) error {
	ctx, span := tracer.Start(ctx, "sql.finalize_file",
		trace.WithAttributes(
			attribute.String("file_id", obj.ID),
			attribute.Int64("file_size", obj.Length),
			attribute.Int("chunk_count", obj.ChunkCount),
		),
	)
	defer span.End()

	query := `UPDATE objects SET length_bytes = ?, chunk_count = ?, sha256 = ?, status = ?
			  WHERE id = ? AND status = ?`

	res, err := sc.db.ExecContext(ctx, query,
		obj.Length, obj.ChunkCount, obj.SHA256, models.StatusComplete,
		obj.ID, models.StatusPending,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to finalize file: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to finalize file: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("pending file %s: %w", obj.ID, ErrNotFound)
	}
	return nil
}

// GetFile retrieves a complete object by ID with tracing
func (sc *SQLClient) GetFile(ctx context.Context, fileID string) (*models.Object, error) {
	ctx, span := tracer.Start(ctx, "sql.get_file",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	query := `SELECT ` + objectColumns + ` FROM objects WHERE id = ? AND status = ?`
	return sc.getOne(ctx, span, query, fileID)
}

// GetFileByName retrieves a complete object by filename with tracing
func (sc *SQLClient) GetFileByName(ctx context.Context, filename string) (*models.Object, error) {
	ctx, span := tracer.Start(ctx, "sql.get_file_by_name",
		trace.WithAttributes(attribute.String("file_name", filename)),
	)
	defer span.End()

	query := `SELECT ` + objectColumns + ` FROM objects WHERE filename = ? AND status = ?`
	return sc.getOne(ctx, span, query, filename)
}

func (sc *SQLClient) getOne(ctx context.Context, span trace.Span, query, key string) (*models.Object, error) {
	obj, err := scanObject(sc.db.QueryRowContext(ctx, query, key, models.StatusComplete))
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, fmt.Errorf("file %s: %w", key, ErrNotFound)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query file: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return obj, nil
}

// ListFiles returns every complete object, newest first
func (sc *SQLClient) ListFiles(ctx context.Context) ([]*models.Object, error) {
	ctx, span := tracer.Start(ctx, "sql.list_files")
	defer span.End()

	query := `SELECT ` + objectColumns + ` FROM objects WHERE status = ?
			  ORDER BY upload_time DESC, filename ASC`
	files, err := sc.queryObjects(ctx, query, models.StatusComplete)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("file_count", len(files)))
	return files, nil
}

// ListStale returns pending objects created before the given time. These are
// uploads that never finished, e.g. because the process died mid-stream.
func (sc *SQLClient) ListStale(ctx context.Context, before time.Time) ([]*models.Object, error) {
	ctx, span := tracer.Start(ctx, "sql.list_stale")
	defer span.End()

	query := `SELECT ` + objectColumns + ` FROM objects WHERE status = ? AND upload_time < ?`
	files, err := sc.queryObjects(ctx, query, models.StatusPending, before.UTC())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return files, nil
}

func (sc *SQLClient) queryObjects(ctx context.Context, query string, args ...any) ([]*models.Object, error) {
	rows, err := sc.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var files []*models.Object
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, obj)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating files: %w", err)
	}
	return files, nil
}

// GetChunks retrieves all chunks for a file ordered by sequence number with tracing
func (sc *SQLClient) GetChunks(ctx context.Context, fileID string) ([]*models.Chunk, error) {
	ctx, span := tracer.Start(ctx, "sql.get_chunks",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	chunks, err := queryChunks(ctx, sc.db, fileID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))
	return chunks, nil
}

// DeleteFile removes an object and its chunk rows in one transaction and
// returns the removed chunks so their payloads can be purged. Pending objects
// are deleted too; ErrNotFound is returned if no row matched.
func (sc *SQLClient) DeleteFile(ctx context.Context, fileID string) ([]*models.Chunk, error) {
	ctx, span := tracer.Start(ctx, "sql.delete_file",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	tx, err := sc.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	chunks, err := queryChunks(ctx, tx, fileID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE object_id = ?`, fileID); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to delete chunks: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE id = ?`, fileID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to delete file: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to delete file: %w", err)
	} else if n == 0 {
		return nil, fmt.Errorf("file %s: %w", fileID, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to commit delete: %w", err)
	}

	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))
	return chunks, nil
}

// CountChunks returns the number of chunk rows referencing fileID
func (sc *SQLClient) CountChunks(ctx context.Context, fileID string) (int, error) {
	var n int
	err := sc.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE object_id = ?`, fileID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryChunks(ctx context.Context, q querier, fileID string) ([]*models.Chunk, error) {
	query := `SELECT object_id, sequence_number, hash, blob_key, size
			  FROM chunks
			  WHERE object_id = ?
			  ORDER BY sequence_number ASC`

	rows, err := q.QueryContext(ctx, query, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*models.Chunk
	for rows.Next() {
		var chunk models.Chunk
		err := rows.Scan(
			&chunk.ObjectID,
			&chunk.SequenceNumber,
			&chunk.Hash,
			&chunk.BlobKey,
			&chunk.Size,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, &chunk)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}
	return chunks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(row rowScanner) (*models.Object, error) {
	var obj models.Object
	err := row.Scan(
		&obj.ID,
		&obj.Filename,
		&obj.ContentType,
		&obj.Length,
		&obj.ChunkSize,
		&obj.ChunkCount,
		&obj.SHA256,
		&obj.Status,
		&obj.UploadTime,
	)
	if err != nil {
		return nil, err
	}
	obj.UploadTime = obj.UploadTime.UTC()
	return &obj, nil
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
