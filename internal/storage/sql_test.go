package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/gridbox/internal/models"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *SQLClient {
	t.Helper()

	db, err := NewSQLiteClient(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err, "NewSQLiteClient error")
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Migrate(context.Background()), "Migrate error")
	return db
}

func pendingObject(filename string) *models.Object {
	return &models.Object{
		ID:          uuid.New().String(),
		Filename:    filename,
		ContentType: "text/plain",
		ChunkSize:   4,
		Status:      models.StatusPending,
		UploadTime:  time.Now().UTC(),
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Migrate(context.Background()))
}

func TestCreateFileDuplicateName(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	require.NoError(t, db.CreateFile(ctx, pendingObject("a.txt")))

	err := db.CreateFile(ctx, pendingObject("a.txt"))
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestPendingFilesAreHidden(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	obj := pendingObject("pending.txt")
	require.NoError(t, db.CreateFile(ctx, obj))

	_, err := db.GetFileByName(ctx, "pending.txt")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = db.GetFile(ctx, obj.ID)
	require.ErrorIs(t, err, ErrNotFound)

	files, err := db.ListFiles(ctx)
	require.NoError(t, err)
	require.Empty(t, files)
}

func TestFinalizeAndQuery(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	obj := pendingObject("done.txt")
	require.NoError(t, db.CreateFile(ctx, obj))

	for i, part := range []string{"abcd", "efg"} {
		require.NoError(t, db.CreateChunk(ctx, &models.Chunk{
			ObjectID:       obj.ID,
			SequenceNumber: i,
			Hash:           fmt.Sprintf("hash-%d", i),
			BlobKey:        fmt.Sprintf("chunks/%s/%d", obj.ID, i),
			Size:           int64(len(part)),
		}))
	}

	obj.Length = 7
	obj.ChunkCount = 2
	obj.SHA256 = "digest"
	require.NoError(t, db.FinalizeFile(ctx, obj))

	// A second finalize finds no pending row.
	require.ErrorIs(t, db.FinalizeFile(ctx, obj), ErrNotFound)

	got, err := db.GetFileByName(ctx, "done.txt")
	require.NoError(t, err)
	require.Equal(t, obj.ID, got.ID)
	require.Equal(t, int64(7), got.Length)
	require.Equal(t, 2, got.ChunkCount)
	require.Equal(t, models.StatusComplete, got.Status)
	require.WithinDuration(t, obj.UploadTime, got.UploadTime, time.Second)

	byID, err := db.GetFile(ctx, obj.ID)
	require.NoError(t, err)
	require.Equal(t, "done.txt", byID.Filename)

	chunks, err := db.GetChunks(ctx, obj.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, 0, chunks[0].SequenceNumber)
	require.Equal(t, 1, chunks[1].SequenceNumber)
	require.Equal(t, int64(3), chunks[1].Size)
}

func TestCreateChunkDuplicateSequence(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	obj := pendingObject("dup-seq.bin")
	require.NoError(t, db.CreateFile(ctx, obj))

	chunk := &models.Chunk{ObjectID: obj.ID, SequenceNumber: 0, Hash: "h", BlobKey: "k", Size: 1}
	require.NoError(t, db.CreateChunk(ctx, chunk))
	require.ErrorIs(t, db.CreateChunk(ctx, chunk), ErrDuplicate)
}

func TestDeleteFileRemovesChunks(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	obj := pendingObject("gone.txt")
	require.NoError(t, db.CreateFile(ctx, obj))
	for i := 0; i < 3; i++ {
		require.NoError(t, db.CreateChunk(ctx, &models.Chunk{
			ObjectID: obj.ID, SequenceNumber: i, Hash: "h", BlobKey: fmt.Sprintf("k%d", i), Size: 1,
		}))
	}

	removed, err := db.DeleteFile(ctx, obj.ID)
	require.NoError(t, err)
	require.Len(t, removed, 3)

	n, err := db.CountChunks(ctx, obj.ID)
	require.NoError(t, err)
	require.Zero(t, n, "no chunk rows should survive their object")

	_, err = db.DeleteFile(ctx, obj.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListFilesNewestFirst(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i, name := range []string{"old.txt", "mid.txt", "new.txt"} {
		obj := pendingObject(name)
		obj.UploadTime = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, db.CreateFile(ctx, obj))
		require.NoError(t, db.FinalizeFile(ctx, obj))
	}

	files, err := db.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 3)
	require.Equal(t, "new.txt", files[0].Filename)
	require.Equal(t, "old.txt", files[2].Filename)
}

func TestListStale(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	old := pendingObject("old-pending.bin")
	old.UploadTime = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, db.CreateFile(ctx, old))

	fresh := pendingObject("fresh-pending.bin")
	require.NoError(t, db.CreateFile(ctx, fresh))

	stale, err := db.ListStale(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, old.ID, stale[0].ID)
}
