package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestLocalStoreUploadAndDownload(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	store, err := NewLocalStore(dataDir)
	require.NoError(t, err)

	id := uuid.New().String()
	key := "chunks/" + id + "/0"
	payload := []byte("hello local chunk")

	require.NoError(t, store.UploadChunk(ctx, key, payload), "UploadChunk error")

	// Payload lands under the two-character fan-out directory.
	info, err := os.Stat(filepath.Join(dataDir, id[:2], id, "0"))
	require.NoError(t, err, "expected chunk file to exist")
	require.False(t, info.IsDir())

	got, err := store.DownloadChunk(ctx, key)
	require.NoError(t, err, "DownloadChunk error")
	require.Equal(t, payload, got, "payload mismatch")

	require.NoError(t, store.DeleteChunk(ctx, key))
	_, err = store.DownloadChunk(ctx, key)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = os.Stat(filepath.Join(dataDir, id[:2], id))
	require.True(t, os.IsNotExist(err), "empty object directory should be removed")
}

func TestLocalStoreDeleteMissing(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.DeleteChunk(context.Background(), "chunks/deadbeef/0"))
}

func TestLocalStoreRejectsBadKeys(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "a", "../escape", "/abs/path"} {
		require.Errorf(t, store.UploadChunk(ctx, key, []byte("x")), "key %q", key)
	}
}

func TestMemoryStoreCopiesPayloads(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	payload := []byte("abcd")
	require.NoError(t, store.UploadChunk(ctx, "chunks/x/0", payload))
	payload[0] = 'z'

	got, err := store.DownloadChunk(ctx, "chunks/x/0")
	require.NoError(t, err)
	require.Equal(t, "abcd", string(got), "stored payload must not alias caller buffer")

	require.Equal(t, []string{"chunks/x/0"}, store.Keys("chunks/x/"))
	require.NoError(t, store.DeleteChunk(ctx, "chunks/x/0"))
	require.Empty(t, store.Keys("chunks/"))

	_, err = store.DownloadChunk(ctx, "chunks/x/0")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLRUCache(t *testing.T) {
	ctx := context.Background()
	cache := NewLRUCache(2, time.Minute)

	got, err := cache.GetFileMetadata(ctx, "a.png")
	require.NoError(t, err)
	require.Nil(t, got, "expected miss")

	obj := pendingObject("a.png")
	require.NoError(t, cache.SetFileMetadata(ctx, "a.png", obj))

	got, err = cache.GetFileMetadata(ctx, "a.png")
	require.NoError(t, err)
	require.Equal(t, obj.ID, got.ID)

	// Eviction keeps the cache bounded.
	require.NoError(t, cache.SetFileMetadata(ctx, "b.png", pendingObject("b.png")))
	require.NoError(t, cache.SetFileMetadata(ctx, "c.png", pendingObject("c.png")))
	require.Equal(t, 2, cache.Len())

	require.NoError(t, cache.InvalidateFileMetadata(ctx, "c.png"))
	got, err = cache.GetFileMetadata(ctx, "c.png")
	require.NoError(t, err)
	require.Nil(t, got)
}
