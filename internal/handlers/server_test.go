package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"

	"github.com/maneesh/gridbox/internal/handlers"
	"github.com/maneesh/gridbox/internal/models"
	"github.com/maneesh/gridbox/internal/objstore"
	"github.com/maneesh/gridbox/internal/storage"
	"github.com/stretchr/testify/require"
)

type uploadFile struct {
	name        string
	contentType string
	body        []byte
}

// NewTestHandler opens a Store backed by a temporary SQLite database and an
// in-memory chunk store and returns the façade handler over it.
func NewTestHandler(t *testing.T, opts handlers.Options) (http.Handler, *storage.MemoryStore) {
	t.Helper()

	db, err := storage.NewSQLiteClient(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err, "NewSQLiteClient error")
	t.Cleanup(func() { _ = db.Close() })

	chunks := storage.NewMemoryStore()
	store := objstore.New(objstore.Options{ChunkSize: 64})
	require.NoError(t, store.Open(context.Background(), objstore.Backends{Metadata: db, Chunks: chunks}))

	srv, err := handlers.NewServer(store, opts)
	require.NoError(t, err, "NewServer error")

	return srv.Handler(), chunks
}

func multipartBody(t *testing.T, files ...uploadFile) (io.Reader, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, f.name))
		h.Set("Content-Type", f.contentType)
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(f.body)
		require.NoError(t, err)
	}
	require.NoError(t, mw.WriteField("note", "ignored"))
	require.NoError(t, mw.Close())

	return &buf, mw.FormDataContentType()
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func upload(t *testing.T, h http.Handler, files ...uploadFile) []*models.Object {
	t.Helper()

	body, contentType := multipartBody(t, files...)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	rec := do(t, h, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp handlers.UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Files, len(files))
	return resp.Files
}

func errBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Err string `json:"err"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Err
}

func TestHealthAndReady(t *testing.T) {
	h, _ := NewTestHandler(t, handlers.Options{})

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestNotReady(t *testing.T) {
	srv, err := handlers.NewServer(objstore.New(objstore.Options{}), handlers.Options{})
	require.NoError(t, err)
	h := srv.Handler()

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/files", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code, "liveness does not wait for the store")
}

func TestListFiles(t *testing.T) {
	h, _ := NewTestHandler(t, handlers.Options{})

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/files", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "No files exist", errBody(t, rec))

	stored := upload(t, h,
		uploadFile{name: "a.png", contentType: "image/png", body: []byte("png bytes")},
		uploadFile{name: "b.txt", contentType: "text/plain", body: bytes.Repeat([]byte("x"), 300)},
	)

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/files", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var files []*models.Object
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &files))
	require.Len(t, files, 2)

	byName := map[string]*models.Object{}
	for _, f := range files {
		byName[f.Filename] = f
	}
	require.True(t, byName[stored[0].Filename].IsDisplayable)
	require.False(t, byName[stored[1].Filename].IsDisplayable)
	require.Equal(t, int64(300), byName[stored[1].Filename].Length)
	require.Equal(t, 5, byName[stored[1].Filename].ChunkCount)
}

func TestGetFile(t *testing.T) {
	h, _ := NewTestHandler(t, handlers.Options{})
	stored := upload(t, h, uploadFile{name: "doc.pdf", contentType: "application/pdf", body: []byte("%PDF-1.7")})

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/files/"+stored[0].Filename, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var obj models.Object
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &obj))
	require.Equal(t, stored[0].ID, obj.ID)
	require.Equal(t, "application/pdf", obj.ContentType)
	require.True(t, strings.HasSuffix(obj.Filename, ".pdf"))

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/files/nope.pdf", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "No file exists", errBody(t, rec))
}

func TestImage(t *testing.T) {
	h, _ := NewTestHandler(t, handlers.Options{})
	payload := bytes.Repeat([]byte{0x89, 'P', 'N', 'G'}, 100)

	stored := upload(t, h,
		uploadFile{name: "pic.png", contentType: "image/png", body: payload},
		uploadFile{name: "notes.txt", contentType: "text/plain", body: []byte("hello")},
	)

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/image/"+stored[0].Filename, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Equal(t, "400", rec.Header().Get("Content-Length"))
	require.True(t, bytes.Equal(payload, rec.Body.Bytes()), "image payload mismatch")

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/image/"+stored[1].Filename, nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "Not an image", errBody(t, rec))

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/image/missing.png", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "No file exists", errBody(t, rec))
}

func TestImageCorruptChunk(t *testing.T) {
	h, chunks := NewTestHandler(t, handlers.Options{})
	stored := upload(t, h, uploadFile{name: "pic.jpg", contentType: "image/jpeg", body: []byte("jpeg")})

	key := fmt.Sprintf("chunks/%s/0", stored[0].ID)
	require.NoError(t, chunks.UploadChunk(context.Background(), key, []byte("JPEG")))

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/image/"+stored[0].Filename, nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestUploadRedirectsBrowsers(t *testing.T) {
	h, _ := NewTestHandler(t, handlers.Options{})

	body, contentType := multipartBody(t, uploadFile{name: "a.txt", contentType: "text/plain", body: []byte("a")})
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	rec := do(t, h, req)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, "/", rec.Header().Get("Location"))
}

func TestUploadRejectsBadRequests(t *testing.T) {
	h, _ := NewTestHandler(t, handlers.Options{})

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("plain"))
	req.Header.Set("Content-Type", "text/plain")
	rec := do(t, h, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body, contentType := multipartBody(t)
	req = httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec = do(t, h, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "No files uploaded", errBody(t, rec))

	body, contentType = multipartBody(t, uploadFile{name: "x.bin", contentType: "not a type", body: []byte("x")})
	req = httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec = do(t, h, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadTooManyFiles(t *testing.T) {
	h, _ := NewTestHandler(t, handlers.Options{MaxUploadFiles: 1})

	body, contentType := multipartBody(t,
		uploadFile{name: "one.txt", contentType: "text/plain", body: []byte("1")},
		uploadFile{name: "two.txt", contentType: "text/plain", body: []byte("2")},
	)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)

	rec := do(t, h, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// The file stored before the limit was hit remains.
	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/files", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var files []*models.Object
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &files))
	require.Len(t, files, 1)
}

func TestUploadTooLarge(t *testing.T) {
	h, chunks := NewTestHandler(t, handlers.Options{MaxUploadBytes: 512})

	body, contentType := multipartBody(t, uploadFile{name: "big.bin", contentType: "application/octet-stream", body: make([]byte, 4096)})
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)

	rec := do(t, h, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Empty(t, chunks.Keys("chunks/"), "partial upload cleaned up")

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/files", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteFile(t *testing.T) {
	h, chunks := NewTestHandler(t, handlers.Options{})
	stored := upload(t, h,
		uploadFile{name: "a.txt", contentType: "text/plain", body: bytes.Repeat([]byte("a"), 200)},
		uploadFile{name: "b.txt", contentType: "text/plain", body: []byte("b")},
	)

	rec := do(t, h, httptest.NewRequest(http.MethodDelete, "/files/"+stored[0].ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp handlers.DeleteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, stored[0].ID, resp.Deleted)
	require.Empty(t, chunks.Keys("chunks/"+stored[0].ID+"/"))

	rec = do(t, h, httptest.NewRequest(http.MethodDelete, "/files/"+stored[0].ID, nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Deleting by stored filename works too.
	rec = do(t, h, httptest.NewRequest(http.MethodDelete, "/files/"+stored[1].Filename, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/files", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteViaMethodOverride(t *testing.T) {
	h, _ := NewTestHandler(t, handlers.Options{})
	stored := upload(t, h, uploadFile{name: "a.txt", contentType: "text/plain", body: []byte("a")})

	req := httptest.NewRequest(http.MethodPost, "/files/"+stored[0].ID+"?_method=DELETE", nil)
	req.Header.Set("Accept", "text/html")
	rec := do(t, h, req)
	require.Equal(t, http.StatusSeeOther, rec.Code)

	stored = upload(t, h, uploadFile{name: "b.txt", contentType: "text/plain", body: []byte("b")})
	req = httptest.NewRequest(http.MethodPost, "/files/"+stored[0].ID, strings.NewReader("_method=delete"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = do(t, h, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/files", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIndexPage(t *testing.T) {
	h, _ := NewTestHandler(t, handlers.Options{})
	stored := upload(t, h,
		uploadFile{name: "cat.jpg", contentType: "image/jpeg", body: []byte("meow")},
		uploadFile{name: "doc.pdf", contentType: "application/pdf", body: []byte("%PDF")},
	)

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/html")

	page := rec.Body.String()
	require.Contains(t, page, `<img src="/image/`+stored[0].Filename+`"`)
	require.NotContains(t, page, `<img src="/image/`+stored[1].Filename+`"`)
	require.Contains(t, page, "/files/"+stored[1].ID+"?_method=DELETE")
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := NewTestHandler(t, handlers.Options{})

	do(t, h, httptest.NewRequest(http.MethodGet, "/files", nil))

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `gridbox_http_requests_total{method="GET",route="/files",status="404"}`)
}
