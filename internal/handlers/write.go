package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/maneesh/gridbox/internal/models"
	"github.com/maneesh/gridbox/internal/objstore"
	"go.opentelemetry.io/otel/attribute"
)

// uploadField is the multipart form field carrying files.
const uploadField = "file"

// UploadResponse is returned by POST /upload to JSON clients.
type UploadResponse struct {
	Files []*models.Object `json:"files"`
}

// DeleteResponse is returned by DELETE /files/{id} to non-HTML clients.
type DeleteResponse struct {
	Deleted string `json:"deleted"`
}

// upload handles POST /upload. Parts are streamed straight into the store.
// The first failing file fails the request; files stored before it remain.
func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload_files")
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)

	mr, err := r.MultipartReader()
	if err != nil {
		writeMessage(w, http.StatusBadRequest, fmt.Sprintf("expected multipart form: %v", err))
		return
	}

	var stored []*models.Object
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			span.RecordError(err)
			if statusFor(err) == http.StatusRequestEntityTooLarge {
				writeError(w, r, err)
				return
			}
			writeMessage(w, http.StatusBadRequest, fmt.Sprintf("malformed multipart body: %v", err))
			return
		}

		if part.FormName() != uploadField || part.FileName() == "" {
			part.Close()
			continue
		}

		if len(stored) >= s.opts.MaxUploadFiles {
			part.Close()
			writeMessage(w, http.StatusBadRequest, fmt.Sprintf("at most %d files per upload", s.opts.MaxUploadFiles))
			return
		}

		contentType := part.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		obj, err := s.store.Put(ctx, part.FileName(), contentType, part)
		part.Close()
		if err != nil {
			span.RecordError(err)
			slog.Warn("Upload failed", "original_name", part.FileName(), "stored_before_failure", len(stored), "error", err)
			writeError(w, r, err)
			return
		}

		stored = append(stored, obj)
	}

	if len(stored) == 0 {
		writeMessage(w, http.StatusBadRequest, msgNoUpload)
		return
	}

	span.SetAttributes(attribute.Int("file_count", len(stored)))

	if accepts(r, "application/json") {
		writeJSON(w, http.StatusCreated, UploadResponse{Files: stored})
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// deleteFile handles DELETE /files/{id}. The path value may be an object id
// or a stored filename.
func (s *Server) deleteFile(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "delete_file")
	defer span.End()

	id := mux.Vars(r)["id"]
	span.SetAttributes(attribute.String("file_ref", id))

	err := s.store.DeleteByID(ctx, id)
	if errors.Is(err, objstore.ErrNotFound) {
		err = s.store.Delete(ctx, id)
	}
	if errors.Is(err, objstore.ErrNotFound) {
		writeMessage(w, http.StatusNotFound, msgNoFile)
		return
	}
	if err != nil {
		span.RecordError(err)
		writeError(w, r, err)
		return
	}

	if accepts(r, "text/html") {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{Deleted: id})
}
