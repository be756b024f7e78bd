package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/maneesh/gridbox/internal/models"
	"github.com/maneesh/gridbox/internal/objstore"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type indexData struct {
	Files []*models.Object
}

// indexPage handles GET /
func (s *Server) indexPage(w http.ResponseWriter, r *http.Request) {
	files, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.index.Execute(w, indexData{Files: files}); err != nil {
		slog.Error("Failed to render index", "error", err)
	}
}

// listFiles handles GET /files
func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	if len(files) == 0 {
		writeMessage(w, http.StatusNotFound, msgNoFiles)
		return
	}

	writeJSON(w, http.StatusOK, files)
}

// getFile handles GET /files/{filename}
func (s *Server) getFile(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["filename"]

	obj, err := s.store.Find(r.Context(), filename)
	if errors.Is(err, objstore.ErrNotFound) {
		writeMessage(w, http.StatusNotFound, msgNoFile)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, obj)
}

// image handles GET /image/{filename}. The first chunk is fetched before
// the status line is written, so a missing or corrupt object still gets a
// proper error status.
func (s *Server) image(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "stream_image")
	defer span.End()

	filename := mux.Vars(r)["filename"]
	span.SetAttributes(attribute.String("file_name", filename))

	reader, err := s.store.ReadStream(ctx, filename)
	if errors.Is(err, objstore.ErrNotFound) {
		writeMessage(w, http.StatusNotFound, msgNoFile)
		return
	}
	if err != nil {
		span.RecordError(err)
		writeError(w, r, err)
		return
	}
	defer reader.Close()

	obj := reader.Object()
	if !obj.IsDisplayable {
		writeMessage(w, http.StatusNotFound, msgNotAnImage)
		return
	}

	first, err := reader.Next()
	if err != nil && !errors.Is(err, io.EOF) {
		span.RecordError(err)
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Length, 10))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(first); err != nil {
		return
	}

	n, err := reader.WriteTo(w)
	span.SetAttributes(attribute.Int64("bytes_streamed", int64(len(first))+n))
	if err != nil {
		// Headers are out; all that is left is to cut the response short.
		span.RecordError(err)
		slog.Warn("Image stream interrupted", "filename", filename, "error", err,
			"trace_id", trace.SpanContextFromContext(ctx).TraceID().String())
	}
}
