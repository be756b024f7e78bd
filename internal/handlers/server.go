// Package handlers exposes the object store over HTTP.
package handlers

import (
	"embed"
	"html/template"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/maneesh/gridbox/internal/metrics"
	"github.com/maneesh/gridbox/internal/objstore"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("gridbox-handlers")

//go:embed templates/*.html
var templateFS embed.FS

// Options bound what a single upload request may carry.
type Options struct {
	MaxUploadFiles int
	MaxUploadBytes int64
}

// Server serves the HTTP façade of a Store.
type Server struct {
	store *objstore.Store
	opts  Options
	index *template.Template
}

// NewServer creates a Server over store. The store may still be opening;
// requests fail with 503 until it is ready.
func NewServer(store *objstore.Store, opts Options) (*Server, error) {
	if opts.MaxUploadFiles <= 0 {
		opts.MaxUploadFiles = 100
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 1 << 30
	}

	index, err := template.New("index.html").Funcs(template.FuncMap{
		"bytes": func(n int64) string { return humanize.IBytes(uint64(n)) },
		"ago":   humanize.Time,
	}).ParseFS(templateFS, "templates/index.html")
	if err != nil {
		return nil, err
	}

	return &Server{store: store, opts: opts, index: index}, nil
}

// Handler returns the root handler with all routes and middleware attached.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(metrics.Middleware)

	// Probes and metrics are not traced.
	router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.ready).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	router.Handle("/", traced(s.indexPage, "GET /")).Methods(http.MethodGet)
	router.Handle("/upload", traced(s.upload, "POST /upload")).Methods(http.MethodPost)
	router.Handle("/files", traced(s.listFiles, "GET /files")).Methods(http.MethodGet)
	router.Handle("/files/{filename}", traced(s.getFile, "GET /files/{filename}")).Methods(http.MethodGet)
	router.Handle("/files/{id}", traced(s.deleteFile, "DELETE /files/{id}")).Methods(http.MethodDelete)
	router.Handle("/image/{filename}", traced(s.image, "GET /image/{filename}")).Methods(http.MethodGet)

	// Method override has to run before route matching.
	return Recoverer(LogRequest(MethodOverride(router)))
}

func traced(fn http.HandlerFunc, operation string) http.Handler {
	return otelhttp.NewHandler(fn, operation)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.store.Ready():
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	default:
		writeError(w, r, objstore.ErrNotReady)
	}
}
