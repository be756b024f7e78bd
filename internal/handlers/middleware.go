package handlers

import (
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"
)

// responseRecorder captures the status code written by the wrapped handler.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (w *responseRecorder) WriteHeader(statusCode int) {
	if w.status == 0 {
		w.status = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *responseRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *responseRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// LogRequest logs every request with its status and duration. Server errors
// log at error level, client errors at warn.
func LogRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w}

		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		attrs := []any{
			slog.String("method", r.Method),
			slog.String("url", r.URL.String()),
			slog.String("remote", r.RemoteAddr),
			slog.Int("status", rec.status),
			slog.Float64("duration_ms", float64(elapsed.Nanoseconds())/float64(time.Millisecond)),
		}

		switch {
		case rec.status >= 500:
			slog.Error("Request", attrs...)
		case rec.status >= 400:
			slog.Warn("Request", attrs...)
		default:
			slog.Info("Request", attrs...)
		}
	})
}

// MethodOverride lets HTML forms issue DELETE and PUT requests. A POST whose
// _method query parameter (or urlencoded form field) names another method is
// rewritten to it. Multipart bodies are never parsed here.
func MethodOverride(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			method := r.URL.Query().Get("_method")
			if method == "" && isURLEncodedForm(r) {
				if err := r.ParseForm(); err == nil {
					method = r.PostForm.Get("_method")
				}
			}

			switch method = strings.ToUpper(method); method {
			case http.MethodDelete, http.MethodPut, http.MethodPatch:
				r.Method = method
			}
		}

		next.ServeHTTP(w, r)
	})
}

func isURLEncodedForm(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/x-www-form-urlencoded"
}

// Recoverer turns a handler panic into a 500.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}

				slog.Error("Internal Error in HTTP handler", "error", rvr, "url", r.URL.String())
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
