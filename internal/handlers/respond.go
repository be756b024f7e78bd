package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/maneesh/gridbox/internal/objstore"
)

// statusClientClosedRequest is the non-standard status for a request whose
// client went away before it completed.
const statusClientClosedRequest = 499

// Messages for the JSON error bodies of the catalog routes.
const (
	msgNoFiles    = "No files exist"
	msgNoFile     = "No file exists"
	msgNotAnImage = "Not an image"
	msgNoUpload   = "No files uploaded"
)

type errorResponse struct {
	Err string `json:"err"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Err: msg})
}

// statusFor maps a store error kind onto an HTTP status.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, objstore.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, objstore.ErrDuplicateName):
		return http.StatusConflict
	case errors.Is(err, objstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, objstore.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, objstore.ErrAborted):
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError responds with the status matching err. Internal failures are
// logged in full and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		slog.Error("Request failed", "method", r.Method, "url", r.URL.String(), "error", err)
		msg = "internal storage error"
	case http.StatusRequestEntityTooLarge:
		var maxErr *http.MaxBytesError
		errors.As(err, &maxErr)
		msg = fmt.Sprintf("upload exceeds %d bytes", maxErr.Limit)
	case http.StatusServiceUnavailable:
		msg = "service is starting"
	}

	writeMessage(w, status, msg)
}

func accepts(r *http.Request, mediaType string) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		if strings.HasPrefix(strings.TrimSpace(part), mediaType) {
			return true
		}
	}
	return false
}
