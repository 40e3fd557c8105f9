package httpserver

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
)

// UploadRoutes returns a sub-router mounted at /uploads that serves message
// images written by the local uploader.
func UploadRoutes(dir string) chi.Router {
	r := chi.NewRouter()

	r.Get("/{filename}", func(w http.ResponseWriter, r *http.Request) {
		filename := chi.URLParam(r, "filename")
		if filename == "" {
			http.Error(w, "missing filename", http.StatusBadRequest)
			return
		}
		// Prevent path traversal by cleaning the path and not allowing separators.
		if filepath.Base(filename) != filename || strings.HasPrefix(filename, ".") {
			http.Error(w, "invalid filename", http.StatusBadRequest)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		http.ServeFile(w, r, filepath.Join(dir, filename))
	})

	return r
}
