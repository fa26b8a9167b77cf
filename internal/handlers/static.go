package handlers

import (
	"net/http"
	"path/filepath"
	"strings"
)

func (h *Handler) HandleStatic(w http.ResponseWriter, r *http.Request) {
	// Extract the file path after /static/
	file := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/static/"), "/")
	if file == "" {
		file = "index.html"
	}

	// Prevent directory traversal attacks
	if strings.Contains(file, "..") {
		http.Error(w, "Invalid file path", http.StatusBadRequest)
		return
	}

	// Set appropriate content type based on file extension
	switch {
	case strings.HasSuffix(file, ".css"):
		w.Header().Set("Content-Type", "text/css")
	case strings.HasSuffix(file, ".js"):
		w.Header().Set("Content-Type", "application/javascript")
	case strings.HasSuffix(file, ".html"):
		w.Header().Set("Content-Type", "text/html")
	}

	http.ServeFile(w, r, filepath.Join(h.staticDir, filepath.FromSlash(file)))
}
