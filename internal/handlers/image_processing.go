package handlers

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/lehigh-university-libraries/speedybat/internal/media"
	"github.com/lehigh-university-libraries/speedybat/internal/models"
	"github.com/lehigh-university-libraries/speedybat/internal/session"
)

func describeItem(v session.View) *models.MediaItem {
	item := &models.MediaItem{
		Name:     v.Item,
		ImageURL: "/media/" + v.ID + "/" + url.PathEscape(v.Item),
	}

	width, height, err := media.Dimensions(v.Path)
	if err != nil {
		slog.Debug("Failed to get image dimensions", "path", v.Path, "error", err)
		return item
	}
	item.ImageWidth = width
	item.ImageHeight = height
	return item
}

// HandleMedia serves an image of a loaded folder: /media/{session}/{name}
func (h *Handler) HandleMedia(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" && r.Method != "HEAD" {
		h.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/media/")
	sessionID, name, ok := strings.Cut(rest, "/")
	if !ok || name == "" {
		h.writeError(w, "Invalid media path", http.StatusBadRequest)
		return
	}

	entry, ok := h.getSessionOrError(w, sessionID)
	if !ok {
		return
	}

	// only names from the loaded media list resolve, so traversal is impossible
	path, ok := entry.Session.ItemPath(name)
	if !ok {
		h.writeError(w, "Media item not found", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, path)
}
