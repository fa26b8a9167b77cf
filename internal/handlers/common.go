package handlers

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/lehigh-university-libraries/speedybat/internal/keys"
	"github.com/lehigh-university-libraries/speedybat/internal/media"
	"github.com/lehigh-university-libraries/speedybat/internal/models"
	"github.com/lehigh-university-libraries/speedybat/internal/schema"
	"github.com/lehigh-university-libraries/speedybat/internal/session"
	"github.com/lehigh-university-libraries/speedybat/internal/storage"
	"github.com/lehigh-university-libraries/speedybat/internal/store"
)

type Handler struct {
	sessionStore *storage.SessionStore
	opts         session.Options
	bindings     keys.Bindings
	advanceOn    []string
	opener       media.Opener
	staticDir    string
}

// Config is what the server needs to open sessions
type Config struct {
	Session   session.Options
	Bindings  keys.Bindings
	AdvanceOn []string
	Opener    media.Opener
	StaticDir string
}

func New(cfg Config) *Handler {
	opts := cfg.Session
	opts.Async = true
	// the page asks before adding a field; the request carries the answer
	opts.Store.Confirm = func(string, []string, []string) bool { return true }

	if cfg.Opener == nil {
		cfg.Opener = media.SystemOpener{}
	}
	if cfg.StaticDir == "" {
		cfg.StaticDir = "static"
	}
	return &Handler{
		sessionStore: storage.New(),
		opts:         opts,
		bindings:     cfg.Bindings,
		advanceOn:    cfg.AdvanceOn,
		opener:       cfg.Opener,
		staticDir:    cfg.StaticDir,
	}
}

// Sessions exposes the registry so the server can flush on shutdown
func (h *Handler) Sessions() *storage.SessionStore {
	return h.sessionStore
}

// Response helpers
func (h *Handler) writeJSON(w http.ResponseWriter, data interface{}) {
	h.writeJSONStatus(w, data, http.StatusOK)
}

func (h *Handler) writeJSONStatus(w http.ResponseWriter, data interface{}, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Unable to encode JSON response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, message string, code int) {
	if code >= http.StatusInternalServerError {
		slog.Error(message)
	} else {
		slog.Warn(message)
	}
	http.Error(w, message, code)
}

// writeSessionError maps session failures to HTTP status codes
func (h *Handler) writeSessionError(w http.ResponseWriter, err error) {
	h.writeError(w, err.Error(), statusFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrLocked):
		return http.StatusLocked
	case errors.Is(err, store.ErrPersistenceFailed):
		return http.StatusInternalServerError
	case errors.Is(err, session.ErrEmpty),
		errors.Is(err, session.ErrNotesDisabled),
		errors.Is(err, store.ErrDeclined),
		errors.Is(err, storage.ErrFolderInUse):
		return http.StatusConflict
	case errors.Is(err, media.ErrFileNotFound),
		errors.Is(err, store.ErrUnknownMedia),
		errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, store.ErrMalformed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, media.ErrEmptySet),
		errors.Is(err, session.ErrInvalidDelta),
		errors.Is(err, schema.ErrUnknownField),
		errors.Is(err, schema.ErrInvalidValue),
		errors.Is(err, schema.ErrDuplicateField),
		errors.Is(err, schema.ErrDuplicateShortcut),
		errors.Is(err, schema.ErrInvalidName),
		errors.Is(err, schema.ErrReservedName),
		errors.Is(err, store.ErrFieldRemoval):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Session helpers
func (h *Handler) getSessionOrError(w http.ResponseWriter, sessionID string) (*storage.Entry, bool) {
	entry, exists := h.sessionStore.Get(sessionID)
	if !exists {
		h.writeError(w, "Session not found", http.StatusNotFound)
		return nil, false
	}
	return entry, true
}

func (h *Handler) render(entry *storage.Entry) *models.AnnotationSession {
	v := entry.Session.View()
	out := &models.AnnotationSession{
		ID:           v.ID,
		State:        v.State.String(),
		Folder:       v.Folder,
		Index:        v.Index,
		Total:        v.Total,
		Fields:       make([]models.FieldValue, 0, len(v.Fields)),
		Note:         v.Note,
		NotesEnabled: v.Notes,
		Focused:      entry.Focused(),
		Pending:      v.Pending,
		Flushes:      v.Flushes,
		Saving:       v.Saving,
		CreatedAt:    entry.CreatedAt,
	}
	if v.Err != nil {
		out.Error = v.Err.Error()
	}
	for _, f := range v.Fields {
		fv := models.FieldValue{Name: f.Name, Kind: f.Kind.String(), Value: v.Values[f.Name]}
		if f.Shortcut != 0 {
			fv.Shortcut = string(f.Shortcut)
		}
		out.Fields = append(out.Fields, fv)
	}
	if v.State == session.Ready {
		out.Item = describeItem(v)
	}
	return out
}
