package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/lehigh-university-libraries/speedybat/internal/keys"
	"github.com/lehigh-university-libraries/speedybat/internal/models"
	"github.com/lehigh-university-libraries/speedybat/internal/schema"
	"github.com/lehigh-university-libraries/speedybat/internal/session"
	"github.com/lehigh-university-libraries/speedybat/internal/storage"
)

func (h *Handler) HandleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		sessions := h.sessionStore.GetAll()
		sessionList := make([]*models.AnnotationSession, 0, len(sessions))
		for _, entry := range sessions {
			sessionList = append(sessionList, h.render(entry))
		}
		sort.Slice(sessionList, func(i, j int) bool {
			return sessionList[i].CreatedAt.Before(sessionList[j].CreatedAt)
		})
		h.writeJSON(w, sessionList)
	case "POST":
		h.openFolder(w, r)
	default:
		h.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) openFolder(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Folder string `json:"folder"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		h.writeError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if request.Folder == "" {
		h.writeError(w, "folder is required", http.StatusBadRequest)
		return
	}
	if id, ok := h.sessionStore.InUse(request.Folder); ok {
		h.writeError(w, "Folder is already open in session "+id, http.StatusConflict)
		return
	}

	s := session.New(h.opts)
	if err := s.Load(r.Context(), request.Folder); err != nil {
		h.writeSessionError(w, err)
		return
	}

	entry := storage.NewEntry(s, h.bindings, h.advanceOn...)
	if err := h.sessionStore.Add(entry); err != nil {
		if cerr := s.Close(r.Context()); cerr != nil {
			slog.Error("Failed to close duplicate session", "folder", request.Folder, "err", cerr)
		}
		h.writeSessionError(w, err)
		return
	}

	slog.Info("Session opened", "session_id", s.ID(), "folder", request.Folder)
	h.writeJSONStatus(w, h.render(entry), http.StatusCreated)
}

func (h *Handler) HandleSessionDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	sessionID, action, _ := strings.Cut(rest, "/")

	entry, ok := h.getSessionOrError(w, sessionID)
	if !ok {
		return
	}

	switch action {
	case "":
		h.handleSession(w, r, entry)
	case "advance":
		h.handleAdvance(w, r, entry)
	case "next-unannotated":
		if !h.requireMethod(w, r, "POST") {
			return
		}
		h.respond(w, entry, entry.Session.JumpToNextUnannotated(r.Context()))
	case "save":
		if !h.requireMethod(w, r, "POST") {
			return
		}
		h.respond(w, entry, entry.Session.ForceFlush(r.Context()))
	case "key":
		h.handleKey(w, r, entry)
	case "companion":
		if !h.requireMethod(w, r, "POST") {
			return
		}
		h.openCompanion(w, entry)
	case "value":
		h.handleValue(w, r, entry)
	case "note":
		h.handleNote(w, r, entry)
	case "fields":
		h.handleFields(w, r, entry)
	case "shortcut":
		h.handleShortcut(w, r, entry)
	default:
		h.writeError(w, "Unknown session action: "+action, http.StatusNotFound)
	}
}

func (h *Handler) requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		h.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// respond writes the session after an operation, or the operation's error
func (h *Handler) respond(w http.ResponseWriter, entry *storage.Entry, err error) {
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	h.writeJSON(w, h.render(entry))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request, entry *storage.Entry) {
	switch r.Method {
	case "GET":
		h.writeJSON(w, h.render(entry))
	case "DELETE":
		h.closeSession(w, r, entry)
	default:
		h.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) closeSession(w http.ResponseWriter, r *http.Request, entry *storage.Entry) {
	if err := entry.Session.Close(r.Context()); err != nil {
		h.writeSessionError(w, err)
		return
	}
	h.sessionStore.Delete(entry.Session.ID())
	slog.Info("Session closed", "session_id", entry.Session.ID())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAdvance(w http.ResponseWriter, r *http.Request, entry *storage.Entry) {
	if !h.requireMethod(w, r, "POST") {
		return
	}
	request := struct {
		Delta int `json:"delta"`
	}{Delta: 1}
	if r.ContentLength != 0 && !h.decode(w, r, &request) {
		return
	}
	h.respond(w, entry, entry.Session.Advance(r.Context(), request.Delta))
}

func (h *Handler) handleKey(w http.ResponseWriter, r *http.Request, entry *storage.Entry) {
	if !h.requireMethod(w, r, "POST") {
		return
	}
	var request struct {
		Key string `json:"key"`
	}
	if !h.decode(w, r, &request) {
		return
	}

	res, err := entry.Dispatch(r.Context(), request.Key)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	switch res.Action {
	case keys.Open:
		if err := h.openCompanionFile(entry); err != nil {
			h.writeSessionError(w, err)
			return
		}
	case keys.Quit:
		h.closeSession(w, r, entry)
		return
	}

	h.writeJSON(w, models.KeyResult{
		Action:   string(res.Action),
		Field:    res.Field,
		Advanced: res.Advanced,
		Session:  h.render(entry),
	})
}

func (h *Handler) openCompanion(w http.ResponseWriter, entry *storage.Entry) {
	if err := h.openCompanionFile(entry); err != nil {
		h.writeSessionError(w, err)
		return
	}
	h.writeJSON(w, h.render(entry))
}

func (h *Handler) openCompanionFile(entry *storage.Entry) error {
	path, err := entry.Session.CompanionPath()
	if err != nil {
		return err
	}
	return h.opener.Open(path)
}

func (h *Handler) handleValue(w http.ResponseWriter, r *http.Request, entry *storage.Entry) {
	if !h.requireMethod(w, r, "PUT") {
		return
	}
	var request struct {
		Field string `json:"field"`
		Value int    `json:"value"`
	}
	if !h.decode(w, r, &request) {
		return
	}
	h.respond(w, entry, entry.Session.SetFieldValue(r.Context(), request.Field, request.Value))
}

func (h *Handler) handleNote(w http.ResponseWriter, r *http.Request, entry *storage.Entry) {
	if !h.requireMethod(w, r, "PUT") {
		return
	}
	var request struct {
		Note string `json:"note"`
	}
	if !h.decode(w, r, &request) {
		return
	}
	h.respond(w, entry, entry.Session.SetNote(r.Context(), request.Note))
}

func (h *Handler) handleFields(w http.ResponseWriter, r *http.Request, entry *storage.Entry) {
	if !h.requireMethod(w, r, "POST") {
		return
	}
	var request struct {
		Name      string `json:"name"`
		Kind      string `json:"kind"` // "flag", "counter"
		Shortcut  string `json:"shortcut"`
		Overwrite bool   `json:"overwrite"`
	}
	if !h.decode(w, r, &request) {
		return
	}

	kind, err := schema.ParseKind(request.Kind)
	if err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	shortcut, ok := parseShortcut(request.Shortcut)
	if !ok {
		h.writeError(w, "shortcut must be a single character", http.StatusBadRequest)
		return
	}
	if h.bindings.Bound(shortcut) {
		h.writeError(w, "shortcut is already a command key", http.StatusBadRequest)
		return
	}
	if !request.Overwrite && entry.Session.View().State == session.Ready {
		h.writeError(w, "Adding a field rewrites the annotations file; resend with overwrite set to confirm", http.StatusConflict)
		return
	}

	_, err = entry.Session.AddField(r.Context(), request.Name, kind, shortcut)
	h.respond(w, entry, err)
}

func (h *Handler) handleShortcut(w http.ResponseWriter, r *http.Request, entry *storage.Entry) {
	if !h.requireMethod(w, r, "PUT") {
		return
	}
	var request struct {
		Field    string `json:"field"`
		Shortcut string `json:"shortcut"`
	}
	if !h.decode(w, r, &request) {
		return
	}
	shortcut, ok := parseShortcut(request.Shortcut)
	if !ok || shortcut == 0 {
		h.writeError(w, "shortcut must be a single character", http.StatusBadRequest)
		return
	}
	if h.bindings.Bound(shortcut) {
		h.writeError(w, "shortcut is already a command key", http.StatusBadRequest)
		return
	}
	err := entry.Session.BindShortcut(request.Field, shortcut)
	if errors.Is(err, schema.ErrUnknownField) {
		h.writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	h.respond(w, entry, err)
}

func parseShortcut(s string) (rune, bool) {
	if s == "" {
		return 0, true
	}
	r, size := utf8.DecodeRuneInString(s)
	return r, size == len(s) && r != utf8.RuneError
}
