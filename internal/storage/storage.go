package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/lehigh-university-libraries/speedybat/internal/keys"
	"github.com/lehigh-university-libraries/speedybat/internal/session"
)

var ErrFolderInUse = errors.New("folder is already open in another session")

// Entry is a live session with its keyboard state
type Entry struct {
	Session   *session.Session
	CreatedAt time.Time

	mu   sync.Mutex
	keys *keys.Dispatcher
}

func NewEntry(s *session.Session, b keys.Bindings, advanceOn ...string) *Entry {
	return &Entry{
		Session:   s,
		CreatedAt: time.Now(),
		keys:      keys.New(s, b, advanceOn...),
	}
}

// Dispatch feeds one key press to the session
func (e *Entry) Dispatch(ctx context.Context, key string) (keys.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keys.HandleKey(ctx, key)
}

func (e *Entry) Focused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keys.Focused()
}

// SessionStore holds the open sessions of a server. A folder can be open in
// at most one session at a time.
type SessionStore struct {
	sessions map[string]*Entry
	mu       sync.RWMutex
}

func New() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Entry),
	}
}

func (s *SessionStore) Get(sessionID string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, exists := s.sessions[sessionID]
	return entry, exists
}

// InUse returns the id of the session holding folder, if any
func (s *SessionStore) InUse(folder string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inUseLocked(folder)
}

func (s *SessionStore) inUseLocked(folder string) (string, bool) {
	want := canonical(folder)
	for id, entry := range s.sessions {
		if f := entry.Session.Folder(); f != "" && canonical(f) == want {
			return id, true
		}
	}
	return "", false
}

// Add registers a loaded session, refusing a second session on the same
// folder.
func (s *SessionStore) Add(entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	folder := entry.Session.Folder()
	if id, ok := s.inUseLocked(folder); ok && id != entry.Session.ID() {
		return fmt.Errorf("%w: %s (session %s)", ErrFolderInUse, folder, id)
	}
	s.sessions[entry.Session.ID()] = entry
	return nil
}

func (s *SessionStore) GetAll() map[string]*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]*Entry, len(s.sessions))
	for k, v := range s.sessions {
		result[k] = v
	}
	return result
}

func (s *SessionStore) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// CloseAll flushes and closes every session, returning the failures joined
func (s *SessionStore) CloseAll(ctx context.Context) error {
	var errs []error
	for id, entry := range s.GetAll() {
		if err := entry.Session.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
			continue
		}
		s.Delete(id)
	}
	return errors.Join(errs...)
}

func canonical(folder string) string {
	if abs, err := filepath.Abs(folder); err == nil {
		return filepath.Clean(abs)
	}
	return filepath.Clean(folder)
}
