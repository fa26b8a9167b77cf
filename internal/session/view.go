package session

import (
	"path/filepath"

	"github.com/lehigh-university-libraries/speedybat/internal/schema"
)

// View is a snapshot of everything a display needs to render a session
type View struct {
	ID      string
	State   State
	Folder  string
	Index   int
	Total   int
	Item    string
	Path    string
	Fields  []schema.Field
	Values  schema.Record
	Note    string
	Notes   bool
	Pending int
	Flushes int
	// Saving is true while a background retry is waiting on a lock
	Saving bool
	// Err is the most recent persistence failure, cleared by the next
	// successful flush
	Err error
}

// Listener receives a fresh view after every state change
type Listener func(View)

// Subscribe registers l and returns a function that removes it. Listeners
// are called outside the session lock, possibly from a timer goroutine.
func (s *Session) Subscribe(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// View returns the current snapshot
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() View {
	v := View{
		ID:      s.id,
		State:   Empty,
		Index:   -1,
		Fields:  s.schema.Fields(),
		Pending: s.pending,
		Saving:  s.retryTask != nil,
		Err:     s.lastErr,
	}
	if s.store == nil || len(s.items) == 0 {
		return v
	}

	name := s.currentName()
	v.State = Ready
	v.Folder = s.folder
	v.Index = s.cursor
	v.Total = len(s.items)
	v.Item = name
	v.Path = filepath.Join(s.folder, name)
	v.Values = s.current.Clone()
	v.Note = s.note
	v.Notes = s.store.Notes()
	v.Flushes = s.store.Flushes()
	return v
}

// Stats summarizes the loaded folder
type Stats struct {
	Total     int
	Annotated int
	// Counts sums every counter and counts set flags across all rows, with
	// the unsaved values of the current item included
	Counts map[string]int
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Counts: make(map[string]int)}
	if s.store == nil {
		return st
	}
	records := s.store.Records()
	if s.cursor >= 0 && s.cursor < len(records) {
		records[s.cursor] = s.current.Clone()
	}
	st.Total = len(records)
	for _, r := range records {
		if r.Annotated() {
			st.Annotated++
		}
		for name, v := range r {
			st.Counts[name] += v
		}
	}
	return st
}
