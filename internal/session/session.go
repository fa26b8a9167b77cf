package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/lehigh-university-libraries/speedybat/internal/media"
	"github.com/lehigh-university-libraries/speedybat/internal/resume"
	"github.com/lehigh-university-libraries/speedybat/internal/retry"
	"github.com/lehigh-university-libraries/speedybat/internal/schema"
	"github.com/lehigh-university-libraries/speedybat/internal/store"
)

var (
	ErrEmpty         = errors.New("no folder loaded")
	ErrNotesDisabled = errors.New("notes are disabled")
	ErrInvalidDelta  = errors.New("advance accepts +1 or -1")
)

// State is the lifecycle of a session
type State int

const (
	Empty State = iota
	Ready
)

func (s State) String() string {
	if s == Ready {
		return "ready"
	}
	return "empty"
}

// Mode decides when the store is flushed to disk
type Mode string

const (
	// Immediate flushes after every row write
	Immediate Mode = "immediate"
	// Debounced flushes once Threshold mutations have accumulated, or on
	// ForceFlush. Edits after the last flush are lost if the process dies.
	Debounced Mode = "debounced"
)

// DefaultThreshold is the number of mutations a debounced session batches
const DefaultThreshold = 10

// ParseMode validates a mode name; empty means Debounced
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return Debounced, nil
	case Immediate, Debounced:
		return m, nil
	default:
		return "", fmt.Errorf("unknown flush mode %q (expected immediate or debounced)", s)
	}
}

// Options configures a Session
type Options struct {
	Extensions []string
	// Schema is the starting field set. Nil or empty adopts the fields of
	// an existing annotations file.
	Schema *schema.Schema
	// Bindings assigns shortcuts to adopted fields by name
	Bindings  map[string]rune
	Store     store.Options
	Mode      Mode
	Threshold int
	// Presence names a flag kept in step with the counters: present while
	// any counter is above zero. Empty disables the rule.
	Presence  string
	Resume    resume.Policy
	Companion media.Companion
	// Async schedules lock retries on timers instead of blocking the
	// caller. ForceFlush always blocks.
	Async bool
}

// Session is the annotation engine for one media folder at a time. It holds
// the cursor and the values of the current item in memory and writes them
// back to the store on navigation. All methods are safe for concurrent use;
// calls are serialized.
type Session struct {
	mu     sync.Mutex
	id     string
	opts   Options
	loader *media.Loader

	schema  *schema.Schema
	folder  string
	items   []media.Item
	store   *store.Store
	cursor  int
	current schema.Record
	note    string
	pending int

	retryTask *retry.Task
	lastErr   error

	listeners map[int]Listener
	nextID    int
}

// New creates an empty session
func New(opts Options) *Session {
	if opts.Mode == "" {
		opts.Mode = Debounced
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Resume == "" {
		opts.Resume = resume.Auto
	}
	if opts.Companion == (media.Companion{}) {
		opts.Companion = media.DefaultCompanion
	}

	sch := opts.Schema
	if sch == nil {
		sch, _ = schema.New()
	}

	return &Session{
		id:        uuid.NewString(),
		opts:      opts,
		loader:    media.NewLoader(opts.Extensions...),
		schema:    sch.Clone(),
		cursor:    -1,
		listeners: make(map[int]Listener),
	}
}

func (s *Session) ID() string { return s.id }

// do runs fn under the session lock and then notifies listeners with the
// resulting view.
func (s *Session) do(fn func() error) error {
	s.mu.Lock()
	err := fn()
	v := s.viewLocked()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(v)
	}
	return err
}

// Load opens a media folder, replacing the current one. Unsaved changes of
// the previous folder are flushed first; if that fails nothing changes.
func (s *Session) Load(ctx context.Context, dir string) error {
	return s.do(func() error {
		if s.store != nil {
			if err := s.forceFlushLocked(ctx); err != nil {
				return fmt.Errorf("failed to save %s before switching folders: %w", s.folder, err)
			}
		}

		items, err := s.loader.Load(dir)
		if err != nil {
			return err
		}

		st, err := store.Open(ctx, dir, media.Names(items), s.schema, s.opts.Store)
		if err != nil {
			return err
		}

		sch := st.Schema()
		if st.Adopted() {
			for name, r := range s.opts.Bindings {
				if !sch.Has(name) {
					continue
				}
				if err := sch.Bind(name, r); err != nil {
					slog.Warn("Shortcut not bound", "field", name, "err", err)
				}
			}
		}

		s.stopRetryLocked()
		s.folder = dir
		s.items = items
		s.store = st
		s.schema = sch
		s.pending = 0
		s.lastErr = nil
		s.cursor = resume.Pick(s.opts.Resume, st.Records(), st.Adopted())

		if p := s.opts.Presence; p != "" {
			if f, ok := sch.Field(p); !ok || f.Kind != schema.Flag {
				slog.Warn("Presence field is not a flag in this schema; rule disabled", "field", p)
			}
		}

		if err := s.materializeLocked(); err != nil {
			return err
		}

		slog.Info("Folder loaded",
			"session", s.id,
			"folder", dir,
			"items", len(items),
			"fields", sch.Len(),
			"cursor", s.cursor,
			"adopted", st.Adopted())
		return nil
	})
}

func (s *Session) readyLocked() error {
	if s.store == nil || len(s.items) == 0 {
		return ErrEmpty
	}
	return nil
}

func (s *Session) currentName() string {
	return s.items[s.cursor].Name
}

// materializeLocked copies the stored row of the cursor into memory
func (s *Session) materializeLocked() error {
	row, err := s.store.ReadRow(s.currentName())
	if err != nil {
		return fmt.Errorf("session out of sync with store: %w", err)
	}
	s.current = row.Values
	s.note = row.Note
	return nil
}

// commitLocked writes the in-memory values of the cursor to the store row
func (s *Session) commitLocked() error {
	row := store.Row{Values: s.current.Clone(), Note: s.note}
	if err := s.store.WriteRow(s.currentName(), row); err != nil {
		return fmt.Errorf("session out of sync with store: %w", err)
	}
	return nil
}

// Advance writes the current item back to the store, flushes according to
// the mode, and moves the cursor by delta with wrap-around. When the flush
// fails the cursor stays put and the error is returned.
func (s *Session) Advance(ctx context.Context, delta int) error {
	if delta != 1 && delta != -1 {
		return fmt.Errorf("%w: got %d", ErrInvalidDelta, delta)
	}
	return s.do(func() error {
		if err := s.readyLocked(); err != nil {
			return err
		}
		if err := s.leaveLocked(ctx); err != nil {
			return err
		}
		n := len(s.items)
		s.cursor = ((s.cursor+delta)%n + n) % n
		return s.materializeLocked()
	})
}

// JumpToNextUnannotated writes the current item back and moves to the first
// item with every field at zero (or the first item if all are annotated).
func (s *Session) JumpToNextUnannotated(ctx context.Context) error {
	return s.do(func() error {
		if err := s.readyLocked(); err != nil {
			return err
		}
		if err := s.leaveLocked(ctx); err != nil {
			return err
		}
		s.cursor = resume.FirstUnannotated(s.store.Records())
		return s.materializeLocked()
	})
}

func (s *Session) leaveLocked(ctx context.Context) error {
	if err := s.commitLocked(); err != nil {
		return err
	}
	if s.opts.Mode == Immediate || s.pending >= s.opts.Threshold {
		return s.flushLocked(ctx)
	}
	return nil
}

// SetFieldValue sets one field of the current item in memory
func (s *Session) SetFieldValue(ctx context.Context, name string, value int) error {
	return s.do(func() error {
		return s.setLocked(ctx, name, value)
	})
}

// Adjust adds delta to a counter of the current item. A decrement at zero is
// ignored.
func (s *Session) Adjust(ctx context.Context, name string, delta int) error {
	return s.do(func() error {
		if err := s.readyLocked(); err != nil {
			return err
		}
		f, ok := s.schema.Field(name)
		if !ok {
			return fmt.Errorf("%w: %q", schema.ErrUnknownField, name)
		}
		if f.Kind != schema.Counter {
			return fmt.Errorf("%w: %q is not a counter", schema.ErrInvalidValue, name)
		}
		next := s.current[name] + delta
		if next < 0 {
			return nil
		}
		return s.setLocked(ctx, name, next)
	})
}

// Toggle flips a flag of the current item
func (s *Session) Toggle(ctx context.Context, name string) error {
	return s.do(func() error {
		if err := s.readyLocked(); err != nil {
			return err
		}
		f, ok := s.schema.Field(name)
		if !ok {
			return fmt.Errorf("%w: %q", schema.ErrUnknownField, name)
		}
		if f.Kind != schema.Flag {
			return fmt.Errorf("%w: %q is not a flag", schema.ErrInvalidValue, name)
		}
		return s.setLocked(ctx, name, 1-s.current[name])
	})
}

func (s *Session) setLocked(ctx context.Context, name string, value int) error {
	if err := s.readyLocked(); err != nil {
		return err
	}
	f, ok := s.schema.Field(name)
	if !ok {
		return fmt.Errorf("%w: %q", schema.ErrUnknownField, name)
	}
	if err := f.Validate(value); err != nil {
		return err
	}

	s.current[name] = value
	if f.Kind == schema.Counter {
		s.derivePresenceLocked()
	}
	return s.mutatedLocked(ctx)
}

// derivePresenceLocked keeps the presence flag in step with the counters.
// Counters are never touched by the flag.
func (s *Session) derivePresenceLocked() {
	p := s.opts.Presence
	if p == "" {
		return
	}
	if f, ok := s.schema.Field(p); !ok || f.Kind != schema.Flag {
		return
	}
	present := 0
	for _, name := range s.schema.Counters() {
		if s.current[name] > 0 {
			present = 1
			break
		}
	}
	s.current[p] = present
}

// SetNote replaces the free-text note of the current item
func (s *Session) SetNote(ctx context.Context, text string) error {
	return s.do(func() error {
		if err := s.readyLocked(); err != nil {
			return err
		}
		if !s.store.Notes() {
			return ErrNotesDisabled
		}
		if text == s.note {
			return nil
		}
		s.note = text
		return s.mutatedLocked(ctx)
	})
}

// mutatedLocked counts an edit and, in debounced mode, flushes once the
// threshold is reached. The edit itself is kept even if the flush fails.
func (s *Session) mutatedLocked(ctx context.Context) error {
	s.pending++
	if s.opts.Mode == Debounced && s.pending >= s.opts.Threshold {
		return s.flushLocked(ctx)
	}
	return nil
}

// ForceFlush writes the current item and flushes the store immediately,
// blocking through the retry policy regardless of mode.
func (s *Session) ForceFlush(ctx context.Context) error {
	return s.do(func() error {
		if err := s.readyLocked(); err != nil {
			return err
		}
		return s.forceFlushLocked(ctx)
	})
}

func (s *Session) forceFlushLocked(ctx context.Context) error {
	s.stopRetryLocked()
	if err := s.commitLocked(); err != nil {
		return err
	}
	if err := s.store.FlushAll(ctx); err != nil {
		s.lastErr = err
		return err
	}
	s.pending = 0
	s.lastErr = nil
	return nil
}

// flushLocked commits the current item and flushes the store. In async mode
// a lock conflict hands the remaining attempts to a timer and returns nil.
func (s *Session) flushLocked(ctx context.Context) error {
	if err := s.commitLocked(); err != nil {
		return err
	}

	if !s.opts.Async {
		if err := s.store.FlushAll(ctx); err != nil {
			s.lastErr = err
			return err
		}
		s.pending = 0
		s.lastErr = nil
		return nil
	}

	if s.retryTask != nil {
		// a scheduled attempt will pick up this change
		return nil
	}
	err := s.store.TryFlush()
	switch {
	case err == nil:
		s.pending = 0
		s.lastErr = nil
		return nil
	case store.IsLocked(err) && s.store.RetryPolicy().Attempts > 1:
		s.scheduleRetryLocked()
		return nil
	default:
		s.lastErr = fmt.Errorf("%w: %w", store.ErrPersistenceFailed, err)
		return s.lastErr
	}
}

func (s *Session) scheduleRetryLocked() {
	st := s.store
	policy := st.RetryPolicy()
	policy.Attempts--

	slog.Warn("Annotations file locked; retrying in background", "session", s.id, "path", st.Path())

	var task *retry.Task
	task = retry.Schedule(policy, store.IsLocked, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.store != st {
			return nil
		}
		if err := s.commitLocked(); err != nil {
			return err
		}
		return st.TryFlush()
	}, func(err error) {
		_ = s.do(func() error {
			if s.store != st || s.retryTask != task {
				return nil
			}
			s.retryTask = nil
			if err != nil {
				s.lastErr = fmt.Errorf("%w: %w", store.ErrPersistenceFailed, err)
				slog.Error("Background save failed", "session", s.id, "path", st.Path(), "err", err)
				return nil
			}
			s.pending = 0
			s.lastErr = nil
			slog.Info("Background save succeeded", "session", s.id, "path", st.Path())
			return nil
		})
	})
	s.retryTask = task
}

func (s *Session) stopRetryLocked() {
	if s.retryTask != nil {
		s.retryTask.Stop()
		s.retryTask = nil
	}
}

// AddField grows the schema. With a folder loaded the store is rebuilt and
// rewritten; the current item's unsaved values are kept in memory. On any
// error other than a failed write the previous schema stays in effect.
func (s *Session) AddField(ctx context.Context, name string, kind schema.Kind, shortcut rune) (schema.Field, error) {
	var added schema.Field
	err := s.do(func() error {
		next := s.schema.Clone()
		f, err := next.Define(name, kind, shortcut)
		if err != nil {
			return err
		}
		added = f

		if s.store == nil {
			s.schema = next
			return nil
		}

		err = s.store.RebuildSchema(ctx, next)
		if err != nil && !errors.Is(err, store.ErrPersistenceFailed) {
			return err
		}

		s.schema = s.store.Schema()
		s.current = s.current.Conform(s.schema)
		if row, rerr := s.store.ReadRow(s.currentName()); rerr == nil {
			s.current[f.Name] = row.Values[f.Name]
		}
		if err != nil {
			s.lastErr = err
			return err
		}
		slog.Info("Field added", "session", s.id, "field", f.Name, "kind", f.Kind.String())
		return nil
	})
	return added, err
}

// BindShortcut assigns a shortcut to an existing field
func (s *Session) BindShortcut(name string, shortcut rune) error {
	return s.do(func() error {
		return s.schema.Bind(name, shortcut)
	})
}

// ResolveShortcut returns the field bound to r
func (s *Session) ResolveShortcut(r rune) (schema.Field, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schema.ResolveShortcut(r)
}

// Value returns a field of the current item
func (s *Session) Value(name string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return 0, false
	}
	v, ok := s.current[name]
	return v, ok
}

// CompanionPath resolves the recording that belongs to the current item
func (s *Session) CompanionPath() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(); err != nil {
		return "", err
	}
	return s.opts.Companion.Resolve(s.folder, s.currentName())
}

// Close flushes the session and returns it to Empty. A failed flush is
// returned and the session stays loaded.
func (s *Session) Close(ctx context.Context) error {
	return s.do(func() error {
		if s.store == nil {
			return nil
		}
		if err := s.forceFlushLocked(ctx); err != nil {
			return err
		}
		slog.Info("Session closed", "session", s.id, "folder", s.folder)
		s.store = nil
		s.items = nil
		s.folder = ""
		s.cursor = -1
		s.current = nil
		s.note = ""
		return nil
	})
}

// Folder returns the loaded folder, or "" when empty
func (s *Session) Folder() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.folder
}

// ItemPath returns the on-disk path of a loaded media item
func (s *Session) ItemPath(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if item.Name == name {
			return filepath.Join(s.folder, item.Name), true
		}
	}
	return "", false
}
