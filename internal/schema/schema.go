package schema

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Column names owned by the annotation store. Fields may not reuse them.
const (
	ImageColumn = "Image Name"
	NotesColumn = "Notes"
)

var (
	ErrDuplicateField    = errors.New("duplicate field")
	ErrDuplicateShortcut = errors.New("duplicate shortcut")
	ErrReservedName      = errors.New("reserved field name")
	ErrInvalidName       = errors.New("invalid field name")
	ErrUnknownField      = errors.New("unknown field")
	ErrInvalidValue      = errors.New("invalid field value")
)

// Kind is the value domain of a field
type Kind int

const (
	Flag Kind = iota
	Counter
)

func (k Kind) String() string {
	switch k {
	case Flag:
		return "flag"
	case Counter:
		return "counter"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind accepts "flag"/"checkbox" and "counter"/"count"
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "flag", "checkbox", "bool":
		return Flag, nil
	case "counter", "count":
		return Counter, nil
	default:
		return 0, fmt.Errorf("unknown field kind %q (expected flag or counter)", s)
	}
}

// Field describes one label column. Shortcut is 0 when unbound.
type Field struct {
	Name     string
	Kind     Kind
	Shortcut rune
}

// Validate reports whether v is in the field's value domain
func (f Field) Validate(v int) error {
	switch f.Kind {
	case Flag:
		if v != 0 && v != 1 {
			return fmt.Errorf("%w: flag %q accepts 0 or 1, got %d", ErrInvalidValue, f.Name, v)
		}
	case Counter:
		if v < 0 {
			return fmt.Errorf("%w: counter %q cannot be negative, got %d", ErrInvalidValue, f.Name, v)
		}
	}
	return nil
}

// Schema is the ordered registry of label fields. Shortcuts are compared
// case-insensitively; the shifted variant of a counter shortcut decrements.
type Schema struct {
	fields     []Field
	byName     map[string]int
	byShortcut map[rune]string
}

// New builds a schema from fields in order, rejecting duplicates.
func New(fields ...Field) (*Schema, error) {
	s := &Schema{
		byName:     make(map[string]int),
		byShortcut: make(map[rune]string),
	}
	for _, f := range fields {
		if _, err := s.Define(f.Name, f.Kind, f.Shortcut); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Define appends a field. The schema is unchanged on error.
func (s *Schema) Define(name string, kind Kind, shortcut rune) (Field, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Field{}, ErrInvalidName
	}
	if name == ImageColumn || name == NotesColumn {
		return Field{}, fmt.Errorf("%w: %q", ErrReservedName, name)
	}
	if kind != Flag && kind != Counter {
		return Field{}, fmt.Errorf("unknown field kind %d", int(kind))
	}
	if _, exists := s.byName[name]; exists {
		return Field{}, fmt.Errorf("%w: %q", ErrDuplicateField, name)
	}
	shortcut = normalize(shortcut)
	if shortcut != 0 {
		if owner, taken := s.byShortcut[shortcut]; taken {
			return Field{}, fmt.Errorf("%w: %q is bound to %q", ErrDuplicateShortcut, string(shortcut), owner)
		}
	}

	f := Field{Name: name, Kind: kind, Shortcut: shortcut}
	s.byName[name] = len(s.fields)
	s.fields = append(s.fields, f)
	if shortcut != 0 {
		s.byShortcut[shortcut] = name
	}
	return f, nil
}

// Bind assigns (or replaces) the shortcut of an existing field.
func (s *Schema) Bind(name string, shortcut rune) error {
	idx, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	shortcut = normalize(shortcut)
	if shortcut != 0 {
		if owner, taken := s.byShortcut[shortcut]; taken && owner != name {
			return fmt.Errorf("%w: %q is bound to %q", ErrDuplicateShortcut, string(shortcut), owner)
		}
	}
	if old := s.fields[idx].Shortcut; old != 0 {
		delete(s.byShortcut, old)
	}
	s.fields[idx].Shortcut = shortcut
	if shortcut != 0 {
		s.byShortcut[shortcut] = name
	}
	return nil
}

// ResolveShortcut returns the field bound to r, ignoring case.
func (s *Schema) ResolveShortcut(r rune) (Field, bool) {
	name, ok := s.byShortcut[normalize(r)]
	if !ok {
		return Field{}, false
	}
	return s.fields[s.byName[name]], true
}

func (s *Schema) Field(name string) (Field, bool) {
	idx, ok := s.byName[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[idx], true
}

func (s *Schema) Has(name string) bool {
	_, ok := s.byName[name]
	return ok
}

func (s *Schema) Len() int {
	return len(s.fields)
}

// Fields returns a copy of the fields in schema order
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

func (s *Schema) Names() []string {
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.Name
	}
	return names
}

// Counters returns the names of all counter fields
func (s *Schema) Counters() []string {
	var names []string
	for _, f := range s.fields {
		if f.Kind == Counter {
			names = append(names, f.Name)
		}
	}
	return names
}

func (s *Schema) Clone() *Schema {
	c := &Schema{
		fields:     make([]Field, len(s.fields)),
		byName:     make(map[string]int, len(s.byName)),
		byShortcut: make(map[rune]string, len(s.byShortcut)),
	}
	copy(c.fields, s.fields)
	for k, v := range s.byName {
		c.byName[k] = v
	}
	for k, v := range s.byShortcut {
		c.byShortcut[k] = v
	}
	return c
}

func normalize(r rune) rune {
	if r == 0 {
		return 0
	}
	return unicode.ToLower(r)
}
