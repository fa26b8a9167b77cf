package keys

import (
	"context"
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/lehigh-university-libraries/speedybat/internal/schema"
)

// Escape leaves focus mode
const Escape rune = 0x1b

// Action is what a key press did
type Action string

const (
	Ignored   Action = "ignored"
	Next      Action = "next"
	Prev      Action = "prev"
	Jump      Action = "jump"
	Save      Action = "save"
	Quit      Action = "quit"
	Open      Action = "open"
	Focus     Action = "focus"
	Blur      Action = "blur"
	Increment Action = "increment"
	Decrement Action = "decrement"
	Toggle    Action = "toggle"
)

var ErrBindingConflict = errors.New("key binding conflict")

// Bindings are the command keys. They are matched case-insensitively and
// must not collide with field shortcuts.
type Bindings struct {
	Next  rune
	Prev  rune
	Jump  rune
	Save  rune
	Quit  rune
	Open  rune
	Focus rune
}

var DefaultBindings = Bindings{
	Next:  '.',
	Prev:  ',',
	Jump:  'j',
	Save:  'w',
	Quit:  'q',
	Open:  'o',
	Focus: 't',
}

func (b Bindings) actions() map[rune]Action {
	return map[rune]Action{
		unicode.ToLower(b.Next):  Next,
		unicode.ToLower(b.Prev):  Prev,
		unicode.ToLower(b.Jump):  Jump,
		unicode.ToLower(b.Save):  Save,
		unicode.ToLower(b.Quit):  Quit,
		unicode.ToLower(b.Open):  Open,
		unicode.ToLower(b.Focus): Focus,
	}
}

// Bound reports whether r is one of the command keys
func (b Bindings) Bound(r rune) bool {
	if r == 0 {
		return false
	}
	_, ok := b.actions()[unicode.ToLower(r)]
	return ok
}

// Validate checks the bindings are set, distinct, and clear of the schema's
// shortcuts.
func (b Bindings) Validate(s *schema.Schema) error {
	keys := []rune{b.Next, b.Prev, b.Jump, b.Save, b.Quit, b.Open, b.Focus}
	seen := make(map[rune]bool, len(keys))
	for _, k := range keys {
		if k == 0 {
			return fmt.Errorf("%w: every command needs a key", ErrBindingConflict)
		}
		k = unicode.ToLower(k)
		if seen[k] {
			return fmt.Errorf("%w: %q is bound twice", ErrBindingConflict, k)
		}
		seen[k] = true
		if s == nil {
			continue
		}
		if f, ok := s.ResolveShortcut(k); ok {
			return fmt.Errorf("%w: %q is also the shortcut of %q", ErrBindingConflict, k, f.Name)
		}
	}
	return nil
}

// Target is the session the dispatcher drives
type Target interface {
	ResolveShortcut(r rune) (schema.Field, bool)
	Value(name string) (int, bool)
	Toggle(ctx context.Context, name string) error
	Adjust(ctx context.Context, name string, delta int) error
	Advance(ctx context.Context, delta int) error
	JumpToNextUnannotated(ctx context.Context) error
	ForceFlush(ctx context.Context) error
}

// Result describes a handled key. Quit, Open and Focus are left to the
// caller; the dispatcher only reports them.
type Result struct {
	Action   Action
	Field    string
	Advanced bool
}

// Dispatcher maps single key presses to session operations. Lowercase field
// shortcuts toggle flags and increment counters; uppercase decrements. In
// focus mode every key but Escape is ignored so text can be typed.
type Dispatcher struct {
	target    Target
	actions   map[rune]Action
	advanceOn map[string]bool
	focused   bool
}

// New creates a dispatcher. Setting any flag named in advanceOn moves to
// the next item.
func New(target Target, b Bindings, advanceOn ...string) *Dispatcher {
	d := &Dispatcher{
		target:    target,
		actions:   b.actions(),
		advanceOn: make(map[string]bool, len(advanceOn)),
	}
	for _, name := range advanceOn {
		d.advanceOn[name] = true
	}
	return d
}

func (d *Dispatcher) Focused() bool { return d.focused }

// Blur leaves focus mode
func (d *Dispatcher) Blur() { d.focused = false }

// HandleKey accepts a single character or a browser key name such as
// "ArrowRight".
func (d *Dispatcher) HandleKey(ctx context.Context, key string) (Result, error) {
	switch key {
	case "Escape", "Esc":
		return d.Handle(ctx, Escape)
	case "ArrowRight", "Right":
		if d.focused {
			return Result{Action: Ignored}, nil
		}
		return d.run(ctx, Next)
	case "ArrowLeft", "Left":
		if d.focused {
			return Result{Action: Ignored}, nil
		}
		return d.run(ctx, Prev)
	}

	r, size := utf8.DecodeRuneInString(key)
	if r == utf8.RuneError || size != len(key) {
		return Result{Action: Ignored}, nil
	}
	return d.Handle(ctx, r)
}

// Handle dispatches one key press
func (d *Dispatcher) Handle(ctx context.Context, key rune) (Result, error) {
	if d.focused {
		if key == Escape {
			d.focused = false
			return Result{Action: Blur}, nil
		}
		return Result{Action: Ignored}, nil
	}

	if action, ok := d.actions[unicode.ToLower(key)]; ok {
		return d.run(ctx, action)
	}

	f, ok := d.target.ResolveShortcut(key)
	if !ok {
		return Result{Action: Ignored}, nil
	}

	if f.Kind == schema.Counter {
		if unicode.IsUpper(key) {
			return Result{Action: Decrement, Field: f.Name}, d.target.Adjust(ctx, f.Name, -1)
		}
		return Result{Action: Increment, Field: f.Name}, d.target.Adjust(ctx, f.Name, 1)
	}

	res := Result{Action: Toggle, Field: f.Name}
	if err := d.target.Toggle(ctx, f.Name); err != nil {
		return res, err
	}
	if v, _ := d.target.Value(f.Name); v == 1 && d.advanceOn[f.Name] {
		if err := d.target.Advance(ctx, 1); err != nil {
			return res, err
		}
		res.Advanced = true
	}
	return res, nil
}

func (d *Dispatcher) run(ctx context.Context, action Action) (Result, error) {
	res := Result{Action: action}
	switch action {
	case Next:
		return res, d.target.Advance(ctx, 1)
	case Prev:
		return res, d.target.Advance(ctx, -1)
	case Jump:
		return res, d.target.JumpToNextUnannotated(ctx)
	case Save:
		return res, d.target.ForceFlush(ctx)
	case Focus:
		d.focused = true
	}
	return res, nil
}
