package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"unicode/utf8"

	"github.com/lehigh-university-libraries/speedybat/internal/keys"
	"github.com/lehigh-university-libraries/speedybat/internal/media"
	"github.com/lehigh-university-libraries/speedybat/internal/resume"
	"github.com/lehigh-university-libraries/speedybat/internal/retry"
	"github.com/lehigh-university-libraries/speedybat/internal/schema"
	"github.com/lehigh-university-libraries/speedybat/internal/session"
	"github.com/lehigh-university-libraries/speedybat/internal/store"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no config path is given and the file exists
const DefaultPath = "speedybat.yaml"

// FieldConfig declares one annotation field
type FieldConfig struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Shortcut string `yaml:"shortcut"`
	// Advance moves to the next item when the flag is set
	Advance bool `yaml:"advance,omitempty"`
}

type FlushConfig struct {
	Mode      string       `yaml:"mode"`
	Threshold int          `yaml:"threshold"`
	Retry     retry.Policy `yaml:"retry"`
}

type CompanionConfig struct {
	Prefix    int    `yaml:"prefix"`
	Extension string `yaml:"extension"`
}

type KeyConfig struct {
	Next  string `yaml:"next"`
	Prev  string `yaml:"prev"`
	Jump  string `yaml:"jump"`
	Save  string `yaml:"save"`
	Quit  string `yaml:"quit"`
	Open  string `yaml:"open"`
	Focus string `yaml:"focus"`
}

// Config is the contents of speedybat.yaml
type Config struct {
	Fields []FieldConfig `yaml:"fields"`
	// Adopt ignores Fields and reads the field list from an existing
	// annotations file. Shortcuts binds keys to the adopted fields.
	Adopt      bool              `yaml:"adopt"`
	Shortcuts  map[string]string `yaml:"shortcuts,omitempty"`
	Presence   string            `yaml:"presence"`
	Notes      bool              `yaml:"notes"`
	Extensions []string          `yaml:"extensions"`
	Format     string            `yaml:"format"`
	Resume     string            `yaml:"resume"`
	Flush      FlushConfig       `yaml:"flush"`
	Companion  CompanionConfig   `yaml:"companion"`
	Keys       KeyConfig         `yaml:"keys"`
}

// Default returns the bat call configuration
func Default() *Config {
	return &Config{
		Fields: []FieldConfig{
			{Name: "Social Call", Kind: "counter", Shortcut: "s"},
			{Name: "Feeding Buzz", Kind: "counter", Shortcut: "f"},
			{Name: "None", Kind: "flag", Shortcut: "n", Advance: true},
			{Name: "Bat", Kind: "flag", Shortcut: "b"},
		},
		Presence:   "Bat",
		Notes:      true,
		Extensions: media.DefaultExtensions,
		Format:     store.FormatCSV,
		Resume:     string(resume.Auto),
		Flush: FlushConfig{
			Mode:      string(session.Debounced),
			Threshold: session.DefaultThreshold,
			Retry:     retry.DefaultPolicy,
		},
		Companion: CompanionConfig{
			Prefix:    media.DefaultCompanion.PrefixLen,
			Extension: media.DefaultCompanion.Extension,
		},
		Keys: KeyConfig{
			Next:  string(keys.DefaultBindings.Next),
			Prev:  string(keys.DefaultBindings.Prev),
			Jump:  string(keys.DefaultBindings.Jump),
			Save:  string(keys.DefaultBindings.Save),
			Quit:  string(keys.DefaultBindings.Quit),
			Open:  string(keys.DefaultBindings.Open),
			Focus: string(keys.DefaultBindings.Focus),
		},
	}
}

// Load reads the config file at path over the defaults, then applies
// environment overrides. An empty path falls back to SPEEDYBAT_CONFIG and
// then to speedybat.yaml in the working directory; a missing default file
// is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = os.Getenv("SPEEDYBAT_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		slog.Debug("Loaded config", "path", path)
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("SPEEDYBAT_FLUSH_MODE"); v != "" {
		c.Flush.Mode = v
	}
	if v := os.Getenv("SPEEDYBAT_FORMAT"); v != "" {
		c.Format = v
	}
	if v := os.Getenv("SPEEDYBAT_RESUME"); v != "" {
		c.Resume = v
	}
	if v := os.Getenv("SPEEDYBAT_NOTES"); v != "" {
		notes, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid SPEEDYBAT_NOTES %q: %w", v, err)
		}
		c.Notes = notes
	}
	return nil
}

// Validate checks every setting can be turned into session options
func (c *Config) Validate() error {
	if _, err := c.SessionOptions(); err != nil {
		return err
	}
	return nil
}

func parseKey(setting, s string) (rune, error) {
	if s == "" {
		return 0, nil
	}
	r, size := utf8.DecodeRuneInString(s)
	if size != len(s) {
		return 0, fmt.Errorf("%s: %q must be a single character", setting, s)
	}
	return r, nil
}

// Schema builds the configured field set. It is empty when Adopt is set.
func (c *Config) Schema() (*schema.Schema, error) {
	s, _ := schema.New()
	if c.Adopt {
		return s, nil
	}
	for _, fc := range c.Fields {
		kind, err := schema.ParseKind(fc.Kind)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", fc.Name, err)
		}
		r, err := parseKey("field "+fc.Name, fc.Shortcut)
		if err != nil {
			return nil, err
		}
		if _, err := s.Define(fc.Name, kind, r); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Bindings returns the command keys
func (c *Config) Bindings() (keys.Bindings, error) {
	var b keys.Bindings
	targets := []struct {
		name string
		val  string
		dst  *rune
	}{
		{"keys.next", c.Keys.Next, &b.Next},
		{"keys.prev", c.Keys.Prev, &b.Prev},
		{"keys.jump", c.Keys.Jump, &b.Jump},
		{"keys.save", c.Keys.Save, &b.Save},
		{"keys.quit", c.Keys.Quit, &b.Quit},
		{"keys.open", c.Keys.Open, &b.Open},
		{"keys.focus", c.Keys.Focus, &b.Focus},
	}
	for _, t := range targets {
		r, err := parseKey(t.name, t.val)
		if err != nil {
			return b, err
		}
		*t.dst = r
	}
	return b, nil
}

// AdvanceFields names the flags that move to the next item when set
func (c *Config) AdvanceFields() []string {
	var out []string
	for _, fc := range c.Fields {
		if fc.Advance {
			out = append(out, fc.Name)
		}
	}
	return out
}

// SessionOptions translates the config into session options
func (c *Config) SessionOptions() (session.Options, error) {
	sch, err := c.Schema()
	if err != nil {
		return session.Options{}, err
	}
	bindings, err := c.Bindings()
	if err != nil {
		return session.Options{}, err
	}
	if err := bindings.Validate(sch); err != nil {
		return session.Options{}, err
	}

	mode, err := session.ParseMode(c.Flush.Mode)
	if err != nil {
		return session.Options{}, err
	}
	policy, err := resume.ParsePolicy(c.Resume)
	if err != nil {
		return session.Options{}, err
	}
	if _, err := store.CodecFor(c.Format); err != nil {
		return session.Options{}, err
	}
	if c.Flush.Threshold < 0 {
		return session.Options{}, fmt.Errorf("flush.threshold must not be negative, got %d", c.Flush.Threshold)
	}

	if c.Presence != "" && !c.Adopt {
		f, ok := sch.Field(c.Presence)
		if !ok || f.Kind != schema.Flag {
			return session.Options{}, fmt.Errorf("presence field %q must be a configured flag", c.Presence)
		}
	}

	shortcuts := make(map[string]rune, len(c.Shortcuts))
	for name, key := range c.Shortcuts {
		r, err := parseKey("shortcuts."+name, key)
		if err != nil {
			return session.Options{}, err
		}
		shortcuts[name] = r
	}

	return session.Options{
		Extensions: c.Extensions,
		Schema:     sch,
		Bindings:   shortcuts,
		Store: store.Options{
			Format: c.Format,
			Notes:  c.Notes,
			Retry:  c.Flush.Retry,
		},
		Mode:      mode,
		Threshold: c.Flush.Threshold,
		Presence:  c.Presence,
		Resume:    policy,
		Companion: media.Companion{
			PrefixLen: c.Companion.Prefix,
			Extension: c.Companion.Extension,
		},
	}, nil
}
