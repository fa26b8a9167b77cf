package media

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrEmptySet is returned when a folder holds no eligible media files
var ErrEmptySet = errors.New("no media files found")

// DefaultExtensions is the image allow-list used when none is configured
var DefaultExtensions = []string{"png", "jpg", "jpeg", "gif"}

// Item is one media file in a loaded folder
type Item struct {
	Name    string
	Ordinal int
}

// Loader enumerates media files in a directory
type Loader struct {
	extensions map[string]bool
}

// NewLoader creates a loader for the given extensions (with or without the
// leading dot, any case). An empty list falls back to DefaultExtensions.
func NewLoader(extensions ...string) *Loader {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	l := &Loader{extensions: make(map[string]bool, len(extensions))}
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			l.extensions[ext] = true
		}
	}
	return l
}

// Eligible reports whether name has an allowed extension
func (l *Loader) Eligible(name string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	return l.extensions[ext]
}

// Load returns the eligible files of dir in filename order. os.ReadDir sorts
// entries, so an unchanged directory always yields the same sequence.
func (l *Loader) Load(dir string) ([]Item, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read media folder: %w", err)
	}

	var items []Item
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if !l.Eligible(name) {
			continue
		}
		items = append(items, Item{Name: name, Ordinal: len(items)})
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrEmptySet, dir)
	}

	slog.Debug("Media folder loaded", "dir", dir, "items", len(items))
	return items, nil
}

// Names returns the item identifiers in order
func Names(items []Item) []string {
	names := make([]string, len(items))
	for i, item := range items {
		names[i] = item.Name
	}
	return names
}
