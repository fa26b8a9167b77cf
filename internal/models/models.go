package models

import "time"

// AnnotationSession is the JSON rendering of a session
type AnnotationSession struct {
	ID           string       `json:"id"`
	State        string       `json:"state"`
	Folder       string       `json:"folder,omitempty"`
	Index        int          `json:"index"`
	Total        int          `json:"total"`
	Item         *MediaItem   `json:"item,omitempty"`
	Fields       []FieldValue `json:"fields"`
	Note         string       `json:"note"`
	NotesEnabled bool         `json:"notes_enabled"`
	Focused      bool         `json:"focused"`
	Pending      int          `json:"pending"`
	Flushes      int          `json:"flushes"`
	Saving       bool         `json:"saving"`
	Error        string       `json:"error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// MediaItem represents the image under the cursor
type MediaItem struct {
	Name        string `json:"name"`
	ImageURL    string `json:"image_url"`
	ImageWidth  int    `json:"image_width,omitempty"`
	ImageHeight int    `json:"image_height,omitempty"`
}

// FieldValue is one field of the schema with its value on the current item
type FieldValue struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"` // "flag", "counter"
	Shortcut string `json:"shortcut,omitempty"`
	Value    int    `json:"value"`
}

// KeyResult reports what a key press did
type KeyResult struct {
	Action   string             `json:"action"`
	Field    string             `json:"field,omitempty"`
	Advanced bool               `json:"advanced,omitempty"`
	Session  *AnnotationSession `json:"session"`
}
