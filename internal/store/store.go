package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/gofrs/flock"
	"github.com/lehigh-university-libraries/speedybat/internal/retry"
	"github.com/lehigh-university-libraries/speedybat/internal/schema"
)

const (
	imageColumn = schema.ImageColumn
	notesColumn = schema.NotesColumn

	// BaseName is the file name (without extension) of every annotations file
	BaseName = "annotations"
)

var (
	ErrUnknownMedia      = errors.New("unknown media item")
	ErrLocked            = errors.New("annotations file is locked")
	ErrPersistenceFailed = errors.New("failed to persist annotations")
	ErrMalformed         = errors.New("malformed annotations file")
	ErrFieldRemoval      = errors.New("field removal is not supported")
	ErrDeclined          = errors.New("overwrite declined")
	ErrReadOnly          = errors.New("store is read-only")
)

// Row is the stored state of one media item
type Row struct {
	Values schema.Record
	Note   string
}

// ConfirmFunc is asked before an existing file is rewritten with a
// different header. Returning false aborts the rewrite.
type ConfirmFunc func(path string, oldHeader, newHeader []string) bool

// Options configures a Store
type Options struct {
	Format   string
	Notes    bool
	ReadOnly bool
	Retry    retry.Policy
	Confirm  ConfirmFunc
}

type locker interface {
	TryLock() (bool, error)
	Unlock() error
}

// Store mirrors the annotations of one media folder in a tabular file. Rows
// are kept in media order and always match the media list one to one.
// A Store is not safe for concurrent use.
type Store struct {
	path  string
	codec Codec
	lock  locker
	opts  Options

	schema *schema.Schema
	names  []string
	index  map[string]int
	rows   []Row

	// columns found on disk that are neither fields nor notes; written back as-is
	extraColumns []string
	extraCells   [][]string

	diskHeader []string
	created    bool
	adopted    bool
	flushes    int
}

// Path returns the annotations file location for a folder and format
func Path(dir, format string) (string, error) {
	codec, err := CodecFor(format)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, BaseName+codec.Ext()), nil
}

// Open loads the annotations file of dir for the given media names. When the
// file does not exist, zero rows are synthesized and written immediately.
// An empty schema adopts its fields from an existing file's header.
func Open(ctx context.Context, dir string, names []string, sch *schema.Schema, opts Options) (*Store, error) {
	codec, err := CodecFor(opts.Format)
	if err != nil {
		return nil, err
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = retry.DefaultPolicy
	}
	if sch == nil {
		sch, _ = schema.New()
	}

	path := filepath.Join(dir, BaseName+codec.Ext())
	s := &Store{
		path:   path,
		codec:  codec,
		lock:   flock.New(path + ".lock"),
		opts:   opts,
		schema: sch.Clone(),
		names:  slices.Clone(names),
		index:  make(map[string]int, len(names)),
	}
	for i, name := range names {
		s.index[name] = i
	}

	sheet, err := s.readSheet()
	switch {
	case err == nil:
		if err := s.load(sheet); err != nil {
			return nil, err
		}
		slog.Info("Annotations loaded", "path", path, "rows", len(s.rows), "fields", s.schema.Len(), "adopted", s.adopted)
		return s, nil
	case errors.Is(err, os.ErrNotExist):
		s.zeroRows()
		if opts.ReadOnly {
			return s, nil
		}
		s.created = true
		if err := s.FlushAll(ctx); err != nil {
			return nil, err
		}
		slog.Info("Annotations file created", "path", path, "rows", len(s.rows))
		return s, nil
	default:
		return nil, err
	}
}

func (s *Store) readSheet() (*Sheet, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if isLockError(err) {
			return nil, fmt.Errorf("%w: %w", ErrLocked, err)
		}
		return nil, fmt.Errorf("failed to open annotations file: %w", err)
	}
	defer f.Close()

	return s.codec.Decode(f)
}

func (s *Store) zeroRows() {
	s.rows = make([]Row, len(s.names))
	s.extraCells = make([][]string, len(s.names))
	for i := range s.rows {
		s.rows[i] = Row{Values: schema.NewRecord(s.schema)}
	}
}

func (s *Store) load(sheet *Sheet) error {
	header := sheet.Header
	if len(header) == 0 || (header[0] != imageColumn && header[0] != "Image") {
		return fmt.Errorf("%w: first column must be %q", ErrMalformed, imageColumn)
	}

	seen := make(map[string]bool, len(header))
	for _, col := range header {
		if seen[col] {
			return fmt.Errorf("%w: duplicate column %q", ErrMalformed, col)
		}
		seen[col] = true
	}

	if s.schema.Len() == 0 {
		s.adoptSchema(sheet)
	}

	fieldCol := make(map[string]int)
	noteCol := -1
	var extraIdx []int
	for j, col := range header[1:] {
		j++
		switch {
		case s.schema.Has(col):
			fieldCol[col] = j
		case col == notesColumn && s.opts.Notes:
			noteCol = j
		default:
			s.extraColumns = append(s.extraColumns, col)
			extraIdx = append(extraIdx, j)
		}
	}

	byName := make(map[string][]string, len(sheet.Rows))
	for _, cells := range sheet.Rows {
		if len(cells) == 0 || cells[0] == "" {
			continue
		}
		if _, dup := byName[cells[0]]; dup {
			slog.Warn("Duplicate annotations row ignored", "path", s.path, "image", cells[0])
			continue
		}
		byName[cells[0]] = cells
	}

	s.zeroRows()
	matched := 0
	for i, name := range s.names {
		cells, ok := byName[name]
		if !ok {
			s.extraCells[i] = make([]string, len(extraIdx))
			continue
		}
		matched++

		for _, f := range s.schema.Fields() {
			j, ok := fieldCol[f.Name]
			if !ok {
				continue
			}
			v, err := decodeCell(f.Kind, cell(cells, j))
			if err != nil {
				return fmt.Errorf("%w: row %q column %q: %w", ErrMalformed, name, f.Name, err)
			}
			s.rows[i].Values[f.Name] = v
		}
		if noteCol >= 0 {
			s.rows[i].Note = cell(cells, noteCol)
		}

		extras := make([]string, len(extraIdx))
		for k, j := range extraIdx {
			extras[k] = cell(cells, j)
		}
		s.extraCells[i] = extras
	}

	if dropped := len(byName) - matched; dropped > 0 {
		slog.Warn("Annotations rows without a media file will be dropped on next save", "path", s.path, "rows", dropped)
	}
	if missing := len(s.names) - matched; missing > 0 {
		slog.Info("New media files added to annotations", "path", s.path, "rows", missing)
	}

	s.diskHeader = slices.Clone(header)
	return nil
}

// adoptSchema builds the field list from the file header, inferring each
// column's kind from its cells. Columns that fit neither kind stay extra.
func (s *Store) adoptSchema(sheet *Sheet) {
	for j, col := range sheet.Header {
		if j == 0 || col == notesColumn {
			continue
		}
		kind, ok := inferKind(sheet.Rows, j)
		if !ok {
			slog.Warn("Column kept as free text", "path", s.path, "column", col)
			continue
		}
		if _, err := s.schema.Define(col, kind, 0); err != nil {
			slog.Warn("Column not adopted as field", "path", s.path, "column", col, "err", err)
			continue
		}
	}
	s.adopted = true
}

func cell(cells []string, j int) string {
	if j < len(cells) {
		return cells[j]
	}
	return ""
}

// ReadRow returns a copy of the stored row for a media item
func (s *Store) ReadRow(name string) (Row, error) {
	i, ok := s.index[name]
	if !ok {
		return Row{}, fmt.Errorf("%w: %q", ErrUnknownMedia, name)
	}
	return Row{Values: s.rows[i].Values.Clone(), Note: s.rows[i].Note}, nil
}

// WriteRow replaces the stored row of one media item in memory. Nothing is
// written to disk until the next flush.
func (s *Store) WriteRow(name string, row Row) error {
	i, ok := s.index[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMedia, name)
	}
	for field, v := range row.Values {
		f, ok := s.schema.Field(field)
		if !ok {
			return fmt.Errorf("%w: %q", schema.ErrUnknownField, field)
		}
		if err := f.Validate(v); err != nil {
			return err
		}
	}

	s.rows[i].Values = row.Values.Conform(s.schema)
	if s.opts.Notes {
		s.rows[i].Note = row.Note
	}
	return nil
}

// Records returns a copy of every row's values in media order
func (s *Store) Records() []schema.Record {
	out := make([]schema.Record, len(s.rows))
	for i, row := range s.rows {
		out[i] = row.Values.Clone()
	}
	return out
}

// Header returns the column names the next flush will write
func (s *Store) Header() []string {
	return s.headerFor(s.schema)
}

func (s *Store) headerFor(sch *schema.Schema) []string {
	header := append([]string{imageColumn}, sch.Names()...)
	if s.opts.Notes {
		header = append(header, notesColumn)
	}
	for _, col := range s.extraColumns {
		if !sch.Has(col) {
			header = append(header, col)
		}
	}
	return header
}

func (s *Store) sheet() *Sheet {
	fields := s.schema.Fields()
	header := s.Header()

	sheet := &Sheet{Header: header, Rows: make([][]string, len(s.rows))}
	for i, row := range s.rows {
		cells := make([]string, 0, len(header))
		cells = append(cells, s.names[i])
		for _, f := range fields {
			cells = append(cells, encodeCell(f.Kind, row.Values[f.Name]))
		}
		if s.opts.Notes {
			cells = append(cells, row.Note)
		}
		for k, col := range s.extraColumns {
			if !s.schema.Has(col) {
				cells = append(cells, cell(s.extraCells[i], k))
			}
		}
		sheet.Rows[i] = cells
	}
	return sheet
}

func (s *Store) Path() string             { return s.path }
func (s *Store) Schema() *schema.Schema   { return s.schema.Clone() }
func (s *Store) Names() []string          { return slices.Clone(s.names) }
func (s *Store) Len() int                 { return len(s.rows) }
func (s *Store) Notes() bool              { return s.opts.Notes }
func (s *Store) Flushes() int             { return s.flushes }
func (s *Store) SetConfirm(c ConfirmFunc) { s.opts.Confirm = c }

// Created reports whether Open synthesized a new file
func (s *Store) Created() bool { return s.created }

// OnDisk reports whether the file exists, either loaded or written since
func (s *Store) OnDisk() bool { return s.diskHeader != nil }

// Adopted reports whether the schema was read from an existing file's header
func (s *Store) Adopted() bool { return s.adopted }
