package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/lehigh-university-libraries/speedybat/internal/schema"
)

// RebuildSchema switches the store to next, which must keep every current
// field. Values move across by name, new fields start at zero unless a
// carried column of the same name already holds data, and the file is
// rewritten. When the file on disk has a different header the Confirm
// callback decides whether it may be overwritten; a refusal returns
// ErrDeclined and leaves both the store and the file untouched.
//
// If the rewrite itself fails the new schema stays in effect in memory and
// the error wraps ErrPersistenceFailed; the next flush writes it.
func (s *Store) RebuildSchema(ctx context.Context, next *schema.Schema) error {
	for _, name := range s.schema.Names() {
		if !next.Has(name) {
			return fmt.Errorf("%w: %q would be dropped", ErrFieldRemoval, name)
		}
	}
	if s.opts.ReadOnly {
		return ErrReadOnly
	}

	newHeader := s.headerFor(next)
	if s.diskHeader != nil && !slices.Equal(s.diskHeader, newHeader) && s.opts.Confirm != nil {
		if !s.opts.Confirm(s.path, slices.Clone(s.diskHeader), newHeader) {
			slog.Info("Schema rebuild declined", "path", s.path)
			return fmt.Errorf("%w: %s", ErrDeclined, s.path)
		}
	}

	rows := make([]Row, len(s.rows))
	for i, row := range s.rows {
		rows[i] = Row{Values: row.Values.Conform(next), Note: row.Note}
	}

	var keptColumns []string
	var keptIdx []int
	for k, col := range s.extraColumns {
		f, ok := next.Field(col)
		if !ok {
			keptColumns = append(keptColumns, col)
			keptIdx = append(keptIdx, k)
			continue
		}
		for i := range rows {
			v, err := decodeCell(f.Kind, cell(s.extraCells[i], k))
			if err != nil {
				return fmt.Errorf("%w: row %q column %q: %w", ErrMalformed, s.names[i], col, err)
			}
			rows[i].Values[col] = v
		}
	}

	extraCells := make([][]string, len(rows))
	for i := range rows {
		kept := make([]string, len(keptIdx))
		for n, k := range keptIdx {
			kept[n] = cell(s.extraCells[i], k)
		}
		extraCells[i] = kept
	}

	s.schema = next.Clone()
	s.rows = rows
	s.extraColumns = keptColumns
	s.extraCells = extraCells

	slog.Info("Annotations schema rebuilt", "path", s.path, "fields", s.schema.Names())
	return s.FlushAll(ctx)
}
