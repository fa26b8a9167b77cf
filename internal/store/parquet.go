package store

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/parquet-go/parquet-go"
)

// parquetRow stores one annotations row. Parquet groups are ordered by
// name, so the column order travels with every row instead of the schema.
type parquetRow struct {
	ImageName string   `parquet:"image_name"`
	Columns   []string `parquet:"columns,list"`
	Cells     []string `parquet:"cells,list"`
}

type parquetCodec struct{}

func (parquetCodec) Ext() string { return ".parquet" }

func (parquetCodec) Encode(w io.Writer, sheet *Sheet) error {
	if len(sheet.Header) == 0 {
		return fmt.Errorf("cannot encode a sheet without a header")
	}
	columns := sheet.Header[1:]

	rows := make([]parquetRow, len(sheet.Rows))
	for i, cells := range sheet.Rows {
		row := parquetRow{
			Columns: columns,
			Cells:   make([]string, len(columns)),
		}
		if len(cells) > 0 {
			row.ImageName = cells[0]
			copy(row.Cells, cells[1:])
		}
		rows[i] = row
	}

	writer := parquet.NewGenericWriter[parquetRow](w)
	if _, err := writer.Write(rows); err != nil {
		return fmt.Errorf("failed to write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return nil
}

func (parquetCodec) Decode(f *os.File) (*Sheet, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	slog.Debug("Parquet annotations opened", "path", f.Name(), "num_rows", pf.NumRows())

	reader := parquet.NewGenericReader[parquetRow](pf)
	defer reader.Close()

	sheet := &Sheet{}
	batch := make([]parquetRow, 128)
	for {
		n, err := reader.Read(batch)
		for _, row := range batch[:n] {
			if sheet.Header == nil {
				sheet.Header = append([]string{imageColumn}, row.Columns...)
			}
			// the reader reuses slice storage between batches
			cells := make([]string, 0, len(row.Cells)+1)
			cells = append(cells, row.ImageName)
			cells = append(cells, row.Cells...)
			sheet.Rows = append(sheet.Rows, cells)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to read parquet rows: %w", err)
		}
	}

	if sheet.Header == nil {
		return nil, fmt.Errorf("%w: parquet file has no rows", ErrMalformed)
	}
	return sheet, nil
}
