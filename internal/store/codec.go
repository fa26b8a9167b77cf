package store

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// Sheet is the raw tabular content of an annotations file: a header row and
// one string cell per column for every data row.
type Sheet struct {
	Header []string
	Rows   [][]string
}

// Codec reads and writes a Sheet in one file format
type Codec interface {
	Ext() string
	Encode(w io.Writer, sheet *Sheet) error
	Decode(f *os.File) (*Sheet, error)
}

// Supported formats
const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

// CodecFor returns the codec for a format name ("csv" or "parquet")
func CodecFor(format string) (Codec, error) {
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "", FormatCSV:
		return csvCodec{}, nil
	case FormatParquet:
		return parquetCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported store format: %s (supported: csv, parquet)", format)
	}
}

type csvCodec struct{}

func (csvCodec) Ext() string { return ".csv" }

func (csvCodec) Encode(w io.Writer, sheet *Sheet) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(sheet.Header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, row := range sheet.Rows {
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func (csvCodec) Decode(f *os.File) (*Sheet, error) {
	r := csv.NewReader(f)
	// spreadsheet tools drop trailing empty cells
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: file has no header row", ErrMalformed)
	}

	header := records[0]
	if len(header) > 0 {
		// Excel prefixes UTF-8 exports with a byte order mark
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	return &Sheet{Header: header, Rows: records[1:]}, nil
}
