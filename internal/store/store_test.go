package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/lehigh-university-libraries/speedybat/internal/retry"
	"github.com/lehigh-university-libraries/speedybat/internal/schema"
)

var testNames = []string{"IMG_0001.jpg", "IMG_0002.jpg", "IMG_0003.jpg", "IMG_0004.jpg"}

func batSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.New(
		schema.Field{Name: "Social Call", Kind: schema.Counter, Shortcut: 's'},
		schema.Field{Name: "Feeding Buzz", Kind: schema.Counter, Shortcut: 'f'},
		schema.Field{Name: "None", Kind: schema.Flag, Shortcut: 'n'},
		schema.Field{Name: "Bat", Kind: schema.Flag, Shortcut: 'b'},
	)
	if err != nil {
		t.Fatalf("Failed to build schema: %v", err)
	}
	return s
}

func fastRetry() retry.Policy {
	return retry.Policy{Attempts: 3, Delay: time.Millisecond, Multiplier: 2}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	return string(data)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

// flakyLock reports the lock as held for the first n attempts
type flakyLock struct {
	failures int
	attempts int
}

func (l *flakyLock) TryLock() (bool, error) {
	l.attempts++
	return l.attempts > l.failures, nil
}

func (l *flakyLock) Unlock() error { return nil }

func TestOpenCreatesFile(t *testing.T) {
	tests := []struct {
		name     string
		notes    bool
		expected []string
	}{
		{
			name:     "without notes",
			expected: []string{"Image Name", "Social Call", "Feeding Buzz", "None", "Bat"},
		},
		{
			name:     "with notes",
			notes:    true,
			expected: []string{"Image Name", "Social Call", "Feeding Buzz", "None", "Bat", "Notes"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			s, err := Open(context.Background(), dir, testNames, batSchema(t), Options{Notes: tt.notes, Retry: fastRetry()})
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if !s.Created() {
				t.Error("Expected store to report a created file")
			}

			if !slices.Equal(s.Header(), tt.expected) {
				t.Errorf("Expected header %v, got %v", tt.expected, s.Header())
			}

			f, err := os.Open(filepath.Join(dir, "annotations.csv"))
			if err != nil {
				t.Fatalf("Expected annotations.csv to exist: %v", err)
			}
			defer f.Close()
			sheet, err := csvCodec{}.Decode(f)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if !slices.Equal(sheet.Header, tt.expected) {
				t.Errorf("Expected file header %v, got %v", tt.expected, sheet.Header)
			}
			if len(sheet.Rows) != len(testNames) {
				t.Fatalf("Expected %d rows, got %d", len(testNames), len(sheet.Rows))
			}
			for i, row := range sheet.Rows {
				if row[0] != testNames[i] {
					t.Errorf("Expected row %d to be %s, got %s", i, testNames[i], row[0])
				}
				if row[1] != "0" || row[3] != "" {
					t.Errorf("Expected zero row, got %v", row)
				}
			}
		})
	}
}

func TestOpenExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "annotations.csv")
	writeFile(t, path, "\ufeffImage Name,Bat,Social Call,Observer\n"+
		"IMG_0001.jpg,x,2,ana\n"+
		"IMG_0003.jpg,,3.0,ben\n"+
		"IMG_0099.jpg,x,9,gone\n")

	s, err := Open(context.Background(), dir, testNames, batSchema(t), Options{Retry: fastRetry()})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if s.Created() || s.Adopted() {
		t.Error("Expected existing file to be loaded without adoption")
	}
	if s.Len() != len(testNames) {
		t.Fatalf("Expected %d rows, got %d", len(testNames), s.Len())
	}

	row, err := s.ReadRow("IMG_0001.jpg")
	if err != nil {
		t.Fatalf("ReadRow failed: %v", err)
	}
	if row.Values["Bat"] != 1 || row.Values["Social Call"] != 2 || row.Values["Feeding Buzz"] != 0 {
		t.Errorf("Unexpected values for IMG_0001.jpg: %v", row.Values)
	}

	row, _ = s.ReadRow("IMG_0003.jpg")
	if row.Values["Social Call"] != 3 || row.Values["Bat"] != 0 {
		t.Errorf("Unexpected values for IMG_0003.jpg: %v", row.Values)
	}

	row, _ = s.ReadRow("IMG_0002.jpg")
	if row.Values.Annotated() {
		t.Errorf("Expected new media file to get a zero row, got %v", row.Values)
	}

	if err := s.FlushAll(context.Background()); err != nil {
		t.Fatalf("FlushAll failed: %v", err)
	}
	expected := "Image Name,Social Call,Feeding Buzz,None,Bat,Observer\n" +
		"IMG_0001.jpg,2,0,,x,ana\n" +
		"IMG_0002.jpg,0,0,,,\n" +
		"IMG_0003.jpg,3,0,,,ben\n" +
		"IMG_0004.jpg,0,0,,,\n"
	if got := readFile(t, path); got != expected {
		t.Errorf("Expected rewritten file:\n%s\nGot:\n%s", expected, got)
	}
}

func TestOpenMalformed(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "bad counter", content: "Image Name,Social Call\nIMG_0001.jpg,many\n"},
		{name: "negative counter", content: "Image Name,Social Call\nIMG_0001.jpg,-2\n"},
		{name: "bad flag", content: "Image Name,Bat\nIMG_0001.jpg,maybe\n"},
		{name: "wrong first column", content: "File,Bat\nIMG_0001.jpg,x\n"},
		{name: "duplicate column", content: "Image Name,Bat,Bat\nIMG_0001.jpg,x,x\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, "annotations.csv"), tt.content)

			_, err := Open(context.Background(), dir, testNames, batSchema(t), Options{Retry: fastRetry()})
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestAdoptSchemaFromHeader(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "annotations.csv"), "Image,Pipistrelle,Passes,Comment\n"+
		"IMG_0001.jpg,x,,windy\n"+
		"IMG_0002.jpg,,4,\n")

	s, err := Open(context.Background(), dir, testNames, nil, Options{Retry: fastRetry()})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !s.Adopted() {
		t.Fatal("Expected schema to be adopted from the header")
	}

	sch := s.Schema()
	if !slices.Equal(sch.Names(), []string{"Pipistrelle", "Passes"}) {
		t.Fatalf("Unexpected adopted fields: %v", sch.Names())
	}
	if f, _ := sch.Field("Pipistrelle"); f.Kind != schema.Flag {
		t.Errorf("Expected Pipistrelle to be a flag, got %v", f.Kind)
	}
	if f, _ := sch.Field("Passes"); f.Kind != schema.Counter {
		t.Errorf("Expected Passes to be a counter, got %v", f.Kind)
	}

	header := s.Header()
	if header[len(header)-1] != "Comment" {
		t.Errorf("Expected free text column to be carried, got %v", header)
	}
}

func TestReadWriteRow(t *testing.T) {
	s, err := Open(context.Background(), t.TempDir(), testNames, batSchema(t), Options{Notes: true, Retry: fastRetry()})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if _, err := s.ReadRow("IMG_9999.jpg"); !errors.Is(err, ErrUnknownMedia) {
		t.Errorf("Expected ErrUnknownMedia, got %v", err)
	}
	if err := s.WriteRow("IMG_9999.jpg", Row{}); !errors.Is(err, ErrUnknownMedia) {
		t.Errorf("Expected ErrUnknownMedia, got %v", err)
	}
	if err := s.WriteRow("IMG_0001.jpg", Row{Values: schema.Record{"Moth": 1}}); !errors.Is(err, schema.ErrUnknownField) {
		t.Errorf("Expected ErrUnknownField, got %v", err)
	}
	if err := s.WriteRow("IMG_0001.jpg", Row{Values: schema.Record{"Bat": 3}}); !errors.Is(err, schema.ErrInvalidValue) {
		t.Errorf("Expected ErrInvalidValue, got %v", err)
	}

	if err := s.WriteRow("IMG_0002.jpg", Row{Values: schema.Record{"Social Call": 5}, Note: "two bats"}); err != nil {
		t.Fatalf("WriteRow failed: %v", err)
	}
	row, err := s.ReadRow("IMG_0002.jpg")
	if err != nil {
		t.Fatalf("ReadRow failed: %v", err)
	}
	if row.Values["Social Call"] != 5 || row.Values["Bat"] != 0 || row.Note != "two bats" {
		t.Errorf("Unexpected row: %+v", row)
	}

	row.Values["Social Call"] = 0
	again, _ := s.ReadRow("IMG_0002.jpg")
	if again.Values["Social Call"] != 5 {
		t.Error("Expected ReadRow to return a copy")
	}

	if !slices.Equal(s.Names(), testNames) || s.Len() != len(testNames) {
		t.Error("Expected WriteRow not to reorder or duplicate rows")
	}
}

func TestFlushIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(context.Background(), dir, testNames, batSchema(t), Options{Notes: true, Retry: fastRetry()})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.WriteRow("IMG_0003.jpg", Row{Values: schema.Record{"Bat": 1, "Feeding Buzz": 2}, Note: "comma, \"quoted\""}); err != nil {
		t.Fatalf("WriteRow failed: %v", err)
	}

	if err := s.FlushAll(context.Background()); err != nil {
		t.Fatalf("First flush failed: %v", err)
	}
	first := readFile(t, s.Path())

	if err := s.FlushAll(context.Background()); err != nil {
		t.Fatalf("Second flush failed: %v", err)
	}
	second := readFile(t, s.Path())

	if first != second {
		t.Errorf("Expected identical output, got:\n%s\nthen:\n%s", first, second)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("Temp file left behind: %s", e.Name())
		}
	}
}

func TestFlushRetriesLockedFile(t *testing.T) {
	s, err := Open(context.Background(), t.TempDir(), testNames, batSchema(t), Options{Retry: fastRetry()})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.WriteRow("IMG_0001.jpg", Row{Values: schema.Record{"Social Call": 1, "Bat": 1}}); err != nil {
		t.Fatalf("WriteRow failed: %v", err)
	}
	before := s.Records()
	flushes := s.Flushes()

	lock := &flakyLock{failures: 2}
	s.lock = lock

	if err := s.FlushAll(context.Background()); err != nil {
		t.Fatalf("Expected flush to succeed on third attempt, got %v", err)
	}
	if lock.attempts != 3 {
		t.Errorf("Expected 3 lock attempts, got %d", lock.attempts)
	}
	if s.Flushes() != flushes+1 {
		t.Errorf("Expected exactly one completed flush, got %d", s.Flushes()-flushes)
	}
	for i, rec := range s.Records() {
		for k, v := range before[i] {
			if rec[k] != v {
				t.Errorf("Row %d field %s changed from %d to %d", i, k, v, rec[k])
			}
		}
	}
	if got := readFile(t, s.Path()); !strings.Contains(got, "IMG_0001.jpg,1,0,,x") {
		t.Errorf("Expected pending change on disk, got:\n%s", got)
	}
}

func TestFlushExhaustsRetries(t *testing.T) {
	s, err := Open(context.Background(), t.TempDir(), testNames, batSchema(t), Options{Retry: fastRetry()})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.WriteRow("IMG_0004.jpg", Row{Values: schema.Record{"None": 1}}); err != nil {
		t.Fatalf("WriteRow failed: %v", err)
	}

	lock := &flakyLock{failures: 100}
	s.lock = lock

	err = s.FlushAll(context.Background())
	if !errors.Is(err, ErrPersistenceFailed) || !errors.Is(err, ErrLocked) {
		t.Fatalf("Expected ErrPersistenceFailed caused by ErrLocked, got %v", err)
	}
	if lock.attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", lock.attempts)
	}

	row, _ := s.ReadRow("IMG_0004.jpg")
	if row.Values["None"] != 1 {
		t.Error("Expected pending change to survive a failed flush")
	}

	if err := s.TryFlush(); !IsLocked(err) {
		t.Errorf("Expected TryFlush to report ErrLocked, got %v", err)
	}
}

func TestRebuildSchema(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(context.Background(), dir, testNames, batSchema(t), Options{Retry: fastRetry()})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.WriteRow("IMG_0002.jpg", Row{Values: schema.Record{"Feeding Buzz": 4, "Bat": 1}}); err != nil {
		t.Fatalf("WriteRow failed: %v", err)
	}
	if err := s.FlushAll(context.Background()); err != nil {
		t.Fatalf("FlushAll failed: %v", err)
	}
	original := readFile(t, s.Path())

	next := s.Schema()
	if _, err := next.Define("Moth", schema.Flag, 'm'); err != nil {
		t.Fatalf("Define failed: %v", err)
	}

	asked := 0
	s.SetConfirm(func(path string, oldHeader, newHeader []string) bool {
		asked++
		return false
	})
	if err := s.RebuildSchema(context.Background(), next); !errors.Is(err, ErrDeclined) {
		t.Fatalf("Expected ErrDeclined, got %v", err)
	}
	if asked != 1 {
		t.Errorf("Expected confirmation to be asked once, got %d", asked)
	}
	if readFile(t, s.Path()) != original {
		t.Error("Expected declined rebuild to leave the file untouched")
	}
	if s.Schema().Has("Moth") {
		t.Error("Expected declined rebuild to keep the old schema")
	}

	s.SetConfirm(func(string, []string, []string) bool { return true })
	if err := s.RebuildSchema(context.Background(), next); err != nil {
		t.Fatalf("RebuildSchema failed: %v", err)
	}

	expectedHeader := []string{"Image Name", "Social Call", "Feeding Buzz", "None", "Bat", "Moth"}
	if !slices.Equal(s.Header(), expectedHeader) {
		t.Errorf("Expected header %v, got %v", expectedHeader, s.Header())
	}
	row, _ := s.ReadRow("IMG_0002.jpg")
	if row.Values["Feeding Buzz"] != 4 || row.Values["Bat"] != 1 || row.Values["Moth"] != 0 {
		t.Errorf("Expected values mapped forward, got %v", row.Values)
	}
	if got := readFile(t, s.Path()); !strings.Contains(got, "IMG_0002.jpg,0,4,,x,\n") {
		t.Errorf("Expected rebuilt file to carry values, got:\n%s", got)
	}
}

func TestRebuildPromotesCarriedColumn(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "annotations.csv"), "Image Name,Social Call,Feeding Buzz,None,Bat,Moth\n"+
		"IMG_0001.jpg,0,0,,,x\n")

	s, err := Open(context.Background(), dir, testNames, batSchema(t), Options{Retry: fastRetry()})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	next := s.Schema()
	if _, err := next.Define("Moth", schema.Flag, 'm'); err != nil {
		t.Fatalf("Define failed: %v", err)
	}
	if err := s.RebuildSchema(context.Background(), next); err != nil {
		t.Fatalf("RebuildSchema failed: %v", err)
	}

	row, _ := s.ReadRow("IMG_0001.jpg")
	if row.Values["Moth"] != 1 {
		t.Errorf("Expected carried Moth column to populate the new field, got %v", row.Values)
	}
	if header := s.Header(); header[len(header)-1] != "Moth" || len(header) != 6 {
		t.Errorf("Expected Moth to appear once, got %v", header)
	}
}

func TestRebuildRejectsFieldRemoval(t *testing.T) {
	s, err := Open(context.Background(), t.TempDir(), testNames, batSchema(t), Options{Retry: fastRetry()})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	smaller, _ := schema.New(schema.Field{Name: "Bat", Kind: schema.Flag})
	if err := s.RebuildSchema(context.Background(), smaller); !errors.Is(err, ErrFieldRemoval) {
		t.Errorf("Expected ErrFieldRemoval, got %v", err)
	}
}

func TestReadOnlyDoesNotWrite(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(context.Background(), dir, testNames, batSchema(t), Options{ReadOnly: true})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "annotations.csv")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected no file to be created, got %v", err)
	}
	if err := s.TryFlush(); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Expected ErrReadOnly, got %v", err)
	}
}

func TestParquetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Format: FormatParquet, Notes: true, Retry: fastRetry()}

	s, err := Open(context.Background(), dir, testNames, batSchema(t), opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if filepath.Base(s.Path()) != "annotations.parquet" {
		t.Errorf("Unexpected path %s", s.Path())
	}
	if err := s.WriteRow("IMG_0004.jpg", Row{Values: schema.Record{"Social Call": 7, "Bat": 1}, Note: "loud"}); err != nil {
		t.Fatalf("WriteRow failed: %v", err)
	}
	if err := s.FlushAll(context.Background()); err != nil {
		t.Fatalf("FlushAll failed: %v", err)
	}

	reopened, err := Open(context.Background(), dir, testNames, batSchema(t), opts)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if !slices.Equal(reopened.Header(), s.Header()) {
		t.Errorf("Expected header %v, got %v", s.Header(), reopened.Header())
	}
	row, _ := reopened.ReadRow("IMG_0004.jpg")
	if row.Values["Social Call"] != 7 || row.Values["Bat"] != 1 || row.Note != "loud" {
		t.Errorf("Unexpected row after reload: %+v", row)
	}
}

func TestConvert(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(context.Background(), dir, testNames, batSchema(t), Options{Retry: fastRetry()})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.WriteRow("IMG_0001.jpg", Row{Values: schema.Record{"Feeding Buzz": 2}}); err != nil {
		t.Fatalf("WriteRow failed: %v", err)
	}
	if err := s.FlushAll(context.Background()); err != nil {
		t.Fatalf("FlushAll failed: %v", err)
	}

	path, err := Convert(dir, FormatCSV, FormatParquet, false)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if filepath.Base(path) != "annotations.parquet" {
		t.Errorf("Unexpected target %s", path)
	}
	if _, err := Convert(dir, FormatCSV, FormatParquet, false); err == nil {
		t.Error("Expected Convert to refuse overwriting without force")
	}

	p, err := Open(context.Background(), dir, testNames, batSchema(t), Options{Format: FormatParquet, ReadOnly: true})
	if err != nil {
		t.Fatalf("Open parquet failed: %v", err)
	}
	row, _ := p.ReadRow("IMG_0001.jpg")
	if row.Values["Feeding Buzz"] != 2 {
		t.Errorf("Expected converted value 2, got %v", row.Values)
	}
}

func TestDecodeCell(t *testing.T) {
	tests := []struct {
		kind    schema.Kind
		raw     string
		want    int
		wantErr bool
	}{
		{schema.Flag, "x", 1, false},
		{schema.Flag, " X ", 1, false},
		{schema.Flag, "", 0, false},
		{schema.Flag, "nan", 0, false},
		{schema.Flag, "maybe", 0, true},
		{schema.Counter, "12", 12, false},
		{schema.Counter, "3.0", 3, false},
		{schema.Counter, "", 0, false},
		{schema.Counter, "2.5", 0, true},
		{schema.Counter, "-1", 0, true},
	}

	for _, tt := range tests {
		got, err := decodeCell(tt.kind, tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("decodeCell(%v, %q): unexpected error state %v", tt.kind, tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("decodeCell(%v, %q): expected %d, got %d", tt.kind, tt.raw, tt.want, got)
		}
	}
}
