package store

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/lehigh-university-libraries/speedybat/internal/schema"
)

const flagMark = "x"

func encodeCell(kind schema.Kind, v int) string {
	if kind == schema.Flag {
		if v != 0 {
			return flagMark
		}
		return ""
	}
	return strconv.Itoa(v)
}

// decodeCell coerces a stored cell to the field kind. Empty cells and the
// "nan" pandas writes for blanks are zero.
func decodeCell(kind schema.Kind, raw string) (int, error) {
	s := strings.ToLower(strings.TrimSpace(raw))

	if kind == schema.Flag {
		switch s {
		case "", "nan", "0", "false", "no":
			return 0, nil
		case flagMark, "1", "true", "yes":
			return 1, nil
		default:
			return 0, fmt.Errorf("flag cell %q is neither %q nor empty", raw, flagMark)
		}
	}

	if s == "" || s == "nan" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		// spreadsheet round trips turn 3 into 3.0
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("counter cell %q is not an integer", raw)
		}
		n = int(f)
	}
	if n < 0 {
		return 0, fmt.Errorf("counter cell %q is negative", raw)
	}
	return n, nil
}

// inferKind guesses the kind of column j. A column holding "x" marks is a
// flag, one holding only integers is a counter, and an empty column is a
// flag (a checkbox nobody has ticked yet).
func inferKind(rows [][]string, j int) (schema.Kind, bool) {
	sawMark, sawNumber := false, false
	for _, cells := range rows {
		s := strings.ToLower(strings.TrimSpace(cell(cells, j)))
		switch {
		case s == "" || s == "nan":
		case s == flagMark:
			sawMark = true
		default:
			if _, err := decodeCell(schema.Counter, s); err != nil {
				return 0, false
			}
			sawNumber = true
		}
	}

	switch {
	case sawMark && sawNumber:
		return 0, false
	case sawNumber:
		return schema.Counter, true
	default:
		return schema.Flag, true
	}
}
