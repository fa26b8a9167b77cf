package resume

import (
	"fmt"
	"strings"

	"github.com/lehigh-university-libraries/speedybat/internal/schema"
)

// Policy selects where a reopened folder starts
type Policy string

const (
	// FirstUnannotatedPolicy starts at the first row with every field at zero
	FirstUnannotatedPolicy Policy = "first-unannotated"
	// AfterLastAnnotatedPolicy starts one past the last row with any value
	AfterLastAnnotatedPolicy Policy = "after-last-annotated"
	// Auto uses AfterLastAnnotated when the schema was read back from an
	// existing file and FirstUnannotated otherwise
	Auto Policy = "auto"
)

// ParsePolicy validates a policy name; empty means Auto
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return Auto, nil
	case FirstUnannotatedPolicy, AfterLastAnnotatedPolicy, Auto:
		return p, nil
	default:
		return "", fmt.Errorf("unknown resume policy %q (expected first-unannotated, after-last-annotated or auto)", s)
	}
}

// FirstUnannotated returns the index of the first unannotated row, or 0
// when every row is annotated. It returns -1 for an empty set.
func FirstUnannotated(rows []schema.Record) int {
	if len(rows) == 0 {
		return -1
	}
	for i, r := range rows {
		if !r.Annotated() {
			return i
		}
	}
	return 0
}

// AfterLastAnnotated returns the index after the last annotated row,
// wrapping to 0 past the end or when nothing is annotated. It returns -1 for
// an empty set.
func AfterLastAnnotated(rows []schema.Record) int {
	if len(rows) == 0 {
		return -1
	}
	last := -1
	for i, r := range rows {
		if r.Annotated() {
			last = i
		}
	}
	next := last + 1
	if next >= len(rows) {
		return 0
	}
	return next
}

// Pick applies policy to rows. adopted reports whether the schema came from
// an existing file's header.
func Pick(policy Policy, rows []schema.Record, adopted bool) int {
	switch policy {
	case AfterLastAnnotatedPolicy:
		return AfterLastAnnotated(rows)
	case FirstUnannotatedPolicy:
		return FirstUnannotated(rows)
	default:
		if adopted {
			return AfterLastAnnotated(rows)
		}
		return FirstUnannotated(rows)
	}
}
