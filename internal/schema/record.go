package schema

// Record holds the field values of one media item.
// Flags are 0 (absent) or 1 (present); counters are non-negative.
type Record map[string]int

// NewRecord returns a record with every field of s at its zero value
func NewRecord(s *Schema) Record {
	r := make(Record, s.Len())
	for _, f := range s.fields {
		r[f.Name] = 0
	}
	return r
}

// Annotated reports whether any field holds a non-zero value.
func (r Record) Annotated() bool {
	for _, v := range r {
		if v != 0 {
			return true
		}
	}
	return false
}

func (r Record) Clone() Record {
	c := make(Record, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// Conform returns a copy of r restricted to the fields of s, zero-filling
// any field r does not carry.
func (r Record) Conform(s *Schema) Record {
	c := NewRecord(s)
	for name := range c {
		if v, ok := r[name]; ok {
			c[name] = v
		}
	}
	return c
}
