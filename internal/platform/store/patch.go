package store

import "encoding/json"

// Patch is a partial update keyed by column. A key that is present is
// written; a nil value writes SQL NULL. Absent keys are left untouched.
type Patch map[string]any

// Set writes v to col.
func (p Patch) Set(col string, v any) Patch {
	p[col] = Normalize(v)
	return p
}

// Null writes SQL NULL to col.
func (p Patch) Null(col string) Patch {
	p[col] = nil
	return p
}

// Has reports whether col is part of the patch.
func (p Patch) Has(col string) bool {
	_, ok := p[col]
	return ok
}

// Apply returns a copy of r with the patch merged in.
func (p Patch) Apply(r Record) Record {
	out := r.Clone()
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

// Optional is a field of a typed partial update. Present distinguishes "leave
// unchanged" from "set", including setting a pointer field to nil.
type Optional[T any] struct {
	Value   T
	Present bool
}

// Some returns a present Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{Value: v, Present: true}
}

// Get returns the value if present, otherwise fallback.
func (o Optional[T]) Get(fallback T) T {
	if o.Present {
		return o.Value
	}
	return fallback
}

// SetIn writes the value into p under col when present.
func (o Optional[T]) SetIn(p Patch, col string) {
	if o.Present {
		p.Set(col, o.Value)
	}
}

// UnmarshalJSON marks the field present whenever the key appears in the
// document, including an explicit null.
func (o *Optional[T]) UnmarshalJSON(b []byte) error {
	o.Present = true
	return json.Unmarshal(b, &o.Value)
}
