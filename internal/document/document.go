package document

import (
	"encoding/json"
	"slices"
)

// Document is a top-level snapshot: field name to value. A nil Document is the
// empty snapshot used for the old state of a Create and the new state of a Delete.
type Document map[string]Value

// Fields returns the field names in canonical order.
func (d Document) Fields() []string {
	return sortedKeys(d)
}

// Get returns the value of field and whether it is present.
func (d Document) Get(field string) (Value, bool) {
	v, ok := d[field]
	return v, ok
}

// IsEmpty reports whether the document has no fields.
func (d Document) IsEmpty() bool {
	return len(d) == 0
}

// Equal reports whether both documents hold the same fields and values.
func (d Document) Equal(other Document) bool {
	return equalFields(d, other)
}

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

// With returns a copy of d with field set to v.
func (d Document) With(field string, v Value) Document {
	out := d.Clone()
	if out == nil {
		out = Document{}
	}
	out[string(NewString(field))] = v
	return out
}

// MarshalJSON emits canonical JSON. The empty document encodes as null.
func (d Document) MarshalJSON() ([]byte, error) {
	if d == nil {
		return []byte("null"), nil
	}
	return marshalObject(d)
}

// UnmarshalJSON accepts a JSON object or null.
func (d *Document) UnmarshalJSON(data []byte) error {
	doc, err := Parse(data)
	if err != nil {
		return err
	}
	*d = doc
	return nil
}

// Decode unmarshals the canonical form of d into target.
func (d Document) Decode(target any) error {
	raw, err := d.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}

func sortedKeys[M ~map[string]Value](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func cloneValue(v Value) Value {
	switch val := v.(type) {
	case Array:
		out := make(Array, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	case Object:
		out := make(Object, len(val))
		for k, e := range val {
			out[k] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
