// Package document implements the tagged value model used for change snapshots.
//
// A Document maps field names to a small closed set of variants (null, string,
// number, bool, array, object). Serialization is canonical: object keys are
// sorted, strings are NFC-normalised and numbers use their shortest round-trip
// form, so the same logical value always produces the same bytes.
package document

import (
	"math"

	"golang.org/x/text/unicode/norm"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a sealed interface; only the types in this package implement it.
type Value interface {
	Kind() Kind
	sealed()
}

// Null is the JSON null.
type Null struct{}

// String is a NFC-normalised string.
type String string

// Number is a finite IEEE-754 double.
type Number float64

// Bool is a boolean.
type Bool bool

// Array is an ordered list of values.
type Array []Value

// Object is a nested field map. Top-level snapshots use Document instead.
type Object map[string]Value

func (Null) Kind() Kind   { return KindNull }
func (String) Kind() Kind { return KindString }
func (Number) Kind() Kind { return KindNumber }
func (Bool) Kind() Kind   { return KindBool }
func (Array) Kind() Kind  { return KindArray }
func (Object) Kind() Kind { return KindObject }

func (Null) sealed()   {}
func (String) sealed() {}
func (Number) sealed() {}
func (Bool) sealed()   {}
func (Array) sealed()  {}
func (Object) sealed() {}

// NewString returns the normalised String for s.
func NewString(s string) String {
	return String(norm.NFC.String(s))
}

// NewNumber returns a Number, or false when f is NaN or infinite.
func NewNumber(f float64) (Number, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return Number(f), true
}

// KindOf returns the kind of v, treating a nil Value as null.
func KindOf(v Value) Kind {
	if v == nil {
		return KindNull
	}
	return v.Kind()
}

// IsEmptyArray reports whether v is an array with no elements.
func IsEmptyArray(v Value) bool {
	arr, ok := v.(Array)
	return ok && len(arr) == 0
}

// Equal reports whether a and b are the same logical value. A nil Value equals Null.
func Equal(a, b Value) bool {
	ka, kb := KindOf(a), KindOf(b)
	if ka != kb {
		return false
	}
	switch ka {
	case KindNull:
		return true
	case KindString:
		return a.(String) == b.(String)
	case KindNumber:
		return a.(Number) == b.(Number)
	case KindBool:
		return a.(Bool) == b.(Bool)
	case KindArray:
		aa, bb := a.(Array), b.(Array)
		if len(aa) != len(bb) {
			return false
		}
		for i := range aa {
			if !Equal(aa[i], bb[i]) {
				return false
			}
		}
		return true
	case KindObject:
		return equalFields(a.(Object), b.(Object))
	}
	return false
}

func equalFields(a, b map[string]Value) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !Equal(av, bv) {
			return false
		}
	}
	return true
}
