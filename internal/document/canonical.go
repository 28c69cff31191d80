package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Marshal produces the canonical JSON encoding of v.
func Marshal(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Null) MarshalJSON() ([]byte, error)   { return []byte("null"), nil }
func (v String) MarshalJSON() ([]byte, error) { return Marshal(v) }
func (v Number) MarshalJSON() ([]byte, error) { return Marshal(v) }
func (v Bool) MarshalJSON() ([]byte, error)   { return Marshal(v) }
func (v Array) MarshalJSON() ([]byte, error)  { return Marshal(v) }
func (v Object) MarshalJSON() ([]byte, error) { return Marshal(v) }

func marshalObject(fields map[string]Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeObject(&buf, fields); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v Value) error {
	switch val := v.(type) {
	case nil, Null:
		buf.WriteString("null")
	case String:
		return encodeString(buf, string(val))
	case Number:
		s, err := formatNumber(float64(val))
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case Bool:
		buf.WriteString(strconv.FormatBool(bool(val)))
	case Array:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, e); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case Object:
		return encodeObject(buf, val)
	default:
		return fmt.Errorf("document: unsupported value %T", v)
	}
	return nil
}

func encodeObject(buf *bytes.Buffer, fields map[string]Value) error {
	buf.WriteByte('{')
	for i, k := range sortedKeys(fields) {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encode(buf, fields[k]); err != nil {
			return fmt.Errorf("%q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}

// formatNumber renders integral values without exponent up to 2^53 and uses the
// shortest round-trip representation otherwise.
func formatNumber(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("document: non-finite number %v", f)
	}
	if f == 0 {
		return "0", nil
	}
	if f == math.Trunc(f) && math.Abs(f) <= 1<<53 {
		return strconv.FormatInt(int64(f), 10), nil
	}
	return strconv.FormatFloat(f, 'g', -1, 64), nil
}
