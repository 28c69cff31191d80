package document

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ErrNotObject is returned when a snapshot is not a JSON object.
var ErrNotObject = errors.New("document: snapshot must be a JSON object")

// Parse decodes JSON text into a Document. JSON null and empty input yield nil.
func Parse(data []byte) (Document, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("document: decode: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("document: trailing data after snapshot")
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return FromMap(m)
}

// FromMap converts decoded JSON (or equivalent Go values) into a Document.
func FromMap(m map[string]any) (Document, error) {
	if m == nil {
		return nil, nil
	}
	doc := make(Document, len(m))
	for k, raw := range m {
		v, err := FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		doc[string(NewString(k))] = v
	}
	return doc, nil
}

// FromStruct converts any JSON-marshalable struct into a Document.
func FromStruct(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("document: marshal: %w", err)
	}
	return Parse(raw)
}

// FromAny converts a Go value into a Value.
func FromAny(raw any) (Value, error) {
	switch val := raw.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return NewString(val), nil
	case bool:
		return Bool(val), nil
	case json.Number:
		f, err := strconv.ParseFloat(val.String(), 64)
		if err != nil {
			return nil, fmt.Errorf("document: number %q: %w", val, err)
		}
		return number(f)
	case float64:
		return number(val)
	case float32:
		return number(float64(val))
	case int:
		return Number(val), nil
	case int32:
		return Number(val), nil
	case int64:
		return Number(val), nil
	case []any:
		arr := make(Array, len(val))
		for i, e := range val {
			v, err := FromAny(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = v
		}
		return arr, nil
	case []string:
		arr := make(Array, len(val))
		for i, e := range val {
			arr[i] = NewString(e)
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, e := range val {
			v, err := FromAny(e)
			if err != nil {
				return nil, fmt.Errorf("%q: %w", k, err)
			}
			obj[string(NewString(k))] = v
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("document: unsupported type %T", raw)
	}
}

func number(f float64) (Value, error) {
	n, ok := NewNumber(f)
	if !ok {
		return nil, fmt.Errorf("document: non-finite number %v", f)
	}
	return n, nil
}
