package host

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// wireValue is the JSON form of a Value. Non-finite numbers travel as the
// strings "NaN", "Inf" and "-Inf".
type wireValue struct {
	Class  string                       `json:"class"`
	Dims   []int                        `json:"dims,omitempty"`
	Data   []wireNumber                 `json:"data,omitempty"`
	Value  *string                      `json:"value,omitempty"`
	Elems  []json.RawMessage            `json:"elems,omitempty"`
	Fields []string                     `json:"fields,omitempty"`
	Record []map[string]json.RawMessage `json:"records,omitempty"`
}

// ErrNull rejects JSON null, which has no host counterpart
var ErrNull = errors.New("null is not a host value")

type wireNumber float64

func (n wireNumber) MarshalJSON() ([]byte, error) {
	f := float64(n)
	switch {
	case math.IsNaN(f):
		return []byte(`"NaN"`), nil
	case math.IsInf(f, 1):
		return []byte(`"Inf"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Inf"`), nil
	}
	return strconv.AppendFloat(nil, f, 'g', -1, 64), nil
}

func (n *wireNumber) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return ErrNull
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		switch s {
		case "NaN":
			*n = wireNumber(math.NaN())
		case "Inf":
			*n = wireNumber(math.Inf(1))
		case "-Inf":
			*n = wireNumber(math.Inf(-1))
		default:
			return fmt.Errorf("invalid number %q", s)
		}
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = wireNumber(f)
	return nil
}

// MarshalValue encodes a host value as JSON
func MarshalValue(v Value) (json.RawMessage, error) {
	w, err := toWire(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func toWire(v Value) (*wireValue, error) {
	switch a := v.(type) {
	case *Single:
		data := make([]wireNumber, len(a.Data))
		for i, x := range a.Data {
			data[i] = wireNumber(x)
		}
		return &wireValue{Class: "single", Dims: a.Size, Data: data}, nil
	case *Double:
		data := make([]wireNumber, len(a.Data))
		for i, x := range a.Data {
			data[i] = wireNumber(x)
		}
		return &wireValue{Class: "double", Dims: a.Size, Data: data}, nil
	case String:
		s := string(a)
		return &wireValue{Class: "char", Value: &s}, nil
	case Cell:
		elems := make([]json.RawMessage, len(a))
		for i, e := range a {
			raw, err := MarshalValue(e)
			if err != nil {
				return nil, err
			}
			elems[i] = raw
		}
		return &wireValue{Class: "cell", Elems: elems}, nil
	case *Struct:
		records := make([]map[string]json.RawMessage, len(a.Elems))
		for i, elem := range a.Elems {
			records[i] = make(map[string]json.RawMessage, len(elem))
			for _, field := range a.Fields {
				fv, ok := elem[field]
				if !ok || fv == nil {
					continue
				}
				raw, err := MarshalValue(fv)
				if err != nil {
					return nil, err
				}
				records[i][field] = raw
			}
		}
		return &wireValue{Class: "struct", Fields: a.Fields, Record: records}, nil
	default:
		return nil, fmt.Errorf("cannot encode host value of type %T", v)
	}
}

// UnmarshalValue decodes a host value. Bare JSON strings become String and
// bare numbers become 1x1 doubles.
func UnmarshalValue(raw json.RawMessage) (Value, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty host value")
	}
	if bytes.Equal(raw, []byte("null")) {
		return nil, ErrNull
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return String(s), nil
	case '{':
	default:
		var n wireNumber
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("invalid host value: %w", err)
		}
		return Scalar(float64(n)), nil
	}

	var w wireValue
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("invalid host value: %w", err)
	}

	switch w.Class {
	case "single":
		a := &Single{Size: w.Dims, Data: make([]float32, len(w.Data))}
		for i, x := range w.Data {
			a.Data[i] = float32(x)
		}
		if err := checkNumel(a.Size, len(a.Data)); err != nil {
			return nil, err
		}
		return a, nil
	case "double":
		a := &Double{Size: w.Dims, Data: make([]float64, len(w.Data))}
		for i, x := range w.Data {
			a.Data[i] = float64(x)
		}
		if a.Size == nil {
			a.Size = []int{1, len(a.Data)}
		}
		if err := checkNumel(a.Size, len(a.Data)); err != nil {
			return nil, err
		}
		return a, nil
	case "char":
		if w.Value == nil {
			return String(""), nil
		}
		return String(*w.Value), nil
	case "cell":
		c := make(Cell, len(w.Elems))
		for i, e := range w.Elems {
			v, err := UnmarshalValue(e)
			if err != nil {
				return nil, fmt.Errorf("cell element %d: %w", i, err)
			}
			c[i] = v
		}
		return c, nil
	case "struct":
		s := NewStruct(len(w.Record), w.Fields...)
		for i, rec := range w.Record {
			for field, fraw := range rec {
				v, err := UnmarshalValue(fraw)
				if err != nil {
					return nil, fmt.Errorf("struct element %d field %s: %w", i, field, err)
				}
				s.Set(i, field, v)
			}
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown host value class %q", w.Class)
	}
}

func checkNumel(dims []int, n int) error {
	if dims == nil {
		return fmt.Errorf("numeric value is missing dims")
	}
	if numel(dims) != n {
		return fmt.Errorf("dims %v imply %d elements, data has %d", dims, numel(dims), n)
	}
	return nil
}
