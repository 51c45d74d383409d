// Package host models the values a numeric host environment passes to and
// receives from the bridge: single and double precision arrays, strings,
// cell arrays and struct arrays.
package host

import (
	"fmt"

	"github.com/tsawler/go-netbridge/tensor"
)

// Class identifies the kind of a host value
type Class int

const (
	ClassSingle Class = iota
	ClassDouble
	ClassChar
	ClassCell
	ClassStruct
)

func (c Class) String() string {
	switch c {
	case ClassSingle:
		return "single"
	case ClassDouble:
		return "double"
	case ClassChar:
		return "char"
	case ClassCell:
		return "cell"
	case ClassStruct:
		return "struct"
	default:
		return "unknown"
	}
}

// Value is any host value
type Value interface {
	Class() Class
	Dims() []int
}

// numel returns the element count implied by dims
func numel(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// Single is a column-major single precision array
type Single struct {
	Size []int
	Data []float32
}

// NewSingle allocates a zeroed single array
func NewSingle(dims ...int) *Single {
	return &Single{Size: append([]int(nil), dims...), Data: make([]float32, numel(dims))}
}

// SingleFromShape allocates a single array with 4D dims [W, H, C, N]
func SingleFromShape(s tensor.Shape) *Single {
	return NewSingle(s.Dims()...)
}

func (a *Single) Class() Class { return ClassSingle }
func (a *Single) Dims() []int  { return a.Size }

// Shape returns the array's 4D tensor shape
func (a *Single) Shape() (tensor.Shape, error) {
	s, err := tensor.FromDims(a.Size)
	if err != nil {
		return s, err
	}
	if s.Count() != len(a.Data) {
		return s, fmt.Errorf("array dims %v imply %d elements, data has %d: %w", a.Size, s.Count(), len(a.Data), tensor.ErrShapeMismatch)
	}
	return s, nil
}

// Double is a column-major double precision array; scalars are 1x1
type Double struct {
	Size []int
	Data []float64
}

// Scalar creates a 1x1 double
func Scalar(v float64) *Double {
	return &Double{Size: []int{1, 1}, Data: []float64{v}}
}

// Row creates a 1xN double
func Row(vs ...float64) *Double {
	return &Double{Size: []int{1, len(vs)}, Data: append([]float64(nil), vs...)}
}

func (a *Double) Class() Class { return ClassDouble }
func (a *Double) Dims() []int  { return a.Size }

// String is a host character array
type String string

func (s String) Class() Class { return ClassChar }
func (s String) Dims() []int  { return []int{1, len(s)} }

// Cell is an N x 1 cell array
type Cell []Value

func (c Cell) Class() Class { return ClassCell }
func (c Cell) Dims() []int  { return []int{len(c), 1} }

// Struct is an N x 1 struct array with a fixed, ordered field list
type Struct struct {
	Fields []string
	Elems  []map[string]Value
}

// NewStruct allocates n elements with the given fields
func NewStruct(n int, fields ...string) *Struct {
	s := &Struct{Fields: fields, Elems: make([]map[string]Value, n)}
	for i := range s.Elems {
		s.Elems[i] = make(map[string]Value, len(fields))
	}
	return s
}

func (s *Struct) Class() Class { return ClassStruct }
func (s *Struct) Dims() []int  { return []int{len(s.Elems), 1} }

// Set assigns a field of element i
func (s *Struct) Set(i int, field string, v Value) {
	s.Elems[i][field] = v
}

// Get returns a field of element i, or nil
func (s *Struct) Get(i int, field string) Value {
	return s.Elems[i][field]
}

// Append adds an element and returns its index
func (s *Struct) Append() int {
	s.Elems = append(s.Elems, make(map[string]Value, len(s.Fields)))
	return len(s.Elems) - 1
}

// AsString extracts a string argument
func AsString(v Value) (string, error) {
	s, ok := v.(String)
	if !ok {
		return "", fmt.Errorf("expected a string, got %s", className(v))
	}
	return string(s), nil
}

// AsScalar extracts a numeric scalar argument
func AsScalar(v Value) (float64, error) {
	switch a := v.(type) {
	case *Double:
		if len(a.Data) != 1 {
			return 0, fmt.Errorf("expected a scalar, got %d elements", len(a.Data))
		}
		return a.Data[0], nil
	case *Single:
		if len(a.Data) != 1 {
			return 0, fmt.Errorf("expected a scalar, got %d elements", len(a.Data))
		}
		return float64(a.Data[0]), nil
	default:
		return 0, fmt.Errorf("expected a numeric scalar, got %s", className(v))
	}
}

// AsNumbers extracts the elements of any numeric array as float64
func AsNumbers(v Value) ([]float64, error) {
	switch a := v.(type) {
	case *Double:
		return a.Data, nil
	case *Single:
		out := make([]float64, len(a.Data))
		for i, x := range a.Data {
			out[i] = float64(x)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a numeric array, got %s", className(v))
	}
}

// AsCell extracts a cell array argument
func AsCell(v Value) (Cell, error) {
	c, ok := v.(Cell)
	if !ok {
		return nil, fmt.Errorf("expected a cell array, got %s", className(v))
	}
	return c, nil
}

func className(v Value) string {
	if v == nil {
		return "nothing"
	}
	return v.Class().String()
}
