package params

import (
	"errors"
	"fmt"
	"math"
)

// DType is the element type of a tensor. Only Float32 is stored in shared
// memory.
type DType string

const (
	Float32 DType = "float32"
)

var ErrLayoutMismatch = errors.New("parameter layout mismatch")

// Spec describes one named tensor of the parameter vector.
type Spec struct {
	Name  string
	Shape []int
	DType DType
}

// Size is the number of elements described by the shape.
func (s Spec) Size() int {
	n := 1
	for _, d := range s.Shape {
		n *= d
	}
	return n
}

func (s Spec) Equal(o Spec) bool {
	if s.Name != o.Name || s.DType != o.DType || len(s.Shape) != len(o.Shape) {
		return false
	}
	for i := range s.Shape {
		if s.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

func (s Spec) String() string {
	return fmt.Sprintf("%s%v:%s", s.Name, s.Shape, s.DType)
}

// Layout is the ordered list of tensors making up a parameter vector. It is
// fixed at coordinator startup.
type Layout []Spec

func (l Layout) Validate() error {
	if len(l) == 0 {
		return errors.New("empty parameter layout")
	}
	seen := make(map[string]bool, len(l))
	for _, s := range l {
		if s.Name == "" {
			return errors.New("parameter tensor without a name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate parameter tensor %q", s.Name)
		}
		seen[s.Name] = true
		if s.DType != Float32 {
			return fmt.Errorf("tensor %q: unsupported dtype %q", s.Name, s.DType)
		}
		if len(s.Shape) == 0 {
			return fmt.Errorf("tensor %q: empty shape", s.Name)
		}
		for _, d := range s.Shape {
			if d <= 0 {
				return fmt.Errorf("tensor %q: invalid dimension %d", s.Name, d)
			}
		}
	}
	return nil
}

func (l Layout) Equal(o Layout) bool {
	if len(l) != len(o) {
		return false
	}
	for i := range l {
		if !l[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// Tensor is a named, shaped, flat float32 buffer.
type Tensor struct {
	Spec
	Data []float32
}

// Vector is an ordered set of tensors sharing one Layout.
type Vector struct {
	Tensors []Tensor
}

// New returns a zero-filled vector with the given layout.
func New(layout Layout) *Vector {
	v := &Vector{Tensors: make([]Tensor, len(layout))}
	for i, s := range layout {
		v.Tensors[i] = Tensor{
			Spec: Spec{Name: s.Name, Shape: append([]int(nil), s.Shape...), DType: s.DType},
			Data: make([]float32, s.Size()),
		}
	}
	return v
}

func (v *Vector) Layout() Layout {
	layout := make(Layout, len(v.Tensors))
	for i, t := range v.Tensors {
		layout[i] = Spec{Name: t.Name, Shape: append([]int(nil), t.Shape...), DType: t.DType}
	}
	return layout
}

func (v *Vector) Clone() *Vector {
	c := New(v.Layout())
	for i := range v.Tensors {
		copy(c.Tensors[i].Data, v.Tensors[i].Data)
	}
	return c
}

// CopyFrom overwrites v with src. The layouts must match exactly.
func (v *Vector) CopyFrom(src *Vector) error {
	if !v.Layout().Equal(src.Layout()) {
		return fmt.Errorf("%w: have %v, got %v", ErrLayoutMismatch, v.Layout(), src.Layout())
	}
	for i := range v.Tensors {
		copy(v.Tensors[i].Data, src.Tensors[i].Data)
	}
	return nil
}

// Equal reports bitwise equality of layout and contents.
func (v *Vector) Equal(o *Vector) bool {
	if v == nil || o == nil {
		return v == o
	}
	if !v.Layout().Equal(o.Layout()) {
		return false
	}
	for i := range v.Tensors {
		a, b := v.Tensors[i].Data, o.Tensors[i].Data
		for j := range a {
			if math.Float32bits(a[j]) != math.Float32bits(b[j]) {
				return false
			}
		}
	}
	return true
}

func (v *Vector) Fill(x float32) {
	for i := range v.Tensors {
		for j := range v.Tensors[i].Data {
			v.Tensors[i].Data[j] = x
		}
	}
}

// Len is the total element count across all tensors.
func (v *Vector) Len() int {
	n := 0
	for _, t := range v.Tensors {
		n += len(t.Data)
	}
	return n
}

// Norm is the global L2 norm across all tensors.
func (v *Vector) Norm() float64 {
	var sum float64
	for _, t := range v.Tensors {
		for _, x := range t.Data {
			sum += float64(x) * float64(x)
		}
	}
	return math.Sqrt(sum)
}

// Tensor looks a tensor up by name.
func (v *Vector) Tensor(name string) (*Tensor, bool) {
	for i := range v.Tensors {
		if v.Tensors[i].Name == name {
			return &v.Tensors[i], true
		}
	}
	return nil, false
}
