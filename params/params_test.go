package params

import (
	"errors"
	"math"
	"testing"
)

func testLayout() Layout {
	return Layout{
		{Name: "b", Shape: []int{4}, DType: Float32},
		{Name: "w", Shape: []int{4, 2}, DType: Float32},
	}
}

func TestNewVectorIsZeroFilled(t *testing.T) {
	v := New(testLayout())
	if v.Len() != 12 {
		t.Errorf("expected 12 elements but got %v", v.Len())
	}
	for _, tensor := range v.Tensors {
		for _, x := range tensor.Data {
			if x != 0 {
				t.Errorf("tensor %v not zero filled", tensor.Name)
			}
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	v := New(testLayout())
	v.Fill(1.5)
	c := v.Clone()
	if !c.Equal(v) {
		t.Errorf("clone differs from source")
	}
	c.Tensors[0].Data[0] = 7
	if v.Tensors[0].Data[0] != 1.5 {
		t.Errorf("clone shares storage with source")
	}
}

func TestCopyFromRejectsLayoutMismatch(t *testing.T) {
	v := New(testLayout())
	other := New(Layout{{Name: "b", Shape: []int{5}, DType: Float32}})
	err := v.CopyFrom(other)
	if !errors.Is(err, ErrLayoutMismatch) {
		t.Errorf("expected layout mismatch but got %v", err)
	}
}

func TestEqualIsBitwise(t *testing.T) {
	a := New(testLayout())
	b := New(testLayout())
	a.Tensors[1].Data[3] = float32(math.NaN())
	b.Tensors[1].Data[3] = float32(math.NaN())
	if !a.Equal(b) {
		t.Errorf("identical NaN bit patterns should compare equal")
	}
	b.Tensors[0].Data[0] = float32(math.Copysign(0, -1))
	if a.Equal(b) {
		t.Errorf("-0 and +0 should differ bitwise")
	}
}

func TestLayoutValidate(t *testing.T) {
	if err := testLayout().Validate(); err != nil {
		t.Errorf("valid layout rejected: %v", err)
	}
	bad := Layout{{Name: "x", Shape: []int{2}, DType: "float64"}}
	if err := bad.Validate(); err == nil {
		t.Errorf("float64 tensor should be rejected")
	}
	dup := Layout{
		{Name: "x", Shape: []int{2}, DType: Float32},
		{Name: "x", Shape: []int{3}, DType: Float32},
	}
	if err := dup.Validate(); err == nil {
		t.Errorf("duplicate names should be rejected")
	}
}
