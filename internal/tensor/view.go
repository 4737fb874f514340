// Package tensor provides strided, lane-aligned views over flat float32 buffers.
package tensor

import (
	"errors"
	"fmt"
)

// VectorSize is the SIMD lane width. Rows are grouped into lane groups of
// this many elements, padding included.
const VectorSize = 8

// ErrBufferTooSmall is returned when a buffer cannot hold the requested shape.
var ErrBufferTooSmall = errors.New("tensor: buffer too small")

// View is a non-owning multi-dimensional window over a flat buffer.
// The last extent is the padded row width.
type View struct {
	data    []float32
	dims    []int
	strides []int
}

// NewView creates a view over data with the given extents, outermost first.
func NewView(data []float32, dims ...int) (*View, error) {
	if len(dims) == 0 {
		return nil, fmt.Errorf("tensor: view needs at least one dimension")
	}

	strides := make([]int, len(dims))
	size := 1
	for i := len(dims) - 1; i >= 0; i-- {
		if dims[i] <= 0 {
			return nil, fmt.Errorf("tensor: dimension %d has extent %d", i, dims[i])
		}
		// size never exceeds len(data), so the product cannot overflow.
		if size > len(data)/dims[i] {
			return nil, fmt.Errorf("%w: have %d elements, shape %v needs more",
				ErrBufferTooSmall, len(data), dims)
		}
		strides[i] = size
		size *= dims[i]
	}

	return &View{
		data:    data,
		dims:    append([]int(nil), dims...),
		strides: strides,
	}, nil
}

// Offset returns the flat index of a full multi-index.
func (v *View) Offset(idx ...int) int {
	off := 0
	for i, x := range idx {
		off += x * v.strides[i]
	}
	return off
}

// At returns the scalar at idx.
func (v *View) At(idx ...int) float32 {
	return v.data[v.Offset(idx...)]
}

// Set stores val at idx.
func (v *View) Set(val float32, idx ...int) {
	v.data[v.Offset(idx...)] = val
}

// Lane returns lane group g of the row addressed by the outer indices.
// The returned slice aliases the buffer.
func (v *View) Lane(g int, outer ...int) []float32 {
	off := v.Offset(outer...) + g*VectorSize
	return v.data[off : off+VectorSize : off+VectorSize]
}

// Vector returns the lane group holding logical column c of the row
// addressed by the outer indices.
func (v *View) Vector(c int, outer ...int) []float32 {
	return v.Lane(c/VectorSize, outer...)
}

// Row returns the full padded row addressed by the outer indices.
func (v *View) Row(outer ...int) []float32 {
	w := v.dims[len(v.dims)-1]
	off := v.Offset(outer...)
	return v.data[off : off+w : off+w]
}
