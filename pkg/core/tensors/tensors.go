// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a minimal Tensor: a flat Go slice with a shape, a (possibly strided)
// layout and a placement (host or one of the devices of the launch).
//
// It's only what the grouped GEMM needs to hand its operands to the validation layer and to the
// tile loop: there is no graph, no transfer and no memory management here. Placing a tensor on a
// device is only a tag, the data stays in the Go slice.
package tensors

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilesched/pkg/core/shapes"
)

// Device where a tensor is placed. Host is the only non-device placement.
type Device int

// Host placement: the tensor is not on any device.
const Host Device = -1

// String implements fmt.Stringer.
func (d Device) String() string {
	if d == Host {
		return "host"
	}
	return fmt.Sprintf("device#%d", int(d))
}

// Tensor is a shaped view over a flat slice.
type Tensor struct {
	shape   shapes.Shape
	flat    any // []T for the Go type T matching shape.DType.
	strides []int
	device  Device
}

// FromFlatDataAndDimensions creates a contiguous host tensor using data as its storage (it is not copied).
// It panics if the size of data doesn't match the dimensions.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d", shape, len(data), shape.Size())
	}
	return &Tensor{shape: shape, flat: data, strides: shape.RowMajorStrides(), device: Host}
}

// Zeros returns a contiguous host tensor of the given dimensions filled with zeros.
func Zeros[T dtypes.Supported](dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	return FromFlatDataAndDimensions(make([]T, shape.Size()), dimensions...)
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Dim returns the dimension of the axis, see shapes.Shape.Dim.
func (t *Tensor) Dim(axis int) int { return t.shape.Dim(axis) }

// Strides returns the strides, in elements, of each axis.
func (t *Tensor) Strides() []int { return slices.Clone(t.strides) }

// Device where the tensor is placed.
func (t *Tensor) Device() Device { return t.device }

// IsOnDevice returns whether the tensor is placed on a device.
func (t *Tensor) IsOnDevice() bool { return t.device != Host }

// IsOnHost returns whether the tensor is placed on the host.
func (t *Tensor) IsOnHost() bool { return t.device == Host }

// IsContiguous returns whether the tensor is laid out contiguously in row-major order.
// Axes of dimension 1 (or 0) are ignored, since their stride is never used.
func (t *Tensor) IsContiguous() bool {
	want := t.shape.RowMajorStrides()
	for axis, dim := range t.shape.Dimensions {
		if dim > 1 && t.strides[axis] != want[axis] {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%s@%s", t.shape, t.device)
}

// OnDevice returns a view of the tensor placed on the given device. The data is shared.
func (t *Tensor) OnDevice(device Device) *Tensor {
	t2 := *t
	t2.device = device
	return &t2
}

// Transposed returns a view with the last two axes swapped. The data is shared, and the view is not
// contiguous (unless one of the swapped axes has dimension <= 1).
func (t *Tensor) Transposed() *Tensor {
	if t.Rank() < 2 {
		exceptions.Panicf("Tensor.Transposed() requires rank >= 2, got %s", t.shape)
	}
	t2 := *t
	t2.shape = t.shape.Clone()
	t2.strides = slices.Clone(t.strides)
	r := t.Rank()
	t2.shape.Dimensions[r-2], t2.shape.Dimensions[r-1] = t2.shape.Dimensions[r-1], t2.shape.Dimensions[r-2]
	t2.strides[r-2], t2.strides[r-1] = t2.strides[r-1], t2.strides[r-2]
	return &t2
}

// Contiguous returns the tensor itself if it's already contiguous, or a contiguous copy otherwise.
// The copy keeps the placement.
func (t *Tensor) Contiguous() *Tensor {
	if t.IsContiguous() {
		return t
	}
	src := reflect.ValueOf(t.flat)
	size := t.shape.Size()
	dst := reflect.MakeSlice(src.Type(), size, size)
	indices := make([]int, t.Rank())
	for dstIdx := range size {
		srcIdx := 0
		for axis, idx := range indices {
			srcIdx += idx * t.strides[axis]
		}
		dst.Index(dstIdx).Set(src.Index(srcIdx))
		// Increment indices, last axis first.
		for axis := t.Rank() - 1; axis >= 0; axis-- {
			indices[axis]++
			if indices[axis] < t.shape.Dimensions[axis] {
				break
			}
			indices[axis] = 0
		}
	}
	return &Tensor{shape: t.shape.Clone(), flat: dst.Interface(), strides: t.shape.RowMajorStrides(), device: t.device}
}

// Flat returns the underlying storage of the tensor, shared with it.
// It panics if T doesn't match the tensor dtype, or if the tensor is not contiguous (use Contiguous first).
func Flat[T dtypes.Supported](t *Tensor) []T {
	flat, ok := t.flat.([]T)
	if !ok {
		exceptions.Panicf("tensors.Flat[%s](): tensor has dtype %s", dtypes.FromGenericsType[T](), t.DType())
	}
	if !t.IsContiguous() {
		exceptions.Panicf("tensors.Flat[%s](): tensor %s is not contiguous", dtypes.FromGenericsType[T](), t)
	}
	return flat
}
