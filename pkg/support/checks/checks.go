// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checks is the validation layer run on the host before a launch: it checks placement,
// layout, dtype and shape of the tensor operands.
//
// Each check takes the name of the operand (the expression being checked) and returns an error
// naming it and the expected condition. Checks are meant to be chained with All, which stops at the
// first failure:
//
//	err := checks.All(
//		checks.Input("input", input, dtypes.BFloat16),
//		checks.Dims2("input", input, m, k),
//		checks.Div("k", k, "tileK", tileK),
//	)
//
// The Must* helpers panic instead, for callers that treat a failed check as fatal.
package checks

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilesched/pkg/core/shapes"
	"github.com/gomlx/tilesched/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Check is a deferred validation: it returns nil if the condition holds.
type Check func() error

// All runs the checks in order and returns the first error.
func All(checks ...Check) error {
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// MustAll runs the checks in order and panics with the first error.
func MustAll(checks ...Check) {
	if err := All(checks...); err != nil {
		exceptions.Panicf("check failed: %v", err)
	}
}

// Type checks that the tensor has the given dtype.
func Type(name string, t *tensors.Tensor, dtype dtypes.DType) Check {
	return func() error {
		if t.DType() != dtype {
			return errors.Errorf("inconsistent type of tensor %s: got %s, expected %s", name, t.DType(), dtype)
		}
		return nil
	}
}

// OnHost checks that the tensor is placed on the host.
func OnHost(name string, t *tensors.Tensor) Check {
	return func() error {
		if !t.IsOnHost() {
			return errors.Errorf("%s must be a host tensor, it is on %s", name, t.Device())
		}
		return nil
	}
}

// OnDevice checks that the tensor is placed on a device.
func OnDevice(name string, t *tensors.Tensor) Check {
	return func() error {
		if !t.IsOnDevice() {
			return errors.Errorf("%s must be a device tensor, it is on %s", name, t.Device())
		}
		return nil
	}
}

// Contiguous checks that the tensor is contiguous.
func Contiguous(name string, t *tensors.Tensor) Check {
	return func() error {
		if !t.IsContiguous() {
			return errors.Errorf("%s must be contiguous, it has strides %v for shape %s", name, t.Strides(), t.Shape())
		}
		return nil
	}
}

// Input checks that the tensor is on a device, contiguous and of the given dtype.
func Input(name string, t *tensors.Tensor, dtype dtypes.DType) Check {
	return func() error {
		return All(OnDevice(name, t), Contiguous(name, t), Type(name, t, dtype))
	}
}

// InputLoose checks that the tensor is on a device and contiguous, with any dtype.
func InputLoose(name string, t *tensors.Tensor) Check {
	return func() error {
		return All(OnDevice(name, t), Contiguous(name, t))
	}
}

// NDim checks the rank of the tensor.
func NDim(name string, t *tensors.Tensor, rank int) Check {
	return func() error {
		return shapeError(name, t.Shape().CheckRank(rank))
	}
}

// Dim checks the dimension of one axis of the tensor. The tensor must have the axis.
func Dim(name string, t *tensors.Tensor, axis, dim int) Check {
	return func() error {
		if axis < 0 || axis >= t.Rank() {
			return errors.Errorf("dim check failed: %s has rank %d, it has no axis %d", name, t.Rank(), axis)
		}
		if got := t.Dim(axis); got != dim {
			return errors.Errorf("dim check failed: %s.Dim(%d) == %d, expected %d", name, axis, got, dim)
		}
		return nil
	}
}

// Dims checks the rank and the dimensions of the tensor. A dimension of shapes.UncheckedAxis
// matches any value.
func Dims(name string, t *tensors.Tensor, dimensions ...int) Check {
	return func() error {
		return shapeError(name, t.Shape().CheckDims(dimensions...))
	}
}

// Dims1 checks that the tensor is of rank 1 with the given dimension.
func Dims1(name string, t *tensors.Tensor, dim0 int) Check {
	return Dims(name, t, dim0)
}

// Dims2 checks that the tensor is of rank 2 with the given dimensions.
func Dims2(name string, t *tensors.Tensor, dim0, dim1 int) Check {
	return Dims(name, t, dim0, dim1)
}

// Dims3 checks that the tensor is of rank 3 with the given dimensions.
func Dims3(name string, t *tensors.Tensor, dim0, dim1, dim2 int) Check {
	return Dims(name, t, dim0, dim1, dim2)
}

// shapeError rewrites a shape mismatch in terms of the named operand.
func shapeError(name string, err error) error {
	if err == nil {
		return nil
	}
	var rankErr *shapes.RankError
	if errors.As(err, &rankErr) {
		return errors.Errorf("ndim check failed: %s.Rank() == %d, expected %d", name, rankErr.Shape.Rank(), rankErr.Want)
	}
	var dimErr *shapes.DimError
	if errors.As(err, &dimErr) {
		return errors.Errorf("dim check failed: %s.Dim(%d) == %d, expected %d",
			name, dimErr.Axis, dimErr.Shape.Dimensions[dimErr.Axis], dimErr.Want)
	}
	return errors.WithMessage(err, name)
}

// Div checks that x is divisible by y.
func Div(xName string, x int, yName string, y int) Check {
	return func() error {
		if y == 0 || x%y != 0 {
			return errors.Errorf("%s %% %s != 0 (%d %% %d)", xName, yName, x, y)
		}
		return nil
	}
}
