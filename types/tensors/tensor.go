/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package tensors implements a `Tensor`, a representation of a multi-dimensional array held in host memory.
//
// Tensors are the values exchanged between workers and the parameter server: model variables, dense
// gradients and the values of indexed (sparse) gradients. They are defined by their shape (a data type and
// its axes dimensions) and their actual content, always stored as a flat slice of the underlying Go type.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromFlatDataAndDimensions[T Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions, and set the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2}) // Tensor with [[1,2], [3,4]]
//
//   - FromValue[S MultiDimensionSlice](value S): Generic conversion, works with the scalar supported types
//     as well as with any arbitrary multidimensional slice of them. Slices of rank > 1 must be regular, that is
//     all the sub-slices must have the same shape. Example:
//
//     t := FromValue([][]float32{{1,2}, {3, 5}, {7, 11}})
//
// Tensors handed to the parameter server are owned by it: the server clones values that cross ownership
// boundaries (the model state store, the transport stand-in), so a Tensor is never mutated by two owners.
package tensors

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/paramserver/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Supported lists the Go types a Tensor can hold. Used as a Generics constraint.
type Supported interface {
	float32 | float64 | int32 | int64 | float16.Float16
}

// Tensor represents a multidimensional arrays (from scalar with 0 dimensions, to arbitrarily large dimensions), defined
// by their shape, a data type (dtypes.DType) and its axes' dimensions, and their actual content stored as a flat (1D)
// array of values.
type Tensor struct {
	// shape of the tensor, immutable.
	shape shapes.Shape

	// mu protects flat.
	mu sync.RWMutex

	// flat holds the array with actual data, a slice of the Go type for the dtype of the shape.
	flat any
}

// Shape of the tensor, includes DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
// It is a shortcut to `Tensor.Shape().DType`.
func (t *Tensor) DType() dtypes.DType {
	return t.shape.DType
}

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Rows returns the dimension of the first axis. It panics for scalars.
func (t *Tensor) Rows() int { return t.shape.Dim(0) }

// Memory returns the number of bytes used to store the tensor. An alias to Tensor.Shape().Memory().
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Ok returns whether the Tensor is in a valid state.
func (t *Tensor) Ok() bool {
	return t != nil && t.shape.Ok() && t.flat != nil
}

// AssertValid panics if the tensor is nil, or if its shape is invalid.
func (t *Tensor) AssertValid() {
	if t == nil {
		panic(errors.New("Tensor is nil"))
	}
	if !t.shape.Ok() {
		panic(errors.New("Tensor shape is invalid"))
	}
	if t.flat == nil {
		panic(errors.New("Tensor has no storage"))
	}
}

// dtypeOf returns the dtype for the generic type T.
func dtypeOf[T Supported]() dtypes.DType {
	var v T
	switch any(v).(type) {
	case float32:
		return dtypes.Float32
	case float64:
		return dtypes.Float64
	case int32:
		return dtypes.Int32
	case int64:
		return dtypes.Int64
	case float16.Float16:
		return dtypes.Float16
	}
	return dtypes.InvalidDType
}

// makeFlat allocates a zero-initialized flat slice for the dtype.
func makeFlat(dtype dtypes.DType, size int) any {
	switch dtype {
	case dtypes.Float32:
		return make([]float32, size)
	case dtypes.Float64:
		return make([]float64, size)
	case dtypes.Int32:
		return make([]int32, size)
	case dtypes.Int64:
		return make([]int64, size)
	case dtypes.Float16:
		return make([]float16.Float16, size)
	}
	exceptions.Panicf("tensors: dtype %s is not supported", dtype)
	return nil
}

// MaxSizeForString is the largest Tensor whose values are printed by String().
var MaxSizeForString = 500

// String converts to string, if not too large.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil tensor>"
	}
	if t.Size() > MaxSizeForString {
		return fmt.Sprintf("%s: (values omitted, %d elements)", t.shape, t.Size())
	}
	return fmt.Sprintf("%s: %v", t.shape, t.Value())
}
