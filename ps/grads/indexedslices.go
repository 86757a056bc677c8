// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package grads

import (
	"fmt"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/paramserver/types/shapes"
	"github.com/gomlx/paramserver/types/tensors"
	"github.com/pkg/errors"
)

// IndexedSlices is a sparse gradient: Values[i] is the gradient of row Indices[i] of some table.
//
// Values has shape `[len(Indices), ...rowDims]`. Indices need not be unique nor sorted.
type IndexedSlices struct {
	Indices []int64
	Values  *tensors.Tensor
}

// NewIndexedSlices creates an IndexedSlices and checks that the number of indices matches the rows of values.
func NewIndexedSlices(indices []int64, values *tensors.Tensor) (*IndexedSlices, error) {
	s := &IndexedSlices{Indices: indices, Values: values}
	if err := s.Check(); err != nil {
		return nil, err
	}
	return s, nil
}

// EmptyIndexedSlices returns an IndexedSlices with no rows, whose values have the given row shape.
// rowDims are the dimensions of one row (usually just the embedding dimension).
func EmptyIndexedSlices(dtype dtypes.DType, rowDims ...int) *IndexedSlices {
	dims := append([]int{0}, rowDims...)
	return &IndexedSlices{
		Indices: []int64{},
		Values:  tensors.FromShape(shapes.Make(dtype, dims...)),
	}
}

// Check that the IndexedSlices is consistent.
func (s *IndexedSlices) Check() error {
	if s == nil || s.Values == nil {
		return errors.Wrap(ErrShapeMismatch, "indexed slices without values")
	}
	if s.Values.Rank() < 1 {
		return errors.Wrapf(ErrShapeMismatch, "indexed slices values must have rank >= 1, got %s", s.Values.Shape())
	}
	if s.Values.Rows() != len(s.Indices) {
		return errors.Wrapf(ErrShapeMismatch, "indexed slices have %d indices but values have shape %s",
			len(s.Indices), s.Values.Shape())
	}
	return nil
}

// Len returns the number of rows (contributions) in the slices.
func (s *IndexedSlices) Len() int { return len(s.Indices) }

// RowShape returns the shape of the values without the rows axis.
func (s *IndexedSlices) RowShape() shapes.Shape {
	return shapes.Make(s.Values.DType(), s.Values.Shape().Dimensions[1:]...)
}

// Clone returns a deep copy.
func (s *IndexedSlices) Clone() *IndexedSlices {
	return &IndexedSlices{
		Indices: slices.Clone(s.Indices),
		Values:  s.Values.Clone(),
	}
}

// String implements fmt.Stringer.
func (s *IndexedSlices) String() string {
	return fmt.Sprintf("IndexedSlices(indices=%v, values=%s)", s.Indices, s.Values)
}

// ConcatIndexedSlices concatenates the indices and the values of the given slices, in the order given.
// Duplicated indices are preserved. All parts must have the same row shape.
//
// It always returns new storage: the parts are not changed.
func ConcatIndexedSlices(parts ...*IndexedSlices) (*IndexedSlices, error) {
	if len(parts) == 0 {
		return nil, errors.New("ConcatIndexedSlices requires at least one IndexedSlices")
	}
	numIndices := 0
	values := make([]*tensors.Tensor, 0, len(parts))
	for ii, part := range parts {
		if err := part.Check(); err != nil {
			return nil, errors.WithMessagef(err, "ConcatIndexedSlices: part #%d", ii)
		}
		numIndices += part.Len()
		values = append(values, part.Values)
	}
	concatValues, err := tensors.ConcatenateRows(values...)
	if err != nil {
		return nil, errors.Wrapf(ErrShapeMismatch, "ConcatIndexedSlices: %v", err)
	}
	indices := make([]int64, 0, numIndices)
	for _, part := range parts {
		indices = append(indices, part.Indices...)
	}
	return &IndexedSlices{Indices: indices, Values: concatValues}, nil
}

// SumDuplicates returns the unique indices of s, in order of first appearance, and for each of them the sum
// of all its rows. Values must be Float32.
//
// This is how duplicated contributions are combined at apply time.
func SumDuplicates(s *IndexedSlices) (uniqueIndices []int64, summedRows [][]float32) {
	width := s.Values.Shape().RowWidth()
	position := make(map[int64]int, len(s.Indices))
	tensors.ConstFlatData(s.Values, func(flat []float32) {
		for row, index := range s.Indices {
			pos, found := position[index]
			if !found {
				pos = len(uniqueIndices)
				position[index] = pos
				uniqueIndices = append(uniqueIndices, index)
				summedRows = append(summedRows, make([]float32, width))
			}
			sum := summedRows[pos]
			for ii, v := range flat[row*width : (row+1)*width] {
				sum[ii] += v
			}
		}
	})
	return
}
