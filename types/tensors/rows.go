// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"reflect"

	"github.com/pkg/errors"
)

// ConcatenateRows stacks the tensors along axis 0, in the order given. All tensors must have the same dtype
// and the same dimensions in every axis but the first. Tensors with zero rows are allowed.
//
// The returned tensor is always a new tensor, even if only one tensor is given.
func ConcatenateRows(parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("ConcatenateRows requires at least one tensor")
	}
	first := parts[0].Shape()
	if first.Rank() == 0 {
		return nil, errors.Errorf("ConcatenateRows: cannot concatenate scalars (shape %s)", first)
	}
	rows := 0
	for ii, part := range parts {
		if err := part.Shape().CheckRowsOf(first); err != nil {
			return nil, errors.WithMessagef(err, "ConcatenateRows: part #%d", ii)
		}
		rows += part.Rows()
	}
	result := FromShape(first.WithRows(rows))
	result.MutableFlatData(func(dst any) {
		dstV := reflect.ValueOf(dst)
		pos := 0
		for _, part := range parts {
			part.ConstFlatData(func(src any) {
				srcV := reflect.ValueOf(src)
				reflect.Copy(dstV.Slice(pos, pos+srcV.Len()), srcV)
				pos += srcV.Len()
			})
		}
	})
	return result, nil
}

// RowValues returns a copy of the values of row `row` of a Float32 tensor of rank >= 1.
func RowValues(t *Tensor, row int) []float32 {
	width := t.Shape().RowWidth()
	values := make([]float32, width)
	ConstFlatData(t, func(flat []float32) {
		copy(values, flat[row*width:(row+1)*width])
	})
	return values
}
