// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package grads

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/paramserver/types/tensors"
)

// GradientKind is the tag of the Gradient variant.
type GradientKind int

const (
	InvalidGradient GradientKind = iota
	DenseGradient
	IndexedGradient
)

// String implements fmt.Stringer.
func (k GradientKind) String() string {
	switch k {
	case DenseGradient:
		return "Dense"
	case IndexedGradient:
		return "Indexed"
	}
	return "Invalid"
}

// Gradient is one entry of the flat list of gradients emitted by a worker's backward pass.
// It is either Dense or Indexed: use Kind to dispatch.
type Gradient struct {
	kind    GradientKind
	dense   *tensors.Tensor
	indexed *IndexedSlices
}

// Dense creates a dense Gradient.
func Dense(t *tensors.Tensor) Gradient {
	if t == nil {
		exceptions.Panicf("grads.Dense(nil)")
	}
	return Gradient{kind: DenseGradient, dense: t}
}

// Indexed creates an indexed (sparse) Gradient.
func Indexed(s *IndexedSlices) Gradient {
	if s == nil {
		exceptions.Panicf("grads.Indexed(nil)")
	}
	return Gradient{kind: IndexedGradient, indexed: s}
}

// Kind returns the tag of the variant.
func (g Gradient) Kind() GradientKind { return g.kind }

// Tensor returns the dense gradient. It panics if the gradient is not Dense.
func (g Gradient) Tensor() *tensors.Tensor {
	if g.kind != DenseGradient {
		exceptions.Panicf("Gradient.Tensor() called on a %s gradient", g.kind)
	}
	return g.dense
}

// Slices returns the indexed gradient. It panics if the gradient is not Indexed.
func (g Gradient) Slices() *IndexedSlices {
	if g.kind != IndexedGradient {
		exceptions.Panicf("Gradient.Slices() called on a %s gradient", g.kind)
	}
	return g.indexed
}

// String implements fmt.Stringer.
func (g Gradient) String() string {
	switch g.kind {
	case DenseGradient:
		return fmt.Sprintf("Dense(%s)", g.dense.Shape())
	case IndexedGradient:
		return fmt.Sprintf("Indexed(%d rows, %s)", g.indexed.Len(), g.indexed.Values.Shape())
	}
	return "InvalidGradient"
}
