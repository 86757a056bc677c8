// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package grads

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/paramserver/types/tensors"
	"golang.org/x/exp/maps"
)

// NamedTensor is a dense gradient (or value) of the variable Name.
type NamedTensor struct {
	Name   string
	Tensor *tensors.Tensor
}

// NamedSlices is an indexed gradient of the table Name.
type NamedSlices struct {
	Name   string
	Slices *IndexedSlices
}

// AggregatedReport is what one worker submits for one minibatch.
type AggregatedReport struct {
	// Dense gradients, in trainable item order.
	Dense []NamedTensor

	// FixedSparse is the gradient of the fixed-size sparse table, if the model has one and it was touched.
	FixedSparse *NamedSlices

	// Embeddings maps dynamic embedding layer names to their gradient, concatenated over all the layer's
	// lookups (fragments) in lookup order.
	Embeddings map[string]*IndexedSlices
}

// HasModelGradients returns whether the report has gradients for the model state (dense or fixed-sparse),
// that is, whether accepting it produces a new model version.
func (r *AggregatedReport) HasModelGradients() bool {
	return len(r.Dense) > 0 || (r.FixedSparse != nil && r.FixedSparse.Slices.Len() > 0)
}

// EmbeddingLayers returns the names of the layers with embedding gradients, sorted.
func (r *AggregatedReport) EmbeddingLayers() []string {
	layers := maps.Keys(r.Embeddings)
	slices.Sort(layers)
	return layers
}

// Clone returns a deep copy of the report.
func (r *AggregatedReport) Clone() *AggregatedReport {
	clone := &AggregatedReport{
		Dense:      make([]NamedTensor, len(r.Dense)),
		Embeddings: make(map[string]*IndexedSlices, len(r.Embeddings)),
	}
	for ii, dense := range r.Dense {
		clone.Dense[ii] = NamedTensor{Name: dense.Name, Tensor: dense.Tensor.Clone()}
	}
	if r.FixedSparse != nil {
		clone.FixedSparse = &NamedSlices{Name: r.FixedSparse.Name, Slices: r.FixedSparse.Slices.Clone()}
	}
	for layer, s := range r.Embeddings {
		clone.Embeddings[layer] = s.Clone()
	}
	return clone
}

// String implements fmt.Stringer.
func (r *AggregatedReport) String() string {
	parts := make([]string, 0, len(r.Dense)+1+len(r.Embeddings))
	for _, dense := range r.Dense {
		parts = append(parts, fmt.Sprintf("%s:%s", dense.Name, dense.Tensor.Shape()))
	}
	if r.FixedSparse != nil {
		parts = append(parts, fmt.Sprintf("%s:%d rows", r.FixedSparse.Name, r.FixedSparse.Slices.Len()))
	}
	for _, layer := range r.EmbeddingLayers() {
		parts = append(parts, fmt.Sprintf("%s:%d ids", layer, r.Embeddings[layer].Len()))
	}
	return fmt.Sprintf("AggregatedReport{%s}", strings.Join(parts, ", "))
}
