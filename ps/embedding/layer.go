// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package embedding implements the worker side adapter of dynamic embedding layers (Layer) and the
// dynamically-sized embedding table (Table) they are backed by.
//
// A dynamic embedding layer has an unbounded vocabulary: the rows needed for a minibatch are resolved per
// forward pass from the ids in the minibatch. Each lookup the layer does in a forward pass is recorded as a
// grads.Fragment (ids plus the variable backing the looked-up rows), and the ordered list of fragments is
// handed to the gradient classifier with Layer.Report.
package embedding

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/paramserver/ps/grads"
	"github.com/gomlx/paramserver/types/shapes"
	"github.com/gomlx/paramserver/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Source provides the current embedding vectors of a layer, usually served by the parameter server.
type Source interface {
	// Lookup returns a Float32 tensor shaped `[len(ids), dim]` with the rows for the given ids.
	Lookup(ctx context.Context, layer string, ids []int64) (*tensors.Tensor, error)
}

// Layer adapts one dynamic embedding layer for a worker: it records the fragments looked up during the
// current forward pass.
//
// It is safe for concurrent use.
type Layer struct {
	name   string
	dim    int
	source Source

	mu        sync.Mutex
	fragments []grads.Fragment
}

// NewLayer creates the adapter for the embedding layer with the given name and embedding dimension.
func NewLayer(name string, dim int) *Layer {
	return &Layer{name: name, dim: dim}
}

// WithSource configures where the layer fetches its embedding vectors from. Without a source,
// Lookup returns zero vectors.
func (l *Layer) WithSource(source Source) *Layer {
	l.source = source
	return l
}

// Name of the layer.
func (l *Layer) Name() string { return l.name }

// Dim is the embedding dimension.
func (l *Layer) Dim() int { return l.dim }

// Lookup fetches the embedding vectors for ids and records the lookup as a new fragment of the current
// forward pass, backed by a fresh variable named "<layer>/bet_<fragment>".
//
// It returns the looked-up rows, shaped `[len(ids), dim]`.
func (l *Layer) Lookup(ctx context.Context, ids []int64) (*tensors.Tensor, error) {
	shape := shapes.Make(dtypes.Float32, len(ids), l.dim)
	var vectors *tensors.Tensor
	if l.source == nil {
		vectors = tensors.FromShape(shape)
	} else {
		var err error
		vectors, err = l.source.Lookup(ctx, l.name, ids)
		if err != nil {
			return nil, errors.WithMessagef(err, "embedding layer %q failed to look up %d ids", l.name, len(ids))
		}
		if !vectors.Shape().Equal(shape) {
			return nil, errors.Wrapf(grads.ErrShapeMismatch, "embedding layer %q: source returned %s for %d ids, wanted %s",
				l.name, vectors.Shape(), len(ids), shape)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	backing := &grads.BackingVariable{
		Name:  fmt.Sprintf("%s/bet_%d", l.name, len(l.fragments)),
		Shape: shape,
	}
	l.fragments = append(l.fragments, grads.Fragment{Backing: backing, IDs: slices.Clone(ids)})
	klog.V(2).Infof("embedding layer %q: fragment #%d with %d ids", l.name, len(l.fragments)-1, len(ids))
	return vectors, nil
}

// Record a fragment directly, for lookups done outside the adapter. backing may be nil.
func (l *Layer) Record(backing *grads.BackingVariable, ids []int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fragments = append(l.fragments, grads.Fragment{Backing: backing, IDs: slices.Clone(ids)})
}

// NumFragments returns the number of lookups recorded in the current forward pass.
func (l *Layer) NumFragments() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fragments)
}

// Report returns a copy of the fragments recorded in the current forward pass, in lookup order.
// The layer keeps recording into its own list: the report is not affected by later lookups or Reset.
func (l *Layer) Report() grads.EmbeddingLayerReport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return grads.EmbeddingLayerReport{Layer: l.name, Fragments: l.fragments}.Clone()
}

// Reset starts a new forward pass, forgetting the recorded fragments.
func (l *Layer) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fragments = nil
}
