// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package grads

import (
	"fmt"
	"slices"

	"github.com/gomlx/paramserver/types/shapes"
)

// Kind of TrainableItem.
type Kind int

const (
	// DenseVariable receives full-shape gradients.
	DenseVariable Kind = iota

	// FixedSparseTable is a sparse table with a bounded, pre-declared number of rows. Its gradients are
	// IndexedSlices.
	FixedSparseTable

	// EmbeddingBacking is the per-minibatch backing variable of one lookup of a dynamic embedding layer:
	// it holds the looked-up rows and receives one dense block of gradients (one row per looked-up id).
	EmbeddingBacking
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case DenseVariable:
		return "Dense"
	case FixedSparseTable:
		return "FixedSparseTable"
	case EmbeddingBacking:
		return "EmbeddingBacking"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// TrainableItem is one trainable entity of a model, in the order its gradient appears in the flat gradient list.
type TrainableItem struct {
	// Name identifies the item, it is unique within a model.
	Name string
	Kind Kind

	// shape of the variable. For EmbeddingBacking items it is the shape of the looked-up block.
	shape shapes.Shape

	// Layer is the owning embedding layer name, only set for EmbeddingBacking items.
	Layer string

	// Fragment is the position of the lookup within the layer's forward pass, only meaningful for
	// EmbeddingBacking items.
	Fragment int
}

// NewTrainableItem creates a Dense or FixedSparseTable item.
func NewTrainableItem(name string, kind Kind, shape shapes.Shape) TrainableItem {
	return TrainableItem{Name: name, Kind: kind, shape: shape.Clone()}
}

// NewBackingItem creates an EmbeddingBacking item for the given layer fragment.
func NewBackingItem(name, layer string, fragment int, shape shapes.Shape) TrainableItem {
	return TrainableItem{Name: name, Kind: EmbeddingBacking, shape: shape.Clone(), Layer: layer, Fragment: fragment}
}

// Shape of the item. It implements shapes.HasShape.
func (item TrainableItem) Shape() shapes.Shape { return item.shape }

// String implements fmt.Stringer.
func (item TrainableItem) String() string {
	if item.Kind == EmbeddingBacking {
		return fmt.Sprintf("%s[%s %s, layer=%q #%d]", item.Name, item.Kind, item.shape, item.Layer, item.Fragment)
	}
	return fmt.Sprintf("%s[%s %s]", item.Name, item.Kind, item.shape)
}

// BackingVariable is the handle of the variable backing one embedding lookup (the rows fetched for the
// minibatch). A nil handle is allowed: the fragment then has no variable of its own.
type BackingVariable struct {
	Name  string
	Shape shapes.Shape
}

// Fragment is one lookup of a dynamic embedding layer in a forward pass: the ids looked up and the
// (optional) backing variable holding the looked-up rows.
type Fragment struct {
	Backing *BackingVariable
	IDs     []int64
}

// EmbeddingLayerReport lists, in lookup order, the fragments of one embedding layer in one forward pass.
// Its order must match the order in which the backward pass emits the fragment gradients.
type EmbeddingLayerReport struct {
	Layer     string
	Fragments []Fragment
}

// Clone returns a deep copy of the report: the ids are copied, backing handles are shared.
func (r EmbeddingLayerReport) Clone() EmbeddingLayerReport {
	clone := EmbeddingLayerReport{Layer: r.Layer, Fragments: make([]Fragment, len(r.Fragments))}
	for ii, fragment := range r.Fragments {
		clone.Fragments[ii] = Fragment{Backing: fragment.Backing, IDs: slices.Clone(fragment.IDs)}
	}
	return clone
}

// NumIDs returns the total number of ids looked up, over all fragments.
func (r EmbeddingLayerReport) NumIDs() (n int) {
	for _, fragment := range r.Fragments {
		n += len(fragment.IDs)
	}
	return
}
