// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package worker implements the worker side of the parameter server: the enumeration of the trainable items
// of a model, the classification of a flat list of gradients into an aggregated report, and the Worker
// that computes and reports gradients, retrying when its model version becomes stale.
package worker

import (
	"fmt"

	"github.com/gomlx/paramserver/ps/embedding"
	"github.com/gomlx/paramserver/ps/grads"
	"github.com/gomlx/paramserver/types/shapes"
	"github.com/pkg/errors"
)

// VariableSpec declares a model variable.
type VariableSpec struct {
	Name  string
	Shape shapes.Shape
}

// ModelSpec declares the trainable entities of a model, in the order the backward pass emits their gradients.
type ModelSpec struct {
	// Dense variables, in declaration order.
	Dense []VariableSpec

	// FixedSparse is the optional fixed-size sparse table. Its shape is `[rows, dim]`.
	FixedSparse *VariableSpec

	// EmbeddingLayers are the dynamic embedding layers, in declaration order.
	EmbeddingLayers []*embedding.Layer
}

// Enumerator lists the trainable items of a model in the order their gradients are emitted.
//
// The static part (dense variables and fixed-sparse table) is computed once, at construction: the gradient
// list is always classified against the same order. The embedding backing items depend on the lookups done
// in each forward pass, and are appended per call to Enumerate.
type Enumerator struct {
	static     []grads.TrainableItem
	layers     []string
	layerDims  map[string]int
	itemByName map[string]grads.Kind
}

// NewEnumerator validates the model and caches its static trainable items.
// Names of variables and embedding layers must be unique.
func NewEnumerator(model *ModelSpec) (*Enumerator, error) {
	e := &Enumerator{
		layerDims:  make(map[string]int),
		itemByName: make(map[string]grads.Kind),
	}
	addItem := func(v VariableSpec, kind grads.Kind) error {
		if v.Name == "" {
			return errors.Errorf("model has a %s variable without a name", kind)
		}
		if _, found := e.itemByName[v.Name]; found {
			return errors.Errorf("model has more than one trainable item named %q", v.Name)
		}
		if !v.Shape.Ok() {
			return errors.Errorf("variable %q has an invalid shape", v.Name)
		}
		e.itemByName[v.Name] = kind
		e.static = append(e.static, grads.NewTrainableItem(v.Name, kind, v.Shape))
		return nil
	}
	for _, v := range model.Dense {
		if err := addItem(v, grads.DenseVariable); err != nil {
			return nil, err
		}
	}
	if model.FixedSparse != nil {
		if model.FixedSparse.Shape.Rank() != 2 {
			return nil, errors.Errorf("fixed-sparse table %q must have rank 2, got shape %s",
				model.FixedSparse.Name, model.FixedSparse.Shape)
		}
		if err := addItem(*model.FixedSparse, grads.FixedSparseTable); err != nil {
			return nil, err
		}
	}
	for _, layer := range model.EmbeddingLayers {
		name := layer.Name()
		if _, found := e.layerDims[name]; found {
			return nil, errors.Errorf("model has more than one embedding layer named %q", name)
		}
		if _, found := e.itemByName[name]; found {
			return nil, errors.Errorf("embedding layer %q has the same name as a variable", name)
		}
		if layer.Dim() <= 0 {
			return nil, errors.Errorf("embedding layer %q has invalid dimension %d", name, layer.Dim())
		}
		e.layerDims[name] = layer.Dim()
		e.layers = append(e.layers, name)
	}
	return e, nil
}

// StaticItems returns the dense variables followed by the fixed-sparse table, if any.
func (e *Enumerator) StaticItems() []grads.TrainableItem {
	return append([]grads.TrainableItem(nil), e.static...)
}

// Layers returns the names of the embedding layers in declaration order.
func (e *Enumerator) Layers() []string {
	return append([]string(nil), e.layers...)
}

// LayerDim returns the embedding dimension of the layer, and whether it was declared.
func (e *Enumerator) LayerDim(layer string) (dim int, found bool) {
	dim, found = e.layerDims[layer]
	return
}

// Enumerate returns the full list of trainable items for a forward pass that produced the given embedding
// reports: the static items, then for each embedding layer (in declaration order) one EmbeddingBacking item
// per fragment (in lookup order).
//
// Reports can be given in any order, and layers without a report have no fragments. A report for a layer
// that was not declared returns an ErrUnknownLayer error.
//
// Repeated calls with the same reports return the same items.
func (e *Enumerator) Enumerate(reports []grads.EmbeddingLayerReport) ([]grads.TrainableItem, error) {
	byLayer, err := e.indexReports(reports)
	if err != nil {
		return nil, err
	}
	items := e.StaticItems()
	for _, layer := range e.layers {
		report, found := byLayer[layer]
		if !found {
			continue
		}
		dim := e.layerDims[layer]
		for ii, fragment := range report.Fragments {
			name := fmt.Sprintf("%s/bet_%d", layer, ii)
			shape := shapes.Make(embeddingDType, len(fragment.IDs), dim)
			if fragment.Backing != nil {
				name = fragment.Backing.Name
				if fragment.Backing.Shape.Ok() {
					shape = fragment.Backing.Shape
				}
			}
			items = append(items, grads.NewBackingItem(name, layer, ii, shape))
		}
	}
	return items, nil
}

// indexReports maps the reports by layer name, checking that all layers are known and not repeated.
func (e *Enumerator) indexReports(reports []grads.EmbeddingLayerReport) (map[string]grads.EmbeddingLayerReport, error) {
	byLayer := make(map[string]grads.EmbeddingLayerReport, len(reports))
	for _, report := range reports {
		if _, found := e.layerDims[report.Layer]; !found {
			return nil, errors.Wrapf(grads.ErrUnknownLayer, "report for embedding layer %q", report.Layer)
		}
		if _, found := byLayer[report.Layer]; found {
			return nil, errors.Errorf("more than one report for embedding layer %q", report.Layer)
		}
		byLayer[report.Layer] = report
	}
	return byLayer, nil
}
