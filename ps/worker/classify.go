// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package worker

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/paramserver/ps/grads"
	"github.com/gomlx/paramserver/types/tensors"
	"github.com/pkg/errors"
)

// embeddingDType is the dtype of embedding vectors.
const embeddingDType = dtypes.Float32

// Classify splits the flat list of gradients emitted by the backward pass into an aggregated report:
//
//   - Gradients of DenseVariable items must be dense, with the variable's shape.
//   - The gradient of the FixedSparseTable item must be indexed: it is passed through as is.
//   - Gradients of EmbeddingBacking items are dense blocks, one per fragment (lookup) of their layer.
//     They are grouped by layer, using the fragment counts of the layer's report, and per layer the
//     blocks are stacked and the fragments' ids concatenated, both in fragment order, into one IndexedSlices.
//     Duplicate ids are preserved.
//
// flat and items must be aligned (see Enumerator.Enumerate). Layers with no fragments have no entry
// in the report. A report with fragments for a layer without items returns ErrUnknownLayer.
//
// It doesn't change its inputs, and on error no report is returned.
func Classify(flat []grads.Gradient, items []grads.TrainableItem, reports []grads.EmbeddingLayerReport) (
	*grads.AggregatedReport, error) {
	if len(flat) != len(items) {
		return nil, errors.Wrapf(grads.ErrShapeMismatch, "got %d gradients for %d trainable items", len(flat), len(items))
	}
	reportsByLayer := make(map[string]grads.EmbeddingLayerReport, len(reports))
	for _, report := range reports {
		if _, found := reportsByLayer[report.Layer]; found {
			return nil, errors.Errorf("more than one report for embedding layer %q", report.Layer)
		}
		reportsByLayer[report.Layer] = report
	}

	report := &grads.AggregatedReport{Embeddings: make(map[string]*grads.IndexedSlices)}
	blocksByLayer := make(map[string][]*tensors.Tensor)
	var layersOrder []string
	for ii, item := range items {
		g := flat[ii]
		switch item.Kind {
		case grads.DenseVariable:
			if err := checkDense(item, g); err != nil {
				return nil, err
			}
			report.Dense = append(report.Dense, grads.NamedTensor{Name: item.Name, Tensor: g.Tensor()})

		case grads.FixedSparseTable:
			if report.FixedSparse != nil {
				return nil, errors.Errorf("more than one fixed-sparse table: %q and %q", report.FixedSparse.Name, item.Name)
			}
			if err := checkFixedSparse(item, g); err != nil {
				return nil, err
			}
			report.FixedSparse = &grads.NamedSlices{Name: item.Name, Slices: g.Slices()}

		case grads.EmbeddingBacking:
			layerReport, found := reportsByLayer[item.Layer]
			if !found {
				return nil, errors.Wrapf(grads.ErrShapeMismatch, "gradient for %q of embedding layer %q, but no report for the layer",
					item.Name, item.Layer)
			}
			blocks := blocksByLayer[item.Layer]
			if len(blocks) == 0 {
				layersOrder = append(layersOrder, item.Layer)
			}
			fragmentIdx := len(blocks)
			if item.Fragment != fragmentIdx || fragmentIdx >= len(layerReport.Fragments) {
				return nil, errors.Wrapf(grads.ErrShapeMismatch,
					"gradient for %q is fragment #%d of embedding layer %q, expected fragment #%d of %d",
					item.Name, item.Fragment, item.Layer, fragmentIdx, len(layerReport.Fragments))
			}
			if err := checkBlock(item, g, len(layerReport.Fragments[fragmentIdx].IDs)); err != nil {
				return nil, err
			}
			blocksByLayer[item.Layer] = append(blocks, g.Tensor())

		default:
			return nil, errors.Errorf("trainable item %q has invalid kind %s", item.Name, item.Kind)
		}
	}

	for _, layer := range layersOrder {
		layerReport := reportsByLayer[layer]
		blocks := blocksByLayer[layer]
		if len(blocks) != len(layerReport.Fragments) {
			return nil, errors.Wrapf(grads.ErrShapeMismatch, "embedding layer %q has %d fragments but got %d gradients",
				layer, len(layerReport.Fragments), len(blocks))
		}
		values, err := tensors.ConcatenateRows(blocks...)
		if err != nil {
			return nil, errors.Wrapf(grads.ErrShapeMismatch, "embedding layer %q: %v", layer, err)
		}
		indices := make([]int64, 0, layerReport.NumIDs())
		for _, fragment := range layerReport.Fragments {
			indices = append(indices, fragment.IDs...)
		}
		report.Embeddings[layer] = &grads.IndexedSlices{Indices: indices, Values: values}
	}

	// Reports with fragments must have gradients.
	for _, layerReport := range reports {
		if len(layerReport.Fragments) > 0 && len(blocksByLayer[layerReport.Layer]) == 0 {
			return nil, errors.Wrapf(grads.ErrUnknownLayer, "embedding layer %q has %d fragments but no trainable items",
				layerReport.Layer, len(layerReport.Fragments))
		}
	}
	return report, nil
}

// ClassifyWith enumerates the trainable items with e and classifies the gradients.
func ClassifyWith(e *Enumerator, flat []grads.Gradient, reports []grads.EmbeddingLayerReport) (*grads.AggregatedReport, error) {
	items, err := e.Enumerate(reports)
	if err != nil {
		return nil, err
	}
	return Classify(flat, items, reports)
}

func isFloat(dtype dtypes.DType) bool {
	return slices.Contains([]dtypes.DType{dtypes.Float16, dtypes.Float32, dtypes.Float64}, dtype)
}

func checkDense(item grads.TrainableItem, g grads.Gradient) error {
	if g.Kind() != grads.DenseGradient {
		return errors.Wrapf(grads.ErrShapeMismatch, "dense variable %q got a %s gradient", item.Name, g.Kind())
	}
	shape := g.Tensor().Shape()
	if !isFloat(shape.DType) || !shape.EqualDimensions(item.Shape()) {
		return errors.Wrapf(grads.ErrShapeMismatch, "dense variable %q has shape %s, got gradient shaped %s",
			item.Name, item.Shape(), shape)
	}
	return nil
}

func checkFixedSparse(item grads.TrainableItem, g grads.Gradient) error {
	if g.Kind() != grads.IndexedGradient {
		return errors.Wrapf(grads.ErrShapeMismatch, "fixed-sparse table %q got a %s gradient", item.Name, g.Kind())
	}
	s := g.Slices()
	if err := s.Check(); err != nil {
		return errors.WithMessagef(err, "fixed-sparse table %q", item.Name)
	}
	if item.Shape().Rank() == 0 {
		return errors.Wrapf(grads.ErrShapeMismatch, "fixed-sparse table %q must have rank >= 1", item.Name)
	}
	numRows := item.Shape().Dim(0)
	valuesShape := s.Values.Shape()
	if !isFloat(valuesShape.DType) || !valuesShape.WithRows(numRows).EqualDimensions(item.Shape()) {
		return errors.Wrapf(grads.ErrShapeMismatch, "fixed-sparse table %q has shape %s, got gradient values shaped %s",
			item.Name, item.Shape(), valuesShape)
	}
	for _, index := range s.Indices {
		if index < 0 || index >= int64(numRows) {
			return errors.Wrapf(grads.ErrShapeMismatch, "fixed-sparse table %q has %d rows, got gradient for row %d",
				item.Name, numRows, index)
		}
	}
	return nil
}

func checkBlock(item grads.TrainableItem, g grads.Gradient, numIDs int) error {
	if g.Kind() != grads.DenseGradient {
		return errors.Wrapf(grads.ErrShapeMismatch, "embedding backing %q got a %s gradient", item.Name, g.Kind())
	}
	shape := g.Tensor().Shape()
	if !isFloat(shape.DType) || shape.Rank() != 2 {
		return errors.Wrapf(grads.ErrShapeMismatch, "embedding backing %q got gradient shaped %s, wanted a float matrix",
			item.Name, shape)
	}
	if shape.Dim(0) != numIDs {
		return errors.Wrapf(grads.ErrShapeMismatch, "embedding backing %q looked up %d ids, got a gradient with %d rows",
			item.Name, numIDs, shape.Dim(0))
	}
	if item.Shape().Ok() && item.Shape().Rank() == 2 && shape.Dim(1) != item.Shape().Dim(1) {
		return errors.Wrapf(grads.ErrShapeMismatch, "embedding backing %q has dimension %d, got gradient shaped %s",
			item.Name, item.Shape().Dim(1), shape)
	}
	return nil
}
