// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/paramserver/ps/embedding"
	"github.com/gomlx/paramserver/ps/grads"
	"github.com/gomlx/paramserver/ps/master"
	"github.com/gomlx/paramserver/ps/worker"
	"github.com/gomlx/paramserver/types/shapes"
	"github.com/gomlx/paramserver/types/tensors"
	"github.com/pkg/errors"
)

// The synthetic model: every trainable value is regressed towards a fixed target with a squared
// error loss, so the gradient is simply (value - target).
const (
	denseName = "dense/weights"
	tableName = "embedding/table"
)

// layerSpec of one embedding layer of the synthetic model.
type layerSpec struct {
	name string
	dim  int
}

var embeddingLayers = []layerSpec{{"user_embedding", 4}, {"item_embedding", 8}}

func denseTarget(i int) float32 { return 0.1 * float32(i%10) }

func tableTarget(row, col int) float32 { return 0.05 * float32((row+col)%7) }

func embeddingTarget(id int64, col int) float32 { return 0.01 * float32((int(id%20)+col)%13) }

// newStore creates the master's store with the dense and fixed-sparse variables, initialized to zero.
func newStore(denseSize, vocabSize, tableDim int) (*master.Store, error) {
	store := master.NewStore()
	if err := store.AddDense(denseName, tensors.FromShape(shapes.Make(dtypes.Float32, denseSize))); err != nil {
		return nil, err
	}
	if err := store.AddFixedSparse(tableName, tensors.FromShape(shapes.Make(dtypes.Float32, vocabSize, tableDim))); err != nil {
		return nil, err
	}
	return store, nil
}

// newModelSpec returns the model as seen by one worker, with its own embedding layers.
func newModelSpec(store *master.Store, source embedding.Source) (*worker.ModelSpec, error) {
	model := &worker.ModelSpec{}
	for _, name := range store.Names() {
		shape, err := store.Shape(name)
		if err != nil {
			return nil, err
		}
		spec := worker.VariableSpec{Name: name, Shape: shape}
		if kind, _ := store.Kind(name); kind == grads.FixedSparseTable {
			model.FixedSparse = &spec
		} else {
			model.Dense = append(model.Dense, spec)
		}
	}
	for _, l := range embeddingLayers {
		model.EmbeddingLayers = append(model.EmbeddingLayers, embedding.NewLayer(l.name, l.dim).WithSource(source))
	}
	return model, nil
}

// lossTracker keeps an exponential moving average of the loss reported by the workers.
type lossTracker struct {
	mu      sync.Mutex
	average float64
	count   int
}

func (l *lossTracker) add(loss float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		l.average = loss
	} else {
		l.average = 0.95*l.average + 0.05*loss
	}
	l.count++
}

func (l *lossTracker) value() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.average
}

// newComputeFn returns the gradient computation of one worker on random minibatches.
func newComputeFn(model *worker.ModelSpec, rng *rand.Rand, batchSize int, vocabSize int64, losses *lossTracker) worker.ComputeFn {
	return func(ctx context.Context, version int64, values map[string]*tensors.Tensor) ([]grads.Gradient, error) {
		var loss float64
		var gradients []grads.Gradient
		for _, spec := range model.Dense {
			value, found := values[spec.Name]
			if !found {
				return nil, errors.Errorf("model version %d is missing variable %q", version, spec.Name)
			}
			flat := tensors.CopyFlatData[float32](value)
			for i := range flat {
				flat[i] -= denseTarget(i)
				loss += 0.5 * float64(flat[i]*flat[i])
			}
			gradients = append(gradients, grads.Dense(tensors.FromFlatDataAndDimensions(flat, spec.Shape.Dimensions...)))
		}

		if model.FixedSparse != nil {
			table, found := values[model.FixedSparse.Name]
			if !found {
				return nil, errors.Errorf("model version %d is missing variable %q", version, model.FixedSparse.Name)
			}
			numRows, dim := table.Shape().Dim(0), table.Shape().Dim(1)
			indices := make([]int64, batchSize)
			flat := make([]float32, 0, batchSize*dim)
			for i := range indices {
				row := rng.IntN(numRows)
				indices[i] = int64(row)
				for col, v := range tensors.RowValues(table, row) {
					diff := v - tableTarget(row, col)
					loss += 0.5 * float64(diff*diff)
					flat = append(flat, diff)
				}
			}
			s, err := grads.NewIndexedSlices(indices, tensors.FromFlatDataAndDimensions(flat, batchSize, dim))
			if err != nil {
				return nil, err
			}
			gradients = append(gradients, grads.Indexed(s))
		}

		// Each layer is looked up twice, as a model with two features sharing the same embedding would.
		for _, layer := range model.EmbeddingLayers {
			for range 2 {
				ids := make([]int64, batchSize)
				for i := range ids {
					ids[i] = rng.Int64N(vocabSize)
				}
				vectors, err := layer.Lookup(ctx, ids)
				if err != nil {
					return nil, err
				}
				flat := tensors.CopyFlatData[float32](vectors)
				for i, id := range ids {
					for col := range layer.Dim() {
						diff := flat[i*layer.Dim()+col] - embeddingTarget(id, col)
						loss += 0.5 * float64(diff*diff)
						flat[i*layer.Dim()+col] = diff
					}
				}
				gradients = append(gradients, grads.Dense(tensors.FromFlatDataAndDimensions(flat, batchSize, layer.Dim())))
			}
		}
		losses.add(loss)
		return gradients, nil
	}
}
