// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package master

import (
	"context"
	"slices"
	"sync"

	"github.com/gomlx/paramserver/ml/train/optimizers"
	"github.com/gomlx/paramserver/ps/embedding"
	"github.com/gomlx/paramserver/ps/grads"
	"github.com/gomlx/paramserver/types/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// EmbeddingApplier is the embedding apply cycle: it owns the embedding tables of the layers declared in
// the Service, and on each Apply it drains the pending embedding gradients and applies them to the
// tables with its optimizer.
//
// It also serves the embedding vectors to the workers: it implements embedding.Source.
type EmbeddingApplier struct {
	service   *Service
	optimizer optimizers.Interface

	mu     sync.Mutex
	tables map[string]*embedding.Table
	cycles int64
}

var _ embedding.Source = (*EmbeddingApplier)(nil)

// NewEmbeddingApplier creates the tables for the embedding layers declared in service, initialized with
// zeros (see WithInitializer).
func NewEmbeddingApplier(service *Service, opt optimizers.Interface) *EmbeddingApplier {
	a := &EmbeddingApplier{
		service:   service,
		optimizer: opt,
		tables:    make(map[string]*embedding.Table),
	}
	for _, layer := range service.EmbeddingLayers() {
		dim, _ := service.EmbeddingDim(layer)
		a.tables[layer] = embedding.NewTable(layer, dim)
	}
	return a
}

// WithInitializer sets the initializer of the rows of all tables. It should be called before the
// tables are used.
func (a *EmbeddingApplier) WithInitializer(initializer embedding.Initializer) *EmbeddingApplier {
	for _, table := range a.tables {
		table.WithInitializer(initializer)
	}
	return a
}

// Table returns the table of the embedding layer, or nil if the layer was not declared.
func (a *EmbeddingApplier) Table(layer string) *embedding.Table {
	return a.tables[layer]
}

// Cycles returns the number of times Apply drained the pending gradients.
func (a *EmbeddingApplier) Cycles() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cycles
}

// Apply drains the pending embedding gradients and applies them to the tables. Duplicated ids are summed.
//
// It returns the number of gradient rows applied.
func (a *EmbeddingApplier) Apply(ctx context.Context) (numRows int, err error) {
	if err = ctx.Err(); err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	pending := a.service.DrainEmbeddingGradients()
	a.cycles++
	layers := maps.Keys(pending)
	slices.Sort(layers)
	for ii, layer := range layers {
		table := a.tables[layer]
		if table == nil {
			err = errors.Wrapf(grads.ErrUnknownLayer, "no table for pending gradients of layer %q", layer)
		} else if err = a.optimizer.ApplyToTable(table, pending[layer]); err != nil {
			err = errors.WithMessagef(err, "failed to apply gradients of embedding layer %q", layer)
		}
		if err != nil {
			a.restore(layers[ii:], pending)
			return numRows, err
		}
		numRows += pending[layer].Len()
	}
	if klog.V(1).Enabled() && numRows > 0 {
		klog.Infof("master: embedding apply cycle #%d applied %d rows to %d layers", a.cycles, numRows, len(pending))
	}
	return numRows, nil
}

// restore returns the gradients of layers that were drained but not applied to the pending store.
func (a *EmbeddingApplier) restore(layers []string, pending map[string]*grads.IndexedSlices) {
	for _, layer := range layers {
		if err := a.service.pending.Append(layer, pending[layer]); err != nil {
			klog.Errorf("master: lost %d pending gradient rows of embedding layer %q: %+v", pending[layer].Len(), layer, err)
		}
	}
}

// Lookup implements embedding.Source.
func (a *EmbeddingApplier) Lookup(ctx context.Context, layer string, ids []int64) (*tensors.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	table := a.tables[layer]
	if table == nil {
		return nil, errors.Wrapf(grads.ErrUnknownLayer, "lookup in embedding layer %q", layer)
	}
	return table.Lookup(ids), nil
}
