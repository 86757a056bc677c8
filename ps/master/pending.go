// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package master

import (
	"slices"
	"sync"

	"github.com/gomlx/paramserver/ps/grads"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// PendingEmbeddings accumulates the embedding gradients reported for each dynamic embedding layer, until
// they are drained by the apply cycle.
//
// Contributions are merged by concatenation: duplicated ids are kept, to be summed when applied.
type PendingEmbeddings struct {
	mu      sync.Mutex
	byLayer map[string]*grads.IndexedSlices
}

// NewPendingEmbeddings returns an empty PendingEmbeddings.
func NewPendingEmbeddings() *PendingEmbeddings {
	return &PendingEmbeddings{byLayer: make(map[string]*grads.IndexedSlices)}
}

// Append concatenates s to the pending gradients of layer. s is copied.
func (p *PendingEmbeddings) Append(layer string, s *grads.IndexedSlices) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	current, found := p.byLayer[layer]
	var merged *grads.IndexedSlices
	var err error
	if found {
		merged, err = grads.ConcatIndexedSlices(current, s)
	} else {
		merged, err = grads.ConcatIndexedSlices(s)
	}
	if err != nil {
		return errors.WithMessagef(err, "pending gradients of embedding layer %q", layer)
	}
	p.byLayer[layer] = merged
	return nil
}

// Len returns the number of rows pending for layer.
func (p *PendingEmbeddings) Len(layer string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, found := p.byLayer[layer]; found {
		return s.Len()
	}
	return 0
}

// Layers returns the layers with pending gradients, sorted.
func (p *PendingEmbeddings) Layers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	layers := maps.Keys(p.byLayer)
	slices.Sort(layers)
	return layers
}

// Copy returns a deep copy of the pending gradients.
func (p *PendingEmbeddings) Copy() map[string]*grads.IndexedSlices {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make(map[string]*grads.IndexedSlices, len(p.byLayer))
	for layer, s := range p.byLayer {
		result[layer] = s.Clone()
	}
	return result
}

// Drain returns the pending gradients and clears them. Each contribution is returned by exactly one Drain.
func (p *PendingEmbeddings) Drain() map[string]*grads.IndexedSlices {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := p.byLayer
	p.byLayer = make(map[string]*grads.IndexedSlices)
	return result
}
