// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package embedding

import (
	"slices"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/paramserver/types/shapes"
	"github.com/gomlx/paramserver/types/tensors"
)

// Initializer returns the initial value of a row when it is first accessed.
type Initializer func(id int64, row []float32)

// ZeroInitializer leaves new rows as zeros.
func ZeroInitializer(_ int64, _ []float32) {}

// Table is a dynamically-sized embedding table: rows are created on first access, any int64 id is valid.
//
// It is safe for concurrent use.
type Table struct {
	name        string
	dim         int
	initializer Initializer

	mu   sync.RWMutex
	rows map[int64][]float32
}

// NewTable creates an empty table with rows of dimension dim, initialized with zeros.
func NewTable(name string, dim int) *Table {
	return &Table{
		name:        name,
		dim:         dim,
		initializer: ZeroInitializer,
		rows:        make(map[int64][]float32),
	}
}

// WithInitializer sets the initializer for new rows.
func (t *Table) WithInitializer(initializer Initializer) *Table {
	t.initializer = initializer
	return t
}

// Name of the table, the same as its embedding layer.
func (t *Table) Name() string { return t.name }

// Dim is the embedding dimension.
func (t *Table) Dim() int { return t.dim }

// Len returns the number of materialized rows.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// IDs returns the sorted ids of the materialized rows.
func (t *Table) IDs() []int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]int64, 0, len(t.rows))
	for id := range t.rows {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// lockedRow returns the row for id, creating it if needed. t.mu must be write-locked.
func (t *Table) lockedRow(id int64) []float32 {
	row, found := t.rows[id]
	if !found {
		row = make([]float32, t.dim)
		t.initializer(id, row)
		t.rows[id] = row
	}
	return row
}

// Lookup returns a Float32 tensor shaped `[len(ids), dim]` with a copy of the rows for ids.
// Missing rows are created with the initializer.
func (t *Table) Lookup(ids []int64) *tensors.Tensor {
	vectors := tensors.FromShape(shapes.Make(dtypes.Float32, len(ids), t.dim))
	t.mu.Lock()
	defer t.mu.Unlock()
	tensors.MutableFlatData(vectors, func(flat []float32) {
		for ii, id := range ids {
			copy(flat[ii*t.dim:(ii+1)*t.dim], t.lockedRow(id))
		}
	})
	return vectors
}

// UpdateRows calls updateFn for each id with the mutable row, under the table's write lock.
// Missing rows are created with the initializer first.
func (t *Table) UpdateRows(ids []int64, updateFn func(id int64, row []float32)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		updateFn(id, t.lockedRow(id))
	}
}
